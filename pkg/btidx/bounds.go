package btidx

// Bounds search (SPEC_FULL.md §4.5), grounded directly on
// original_source/libdbcore/btree.c's BTreeFindBoundsFwd/BTreeFindBoundsRev.

// nextSiblingLeaf ascends from nodeOff until it finds a parent with a next
// child slot, then descends the leftmost chain to the next leaf in key
// order. ok is false if nodeOff's subtree was the last in the tree.
func (idx *Index) nextSiblingLeaf(nodeOff int64) (Node, int64, bool, error) {
	cur := nodeOff
	for {
		n, err := idx.readNode(cur)
		if err != nil {
			return Node{}, 0, false, err
		}
		if n.Parent == 0 {
			return Node{}, 0, false, nil
		}
		parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
		slot := ParentSlot(n.Parent, idx.opts.NodeCap)
		parent, err := idx.readNode(parentOff)
		if err != nil {
			return Node{}, 0, false, err
		}
		if slot+1 < int(parent.Count) {
			return idx.descendLeftmost(parent.Elms[slot+1].Ro)
		}
		cur = parentOff
	}
}

// prevSiblingLeaf is the mirror image: ascend to a parent with a previous
// slot, descend the rightmost chain.
func (idx *Index) prevSiblingLeaf(nodeOff int64) (Node, int64, bool, error) {
	cur := nodeOff
	for {
		n, err := idx.readNode(cur)
		if err != nil {
			return Node{}, 0, false, err
		}
		if n.Parent == 0 {
			return Node{}, 0, false, nil
		}
		parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
		slot := ParentSlot(n.Parent, idx.opts.NodeCap)
		parent, err := idx.readNode(parentOff)
		if err != nil {
			return Node{}, 0, false, err
		}
		if slot-1 >= 0 {
			return idx.descendRightmost(parent.Elms[slot-1].Ro)
		}
		cur = parentOff
	}
}

func (idx *Index) descendLeftmost(nodeOff int64) (Node, int64, bool, error) {
	off := nodeOff
	for {
		n, err := idx.readNode(off)
		if err != nil {
			return Node{}, 0, false, err
		}
		if n.Leaf() {
			return n, off, true, nil
		}
		off = n.Elms[0].Ro
	}
}

func (idx *Index) descendRightmost(nodeOff int64) (Node, int64, bool, error) {
	off := nodeOff
	for {
		n, err := idx.readNode(off)
		if err != nil {
			return Node{}, 0, false, err
		}
		if n.Leaf() {
			return n, off, true, nil
		}
		off = n.Elms[n.Count-1].Ro
	}
}

// rescanRead implements the cursor-repair protocol of §4.6: read the leaf
// named by bpos.IRo and, if a concurrent insert has shifted it so that
// slot no longer names bpos.Ro, scan forward (within-leaf, then up and
// down) until the element naming bpos.Ro is found.
func (idx *Index) rescanRead(bpos Pos) (Node, int64, int, error) {
	nodeOff := bpos.IRo.Node(idx.opts.NodeCap)
	slot := bpos.IRo.Slot(idx.opts.NodeCap)
	n, err := idx.readNode(nodeOff)
	if err != nil {
		return Node{}, 0, 0, err
	}

	for {
		if slot < int(n.Count) && n.Elms[slot].Ro == bpos.Ro {
			return n, nodeOff, slot, nil
		}
		for s := 0; s < int(n.Count); s++ {
			if n.Elms[s].Ro == bpos.Ro {
				return n, nodeOff, s, nil
			}
		}
		nn, noff, ok, err := idx.nextSiblingLeaf(nodeOff)
		if err != nil {
			return Node{}, 0, 0, err
		}
		if !ok {
			return n, nodeOff, int(n.Count), nil
		}
		n, nodeOff, slot = nn, noff, 0
	}
}

// FindBoundsFwd narrows to the smallest element x >= cmp, starting the
// search from bpos. Status is 0 if the found element equals cmp, +1 if
// greater, -1 if no such element exists.
func (idx *Index) FindBoundsFwd(cmp *Element, bpos Pos) (Pos, int, error) {
	if !bpos.IRo.Valid() {
		return InvalidPos, -1, nil
	}
	n, nodeOff, elm, err := idx.rescanRead(bpos)
	if err != nil {
		return InvalidPos, 0, err
	}

	for {
		for elm < int(n.Count) {
			if compareElems(idx.op, cmp, &n.Elms[elm]) <= 0 {
				break
			}
			elm++
		}
		if elm == int(n.Count) && n.Parent != 0 {
			parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
			slot := ParentSlot(n.Parent, idx.opts.NodeCap)
			parent, err := idx.readNode(parentOff)
			if err != nil {
				return InvalidPos, 0, err
			}
			n, nodeOff, elm = parent, parentOff, slot+1
			continue
		}
		break
	}

	for !n.Leaf() {
		if elm > 0 {
			elm--
		}
		childOff := n.Elms[elm].Ro
		if n, err = idx.readNode(childOff); err != nil {
			return InvalidPos, 0, err
		}
		nodeOff = childOff
		elm = 0
		for elm < int(n.Count) {
			if compareElems(idx.op, cmp, &n.Elms[elm]) <= 0 {
				break
			}
			elm++
		}
	}

	if elm == int(n.Count) {
		for elm == int(n.Count) {
			if n.Parent == 0 {
				return InvalidPos, -1, nil
			}
			parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
			slot := ParentSlot(n.Parent, idx.opts.NodeCap)
			parent, err := idx.readNode(parentOff)
			if err != nil {
				return InvalidPos, 0, err
			}
			n, nodeOff, elm = parent, parentOff, slot+1
		}
		for !n.Leaf() {
			childOff := n.Elms[elm].Ro
			if n, err = idx.readNode(childOff); err != nil {
				return InvalidPos, 0, err
			}
			nodeOff, elm = childOff, 0
		}
	}

	pos := Pos{Ro: n.Elms[elm].Ro, IRo: EncodeIRo(nodeOff, elm, idx.opts.NodeCap)}
	status := 1
	if compareElems(idx.op, cmp, &n.Elms[elm]) == 0 {
		status = 0
	}
	return pos, status, nil
}

// FindBoundsRev is the mirror image, narrowing to the largest element
// x <= cmp.
func (idx *Index) FindBoundsRev(cmp *Element, bpos Pos) (Pos, int, error) {
	if !bpos.IRo.Valid() {
		return InvalidPos, -1, nil
	}
	n, nodeOff, elm, err := idx.rescanRead(bpos)
	if err != nil {
		return InvalidPos, 0, err
	}

	for {
		for elm >= 0 {
			if compareElems(idx.op, cmp, &n.Elms[elm]) >= 0 {
				break
			}
			elm--
		}
		if elm >= 0 {
			break
		}
		if n.Parent == 0 {
			return InvalidPos, -1, nil
		}
		parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
		slot := ParentSlot(n.Parent, idx.opts.NodeCap)
		parent, err := idx.readNode(parentOff)
		if err != nil {
			return InvalidPos, 0, err
		}
		n, nodeOff, elm = parent, parentOff, slot-1
	}

	for !n.Leaf() {
		childOff := n.Elms[elm].Ro
		if n, err = idx.readNode(childOff); err != nil {
			return InvalidPos, 0, err
		}
		nodeOff = childOff
		elm = int(n.Count) - 1
		for elm >= 0 {
			if compareElems(idx.op, cmp, &n.Elms[elm]) >= 0 {
				break
			}
			elm--
		}
		if elm < 0 {
			break
		}
	}

	if elm < 0 {
		for elm < 0 {
			if n.Parent == 0 {
				return InvalidPos, -1, nil
			}
			parentOff := ParentOffset(n.Parent, idx.opts.NodeCap)
			slot := ParentSlot(n.Parent, idx.opts.NodeCap)
			parent, err := idx.readNode(parentOff)
			if err != nil {
				return InvalidPos, 0, err
			}
			n, nodeOff, elm = parent, parentOff, slot-1
		}
		for !n.Leaf() {
			childOff := n.Elms[elm].Ro
			if n, err = idx.readNode(childOff); err != nil {
				return InvalidPos, 0, err
			}
			nodeOff = childOff
			elm = int(n.Count) - 1
		}
	}

	pos := Pos{Ro: n.Elms[elm].Ro, IRo: EncodeIRo(nodeOff, elm, idx.opts.NodeCap)}
	status := 1
	if compareElems(idx.op, cmp, &n.Elms[elm]) == 0 {
		status = 0
	}
	return pos, status, nil
}
