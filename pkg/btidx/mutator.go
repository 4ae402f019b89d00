package btidx

import "github.com/bobboyms/btreeidx/pkg/opclass"

// Insertion flags, mirroring the original BIF_FIRST/BIF_LAST: set iff the
// insertion point under consideration is (so far) the tree's extreme.
const (
	flagFirst = 1 << iota
	flagLast
)

func compareElems(op opclass.Class, a, b *Element) int {
	switch op.Compare(a.Data, int(a.StoredLen), b.Data, int(b.StoredLen)) {
	case opclass.Less:
		return -1
	case opclass.Greater:
		return 1
	default:
		return 0
	}
}

// Insert adds e to the tree (SPEC_FULL.md §4.4), grounded directly on
// original_source/libdbcore/btree.c's btreeInsert/btreeSplit/
// btreeInsertPhys/btreeAppend.
func (idx *Index) Insert(e Element) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	be := e
	split, err := idx.insertRec(idx.header.Root, &be, flagFirst|flagLast)
	if err != nil {
		return err
	}
	if split != nil {
		if err := idx.newRootLocked(split); err != nil {
			return err
		}
	}
	idx.writeHeaderLocked()
	return nil
}

// insertRec mirrors btreeInsert. A non-nil returned *Element means bnro's
// node was full and split; the caller must insert the returned element at
// the parent level (or allocate a new root, if bnro was the root).
func (idx *Index) insertRec(bnro int64, be *Element, flags int) (*Element, error) {
	n, err := idx.readNode(bnro)
	if err != nil {
		return nil, err
	}

	i := 0
	for i < int(n.Count) {
		if compareElems(idx.op, be, &n.Elms[i]) < 0 {
			break
		}
		i++
	}
	i--

	if i != int(n.Count)-1 {
		flags &^= flagLast
	}

	insertElem := be
	if !n.Leaf() {
		j := i
		if i > 0 {
			flags &^= flagFirst
		} else {
			j = 0
		}
		childSplit, err := idx.insertRec(n.Elms[j].Ro, be, flags)
		if err != nil {
			return nil, err
		}
		if childSplit == nil {
			insertElem = nil
		} else {
			// Child-level writes may have rewritten this node's slots
			// (parent-pointer fixups in insertPhys) — re-read before
			// mutating it ourselves.
			n, err = idx.readNode(bnro)
			if err != nil {
				return nil, err
			}
			insertElem = childSplit
		}
	}

	if insertElem == nil {
		return nil, nil
	}

	i++
	if i != 0 {
		flags &^= flagFirst
	}

	if int(n.Count) == idx.opts.NodeCap {
		return idx.split(bnro, &n, i, insertElem, flags)
	}
	return nil, idx.insertPhys(bnro, &n, i, insertElem, flags)
}

// split breaks the full node n at bnro into two halves, inserts tmp at
// slot i into whichever half it belongs to, and returns the key/offset
// pair of the new right half for insertion at the parent level
// (SPEC_FULL.md §4.4.2).
func (idx *Index) split(bnro int64, n *Node, i int, tmp *Element, flags int) (*Element, error) {
	half := idx.opts.NodeCap / 2
	tmpbe := *tmp

	bn1 := Node{Parent: n.Parent, Count: int16(half), Flags: n.Flags, Elms: make([]Element, idx.opts.NodeCap)}
	copy(bn1.Elms[:half], n.Elms[:half])

	bn2 := Node{Parent: 0, Count: int16(half), Flags: n.Flags, Elms: make([]Element, idx.opts.NodeCap)}
	copy(bn2.Elms[:half], n.Elms[half:idx.opts.NodeCap])

	if err := idx.writeNodeLocked(bnro, &bn1); err != nil {
		return nil, err
	}

	rightOff, err := idx.appendNodeLocked(&bn2)
	if err != nil {
		return nil, err
	}

	result := bn2.Elms[0]
	result.Flags = 0
	result.Ro = rightOff

	nodeCap := int64(idx.opts.NodeCap)
	if (idx.header.LastElm &^ (nodeCap - 1)) == bnro {
		idx.header.LastElm = rightOff + int64(half-1)
	}

	if i <= half {
		if err := idx.insertPhys(bnro, &bn1, i, &tmpbe, flags); err != nil {
			return nil, err
		}
	} else {
		if err := idx.insertPhys(rightOff, &bn2, i-half, &tmpbe, flags); err != nil {
			return nil, err
		}
	}
	return &result, nil
}

// insertPhys splices be into n at slot i (or, if be is nil, performs no
// structural change) and maintains first/last-leaf and parent-pointer
// bookkeeping (SPEC_FULL.md §4.4.1).
func (idx *Index) insertPhys(bnro int64, n *Node, i int, be *Element, flags int) error {
	nbn := *n
	if be != nil {
		nbn = Node{
			Parent: n.Parent,
			Count:  n.Count + 1,
			Flags:  n.Flags,
			Elms:   make([]Element, idx.opts.NodeCap),
		}
		copy(nbn.Elms[:i], n.Elms[:i])
		nbn.Elms[i] = *be
		copy(nbn.Elms[i+1:int(nbn.Count)], n.Elms[i:n.Count])
		if err := idx.writeNodeLocked(bnro, &nbn); err != nil {
			return err
		}
	}

	leaf := n.Leaf()
	nodeCap := int64(idx.opts.NodeCap)

	if leaf && flags&flagFirst != 0 {
		idx.header.FirstElm = bnro + int64(i)
	}

	if leaf && flags&flagLast != 0 {
		idx.header.LastElm = bnro + int64(i)
	} else if (idx.header.LastElm &^ (nodeCap - 1)) == bnro {
		idx.header.LastElm = bnro + int64(nbn.Count-1)
	}

	if !leaf && be != nil {
		for k := i; k < int(nbn.Count); k++ {
			if err := idx.setParentLocked(nbn.Elms[k].Ro, bnro, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// appendNodeLocked is btreeAppend (SPEC_FULL.md §4.4.3): round the append
// cursor up to a node-slot-aligned boundary (NodeCap bytes, so the low bits
// remain free to encode a child slot per §4.2), avoid straddling a cache
// window, extend the file if needed, and write the node.
func (idx *Index) appendNodeLocked(n *Node) (int64, error) {
	nodeCap := int64(idx.opts.NodeCap)
	mask := nodeCap - 1
	size := int64(NodeSize(idx.opts))

	bnro := (idx.header.Append + mask) &^ mask

	winMask := idx.opts.WindowSize - 1
	if (bnro^(bnro+size-1))&^winMask != 0 {
		bnro = (bnro + winMask) &^ winMask
	}

	if err := idx.extendToLocked(bnro + size); err != nil {
		return 0, err
	}
	if err := idx.writeNodeLocked(bnro, n); err != nil {
		return 0, err
	}
	if !n.Leaf() {
		for k := 0; k < int(n.Count); k++ {
			if err := idx.setParentLocked(n.Elms[k].Ro, bnro, k); err != nil {
				return 0, err
			}
		}
	}
	idx.header.Append = bnro + size
	return bnro, nil
}

func (idx *Index) setParentLocked(childOff, parentOff int64, slot int) error {
	child, err := idx.readNode(childOff)
	if err != nil {
		return err
	}
	child.Parent = parentOff + int64(slot)
	return idx.writeNodeLocked(childOff, &child)
}

// newRootLocked allocates a new root with two children — the old root and
// the freshly split-off right half — when a split propagates above the
// current root (SPEC_FULL.md §4.4.2).
func (idx *Index) newRootLocked(split *Element) error {
	oldRootOff := idx.header.Root
	oldRoot, err := idx.readNode(oldRootOff)
	if err != nil {
		return err
	}

	newRoot := Node{Elms: make([]Element, idx.opts.NodeCap), Count: 2}
	newRoot.Elms[0] = Element{Ro: oldRootOff, StoredLen: oldRoot.Elms[0].StoredLen, Data: oldRoot.Elms[0].Data}
	newRoot.Elms[1] = *split

	newRootOff, err := idx.appendNodeLocked(&newRoot)
	if err != nil {
		return err
	}
	if err := idx.setParentLocked(oldRootOff, newRootOff, 0); err != nil {
		return err
	}
	if err := idx.setParentLocked(split.Ro, newRootOff, 1); err != nil {
		return err
	}
	idx.header.Root = newRootOff
	return nil
}
