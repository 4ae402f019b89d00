package btidx

import "sort"

// JoinProbe implements the pos_cache optimization of SPEC_FULL.md §4.6:
// given the last leaf resolved by a previous equality probe, check whether
// the entire answer for (lo, hi) lies within it, avoiding a root-to-leaf
// traversal. Returns -1 (miss — caller must fall back to FindBoundsFwd/Rev),
// 0 (partial — one side resolved, the other still needs the full search),
// or +1 (complete).
func (idx *Index) JoinProbe(lo, hi *Element) (loPos, hiPos Pos, status int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	c := idx.posCache
	if !c.valid || c.rangeLo != idx.header.FirstElm || c.rangeHi != idx.header.LastElm {
		return InvalidPos, InvalidPos, -1
	}
	leaf := c.leaf
	if leaf.Count == 0 {
		return InvalidPos, InvalidPos, -1
	}
	first := leaf.Elms[0]
	last := leaf.Elms[leaf.Count-1]
	if compareElems(idx.op, lo, &first) < 0 || compareElems(idx.op, hi, &last) > 0 {
		return InvalidPos, InvalidPos, -1
	}

	loSlot := sort.Search(int(leaf.Count), func(i int) bool {
		return compareElems(idx.op, &leaf.Elms[i], lo) >= 0
	})
	hiSlot := sort.Search(int(leaf.Count), func(i int) bool {
		return compareElems(idx.op, &leaf.Elms[i], hi) > 0
	}) - 1

	loFound := loSlot < int(leaf.Count)
	hiFound := hiSlot >= 0
	if loFound {
		loPos = Pos{Ro: leaf.Elms[loSlot].Ro, IRo: EncodeIRo(c.leafOff, loSlot, idx.opts.NodeCap)}
	} else {
		loPos = InvalidPos
	}
	if hiFound {
		hiPos = Pos{Ro: leaf.Elms[hiSlot].Ro, IRo: EncodeIRo(c.leafOff, hiSlot, idx.opts.NodeCap)}
	} else {
		hiPos = InvalidPos
	}

	switch {
	case loFound && hiFound:
		return loPos, hiPos, 1
	case loFound || hiFound:
		return loPos, hiPos, 0
	default:
		return InvalidPos, InvalidPos, -1
	}
}

// UpdatePosCache records leaf (read at leafOff) as the result of the most
// recent equality probe, for the next JoinProbe call to consult.
func (idx *Index) UpdatePosCache(leafOff int64, leaf Node) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.posCache = posCacheEntry{
		valid:   true,
		leafOff: leafOff,
		rangeLo: idx.header.FirstElm,
		rangeHi: idx.header.LastElm,
		leaf:    leaf,
	}
}
