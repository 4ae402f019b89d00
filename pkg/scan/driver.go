// Package scan implements the range-scan driver of SPEC_FULL.md §4.7: given
// a table, a constant-predicate range, and an index, it catches the index
// up if stale, narrows to the indexed leaf range, iterates in reverse
// pairing inserts against deletes by content hash, then falls through to a
// linear scan of the un-indexed tail.
package scan

import (
	"context"
	"errors"

	"github.com/bobboyms/btreeidx/pkg/btidx"
	"github.com/bobboyms/btreeidx/pkg/datatable"
	"github.com/bobboyms/btreeidx/pkg/opclass"
)

// errBrokenScanResidue is returned when the delete-hash is non-empty at
// end-of-scan without one of §4.7 step 5's documented exceptions (the scan
// broke early, or a special-field predicate forced unconditional pairing).
var errBrokenScanResidue = errors.New("scan: delete-hash residue at end of scan")

// Decision is what a downstream filter does with a candidate record.
type Decision int

const (
	Drop Decision = iota
	Keep
	Break
)

// Match is a surviving record, handed to the caller's Filter.
type Match struct {
	Pos    btidx.Pos
	Record btidx.DataRecord
}

// Filter is the scan's downstream consumer. Returning Break stops the scan
// early (§4.7 "Cancellation").
type Filter func(Match) Decision

// Driver runs range scans over one index/table/column combination.
type Driver struct {
	Index     *btidx.Index
	Table     *datatable.Table
	VTID      uint32
	Column    string
	ForceSave bool // the predicate is on a "special" field (§4.7 equality-hash sweep rule)
	Sync      bool // caller demands a synchronized index before scanning
}

// New builds a Driver over idx, scanning column on table for virtual table
// vtID.
func New(idx *btidx.Index, table *datatable.Table, vtID uint32, column string) *Driver {
	return &Driver{Index: idx, Table: table, VTID: vtID, Column: column}
}

func (d *Driver) source() btidx.DataSource { return d.Table.Source(d.Column) }

func (d *Driver) extractor() btidx.ColumnExtractor {
	return func(rec btidx.DataRecord) ([]byte, int) { return rec.ColumnPrefix, rec.ColumnLen }
}

// Run executes the scan. lo/hi bound the index column (either may be nil
// for an unbounded side). Indexed matches come first, in reverse key order
// (§4.7 step 3); matches from the un-indexed tail follow, newest first.
func (d *Driver) Run(ctx context.Context, lo, hi *btidx.Element, filter Filter) ([]Match, error) {
	h := d.Index.Header()
	opts := d.Index.Options()

	if h.TabAppend+opts.Slop < d.source().Append() || d.Sync {
		if err := d.Index.CatchUp(ctx, d.VTID, d.source(), d.extractor(), d.Sync); err != nil {
			return nil, err
		}
		h = d.Index.Header()
	}
	tiAppend := d.source().Append()

	dh := newDeleteHash()
	var results []Match
	broken := false

	rangeStart, rangeEnd, empty, err := d.bound(lo, hi, h)
	if err != nil {
		return nil, err
	}

	if !empty {
		cur := d.Index.CursorAt(rangeEnd)
		for cur.Valid() {
			elm, err := cur.Element()
			if err != nil {
				return nil, err
			}
			if elm.Ro < tiAppend {
				keep, brk, err := d.consider(elm.Ro, dh)
				if err != nil {
					return nil, err
				}
				if brk {
					broken = true
					break
				}
				if keep != nil {
					dec := filter(*keep)
					if dec == Break {
						broken = true
						break
					}
					if dec == Keep {
						results = append(results, *keep)
					}
				}
			}
			if cur.Pos() == rangeStart {
				break
			}
			ok, err := cur.Prev()
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
		}
	}

	if !broken {
		tailResults, brk, err := d.scanTail(h.TabAppend, tiAppend, lo, hi, dh, filter)
		if err != nil {
			return nil, err
		}
		results = append(results, tailResults...)
		broken = brk
	}

	if !broken && !d.ForceSave && !dh.empty() {
		return results, errBrokenScanResidue
	}
	return results, nil
}

// bound narrows (header.first_elm, header.last_elm) to (rangeStart,
// rangeEnd) using forward/reverse bounds search (§4.5, §4.7 step 2).
func (d *Driver) bound(lo, hi *btidx.Element, h btidx.Header) (btidx.Pos, btidx.Pos, bool, error) {
	if h.FirstElm < 0 {
		return btidx.InvalidPos, btidx.InvalidPos, true, nil
	}
	firstCur, err := d.Index.CursorAtFirst()
	if err != nil {
		return btidx.InvalidPos, btidx.InvalidPos, false, err
	}
	lastCur, err := d.Index.CursorAtLast()
	if err != nil {
		return btidx.InvalidPos, btidx.InvalidPos, false, err
	}
	if !firstCur.Valid() || !lastCur.Valid() {
		return btidx.InvalidPos, btidx.InvalidPos, true, nil
	}
	first, last := firstCur.Pos(), lastCur.Pos()

	start, end := first, last
	if lo != nil {
		p, status, err := d.Index.FindBoundsFwd(lo, first)
		if err != nil {
			return btidx.InvalidPos, btidx.InvalidPos, false, err
		}
		if status < 0 {
			return btidx.InvalidPos, btidx.InvalidPos, true, nil
		}
		start = p
	}
	if hi != nil {
		p, status, err := d.Index.FindBoundsRev(hi, last)
		if err != nil {
			return btidx.InvalidPos, btidx.InvalidPos, false, err
		}
		if status < 0 {
			return btidx.InvalidPos, btidx.InvalidPos, true, nil
		}
		end = p
	}
	startElm, err := d.Index.CursorAt(start).Element()
	if err != nil {
		return btidx.InvalidPos, btidx.InvalidPos, false, err
	}
	endElm, err := d.Index.CursorAt(end).Element()
	if err != nil {
		return btidx.InvalidPos, btidx.InvalidPos, false, err
	}
	if d.Index.OpClass().Compare(startElm.Data, int(startElm.StoredLen), endElm.Data, int(endElm.StoredLen)) == opclass.Greater {
		return btidx.InvalidPos, btidx.InvalidPos, true, nil
	}
	return start, end, false, nil
}

// consider classifies the record at pos as a tombstone (entered into the
// delete-hash) or an insertion (matched against the delete-hash, cancelling
// on a hit), per §4.7 step 3 / the equality-hash sweep rule.
func (d *Driver) consider(pos int64, dh *deleteHash) (*Match, bool, error) {
	rec, err := d.source().ReadRecord(pos)
	if err != nil {
		return nil, false, err
	}
	fp := newFingerprint(rec.Hash, rec.Size, rec.ColumnPrefix)

	if rec.Deleted {
		dh.insert(fp)
		return nil, false, nil
	}
	if d.ForceSave {
		dh.matchAndForget(fp)
		return &Match{Pos: btidx.Pos{Ro: pos, IRo: btidx.InvalidIRo}, Record: rec}, false, nil
	}
	if dh.matchAndForget(fp) {
		return nil, false, nil
	}
	return &Match{Pos: btidx.Pos{Ro: pos, IRo: btidx.InvalidIRo}, Record: rec}, false, nil
}

// scanTail linearly walks the un-indexed tail [tabAppend, tiAppend),
// applying the same delete-hash pairing (§4.7 step 4). It walks in
// reverse append order, newest first, the same direction as the indexed
// portion: a tombstone is always appended after the record it cancels
// (pkg/datatable.Table.Delete), so pairing only converges walking
// backwards.
func (d *Driver) scanTail(tabAppend, tiAppend int64, lo, hi *btidx.Element, dh *deleteHash, filter Filter) ([]Match, bool, error) {
	src := d.source()
	pos, ok := src.FirstBlock()
	if !ok {
		return nil, false, nil
	}
	for pos < tabAppend {
		p, ok2 := src.NextBlock(pos)
		if !ok2 {
			return nil, false, nil
		}
		pos = p
	}

	var offsets []int64
	for ok && pos < tiAppend {
		offsets = append(offsets, pos)
		pos, ok = src.NextBlock(pos)
	}

	var results []Match
	op := d.Index.OpClass()
	colSrc := d.source()
	for i := len(offsets) - 1; i >= 0; i-- {
		pos := offsets[i]
		rec, err := colSrc.ReadRecord(pos)
		if err != nil {
			return nil, false, err
		}
		if rec.VirtualTableID != d.VTID || !inRange(op, rec.ColumnPrefix, rec.ColumnLen, lo, hi) {
			continue
		}
		fp := newFingerprint(rec.Hash, rec.Size, rec.ColumnPrefix)
		match := false
		if rec.Deleted {
			dh.insert(fp)
		} else if d.ForceSave {
			dh.matchAndForget(fp)
			match = true
		} else if !dh.matchAndForget(fp) {
			match = true
		}
		if match {
			m := Match{Pos: btidx.Pos{Ro: pos, IRo: btidx.InvalidIRo}, Record: rec}
			dec := filter(m)
			if dec == Break {
				return results, true, nil
			}
			if dec == Keep {
				results = append(results, m)
			}
		}
	}
	return results, false, nil
}

func inRange(op opclass.Class, data []byte, storedLen int, lo, hi *btidx.Element) bool {
	if lo != nil && op.Compare(data, storedLen, lo.Data, int(lo.StoredLen)) == opclass.Less {
		return false
	}
	if hi != nil && op.Compare(data, storedLen, hi.Data, int(hi.StoredLen)) == opclass.Greater {
		return false
	}
	return true
}
