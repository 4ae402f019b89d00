package btidx

import "context"

// DataSource is the narrow interface consumed from the data-table layer
// (SPEC_FULL.md §6): enumeration points plus record reads, keeping the
// index engine decoupled from heap/storage internals. pkg/datatable's
// Table satisfies this.
type DataSource interface {
	Append() int64
	Generation() uint64
	FirstBlock() (int64, bool)
	NextBlock(prev int64) (int64, bool)
	ReadRecord(pos int64) (DataRecord, error)
}

// DataRecord is what read_record returns per §6: a record header with
// timestamp, flags, column array, hash, and size — narrowed here to what
// the lazy updater and scan driver need.
type DataRecord struct {
	VirtualTableID uint32
	CreateLSN      uint64
	DeleteLSN      uint64
	Deleted        bool
	Hash           uint64
	Size           uint32
	ColumnPrefix   []byte
	ColumnLen      int
}

// ColumnExtractor derives a leaf element's prefix bytes and stored length
// from a data record, for whichever column this index is built over.
type ColumnExtractor func(rec DataRecord) (prefix []byte, storedLen int)

// CatchUp implements the lazy updater of SPEC_FULL.md §4.8: sequentially
// scans the data table from header.tab_append forward, inserting a leaf
// element per matching record, and brackets the work with the SYNCED-flag
// witness protocol (clear -> fsync -> mutate -> fsync-if-needed -> set).
// It yields cooperatively every YieldEvery records via a context check,
// replacing the original's taskQuantum (SPEC_FULL.md §9).
//
// force bypasses the slop-gap short-circuit: §4.7 step 1 requires a caller
// that "demands a synchronized index" to get one even when the gap since
// tab_append is smaller than Slop. Callers doing routine catch-up (not
// demanding synchronization) should pass force=false.
func (idx *Index) CatchUp(ctx context.Context, vtID uint32, src DataSource, extract ColumnExtractor, force bool) error {
	idx.mu.Lock()
	tabAppend := idx.header.TabAppend
	synced := idx.header.Synced()
	idx.mu.Unlock()

	tableAppend := src.Append()
	if !force && tableAppend-tabAppend < idx.opts.Slop {
		return nil
	}

	idx.mu.Lock()
	if synced {
		idx.header.Flags &^= FlagSynced
		idx.writeHeaderLocked()
		if idx.file != nil {
			if err := idx.file.Sync(); err != nil {
				idx.mu.Unlock()
				return err
			}
		}
	}
	idx.mu.Unlock()

	pos, ok := src.FirstBlock()
	for ok && pos < tabAppend {
		pos, ok = src.NextBlock(pos)
	}

	n := 0
	for ok && pos < tableAppend {
		if n%idx.opts.YieldEvery == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		rec, err := src.ReadRecord(pos)
		if err != nil {
			return err
		}
		if rec.VirtualTableID == vtID {
			prefix, storedLen := extract(rec)
			flags := uint16(0)
			if rec.Deleted {
				flags |= ElemDeleted
			}
			e := Element{
				Ro:        pos,
				StoredLen: int16(storedLen),
				Flags:     flags,
				Data:      padPrefix(prefix, idx.opts.PrefixLen),
			}
			if err := idx.Insert(e); err != nil {
				return err
			}
		}
		n++
		pos, ok = src.NextBlock(pos)
	}

	idx.mu.Lock()
	idx.header.TabAppend = tableAppend
	idx.header.Flags |= FlagSynced
	idx.writeHeaderLocked()
	idx.mu.Unlock()
	if idx.file != nil {
		return idx.file.Sync()
	}
	return nil
}

func padPrefix(b []byte, prefixLen int) []byte {
	out := make([]byte, prefixLen)
	copy(out, b)
	return out
}
