package datatable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bobboyms/btreeidx/pkg/btidx"
	"github.com/bobboyms/btreeidx/pkg/wal"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Table is the append-only column store backing one logical table's rows
// across possibly several virtual-table generations (SPEC_FULL.md §3.1). It
// satisfies btidx.DataSource, the narrow interface the lazy updater and scan
// driver consume, grounded on the teacher's pkg/heap.HeapManager. Writes are
// fronted by a write-ahead log (pkg/wal) and stamped by an LSNTracker,
// adapted from the teacher's pkg/storage durability stack.
type Table struct {
	basePath       string
	segments       []*segment
	active         *segment
	nextOffset     int64
	generation     uint64
	maxSegmentSize int64
	mu             sync.RWMutex

	walw *wal.WALWriter
	lsn  *LSNTracker
}

// Open opens or creates a table at basePath, scanning for an existing
// segment chain the way pkg/heap.NewHeapManager does, and opens its
// write-ahead log.
func Open(basePath string) (*Table, error) {
	recovered, err := recoverLSN(basePath)
	if err != nil {
		return nil, err
	}

	t := &Table{
		basePath:       basePath,
		maxSegmentSize: DefaultMaxSegmentSize,
		lsn:            NewLSNTracker(recovered),
	}
	w, err := openWAL(basePath)
	if err != nil {
		return nil, err
	}
	t.walw = w

	var globalOffset int64
	id := 1
	for {
		segPath := fmt.Sprintf("%s_%03d.data", basePath, id)
		f, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("datatable: open segment %s: %w", segPath, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		t.segments = append(t.segments, &segment{
			id:          id,
			path:        segPath,
			startOffset: globalOffset,
			size:        info.Size(),
			file:        f,
		})
		globalOffset += info.Size()
		id++
	}

	if len(t.segments) == 0 {
		if err := t.createSegment(1, 0); err != nil {
			return nil, err
		}
		return t, nil
	}

	t.active = t.segments[len(t.segments)-1]
	if err := t.loadActiveState(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Table) createSegment(id int, startOffset int64) error {
	segPath := fmt.Sprintf("%s_%03d.data", t.basePath, id)
	f, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return fmt.Errorf("datatable: create segment %s: %w", segPath, err)
	}
	seg := &segment{id: id, path: segPath, startOffset: startOffset, file: f}
	t.segments = append(t.segments, seg)
	t.active = seg

	if err := writeSegmentHeader(seg, t.generation); err != nil {
		return err
	}
	seg.size = int64(segmentHeaderSize)
	t.nextOffset = startOffset + int64(segmentHeaderSize)
	return nil
}

func (t *Table) loadActiveState() error {
	localNext, generation, err := readSegmentHeader(t.active)
	if err != nil {
		return err
	}
	t.generation = generation
	t.nextOffset = t.active.startOffset + localNext

	stat, err := t.active.file.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > localNext {
		t.nextOffset = t.active.startOffset + stat.Size()
		_ = updateSegmentHeader(t.active, stat.Size(), t.generation)
	}
	return nil
}

func (t *Table) segmentForOffset(offset int64) (*segment, error) {
	for _, seg := range t.segments {
		if offset >= seg.startOffset && offset < seg.startOffset+seg.size {
			return seg, nil
		}
	}
	if offset < t.nextOffset && offset >= t.active.startOffset {
		return t.active, nil
	}
	return nil, fmt.Errorf("datatable: no segment for offset %d", offset)
}

// WriteRecord appends a row's BSON-encoded columns under the given virtual
// table ID, stamped with a freshly allocated create LSN, returning its
// global offset (the Ro the index engine stores in leaf elements).
func (t *Table) WriteRecord(vtID uint32, cols bson.D) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	payload, hash, compressed, err := encodeColumns(cols)
	if err != nil {
		return 0, err
	}
	createLSN := t.lsn.Next()
	if err := t.logInsert(createLSN, payload); err != nil {
		return 0, fmt.Errorf("datatable: wal insert: %w", err)
	}
	needed := int64(entryHeaderSize + len(payload))

	localOffset := t.nextOffset - t.active.startOffset
	if localOffset+needed > t.maxSegmentSize {
		if err := t.createSegment(t.active.id+1, t.nextOffset); err != nil {
			return 0, fmt.Errorf("datatable: rotate segment: %w", err)
		}
		localOffset = t.nextOffset - t.active.startOffset
	}

	offset := t.nextOffset
	seg := t.active
	localOffset = offset - seg.startOffset

	if _, err := seg.file.Seek(localOffset, 0); err != nil {
		return 0, err
	}

	var flags uint16
	if compressed {
		flags |= FlagCompressed
	}
	for _, v := range []any{vtID, createLSN, uint64(0), flags, hash, uint32(len(payload))} {
		if err := binary.Write(seg.file, binary.LittleEndian, v); err != nil {
			return 0, err
		}
	}
	if _, err := seg.file.Write(payload); err != nil {
		return 0, err
	}

	t.nextOffset += needed
	seg.size = t.nextOffset - seg.startOffset
	if err := updateSegmentHeader(seg, t.nextOffset-seg.startOffset, t.generation); err != nil {
		return 0, err
	}
	return offset, nil
}

// Delete appends a tombstone carrying a copy of the original record's
// payload (same hash, same size) rather than mutating the original in
// place, so a reverse scan can hash-pair the tombstone against its
// insertion per SPEC_FULL.md §4.7. The original record at offset is left
// untouched; visibility is decided by the scan driver's delete-hash, not
// by a mutable flag on the row itself.
func (t *Table) Delete(offset int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	seg, err := t.segmentForOffset(offset)
	if err != nil {
		return err
	}
	local := offset - seg.startOffset
	h, err := t.readHeaderAt(seg, local)
	if err != nil {
		return err
	}
	payload := make([]byte, h.Size)
	if _, err := seg.file.ReadAt(payload, local+int64(entryHeaderSize)); err != nil {
		return err
	}

	deleteLSN := t.lsn.Next()
	if err := t.logDelete(deleteLSN, offset); err != nil {
		return fmt.Errorf("datatable: wal delete: %w", err)
	}

	needed := int64(entryHeaderSize + len(payload))
	localOffset := t.nextOffset - t.active.startOffset
	if localOffset+needed > t.maxSegmentSize {
		if err := t.createSegment(t.active.id+1, t.nextOffset); err != nil {
			return fmt.Errorf("datatable: rotate segment: %w", err)
		}
	}

	active := t.active
	tombOffset := t.nextOffset
	localOffset = tombOffset - active.startOffset
	if _, err := active.file.Seek(localOffset, 0); err != nil {
		return err
	}

	flags := h.Flags | FlagDeleted
	for _, v := range []any{h.VirtualTableID, deleteLSN, deleteLSN, flags, h.Hash, h.Size} {
		if err := binary.Write(active.file, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if _, err := active.file.Write(payload); err != nil {
		return err
	}

	t.nextOffset += needed
	active.size = t.nextOffset - active.startOffset
	return updateSegmentHeader(active, t.nextOffset-active.startOffset, t.generation)
}

func (t *Table) readHeaderAt(seg *segment, local int64) (RecordHeader, error) {
	if _, err := seg.file.Seek(local, 0); err != nil {
		return RecordHeader{}, err
	}
	buf := make([]byte, entryHeaderSize)
	if _, err := io.ReadFull(seg.file, buf); err != nil {
		return RecordHeader{}, err
	}
	return RecordHeader{
		VirtualTableID: binary.LittleEndian.Uint32(buf[0:4]),
		CreateLSN:      binary.LittleEndian.Uint64(buf[4:12]),
		DeleteLSN:      binary.LittleEndian.Uint64(buf[12:20]),
		Flags:          binary.LittleEndian.Uint16(buf[20:22]),
		Hash:           binary.LittleEndian.Uint64(buf[22:30]),
		Size:           binary.LittleEndian.Uint32(buf[30:34]),
	}, nil
}

// ReadRecord implements btidx.DataSource: decode the record header and
// column payload at pos, narrowed to what the index engine needs.
func (t *Table) ReadRecord(pos int64) (btidx.DataRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seg, err := t.segmentForOffset(pos)
	if err != nil {
		return btidx.DataRecord{}, err
	}
	local := pos - seg.startOffset
	h, err := t.readHeaderAt(seg, local)
	if err != nil {
		return btidx.DataRecord{}, err
	}

	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(seg.file, payload); err != nil {
		return btidx.DataRecord{}, err
	}
	doc, err := decodeColumns(payload, h.Compressed())
	if err != nil {
		return btidx.DataRecord{}, err
	}

	prefix := docColumnPrefix(doc)
	return btidx.DataRecord{
		VirtualTableID: h.VirtualTableID,
		CreateLSN:      h.CreateLSN,
		DeleteLSN:      h.DeleteLSN,
		Deleted:        h.Deleted(),
		Hash:           h.Hash,
		Size:           h.Size,
		ColumnPrefix:   prefix,
		ColumnLen:      len(prefix),
	}, nil
}

// ReadColumn reads the record at pos and returns the raw comparison bytes
// and encoded length of the named column, for building a
// btidx.ColumnExtractor bound to a specific index definition (pkg/scan).
func (t *Table) ReadColumn(pos int64, colName string) ([]byte, int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seg, err := t.segmentForOffset(pos)
	if err != nil {
		return nil, 0, err
	}
	local := pos - seg.startOffset
	h, err := t.readHeaderAt(seg, local)
	if err != nil {
		return nil, 0, err
	}
	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(seg.file, payload); err != nil {
		return nil, 0, err
	}
	doc, err := decodeColumns(payload, h.Compressed())
	if err != nil {
		return nil, 0, err
	}
	for _, e := range doc {
		if e.Key != colName {
			continue
		}
		switch v := e.Value.(type) {
		case string:
			return []byte(v), len(v), nil
		case []byte:
			return v, len(v), nil
		case bson.Binary:
			return v.Data, len(v.Data), nil
		default:
			raw, _ := bson.MarshalValue(v)
			return raw, len(raw), nil
		}
	}
	return nil, 0, fmt.Errorf("datatable: column %q not found", colName)
}

// docColumnPrefix extracts a raw comparison key from the first column of
// doc; callers needing a specific column should read it through Source
// (as pkg/scan does), which goes through ReadColumn.
func docColumnPrefix(doc bson.D) []byte {
	if len(doc) == 0 {
		return nil
	}
	switch v := doc[0].Value.(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		raw, _ := bson.MarshalValue(v)
		return raw
	}
}

// Append implements btidx.DataSource: the current global append offset,
// i.e. how far the table has grown, for the lazy updater to compare against
// an index's tab_append (SPEC_FULL.md §4.8).
func (t *Table) Append() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.nextOffset
}

// Generation implements btidx.DataSource.
func (t *Table) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// FirstBlock implements btidx.DataSource: the offset of the first record in
// the table, if any.
func (t *Table) FirstBlock() (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.segments) == 0 {
		return 0, false
	}
	for _, seg := range t.segments {
		if seg.size > int64(segmentHeaderSize) {
			return seg.startOffset + int64(segmentHeaderSize), true
		}
	}
	return 0, false
}

// NextBlock implements btidx.DataSource: given the offset of a record,
// return the offset of the record immediately following it.
func (t *Table) NextBlock(prev int64) (int64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	seg, err := t.segmentForOffset(prev)
	if err != nil {
		return 0, false
	}
	h, err := t.readHeaderAt(seg, prev-seg.startOffset)
	if err != nil {
		return 0, false
	}
	next := prev + int64(entryHeaderSize) + int64(h.Size)

	for _, s := range t.segments {
		if s.id == seg.id {
			if next < s.startOffset+s.size {
				return next, true
			}
			continue
		}
		if s.id == seg.id+1 && s.size > int64(segmentHeaderSize) {
			return s.startOffset + int64(segmentHeaderSize), true
		}
	}
	return 0, false
}

// Source returns a btidx.DataSource bound to one column, for indexes built
// over something other than the first column of each row. ReadRecord on the
// returned source fills DataRecord.ColumnPrefix/ColumnLen from the named
// column, at the cost of decoding the row's payload a second time.
func (t *Table) Source(column string) btidx.DataSource {
	return &columnSource{table: t, column: column}
}

type columnSource struct {
	table  *Table
	column string
}

func (s *columnSource) Append() int64              { return s.table.Append() }
func (s *columnSource) Generation() uint64          { return s.table.Generation() }
func (s *columnSource) FirstBlock() (int64, bool)   { return s.table.FirstBlock() }
func (s *columnSource) NextBlock(p int64) (int64, bool) { return s.table.NextBlock(p) }

func (s *columnSource) ReadRecord(pos int64) (btidx.DataRecord, error) {
	rec, err := s.table.ReadRecord(pos)
	if err != nil {
		return btidx.DataRecord{}, err
	}
	prefix, storedLen, err := s.table.ReadColumn(pos, s.column)
	if err != nil {
		return btidx.DataRecord{}, err
	}
	rec.ColumnPrefix = prefix
	rec.ColumnLen = storedLen
	return rec, nil
}

// Close closes every segment file.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.walw != nil {
		if err := t.walw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, seg := range t.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
