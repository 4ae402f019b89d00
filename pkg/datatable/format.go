// Package datatable implements the append-only column-store heap that the
// index engine catches up from (SPEC_FULL.md §3.1, §6): every row is a
// BSON-encoded column array behind a fixed RecordHeader, appended across a
// rotating chain of segment files, grounded on the teacher's pkg/heap.
package datatable

const (
	DataMagic   = 0x44415441 // ASCII "DATA"
	DataVersion = 1

	// segmentHeaderSize: Magic(4) + Version(2) + NextOffset(8) + Generation(8).
	segmentHeaderSize = 22

	// entryHeaderSize: VirtualTableID(4) + CreateLSN(8) + DeleteLSN(8) +
	// Flags(2) + Hash(8) + Size(4).
	entryHeaderSize = 34

	FlagDeleted    uint16 = 0x0001
	FlagCompressed uint16 = 0x0002

	DefaultMaxSegmentSize = 64 * 1024 * 1024
	// CompressThreshold: payloads at or above this many encoded bytes are
	// zstd-compressed before being written (SPEC_FULL.md §2.2).
	CompressThreshold = 256
)

// RecordHeader is the on-disk entry header preceding every row's
// BSON-encoded column array (SPEC_FULL.md §3.1).
type RecordHeader struct {
	VirtualTableID uint32
	CreateLSN      uint64
	DeleteLSN      uint64
	Flags          uint16
	Hash           uint64
	Size           uint32
}

func (h RecordHeader) Deleted() bool    { return h.Flags&FlagDeleted != 0 }
func (h RecordHeader) Compressed() bool { return h.Flags&FlagCompressed != 0 }
