package datatable

import (
	"encoding/binary"
	"fmt"
	"os"
)

// segment is one file of the table's append-only chain, grounded on the
// teacher's pkg/heap.Segment.
type segment struct {
	id          int
	path        string
	startOffset int64
	size        int64
	file        *os.File
}

// writeSegmentHeader initializes a freshly created segment's header:
// Magic(4) + Version(2) + NextOffset(8, local) + Generation(8).
func writeSegmentHeader(seg *segment, generation uint64) error {
	if _, err := seg.file.Seek(0, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint32(DataMagic)); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, uint16(DataVersion)); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, int64(segmentHeaderSize)); err != nil {
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, generation); err != nil {
		return err
	}
	return seg.file.Sync()
}

// readSegmentHeader returns the segment's local next-write offset and
// generation counter.
func readSegmentHeader(seg *segment) (localNext int64, generation uint64, err error) {
	if _, err = seg.file.Seek(0, 0); err != nil {
		return 0, 0, err
	}
	var magic uint32
	if err = binary.Read(seg.file, binary.LittleEndian, &magic); err != nil {
		return 0, 0, err
	}
	if magic != DataMagic {
		return 0, 0, fmt.Errorf("datatable: bad magic in segment %d", seg.id)
	}
	var version uint16
	if err = binary.Read(seg.file, binary.LittleEndian, &version); err != nil {
		return 0, 0, err
	}
	if version != DataVersion {
		return 0, 0, fmt.Errorf("datatable: unsupported version %d in segment %d", version, seg.id)
	}
	if err = binary.Read(seg.file, binary.LittleEndian, &localNext); err != nil {
		return 0, 0, err
	}
	if err = binary.Read(seg.file, binary.LittleEndian, &generation); err != nil {
		return 0, 0, err
	}
	return localNext, generation, nil
}

// updateSegmentHeader rewrites the local next-write offset and generation
// fields of an already-initialized segment header.
func updateSegmentHeader(seg *segment, localNext int64, generation uint64) error {
	if _, err := seg.file.Seek(6, 0); err != nil { // skip Magic+Version
		return err
	}
	if err := binary.Write(seg.file, binary.LittleEndian, localNext); err != nil {
		return err
	}
	return binary.Write(seg.file, binary.LittleEndian, generation)
}
