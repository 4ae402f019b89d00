// Package btidx implements the on-disk B+tree index engine of
// SPEC_FULL.md §3/§4: fixed-size nodes, parent back-pointers encoded as
// offset|child-slot, a SYNCED-flag crash-recovery witness, and lazy
// slop-tolerant indexing against an external append-only data table.
//
// Grounded on the node-shape and split/insert algorithms of
// original_source/libdbcore/btree.{h,c}, reworked per the lineage's
// btree.go/node.go latch-crabbing shape but operating on on-disk byte
// images instead of an in-memory pointer graph (SPEC_FULL.md §9).
package btidx

import "encoding/binary"

// Magic and Version match the original format exactly (original_source
// BT_MAGIC/BT_VERSION), so a corrupt or foreign file is detected the same
// way the original would detect it.
const (
	Magic   uint32 = 0x4255FCD2
	Version uint16 = 2
)

// Header flag bits (original BTF_SYNCED / BTF_TEMP).
const (
	FlagSynced uint16 = 0x0001
	FlagTemp   uint16 = 0x0002
)

// Element flag bits (original BEF_DELETED).
const (
	ElemDeleted uint16 = 0x0001
)

// Node flag bits (original BNF_LEAF).
const (
	NodeLeaf uint16 = 0x0001
)

// headerEncodedSize is the byte layout size before padding to a block:
// magic(4) version(2) head_size(2) flags(2) generation(8) root(8)
// tab_append(8) append(8) ext_append(8) first_elm(8) last_elm(8).
const headerEncodedSize = 4 + 2 + 2 + 2 + 8*7

// HeaderBlockSize is the padded size of the first block of the index file.
const HeaderBlockSize = 128

// Header is the first block of an index file (SPEC_FULL.md §6).
type Header struct {
	Flags      uint16
	HeadSize   uint16
	Generation uint64
	Root       int64
	TabAppend  int64
	Append     int64
	ExtAppend  int64
	FirstElm   int64
	LastElm    int64
}

func (h *Header) Synced() bool { return h.Flags&FlagSynced != 0 }
func (h *Header) Temp() bool   { return h.Flags&FlagTemp != 0 }

// Encode writes the header into buf (len(buf) >= HeaderBlockSize).
func (h *Header) Encode(buf []byte) {
	for i := range buf[:HeaderBlockSize] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint16(buf[4:6], Version)
	binary.LittleEndian.PutUint16(buf[6:8], headerEncodedSize)
	binary.LittleEndian.PutUint16(buf[8:10], h.Flags)
	binary.LittleEndian.PutUint64(buf[10:18], h.Generation)
	binary.LittleEndian.PutUint64(buf[18:26], uint64(h.Root))
	binary.LittleEndian.PutUint64(buf[26:34], uint64(h.TabAppend))
	binary.LittleEndian.PutUint64(buf[34:42], uint64(h.Append))
	binary.LittleEndian.PutUint64(buf[42:50], uint64(h.ExtAppend))
	binary.LittleEndian.PutUint64(buf[50:58], uint64(h.FirstElm))
	binary.LittleEndian.PutUint64(buf[58:66], uint64(h.LastElm))
}

// DecodeHeader reads a header out of buf, reporting a short buffer or a
// magic/version mismatch via ok=false; Open treats that as a corrupt header
// and rebuilds the file.
func DecodeHeader(buf []byte, h *Header) (ok bool) {
	if len(buf) < headerEncodedSize {
		return false
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint16(buf[4:6])
	if magic != Magic || version != Version {
		return false
	}
	h.HeadSize = binary.LittleEndian.Uint16(buf[6:8])
	h.Flags = binary.LittleEndian.Uint16(buf[8:10])
	h.Generation = binary.LittleEndian.Uint64(buf[10:18])
	h.Root = int64(binary.LittleEndian.Uint64(buf[18:26]))
	h.TabAppend = int64(binary.LittleEndian.Uint64(buf[26:34]))
	h.Append = int64(binary.LittleEndian.Uint64(buf[34:42]))
	h.ExtAppend = int64(binary.LittleEndian.Uint64(buf[42:50]))
	h.FirstElm = int64(binary.LittleEndian.Uint64(buf[50:58]))
	h.LastElm = int64(binary.LittleEndian.Uint64(buf[58:66]))
	return true
}

// Element is the atomic unit held in a node (SPEC_FULL.md §3).
type Element struct {
	Ro        int64
	StoredLen int16
	Flags     uint16
	Data      []byte // len == PrefixLen
}

func (e *Element) Deleted() bool { return e.Flags&ElemDeleted != 0 }

// elementSize returns the on-disk size of one element for the given prefix
// length: ro(8) + stored_len(2) + flags(2) + data(prefixLen).
func elementSize(prefixLen int) int { return 8 + 2 + 2 + prefixLen }

func encodeElement(buf []byte, e *Element, prefixLen int) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(e.Ro))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(e.StoredLen))
	binary.LittleEndian.PutUint16(buf[10:12], e.Flags)
	n := copy(buf[12:12+prefixLen], e.Data)
	for i := 12 + n; i < 12+prefixLen; i++ {
		buf[i] = 0
	}
}

func decodeElement(buf []byte, prefixLen int) Element {
	var e Element
	e.Ro = int64(binary.LittleEndian.Uint64(buf[0:8]))
	e.StoredLen = int16(binary.LittleEndian.Uint16(buf[8:10]))
	e.Flags = binary.LittleEndian.Uint16(buf[10:12])
	e.Data = append([]byte(nil), buf[12:12+prefixLen]...)
	return e
}

// nodeHeaderSize is parent(8) + count(2) + flags(2).
const nodeHeaderSize = 8 + 2 + 2

// NodeSize returns the total on-disk size of a node for the given Options.
func NodeSize(o Options) int {
	return nodeHeaderSize + o.NodeCap*elementSize(o.PrefixLen)
}

// Node is a fixed-size tree node (SPEC_FULL.md §3). Parent is the raw
// offset|slot encoding described in §4.2 — use ParentOffset/ParentSlot to
// decompose it instead of reading the field directly, per §9's "opaque
// encoding" guidance applied symmetrically to parent pointers.
type Node struct {
	Parent int64
	Count  int16
	Flags  uint16
	Elms   []Element // len == NodeCap, only [:Count] meaningful
}

func (n *Node) Leaf() bool { return n.Flags&NodeLeaf != 0 }

// ParentOffset and ParentSlot decompose the parent back-pointer per §4.2:
// parent = p_offset + i.
func ParentOffset(parent int64, nodeCap int) int64 {
	mask := int64(nodeCap - 1)
	return parent &^ mask
}

func ParentSlot(parent int64, nodeCap int) int {
	return int(parent & int64(nodeCap-1))
}

// EncodeNode serializes n into buf (len(buf) >= NodeSize(o)).
func EncodeNode(buf []byte, n *Node, o Options) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(n.Parent))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(n.Count))
	binary.LittleEndian.PutUint16(buf[10:12], n.Flags)
	esz := elementSize(o.PrefixLen)
	off := nodeHeaderSize
	for i := 0; i < o.NodeCap; i++ {
		if i < len(n.Elms) {
			encodeElement(buf[off:off+esz], &n.Elms[i], o.PrefixLen)
		} else {
			for j := off; j < off+esz; j++ {
				buf[j] = 0
			}
		}
		off += esz
	}
}

// DecodeNode deserializes a node out of buf.
func DecodeNode(buf []byte, o Options) Node {
	var n Node
	n.Parent = int64(binary.LittleEndian.Uint64(buf[0:8]))
	n.Count = int16(binary.LittleEndian.Uint16(buf[8:10]))
	n.Flags = binary.LittleEndian.Uint16(buf[10:12])
	esz := elementSize(o.PrefixLen)
	off := nodeHeaderSize
	n.Elms = make([]Element, o.NodeCap)
	for i := 0; i < o.NodeCap; i++ {
		n.Elms[i] = decodeElement(buf[off:off+esz], o.PrefixLen)
		off += esz
	}
	return n
}
