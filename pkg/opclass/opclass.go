// Package opclass implements the index engine's operator-class comparators.
//
// Unlike the storage lineage's pkg/types.Comparable (which compares typed Go
// values such as IntKey/VarcharKey), an on-disk B+tree element only ever
// carries PREFIX_LEN raw bytes plus a stored length. Every comparator here
// therefore operates directly on ([]byte, storedLen) pairs, matching what
// the element codec actually persists.
package opclass

import "bytes"

// Ordering mirrors spec.md §4.3's {Less, Equal, Greater} trichotomy.
type Ordering int

const (
	Less Ordering = -1
	Equal Ordering = 0
	Greater Ordering = 1
)

// Class is an operator-class comparator. Both sides are the raw prefix
// bytes as stored in a tree element (length storedLen, padded/truncated to
// PREFIX_LEN by the caller).
type Class interface {
	// Name identifies the class for logging/debugging.
	Name() string
	// Index is the numeric operator-class index embedded in an index
	// file's name (§6's "OO" component, formatted as two hex digits).
	Index() int
	// Compare returns the trichotomy of a versus b, each truncated to its
	// own storedLen (or to the bytes it holds, when storedLen is larger;
	// values differing only past the prefix then compare Equal). A side that is shorter and is a pure prefix of the
	// other compares Less (spec §4.3: "if one side exhausts first it
	// compares less").
	Compare(a []byte, aLen int, b []byte, bLen int) Ordering
}

// byteExact implements EQ: lexicographic over the stored prefix.
type byteExact struct{}

func (byteExact) Name() string { return "eq" }

func (byteExact) Index() int { return 0 }

func (byteExact) Compare(a []byte, aLen int, b []byte, bLen int) Ordering {
	return compareLex(clip(a, aLen), clip(b, bLen))
}

// clip returns the first n bytes of b, or all of b when n exceeds the bytes
// actually held (a value longer than the stored prefix).
func clip(b []byte, n int) []byte {
	if n > len(b) {
		n = len(b)
	}
	return b[:n]
}

// caseFold implements LIKE: as byteExact, with ASCII lowercasing on both
// sides before comparison.
type caseFold struct{}

func (caseFold) Name() string { return "like" }

func (caseFold) Index() int { return 1 }

func (caseFold) Compare(a []byte, aLen int, b []byte, bLen int) Ordering {
	la := asciiLower(clip(a, aLen))
	lb := asciiLower(clip(b, bLen))
	return compareLex(la, lb)
}

// timestamp64 compares the first 8 bytes as a native-endian (little-endian,
// per §6) u64 — used for eq/lt/gt on timestamp columns.
type timestamp64 struct{}

func (timestamp64) Name() string { return "ts64" }

func (timestamp64) Index() int { return 2 }

func (timestamp64) Compare(a []byte, aLen int, b []byte, bLen int) Ordering {
	return compareFixedWidthUint(a, b, 8)
}

// FixedWidth compares a caller-specified fixed-width prefix (used for the
// 32-bit virtual-table-id, 32-bit user-id, and 8-bit opcode "special
// fields" referenced by §4.7's force-save rule). Each instance carries its
// own numeric op-class index since, unlike EQ/LIKE/Timestamp, FixedWidth
// covers several distinct special fields that must each get a distinct
// "OO" file-name suffix.
type FixedWidth struct {
	width int
	name  string
	idx   int
}

func NewFixedWidth(name string, width int, index int) FixedWidth {
	return FixedWidth{name: name, width: width, idx: index}
}

func (f FixedWidth) Name() string { return f.name }

func (f FixedWidth) Index() int { return f.idx }

func (f FixedWidth) Compare(a []byte, aLen int, b []byte, bLen int) Ordering {
	return compareFixedWidthUint(a, b, f.width)
}

// Byte-exact and case-fold singletons, selected per-index at open time.
var (
	EQ        Class = byteExact{}
	LIKE      Class = caseFold{}
	Timestamp Class = timestamp64{}
)

func compareLex(a, b []byte) Ordering {
	switch bytes.Compare(a, b) {
	case -1:
		return Less
	case 1:
		return Greater
	default:
		return Equal
	}
}

func asciiLower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

// compareFixedWidthUint compares the first width bytes of a and b as
// little-endian unsigned integers, zero-extending a short side. This covers
// both the 64-bit timestamp comparator and the narrower special-field
// comparators (32-bit vt-id/user-id, 8-bit opcode) with one routine.
func compareFixedWidthUint(a, b []byte, width int) Ordering {
	var av, bv uint64
	for i := width - 1; i >= 0; i-- {
		av <<= 8
		bv <<= 8
		if i < len(a) {
			av |= uint64(a[i])
		}
		if i < len(b) {
			bv |= uint64(b[i])
		}
	}
	switch {
	case av < bv:
		return Less
	case av > bv:
		return Greater
	default:
		return Equal
	}
}
