package btidx

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/btreeidx/pkg/idxcache"
	"github.com/bobboyms/btreeidx/pkg/opclass"
)

// §6's file-naming scheme encodes the operator-class *index* (numeric,
// two hex digits), not its name string.
func TestFileNameUsesNumericOpClassIndex(t *testing.T) {
	require.Equal(t, "products.vt0001.i0002.o00", FileName("products", 1, 2, opclass.EQ))
	require.Equal(t, "products.vt0001.i0002.o01", FileName("products", 1, 2, opclass.LIKE))
}

func openTestIndex(t *testing.T, nodeCap int) *Index {
	t.Helper()
	opts := DefaultOptions()
	opts.NodeCap = nodeCap
	cache := idxcache.New(64, opts.WindowSize, nil, nil)
	path := filepath.Join(t.TempDir(), "idx.dat")
	idx, err := Open(path, 0, opclass.EQ, opts, cache, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func keyElement(key string, ro int64, prefixLen int) Element {
	data := make([]byte, prefixLen)
	copy(data, key)
	return Element{Ro: ro, StoredLen: int16(len(key)), Data: data}
}

func forwardOffsets(t *testing.T, idx *Index) []int64 {
	t.Helper()
	var got []int64
	cur, err := idx.CursorAtFirst()
	require.NoError(t, err)
	for cur.Valid() {
		e, err := cur.Element()
		require.NoError(t, err)
		got = append(got, e.Ro)
		ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
	return got
}

// E1: duplicate keys preserve insertion order (invariant 1); first_elm/
// last_elm track the minimum/maximum key (invariant 2).
func TestE1DuplicateKeysStableOrder(t *testing.T) {
	idx := openTestIndex(t, 4)

	inserts := []struct {
		key string
		ro  int64
	}{
		{"banana", 100},
		{"apple", 101},
		{"apple", 102},
		{"cherry", 103},
		{"banana", 104},
	}
	for _, ins := range inserts {
		require.NoError(t, idx.Insert(keyElement(ins.key, ins.ro, idx.Options().PrefixLen)))
	}

	require.Equal(t, []int64{101, 102, 100, 104, 103}, forwardOffsets(t, idx))

	firstCur, err := idx.CursorAtFirst()
	require.NoError(t, err)
	first, err := firstCur.Element()
	require.NoError(t, err)
	require.EqualValues(t, 101, first.Ro)

	lastCur, err := idx.CursorAtLast()
	require.NoError(t, err)
	last, err := lastCur.Element()
	require.NoError(t, err)
	require.EqualValues(t, 103, last.Ro)
}

// E2: forward/reverse bounds search (invariant 5 round-trip).
func TestE2ForwardReverseBounds(t *testing.T) {
	idx := openTestIndex(t, 4)
	for _, ins := range []struct {
		key string
		ro  int64
	}{
		{"banana", 100}, {"apple", 101}, {"apple", 102}, {"cherry", 103}, {"banana", 104},
	} {
		require.NoError(t, idx.Insert(keyElement(ins.key, ins.ro, idx.Options().PrefixLen)))
	}

	firstCur, err := idx.CursorAtFirst()
	require.NoError(t, err)
	lastCur, err := idx.CursorAtLast()
	require.NoError(t, err)

	cmp := keyElement("banana", 0, idx.Options().PrefixLen)

	fwdPos, fwdStatus, err := idx.FindBoundsFwd(&cmp, firstCur.Pos())
	require.NoError(t, err)
	require.Equal(t, 0, fwdStatus)
	require.EqualValues(t, 100, fwdPos.Ro)

	revPos, revStatus, err := idx.FindBoundsRev(&cmp, lastCur.Pos())
	require.NoError(t, err)
	require.Equal(t, 0, revStatus)
	require.EqualValues(t, 104, revPos.Ro)
}

// E3: 1024 distinct keys, no node exceeds NodeCap, first/last track min/max.
func TestE3BulkInsertNodeCapRespected(t *testing.T) {
	idx := openTestIndex(t, 8)
	for i := 0; i < 1024; i++ {
		key := fmt.Sprintf("key_%04d", i)
		require.NoError(t, idx.Insert(keyElement(key, int64(i), idx.Options().PrefixLen)))
	}

	offsets := forwardOffsets(t, idx)
	require.Len(t, offsets, 1024)
	require.EqualValues(t, 0, offsets[0])
	require.EqualValues(t, 1023, offsets[len(offsets)-1])

	require.NoError(t, walkAssertNodeCap(idx, idx.Header().Root))
}

func walkAssertNodeCap(idx *Index, off int64) error {
	n, err := idx.readNode(off)
	if err != nil {
		return err
	}
	if int(n.Count) > idx.Options().NodeCap {
		return fmt.Errorf("node at %d has %d elements, cap is %d", off, n.Count, idx.Options().NodeCap)
	}
	if !n.Leaf() {
		for i := 0; i < int(n.Count); i++ {
			if err := walkAssertNodeCap(idx, n.Elms[i].Ro); err != nil {
				return err
			}
		}
	}
	return nil
}

// E4: a forward iteration is not disturbed by an insert that lands behind
// the cursor (invariant 4, cursor robustness).
func TestE4CursorRobustAgainstConcurrentInsert(t *testing.T) {
	idx := openTestIndex(t, 8)
	for i := 0; i < 1024; i++ {
		key := fmt.Sprintf("key_%04d", i)
		require.NoError(t, idx.Insert(keyElement(key, int64(i), idx.Options().PrefixLen)))
	}

	cur, err := idx.CursorAtFirst()
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		ok, err := cur.Next()
		require.NoError(t, err)
		require.True(t, ok)
	}
	e, err := cur.Element()
	require.NoError(t, err)
	require.EqualValues(t, 500, e.Ro)

	require.NoError(t, idx.Insert(keyElement("key_0499b", 9999, idx.Options().PrefixLen)))

	var rest []int64
	for {
		ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		e, err := cur.Element()
		require.NoError(t, err)
		rest = append(rest, e.Ro)
	}
	require.Len(t, rest, 523) // key_0501..key_1023
	require.EqualValues(t, 501, rest[0])
	require.EqualValues(t, 1023, rest[len(rest)-1])
	require.NotContains(t, rest, int64(9999))
}

// Invariant 7: crash witness — re-opening a file whose SYNCED flag never
// got set (simulating a kill between clear and set) triggers a rebuild
// rather than exposing a stale tree.
func TestCrashWitnessTriggersRebuild(t *testing.T) {
	opts := DefaultOptions()
	opts.NodeCap = 4
	cache := idxcache.New(64, opts.WindowSize, nil, nil)
	path := filepath.Join(t.TempDir(), "idx.dat")

	idx, err := Open(path, 1, opclass.EQ, opts, cache, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(keyElement("apple", 1, opts.PrefixLen)))

	// Simulate a crash mid catch-up: clear SYNCED and don't set it again.
	idx.mu.Lock()
	idx.header.Flags &^= FlagSynced
	idx.writeHeaderLocked()
	idx.mu.Unlock()
	require.NoError(t, idx.file.Close())

	reopened, err := Open(path, 1, opclass.EQ, opts, cache, nil)
	require.NoError(t, err)
	defer reopened.Close()

	h := reopened.Header()
	require.True(t, h.Synced())
	require.Empty(t, forwardOffsets(t, reopened)) // rebuilt from scratch, tree is empty
}

// E6: a temporary index spills to an immediately-unlinked backing file
// once it outgrows its in-memory window, and every element stays
// retrievable across the spill.
func TestE6TempIndexSpillsAndUnlinks(t *testing.T) {
	opts := DefaultOptions()
	opts.NodeCap = 8
	opts.WindowSize = 4096 // small window so a few hundred elements force a spill

	cache := idxcache.New(64, opts.WindowSize, nil, nil)
	idx, err := OpenTemp(opclass.EQ, opts, cache, nil)
	require.NoError(t, err)
	defer idx.Close()

	require.True(t, idx.temp)
	require.Nil(t, idx.file)

	const n = 2000
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key_%05d", i)
		require.NoError(t, idx.Insert(keyElement(key, int64(i), opts.PrefixLen)))
	}

	require.NotNil(t, idx.file, "index should have spilled to a backing file")
	_, statErr := os.Stat(idx.path)
	require.True(t, os.IsNotExist(statErr), "spill file must be unlinked immediately")

	offsets := forwardOffsets(t, idx)
	require.Len(t, offsets, n)
	require.EqualValues(t, 0, offsets[0])
	require.EqualValues(t, n-1, offsets[len(offsets)-1])
}

// Invariant 3: every internal node's child pointer encodes a parent
// back-pointer (offset, slot) that resolves to that same parent and slot.
func TestInvariantParentChildConsistency(t *testing.T) {
	idx := openTestIndex(t, 8)
	for i := 0; i < 512; i++ {
		key := fmt.Sprintf("key_%04d", i)
		require.NoError(t, idx.Insert(keyElement(key, int64(i), idx.Options().PrefixLen)))
	}
	require.NoError(t, walkAssertParentPointers(idx, idx.Header().Root))
}

func walkAssertParentPointers(idx *Index, off int64) error {
	n, err := idx.readNode(off)
	if err != nil {
		return err
	}
	if n.Leaf() {
		return nil
	}
	for i := 0; i < int(n.Count); i++ {
		child, err := idx.readNode(n.Elms[i].Ro)
		if err != nil {
			return err
		}
		gotOffset := ParentOffset(child.Parent, idx.Options().NodeCap)
		gotSlot := ParentSlot(child.Parent, idx.Options().NodeCap)
		if gotOffset != off {
			return fmt.Errorf("child at %d has parent offset %d, want %d", n.Elms[i].Ro, gotOffset, off)
		}
		if gotSlot != i {
			return fmt.Errorf("child at %d has parent slot %d, want %d", n.Elms[i].Ro, gotSlot, i)
		}
		if err := walkAssertParentPointers(idx, n.Elms[i].Ro); err != nil {
			return err
		}
	}
	return nil
}

// Invariant 8: a split preserves key order across the two resulting
// siblings — every key in the left half compares <= every key in the
// right half, and a full forward walk is still sorted overall.
func TestInvariantSplitPreservesOrder(t *testing.T) {
	idx := openTestIndex(t, 4) // small cap forces frequent splits
	keys := []string{"mango", "apple", "fig", "date", "banana", "elderberry", "kiwi", "grape", "honeydew", "cherry"}
	for i, k := range keys {
		require.NoError(t, idx.Insert(keyElement(k, int64(i), idx.Options().PrefixLen)))
	}

	cur, err := idx.CursorAtFirst()
	require.NoError(t, err)
	var prev []byte
	for cur.Valid() {
		e, err := cur.Element()
		require.NoError(t, err)
		if prev != nil {
			require.LessOrEqual(t, string(prev), string(e.Data[:e.StoredLen]))
		}
		prev = e.Data[:e.StoredLen]
		ok, err := cur.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
	}
}
