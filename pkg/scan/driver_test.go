package scan

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/btreeidx/pkg/btidx"
	"github.com/bobboyms/btreeidx/pkg/datatable"
	"github.com/bobboyms/btreeidx/pkg/idxcache"
	"github.com/bobboyms/btreeidx/pkg/opclass"
)

const vtID = 1

func openScanFixture(t *testing.T) (*btidx.Index, *datatable.Table) {
	t.Helper()
	table, err := datatable.Open(filepath.Join(t.TempDir(), "t"))
	require.NoError(t, err)
	t.Cleanup(func() { table.Close() })

	opts := btidx.DefaultOptions()
	cache := idxcache.New(64, opts.WindowSize, nil, nil)
	idx, err := btidx.Open(filepath.Join(t.TempDir(), "i"), table.Generation(), opclass.EQ, opts, cache, nil)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx, table
}

func bound(v string) *btidx.Element {
	data := make([]byte, 8)
	copy(data, v)
	return &btidx.Element{Data: data, StoredLen: int16(len(v))}
}

func keepAll(Match) Decision { return Keep }

// E5: a record's insertion and its tombstone (same content hash) cancel
// out under reverse scan, leaving nothing for the caller and no residue
// in the delete-hash.
func TestE5InsertDeletePairCancels(t *testing.T) {
	idx, table := openScanFixture(t)

	off, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "dup"}})
	require.NoError(t, err)
	require.NoError(t, table.Delete(off))

	driver := New(idx, table, vtID, "name")
	results, err := driver.Run(context.Background(), bound("dup"), bound("dup"), keepAll)
	require.NoError(t, err)
	require.Empty(t, results)
}

// A surviving, never-deleted record within range is returned normally.
func TestScanReturnsSurvivingRecord(t *testing.T) {
	idx, table := openScanFixture(t)

	_, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "keyboard"}})
	require.NoError(t, err)

	driver := New(idx, table, vtID, "name")
	results, err := driver.Run(context.Background(), bound("keyboard"), bound("keyboard"), keepAll)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestForceSaveAsymmetry pins §4.7's equality-hash sweep rule: under
// force-save, tombstones are entered into the delete-hash unconditionally
// and insertions only ever call match-and-forget — an insertion is never
// itself entered into the hash, so a lone insertion (no paired tombstone)
// is always kept even when force-save is set.
func TestForceSaveAsymmetry(t *testing.T) {
	idx, table := openScanFixture(t)

	_, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "solo"}})
	require.NoError(t, err)

	driver := New(idx, table, vtID, "name")
	driver.ForceSave = true

	results, err := driver.Run(context.Background(), bound("solo"), bound("solo"), keepAll)
	require.NoError(t, err)
	require.Len(t, results, 1, "a lone insertion must survive force-save: insertions are never entered into the delete-hash")
}

// Under force-save, an insertion is returned even when its tombstone is in
// range and pairs with it: match-and-forget still runs, but the insertion
// is kept regardless of the match.
func TestForceSaveKeepsInsertionWithPairedTombstone(t *testing.T) {
	idx, table := openScanFixture(t)

	off, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "paired"}})
	require.NoError(t, err)
	require.NoError(t, table.Delete(off))

	driver := New(idx, table, vtID, "name")
	driver.ForceSave = true

	results, err := driver.Run(context.Background(), bound("paired"), bound("paired"), keepAll)
	require.NoError(t, err)
	require.Len(t, results, 1, "force-save keeps the insertion regardless of the tombstone pairing")
}

// Driver.Sync must force a catch-up even when the table has grown by far
// less than the index's slop, per §4.7 step 1 ("or if the caller demands
// a synchronized index, invoke the lazy updater").
func TestSyncForcesCatchUpBelowSlop(t *testing.T) {
	idx, table := openScanFixture(t)
	require.Less(t, int64(0), idx.Options().Slop, "fixture assumes a positive slop")

	_, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "tiny"}})
	require.NoError(t, err)
	require.Less(t, table.Append(), idx.Options().Slop, "a single small record must stay under the slop gap")

	driver := New(idx, table, vtID, "name")
	driver.Sync = true

	_, err = driver.Run(context.Background(), bound("tiny"), bound("tiny"), keepAll)
	require.NoError(t, err)

	h := idx.Header()
	require.Equal(t, table.Append(), h.TabAppend, "Sync=true must advance tab_append even below the slop gap")
	require.True(t, h.Synced())
}

// Breaking the scan early tolerates delete-hash residue (§4.7
// "Cancellation"): walking newest first, the tombstone enters the hash,
// then the filter breaks on the other "early" row, which the tombstone
// does not pair with, so the tombstone is still in the hash at the break.
func TestBreakToleratesResidue(t *testing.T) {
	idx, table := openScanFixture(t)

	off, err := table.WriteRecord(vtID, bson.D{{Key: "name", Value: "early"}})
	require.NoError(t, err)
	_, err = table.WriteRecord(vtID, bson.D{{Key: "name", Value: "early"}, {Key: "n", Value: 2}})
	require.NoError(t, err)

	require.NoError(t, table.Delete(off))

	driver := New(idx, table, vtID, "name")
	calls := 0
	_, err = driver.Run(context.Background(), bound("early"), bound("early"), func(Match) Decision {
		calls++
		return Break
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}
