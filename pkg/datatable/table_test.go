package datatable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestWriteReadRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "products")
	table, err := Open(base)
	require.NoError(t, err)
	defer table.Close()

	off, err := table.WriteRecord(1, bson.D{{Key: "name", Value: "Laptop"}, {Key: "price", Value: 2500.0}})
	require.NoError(t, err)

	rec, err := table.ReadRecord(off)
	require.NoError(t, err)
	require.EqualValues(t, 1, rec.VirtualTableID)
	require.False(t, rec.Deleted)

	prefix, n, err := table.ReadColumn(off, "name")
	require.NoError(t, err)
	require.Equal(t, "Laptop", string(prefix[:n]))
}

func TestDeleteAppendsTombstoneWithSameHash(t *testing.T) {
	base := filepath.Join(t.TempDir(), "products")
	table, err := Open(base)
	require.NoError(t, err)
	defer table.Close()

	off, err := table.WriteRecord(1, bson.D{{Key: "name", Value: "Mouse"}})
	require.NoError(t, err)
	original, err := table.ReadRecord(off)
	require.NoError(t, err)
	require.False(t, original.Deleted)

	require.NoError(t, table.Delete(off))

	// The original row is untouched; only a new tombstone entry is appended.
	unchanged, err := table.ReadRecord(off)
	require.NoError(t, err)
	require.False(t, unchanged.Deleted)

	tombPos, ok := table.NextBlock(off)
	require.True(t, ok)
	tomb, err := table.ReadRecord(tombPos)
	require.NoError(t, err)
	require.True(t, tomb.Deleted)
	require.NotZero(t, tomb.DeleteLSN)
	require.Equal(t, original.Hash, tomb.Hash)
	require.Equal(t, original.Size, tomb.Size)
}

func TestFirstNextBlockWalksAllRecords(t *testing.T) {
	base := filepath.Join(t.TempDir(), "products")
	table, err := Open(base)
	require.NoError(t, err)
	defer table.Close()

	var offsets []int64
	for i := 0; i < 5; i++ {
		off, err := table.WriteRecord(1, bson.D{{Key: "i", Value: i}})
		require.NoError(t, err)
		offsets = append(offsets, off)
	}

	pos, ok := table.FirstBlock()
	require.True(t, ok)
	var walked []int64
	for ok {
		walked = append(walked, pos)
		pos, ok = table.NextBlock(pos)
	}
	require.Equal(t, offsets, walked)
}

func TestReopenRecoversLSNFromWAL(t *testing.T) {
	base := filepath.Join(t.TempDir(), "products")
	table, err := Open(base)
	require.NoError(t, err)

	var lastLSN uint64
	for i := 0; i < 3; i++ {
		off, err := table.WriteRecord(1, bson.D{{Key: "i", Value: i}})
		require.NoError(t, err)
		rec, err := table.ReadRecord(off)
		require.NoError(t, err)
		lastLSN = rec.CreateLSN
	}
	require.NoError(t, table.Close())

	reopened, err := Open(base)
	require.NoError(t, err)
	defer reopened.Close()

	off, err := reopened.WriteRecord(1, bson.D{{Key: "i", Value: 99}})
	require.NoError(t, err)
	rec, err := reopened.ReadRecord(off)
	require.NoError(t, err)
	require.Greater(t, rec.CreateLSN, lastLSN, "LSN must resume past the pre-restart high-water mark, not restart at 1")
}

func TestCompressionRoundTripsLargePayload(t *testing.T) {
	base := filepath.Join(t.TempDir(), "products")
	table, err := Open(base)
	require.NoError(t, err)
	defer table.Close()

	big := make([]byte, CompressThreshold*4)
	for i := range big {
		big[i] = byte(i % 251)
	}
	off, err := table.WriteRecord(1, bson.D{{Key: "blob", Value: big}})
	require.NoError(t, err)

	prefix, n, err := table.ReadColumn(off, "blob")
	require.NoError(t, err)
	require.Equal(t, big, prefix[:n])
}
