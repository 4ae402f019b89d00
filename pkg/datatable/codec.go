package datatable

import (
	"fmt"

	"github.com/DataDog/zstd"
	"github.com/cespare/xxhash/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// encodeColumns BSON-encodes cols, zstd-compressing the result when it is
// large enough to be worth it (SPEC_FULL.md §2.2). Returns the bytes to
// write, the content-hash fingerprint (taken over the uncompressed form, so
// the scan driver's delete-hash pairing is independent of the compression
// decision) and whether compression was applied.
func encodeColumns(cols bson.D) ([]byte, uint64, bool, error) {
	raw, err := bson.Marshal(cols)
	if err != nil {
		return nil, 0, false, fmt.Errorf("datatable: encode columns: %w", err)
	}
	hash := xxhash.Sum64(raw)

	if len(raw) < CompressThreshold {
		return raw, hash, false, nil
	}
	packed, err := zstd.CompressLevel(nil, raw, zstd.DefaultCompression)
	if err != nil {
		return raw, hash, false, nil
	}
	if len(packed) >= len(raw) {
		return raw, hash, false, nil
	}
	return packed, hash, true, nil
}

// decodeColumns reverses encodeColumns given the stored compression flag.
func decodeColumns(data []byte, compressed bool) (bson.D, error) {
	raw := data
	if compressed {
		out, err := zstd.Decompress(nil, data)
		if err != nil {
			return nil, fmt.Errorf("datatable: decompress columns: %w", err)
		}
		raw = out
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("datatable: decode columns: %w", err)
	}
	return doc, nil
}
