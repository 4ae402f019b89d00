package scan

// fingerprint identifies a record's content for delete-hash pairing
// (SPEC_FULL.md §4.7): the content hash plus enough extra detail (size and
// a tail of the encoded column bytes) to disambiguate hash collisions
// without storing the full payload.
type fingerprint struct {
	hash uint64
	size uint32
	tail [8]byte
}

func newFingerprint(hash uint64, size uint32, data []byte) fingerprint {
	var tail [8]byte
	n := len(data)
	if n > 8 {
		copy(tail[:], data[n-8:])
	} else {
		copy(tail[:], data)
	}
	return fingerprint{hash: hash, size: size, tail: tail}
}

// deleteHash pairs tombstones against later (in reverse-scan order,
// earlier in table order) insertions sharing the same fingerprint.
type deleteHash struct {
	buckets map[uint64][]fingerprint
}

func newDeleteHash() *deleteHash {
	return &deleteHash{buckets: make(map[uint64][]fingerprint)}
}

func (d *deleteHash) insert(fp fingerprint) {
	d.buckets[fp.hash] = append(d.buckets[fp.hash], fp)
}

// matchAndForget removes one matching entry for fp if present, reporting
// whether a match was found (the insertion/tombstone pair cancels).
func (d *deleteHash) matchAndForget(fp fingerprint) bool {
	bucket := d.buckets[fp.hash]
	for i, cand := range bucket {
		if cand.size == fp.size && cand.tail == fp.tail {
			bucket[i] = bucket[len(bucket)-1]
			d.buckets[fp.hash] = bucket[:len(bucket)-1]
			if len(d.buckets[fp.hash]) == 0 {
				delete(d.buckets, fp.hash)
			}
			return true
		}
	}
	return false
}

func (d *deleteHash) empty() bool { return len(d.buckets) == 0 }
