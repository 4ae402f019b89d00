package btidx

import "github.com/google/uuid"

// newSpillUUID names a temporary index's spill file, replacing the
// original C implementation's pid suffix (SPEC_FULL.md §2.2): a pid alone
// collides across multiple temporary indexes spilling concurrently from
// goroutines of the same process.
func newSpillUUID() string {
	return uuid.NewString()
}
