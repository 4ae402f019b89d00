package datatable

import "sync/atomic"

// LSNTracker hands out monotonically increasing log sequence numbers for
// record CreateLSN/DeleteLSN stamping, adapted from the teacher's
// pkg/storage.LSNTracker.
type LSNTracker struct {
	current uint64
}

func NewLSNTracker(start uint64) *LSNTracker {
	return &LSNTracker{current: start}
}

func (lt *LSNTracker) Next() uint64 {
	return atomic.AddUint64(&lt.current, 1)
}

func (lt *LSNTracker) Current() uint64 {
	return atomic.LoadUint64(&lt.current)
}
