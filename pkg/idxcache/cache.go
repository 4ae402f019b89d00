// Package idxcache implements the process-wide index-map cache: a hashed
// LRU of fixed-size mmap'd windows over index files, described in
// SPEC_FULL.md §4.1. One Cache value is constructed per process and passed
// by reference into every opened index (see §9's "global mutable state"
// note) — it is never a package-level var.
package idxcache

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/bobboyms/btreeidx/pkg/idxerrors"
)

// Backing identifies one index file to the cache. ID is the per-index hash
// seed randomized at open (spec §4.1: "the hash seed per index is
// randomized at open to reduce collisions across indexes").
type Backing struct {
	ID   uint64
	File *os.File
}

// NewBacking derives a randomized per-index identity from path, so repeated
// opens of the same path within one process still land in different
// buckets relative to other indexes (collision spreading, not security).
func NewBacking(path string, f *os.File) *Backing {
	seed := xxhash.Sum64String(path) ^ uint64(os.Getpid())<<32 ^ randSeed()
	return &Backing{ID: seed, File: f}
}

type entry struct {
	indexID  uint64
	offset   int64
	data     []byte
	refcount atomic.Int32

	bucketNext, bucketPrev *entry
	lruNext, lruPrev       *entry
	bucket                 int
}

// Slot is the caller-provided one-slot cache referenced in §4.1 ("fast path
// checks a caller-provided one-slot cache first"). Callers embed a Slot
// alongside whatever cursor/node-ref they retain across calls.
type Slot struct {
	e *entry
}

// Cache is the process-wide hashed LRU of mmap'd windows.
type Cache struct {
	mu          sync.Mutex
	buckets     []*entry
	lruHead     *entry
	lruTail     *entry
	count       int
	maxWindows  int
	windowSize  int64
	evictCursor int
	metrics     *Metrics
	log         *zap.SugaredLogger
}

// New builds a cache sized for maxWindows concurrently-mapped windows of
// windowSize bytes each. The bucket array is sized 2*maxWindows per §4.1.
func New(maxWindows int, windowSize int64, metrics *Metrics, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	n := nextPow2(maxWindows * 2)
	if n < 2 {
		n = 2
	}
	return &Cache{
		buckets:    make([]*entry, n),
		maxWindows: maxWindows,
		windowSize: windowSize,
		metrics:    metrics,
		log:        log,
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (c *Cache) bucketIndex(id uint64, offset int64) int {
	h := xxhash.Sum64(encodeKey(id, offset))
	return int(h) & (len(c.buckets) - 1)
}

func encodeKey(id uint64, offset int64) []byte {
	var buf [16]byte
	putU64(buf[0:8], id)
	putU64(buf[8:16], uint64(offset))
	return buf[:]
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Get returns a borrowed view of need bytes starting at offset within
// b's file. The request must not cross a window boundary; callers
// pre-validate this per §4.1's failure semantics.
func (c *Cache) Get(b *Backing, offset int64, need int, slot *Slot) ([]byte, error) {
	winOff := offset &^ (c.windowSize - 1)
	if offset+int64(need) > winOff+c.windowSize {
		panic("idxcache: Get request crosses a window boundary")
	}
	rel := int(offset - winOff)

	c.mu.Lock()
	if slot.e != nil && slot.e.indexID == b.ID && slot.e.offset == winOff {
		e := slot.e
		e.refcount.Add(1)
		c.mu.Unlock()
		c.metrics.hit()
		return e.data[rel : rel+need], nil
	}

	idx := c.bucketIndex(b.ID, winOff)
	for e := c.buckets[idx]; e != nil; e = e.bucketNext {
		if e.indexID == b.ID && e.offset == winOff {
			e.refcount.Add(1)
			c.touchLRULocked(e)
			slot.e = e
			c.mu.Unlock()
			c.metrics.hit()
			return e.data[rel : rel+need], nil
		}
	}
	c.mu.Unlock()

	data, err := unix.Mmap(int(b.File.Fd()), winOff, int(c.windowSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		c.log.Errorw("mmap failed", "offset", winOff, "err", err)
		return nil, &idxerrors.MapFailedError{Offset: winOff, Err: err}
	}

	e := &entry{indexID: b.ID, offset: winOff, data: data, bucket: idx}
	e.refcount.Store(1)

	c.mu.Lock()
	c.insertBucketLocked(idx, e)
	c.insertLRUTailLocked(e)
	c.count++
	n := c.count
	if c.count > c.maxWindows {
		c.evictLocked()
	}
	c.mu.Unlock()

	c.metrics.miss()
	c.metrics.setWindows(n)
	slot.e = e
	return e.data[rel : rel+need], nil
}

// Release decrements the reference count of the window backing slot. If it
// reaches zero and freeLastClose is set, the window is unmapped and its
// cache entry freed.
func (c *Cache) Release(slot *Slot, freeLastClose bool) {
	e := slot.e
	if e == nil {
		return
	}
	slot.e = nil
	if e.refcount.Add(-1) != 0 || !freeLastClose {
		return
	}
	c.mu.Lock()
	c.unlinkBucketLocked(e)
	c.unlinkLRULocked(e)
	c.count--
	c.mu.Unlock()
	if err := unix.Munmap(e.data); err != nil {
		c.log.Warnw("munmap failed", "offset", e.offset, "err", err)
	}
	c.metrics.evict()
}

// evictLocked implements the approximate-CLOCK eviction policy of §4.1:
// scan a bounded number of buckets starting from a monotonically advancing
// cursor, releasing any zero-refcount entry found. Caller holds c.mu.
func (c *Cache) evictLocked() {
	scan := int(c.windowSize / 16)
	if scan < 1 {
		scan = 1
	}
	for i := 0; i < scan; i++ {
		idx := c.evictCursor
		c.evictCursor = (c.evictCursor + 1) & (len(c.buckets) - 1)
		e := c.buckets[idx]
		for e != nil {
			next := e.bucketNext
			if e.refcount.Load() == 0 {
				c.unlinkBucketLocked(e)
				c.unlinkLRULocked(e)
				c.count--
				if err := unix.Munmap(e.data); err != nil {
					c.log.Warnw("munmap failed during eviction", "offset", e.offset, "err", err)
				}
				c.metrics.evict()
			}
			e = next
		}
	}
}

func (c *Cache) insertBucketLocked(idx int, e *entry) {
	e.bucket = idx
	e.bucketNext = c.buckets[idx]
	e.bucketPrev = nil
	if e.bucketNext != nil {
		e.bucketNext.bucketPrev = e
	}
	c.buckets[idx] = e
}

func (c *Cache) unlinkBucketLocked(e *entry) {
	if e.bucketPrev != nil {
		e.bucketPrev.bucketNext = e.bucketNext
	} else {
		c.buckets[e.bucket] = e.bucketNext
	}
	if e.bucketNext != nil {
		e.bucketNext.bucketPrev = e.bucketPrev
	}
	e.bucketNext, e.bucketPrev = nil, nil
}

func (c *Cache) insertLRUTailLocked(e *entry) {
	e.lruPrev = c.lruTail
	e.lruNext = nil
	if c.lruTail != nil {
		c.lruTail.lruNext = e
	} else {
		c.lruHead = e
	}
	c.lruTail = e
}

func (c *Cache) unlinkLRULocked(e *entry) {
	if e.lruPrev != nil {
		e.lruPrev.lruNext = e.lruNext
	} else if c.lruHead == e {
		c.lruHead = e.lruNext
	}
	if e.lruNext != nil {
		e.lruNext.lruPrev = e.lruPrev
	} else if c.lruTail == e {
		c.lruTail = e.lruPrev
	}
	e.lruNext, e.lruPrev = nil, nil
}

func (c *Cache) touchLRULocked(e *entry) {
	c.unlinkLRULocked(e)
	c.insertLRUTailLocked(e)
}
