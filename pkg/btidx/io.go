package btidx

import (
	"os"

	"github.com/bobboyms/btreeidx/pkg/idxcache"
	"github.com/bobboyms/btreeidx/pkg/idxerrors"
)

// readNode decodes the node at offset. For a persistent index this goes
// through the index-map cache (a borrowed window, released immediately
// after decoding since Node/Element values are independent copies); for an
// unspilled temporary index it reads directly out of the heap buffer.
func (idx *Index) readNode(offset int64) (Node, error) {
	size := NodeSize(idx.opts)
	if idx.temp && idx.file == nil {
		if offset+int64(size) <= int64(len(idx.tempBuf)) {
			return DecodeNode(idx.tempBuf[offset:offset+int64(size)], idx.opts), nil
		}
	}
	if idx.file == nil {
		return Node{}, &idxerrors.CorruptHeaderError{Path: idx.path, Reason: "read past in-memory temp index extent"}
	}
	var slot idxcache.Slot
	buf, err := idx.cache.Get(idx.backing, offset, size, &slot)
	if err != nil {
		return Node{}, err
	}
	n := DecodeNode(buf, idx.opts)
	idx.cache.Release(&slot, true)
	return n, nil
}

// writeNodeLocked writes n at offset, via direct pwrite for a persistent
// index (the cache only ever mmaps read-only windows, per §4.1) or into the
// heap buffer for an unspilled temp index. Caller holds idx.mu.
func (idx *Index) writeNodeLocked(offset int64, n *Node) error {
	size := NodeSize(idx.opts)
	buf := make([]byte, size)
	EncodeNode(buf, n, idx.opts)
	return idx.writeRawLocked(offset, buf)
}

// writeRawLocked is the "index write" sink of §4.2: a byte-range write into
// the open file, or a memcpy into the in-memory header region for
// unspilled temporary indexes.
func (idx *Index) writeRawLocked(offset int64, buf []byte) error {
	if idx.temp && (idx.file == nil) {
		need := offset + int64(len(buf))
		if need > int64(cap(idx.tempBuf)) {
			grown := make([]byte, need)
			copy(grown, idx.tempBuf)
			idx.tempBuf = grown
		} else if need > int64(len(idx.tempBuf)) {
			idx.tempBuf = idx.tempBuf[:need]
		}
		copy(idx.tempBuf[offset:need], buf)
		return nil
	}
	n, err := idx.file.WriteAt(buf, offset)
	if err != nil {
		return &idxerrors.ExtendFailedError{Path: idx.path, Wanted: len(buf), Wrote: n}
	}
	return nil
}

// extendToLocked ensures the backing store is at least `upto` bytes,
// zero-filling new territory in ExtendChunk-sized steps via a reusable
// buffer (§4.4.3). For a temp index past the window threshold, this is
// where the spill to an unlinked backing file happens.
func (idx *Index) extendToLocked(upto int64) error {
	if idx.temp {
		if upto <= idx.opts.WindowSize {
			if upto > int64(cap(idx.tempBuf)) {
				grown := make([]byte, upto)
				copy(grown, idx.tempBuf)
				idx.tempBuf = grown
			} else if upto > int64(len(idx.tempBuf)) {
				old := len(idx.tempBuf)
				idx.tempBuf = idx.tempBuf[:upto]
				for i := old; i < int(upto); i++ {
					idx.tempBuf[i] = 0
				}
			}
			idx.header.ExtAppend = upto
			return nil
		}
		if idx.file == nil {
			if err := idx.spillLocked(); err != nil {
				return err
			}
		}
	}

	if idx.header.ExtAppend >= upto {
		return nil
	}
	zbuf := make([]byte, idx.opts.ExtendChunk)
	cur := idx.header.ExtAppend
	for cur < upto {
		n := idx.opts.ExtendChunk
		if int64(n) > upto-cur {
			n = int(upto - cur)
		}
		if err := idx.writeRawLocked(cur, zbuf[:n]); err != nil {
			return err
		}
		cur += int64(n)
	}
	idx.header.ExtAppend = cur
	return nil
}

// spillLocked creates a backing file for a temporary index that has grown
// past WindowSize, writes the heap contents into it, and immediately
// unlinks the path so the only reference is the open file descriptor
// (SPEC_FULL.md §4.4.3 / §2.2's uuid-based temp naming).
func (idx *Index) spillLocked() error {
	dir := os.TempDir()
	name := TempFileName(dir+string(os.PathSeparator)+"btidx", randomSpillID())
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0660)
	if err != nil {
		return &idxerrors.OpenFailedError{Path: name, Err: err}
	}
	idx.log.Debugw("spilling temporary index to backing file", "path", name)
	if _, err := f.WriteAt(idx.tempBuf, 0); err != nil {
		f.Close()
		return &idxerrors.ExtendFailedError{Path: name, Wanted: len(idx.tempBuf), Wrote: 0}
	}
	if err := os.Remove(name); err != nil {
		idx.log.Warnw("failed to unlink spilled temp index", "path", name, "err", err)
	}
	idx.path = name
	idx.file = f
	idx.backing = idxcache.NewBacking(name, f)
	idx.header.ExtAppend = int64(len(idx.tempBuf))
	return nil
}

func randomSpillID() string {
	return newSpillUUID()
}
