package btidx

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/bobboyms/btreeidx/pkg/idxcache"
	"github.com/bobboyms/btreeidx/pkg/idxerrors"
	"github.com/bobboyms/btreeidx/pkg/opclass"
)

// FileName builds the on-disk name of a persistent index per SPEC_FULL.md
// §6: <table>.vt<VVVV>.i<CCCC>.o<OO>, where OO is the operator-class index
// (a numeric two-hex-digit field, matching original_source/libdbcore's
// "%s/%s.vt%04x.i%04x.o%02x" — not the comparator's name string).
func FileName(table string, virtualTable, column uint32, op opclass.Class) string {
	return fmt.Sprintf("%s.vt%04x.i%04x.o%02x", table, virtualTable, column, op.Index())
}

// TempFileName builds a temporary index's eventual spill-file name,
// replacing the original's pid-suffix with a uuid per SPEC_FULL.md §2.2
// (multiple temp indexes from goroutines in one process can share a pid).
func TempFileName(base, id string) string {
	return fmt.Sprintf("%s.%s.tmp", base, id)
}

// Index is an open B+tree index file (or, before spilling, a pure
// in-memory temporary index). See SPEC_FULL.md §3 "Lifecycles".
type Index struct {
	mu sync.Mutex // per-index cooperative write lock (§4.8); serializes writers

	path    string
	file    *os.File // nil for an in-memory temp index before spill
	temp    bool
	tempBuf []byte // in-memory backing before spill, len == HeaderBlockSize.. grows on demand

	backing *idxcache.Backing
	cache   *idxcache.Cache
	opts    Options
	op      opclass.Class

	header Header // in-memory mirror, mutated under mu, written through to disk

	posCache posCacheEntry // §4.6 join cursor cache

	log *zap.SugaredLogger
}

// Options returns the index's configuration.
func (idx *Index) Options() Options { return idx.opts }

// OpClass returns the index's comparator.
func (idx *Index) OpClass() opclass.Class { return idx.op }

// Header returns a copy of the current in-memory header.
func (idx *Index) Header() Header {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.header
}

// Open opens or creates a persistent index file at path. If the file does
// not exist, or its header is corrupt, or its generation disagrees with
// generation, it is (re)created from scratch under an exclusive lock
// (SPEC_FULL.md §3/§7).
func Open(path string, generation uint64, op opclass.Class, opts Options, cache *idxcache.Cache, log *zap.SugaredLogger) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0660)
	if err != nil {
		return nil, &idxerrors.OpenFailedError{Path: path, Err: err}
	}

	if err := exclusiveLock(f); err != nil {
		f.Close()
		return nil, &idxerrors.OpenFailedError{Path: path, Err: err}
	}

	idx := &Index{
		path:  path,
		file:  f,
		cache: cache,
		opts:  opts,
		op:    op,
		log:   log,
	}
	idx.backing = idxcache.NewBacking(path, f)

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, &idxerrors.OpenFailedError{Path: path, Err: err}
	}

	needsRebuild := false
	if fi.Size() < HeaderBlockSize {
		needsRebuild = true
	} else {
		buf := make([]byte, HeaderBlockSize)
		if _, err := f.ReadAt(buf, 0); err != nil {
			f.Close()
			return nil, &idxerrors.OpenFailedError{Path: path, Err: err}
		}
		var h Header
		if !DecodeHeader(buf, &h) {
			log.Warnw("corrupt header, rebuilding", "path", path)
			needsRebuild = true
		} else if !h.Synced() {
			log.Warnw("SYNCED flag clear on open, rebuilding", "path", path)
			needsRebuild = true
		} else if h.Generation != generation {
			log.Warnw("generation mismatch, rebuilding", "path", path, "header_gen", h.Generation, "table_gen", generation)
			needsRebuild = true
		} else {
			idx.header = h
		}
	}

	if needsRebuild {
		if err := idx.rebuildLocked(generation); err != nil {
			f.Close()
			return nil, err
		}
	}

	// Steady state: downgrade to a shared lock for normal operation.
	if err := sharedLock(f); err != nil {
		f.Close()
		return nil, &idxerrors.OpenFailedError{Path: path, Err: err}
	}

	return idx, nil
}

// OpenTemp creates a pure in-memory temporary index. It spills to an
// immediately-unlinked backing file once its extent exceeds WindowSize
// (SPEC_FULL.md §3/§4.4.3).
func OpenTemp(op opclass.Class, opts Options, cache *idxcache.Cache, log *zap.SugaredLogger) (*Index, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	idx := &Index{
		temp:    true,
		tempBuf: make([]byte, HeaderBlockSize, opts.WindowSize),
		cache:   cache,
		opts:    opts,
		op:      op,
		log:     log,
	}
	idx.header = Header{
		Flags:     FlagTemp,
		Root:      HeaderBlockSize,
		Append:    int64(HeaderBlockSize) + int64(NodeSize(opts)),
		ExtAppend: HeaderBlockSize,
		FirstElm:  -1,
		LastElm:   -1,
	}
	if err := idx.extendToLocked(idx.header.Append); err != nil {
		return nil, err
	}
	root := Node{Flags: NodeLeaf, Elms: make([]Element, opts.NodeCap)}
	if err := idx.writeNodeLocked(idx.header.Root, &root); err != nil {
		return nil, err
	}
	idx.writeHeaderLocked()
	return idx, nil
}

// rebuildLocked truncates/(re)creates the file contents from scratch.
// Caller holds the exclusive file lock.
func (idx *Index) rebuildLocked(generation uint64) error {
	if err := idx.file.Truncate(0); err != nil {
		return &idxerrors.OpenFailedError{Path: idx.path, Err: err}
	}
	idx.header = Header{
		Generation: generation,
		Root:       HeaderBlockSize,
		TabAppend:  0,
		Append:     int64(HeaderBlockSize) + int64(NodeSize(idx.opts)),
		ExtAppend:  0,
		FirstElm:   -1,
		LastElm:    -1,
		Flags:      0, // SYNCED stays clear until the root leaf is durably written
	}
	// Extend the file to cover the header block plus an initial empty root
	// leaf, per §4.4.3's zero-fill extension.
	if err := idx.extendToLocked(idx.header.Append); err != nil {
		return err
	}
	root := Node{Flags: NodeLeaf, Elms: make([]Element, idx.opts.NodeCap)}
	if err := idx.writeNodeLocked(idx.header.Root, &root); err != nil {
		return err
	}
	// SYNCED witness: clear -> fsync -> mutate -> fsync -> set (§4.8 step 6,
	// applied here to the initial build instead of a catch-up cycle).
	if err := idx.file.Sync(); err != nil {
		return &idxerrors.OpenFailedError{Path: idx.path, Err: err}
	}
	idx.header.Flags |= FlagSynced
	idx.writeHeaderLocked()
	return idx.file.Sync()
}

// writeHeaderLocked persists the in-memory header. Caller holds idx.mu (or
// is still inside Open/rebuild, which has exclusive ownership).
func (idx *Index) writeHeaderLocked() {
	buf := make([]byte, HeaderBlockSize)
	idx.header.Encode(buf)
	if idx.temp && idx.file == nil {
		copy(idx.tempBuf[0:HeaderBlockSize], buf)
		return
	}
	if _, err := idx.file.WriteAt(buf, 0); err != nil {
		idx.log.Errorw("header write failed", "path", idx.path, "err", err)
	}
}

// Close writes the SYNCED flag (after fsync) and drops resources
// (SPEC_FULL.md §3: "Closed when its last in-process reference drops").
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.file == nil {
		return nil
	}
	if err := idx.file.Sync(); err != nil {
		idx.log.Warnw("fsync on close failed", "path", idx.path, "err", err)
	}
	idx.header.Flags |= FlagSynced
	idx.writeHeaderLocked()
	idx.file.Sync()
	unlockAll(idx.file)
	return idx.file.Close()
}

type posCacheEntry struct {
	valid    bool
	leafOff  int64
	rangeLo  int64 // FirstElm at the time this entry was cached
	rangeHi  int64 // LastElm at the time this entry was cached
	leaf     Node
}
