package btidx

// Options carries the compile-time constants of the original implementation
// as a validated, per-process configuration value (SPEC_FULL.md §2.1/§6),
// mirroring the WAL package's Options/DefaultOptions() pattern.
type Options struct {
	// NodeCap is the number of elements per node (original BT_MAXELM).
	// Must be a power of two.
	NodeCap int
	// PrefixLen is the number of raw key bytes cached in each element
	// (original BT_DATALEN).
	PrefixLen int
	// WindowSize is the mmap window size of the index-map cache (original
	// BT_CACHESIZE).
	WindowSize int64
	// Slop is how many bytes the index may lag the table's append point
	// before the lazy updater catches it up (original BT_SLOP).
	Slop int64
	// MaxCacheWindows bounds the process-wide index-map cache (original
	// BT_MAXCACHE).
	MaxCacheWindows int
	// ExtendChunk is the file-extension granularity. Per Open Question 2
	// it defaults to WindowSize but is an independently tunable knob.
	ExtendChunk int64
	// YieldEvery is how many records the lazy updater processes between
	// cooperative-scheduling checkpoints (replaces the original's
	// taskQuantum yield, see SPEC_FULL.md §9).
	YieldEvery int
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		NodeCap:         64,
		PrefixLen:       8,
		WindowSize:      64 * 1024,
		Slop:            1024,
		MaxCacheWindows: 8192,
		ExtendChunk:     64 * 1024,
		YieldEvery:      256,
	}
}

// Validate checks the invariants the codec and cache rely on.
func (o Options) Validate() error {
	if o.NodeCap <= 0 || o.NodeCap&(o.NodeCap-1) != 0 {
		return errInvalidOption("NodeCap must be a power of two")
	}
	if o.PrefixLen <= 0 {
		return errInvalidOption("PrefixLen must be positive")
	}
	if o.WindowSize <= 0 || o.WindowSize&(o.WindowSize-1) != 0 {
		return errInvalidOption("WindowSize must be a power of two")
	}
	if o.ExtendChunk <= 0 {
		return errInvalidOption("ExtendChunk must be positive")
	}
	if o.YieldEvery <= 0 {
		o.YieldEvery = 256
	}
	return nil
}

type optionError string

func (e optionError) Error() string { return string(e) }

func errInvalidOption(msg string) error { return optionError(msg) }
