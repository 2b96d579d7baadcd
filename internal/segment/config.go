package segment

// FlushPolicy controls when an active segment's mmap'd pages are forced to
// disk via Msync, independent of the OS's own writeback.
type FlushPolicy int

const (
	// FlushAsync leaves writeback to the OS page cache; pages are only
	// forced out on Close. Cheapest, but a crash can lose the tail of
	// an un-flushed append.
	FlushAsync FlushPolicy = iota
	// FlushSync calls Msync after every Append, trading append latency
	// for a durability guarantee that a successful append is on disk
	// before the caller's call returns.
	FlushSync
)

func (p FlushPolicy) String() string {
	if p == FlushSync {
		return "sync"
	}
	return "async"
}

// Config bounds a segment pair's pre-allocated file sizes and the density of
// its sparse offset index.
type Config struct {
	SegmentMaxBytes int64
	IndexMaxBytes   int64

	// IndexIntervalBytes is the minimum number of log bytes that must
	// accumulate between two index entries. DefaultConfig uses 4KB, the
	// same as real Kafka.
	IndexIntervalBytes int64

	// FlushPolicy governs durability of the active segment's data file.
	FlushPolicy FlushPolicy
}

func DefaultConfig() Config {
	return Config{
		SegmentMaxBytes:    1 << 30,  // 1GB
		IndexMaxBytes:      10 << 20, // 10MB
		IndexIntervalBytes: 4096,
		FlushPolicy:        FlushAsync,
	}
}
