package replicalog

import "github.com/fluxlog/spu/internal/segment"

// Config bounds a single replica log: its segment sizing plus retention.
type Config struct {
	SegmentConfig segment.Config

	// RetentionMs is the max age (wall clock, ms) a sealed segment may live
	// before it becomes eligible for deletion. -1 disables time retention.
	RetentionMs int64
	// RetentionBytes is the max total on-disk size the log may occupy
	// before its oldest sealed segments are deleted. -1 disables it.
	RetentionBytes int64
	// RetentionCheckIntervalMs is how often a retention.Cleaner should scan.
	RetentionCheckIntervalMs int64
	// FileDelayDeleteMs is an optional grace period before a segment's
	// files are actually unlinked after it is marked for deletion; 0 means
	// delete immediately.
	FileDelayDeleteMs int64
}

func DefaultConfig() Config {
	return Config{
		SegmentConfig:            segment.DefaultConfig(),
		RetentionMs:              -1,
		RetentionBytes:           -1,
		RetentionCheckIntervalMs: 30_000,
		FileDelayDeleteMs:        0,
	}
}
