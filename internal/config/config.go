// Package config binds the SPU's startup configuration from flags,
// environment variables, and an optional config file via viper, in the
// shape cmd/spu's cobra command expects.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// SpuConfig is a single SPU process's full startup configuration.
type SpuConfig struct {
	SpuID               int32         `mapstructure:"spu_id"`
	BaseDir             string        `mapstructure:"base_dir"`
	PrivateEndpoint     string        `mapstructure:"private_endpoint"`
	PublicEndpoint      string        `mapstructure:"public_endpoint"`
	SegmentMaxBytes     int64         `mapstructure:"segment_max_bytes"`
	IndexMaxBytes       int64         `mapstructure:"index_max_bytes"`
	IndexIntervalBytes  int64         `mapstructure:"index_interval_bytes"`
	MinInSyncReplicas   int           `mapstructure:"min_in_sync_replicas"`
	RetentionMs         int64         `mapstructure:"retention_ms"`
	RetentionBytes      int64         `mapstructure:"retention_bytes"`
	RetentionCheckMs    int64         `mapstructure:"retention_check_interval_ms"`
	FileDelayDeleteMs   int64         `mapstructure:"file_delay_delete_ms"`
	EventQueueSize      int           `mapstructure:"event_queue_size"`
	ReconnectMinBackoff time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`

	// FlushPolicy is "async" (OS page cache, Msync only on segment close)
	// or "sync" (Msync after every append).
	FlushPolicy string `mapstructure:"flush_policy"`
}

// Defaults returns the configuration a single-node dev SPU starts with.
func Defaults() SpuConfig {
	return SpuConfig{
		SpuID:               1,
		BaseDir:             "./data",
		PrivateEndpoint:     "0.0.0.0:9006",
		PublicEndpoint:      "0.0.0.0:9005",
		SegmentMaxBytes:     1 << 30,
		IndexMaxBytes:       10 * (1 << 20),
		IndexIntervalBytes:  4096,
		MinInSyncReplicas:   1,
		RetentionMs:         7 * 24 * 60 * 60 * 1000,
		RetentionBytes:      -1,
		RetentionCheckMs:    30_000,
		FileDelayDeleteMs:   0,
		EventQueueSize:      256,
		ReconnectMinBackoff: 100 * time.Millisecond,
		ReconnectMaxBackoff: 10 * time.Second,
		FlushPolicy:         "async",
	}
}

// BindFlags registers every SpuConfig field as a flag on fs and binds it
// into v, so the eventual precedence is flag > env > file > default.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	d := Defaults()

	// Flag names match the mapstructure tags exactly (underscores, not
	// dashes) so BindPFlags's implicit key mapping into SpuConfig via
	// Unmarshal lines up without needing per-field RegisterAlias calls.
	fs.Int32("spu_id", d.SpuID, "this SPU's numeric identity")
	fs.String("base_dir", d.BaseDir, "root directory for replica log data")
	fs.String("private_endpoint", d.PrivateEndpoint, "listen address for peer replication traffic")
	fs.String("public_endpoint", d.PublicEndpoint, "listen address for client produce/fetch traffic")
	fs.Int64("segment_max_bytes", d.SegmentMaxBytes, "max size of one log segment before rolling")
	fs.Int64("index_max_bytes", d.IndexMaxBytes, "max size of one segment's sparse index")
	fs.Int64("index_interval_bytes", d.IndexIntervalBytes, "bytes between sparse index entries")
	fs.Int("min_in_sync_replicas", d.MinInSyncReplicas, "replicas (including leader) required for HW advancement")
	fs.Int64("retention_ms", d.RetentionMs, "delete segments older than this; -1 disables")
	fs.Int64("retention_bytes", d.RetentionBytes, "delete oldest segments once a replica exceeds this size; -1 disables")
	fs.Int64("retention_check_interval_ms", d.RetentionCheckMs, "interval between retention sweeps")
	fs.Int64("file_delay_delete_ms", d.FileDelayDeleteMs, "delay before unlinking a retired segment's files")
	fs.Int("event_queue_size", d.EventQueueSize, "leader replica controller event channel capacity")
	fs.Duration("reconnect_min_backoff", d.ReconnectMinBackoff, "follower reconnect backoff floor")
	fs.Duration("reconnect_max_backoff", d.ReconnectMaxBackoff, "follower reconnect backoff ceiling")
	fs.String("flush_policy", d.FlushPolicy, `segment durability: "async" (OS writeback) or "sync" (msync every append)`)

	return v.BindPFlags(fs)
}

// Load reads bound flags/env/file into a SpuConfig via v.
func Load(v *viper.Viper) (SpuConfig, error) {
	v.SetEnvPrefix("SPU")
	v.AutomaticEnv()

	var cfg SpuConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
