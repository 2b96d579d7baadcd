// Package retention periodically sweeps registered replica logs for segments
// that have aged out of their retention window.
package retention

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/replicalog"
)

type CleanerConfig struct {
	RetentionCheckIntervalMs int64
}

// Cleaner periodically calls DeleteOldSegments on every registered replica
// log, on a single shared ticker.
type Cleaner struct {
	mu     sync.Mutex
	logs   []*replicalog.ReplicaLog
	config CleanerConfig
	log    *zap.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewCleaner(config CleanerConfig, log *zap.Logger) *Cleaner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cleaner{
		logs:   make([]*replicalog.ReplicaLog, 0),
		config: config,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

func (c *Cleaner) Register(r *replicalog.ReplicaLog) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logs = append(c.logs, r)
}

func (c *Cleaner) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Cleaner) run() {
	defer c.wg.Done()

	interval := time.Duration(c.config.RetentionCheckIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupAll()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cleaner) cleanupAll() {
	c.mu.Lock()
	logs := make([]*replicalog.ReplicaLog, len(c.logs))
	copy(logs, c.logs)
	c.mu.Unlock()

	for _, r := range logs {
		sizeBefore := r.Size()
		if err := r.DeleteOldSegments(); err != nil {
			c.log.Warn("retention sweep failed", zap.String("replica", r.Key.String()), zap.Error(err))
			continue
		}
		if sizeAfter := r.Size(); sizeAfter != sizeBefore {
			c.log.Info("retention sweep reclaimed space",
				zap.String("replica", r.Key.String()),
				zap.String("before", humanize.Bytes(uint64(sizeBefore))),
				zap.String("after", humanize.Bytes(uint64(sizeAfter))),
			)
		}
	}
}

func (c *Cleaner) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}
