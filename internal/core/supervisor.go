// Package core is the per-SPU supervisor: it owns every replica this SPU
// hosts (as leader or as follower), the peer server that speaks the
// leader<->follower wire protocol, and the client-facing broker for
// whichever replica this SPU currently leads. It reacts to control-plane
// assignment changes by instantiating or retiring leader.Replica and
// follower.Replica controllers.
package core

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/broker"
	"github.com/fluxlog/spu/internal/config"
	"github.com/fluxlog/spu/internal/controlplane"
	"github.com/fluxlog/spu/internal/follower"
	"github.com/fluxlog/spu/internal/leader"
	"github.com/fluxlog/spu/internal/replicalog"
	"github.com/fluxlog/spu/internal/resource"
	"github.com/fluxlog/spu/internal/retention"
	"github.com/fluxlog/spu/internal/segment"
)

// parseFlushPolicy maps the config's string knob onto segment.FlushPolicy,
// defaulting to async for anything unrecognized.
func parseFlushPolicy(s string) segment.FlushPolicy {
	if s == "sync" {
		return segment.FlushSync
	}
	return segment.FlushAsync
}

// replicaEntry is everything the supervisor tracks for one partition.
type replicaEntry struct {
	log         *replicalog.ReplicaLog
	leaderCtl   *leader.Replica   // non-nil when this SPU leads the replica
	followerCtl *follower.Replica // non-nil when this SPU follows it
	broker      *broker.Broker    // non-nil while leaderCtl also serves clients
}

// Supervisor wires one SPU's replicas, peer server, and client broker
// together, driven by a controlplane.Channel.
type Supervisor struct {
	spuID  int32
	cfg    config.SpuConfig
	cp     controlplane.Channel
	logger *zap.Logger

	cache    *resource.SegmentCache
	cleaner  *retention.Cleaner
	peer     *peerServer
	haveAddr bool // whether a client broker has already claimed cfg.PublicEndpoint

	mu       sync.Mutex
	replicas map[replicalog.ReplicaKey]*replicaEntry

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewSupervisor(cfg config.SpuConfig, cp controlplane.Channel, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := resource.NewSegmentCache(500)
	cleaner := retention.NewCleaner(retention.CleanerConfig{RetentionCheckIntervalMs: cfg.RetentionCheckMs}, logger)

	s := &Supervisor{
		spuID:    cfg.SpuID,
		cfg:      cfg,
		cp:       cp,
		logger:   logger,
		cache:    cache,
		cleaner:  cleaner,
		replicas: make(map[replicalog.ReplicaKey]*replicaEntry),
		quit:     make(chan struct{}),
	}
	s.peer = newPeerServer(s, logger)
	return s
}

// replicaLogConfig turns the SPU-wide config into a replicalog.Config.
func (s *Supervisor) replicaLogConfig() replicalog.Config {
	return replicalog.Config{
		SegmentConfig: segment.Config{
			SegmentMaxBytes:    s.cfg.SegmentMaxBytes,
			IndexMaxBytes:      s.cfg.IndexMaxBytes,
			IndexIntervalBytes: s.cfg.IndexIntervalBytes,
			FlushPolicy:        parseFlushPolicy(s.cfg.FlushPolicy),
		},
		RetentionMs:              s.cfg.RetentionMs,
		RetentionBytes:           s.cfg.RetentionBytes,
		RetentionCheckIntervalMs: s.cfg.RetentionCheckMs,
		FileDelayDeleteMs:        s.cfg.FileDelayDeleteMs,
	}
}

// Start launches the peer server, the control-plane assignment watch, and
// the retention cleaner.
func (s *Supervisor) Start() error {
	if err := s.peer.Start(s.cfg.PrivateEndpoint); err != nil {
		return fmt.Errorf("core: start peer server: %w", err)
	}
	s.cleaner.Start()

	s.wg.Add(1)
	go s.watchAssignments()
	return nil
}

// PeerAddr returns the peer server's bound address (useful when
// PrivateEndpoint was configured as "host:0").
func (s *Supervisor) PeerAddr() string {
	return s.peer.Addr()
}

// Stop tears down every owned replica, controller, broker, and server.
func (s *Supervisor) Stop() {
	close(s.quit)
	s.peer.Stop()
	s.cleaner.Stop()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.replicas {
		s.stopEntry(key, e)
	}
	s.cache.Close()
}

func (s *Supervisor) stopEntry(key replicalog.ReplicaKey, e *replicaEntry) {
	if e.broker != nil {
		e.broker.Stop()
	}
	if e.leaderCtl != nil {
		e.leaderCtl.Stop()
	}
	if e.followerCtl != nil {
		e.followerCtl.Stop()
	}
	if err := e.log.Close(); err != nil {
		s.logger.Warn("close replica log", zap.String("replica", key.String()), zap.Error(err))
	}
}

func (s *Supervisor) watchAssignments() {
	defer s.wg.Done()
	for {
		select {
		case a, ok := <-s.cp.Watch():
			if !ok {
				return
			}
			s.applyAssignment(a)
		case <-s.quit:
			return
		}
	}
}

// applyAssignment instantiates or retires controllers for one replica to
// match a freshly delivered controlplane.ReplicaAssignment.
func (s *Supervisor) applyAssignment(a controlplane.ReplicaAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.replicas[a.Key]
	if !ok {
		log, err := replicalog.Open(s.cfg.BaseDir, a.Key, s.replicaLogConfig(), s.cache)
		if err != nil {
			s.logger.Error("open replica log", zap.String("replica", a.Key.String()), zap.Error(err))
			return
		}
		entry = &replicaEntry{log: log}
		s.replicas[a.Key] = entry
		s.cleaner.Register(log)
	}

	isLeader := a.LeaderID == s.spuID
	switch {
	case isLeader && entry.leaderCtl == nil:
		s.promoteToLeader(a, entry)
	case isLeader && entry.leaderCtl != nil:
		if err := entry.leaderCtl.SetAssignment(a.FollowerIDs, a.MinInSyncReplicas); err != nil {
			s.logger.Warn("update assignment", zap.String("replica", a.Key.String()), zap.Error(err))
		}
	case !isLeader:
		s.demoteToFollower(a, entry)
	}
}

func (s *Supervisor) promoteToLeader(a controlplane.ReplicaAssignment, entry *replicaEntry) {
	if entry.followerCtl != nil {
		entry.followerCtl.Stop()
		entry.followerCtl = nil
	}

	entry.leaderCtl = leader.NewReplica(a.Key, entry.log, a.MinInSyncReplicas, s.cfg.EventQueueSize, s.logger)
	entry.leaderCtl.Start()
	if err := entry.leaderCtl.SetAssignment(a.FollowerIDs, a.MinInSyncReplicas); err != nil {
		s.logger.Warn("set initial assignment", zap.String("replica", a.Key.String()), zap.Error(err))
	}
	s.peer.registerLeader(a.Key, entry.leaderCtl)

	if !s.haveAddr {
		entry.broker = broker.NewBroker(broker.Config{ListenAddr: s.cfg.PublicEndpoint}, entry.leaderCtl, s.logger)
		s.haveAddr = true
		go func() {
			if err := entry.broker.Start(); err != nil {
				s.logger.Error("broker start", zap.String("replica", a.Key.String()), zap.Error(err))
			}
		}()
	} else {
		s.logger.Warn("skipping client broker for additional locally-led replica; one broker per SPU process",
			zap.String("replica", a.Key.String()))
	}
}

func (s *Supervisor) demoteToFollower(a controlplane.ReplicaAssignment, entry *replicaEntry) {
	if entry.leaderCtl != nil {
		s.peer.unregisterLeader(a.Key)
		if entry.broker != nil {
			entry.broker.Stop()
			entry.broker = nil
			s.haveAddr = false
		}
		entry.leaderCtl.Stop()
		entry.leaderCtl = nil
	}
	if entry.followerCtl != nil {
		return
	}

	leaderEP, ok := s.cp.Lookup(a.LeaderID)
	if !ok {
		s.logger.Error("unknown leader spu, cannot follow", zap.Int32("leader_id", a.LeaderID), zap.String("replica", a.Key.String()))
		return
	}

	fc := follower.DefaultConfig(leaderEP.PrivateAddr, s.spuID)
	fc.MinBackoff = s.cfg.ReconnectMinBackoff
	fc.MaxBackoff = s.cfg.ReconnectMaxBackoff
	entry.followerCtl = follower.NewReplica(fc, entry.log, s.logger)
	entry.followerCtl.Start()
}
