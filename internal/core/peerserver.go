package core

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/leader"
	"github.com/fluxlog/spu/internal/protocol"
	"github.com/fluxlog/spu/internal/replicalog"
)

// peerServer accepts incoming peer (follower) connections and dispatches
// each to the right leader.Replica. One SPU process runs exactly one
// peerServer regardless of how many replicas it leads.
type peerServer struct {
	supervisor *Supervisor
	logger     *zap.Logger

	mu      sync.RWMutex
	leaders map[replicalog.ReplicaKey]*leader.Replica

	ln   atomic.Pointer[net.Listener]
	quit chan struct{}
	wg   sync.WaitGroup
}

func newPeerServer(s *Supervisor, logger *zap.Logger) *peerServer {
	return &peerServer{
		supervisor: s,
		logger:     logger,
		leaders:    make(map[replicalog.ReplicaKey]*leader.Replica),
		quit:       make(chan struct{}),
	}
}

func (p *peerServer) registerLeader(key replicalog.ReplicaKey, r *leader.Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaders[key] = r
}

func (p *peerServer) unregisterLeader(key replicalog.ReplicaKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leaders, key)
}

func (p *peerServer) lookupLeader(key replicalog.ReplicaKey) (*leader.Replica, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.leaders[key]
	return r, ok
}

func (p *peerServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.ln.Store(&ln)
	p.logger.Info("peer server listening", zap.String("addr", ln.Addr().String()))

	p.wg.Add(1)
	go p.acceptLoop(ln)
	return nil
}

// Addr returns the peer server's bound address, useful when addr was
// "host:0" and the OS picked a port.
func (p *peerServer) Addr() string {
	if lnPtr := p.ln.Load(); lnPtr != nil {
		return (*lnPtr).Addr().String()
	}
	return ""
}

func (p *peerServer) Stop() {
	close(p.quit)
	if lnPtr := p.ln.Load(); lnPtr != nil {
		(*lnPtr).Close()
	}
	p.wg.Wait()
}

func (p *peerServer) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-p.quit:
				return
			default:
				p.logger.Warn("peer accept error", zap.Error(err))
				continue
			}
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handleConn(conn)
		}()
	}
}

// handleConn reads the connection's first frame to decide its purpose: a
// fetch-stream registration (handed off to a leader.FollowerHandler for the
// rest of the connection's life) or a one-shot peer-file-topic query.
func (p *peerServer) handleConn(conn net.Conn) {
	defer conn.Close()

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		if err != io.EOF {
			p.logger.Debug("peer conn read error", zap.Error(err))
		}
		return
	}

	switch frame.ApiKey {
	case protocol.ApiKeyFetchStream:
		p.handleFetchStream(conn, frame)
	case protocol.ApiKeyPeerFileTopic:
		p.handlePeerFileTopic(conn, frame)
	default:
		// Unknown api_key: close the connection, per protocol.
	}
}

func (p *peerServer) handleFetchStream(conn net.Conn, frame *protocol.Frame) {
	req, err := protocol.DecodeFetchStreamRequest(frame.Payload)
	if err != nil {
		p.logger.Debug("decode fetch-stream request", zap.Error(err))
		return
	}

	key := replicalog.ReplicaKey{Topic: req.Topic, Partition: req.Partition}
	r, ok := p.lookupLeader(key)
	if !ok || !r.IsAssigned(req.FollowerID) {
		// Not our replica, or a follower_id not part of the current
		// assignment: drop silently rather than ack.
		return
	}

	resp := protocol.FetchStreamResponse{FollowerID: req.FollowerID, Accepted: true}
	if err := protocol.WriteFrame(conn, protocol.Frame{ApiKey: protocol.ApiKeyFetchStream, Payload: resp.Encode()}); err != nil {
		return
	}

	handler := leader.NewFollowerHandler(r, req.FollowerID, conn, req.FetchOffset, p.logger)
	if err := handler.Run(context.Background()); err != nil {
		p.logger.Debug("follower handler exited", zap.Int32("follower_id", req.FollowerID), zap.Error(err))
	}
}

func (p *peerServer) handlePeerFileTopic(conn net.Conn, frame *protocol.Frame) {
	req, err := protocol.DecodePeerFileTopicRequest(frame.Payload)
	if err != nil {
		return
	}

	key := replicalog.ReplicaKey{Topic: req.Topic, Partition: req.Partition}
	r, ok := p.lookupLeader(key)
	if !ok {
		return
	}

	resp := protocol.PeerFileTopicResponse{BaseOffset: r.BaseOffset(), LEO: r.LEO(), HW: r.HW()}
	_ = protocol.WriteFrame(conn, protocol.Frame{ApiKey: protocol.ApiKeyPeerFileTopic, Payload: resp.Encode()})
}
