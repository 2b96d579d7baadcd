package broker

import (
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/leader"
	"github.com/fluxlog/spu/internal/protocol"
)

// Broker is the client-facing produce/fetch listener for one replica's
// leader. It never touches segments directly — every produce goes through
// the leader.Replica event loop so offset assignment and HW recomputation
// stay single-writer, and every fetch is clipped to HW via Replica.ReadFrom.
type Broker struct {
	Config  Config
	Replica *leader.Replica
	logger  *zap.Logger

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewBroker(cfg Config, r *leader.Replica, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		Config:  cfg,
		Replica: r,
		logger:  logger,
		quit:    make(chan struct{}),
	}
}

func (b *Broker) Start() error {
	ln, err := net.Listen("tcp", b.Config.ListenAddr)
	if err != nil {
		return err
	}

	b.logger.Info("broker listening", zap.String("addr", b.Config.ListenAddr))

	go func() {
		<-b.quit
		b.logger.Info("broker stopping")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-b.quit:
				return nil
			default:
				b.logger.Warn("accept error", zap.Error(err))
				continue
			}
		}

		b.wg.Add(1)
		go b.handleConnection(conn)
	}
}

func (b *Broker) Stop() {
	close(b.quit)
	b.wg.Wait()
}

func (b *Broker) handleConnection(conn net.Conn) {
	defer func() {
		conn.Close()
		b.wg.Done()
	}()

	for {
		req, err := protocol.ReadRequest(conn)
		if err != nil {
			if err != io.EOF {
				b.logger.Debug("connection closed", zap.Error(err))
			}
			return
		}

		err = func() error {
			defer req.Release()

			respBody, handleErr := b.handleRequest(req)
			if handleErr != nil {
				b.logger.Warn("handler error", zap.Error(handleErr))
				return handleErr
			}

			return protocol.SendResponse(conn, req.Header.CorrelationID, respBody)
		}()

		if err != nil {
			return
		}
	}
}
