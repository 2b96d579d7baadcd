package follower

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/batch"
	"github.com/fluxlog/spu/internal/protocol"
	"github.com/fluxlog/spu/internal/replicalog"
)

// Replica drives one follower-side connection to a replica's leader: dial,
// register for a fetch stream starting at the log's current LEO, then loop
// applying pushed batches until the connection breaks, at which point it
// backs off and reconnects. Divergence (ErrOffsetMismatch) is handled the
// same way as any other connection failure — disconnect and retry from
// scratch, never a local truncate-and-repair.
type Replica struct {
	config Config
	log    *replicalog.ReplicaLog
	logger *zap.Logger

	state atomic.Int32

	quit chan struct{}
	wg   sync.WaitGroup
}

func NewReplica(config Config, log *replicalog.ReplicaLog, logger *zap.Logger) *Replica {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replica{
		config: config,
		log:    log,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// Start runs the connect/stream/backoff loop in a background goroutine.
func (r *Replica) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop signals the loop to exit and waits for it to return.
func (r *Replica) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// State reports the replica's current lifecycle stage.
func (r *Replica) State() State {
	return State(r.state.Load())
}

func (r *Replica) setState(s State) {
	r.state.Store(int32(s))
}

func (r *Replica) stopped() bool {
	select {
	case <-r.quit:
		return true
	default:
		return false
	}
}

func (r *Replica) run() {
	defer r.wg.Done()

	b := &backoff.Backoff{
		Min:    r.config.MinBackoff,
		Max:    r.config.MaxBackoff,
		Factor: r.config.BackoffFactor,
	}

	for !r.stopped() {
		r.setState(StateConnecting)
		conn, err := net.DialTimeout("tcp", r.config.LeaderAddr, r.config.DialTimeout)
		if err != nil {
			r.logger.Warn("dial leader failed", zap.String("addr", r.config.LeaderAddr), zap.Error(err))
			r.backoffWait(b)
			continue
		}

		if err := r.streamFrom(conn); err != nil {
			r.logger.Warn("replication stream ended", zap.Error(err))
			_ = conn.Close()
			r.backoffWait(b)
			continue
		}

		_ = conn.Close()
		b.Reset()
	}
}

func (r *Replica) backoffWait(b *backoff.Backoff) {
	r.setState(StateBackoff)
	d := b.Duration()
	select {
	case <-time.After(d):
	case <-r.quit:
	}
}

// streamFrom registers for a fetch stream on conn and applies pushed batches
// until conn errs or this replica is stopped.
func (r *Replica) streamFrom(conn net.Conn) error {
	r.setState(StateRegistering)

	// Close conn on Stop so a read blocked on the leader returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.quit:
			_ = conn.Close()
		case <-done:
		}
	}()

	req := protocol.FetchStreamRequest{
		FollowerID:  r.config.FollowerID,
		Topic:       r.log.Key.Topic,
		Partition:   r.log.Key.Partition,
		FetchOffset: r.log.LEO(),
		MaxBytes:    r.config.FetchMaxBytes,
	}
	if err := protocol.WriteFrame(conn, protocol.Frame{ApiKey: protocol.ApiKeyFetchStream, Payload: req.Encode()}); err != nil {
		return err
	}

	frame, err := protocol.ReadFrame(conn)
	if err != nil {
		return err
	}
	resp, err := protocol.DecodeFetchStreamResponse(frame.Payload)
	if err != nil {
		return err
	}
	if !resp.Accepted {
		return ErrRegistrationRejected
	}

	r.setState(StateStreaming)
	return r.applyLoop(conn)
}

func (r *Replica) applyLoop(conn net.Conn) error {
	for {
		if r.stopped() {
			return nil
		}

		frame, err := protocol.ReadFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if frame.ApiKey != protocol.ApiKeyFetchStream {
			return fmt.Errorf("follower: unexpected api key from leader: %d", frame.ApiKey)
		}

		leaderHW, data, err := protocol.DecodeReplicatedChunk(frame.Payload)
		if err != nil {
			return err
		}

		if err := r.applyChunk(data); err != nil {
			return err
		}
		if _, err := r.log.UpdateHW(leaderHW); err != nil {
			return err
		}

		ack := protocol.UpdateOffsetRequest{
			FollowerID: r.config.FollowerID,
			Topic:      r.log.Key.Topic,
			Partition:  r.log.Key.Partition,
			LEO:        r.log.LEO(),
			HW:         r.log.HW(),
		}
		if err := protocol.WriteFrame(conn, protocol.Frame{ApiKey: protocol.ApiKeyUpdateOffset, Payload: ack.Encode()}); err != nil {
			return err
		}
	}
}

// applyChunk appends the batches in data, in order, via AppendReplicated.
// A batch whose base offset is below the log's LEO is already present and
// is skipped. A mismatch partway through (a gap) leaves the log at whatever
// prefix was already applied; the caller reconnects and re-registers from
// the log's new LEO.
func (r *Replica) applyChunk(data []byte) error {
	stream := batch.NewSliceStream(data)
	for {
		at := stream.Next()
		if at == nil {
			break
		}
		if at.Batch.Header.BaseOffset < r.log.LEO() {
			continue
		}
		raw := data[at.Pos : at.Pos+at.TotalLen()]
		if _, err := r.log.AppendReplicated(raw); err != nil {
			return err
		}
	}
	return stream.Err()
}
