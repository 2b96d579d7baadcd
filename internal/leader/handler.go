package leader

import (
	"context"
	"fmt"
	"io"
	"net"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/batch"
	"github.com/fluxlog/spu/internal/protocol"
	"github.com/fluxlog/spu/internal/replicalog"
)

const pushMaxBytes = 1 << 20 // 1MB per push, matching typical fetch sizing

// FollowerHandler owns one accepted peer connection on the leader side: it
// pushes newly appended (uncommitted-or-committed) batches to the follower
// as they arrive, and reads back the follower's UpdateOffsetRequest frames
// to feed Replica.ReportFollowerOffset.
type FollowerHandler struct {
	replica    *Replica
	followerID int32
	conn       net.Conn
	sentLEO    int64
	logger     *zap.Logger
}

// NewFollowerHandler returns a handler that will begin pushing from startOffset.
func NewFollowerHandler(replica *Replica, followerID int32, conn net.Conn, startOffset int64, logger *zap.Logger) *FollowerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FollowerHandler{
		replica:    replica,
		followerID: followerID,
		conn:       conn,
		sentLEO:    startOffset,
		logger:     logger,
	}
}

// Run drives both directions of the connection until ctx is cancelled or
// either side errors, then detaches the follower from the replica.
func (h *FollowerHandler) Run(ctx context.Context) error {
	defer func() {
		if err := h.replica.RemoveFollower(h.followerID); err != nil {
			h.logger.Debug("remove follower after disconnect", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- h.pushLoop(ctx) }()
	go func() { errCh <- h.readLoop(ctx) }()

	err := <-errCh
	cancel()
	_ = h.conn.Close()
	<-errCh
	return err
}

func (h *FollowerHandler) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := h.replica.ReadFrom(h.sentLEO, pushMaxBytes, replicalog.WatermarkLEO)
		if err != nil {
			return err
		}

		if len(data) == 0 {
			select {
			case <-h.replica.WaitForChange():
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		chunk := protocol.EncodeReplicatedChunk(h.replica.HW(), data)
		frame := protocol.Frame{ApiKey: protocol.ApiKeyFetchStream, Payload: chunk}
		if err := protocol.WriteFrame(h.conn, frame); err != nil {
			return err
		}

		newLEO, ok := lastOffsetAfter(data)
		if !ok {
			return fmt.Errorf("follower push: corrupt batch stream for replica %s", h.replica.Key)
		}
		h.sentLEO = newLEO
	}
}

func (h *FollowerHandler) readLoop(ctx context.Context) error {
	for {
		frame, err := protocol.ReadFrame(h.conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if frame.ApiKey != protocol.ApiKeyUpdateOffset {
			return fmt.Errorf("unexpected api key from follower %d: %d", h.followerID, frame.ApiKey)
		}

		req, err := protocol.DecodeUpdateOffsetRequest(frame.Payload)
		if err != nil {
			return err
		}

		if err := h.replica.ReportFollowerOffset(req.FollowerID, req.LEO, req.HW); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// lastOffsetAfter scans consecutive batches in data and returns the LEO that
// results from having appended all of them (the last batch's base offset
// plus its record count).
func lastOffsetAfter(data []byte) (int64, bool) {
	stream := batch.NewSliceStream(data)
	var leo int64
	found := false
	for {
		at := stream.Next()
		if at == nil {
			break
		}
		leo = at.Batch.Header.BaseOffset + int64(at.Batch.Header.RecordsCount)
		found = true
	}
	return leo, found
}
