package broker

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/fluxlog/spu/internal/protocol"
	"github.com/fluxlog/spu/internal/replicalog"
)

const (
	produceResponseBodySize = 8  // offset
	fetchRequestBodySize    = 12 // offset(8) + max_bytes(4)
)

func (b *Broker) handleRequest(req *protocol.Request) ([]byte, error) {
	switch req.Header.ApiKey {
	case protocol.ApiKeyProduce:
		return b.handleProduce(req)
	case protocol.ApiKeyFetch:
		return b.handleFetch(req)
	default:
		return nil, fmt.Errorf("unknown api key: %d", req.Header.ApiKey)
	}
}

func (b *Broker) handleProduce(req *protocol.Request) ([]byte, error) {
	offset, err := b.Replica.ProduceWrite(req.Body)
	if err != nil {
		return nil, err
	}

	resp := make([]byte, produceResponseBodySize)
	binary.BigEndian.PutUint64(resp, uint64(offset))
	return resp, nil
}

func (b *Broker) handleFetch(req *protocol.Request) ([]byte, error) {
	if len(req.Body) < fetchRequestBodySize {
		return nil, fmt.Errorf("invalid fetch body size")
	}

	fetchOffset := int64(binary.BigEndian.Uint64(req.Body[0:8]))
	maxBytes := int32(binary.BigEndian.Uint32(req.Body[8:12]))

	// Client reads never see past HW — uncommitted data is only visible
	// to the peer fetch-stream path (replicalog.WatermarkLEO).
	data, err := b.Replica.ReadFrom(fetchOffset, maxBytes, replicalog.WatermarkHW)
	if err != nil {
		b.logger.Warn("fetch read error", zap.Int64("offset", fetchOffset), zap.Error(err))
		return []byte{}, nil
	}
	if data == nil {
		return []byte{}, nil
	}

	return data, nil
}
