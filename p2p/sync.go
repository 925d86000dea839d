package p2p

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Sync message types. Each request is answered on the same stream.
const (
	SyncMsgGetHeight byte = 0x01 // empty payload
	SyncMsgHeight    byte = 0x02 // height u64 be
	SyncMsgGetBlocks byte = 0x03 // from u64 be
	SyncMsgBlocks    byte = 0x04 // encoded block list
	SyncMsgError     byte = 0x7f // utf-8 message
)

// SyncProvider answers sync requests from the local chain.
type SyncProvider interface {
	Height() uint64
	// EncodedBlocksFrom returns the encoded block list starting at from.
	EncodedBlocksFrom(from uint64) ([]byte, error)
}

func syncMessageMaxSize(msgType byte) (uint32, error) {
	switch msgType {
	case SyncMsgGetHeight, SyncMsgHeight, SyncMsgGetBlocks:
		return MaxSyncRequestSize, nil
	case SyncMsgBlocks:
		return MaxSyncResponseSize, nil
	case SyncMsgError:
		return 4096, nil
	default:
		return 0, errors.Errorf("unknown sync message type 0x%02x", msgType)
	}
}

func (n *Node) handleSyncStream(s network.Stream) {
	defer s.Close()
	logger := log.WithField("peer", s.Conn().RemotePeer())

	if err := s.SetDeadline(time.Now().Add(streamTimeout)); err != nil {
		logger.WithError(err).Debug("Failed to set sync deadline")
		return
	}
	msgType, data, err := readTyped(s, syncMessageMaxSize)
	if err != nil {
		if !isStreamClosed(err) {
			logger.WithError(err).Debug("Failed to read sync request")
		}
		return
	}

	n.mu.RLock()
	provider := n.sync
	n.mu.RUnlock()
	if provider == nil {
		_ = writeTyped(s, SyncMsgError, []byte("sync not available"))
		return
	}

	switch msgType {
	case SyncMsgGetHeight:
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], provider.Height())
		err = writeTyped(s, SyncMsgHeight, buf[:])
	case SyncMsgGetBlocks:
		if len(data) != 8 {
			err = writeTyped(s, SyncMsgError, []byte("bad request"))
			break
		}
		var list []byte
		list, err = provider.EncodedBlocksFrom(binary.BigEndian.Uint64(data))
		if err != nil {
			logger.WithError(err).Warn("Failed to serve blocks")
			err = writeTyped(s, SyncMsgError, []byte("internal error"))
			break
		}
		err = writeTyped(s, SyncMsgBlocks, list)
	default:
		err = writeTyped(s, SyncMsgError, []byte("unexpected message"))
	}
	if err != nil && !isStreamClosed(err) {
		logger.WithError(err).Debug("Failed to write sync response")
	}
}

// request sends one sync message to p and returns the payload of the
// expected response type.
func (n *Node) request(ctx context.Context, p peer.ID, msgType byte, payload []byte, want byte) ([]byte, error) {
	s, err := n.host.NewStream(ctx, p, ProtocolSync)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	deadline := time.Now().Add(streamTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if err := writeTyped(s, msgType, payload); err != nil {
		return nil, err
	}
	if err := s.CloseWrite(); err != nil {
		return nil, err
	}

	gotType, data, err := readTyped(s, syncMessageMaxSize)
	if err != nil {
		return nil, err
	}
	if gotType == SyncMsgError {
		return nil, errors.Errorf("peer error: %s", data)
	}
	if gotType != want {
		return nil, errors.Errorf("unexpected response type 0x%02x", gotType)
	}
	return data, nil
}

// RequestHeight asks p for its chain height.
func (n *Node) RequestHeight(ctx context.Context, p peer.ID) (uint64, error) {
	data, err := n.request(ctx, p, SyncMsgGetHeight, nil, SyncMsgHeight)
	if err != nil {
		return 0, err
	}
	if len(data) != 8 {
		return 0, errors.Errorf("bad height response length %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// RequestBlocks asks p for blocks starting at height from and returns the
// encoded block list.
func (n *Node) RequestBlocks(ctx context.Context, p peer.ID, from uint64) ([]byte, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], from)
	return n.request(ctx, p, SyncMsgGetBlocks, buf[:], SyncMsgBlocks)
}
