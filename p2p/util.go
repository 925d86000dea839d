package p2p

import (
	"encoding/binary"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Payload caps per stream kind.
const (
	MaxBlockPayloadSize = 8 * 1024 * 1024
	MaxTxPayloadSize    = 1 * 1024 * 1024
	MaxSyncRequestSize  = 64
	MaxSyncResponseSize = 64 * 1024 * 1024
	maxFrameSize        = MaxSyncResponseSize
)

// writeFrame writes data behind a 4-byte big-endian length.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return errors.Errorf("message too large: %d > %d", len(data), maxFrameSize)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// readFrame reads one length-prefixed message of at most maxSize bytes.
func readFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > maxSize {
		return nil, errors.Errorf("message too large: %d > %d", length, maxSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// writeTyped writes a type byte followed by a frame.
func writeTyped(w io.Writer, msgType byte, data []byte) error {
	if _, err := w.Write([]byte{msgType}); err != nil {
		return err
	}
	return writeFrame(w, data)
}

// readTyped reads a type byte then a frame capped by maxFor(type).
func readTyped(r io.Reader, maxFor func(byte) (uint32, error)) (byte, []byte, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return 0, nil, err
	}
	maxSize, err := maxFor(typeBuf[0])
	if err != nil {
		return 0, nil, err
	}
	data, err := readFrame(r, maxSize)
	if err != nil {
		return 0, nil, err
	}
	return typeBuf[0], data, nil
}

// isStreamClosed matches the close and reset errors seen when the remote
// side hangs up first.
func isStreamClosed(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"stream reset", "connection closed", "use of closed network connection", "broken pipe", "reset by peer"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
