package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// gRPC length-prefixed message framing: 1 byte compressed flag followed by a
// big-endian uint32 payload length. Compression is never negotiated, so the
// flag must be zero in both directions.

const maxFrameSize = 4 << 20

var errFrameTooLarge = errors.New("grpc frame exceeds size limit")

func appendFrame(dst, msg []byte) []byte {
	var prefix [5]byte
	binary.BigEndian.PutUint32(prefix[1:], uint32(len(msg)))
	dst = append(dst, prefix[:]...)
	return append(dst, msg...)
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [5]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("truncated grpc frame: %w", io.ErrUnexpectedEOF)
		}
		return nil, err
	}
	if prefix[0] != 0 {
		return nil, fmt.Errorf("unexpected compressed grpc frame (flag %#x)", prefix[0])
	}
	size := binary.BigEndian.Uint32(prefix[1:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", errFrameTooLarge, size)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("truncated grpc frame body: %w", err)
	}
	return msg, nil
}
