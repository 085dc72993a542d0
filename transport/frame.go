package transport

import (
	"encoding/binary"
	"io"

	"github.com/opd-ai/peerlink/limits"
)

// WriteFrame writes data behind a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, data []byte) error {
	if err := limits.ValidateFrame(data); err != nil {
		return err
	}

	buf := make([]byte, limits.FrameHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[limits.FrameHeaderSize:], data)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame. The length is validated before
// the body is allocated.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [limits.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(header[:])
	if err := limits.ValidateFrameLength(n); err != nil {
		return nil, err
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
