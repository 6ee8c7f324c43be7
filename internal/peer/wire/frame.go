package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/yndnr/gatemesh-go/internal/core/domain"
)

// MaxFrameSize is the maximum payload a control frame may carry. Control
// traffic is small; anything larger indicates a broken or hostile peer.
const MaxFrameSize = 1 << 20 // 1 MiB

// frameHeaderSize is length (4) + checksum (4).
const frameHeaderSize = 8

// WriteFrame writes one frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return domain.ErrFrameTooLarge.WithDetails(fmt.Sprintf("%d bytes", len(payload)))
	}

	var header [frameHeaderSize]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r and verifies its checksum.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])

	if length > MaxFrameSize {
		return nil, domain.ErrFrameTooLarge.WithDetails(fmt.Sprintf("%d bytes", length))
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	if crc32.ChecksumIEEE(payload) != sum {
		return nil, domain.ErrFrameChecksum
	}
	return payload, nil
}
