package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	// MaxParts bounds the number of parts accepted in a single frame.
	MaxParts = 64
	// MaxPartSize limits individual parts to 16MiB.
	MaxPartSize = 16 << 20
)

// ErrFrameTooLarge is returned when a peer announces more data than allowed.
var ErrFrameTooLarge = errors.New("wire: frame exceeds limits")

// WriteFrame writes a multipart frame to w.
// Wire format: [parts:4 BE] then per part [length:4 BE][payload].
func WriteFrame(w io.Writer, parts [][]byte) error {
	if len(parts) > MaxParts {
		return ErrFrameTooLarge
	}
	size := 4
	for _, p := range parts {
		if len(p) > MaxPartSize {
			return ErrFrameTooLarge
		}
		size += 4 + len(p)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(parts)))
	for _, p := range parts {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(p)))
		buf = append(buf, p...)
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a multipart frame from r.
func ReadFrame(r io.Reader) ([][]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(header[:])
	if count > MaxParts {
		return nil, fmt.Errorf("%w: %d parts", ErrFrameTooLarge, count)
	}
	parts := make([][]byte, count)
	for i := range parts {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, fmt.Errorf("read part %d length: %w", i, unexpectedEOF(err))
		}
		length := binary.BigEndian.Uint32(header[:])
		if length > MaxPartSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes", ErrFrameTooLarge, i, length)
		}
		parts[i] = make([]byte, length)
		if _, err := io.ReadFull(r, parts[i]); err != nil {
			return nil, fmt.Errorf("read part %d: %w", i, unexpectedEOF(err))
		}
	}
	return parts, nil
}

func unexpectedEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// FrameWriter serialises concurrent frame writes onto one stream.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewFrameWriter wraps w with mutex protection.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// Write sends one frame.
func (fw *FrameWriter) Write(parts [][]byte) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, parts)
}
