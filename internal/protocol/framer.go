package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing selects how frame bodies are delimited on the stream.
type Framing string

const (
	// FramingLength prefixes every body with its length as a big-endian uint32.
	FramingLength Framing = "length"
	// FramingRaw treats every transport read as exactly one frame.  Kept for
	// legacy clients; frames written back-to-back may coalesce.
	FramingRaw Framing = "raw"
)

const (
	DefaultMaxFrameSize = 64 * 1024
	rawReadSize         = 1024
	lengthHeaderSize    = 4
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds maximum size")
	ErrTruncatedFrame = errors.New("protocol: frame truncated")
	ErrUnknownFraming = errors.New("protocol: unknown framing")
)

// Framer reads and writes whole frame bodies.  A Framer is not safe for
// concurrent use: one goroutine reads and at most one goroutine writes.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(body []byte) error
}

// ParseFraming maps a configuration value onto a Framing.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingLength, "":
		return FramingLength, nil
	case FramingRaw:
		return FramingRaw, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFraming, s)
}

// NewFramer wraps rw with the requested framing.  maxFrameSize bounds bodies
// accepted by the length-prefixed framing; zero selects DefaultMaxFrameSize.
func NewFramer(f Framing, rw io.ReadWriter, maxFrameSize int) (Framer, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	switch f {
	case FramingLength, "":
		return &LengthPrefixed{r: bufio.NewReader(rw), w: rw, max: maxFrameSize}, nil
	case FramingRaw:
		return &Raw{r: rw, w: rw, buf: make([]byte, rawReadSize)}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFraming, f)
}

// ---------------------------------------------------------------------------
// Length-prefixed framing
// ---------------------------------------------------------------------------

type LengthPrefixed struct {
	r   *bufio.Reader
	w   io.Writer
	max int
}

// ReadFrame returns the next body.  A zero-length body is returned as an empty
// slice and carries no meaning.  If the stream fails after part of a frame was
// consumed the error wraps ErrTruncatedFrame, since the stream can no longer be
// resynchronised.
func (l *LengthPrefixed) ReadFrame() ([]byte, error) {
	var hdr [lengthHeaderSize]byte
	n, err := io.ReadFull(l.r, hdr[:])
	if err != nil {
		if n > 0 {
			return nil, fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if uint64(size) > uint64(l.max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, l.max)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(l.r, body); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncatedFrame, err)
	}
	return body, nil
}

// WriteFrame writes header and body with a single Write call.
func (l *LengthPrefixed) WriteFrame(body []byte) error {
	if len(body) > l.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(body), l.max)
	}
	buf := make([]byte, lengthHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[lengthHeaderSize:], body)
	_, err := l.w.Write(buf)
	return err
}

// ---------------------------------------------------------------------------
// Raw framing
// ---------------------------------------------------------------------------

type Raw struct {
	r   io.Reader
	w   io.Writer
	buf []byte
}

// ReadFrame performs a single Read and returns whatever it produced.
func (r *Raw) ReadFrame() ([]byte, error) {
	n, err := r.r.Read(r.buf)
	if n > 0 {
		out := make([]byte, n)
		copy(out, r.buf[:n])
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return []byte{}, nil
}

func (r *Raw) WriteFrame(body []byte) error {
	if len(body) == 0 {
		return ErrEmptyFrame
	}
	_, err := r.w.Write(body)
	return err
}
