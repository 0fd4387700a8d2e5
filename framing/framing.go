// Package framing implements the length-prefixed wire framing used by
// connections: each frame is a 4-byte big-endian payload length followed by
// the payload.
//
// Three shapes are provided. [Writer] accumulates a message and emits it as a
// single frame on [Writer.Flush]. [Reader] consumes exactly one frame at a
// time from a blocking stream, reporting end-of-frame as [io.EOF] so that a
// decoder reading from it cannot run over into the next message. [Decoder]
// is the push equivalent of Reader, for non-blocking sockets that deliver
// arbitrary fragments.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix.
const HeaderSize = 4

// DefaultMaxFrameSize bounds the payload size accepted by Reader and Decoder
// when no explicit limit is configured.
const DefaultMaxFrameSize = 1 << 20

var (
	// ErrFrameTooLarge indicates a length prefix over the configured maximum.
	// It is a protocol violation: the stream cannot be resynchronised.
	ErrFrameTooLarge = errors.New("framing: frame too large")

	// ErrNoFrame is returned by Reader.Read before Next has been called.
	ErrNoFrame = errors.New("framing: no current frame")
)

// AppendFrame appends payload to dst as a single frame.
func AppendFrame(dst, payload []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Writer accumulates writes into a frame buffer. Nothing reaches the
// underlying writer until Flush, which emits the buffered bytes as exactly
// one frame with a single Write call.
type Writer struct {
	w   io.Writer
	buf []byte
}

// NewWriter returns a Writer emitting frames to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, buf: make([]byte, HeaderSize, 256)}
}

// Write appends p to the pending frame. It never fails.
func (x *Writer) Write(p []byte) (int, error) {
	x.buf = append(x.buf, p...)
	return len(p), nil
}

// Buffered returns the size of the pending payload.
func (x *Writer) Buffered() int { return len(x.buf) - HeaderSize }

// Flush writes the pending payload as one frame and resets the buffer. An
// empty payload still produces a (zero length) frame.
func (x *Writer) Flush() error {
	binary.BigEndian.PutUint32(x.buf[:HeaderSize], uint32(len(x.buf)-HeaderSize))
	_, err := x.w.Write(x.buf)
	x.buf = x.buf[:HeaderSize]
	if err != nil {
		return fmt.Errorf("framing: flush: %w", err)
	}
	return nil
}

// Reader reads one frame at a time from a stream.
type Reader struct {
	r         io.Reader
	remaining int
	max       int
	inFrame   bool
}

// NewReader returns a Reader over r. A maxFrame of zero or less selects
// DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{r: r, max: maxFrame}
}

// Next discards any unread remainder of the current frame, then reads the
// next frame header, returning the payload length. It returns io.EOF if the
// stream ended cleanly on a frame boundary.
func (x *Reader) Next() (int, error) {
	if x.inFrame && x.remaining > 0 {
		if _, err := io.CopyN(io.Discard, x.r, int64(x.remaining)); err != nil {
			return 0, fmt.Errorf("framing: skip: %w", noEOF(err))
		}
	}
	x.inFrame = false
	x.remaining = 0

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(x.r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("framing: header: %w", noEOF(err))
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(x.max) {
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, x.max)
	}
	x.inFrame = true
	x.remaining = int(n)
	return x.remaining, nil
}

// Read reads from the current frame, returning io.EOF once the frame is
// exhausted.
func (x *Reader) Read(p []byte) (int, error) {
	if !x.inFrame {
		return 0, ErrNoFrame
	}
	if x.remaining == 0 {
		return 0, io.EOF
	}
	if len(p) > x.remaining {
		p = p[:x.remaining]
	}
	n, err := x.r.Read(p)
	x.remaining -= n
	if err == io.EOF {
		if x.remaining > 0 {
			return n, io.ErrUnexpectedEOF
		}
		err = nil
	}
	return n, err
}

// ReadFrame reads the next whole frame.
func (x *Reader) ReadFrame() ([]byte, error) {
	n, err := x.Next()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(x, b); err != nil {
		return nil, fmt.Errorf("framing: payload: %w", noEOF(err))
	}
	return b, nil
}

func noEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
