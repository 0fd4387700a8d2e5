package framing

import (
	"encoding/binary"
	"fmt"
)

// Decoder reassembles frames from arbitrary fragments, as delivered by
// non-blocking reads. The zero value is not usable, see NewDecoder.
type Decoder struct {
	buf []byte
	max int
	err error
}

// NewDecoder returns a Decoder. A maxFrame of zero or less selects
// DefaultMaxFrameSize.
func NewDecoder(maxFrame int) *Decoder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Decoder{max: maxFrame}
}

// Feed appends p and returns every frame completed by it, in order. The
// returned payloads do not alias p or the decoder's buffer. Once an error is
// returned the decoder is poisoned and returns the same error forever.
func (x *Decoder) Feed(p []byte) ([][]byte, error) {
	if x.err != nil {
		return nil, x.err
	}
	x.buf = append(x.buf, p...)

	var frames [][]byte
	off := 0
	for len(x.buf)-off >= HeaderSize {
		n := binary.BigEndian.Uint32(x.buf[off:])
		if uint64(n) > uint64(x.max) {
			x.err = fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, x.max)
			x.buf = nil
			return frames, x.err
		}
		end := off + HeaderSize + int(n)
		if end > len(x.buf) {
			break
		}
		frame := make([]byte, n)
		copy(frame, x.buf[off+HeaderSize:end])
		frames = append(frames, frame)
		off = end
	}

	if off > 0 {
		rest := copy(x.buf, x.buf[off:])
		x.buf = x.buf[:rest]
	}
	return frames, nil
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (x *Decoder) Pending() int { return len(x.buf) }
