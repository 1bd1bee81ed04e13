package hl7v2

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MLLP block characters.
const (
	MLLPStartBlock     = 0x0B // VT
	MLLPEndBlock       = 0x1C // FS
	MLLPCarriageReturn = 0x0D
)

// ErrFrameTooLarge is returned by a frame reader when a message exceeds its
// size limit before the end block arrives.
var ErrFrameTooLarge = errors.New("hl7v2: MLLP frame exceeds size limit")

// FrameMessage wraps data as <VT>data<FS><CR>.
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	return append(frame, MLLPEndBlock, MLLPCarriageReturn)
}

// UnframeMessage returns the payload of the first complete frame in data
// and whatever follows it. found is false until a whole frame is present.
func UnframeMessage(data []byte) (message, rest []byte, found bool) {
	start := bytes.IndexByte(data, MLLPStartBlock)
	if start < 0 {
		return nil, data, false
	}
	body := data[start+1:]
	end := bytes.Index(body, []byte{MLLPEndBlock, MLLPCarriageReturn})
	if end < 0 {
		return nil, data, false
	}
	return body[:end], body[end+2:], true
}

// frameReader reads consecutive MLLP frames from a stream. Bytes outside a
// frame are dropped.
type frameReader struct {
	r       *bufio.Reader
	maxSize int
}

func newFrameReader(r io.Reader, maxSize int) *frameReader {
	return &frameReader{r: bufio.NewReader(r), maxSize: maxSize}
}

// Next blocks until a complete frame is read. It returns io.EOF when the
// stream ends between frames and io.ErrUnexpectedEOF when it ends inside
// one.
func (f *frameReader) Next() ([]byte, error) {
	for {
		b, err := f.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == MLLPStartBlock {
			break
		}
	}

	var msg []byte
	for {
		chunk, err := f.r.ReadSlice(MLLPEndBlock)
		msg = append(msg, chunk...)
		if len(msg) > f.maxSize {
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, f.maxSize)
		}
		switch {
		case err == nil:
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}

		next, err := f.r.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if next[0] == MLLPCarriageReturn {
			f.r.Discard(1)
			return msg[:len(msg)-1], nil
		}
		// A bare FS is part of the payload.
	}
}
