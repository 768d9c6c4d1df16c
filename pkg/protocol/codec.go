package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aminofox/lanmeet/pkg/errors"
)

const (
	// LengthPrefixSize is the size of the frame length prefix in bytes
	LengthPrefixSize = 4

	// DefaultMaxFrameSize bounds control frames to defend against a
	// malformed-length DoS
	DefaultMaxFrameSize = 1 << 20 // 1 MiB
)

// Encode serializes a message as a length-prefixed JSON frame
func Encode(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedFrame, "failed to encode message", err)
	}

	if len(body) > DefaultMaxFrameSize {
		return nil, errors.New(errors.ErrCodeFrameTooLarge,
			fmt.Sprintf("frame of %d bytes exceeds limit", len(body)))
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame[:LengthPrefixSize], uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// Write encodes a message and writes the whole frame to w
func Write(w io.Writer, m *Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return errors.NewNetworkError("failed to write frame", err)
	}
	return nil
}

// Decoder accumulates stream bytes and yields complete messages. Partial
// frames are never an error; callers feed more input and retry.
type Decoder struct {
	buf          bytes.Buffer
	maxFrameSize int
}

// NewDecoder creates a decoder with the given frame size limit
// (DefaultMaxFrameSize when limit <= 0)
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends raw stream bytes to the decode buffer
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Buffered returns the number of bytes waiting to be decoded
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}

// Next returns the next complete message, or (nil, nil) when fewer than a
// full frame is buffered.
//
// A frame whose declared length exceeds the limit yields ErrCodeFrameTooLarge;
// the stream is unrecoverable and the caller must close the connection. A
// complete frame whose JSON body fails to parse yields ErrCodeMalformedFrame;
// the offending frame has been consumed and the caller may keep decoding.
func (d *Decoder) Next() (*Message, error) {
	if d.buf.Len() < LengthPrefixSize {
		return nil, nil
	}

	header := d.buf.Bytes()[:LengthPrefixSize]
	length := binary.BigEndian.Uint32(header)

	if int(length) > d.maxFrameSize {
		return nil, errors.New(errors.ErrCodeFrameTooLarge,
			fmt.Sprintf("declared frame length %d exceeds limit %d", length, d.maxFrameSize))
	}

	if d.buf.Len() < LengthPrefixSize+int(length) {
		return nil, nil
	}

	d.buf.Next(LengthPrefixSize)
	body := d.buf.Next(int(length))

	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeMalformedFrame, "failed to decode frame body", err)
	}

	if m.Type == "" {
		return nil, errors.New(errors.ErrCodeMalformedFrame, "frame body missing message type")
	}

	return &m, nil
}
