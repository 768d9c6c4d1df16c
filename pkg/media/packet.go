// Package media implements the best-effort UDP fan-out path for encoded video
// and audio frames. Payloads are opaque bytes; loss and reordering are the
// receiving side's concern.
package media

import (
	"encoding/binary"
	"fmt"

	"github.com/aminofox/lanmeet/pkg/errors"
)

const (
	// VideoHeaderSize is sender + sequence + payload length, 4 bytes each
	VideoHeaderSize = 12

	// AudioHeaderSize is sender + timestamp, 4 bytes each
	AudioHeaderSize = 8

	// MaxPayloadSize is the safe UDP payload ceiling; the relay never fragments
	MaxPayloadSize = 64 * 1024
)

// Kind distinguishes the two datagram formats
type Kind int

const (
	// KindVideo datagrams carry a sequence number and explicit payload length
	KindVideo Kind = iota
	// KindAudio datagrams carry a timestamp and implicit payload length
	KindAudio
)

// String returns the kind name
func (k Kind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// VideoPacket is one video datagram:
// u32 sender ++ u32 sequence ++ u32 payload_len ++ payload
type VideoPacket struct {
	// Sender is the originating participant's wire handle
	Sender uint32
	// Sequence is the sender-assigned frame sequence number
	Sequence uint32
	// Payload is the encoded frame bytes
	Payload []byte
}

// Encode serializes the packet into wire format
func (p *VideoPacket) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("video payload of %d bytes exceeds ceiling", len(p.Payload)))
	}

	buf := make([]byte, VideoHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Sender)
	binary.BigEndian.PutUint32(buf[4:8], p.Sequence)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(p.Payload)))
	copy(buf[VideoHeaderSize:], p.Payload)
	return buf, nil
}

// ParseVideoPacket decodes a video datagram, validating that the declared
// payload length matches the actual payload
func ParseVideoPacket(data []byte) (*VideoPacket, error) {
	if len(data) < VideoHeaderSize {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("video datagram too short: %d bytes", len(data)))
	}

	payloadLen := binary.BigEndian.Uint32(data[8:12])
	payload := data[VideoHeaderSize:]
	if int(payloadLen) != len(payload) {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("video payload length mismatch: declared %d, got %d", payloadLen, len(payload)))
	}

	return &VideoPacket{
		Sender:   binary.BigEndian.Uint32(data[0:4]),
		Sequence: binary.BigEndian.Uint32(data[4:8]),
		Payload:  payload,
	}, nil
}

// AudioPacket is one audio datagram: u32 sender ++ u32 timestamp ++ payload
type AudioPacket struct {
	// Sender is the originating participant's wire handle
	Sender uint32
	// Timestamp is the sender-assigned sample timestamp
	Timestamp uint32
	// Payload is the encoded audio bytes
	Payload []byte
}

// Encode serializes the packet into wire format
func (p *AudioPacket) Encode() ([]byte, error) {
	if len(p.Payload) > MaxPayloadSize {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("audio payload of %d bytes exceeds ceiling", len(p.Payload)))
	}

	buf := make([]byte, AudioHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Sender)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	copy(buf[AudioHeaderSize:], p.Payload)
	return buf, nil
}

// ParseAudioPacket decodes an audio datagram
func ParseAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < AudioHeaderSize {
		return nil, errors.New(errors.ErrCodeValidationFailed,
			fmt.Sprintf("audio datagram too short: %d bytes", len(data)))
	}

	return &AudioPacket{
		Sender:    binary.BigEndian.Uint32(data[0:4]),
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		Payload:   data[AudioHeaderSize:],
	}, nil
}
