// Package protocol implements the length-framed control protocol spoken on the
// meeting server's TCP control channel. A frame is a 4-byte big-endian length
// prefix followed by a UTF-8 JSON message body.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of a control message
type Type string

// Control message types
const (
	TypeRegister Type = "REGISTER"

	TypeRoomCreate Type = "ROOM_CREATE"
	TypeRoomJoin   Type = "ROOM_JOIN"
	TypeRoomLeave  Type = "ROOM_LEAVE"
	TypeRoomList   Type = "ROOM_LIST"

	TypeChat        Type = "CHAT"
	TypeChatHistory Type = "CHAT_HISTORY"

	TypeHeartbeat    Type = "HEARTBEAT"
	TypeHeartbeatAck Type = "HEARTBEAT_ACK"

	TypeVideoStart Type = "VIDEO_START"
	TypeVideoStop  Type = "VIDEO_STOP"
	TypeAudioStart Type = "AUDIO_START"
	TypeAudioStop  Type = "AUDIO_STOP"

	TypeScreenShareRequest Type = "SCREEN_SHARE_REQUEST"
	TypeScreenShareGranted Type = "SCREEN_SHARE_GRANTED"
	TypeScreenShareDenied  Type = "SCREEN_SHARE_DENIED"
	TypeScreenShareStop    Type = "SCREEN_SHARE_STOP"
	TypePresentationStop   Type = "PRESENTATION_STOPPED"

	TypeFileOffer        Type = "FILE_OFFER"
	TypeFileUploadPort   Type = "FILE_UPLOAD_PORT"
	TypeFileRequest      Type = "FILE_REQUEST"
	TypeFileDownloadPort Type = "FILE_DOWNLOAD_PORT"
	TypeFileAvailable    Type = "FILE_AVAILABLE"

	TypeMediaRegister Type = "MEDIA_REGISTER"

	TypeUserJoined Type = "USER_JOINED"
	TypeUserLeft   Type = "USER_LEFT"

	TypeError   Type = "ERROR"
	TypeSuccess Type = "SUCCESS"
)

var knownTypes = map[Type]struct{}{
	TypeRegister:           {},
	TypeRoomCreate:         {},
	TypeRoomJoin:           {},
	TypeRoomLeave:          {},
	TypeRoomList:           {},
	TypeChat:               {},
	TypeChatHistory:        {},
	TypeHeartbeat:          {},
	TypeHeartbeatAck:       {},
	TypeVideoStart:         {},
	TypeVideoStop:          {},
	TypeAudioStart:         {},
	TypeAudioStop:          {},
	TypeScreenShareRequest: {},
	TypeScreenShareGranted: {},
	TypeScreenShareDenied:  {},
	TypeScreenShareStop:    {},
	TypePresentationStop:   {},
	TypeFileOffer:          {},
	TypeFileUploadPort:     {},
	TypeFileRequest:        {},
	TypeFileDownloadPort:   {},
	TypeFileAvailable:      {},
	TypeMediaRegister:      {},
	TypeUserJoined:         {},
	TypeUserLeft:           {},
	TypeError:              {},
	TypeSuccess:            {},
}

// IsValid reports whether t is a known message type
func (t Type) IsValid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Message is one control-channel message. MessageID and Timestamp are assigned
// at construction and never mutated afterwards.
type Message struct {
	// Type is the message type
	Type Type `json:"type"`
	// Data contains type-specific payload fields
	Data map[string]interface{} `json:"data,omitempty"`
	// Sender is the originating participant id
	Sender string `json:"sender,omitempty"`
	// Recipient is the target participant id (empty = broadcast)
	Recipient string `json:"recipient,omitempty"`
	// RoomID scopes the message to a room
	RoomID string `json:"room_id,omitempty"`
	// Timestamp is seconds since the Unix epoch at creation time
	Timestamp float64 `json:"timestamp"`
	// MessageID uniquely identifies this message
	MessageID string `json:"message_id"`
}

// New creates a message of the given type, assigning id and timestamp
func New(t Type, data map[string]interface{}) *Message {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Message{
		Type:      t,
		Data:      data,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		MessageID: uuid.New().String(),
	}
}

// NewError creates an ERROR message carrying a code and human-readable reason
func NewError(code int, reason string) *Message {
	return New(TypeError, map[string]interface{}{
		"code":   code,
		"reason": reason,
	})
}

// NewSuccess creates a SUCCESS message with optional payload fields
func NewSuccess(data map[string]interface{}) *Message {
	return New(TypeSuccess, data)
}

// GetString returns a string payload field, or "" when absent or mistyped
func (m *Message) GetString(key string) string {
	if v, ok := m.Data[key].(string); ok {
		return v
	}
	return ""
}

// GetInt returns an integer payload field. JSON numbers decode as float64,
// so both representations are accepted.
func (m *Message) GetInt(key string) int {
	switch v := m.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// GetInt64 returns a 64-bit integer payload field
func (m *Message) GetInt64(key string) int64 {
	switch v := m.Data[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// GetBool returns a boolean payload field, or false when absent
func (m *Message) GetBool(key string) bool {
	if v, ok := m.Data[key].(bool); ok {
		return v
	}
	return false
}
