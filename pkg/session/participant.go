// Package session tracks participant identity and liveness for the meeting
// server. Exactly one live participant exists per control connection.
package session

import (
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/protocol"
)

// MessageSender is the connection handle a participant is reachable through.
// The control server's connection type implements it.
type MessageSender interface {
	// SendMessage writes one control message to the peer
	SendMessage(m *protocol.Message) error

	// Close tears the connection down
	Close() error
}

// Participant represents one registered connection
type Participant struct {
	// ID is the unique participant identifier
	ID string `json:"id"`
	// DisplayName is the name shown to other participants
	DisplayName string `json:"display_name"`
	// WireID is the compact handle used in media datagram headers
	WireID uint32 `json:"wire_id"`
	// RoomID is the room this participant is in, empty when not in a room.
	// This is a back-reference only; membership is resolved by room lookup.
	RoomID string `json:"room_id,omitempty"`
	// IsOnline indicates the control connection is live
	IsOnline bool `json:"is_online"`
	// IsMuted indicates the participant muted themselves
	IsMuted bool `json:"is_muted"`
	// VideoEnabled indicates the participant is sending video
	VideoEnabled bool `json:"video_enabled"`
	// AudioEnabled indicates the participant is sending audio
	AudioEnabled bool `json:"audio_enabled"`
	// ScreenSharing indicates the participant holds a presenter slot
	ScreenSharing bool `json:"screen_sharing"`
	// JoinedAt is when the participant registered
	JoinedAt time.Time `json:"joined_at"`
	// LastSeen is updated on every inbound control message
	LastSeen time.Time `json:"last_seen"`
	// Permissions is the set of granted capability names
	Permissions map[string]bool `json:"permissions,omitempty"`

	// conn is the control connection handle (non-owning)
	conn MessageSender
	// mu protects mutable fields
	mu sync.RWMutex
}

// Send writes a message to the participant's control connection
func (p *Participant) Send(m *protocol.Message) error {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn == nil {
		return nil
	}
	return conn.SendMessage(m)
}

// CloseConn closes the participant's control connection, if any
func (p *Participant) CloseConn() {
	p.mu.RLock()
	conn := p.conn
	p.mu.RUnlock()

	if conn != nil {
		conn.Close()
	}
}

// Touch updates the liveness timestamp
func (p *Participant) Touch() {
	p.mu.Lock()
	p.LastSeen = time.Now()
	p.mu.Unlock()
}

// LastSeenAt returns the liveness timestamp
func (p *Participant) LastSeenAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.LastSeen
}

// MemberID returns the participant id, satisfying the room's member view
func (p *Participant) MemberID() string {
	return p.ID
}

// EnterRoom records the room back-reference, refusing once the participant
// has been unregistered. The room calls this under its own lock, so the
// back-reference and the membership insert are atomic with respect to the
// disconnect cascade.
func (p *Participant) EnterRoom(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.IsOnline {
		return false
	}
	p.RoomID = roomID
	return true
}

// SetRoom records the participant's current room id ("" = none)
func (p *Participant) SetRoom(roomID string) {
	p.mu.Lock()
	p.RoomID = roomID
	p.mu.Unlock()
}

// Room returns the participant's current room id
func (p *Participant) Room() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.RoomID
}

// SetVideoEnabled flips the video flag
func (p *Participant) SetVideoEnabled(on bool) {
	p.mu.Lock()
	p.VideoEnabled = on
	p.mu.Unlock()
}

// SetAudioEnabled flips the audio flag
func (p *Participant) SetAudioEnabled(on bool) {
	p.mu.Lock()
	p.AudioEnabled = on
	p.mu.Unlock()
}

// SetScreenSharing flips the screen-sharing flag
func (p *Participant) SetScreenSharing(on bool) {
	p.mu.Lock()
	p.ScreenSharing = on
	p.mu.Unlock()
}

// SetMuted flips the muted flag
func (p *Participant) SetMuted(on bool) {
	p.mu.Lock()
	p.IsMuted = on
	p.mu.Unlock()
}

// MediaFlags returns the current media-enabled flags
func (p *Participant) MediaFlags() (video, audio bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.VideoEnabled, p.AudioEnabled
}

// Info is a point-in-time view of a participant, safe to serialize
type Info struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	WireID        uint32 `json:"wire_id"`
	RoomID        string `json:"room_id,omitempty"`
	IsOnline      bool   `json:"is_online"`
	IsMuted       bool   `json:"is_muted"`
	VideoEnabled  bool   `json:"video_enabled"`
	AudioEnabled  bool   `json:"audio_enabled"`
	ScreenSharing bool   `json:"screen_sharing"`
}

// Snapshot returns a point-in-time view without racing concurrent flag updates
func (p *Participant) Snapshot() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Info{
		ID:            p.ID,
		DisplayName:   p.DisplayName,
		WireID:        p.WireID,
		RoomID:        p.RoomID,
		IsOnline:      p.IsOnline,
		IsMuted:       p.IsMuted,
		VideoEnabled:  p.VideoEnabled,
		AudioEnabled:  p.AudioEnabled,
		ScreenSharing: p.ScreenSharing,
	}
}
