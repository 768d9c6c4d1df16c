// Package transfer implements the ephemeral-port file transfer subsystem.
// Each upload or download gets a dedicated short-lived TCP listener that
// accepts exactly one connection and streams the file in fixed chunks.
package transfer

import (
	"sync"
	"time"
)

// State is the lifecycle state of a transfer
type State string

const (
	// StatePending means the port is allocated and the peer has not connected
	StatePending State = "pending"
	// StateActive means bytes are flowing
	StateActive State = "active"
	// StateComplete means all bytes arrived and the checksum matched
	StateComplete State = "complete"
	// StateFailed means the transfer broke or failed verification
	StateFailed State = "failed"
	// StateCancelled means the transfer was cancelled before completing
	StateCancelled State = "cancelled"
)

// Direction distinguishes uploads from downloads
type Direction string

const (
	// DirectionUpload receives a file from a client
	DirectionUpload Direction = "upload"
	// DirectionDownload serves a file to a client
	DirectionDownload Direction = "download"
)

// Transfer tracks one upload or download
type Transfer struct {
	// ID is the unique transfer identifier
	ID string `json:"id"`
	// FileID identifies the shared file involved
	FileID string `json:"file_id"`
	// Filename is the original filename
	Filename string `json:"filename"`
	// TotalSize is the declared size in bytes
	TotalSize int64 `json:"total_size"`
	// Port is the dedicated ephemeral listener port
	Port int `json:"port"`
	// OwnerID is the participant that initiated the transfer
	OwnerID string `json:"owner_id"`
	// RoomID is the room the file is shared into, when any
	RoomID string `json:"room_id,omitempty"`
	// Direction is upload or download
	Direction Direction `json:"direction"`
	// StartedAt is when the transfer was offered
	StartedAt time.Time `json:"started_at"`

	// state is the current lifecycle state
	state State
	// bytesMoved counts bytes received or served so far
	bytesMoved int64
	// chunksMoved counts completed fixed-size chunks
	chunksMoved int
	// checksum is the hex sha256 computed over a completed upload
	checksum string
	// failure records why the transfer failed
	failure error
	// mu protects mutable state
	mu sync.RWMutex
}

// State returns the current lifecycle state
func (t *Transfer) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// BytesMoved returns how many bytes have been received or served
func (t *Transfer) BytesMoved() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.bytesMoved
}

// Checksum returns the hex sha256 of a completed upload ("" until complete)
func (t *Transfer) Checksum() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.checksum
}

// Err returns the recorded failure cause, if any
func (t *Transfer) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.failure
}

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// transitionIfRunning moves to s unless already in a terminal state.
// Returns false when the transfer had already terminated.
func (t *Transfer) transitionIfRunning(s State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case StateComplete, StateFailed, StateCancelled:
		return false
	}
	t.state = s
	return true
}

func (t *Transfer) addProgress(n int64, chunkSize int) {
	t.mu.Lock()
	t.bytesMoved += n
	if chunkSize > 0 {
		t.chunksMoved = int(t.bytesMoved / int64(chunkSize))
	}
	t.mu.Unlock()
}

func (t *Transfer) fail(err error) {
	t.mu.Lock()
	if t.state != StateComplete && t.state != StateCancelled {
		t.state = StateFailed
		t.failure = err
	}
	t.mu.Unlock()
}
