// Package room implements the room registry: named groups of participants
// sharing chat history, a shared-file index, and a single presenter slot.
package room

import (
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ChatEntry is one message in a room's chat history
type ChatEntry struct {
	// ID is the unique entry identifier
	ID string `json:"id"`
	// RoomID is the room the entry belongs to
	RoomID string `json:"room_id"`
	// SenderID is the authoring participant's id
	SenderID string `json:"sender_id"`
	// SenderName is the authoring participant's display name
	SenderName string `json:"sender_name"`
	// Text is the message body
	Text string `json:"text"`
	// Timestamp is server receipt time
	Timestamp time.Time `json:"timestamp"`
}

// FileMeta describes one file shared into a room
type FileMeta struct {
	// ID is the unique file identifier
	ID string `json:"id"`
	// Name is the original filename
	Name string `json:"name"`
	// Size is the file size in bytes
	Size int64 `json:"size"`
	// Checksum is the hex sha256 of the file contents
	Checksum string `json:"checksum"`
	// OwnerID is the uploading participant's id
	OwnerID string `json:"owner_id"`
	// StorageKey locates the payload in the storage backend
	StorageKey string `json:"storage_key"`
	// SharedAt is when the upload completed
	SharedAt time.Time `json:"shared_at"`
}

// Member is a joinable participant. EnterRoom records the room back-reference
// on the participant and must refuse once the participant has been
// unregistered, so a disconnect racing a join cannot strand membership in
// the room.
type Member interface {
	// MemberID returns the participant id
	MemberID() string

	// EnterRoom records the room back-reference, returning false when the
	// participant is already gone
	EnterRoom(roomID string) bool
}

// Room represents a meeting room
type Room struct {
	// ID is the unique room identifier
	ID string `json:"id"`
	// Name is the room display name
	Name string `json:"name"`
	// OwnerID is the participant who created the room
	OwnerID string `json:"owner_id"`
	// MaxParticipants caps membership (0 = unlimited)
	MaxParticipants int `json:"max_participants"`
	// IsPrivate indicates the room requires a password
	IsPrivate bool `json:"is_private"`
	// CreatedAt is when the room was created
	CreatedAt time.Time `json:"created_at"`

	// passwordHash is the bcrypt hash of the room password, nil when public
	passwordHash []byte
	// participants is the membership set, resolved by id lookup only
	participants map[string]struct{}
	// presenterID is the current presenter, empty when nobody presents
	presenterID string
	// chat is the bounded chat history, oldest evicted
	chat []ChatEntry
	// historyLimit bounds chat
	historyLimit int
	// sharedFiles indexes completed uploads by file id
	sharedFiles map[string]*FileMeta
	// emptySince is when the room last became empty
	emptySince time.Time
	// isClosed marks the room as removed; joins fail afterwards
	isClosed bool
	// mu protects all mutable state
	mu sync.RWMutex
}

func newRoom(name, ownerID string, isPrivate bool, passwordHash []byte, maxParticipants, historyLimit int) *Room {
	return &Room{
		ID:              uuid.New().String(),
		Name:            name,
		OwnerID:         ownerID,
		MaxParticipants: maxParticipants,
		IsPrivate:       isPrivate,
		CreatedAt:       time.Now(),
		passwordHash:    passwordHash,
		participants:    make(map[string]struct{}),
		historyLimit:    historyLimit,
		sharedFiles:     make(map[string]*FileMeta),
		emptySince:      time.Now(),
	}
}

// Join adds a participant. The capacity check, the password check and the
// member's own liveness check happen atomically with the membership insert,
// and the member records its room back-reference inside the same critical
// section. A member that is unregistered after this returns carries the room
// id, so the disconnect cascade finds the membership to release.
func (r *Room) Join(m Member, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed {
		return errors.NewRoomNotFoundError(r.ID)
	}

	id := m.MemberID()
	if _, already := r.participants[id]; already {
		return errors.New(errors.ErrCodeAlreadyInRoom, "already a member of this room")
	}

	if r.passwordHash != nil {
		if err := bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)); err != nil {
			return errors.NewBadPasswordError()
		}
	}

	if r.MaxParticipants > 0 && len(r.participants) >= r.MaxParticipants {
		return errors.NewRoomFullError(r.ID)
	}

	if !m.EnterRoom(r.ID) {
		return errors.NewParticipantNotFoundError(id)
	}

	r.participants[id] = struct{}{}
	return nil
}

// Leave removes a participant. Returns whether the leaver held the presenter
// slot; the caller is responsible for tearing the presentation down.
func (r *Room) Leave(participantID string) (wasPresenter bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.participants[participantID]; !member {
		return false, errors.New(errors.ErrCodeNotRoomMember, "not a member of this room")
	}

	delete(r.participants, participantID)

	if r.presenterID == participantID {
		r.presenterID = ""
		wasPresenter = true
	}

	if len(r.participants) == 0 {
		r.emptySince = time.Now()
	}
	return wasPresenter, nil
}

// HasMember reports whether the participant is currently a member
func (r *Room) HasMember(participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[participantID]
	return ok
}

// Members returns the current membership as a slice of participant ids
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.participants))
	for id := range r.participants {
		out = append(out, id)
	}
	return out
}

// MemberCount returns the number of current members
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// RequestPresenter grants the presenter slot first-come-first-served.
// At most one grant is outstanding per room.
func (r *Room) RequestPresenter(participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.participants[participantID]; !member {
		return errors.New(errors.ErrCodeNotRoomMember, "presenter must be a room member")
	}

	if r.presenterID != "" {
		return errors.NewAlreadyPresentingError(r.presenterID)
	}

	r.presenterID = participantID
	return nil
}

// ReleasePresenter clears the presenter slot if held by the given participant
func (r *Room) ReleasePresenter(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.presenterID != participantID {
		return false
	}
	r.presenterID = ""
	return true
}

// Presenter returns the current presenter id, empty when nobody presents
func (r *Room) Presenter() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presenterID
}

// AppendChat validates membership, appends an entry, and evicts the oldest
// entries beyond the history bound. Append order is server receipt order.
func (r *Room) AppendChat(senderID, senderName, text string) (*ChatEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.participants[senderID]; !member {
		return nil, errors.New(errors.ErrCodeNotRoomMember, "chat sender is not a room member")
	}

	entry := ChatEntry{
		ID:         uuid.New().String(),
		RoomID:     r.ID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  time.Now(),
	}

	r.chat = append(r.chat, entry)
	if r.historyLimit > 0 && len(r.chat) > r.historyLimit {
		overflow := len(r.chat) - r.historyLimit
		r.chat = append(r.chat[:0:0], r.chat[overflow:]...)
	}

	return &entry, nil
}

// History returns a copy of the chat history in append order
func (r *Room) History() []ChatEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ChatEntry, len(r.chat))
	copy(out, r.chat)
	return out
}

// AddSharedFile indexes a completed upload
func (r *Room) AddSharedFile(meta *FileMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharedFiles[meta.ID] = meta
}

// SharedFile returns a shared file by id
func (r *Room) SharedFile(fileID string) (*FileMeta, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.sharedFiles[fileID]
	if !ok {
		return nil, errors.NewFileNotFoundError(fileID)
	}
	return meta, nil
}

// SharedFiles returns all files shared into the room
func (r *Room) SharedFiles() []*FileMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*FileMeta, 0, len(r.sharedFiles))
	for _, meta := range r.sharedFiles {
		out = append(out, meta)
	}
	return out
}

// IsEmpty reports whether the room has no members
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}

// closeIfIdle atomically closes the room when it has been empty longer than
// grace. A join that lands before the close wins; the room survives.
func (r *Room) closeIfIdle(grace time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isClosed || len(r.participants) > 0 {
		return false
	}
	if time.Since(r.emptySince) < grace {
		return false
	}

	r.isClosed = true
	return true
}

// Close marks the room closed; subsequent joins fail
func (r *Room) Close() {
	r.mu.Lock()
	r.isClosed = true
	r.mu.Unlock()
}

// IsClosed reports whether the room has been removed
func (r *Room) IsClosed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isClosed
}
