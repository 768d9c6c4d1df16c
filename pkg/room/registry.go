package room

import (
	"strings"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"golang.org/x/crypto/bcrypt"
)

// Registry manages all rooms in the system
type Registry struct {
	// rooms stores rooms by id
	rooms map[string]*Room
	// historyLimit bounds each room's chat history
	historyLimit int
	// grace is how long an empty room survives before the sweep removes it
	grace time.Duration
	// logger for registry events
	logger logger.Logger
	// mu protects the rooms map
	mu sync.RWMutex
}

// NewRegistry creates an empty room registry
func NewRegistry(historyLimit int, grace time.Duration, log logger.Logger) *Registry {
	return &Registry{
		rooms:        make(map[string]*Room),
		historyLimit: historyLimit,
		grace:        grace,
		logger:       log,
	}
}

// Create creates a room owned by the given participant. A non-empty password
// makes the room private; the password is stored only as a bcrypt hash.
func (reg *Registry) Create(name, ownerID string, password string, maxParticipants int) (*Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New(errors.ErrCodeRoomNameRequired, "room name is required")
	}

	var passwordHash []byte
	isPrivate := password != ""
	if isPrivate {
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeUnknown, "failed to hash room password", err)
		}
		passwordHash = hash
	}

	room := newRoom(name, ownerID, isPrivate, passwordHash, maxParticipants, reg.historyLimit)

	reg.mu.Lock()
	reg.rooms[room.ID] = room
	reg.mu.Unlock()

	reg.logger.Info("Room created",
		logger.String("room_id", room.ID),
		logger.String("name", name),
		logger.String("owner_id", ownerID),
		logger.Bool("private", isPrivate),
	)

	return room, nil
}

// Get returns a room by id
func (reg *Registry) Get(roomID string) (*Room, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	room, exists := reg.rooms[roomID]
	if !exists || room.IsClosed() {
		return nil, errors.NewRoomNotFoundError(roomID)
	}
	return room, nil
}

// Join adds a participant to a room, checking password, capacity and member
// liveness atomically with the insert
func (reg *Registry) Join(roomID string, m Member, password string) (*Room, error) {
	room, err := reg.Get(roomID)
	if err != nil {
		return nil, err
	}

	if err := room.Join(m, password); err != nil {
		return nil, err
	}
	return room, nil
}

// Leave removes a participant from a room. Returns the room and whether the
// leaver held the presenter slot.
func (reg *Registry) Leave(roomID, participantID string) (*Room, bool, error) {
	room, err := reg.Get(roomID)
	if err != nil {
		return nil, false, err
	}

	wasPresenter, err := room.Leave(participantID)
	if err != nil {
		return nil, false, err
	}
	return room, wasPresenter, nil
}

// List returns all open rooms
func (reg *Registry) List() []*Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	out := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		if !room.IsClosed() {
			out = append(out, room)
		}
	}
	return out
}

// Count returns the number of open rooms
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// Sweep removes rooms that have been empty for longer than the grace period.
// A room that regains a member before its close wins the race and survives.
// Returns the ids of removed rooms.
func (reg *Registry) Sweep() []string {
	reg.mu.RLock()
	candidates := make([]*Room, 0)
	for _, room := range reg.rooms {
		if room.IsEmpty() {
			candidates = append(candidates, room)
		}
	}
	reg.mu.RUnlock()

	var removed []string
	for _, room := range candidates {
		if room.closeIfIdle(reg.grace) {
			reg.mu.Lock()
			delete(reg.rooms, room.ID)
			reg.mu.Unlock()

			removed = append(removed, room.ID)
			reg.logger.Info("Idle room removed",
				logger.String("room_id", room.ID),
				logger.String("name", room.Name),
			)
		}
	}
	return removed
}

// Shutdown closes all rooms
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, room := range reg.rooms {
		room.Close()
	}
	reg.rooms = make(map[string]*Room)
}
