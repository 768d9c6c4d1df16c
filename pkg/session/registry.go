package session

import (
	"strings"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/google/uuid"
)

// Registry maps connections to participant identities. All mutation is
// serialized behind a single lock so concurrent registrations cannot race
// on the name index.
type Registry struct {
	// participants stores participants by id
	participants map[string]*Participant
	// names indexes online participants by lower-cased display name
	names map[string]string
	// wires indexes participants by media wire handle
	wires map[uint32]string
	// nextWire is the next media wire handle to assign
	nextWire uint32
	// logger for registry events
	logger logger.Logger
	// mu protects all maps
	mu sync.RWMutex
}

// NewRegistry creates an empty participant registry
func NewRegistry(log logger.Logger) *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
		names:        make(map[string]string),
		wires:        make(map[uint32]string),
		nextWire:     1,
		logger:       log,
	}
}

// Register creates a participant for a connection. The display name is
// checked against currently-online participants only; a name whose prior
// holder has unregistered is reclaimable.
func (r *Registry) Register(displayName string, conn MessageSender) (*Participant, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return nil, errors.NewValidationError("display name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	nameKey := strings.ToLower(displayName)
	if _, taken := r.names[nameKey]; taken {
		return nil, errors.NewNameTakenError(displayName)
	}

	now := time.Now()
	p := &Participant{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		WireID:      r.nextWire,
		IsOnline:    true,
		JoinedAt:    now,
		LastSeen:    now,
		Permissions: make(map[string]bool),
		conn:        conn,
	}
	r.nextWire++

	r.participants[p.ID] = p
	r.names[nameKey] = p.ID
	r.wires[p.WireID] = p.ID

	r.logger.Info("Participant registered",
		logger.String("participant_id", p.ID),
		logger.String("display_name", displayName),
		logger.Uint32("wire_id", p.WireID),
	)

	return p, nil
}

// Unregister removes a participant, freeing its display name and wire handle
func (r *Registry) Unregister(participantID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, exists := r.participants[participantID]
	if !exists {
		return errors.NewParticipantNotFoundError(participantID)
	}

	delete(r.participants, participantID)
	delete(r.names, strings.ToLower(p.DisplayName))
	delete(r.wires, p.WireID)

	p.mu.Lock()
	p.IsOnline = false
	p.conn = nil
	p.mu.Unlock()

	r.logger.Info("Participant unregistered",
		logger.String("participant_id", participantID),
		logger.String("display_name", p.DisplayName),
	)

	return nil
}

// Get returns a participant by id
func (r *Registry) Get(participantID string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.participants[participantID]
	if !exists {
		return nil, errors.NewParticipantNotFoundError(participantID)
	}
	return p, nil
}

// GetByWire returns a participant by media wire handle
func (r *Registry) GetByWire(wireID uint32) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.wires[wireID]
	if !ok {
		return nil, false
	}
	p, ok := r.participants[id]
	return p, ok
}

// GetByName returns an online participant by display name
func (r *Registry) GetByName(displayName string) (*Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.names[strings.ToLower(displayName)]
	if !ok {
		return nil, false
	}
	p, ok := r.participants[id]
	return p, ok
}

// Touch updates a participant's liveness timestamp
func (r *Registry) Touch(participantID string) {
	r.mu.RLock()
	p, exists := r.participants[participantID]
	r.mu.RUnlock()

	if exists {
		p.Touch()
	}
}

// List returns all registered participants
func (r *Registry) List() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// Count returns the number of registered participants
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Expired returns participants whose last heartbeat is older than timeout
func (r *Registry) Expired(timeout time.Duration) []*Participant {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var expired []*Participant
	for _, p := range r.participants {
		if p.LastSeenAt().Before(cutoff) {
			expired = append(expired, p)
		}
	}
	return expired
}
