package presenter

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/ports"
)

// frameHeaderSize is the big-endian length prefix on every screen frame
const frameHeaderSize = 4

// Session carries the sockets behind one active presentation. One per room,
// torn down as a unit when the presenter stops or disconnects.
type Session struct {
	// RoomID is the room the presentation belongs to
	RoomID string
	// PresenterID is the participant driving the frame source
	PresenterID string
	// FramePort receives the presenter's frame stream
	FramePort int
	// ViewPort accepts viewer connections
	ViewPort int

	frameLn net.Listener
	viewLn  net.Listener

	// viewers holds connected viewer sockets, keyed for removal
	viewers map[net.Conn]struct{}
	// mu protects viewers and closed
	mu sync.Mutex
	// closed flips once on teardown
	closed bool

	// Stopped is invoked exactly once when the session ends for any reason
	Stopped func(s *Session)

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Relay manages presentation sessions, at most one per room
type Relay struct {
	cfg    config.PresenterConfig
	ports  *ports.Allocator
	logger logger.Logger

	// sessions maps room id to its active session
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewRelay creates a presenter relay
func NewRelay(cfg config.PresenterConfig, alloc *ports.Allocator, log logger.Logger) *Relay {
	return &Relay{
		cfg:      cfg,
		ports:    alloc,
		logger:   log,
		sessions: make(map[string]*Session),
	}
}

// Start opens a session for the given room: one listener for the presenter's
// frame stream and one for viewers. The returned session carries both port
// numbers for the grant reply.
func (r *Relay) Start(roomID, presenterID string, stopped func(s *Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[roomID]; ok {
		return nil, errors.NewAlreadyPresentingError(existing.PresenterID)
	}

	framePort, frameLn, err := r.listen()
	if err != nil {
		return nil, err
	}
	viewPort, viewLn, err := r.listen()
	if err != nil {
		frameLn.Close()
		r.ports.Release(framePort)
		return nil, err
	}

	s := &Session{
		RoomID:      roomID,
		PresenterID: presenterID,
		FramePort:   framePort,
		ViewPort:    viewPort,
		frameLn:     frameLn,
		viewLn:      viewLn,
		viewers:     make(map[net.Conn]struct{}),
		Stopped:     stopped,
	}
	r.sessions[roomID] = s

	s.wg.Add(2)
	go r.runPresenter(s)
	go r.acceptViewers(s)

	r.logger.Info("Presentation started",
		logger.String("room_id", roomID),
		logger.String("presenter_id", presenterID),
		logger.Int("frame_port", framePort),
		logger.Int("view_port", viewPort),
	)
	return s, nil
}

// Stop ends the room's presentation if presenterID owns it
func (r *Relay) Stop(roomID, presenterID string) error {
	r.mu.RLock()
	s, ok := r.sessions[roomID]
	r.mu.RUnlock()

	if !ok || s.PresenterID != presenterID {
		return errors.New(errors.ErrCodeNotPresenting,
			fmt.Sprintf("no presentation owned by %s in room %s", presenterID, roomID))
	}
	r.teardown(s)
	return nil
}

// StopRoom ends whatever presentation the room has, if any. Used when the
// room itself closes.
func (r *Relay) StopRoom(roomID string) {
	r.mu.RLock()
	s, ok := r.sessions[roomID]
	r.mu.RUnlock()
	if ok {
		r.teardown(s)
	}
}

// Session returns the room's active session, if any
func (r *Relay) Session(roomID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[roomID]
	return s, ok
}

// Shutdown tears down every session and waits for the pumps to exit
func (r *Relay) Shutdown() {
	r.mu.RLock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.RUnlock()

	for _, s := range all {
		r.teardown(s)
	}
	for _, s := range all {
		s.wg.Wait()
	}
}

func (r *Relay) listen() (int, net.Listener, error) {
	port, err := r.ports.Acquire()
	if err != nil {
		return 0, nil, err
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		r.ports.Release(port)
		return 0, nil, errors.NewNetworkError("failed to bind presentation port", err)
	}
	return port, ln, nil
}

// teardown closes the session's sockets and frees both ports. Safe to call
// from multiple goroutines; only the first call does the work.
func (r *Relay) teardown(s *Session) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		viewers := make([]net.Conn, 0, len(s.viewers))
		for c := range s.viewers {
			viewers = append(viewers, c)
		}
		s.viewers = make(map[net.Conn]struct{})
		s.mu.Unlock()

		s.frameLn.Close()
		s.viewLn.Close()
		for _, c := range viewers {
			c.Close()
		}

		r.mu.Lock()
		if r.sessions[s.RoomID] == s {
			delete(r.sessions, s.RoomID)
		}
		r.mu.Unlock()

		r.ports.Release(s.FramePort)
		r.ports.Release(s.ViewPort)

		r.logger.Info("Presentation stopped",
			logger.String("room_id", s.RoomID),
			logger.String("presenter_id", s.PresenterID),
		)

		if s.Stopped != nil {
			s.Stopped(s)
		}
	})
}

// runPresenter accepts the single presenter connection and pumps its frames
// to the viewers until the stream ends
func (r *Relay) runPresenter(s *Session) {
	defer s.wg.Done()
	defer r.teardown(s)

	if tcp, ok := s.frameLn.(*net.TCPListener); ok && r.cfg.AcceptTTL > 0 {
		tcp.SetDeadline(time.Now().Add(r.cfg.AcceptTTL))
	}
	conn, err := s.frameLn.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	// Only the one presenter feeds frames; later connections are refused
	s.frameLn.Close()

	header := make([]byte, frameHeaderSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			return
		}
		size := binary.BigEndian.Uint32(header)
		if size == 0 || (r.cfg.MaxFrameSize > 0 && int(size) > r.cfg.MaxFrameSize) {
			r.logger.Warn("Dropping presentation with bad frame size",
				logger.String("room_id", s.RoomID),
				logger.Uint32("size", size),
			)
			return
		}

		frame := make([]byte, frameHeaderSize+int(size))
		copy(frame, header)
		if _, err := io.ReadFull(conn, frame[frameHeaderSize:]); err != nil {
			return
		}

		r.fanOut(s, frame)
	}
}

// fanOut writes one framed screen frame to every viewer. A viewer whose
// write fails or stalls past the deadline is dropped so it cannot hold up
// the presenter.
func (r *Relay) fanOut(s *Session, frame []byte) {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.viewers))
	for c := range s.viewers {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var dead []net.Conn
	for _, c := range conns {
		if r.cfg.ViewerWriteTimeout > 0 {
			c.SetWriteDeadline(time.Now().Add(r.cfg.ViewerWriteTimeout))
		}
		if _, err := c.Write(frame); err != nil {
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		s.mu.Lock()
		for _, c := range dead {
			delete(s.viewers, c)
		}
		s.mu.Unlock()
		for _, c := range dead {
			c.Close()
		}
		r.logger.Debug("Dropped slow viewers",
			logger.String("room_id", s.RoomID),
			logger.Int("count", len(dead)),
		)
	}
}

// acceptViewers admits viewer connections until the session ends
func (r *Relay) acceptViewers(s *Session) {
	defer s.wg.Done()

	for {
		conn, err := s.viewLn.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.viewers[conn] = struct{}{}
		n := len(s.viewers)
		s.mu.Unlock()

		r.logger.Debug("Viewer connected",
			logger.String("room_id", s.RoomID),
			logger.Int("viewers", n),
		)
	}
}
