// Package server implements the TCP control plane of the meeting server: the
// accept loop, the per-connection state machine, the message dispatch table
// and the liveness and idle-room sweeps. It owns the registries and wires the
// media, transfer and presenter subsystems together.
package server

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/media"
	"github.com/aminofox/lanmeet/pkg/ports"
	"github.com/aminofox/lanmeet/pkg/presenter"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/session"
	"github.com/aminofox/lanmeet/pkg/storage"
	"github.com/aminofox/lanmeet/pkg/transfer"
)

// Server is the control server. It owns all registries; handlers reach shared
// state only through them.
type Server struct {
	cfg    config.Config
	logger logger.Logger

	sessions   *session.Registry
	rooms      *room.Registry
	media      *media.Relay
	transfers  *transfer.Manager
	presenters *presenter.Relay
	ports      *ports.Allocator

	listener net.Listener
	// conns tracks live control connections for shutdown
	conns map[*Conn]struct{}
	mu    sync.Mutex

	// hostID is the colocated participant's id in host mode, empty otherwise
	hostID string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a fully wired server from the configuration. The storage backend
// is created here and handed to the transfer manager.
func New(cfg config.Config, log logger.Logger) (*Server, error) {
	store, err := storage.New(cfg.Storage, log)
	if err != nil {
		return nil, err
	}

	alloc := ports.NewAllocator(cfg.Server.PortRangeStart, cfg.Server.PortRangeEnd)
	sessions := session.NewRegistry(log)
	rooms := room.NewRegistry(cfg.Rooms.ChatHistoryLimit, cfg.Rooms.EmptyGracePeriod, log)

	s := &Server{
		cfg:        cfg,
		logger:     log,
		sessions:   sessions,
		rooms:      rooms,
		media:      media.NewRelay(cfg.Media, sessions, rooms, log),
		transfers:  transfer.NewManager(cfg.Transfer, store, alloc, log),
		presenters: presenter.NewRelay(cfg.Presenter, alloc, log),
		ports:      alloc,
		conns:      make(map[*Conn]struct{}),
		done:       make(chan struct{}),
	}

	s.transfers.UploadCompleted = s.onUploadCompleted
	s.transfers.UploadFailed = s.onUploadFailed
	return s, nil
}

// Sessions exposes the participant registry, for the WebSocket bridge
func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// Rooms exposes the room registry
func (s *Server) Rooms() *room.Registry {
	return s.rooms
}

// Start binds the control listener and the media sockets and launches the
// accept loop and the background sweeps
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.NewNetworkError("failed to bind control listener", err)
	}
	s.listener = ln

	if err := s.media.Start(s.cfg.Media.Host, s.cfg.Media.VideoPort, s.cfg.Media.AudioPort); err != nil {
		ln.Close()
		return err
	}

	if s.cfg.Server.HostMode {
		s.registerHostParticipant()
	}

	s.wg.Add(3)
	go s.acceptLoop()
	go s.livenessSweep()
	go s.roomSweep()

	s.logger.Info("Control server started",
		logger.String("addr", addr),
		logger.Int("video_port", s.media.VideoPort()),
		logger.Int("audio_port", s.media.AudioPort()),
	)
	return nil
}

// Addr returns the control listener address, for tests that bind port 0
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop shuts everything down: listener, connections, relays, transfers.
// Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	close(s.done)
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	open := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.Close()
	}

	s.presenters.Shutdown()
	s.transfers.Shutdown()
	s.media.Stop()
	s.rooms.Shutdown()
	s.wg.Wait()

	s.logger.Info("Control server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Warn("Accept failed", logger.Err(err))
			continue
		}

		c := newConn(raw, s)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.readLoop()
		}()
	}
}

// removeConn drops the connection from the live set
func (s *Server) removeConn(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// livenessSweep force-disconnects connections whose last heartbeat is older
// than the timeout. Closing the socket drives the normal disconnect cascade,
// so USER_LEFT goes out exactly once per participant.
func (s *Server) livenessSweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Server.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			// The in-process host participant has no heartbeat source
			if s.hostID != "" {
				s.sessions.Touch(s.hostID)
			}
			for _, p := range s.sessions.Expired(s.cfg.Server.HeartbeatTimeout) {
				s.logger.Info("Disconnecting unresponsive participant",
					logger.String("participant_id", p.ID),
					logger.String("display_name", p.DisplayName),
				)
				p.CloseConn()
			}
		}
	}
}

// roomSweep removes rooms that have been empty past the grace period and
// tears down any presentation they still carry
func (s *Server) roomSweep() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Rooms.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			for _, roomID := range s.rooms.Sweep() {
				s.presenters.StopRoom(roomID)
			}
		}
	}
}

// broadcast sends a message to every member of a room except the ones in
// skip. A member whose send fails is treated as implicitly disconnected and
// its socket is closed, which drives the normal cleanup cascade.
func (s *Server) broadcast(r *room.Room, m *protocol.Message, skip ...string) {
	skipSet := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipSet[id] = struct{}{}
	}

	var dead []*session.Participant
	for _, memberID := range r.Members() {
		if _, ok := skipSet[memberID]; ok {
			continue
		}
		p, err := s.sessions.Get(memberID)
		if err != nil {
			continue
		}
		if err := p.Send(m); err != nil {
			dead = append(dead, p)
		}
	}

	for _, p := range dead {
		s.logger.Warn("Dropping member after failed send",
			logger.String("participant_id", p.ID),
			logger.String("room_id", r.ID),
		)
		p.CloseConn()
	}
}

// onUploadCompleted publishes a verified upload to its room
func (s *Server) onUploadCompleted(t *transfer.Transfer, meta *room.FileMeta) {
	r, err := s.rooms.Get(t.RoomID)
	if err != nil {
		// Room vanished while the upload was in flight; the payload stays
		// in storage but is not announced
		s.logger.Warn("Upload completed for a closed room",
			logger.String("room_id", t.RoomID),
			logger.String("file_id", meta.ID),
		)
		return
	}
	r.AddSharedFile(meta)

	m := protocol.New(protocol.TypeFileAvailable, map[string]interface{}{
		"file_id":  meta.ID,
		"filename": meta.Name,
		"size":     meta.Size,
		"checksum": meta.Checksum,
		"owner_id": meta.OwnerID,
	})
	m.RoomID = r.ID
	s.broadcast(r, m)
}

// onUploadFailed notifies the owner that their upload did not complete
func (s *Server) onUploadFailed(t *transfer.Transfer, err error) {
	p, gerr := s.sessions.Get(t.OwnerID)
	if gerr != nil {
		return
	}
	m := protocol.NewError(int(errors.GetErrorCode(err)), err.Error())
	m.Data["transfer_id"] = t.ID
	m.Data["filename"] = t.Filename
	p.Send(m)
}

// registerHostParticipant registers the server process itself as an ordinary
// participant. Host mode is just a colocated participant, not a separate
// code path.
func (s *Server) registerHostParticipant() {
	name := s.cfg.Server.HostDisplayName
	if name == "" {
		name = "host"
	}
	p, err := s.sessions.Register(name, &hostConn{logger: s.logger})
	if err != nil {
		s.logger.Warn("Failed to register host participant", logger.Err(err))
		return
	}
	s.hostID = p.ID
	s.logger.Info("Host participant registered",
		logger.String("participant_id", p.ID),
		logger.String("display_name", name),
	)
}

// hostConn is the in-process connection behind the host-mode participant.
// Messages addressed to the host are consumed locally.
type hostConn struct {
	logger logger.Logger
}

func (h *hostConn) SendMessage(m *protocol.Message) error {
	h.logger.Debug("Host message", logger.String("type", string(m.Type)))
	return nil
}

func (h *hostConn) Close() error {
	return nil
}
