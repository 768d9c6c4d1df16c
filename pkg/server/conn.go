package server

import (
	"net"
	"sync"
	"time"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/session"
)

// connState is the per-connection protocol state
type connState int

const (
	// stateConnected is the initial state, before REGISTER
	stateConnected connState = iota
	// stateRegistered means the participant has a name and an id
	stateRegistered
	// stateInRoom means the participant is a member of a room
	stateInRoom
	// stateDisconnected is terminal
	stateDisconnected
)

// Transport carries framed control messages to one peer. The TCP path framing
// lives in tcpTransport; the WebSocket bridge provides its own.
type Transport interface {
	// WriteMessage delivers one message to the peer
	WriteMessage(m *protocol.Message) error

	// Close closes the underlying socket
	Close() error
}

// Conn is one control connection. A single goroutine reads and dispatches
// messages in order; writes from any goroutine are serialized by writeMu.
type Conn struct {
	transport Transport
	// raw is set only for native TCP connections; the bridge drives dispatch
	// through HandleMessage instead of readLoop
	raw    net.Conn
	server *Server
	logger logger.Logger

	// state is the connection's position in the protocol state machine
	state connState
	// participant is set once registered
	participant *session.Participant
	// stateMu protects state and participant
	stateMu sync.RWMutex

	// writeMu serializes frame writes
	writeMu sync.Mutex

	closeOnce sync.Once
}

func newConn(raw net.Conn, s *Server) *Conn {
	return &Conn{
		transport: &tcpTransport{raw: raw, writeTimeout: s.cfg.Server.WriteTimeout},
		raw:       raw,
		server:    s,
		logger:    s.logger,
		state:     stateConnected,
	}
}

// Attach registers an externally transported connection, such as a WebSocket
// client, into the control core. The caller drives dispatch by calling
// HandleMessage with each inbound message and Close when the peer is gone.
func (s *Server) Attach(tr Transport) *Conn {
	c := &Conn{
		transport: tr,
		server:    s,
		logger:    s.logger,
		state:     stateConnected,
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// HandleMessage dispatches one inbound message on behalf of an attached
// transport. Callers must serialize calls per connection.
func (c *Conn) HandleMessage(m *protocol.Message) {
	c.dispatch(m)
}

// SendMessage writes one framed message to the peer. Implements the
// connection handle participants are reachable through.
func (c *Conn) SendMessage(m *protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.WriteMessage(m)
}

// Close tears the connection down and runs the disconnect cascade exactly once
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.transport.Close()
		c.disconnect()
	})
	return nil
}

// tcpTransport frames messages onto a raw TCP socket
type tcpTransport struct {
	raw          net.Conn
	writeTimeout time.Duration
}

func (t *tcpTransport) WriteMessage(m *protocol.Message) error {
	if t.writeTimeout > 0 {
		t.raw.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.Write(t.raw, m)
}

func (t *tcpTransport) Close() error {
	return t.raw.Close()
}

func (c *Conn) setState(s connState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Conn) getState() connState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// readLoop is the connection's single reader. Messages are processed in
// arrival order; the loop ends on socket close, an oversized frame, or
// server shutdown.
func (c *Conn) readLoop() {
	defer c.Close()

	dec := protocol.NewDecoder(c.server.cfg.Server.MaxFrameSize)
	buf := make([]byte, 32*1024)

	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			if !c.drain(dec) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drain dispatches every complete frame in the decoder. Returns false when
// the connection must close.
func (c *Conn) drain(dec *protocol.Decoder) bool {
	for {
		m, err := dec.Next()
		if err != nil {
			if errors.IsErrorCode(err, errors.ErrCodeFrameTooLarge) {
				// A lying length prefix poisons the rest of the stream
				c.logger.Warn("Closing connection on oversized frame", logger.Err(err))
				return false
			}
			// Malformed body: drop the frame, tell the peer, keep reading
			c.logger.Warn("Dropping malformed frame", logger.Err(err))
			c.SendMessage(protocol.NewError(int(errors.GetErrorCode(err)), err.Error()))
			continue
		}
		if m == nil {
			return true
		}
		c.dispatch(m)
	}
}

// disconnect runs the cleanup cascade for a closed connection: registry
// entry, room membership, presenter slot, in-flight transfers, media
// endpoint. USER_LEFT goes out at most once, here or in the explicit leave.
func (c *Conn) disconnect() {
	c.stateMu.Lock()
	p := c.participant
	c.state = stateDisconnected
	c.participant = nil
	c.stateMu.Unlock()

	c.server.removeConn(c)

	if p == nil {
		return
	}

	// Unregister marks the participant offline before the room cleanup, so a
	// join racing this close either fails its liveness check inside the room
	// lock or leaves a back-reference for leaveRoom to release. The cleanup
	// keys off that back-reference, not the connection state this goroutine
	// last observed.
	c.server.sessions.Unregister(p.ID)
	c.server.leaveRoom(p, true)
	c.server.transfers.CancelOwnedBy(p.ID)
	c.server.media.Deregister(p.WireID)

	c.logger.Info("Participant disconnected",
		logger.String("participant_id", p.ID),
		logger.String("display_name", p.DisplayName),
	)
}
