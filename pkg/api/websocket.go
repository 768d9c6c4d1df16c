// Package api exposes the WebSocket bridge: browser clients exchange the same
// control messages as native TCP clients, carried as JSON text frames instead
// of length-prefixed binary ones. Each bridge client is attached to the
// control core as an ordinary connection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/server"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the per-frame write deadline
	writeTimeout = 10 * time.Second
	// pongTimeout is the read deadline refreshed on every pong
	pongTimeout = 60 * time.Second
	// pingInterval must be shorter than pongTimeout
	pingInterval = 54 * time.Second
	// sendBuffer is the per-client outbound queue depth
	sendBuffer = 256
)

// Bridge serves the WebSocket endpoint and attaches clients to the control
// server
type Bridge struct {
	control *server.Server
	httpSrv *http.Server
	addr    net.Addr
	logger  logger.Logger

	upgrader websocket.Upgrader
}

// NewBridge creates a bridge in front of the given control server
func NewBridge(control *server.Server, log logger.Logger) *Bridge {
	return &Bridge{
		control: control,
		logger:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// LAN deployment; origins are not meaningful here
				return true
			},
		},
	}
}

// Start serves the /ws endpoint on the given host and port
func (b *Bridge) Start(host string, port int) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWebSocket)

	b.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: mux,
	}

	ln, err := net.Listen("tcp", b.httpSrv.Addr)
	if err != nil {
		return errors.NewNetworkError("failed to bind websocket listener", err)
	}
	b.addr = ln.Addr()

	go func() {
		if err := b.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.logger.Error("WebSocket bridge stopped", logger.Err(err))
		}
	}()

	b.logger.Info("WebSocket bridge started", logger.String("addr", b.httpSrv.Addr))
	return nil
}

// Addr returns the bound listener address, for tests that bind port 0
func (b *Bridge) Addr() net.Addr {
	return b.addr
}

// Stop shuts the HTTP server down; attached clients are closed by the
// control server's own shutdown
func (b *Bridge) Stop() {
	if b.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b.httpSrv.Shutdown(ctx)
}

func (b *Bridge) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("Failed to upgrade connection", logger.Err(err))
		return
	}

	client := &wsClient{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		logger: b.logger,
	}
	client.conn = b.control.Attach(client)

	b.logger.Info("WebSocket client connected",
		logger.String("remote", ws.RemoteAddr().String()),
	)

	go client.writePump()
	go client.readPump()
}

// wsClient is one bridged browser connection. It implements the control
// server's transport: outbound messages are marshaled to JSON text frames.
type wsClient struct {
	ws     *websocket.Conn
	conn   *server.Conn
	send   chan []byte
	logger logger.Logger
}

// WriteMessage queues one message for the write pump. A client whose queue
// is full is dropped rather than allowed to block a room broadcast.
func (c *wsClient) WriteMessage(m *protocol.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		return fmt.Errorf("send queue full")
	}
}

// Close closes the socket; the write pump drains and exits
func (c *wsClient) Close() error {
	return c.ws.Close()
}

// readPump decodes inbound JSON frames and feeds them to the control core
// in arrival order
func (c *wsClient) readPump() {
	defer c.conn.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read failed", logger.Err(err))
			}
			return
		}

		var m protocol.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.WriteMessage(protocol.NewError(int(errors.ErrCodeMalformedFrame), "malformed message"))
			continue
		}
		c.conn.HandleMessage(&m)
	}
}

// writePump is the only goroutine writing to the socket
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
