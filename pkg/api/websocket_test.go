package api

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/server"
	"github.com/gorilla/websocket"
)

func startBridge(t *testing.T) (*server.Server, *Bridge) {
	t.Helper()

	cfg := *config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.PortRangeStart = 42700
	cfg.Server.PortRangeEnd = 42799
	cfg.Media.Host = "127.0.0.1"
	cfg.Media.VideoPort = 0
	cfg.Media.AudioPort = 0
	cfg.Storage.Type = "local"
	cfg.Storage.BasePath = t.TempDir()

	ctrl, err := server.New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(ctrl.Stop)

	b := NewBridge(ctrl, logger.Nop())
	if err := b.Start("127.0.0.1", 0); err != nil {
		t.Fatalf("Failed to start bridge: %v", err)
	}
	t.Cleanup(b.Stop)

	return ctrl, b
}

type wsTestClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialBridge(t *testing.T, b *Bridge) *wsTestClient {
	t.Helper()

	url := fmt.Sprintf("ws://%s/ws", b.Addr().String())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial bridge: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return &wsTestClient{t: t, ws: ws}
}

func (c *wsTestClient) send(m *protocol.Message) {
	c.t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		c.t.Fatalf("Marshal failed: %v", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("Write failed: %v", err)
	}
}

func (c *wsTestClient) recv() *protocol.Message {
	c.t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("Read failed: %v", err)
	}
	var m protocol.Message
	if err := json.Unmarshal(data, &m); err != nil {
		c.t.Fatalf("Unmarshal failed: %v", err)
	}
	return &m
}

func TestBridgeRegisterAndCreateRoom(t *testing.T) {
	ctrl, b := startBridge(t)

	c := dialBridge(t, b)
	c.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": "browser-user",
	}))

	reply := c.recv()
	if reply.Type != protocol.TypeSuccess {
		t.Fatalf("Expected SUCCESS, got %s: %v", reply.Type, reply.Data)
	}
	if reply.GetString("participant_id") == "" {
		t.Fatal("Register reply carried no participant id")
	}

	c.send(protocol.New(protocol.TypeRoomCreate, map[string]interface{}{
		"name": "browser-room",
	}))
	reply = c.recv()
	if reply.Type != protocol.TypeSuccess || reply.GetString("room_id") == "" {
		t.Fatalf("Room create over the bridge failed: %v", reply.Data)
	}

	if ctrl.Rooms().Count() != 1 {
		t.Errorf("Expected 1 room, got %d", ctrl.Rooms().Count())
	}
}

func TestBridgeAndTCPClientsShareRooms(t *testing.T) {
	ctrl, b := startBridge(t)

	// Browser participant creates the room
	w := dialBridge(t, b)
	w.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": "browser-user",
	}))
	w.recv()
	w.send(protocol.New(protocol.TypeRoomCreate, map[string]interface{}{
		"name": "mixed",
	}))
	roomID := w.recv().GetString("room_id")
	if roomID == "" {
		t.Fatal("No room id from bridge client")
	}

	// The room is visible in the registry both sides share
	r, err := ctrl.Rooms().Get(roomID)
	if err != nil {
		t.Fatalf("Room not found: %v", err)
	}
	if r.MemberCount() != 1 {
		t.Errorf("Expected 1 member, got %d", r.MemberCount())
	}
}

func TestBridgeMalformedFrameKeepsConnection(t *testing.T) {
	_, b := startBridge(t)

	c := dialBridge(t, b)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	reply := c.recv()
	if reply.Type != protocol.TypeError {
		t.Fatalf("Expected ERROR for malformed frame, got %s", reply.Type)
	}

	// The connection still works
	c.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": "survivor",
	}))
	if reply := c.recv(); reply.Type != protocol.TypeSuccess {
		t.Errorf("Register after malformed frame failed: %v", reply.Data)
	}
}
