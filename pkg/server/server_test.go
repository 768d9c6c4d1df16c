package server

import (
	"net"
	"testing"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/errors"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/protocol"
)

func testConfig(t *testing.T) config.Config {
	cfg := *config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.HeartbeatTimeout = time.Minute
	cfg.Server.SweepInterval = 50 * time.Millisecond
	cfg.Server.PortRangeStart = 42500
	cfg.Server.PortRangeEnd = 42599
	cfg.Media.Host = "127.0.0.1"
	cfg.Media.VideoPort = 0
	cfg.Media.AudioPort = 0
	cfg.Storage.Type = "local"
	cfg.Storage.BasePath = t.TempDir()
	return cfg
}

func startTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()

	s, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

// testClient speaks the framed control protocol over a real socket
type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
	buf  []byte
}

func dialClient(t *testing.T, s *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testClient{
		t:    t,
		conn: conn,
		dec:  protocol.NewDecoder(1 << 20),
		buf:  make([]byte, 32*1024),
	}
}

func (c *testClient) send(m *protocol.Message) {
	c.t.Helper()
	if err := protocol.Write(c.conn, m); err != nil {
		c.t.Fatalf("Failed to send %s: %v", m.Type, err)
	}
}

func (c *testClient) recv() *protocol.Message {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		m, err := c.dec.Next()
		if err != nil {
			c.t.Fatalf("Decode failed: %v", err)
		}
		if m != nil {
			return m
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(c.buf)
		if err != nil {
			c.t.Fatalf("Read failed: %v", err)
		}
		c.dec.Feed(c.buf[:n])
	}
}

// expect reads until a message of the wanted type arrives, failing on ERROR
func (c *testClient) expect(want protocol.Type) *protocol.Message {
	c.t.Helper()
	for {
		m := c.recv()
		if m.Type == want {
			return m
		}
		if m.Type == protocol.TypeError {
			c.t.Fatalf("Expected %s, got ERROR: %v", want, m.Data["reason"])
		}
	}
}

func (c *testClient) register(name string) string {
	c.t.Helper()
	c.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": name,
	}))
	reply := c.expect(protocol.TypeSuccess)
	id := reply.GetString("participant_id")
	if id == "" {
		c.t.Fatal("Register reply carried no participant id")
	}
	return id
}

func (c *testClient) createRoom(name string) string {
	c.t.Helper()
	c.send(protocol.New(protocol.TypeRoomCreate, map[string]interface{}{
		"name": name,
	}))
	reply := c.expect(protocol.TypeSuccess)
	roomID := reply.GetString("room_id")
	if roomID == "" {
		c.t.Fatal("Room create reply carried no room id")
	}
	return roomID
}

func (c *testClient) joinRoom(roomID string) {
	c.t.Helper()
	c.send(protocol.New(protocol.TypeRoomJoin, map[string]interface{}{
		"room_id": roomID,
	}))
	c.expect(protocol.TypeSuccess)
}

func TestRegisterNameCollisionKeepsConnectionOpen(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	a.register("alice")

	b := dialClient(t, s)
	b.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": "alice",
	}))
	reply := b.recv()
	if reply.Type != protocol.TypeError {
		t.Fatalf("Expected ERROR on name collision, got %s", reply.Type)
	}
	if reply.GetInt("code") != int(errors.ErrCodeNameTaken) {
		t.Errorf("Expected code %d, got %d", errors.ErrCodeNameTaken, reply.GetInt("code"))
	}

	// Same connection retries with a free name
	b.register("bob")
}

func TestUnknownTypeGetsErrorEcho(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	c := dialClient(t, s)
	c.register("alice")
	c.send(&protocol.Message{Type: "NO_SUCH_TYPE", MessageID: "x"})

	reply := c.recv()
	if reply.Type != protocol.TypeError {
		t.Fatalf("Expected ERROR, got %s", reply.Type)
	}
	if reply.GetInt("code") != int(errors.ErrCodeUnknownType) {
		t.Errorf("Expected code %d, got %d", errors.ErrCodeUnknownType, reply.GetInt("code"))
	}
}

func TestHandlersRejectByState(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	c := dialClient(t, s)

	// Not registered yet
	c.send(protocol.New(protocol.TypeRoomCreate, map[string]interface{}{"name": "standup"}))
	if reply := c.recv(); reply.GetInt("code") != int(errors.ErrCodeNotAuthenticated) {
		t.Errorf("Expected NotAuthenticated, got %v", reply.Data)
	}

	// Registered but not in a room
	c.register("alice")
	c.send(protocol.New(protocol.TypeChat, map[string]interface{}{"text": "hi"}))
	if reply := c.recv(); reply.GetInt("code") != int(errors.ErrCodeNotInRoom) {
		t.Errorf("Expected NotInRoom, got %v", reply.Data)
	}
}

func TestJoinChatLeaveScenario(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	aliceID := a.register("alice")
	roomID := a.createRoom("standup")

	b := dialClient(t, s)
	bobID := b.register("bob")
	b.joinRoom(roomID)

	// Alice sees bob join
	joined := a.expect(protocol.TypeUserJoined)
	if joined.GetString("participant_id") != bobID {
		t.Errorf("USER_JOINED names wrong participant: %v", joined.Data)
	}

	// Bob chats; alice receives it
	b.send(protocol.New(protocol.TypeChat, map[string]interface{}{"text": "hello room"}))
	b.expect(protocol.TypeSuccess)

	chat := a.expect(protocol.TypeChat)
	if chat.GetString("text") != "hello room" || chat.GetString("sender_id") != bobID {
		t.Errorf("Chat broadcast wrong: %v", chat.Data)
	}

	// History visible to a member
	b.send(protocol.New(protocol.TypeChatHistory, nil))
	hist := b.expect(protocol.TypeChatHistory)
	entries, ok := hist.Data["entries"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Errorf("Expected 1 history entry, got %v", hist.Data["entries"])
	}

	// Bob leaves; alice sees USER_LEFT, room still has alice
	b.send(protocol.New(protocol.TypeRoomLeave, nil))
	b.expect(protocol.TypeSuccess)

	left := a.expect(protocol.TypeUserLeft)
	if left.GetString("participant_id") != bobID {
		t.Errorf("USER_LEFT names wrong participant: %v", left.Data)
	}

	r, err := s.rooms.Get(roomID)
	if err != nil {
		t.Fatalf("Room vanished: %v", err)
	}
	if !r.HasMember(aliceID) || r.HasMember(bobID) {
		t.Errorf("Membership wrong after leave: %v", r.Members())
	}
}

func TestCloseDuringJoinReleasesMembership(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	a.register("alice")
	roomID := a.createRoom("standup")

	b := dialClient(t, s)
	bobID := b.register("bob")

	p, err := s.sessions.Get(bobID)
	if err != nil {
		t.Fatalf("Registered participant missing: %v", err)
	}
	r, err := s.rooms.Get(roomID)
	if err != nil {
		t.Fatalf("Room vanished: %v", err)
	}

	// Membership lands before the connection advances its state, exactly as
	// inside the join handler. A close in that window must still release it.
	if _, err := s.rooms.Join(roomID, p, ""); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	p.CloseConn()

	deadline := time.Now().Add(2 * time.Second)
	for r.HasMember(bobID) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.HasMember(bobID) {
		t.Fatalf("Disconnected participant still a room member: %v", r.Members())
	}
	if _, err := s.sessions.Get(bobID); err == nil {
		t.Error("Disconnected participant still registered")
	}

	// The other side of the race: once the cascade has unregistered the
	// participant, a late join cannot re-enter the room.
	c := dialClient(t, s)
	carolID := c.register("carol")
	cp, err := s.sessions.Get(carolID)
	if err != nil {
		t.Fatalf("Registered participant missing: %v", err)
	}
	s.sessions.Unregister(carolID)
	if _, err := s.rooms.Join(roomID, cp, ""); err == nil {
		t.Fatal("Join should fail for an unregistered participant")
	}
	if r.HasMember(carolID) {
		t.Errorf("Unregistered participant inserted into the room: %v", r.Members())
	}
}

func TestLivenessTimeoutBroadcastsUserLeftOnce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HeartbeatTimeout = 200 * time.Millisecond
	s := startTestServer(t, cfg)

	a := dialClient(t, s)
	a.register("alice")
	roomID := a.createRoom("standup")

	b := dialClient(t, s)
	bobID := b.register("bob")
	b.joinRoom(roomID)
	a.expect(protocol.TypeUserJoined)

	// Alice keeps heartbeating while reading; bob goes silent. The sweep
	// must drop bob and broadcast USER_LEFT exactly once.
	var left []*protocol.Message
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && len(left) == 0 {
		a.send(protocol.New(protocol.TypeHeartbeat, nil))
		m := a.recv()
		if m.Type == protocol.TypeUserLeft {
			left = append(left, m)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(left) != 1 {
		t.Fatalf("Expected exactly one USER_LEFT, got %d", len(left))
	}
	if left[0].GetString("participant_id") != bobID {
		t.Errorf("USER_LEFT names wrong participant: %v", left[0].Data)
	}

	// No further USER_LEFT arrives
	for i := 0; i < 5; i++ {
		a.send(protocol.New(protocol.TypeHeartbeat, nil))
		if m := a.recv(); m.Type == protocol.TypeUserLeft {
			t.Fatal("USER_LEFT broadcast more than once")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// Registry and room no longer contain bob
	if _, err := s.sessions.Get(bobID); err == nil {
		t.Error("Expired participant still registered")
	}
	r, err := s.rooms.Get(roomID)
	if err != nil {
		t.Fatalf("Room vanished: %v", err)
	}
	if r.HasMember(bobID) {
		t.Error("Expired participant still a room member")
	}

	// Bob's name is reclaimable
	c := dialClient(t, s)
	c.register("bob")
}

func TestScreenShareGrantAndContention(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	a.register("alice")
	roomID := a.createRoom("standup")

	b := dialClient(t, s)
	b.register("bob")
	b.joinRoom(roomID)
	a.expect(protocol.TypeUserJoined)

	a.send(protocol.New(protocol.TypeScreenShareRequest, nil))
	granted := a.expect(protocol.TypeScreenShareGranted)
	if granted.GetInt("presenter_port") == 0 || granted.GetInt("viewer_port") == 0 {
		t.Errorf("Grant carried no ports: %v", granted.Data)
	}

	// Bob sees the grant too
	b.expect(protocol.TypeScreenShareGranted)

	// Second request is denied while the slot is held
	b.send(protocol.New(protocol.TypeScreenShareRequest, nil))
	denied := b.expect(protocol.TypeScreenShareDenied)
	if denied.GetInt("code") != int(errors.ErrCodeAlreadyPresenting) {
		t.Errorf("Expected AlreadyPresenting, got %v", denied.Data)
	}

	// Stop frees the slot and the room hears about it
	a.send(protocol.New(protocol.TypeScreenShareStop, nil))
	a.expect(protocol.TypeSuccess)
	b.expect(protocol.TypePresentationStop)

	b.send(protocol.New(protocol.TypeScreenShareRequest, nil))
	b.expect(protocol.TypeScreenShareGranted)
}

func TestFileOfferAllocatesPort(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	a.register("alice")
	a.createRoom("standup")

	a.send(protocol.New(protocol.TypeFileOffer, map[string]interface{}{
		"filename": "notes.txt",
		"size":     1024,
	}))
	reply := a.expect(protocol.TypeFileUploadPort)
	port := reply.GetInt("port")
	if port < 42500 || port > 42599 {
		t.Errorf("Upload port %d outside the configured range", port)
	}
	if reply.GetString("file_id") == "" {
		t.Error("Upload reply carried no file id")
	}
}

func TestMediaRegisterReturnsWireHandle(t *testing.T) {
	s := startTestServer(t, testConfig(t))

	a := dialClient(t, s)
	a.register("alice")

	a.send(protocol.New(protocol.TypeMediaRegister, nil))
	reply := a.expect(protocol.TypeSuccess)
	if reply.GetInt("wire_id") == 0 {
		t.Errorf("Expected a nonzero wire id, got %v", reply.Data)
	}
	// The config binds port 0; the reply must carry the kernel-assigned ports
	if reply.GetInt("video_port") == 0 || reply.GetInt("audio_port") == 0 {
		t.Errorf("Expected the bound media ports, got %v", reply.Data)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, err := New(testConfig(t), logger.Nop())
	if err != nil {
		t.Fatalf("Failed to build server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	s.Stop()
	s.Stop()
}

func TestHostModeRegistersColocatedParticipant(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HostMode = true
	cfg.Server.HostDisplayName = "conference-pc"
	s := startTestServer(t, cfg)

	if _, ok := s.sessions.GetByName("conference-pc"); !ok {
		t.Error("Host participant missing from the registry")
	}

	// The host's name is held like any other
	c := dialClient(t, s)
	c.send(protocol.New(protocol.TypeRegister, map[string]interface{}{
		"display_name": "conference-pc",
	}))
	if reply := c.recv(); reply.GetInt("code") != int(errors.ErrCodeNameTaken) {
		t.Errorf("Expected NameTaken for the host's name, got %v", reply.Data)
	}
}
