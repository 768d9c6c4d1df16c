package media

import (
	"net"
	"testing"
	"time"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/protocol"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/session"
)

type nopConn struct{}

func (nopConn) SendMessage(*protocol.Message) error { return nil }
func (nopConn) Close() error                        { return nil }

type relayFixture struct {
	relay    *Relay
	sessions *session.Registry
	rooms    *room.Registry
	room     *room.Room
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	sessions := session.NewRegistry(logger.Nop())
	rooms := room.NewRegistry(100, time.Minute, logger.Nop())

	rm, err := rooms.Create("media", "owner", "", 0)
	if err != nil {
		t.Fatalf("Failed to create room: %v", err)
	}

	relay := NewRelay(config.MediaConfig{MaxDatagramSize: 64 * 1024}, sessions, rooms, logger.Nop())
	return &relayFixture{relay: relay, sessions: sessions, rooms: rooms, room: rm}
}

func (f *relayFixture) addMember(t *testing.T, name string, video, audio bool) *session.Participant {
	t.Helper()

	p, err := f.sessions.Register(name, nopConn{})
	if err != nil {
		t.Fatalf("Failed to register %s: %v", name, err)
	}
	if _, err := f.rooms.Join(f.room.ID, p, ""); err != nil {
		t.Fatalf("Failed to join %s: %v", name, err)
	}
	p.SetVideoEnabled(video)
	p.SetAudioEnabled(audio)

	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(p.WireID)}
	f.relay.RegisterEndpoint(p.WireID, addr)
	return p
}

func TestDestinationsSkipSenderAndDisabled(t *testing.T) {
	f := newRelayFixture(t)

	sender := f.addMember(t, "sender", true, true)
	watching := f.addMember(t, "watching", true, true)
	videoOff := f.addMember(t, "video-off", false, true)

	dests := f.relay.destinations(KindVideo, sender)
	if len(dests) != 1 {
		t.Fatalf("Expected 1 video destination, got %d", len(dests))
	}

	want, _ := f.relay.Endpoint(watching.WireID)
	if dests[0].Port != want.Port {
		t.Errorf("Wrong destination: got port %d", dests[0].Port)
	}

	// The member with video off still receives audio
	dests = f.relay.destinations(KindAudio, sender)
	if len(dests) != 2 {
		t.Fatalf("Expected 2 audio destinations, got %d", len(dests))
	}
	_ = videoOff
}

func TestDestinationsRequireRoomAndEndpoint(t *testing.T) {
	f := newRelayFixture(t)

	sender := f.addMember(t, "sender", true, true)

	// A roomless participant relays nowhere
	loner, _ := f.sessions.Register("loner", nopConn{})
	loner.SetVideoEnabled(true)
	if dests := f.relay.destinations(KindVideo, loner); dests != nil {
		t.Errorf("Roomless sender should have no destinations, got %d", len(dests))
	}

	// A member without a learned endpoint is skipped
	noEndpoint, _ := f.sessions.Register("no-endpoint", nopConn{})
	f.rooms.Join(f.room.ID, noEndpoint, "")
	noEndpoint.SetVideoEnabled(true)

	dests := f.relay.destinations(KindVideo, sender)
	if len(dests) != 0 {
		t.Errorf("Member without endpoint should be skipped, got %d destinations", len(dests))
	}
}

func TestRelayForwardsVideoEndToEnd(t *testing.T) {
	f := newRelayFixture(t)

	if err := f.relay.Start("127.0.0.1", 0, 0); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	defer f.relay.Stop()

	if f.relay.VideoPort() == 0 || f.relay.AudioPort() == 0 {
		t.Fatal("Relay should report the kernel-assigned ports after binding port 0")
	}

	videoAddr := f.relay.videoConn.LocalAddr().(*net.UDPAddr)

	// Receiver listens on a real socket
	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind receiver: %v", err)
	}
	defer recvConn.Close()

	sender := f.addMember(t, "sender", true, true)
	receiver := f.addMember(t, "receiver", true, true)
	f.relay.RegisterEndpoint(receiver.WireID, recvConn.LocalAddr().(*net.UDPAddr))

	// Sender emits one video packet to the relay
	sendConn, err := net.DialUDP("udp", nil, videoAddr)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	defer sendConn.Close()

	pkt := &VideoPacket{Sender: sender.WireID, Sequence: 1, Payload: []byte("jpeg")}
	data, _ := pkt.Encode()
	if _, err := sendConn.Write(data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}

	recvConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, _, err := recvConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("Receiver got nothing: %v", err)
	}

	got, err := ParseVideoPacket(buf[:n])
	if err != nil {
		t.Fatalf("Forwarded datagram corrupt: %v", err)
	}
	if got.Sender != sender.WireID || string(got.Payload) != "jpeg" {
		t.Error("Forwarded datagram should be byte-identical")
	}
}

func TestRelayDropsDisabledSenderAtIngress(t *testing.T) {
	f := newRelayFixture(t)

	if err := f.relay.Start("127.0.0.1", 0, 0); err != nil {
		t.Fatalf("Failed to start relay: %v", err)
	}
	defer f.relay.Stop()

	videoAddr := f.relay.videoConn.LocalAddr().(*net.UDPAddr)

	recvConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("Failed to bind receiver: %v", err)
	}
	defer recvConn.Close()

	// Sender has video disabled; its stray packets must not be relayed
	sender := f.addMember(t, "sender", false, true)
	receiver := f.addMember(t, "receiver", true, true)
	f.relay.RegisterEndpoint(receiver.WireID, recvConn.LocalAddr().(*net.UDPAddr))

	sendConn, err := net.DialUDP("udp", nil, videoAddr)
	if err != nil {
		t.Fatalf("Failed to dial relay: %v", err)
	}
	defer sendConn.Close()

	pkt := &VideoPacket{Sender: sender.WireID, Sequence: 1, Payload: []byte("stray")}
	data, _ := pkt.Encode()
	sendConn.Write(data)

	recvConn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 2048)
	if _, _, err := recvConn.ReadFromUDP(buf); err == nil {
		t.Error("Stray packet from a video-off sender should be dropped at ingress")
	}
}
