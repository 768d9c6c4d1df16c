package media

import (
	"fmt"
	"net"
	"sync"

	"github.com/aminofox/lanmeet/pkg/config"
	"github.com/aminofox/lanmeet/pkg/logger"
	"github.com/aminofox/lanmeet/pkg/room"
	"github.com/aminofox/lanmeet/pkg/session"
)

// Relay receives media datagrams and forwards the original datagram
// unmodified to every other room member's registered endpoint, best-effort.
// A slow or unreachable destination never blocks the relay.
type Relay struct {
	// videoConn receives video datagrams
	videoConn *net.UDPConn
	// audioConn receives audio datagrams
	audioConn *net.UDPConn
	// sessions resolves wire handles to participants
	sessions *session.Registry
	// rooms resolves room membership
	rooms *room.Registry
	// endpoints maps wire handles to their last observed UDP address
	endpoints map[uint32]*net.UDPAddr
	// maxDatagram bounds accepted datagrams
	maxDatagram int
	// logger for relay events
	logger logger.Logger
	// mu protects endpoints
	mu sync.RWMutex
	// wg tracks the read loops
	wg sync.WaitGroup
	// closed flags shutdown so read-loop errors are not logged
	closed bool
	// closedMu protects closed
	closedMu sync.Mutex
}

// NewRelay creates a media relay backed by the given registries
func NewRelay(cfg config.MediaConfig, sessions *session.Registry, rooms *room.Registry, log logger.Logger) *Relay {
	maxDatagram := cfg.MaxDatagramSize
	if maxDatagram <= 0 {
		maxDatagram = MaxPayloadSize + VideoHeaderSize
	}
	return &Relay{
		sessions:    sessions,
		rooms:       rooms,
		endpoints:   make(map[uint32]*net.UDPAddr),
		maxDatagram: maxDatagram,
		logger:      log,
	}
}

// Start binds both UDP sockets and begins relaying
func (r *Relay) Start(host string, videoPort, audioPort int) error {
	videoConn, err := listenUDP(host, videoPort)
	if err != nil {
		return err
	}
	audioConn, err := listenUDP(host, audioPort)
	if err != nil {
		videoConn.Close()
		return err
	}

	r.videoConn = videoConn
	r.audioConn = audioConn

	r.wg.Add(2)
	go r.readLoop(videoConn, KindVideo)
	go r.readLoop(audioConn, KindAudio)

	r.logger.Info("Media relay started",
		logger.Int("video_port", r.VideoPort()),
		logger.Int("audio_port", r.AudioPort()),
	)
	return nil
}

func listenUDP(host string, port int) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

// VideoPort returns the port the video socket actually bound, 0 before Start.
// With a configured port of 0 this is the kernel-assigned port.
func (r *Relay) VideoPort() int {
	if r.videoConn == nil {
		return 0
	}
	return r.videoConn.LocalAddr().(*net.UDPAddr).Port
}

// AudioPort returns the port the audio socket actually bound, 0 before Start
func (r *Relay) AudioPort() int {
	if r.audioConn == nil {
		return 0
	}
	return r.audioConn.LocalAddr().(*net.UDPAddr).Port
}

// Stop closes both sockets and waits for the read loops to drain
func (r *Relay) Stop() {
	r.closedMu.Lock()
	r.closed = true
	r.closedMu.Unlock()

	if r.videoConn != nil {
		r.videoConn.Close()
	}
	if r.audioConn != nil {
		r.audioConn.Close()
	}
	r.wg.Wait()
}

// Deregister forgets a participant's media endpoint. Called as part of the
// disconnect cleanup cascade.
func (r *Relay) Deregister(wireID uint32) {
	r.mu.Lock()
	delete(r.endpoints, wireID)
	r.mu.Unlock()
}

// RegisterEndpoint pins a wire handle to a UDP address. Normally the endpoint
// is learned from the first inbound datagram; this exists for clients that
// announce their media port over the control channel first.
func (r *Relay) RegisterEndpoint(wireID uint32, addr *net.UDPAddr) {
	r.mu.Lock()
	r.endpoints[wireID] = addr
	r.mu.Unlock()
}

// Endpoint returns the registered address for a wire handle
func (r *Relay) Endpoint(wireID uint32) (*net.UDPAddr, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.endpoints[wireID]
	return addr, ok
}

func (r *Relay) readLoop(conn *net.UDPConn, kind Kind) {
	defer r.wg.Done()

	buf := make([]byte, r.maxDatagram)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			r.closedMu.Lock()
			closed := r.closed
			r.closedMu.Unlock()
			if !closed {
				r.logger.Error("Media read failed", logger.Err(err))
			}
			return
		}

		r.handleDatagram(conn, kind, buf[:n], src)
	}
}

// handleDatagram validates one inbound datagram and fans it out. The datagram
// is forwarded byte-identically; sends are fire-and-forget.
func (r *Relay) handleDatagram(conn *net.UDPConn, kind Kind, data []byte, src *net.UDPAddr) {
	senderWire, ok := r.parseSender(kind, data)
	if !ok {
		return
	}

	sender, registered := r.sessions.GetByWire(senderWire)
	if !registered {
		return
	}

	// Learn or refresh the sender's endpoint from observed traffic
	r.mu.Lock()
	r.endpoints[senderWire] = src
	r.mu.Unlock()

	// Stray packets from a sender whose own flag is off are dropped at
	// ingress rather than relayed.
	video, audio := sender.MediaFlags()
	if kind == KindVideo && !video {
		return
	}
	if kind == KindAudio && !audio {
		return
	}

	for _, addr := range r.destinations(kind, sender) {
		// Best-effort; a failing peer is silently dropped
		conn.WriteToUDP(data, addr)
	}
}

// parseSender validates the datagram shape and extracts the sender handle
func (r *Relay) parseSender(kind Kind, data []byte) (uint32, bool) {
	switch kind {
	case KindVideo:
		pkt, err := ParseVideoPacket(data)
		if err != nil {
			r.logger.Debug("Dropping malformed video datagram", logger.Err(err))
			return 0, false
		}
		return pkt.Sender, true
	default:
		pkt, err := ParseAudioPacket(data)
		if err != nil {
			r.logger.Debug("Dropping malformed audio datagram", logger.Err(err))
			return 0, false
		}
		return pkt.Sender, true
	}
}

// destinations resolves the endpoints that should receive a datagram from the
// given sender: every other room member with the matching media flag enabled
// and a known endpoint.
func (r *Relay) destinations(kind Kind, sender *session.Participant) []*net.UDPAddr {
	roomID := sender.Room()
	if roomID == "" {
		return nil
	}

	rm, err := r.rooms.Get(roomID)
	if err != nil {
		return nil
	}

	var out []*net.UDPAddr
	for _, memberID := range rm.Members() {
		if memberID == sender.ID {
			continue
		}

		member, err := r.sessions.Get(memberID)
		if err != nil {
			continue
		}

		video, audio := member.MediaFlags()
		if kind == KindVideo && !video {
			continue
		}
		if kind == KindAudio && !audio {
			continue
		}

		r.mu.RLock()
		addr, known := r.endpoints[member.WireID]
		r.mu.RUnlock()
		if !known {
			continue
		}
		out = append(out, addr)
	}
	return out
}
