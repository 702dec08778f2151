// Package webrtc pushes dashboard state to browsers over a WebRTC data
// channel labelled "state". No media tracks are negotiated.
package webrtc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/oklog/ulid/v2"
	"github.com/pion/webrtc/v3"

	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/metrics"
)

// StateChannelLabel is the data channel label browsers must open.
const StateChannelLabel = "state"

const defaultSTUN = "stun:stun.l.google.com:19302"

var (
	ErrMaxClients = errors.New("maximum clients reached")
	ErrBadOffer   = errors.New("failed to parse offer")
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type peer struct {
	id    string
	conn  *webrtc.PeerConnection
	queue chan []byte
	done  chan struct{}
	open  atomic.Bool

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// PeerStats describes one registered browser.
type PeerStats struct {
	ID      string `json:"id"`
	Open    bool   `json:"open"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Server keeps the registered peers and fans state messages out to them.
type Server struct {
	mu    sync.RWMutex
	peers map[string]*peer

	config     webrtc.Configuration
	maxClients int
	api        *webrtc.API
	metrics    *metrics.Metrics

	initial atomic.Pointer[func() []byte]
}

// NewServer creates a Server. Without stunServers a public Google STUN
// server is used.
func NewServer(stunServers []string, maxClients int, m *metrics.Metrics) *Server {
	if len(stunServers) == 0 {
		stunServers = []string{defaultSTUN}
	}
	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, url := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	settings := webrtc.SettingEngine{}
	settings.SetDTLSRetransmissionInterval(2 * time.Second)
	settings.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	if m == nil {
		m = metrics.New()
	}

	return &Server{
		peers:      make(map[string]*peer),
		config:     webrtc.Configuration{ICEServers: iceServers},
		maxClients: maxClients,
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		metrics:    m,
	}
}

// SetInitial registers a provider for the message sent as soon as a state
// channel opens.
func (s *Server) SetInitial(fn func() []byte) {
	s.initial.Store(&fn)
}

// HandleOffer answers a browser offer. The answer is returned after ICE
// gathering completes so the browser needs no trickle endpoint.
func (s *Server) HandleOffer(offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadOffer, err)
	}
	if offer.Type != webrtc.SDPTypeOffer || offer.SDP == "" {
		return nil, fmt.Errorf("%w: not an SDP offer", ErrBadOffer)
	}

	if n := s.Peers(); n >= s.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrMaxClients, s.maxClients)
	}

	conn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &peer{
		id:    "peer-" + ulid.Make().String(),
		conn:  conn,
		queue: make(chan []byte, 8),
		done:  make(chan struct{}),
	}

	conn.OnDataChannel(func(dc *webrtc.DataChannel) { s.attach(p, dc) })

	conn.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("WebRTC", "%s ICE state: %s", p.id, state)
		switch state {
		case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			s.drop(p.id, "ICE "+state.String())
		}
	})
	conn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "%s peer state: %s", p.id, state)
		switch state {
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.drop(p.id, "peer "+state.String())
		}
	})

	answer, err := s.negotiate(conn, offer)
	if err != nil {
		conn.Close()
		return nil, err
	}

	s.mu.Lock()
	s.peers[p.id] = p
	total := len(s.peers)
	s.mu.Unlock()
	s.metrics.WebRTCClients.Add(1)
	logger.Info("WebRTC", "%s registered (total peers: %d)", p.id, total)

	return answer, nil
}

func (s *Server) negotiate(conn *webrtc.PeerConnection, offer webrtc.SessionDescription) ([]byte, error) {
	if err := conn.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(conn)
	if err := conn.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gathered

	local := conn.LocalDescription()
	if local == nil {
		return nil, errors.New("no local description available")
	}
	return json.Marshal(local)
}

func (s *Server) attach(p *peer, dc *webrtc.DataChannel) {
	if dc.Label() != StateChannelLabel {
		logger.Debug("WebRTC", "%s opened unexpected channel %q", p.id, dc.Label())
		return
	}
	dc.OnOpen(func() {
		p.open.Store(true)
		logger.Info("WebRTC", "%s state channel open", p.id)
		if fn := s.initial.Load(); fn != nil {
			if msg := (*fn)(); msg != nil {
				if err := dc.SendText(string(msg)); err != nil {
					logger.Warn("WebRTC", "%s initial state failed: %v", p.id, err)
				}
			}
		}
		go s.pump(p, dc)
	})
	dc.OnClose(func() { s.drop(p.id, "channel closed") })
}

// Broadcast queues msg for every peer whose state channel is open. Peers
// with a full queue miss the message.
func (s *Server) Broadcast(msg []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.peers {
		if !p.open.Load() {
			continue
		}
		select {
		case p.queue <- msg:
		default:
			p.dropped.Add(1)
		}
	}
}

func (s *Server) pump(p *peer, dc *webrtc.DataChannel) {
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			if err := dc.SendText(string(msg)); err != nil {
				logger.Warn("WebRTC", "%s send failed: %v", p.id, err)
				s.drop(p.id, "send error")
				return
			}
			p.sent.Add(1)
		}
	}
}

// drop unregisters a peer and closes its connection. Repeated calls for
// the same id are no-ops.
func (s *Server) drop(id, reason string) {
	s.mu.Lock()
	p, ok := s.peers[id]
	delete(s.peers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	close(p.done)
	p.conn.Close()
	s.metrics.WebRTCClients.Add(-1)
	logger.Info("WebRTC", "%s removed (%s; sent: %d, dropped: %d)", id, reason, p.sent.Load(), p.dropped.Load())
}

// Peers returns the number of registered peers.
func (s *Server) Peers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Stats returns per-peer counters ordered by id.
func (s *Server) Stats() []PeerStats {
	s.mu.RLock()
	stats := make([]PeerStats, 0, len(s.peers))
	for id, p := range s.peers {
		stats = append(stats, PeerStats{
			ID:      id,
			Open:    p.open.Load(),
			Sent:    p.sent.Load(),
			Dropped: p.dropped.Load(),
		})
	}
	s.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].ID < stats[j].ID })
	return stats
}

// Close drops every peer.
func (s *Server) Close() error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		s.drop(id, "server closed")
	}
	return nil
}
