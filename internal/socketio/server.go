package socketio

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gardu-avc/avc-monitor/internal/logger"
)

// Handler receives an inbound event from a connected client.
type Handler func(sid string, data []byte)

// ServerOptions configures a Server.
type ServerOptions struct {
	PingInterval time.Duration
	PingTimeout  time.Duration
	WriteTimeout time.Duration
	// Authorize may reject a Socket.IO CONNECT; the error message is sent
	// back as CONNECT_ERROR.
	Authorize func(r *http.Request) error
}

// Server accepts Engine.IO v4 websocket clients on the default namespace.
// It backs the backend simulator and transport tests.
type Server struct {
	opts     ServerOptions
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     map[string]*serverConn
	handlers  map[string]Handler
	onConnect func(sid string)
	closed    bool
}

type serverConn struct {
	sid     string
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	done    chan struct{}
	once    sync.Once
}

// NewServer returns a Server with protocol defaults for unset options.
func NewServer(opts ServerOptions) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 20 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:    make(map[string]*serverConn),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an inbound event name.
func (s *Server) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = h
}

// OnConnect registers a callback run after a client completes CONNECT.
func (s *Server) OnConnect(fn func(sid string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = fn
}

// Clients returns the number of connected Socket.IO clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit broadcasts an event to every connected client and returns how many
// clients it was written to.
func (s *Server) Emit(event string, args ...any) int {
	data, err := encodeEvent("/", event, args...)
	if err != nil {
		logger.Error("SocketIOServer", "Encode %s failed: %v", event, err)
		return 0
	}

	s.mu.Lock()
	targets := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		targets = append(targets, sc)
	}
	s.mu.Unlock()

	sent := 0
	for _, sc := range targets {
		if err := sc.write(data); err != nil {
			logger.Debug("SocketIOServer", "Write to %s failed: %v", sc.sid, err)
			s.drop(sc)
			continue
		}
		sent++
	}
	return sent
}

// Disconnect sends a Socket.IO DISCONNECT to one client and closes it.
func (s *Server) Disconnect(sid string) {
	s.mu.Lock()
	sc, ok := s.conns[sid]
	s.mu.Unlock()
	if !ok {
		return
	}
	data, _ := encodeControl(sioDisconnect, nil)
	_ = sc.write(data)
	s.drop(sc)
}

// DisconnectAll disconnects every client.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	sids := make([]string, 0, len(s.conns))
	for sid := range s.conns {
		sids = append(sids, sid)
	}
	s.mu.Unlock()

	for _, sid := range sids {
		s.Disconnect(sid)
	}
}

// Close disconnects all clients and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.DisconnectAll()
}

// ServeHTTP upgrades an Engine.IO websocket request and runs the session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("EIO") != "4" || q.Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("SocketIOServer", "Upgrade failed: %v", err)
		return
	}

	sc := &serverConn{
		sid:     uuid.NewString(),
		conn:    conn,
		timeout: s.opts.WriteTimeout,
		done:    make(chan struct{}),
	}
	defer s.drop(sc)

	open, _ := json.Marshal(handshake{
		SID:          sc.sid,
		Upgrades:     []string{},
		PingInterval: int(s.opts.PingInterval / time.Millisecond),
		PingTimeout:  int(s.opts.PingTimeout / time.Millisecond),
		MaxPayload:   1000000,
	})
	if err := sc.write(append([]byte{eioOpen}, open...)); err != nil {
		return
	}

	go s.pingLoop(sc)
	s.readLoop(sc, r)
}

func (s *Server) pingLoop(sc *serverConn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sc.done:
			return
		case <-ticker.C:
			if err := sc.write([]byte{eioPing}); err != nil {
				s.drop(sc)
				return
			}
		}
	}
}

func (s *Server) readLoop(sc *serverConn, r *http.Request) {
	for {
		sc.conn.SetReadDeadline(time.Now().Add(s.opts.PingInterval + s.opts.PingTimeout))
		_, msg, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPong, eioNoop:
		case eioPing:
			_ = sc.write([]byte{eioPong})
		case eioClose:
			return
		case eioMessage:
			p, err := decodePacket(msg[1:])
			if err != nil || p.Namespace != "/" {
				continue
			}
			switch p.Type {
			case sioConnect:
				if !s.accept(sc, r) {
					return
				}
			case sioDisconnect:
				return
			case sioEvent:
				ev, err := p.event()
				if err != nil {
					logger.Warn("SocketIOServer", "Bad event from %s: %v", sc.sid, err)
					continue
				}
				s.mu.Lock()
				h := s.handlers[ev.Name]
				s.mu.Unlock()
				if h != nil {
					h(sc.sid, ev.Data)
				} else {
					logger.Debug("SocketIOServer", "No handler for %s", ev.Name)
				}
			}
		}
	}
}

func (s *Server) accept(sc *serverConn, r *http.Request) bool {
	if s.opts.Authorize != nil {
		if err := s.opts.Authorize(r); err != nil {
			reject, _ := encodeControl(sioConnectError, map[string]string{"message": err.Error()})
			_ = sc.write(reject)
			return false
		}
	}

	ack, _ := encodeControl(sioConnect, map[string]string{"sid": sc.sid})
	if err := sc.write(ack); err != nil {
		return false
	}

	s.mu.Lock()
	s.conns[sc.sid] = sc
	onConnect := s.onConnect
	total := len(s.conns)
	s.mu.Unlock()

	logger.Info("SocketIOServer", "Client %s connected (total clients: %d)", sc.sid, total)
	if onConnect != nil {
		onConnect(sc.sid)
	}
	return true
}

func (s *Server) drop(sc *serverConn) {
	sc.once.Do(func() {
		close(sc.done)
		sc.conn.Close()

		s.mu.Lock()
		_, registered := s.conns[sc.sid]
		delete(s.conns, sc.sid)
		total := len(s.conns)
		s.mu.Unlock()

		if registered {
			logger.Info("SocketIOServer", "Client %s disconnected (remaining clients: %d)", sc.sid, total)
		}
	})
}

func (sc *serverConn) write(data []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	sc.conn.SetWriteDeadline(time.Now().Add(sc.timeout))
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}
