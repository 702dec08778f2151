package socketio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gardu-avc/avc-monitor/internal/logger"
)

// ErrClosed is returned by Emit after the client has been closed.
var ErrClosed = errors.New("socketio: client closed")

// Options configures Dial.
type Options struct {
	Path             string        // Engine.IO endpoint path, default "/socket.io/"
	HandshakeTimeout time.Duration // Websocket upgrade plus Socket.IO CONNECT
	WriteTimeout     time.Duration
	Header           http.Header
	EventBuffer      int
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "/socket.io/"
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// Client is one Socket.IO connection on the default namespace.
type Client struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration

	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration

	events    chan Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	errMu sync.Mutex
	err   error
}

// EndpointURL turns a backend base address (http, https, ws or wss) into the
// Engine.IO websocket endpoint.
func EndpointURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse backend url: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("backend url %q has no host", baseURL)
	}

	if path == "" {
		path = "/socket.io/"
	}
	u.Path = path

	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Dial opens the websocket transport and completes the Engine.IO and
// Socket.IO handshakes. The first event on Events is always EventConnect.
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	endpoint, err := EndpointURL(baseURL, opts.Path)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}

	logger.Debug("SocketIO", "Connecting to %s", endpoint)
	conn, _, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c := &Client{
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		events:       make(chan Event, opts.EventBuffer),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if err := c.handshake(deadline); err != nil {
		conn.Close()
		return nil, err
	}

	c.events <- Event{Name: EventConnect}
	go c.readLoop()

	logger.Info("SocketIO", "Connected (sid=%s, ping=%v/%v)", c.sid, c.pingInterval, c.pingTimeout)
	return c, nil
}

func (c *Client) handshake(deadline time.Time) error {
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	if len(msg) == 0 || msg[0] != eioOpen {
		return fmt.Errorf("expected open packet, got %q", truncate(msg))
	}

	var hs handshake
	if err := json.Unmarshal(msg[1:], &hs); err != nil {
		return fmt.Errorf("decode open packet: %w", err)
	}
	c.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
	if c.pingInterval <= 0 {
		c.pingInterval = 25 * time.Second
	}
	if c.pingTimeout <= 0 {
		c.pingTimeout = 20 * time.Second
	}

	connect, _ := encodeControl(sioConnect, nil)
	if err := c.write(connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await connect ack: %w", err)
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				return fmt.Errorf("send pong: %w", err)
			}
		case eioMessage:
			p, err := decodePacket(msg[1:])
			if err != nil || p.Namespace != "/" {
				continue
			}
			switch p.Type {
			case sioConnect:
				var ack struct {
					SID string `json:"sid"`
				}
				if len(p.Data) > 0 {
					_ = json.Unmarshal(p.Data, &ack)
				}
				c.sid = ack.SID
				if c.sid == "" {
					c.sid = hs.SID
				}
				return nil
			case sioConnectError:
				var reject struct {
					Message string `json:"message"`
				}
				_ = json.Unmarshal(p.Data, &reject)
				return fmt.Errorf("connection rejected by server: %s", reject.Message)
			}
		case eioClose:
			return errors.New("server closed transport during handshake")
		}
	}
}

// SID returns the Socket.IO session id assigned by the server.
func (c *Client) SID() string {
	return c.sid
}

// Events delivers inbound events in arrival order. It is closed after the
// final EventDisconnect.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed when the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that ended the session, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Emit sends a named event with optional JSON-encodable arguments.
func (c *Client) Emit(event string, args ...any) error {
	select {
	case <-c.stop:
		return ErrClosed
	default:
	}

	data, err := encodeEvent("/", event, args...)
	if err != nil {
		return err
	}
	if err := c.write(data); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close sends a Socket.IO DISCONNECT and closes the transport. Safe to call
// more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		disconnect, _ := encodeControl(sioDisconnect, nil)
		_ = c.write(disconnect)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

func (c *Client) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Client) readLoop() {
	reason := "transport close"
	defer func() {
		data, _ := json.Marshal(map[string]string{"reason": reason})
		c.deliver(Event{Name: EventDisconnect, Data: data})
		close(c.events)
		c.conn.Close()
		close(c.done)
		logger.Info("SocketIO", "Disconnected (sid=%s, reason=%s)", c.sid, reason)
	}()

	for {
		c.conn.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				reason = "io client disconnect"
			default:
				reason = "transport error"
				c.setErr(err)
			}
			return
		}
		if len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				reason = "transport error"
				c.setErr(err)
				return
			}
		case eioClose:
			reason = "transport close"
			return
		case eioNoop, eioPong:
		case eioMessage:
			p, err := decodePacket(msg[1:])
			if err != nil {
				logger.Warn("SocketIO", "Dropping packet: %v", err)
				continue
			}
			if p.Namespace != "/" {
				continue
			}
			switch p.Type {
			case sioEvent:
				ev, err := p.event()
				if err != nil {
					logger.Warn("SocketIO", "Dropping event: %v", err)
					continue
				}
				c.deliver(ev)
			case sioDisconnect:
				reason = "io server disconnect"
				return
			}
		default:
			logger.Debug("SocketIO", "Ignoring engine packet %q", msg[0])
		}
	}
}

func truncate(b []byte) string {
	if len(b) > 32 {
		return string(b[:32]) + "..."
	}
	return string(b)
}
