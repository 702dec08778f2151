package webmonitor

import (
	"sync"
	"time"

	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/session"
	"github.com/gardu-avc/avc-monitor/pkg/types"
)

// FrameBroadcaster manages fanout of JPEG frames from one camera to MJPEG
// clients.
type FrameBroadcaster struct {
	camera  types.Camera
	mu      sync.Mutex
	clients map[int]chan []byte
	nextID  int
	latest  []byte
}

// NewFrameBroadcaster creates a broadcaster for camera.
func NewFrameBroadcaster(camera types.Camera) *FrameBroadcaster {
	return &FrameBroadcaster{
		camera:  camera,
		clients: make(map[int]chan []byte),
	}
}

// Subscribe adds a new client and returns a channel for receiving frames.
// The latest frame, if any, is queued immediately.
func (fb *FrameBroadcaster) Subscribe() (int, <-chan []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	id := fb.nextID
	fb.nextID++
	ch := make(chan []byte, 2) // Buffer 2 frames to avoid blocking
	if fb.latest != nil {
		ch <- fb.latest
	}
	fb.clients[id] = ch

	logger.Debug("FrameBroadcaster", "%s client #%d subscribed (total clients: %d)", fb.camera, id, len(fb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (fb *FrameBroadcaster) Unsubscribe(id int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if ch, ok := fb.clients[id]; ok {
		close(ch)
		delete(fb.clients, id)
		logger.Debug("FrameBroadcaster", "%s client #%d unsubscribed (remaining clients: %d)", fb.camera, id, len(fb.clients))
	}
}

// Clients returns the number of subscribed viewers.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Latest returns the most recent frame or nil.
func (fb *FrameBroadcaster) Latest() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest
}

// Publish stores data as the latest frame and hands it to every client.
// Clients that are behind skip the frame.
func (fb *FrameBroadcaster) Publish(data []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	fb.latest = data
	for id, ch := range fb.clients {
		select {
		case ch <- data:
		default:
			logger.Debug("FrameBroadcaster", "%s client #%d is slow, skipping frame", fb.camera, id)
		}
	}
}

// FrameHub routes decoded frames to the broadcaster of their camera and
// records frame statistics.
type FrameHub struct {
	monitor      *Monitor
	broadcasters map[types.Camera]*FrameBroadcaster
}

// NewFrameHub creates one broadcaster per camera.
func NewFrameHub() *FrameHub {
	h := &FrameHub{
		monitor:      NewMonitor(),
		broadcasters: make(map[types.Camera]*FrameBroadcaster, len(types.Cameras)),
	}
	for _, c := range types.Cameras {
		h.broadcasters[c] = NewFrameBroadcaster(c)
	}
	return h
}

// Publish is the session's frame callback.
func (h *FrameHub) Publish(frame types.JPEGFrame) {
	fb, ok := h.broadcasters[frame.Camera]
	if !ok {
		return
	}
	h.monitor.RecordFrame(frame.Camera)
	fb.Publish(frame.Data)
}

// Broadcaster returns the broadcaster for camera.
func (h *FrameHub) Broadcaster(camera types.Camera) *FrameBroadcaster {
	return h.broadcasters[camera]
}

// Stats returns frame statistics including viewer counts.
func (h *FrameHub) Stats() []CameraStats {
	stats := h.monitor.Snapshot()
	for i := range stats {
		if c, ok := types.ParseCamera(stats[i].Camera); ok {
			stats[i].Viewers = h.broadcasters[c].Clients()
		}
	}
	return stats
}

// StatusBroadcaster manages fanout of status events to SSE clients and the
// WebRTC state channels. It pre-serializes JSON and Protobuf once per change.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	ctrl     Controller
	status   func() StatusPayload
	sinks    []func(*SerializedEvent)
	stop     chan struct{}
	stopped  bool
	interval time.Duration
}

// NewStatusBroadcaster creates a broadcaster that publishes on every session
// change and every interval while clients are connected.
func NewStatusBroadcaster(ctrl Controller, status func() StatusPayload, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		ctrl:     ctrl,
		status:   status,
		stop:     make(chan struct{}),
		interval: interval,
	}
}

// AddSink registers a consumer that receives every event regardless of SSE
// clients. Must be called before Start.
func (sb *StatusBroadcaster) AddSink(fn func(*SerializedEvent)) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.sinks = append(sb.sinks, fn)
}

// Subscribe adds a new client and returns a channel for receiving status events.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 2) // Buffer 2 events to avoid blocking
	sb.clients[id] = ch

	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StatusBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// Start subscribes to session changes and begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	id, changes := sb.ctrl.Subscribe()
	go sb.run(id, changes)
}

// Stop halts the broadcaster.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.mu.Unlock()
}

func (sb *StatusBroadcaster) run(id int, changes <-chan session.DisplayState) {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)...", sb.interval)
	defer sb.ctrl.Unsubscribe(id)

	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			sb.publish()
		case <-ticker.C:
			sb.mu.Lock()
			clientCount := len(sb.clients)
			sb.mu.Unlock()

			if clientCount == 0 {
				continue
			}
			sb.publish()
		}
	}
}

func (sb *StatusBroadcaster) publish() {
	event, err := serializeStatus(sb.status())
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize error: %v", err)
		return
	}
	sb.broadcast(event)
}

func (sb *StatusBroadcaster) broadcast(event *SerializedEvent) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for _, sink := range sb.sinks {
		sink(event)
	}
	for id, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			logger.Debug("StatusBroadcaster", "Client #%d is slow, dropping event", id)
		}
	}
}
