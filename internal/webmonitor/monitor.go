package webmonitor

import (
	"sync"
	"time"

	"github.com/gardu-avc/avc-monitor/pkg/types"
)

const fpsWindow = 2 * time.Second

// Monitor tracks per-camera frame rates over a sliding window.
type Monitor struct {
	mu      sync.Mutex
	now     func() time.Time
	cameras map[types.Camera]*cameraWindow
}

type cameraWindow struct {
	frames uint64
	last   time.Time
	recent []time.Time
}

// NewMonitor creates a Monitor for every known camera.
func NewMonitor() *Monitor {
	m := &Monitor{
		now:     time.Now,
		cameras: make(map[types.Camera]*cameraWindow, len(types.Cameras)),
	}
	for _, c := range types.Cameras {
		m.cameras[c] = &cameraWindow{}
	}
	return m
}

// RecordFrame counts a frame received from camera.
func (m *Monitor) RecordFrame(camera types.Camera) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.cameras[camera]
	if !ok {
		return
	}
	now := m.now()
	w.frames++
	w.last = now
	w.recent = append(w.recent, now)
	w.trim(now)
}

// Snapshot returns stats for every camera in display order.
func (m *Monitor) Snapshot() []CameraStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]CameraStats, 0, len(types.Cameras))
	for _, c := range types.Cameras {
		w := m.cameras[c]
		w.trim(now)

		stats := CameraStats{
			Camera:       c.String(),
			Frames:       w.frames,
			FPS:          float64(len(w.recent)) / fpsWindow.Seconds(),
			LastFrameAge: -1,
		}
		if !w.last.IsZero() {
			stats.LastFrameAge = now.Sub(w.last).Seconds()
		}
		out = append(out, stats)
	}
	return out
}

func (w *cameraWindow) trim(now time.Time) {
	cutoff := now.Add(-fpsWindow)
	i := 0
	for i < len(w.recent) && !w.recent[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.recent = append(w.recent[:0], w.recent[i:]...)
	}
}
