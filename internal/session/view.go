package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/metrics"
	"github.com/gardu-avc/avc-monitor/internal/socketio"
	"github.com/gardu-avc/avc-monitor/pkg/types"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrLineOutOfRange = errors.New("detection line out of range")
)

const (
	levelInfo = "info"
	levelWarn = "warn"
)

// Channel is the duplex connection to the backend. *socketio.Client
// satisfies it.
type Channel interface {
	Events() <-chan socketio.Event
	Emit(event string, args ...any) error
	Close() error
}

// Dialer opens a new Channel.
type Dialer func(ctx context.Context) (Channel, error)

// SocketIODialer dials the backend's Socket.IO endpoint.
func SocketIODialer(baseURL string, opts socketio.Options) Dialer {
	return func(ctx context.Context) (Channel, error) {
		c, err := socketio.Dial(ctx, baseURL, opts)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configures a View.
type Options struct {
	Dial    Dialer
	Metrics *metrics.Metrics

	LineY   int
	LineMin int
	LineMax int

	ActivitySize int

	// OnFrame is called from the event loop for every decoded frame and must
	// not block.
	OnFrame func(types.JPEGFrame)
}

// View owns one backend channel at a time and the DisplayState it drives.
// Inbound events and operator commands run one at a time on a single event
// loop goroutine.
type View struct {
	opts    Options
	metrics *metrics.Metrics

	mu  sync.Mutex
	run *run

	stateMu     sync.RWMutex
	state       DisplayState
	activitySeq int

	subMu   sync.Mutex
	subs    map[int]chan DisplayState
	nextSub int
}

type run struct {
	ch   Channel
	cmds chan func()
	quit chan struct{}
	done chan struct{}
}

// NewView creates a View in the not-started state.
func NewView(opts Options) *View {
	if opts.LineMin == 0 && opts.LineMax == 0 {
		opts.LineMin, opts.LineMax = 100, 400
	}
	if opts.LineY == 0 {
		opts.LineY = 300
	}
	if opts.ActivitySize <= 0 {
		opts.ActivitySize = 32
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	return &View{
		opts:    opts,
		metrics: m,
		state:   NewDisplayState(opts.LineY),
		subs:    make(map[int]chan DisplayState),
	}
}

// Start opens the backend channel and starts the event loop. It fails with
// ErrAlreadyStarted until the previous channel has been stopped.
func (v *View) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.run != nil {
		return ErrAlreadyStarted
	}
	if v.opts.Dial == nil {
		return errors.New("session: no dialer configured")
	}

	ch, err := v.opts.Dial(ctx)
	if err != nil {
		v.mutate(func(s *DisplayState) (outcome, error) {
			return outcome{activity: fmt.Sprintf("Backend unreachable: %v", err), level: levelWarn}, nil
		})
		return fmt.Errorf("open backend channel: %w", err)
	}

	sessionID := uuid.NewString()
	v.mutate(func(s *DisplayState) (outcome, error) {
		activity := s.Activity
		*s = NewDisplayState(v.opts.LineY)
		s.Activity = activity
		s.SessionID = sessionID
		return outcome{activity: "Session " + sessionID + " started"}, nil
	})

	r := &run{
		ch:   ch,
		cmds: make(chan func()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	v.run = r
	go v.loop(r)
	return nil
}

// Stop ends the event loop and closes the channel. The channel is closed
// exactly once per successful Start.
func (v *View) Stop() error {
	v.mu.Lock()
	r := v.run
	v.run = nil
	v.mu.Unlock()

	if r == nil {
		return ErrNotStarted
	}

	close(r.quit)
	<-r.done

	err := r.ch.Close()
	v.handleDisconnect("session stopped")
	if err != nil {
		return fmt.Errorf("close backend channel: %w", err)
	}
	return nil
}

// Running reports whether a channel is currently owned.
func (v *View) Running() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.run != nil
}

// Connected reports whether the backend transport is up.
func (v *View) Connected() bool {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.state.BackendConnected
}

// Snapshot returns a copy of the current state.
func (v *View) Snapshot() DisplayState {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.state.Clone()
}

// LineRange returns the accepted detection line bounds.
func (v *View) LineRange() (int, int) {
	return v.opts.LineMin, v.opts.LineMax
}

// ResetClassification sends reset_classification and clears the analysis
// state locally.
func (v *View) ResetClassification() error {
	return v.reset(CommandReset, &v.metrics.ResetCommands, "Classification reset")
}

// HardReset sends hard_reset_system and clears the analysis state locally.
func (v *View) HardReset() error {
	return v.reset(CommandHardReset, &v.metrics.HardResetCommands, "Hard reset: all vehicle IDs cleared")
}

func (v *View) reset(command string, counter *atomic.Uint64, message string) error {
	counter.Add(1)
	applyLocal := func() {
		v.mutate(func(s *DisplayState) (outcome, error) {
			s.resetClassification()
			return outcome{activity: message, level: levelWarn}, nil
		})
	}

	// The local reset does not depend on delivery.
	err := v.do(func(ch Channel) error {
		emitErr := v.emit(ch, command)
		applyLocal()
		return emitErr
	})
	if errors.Is(err, ErrNotStarted) {
		applyLocal()
	}
	return err
}

// SetDetectionLine moves the backend's line-crossing position.
func (v *View) SetDetectionLine(y int) error {
	if y < v.opts.LineMin || y > v.opts.LineMax {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrLineOutOfRange, y, v.opts.LineMin, v.opts.LineMax)
	}

	return v.do(func(ch Channel) error {
		v.metrics.LineCommands.Add(1)
		if err := v.emit(ch, CommandSetDetectionLine, detectionLinePayload{LineY: y}); err != nil {
			return err
		}
		v.mutate(func(s *DisplayState) (outcome, error) {
			s.DetectionLineY = y
			return outcome{activity: fmt.Sprintf("Detection line moved to Y=%d", y)}, nil
		})
		return nil
	})
}

func (v *View) emit(ch Channel, event string, args ...any) error {
	if err := ch.Emit(event, args...); err != nil {
		v.metrics.EmitErrors.Add(1)
		logger.Warn("Session", "Emit %s failed: %v", event, err)
		return fmt.Errorf("emit %s: %w", event, err)
	}
	logger.Debug("Session", "Emitted %s", event)
	return nil
}

// do runs fn on the event loop and waits for it.
func (v *View) do(fn func(ch Channel) error) error {
	v.mu.Lock()
	r := v.run
	v.mu.Unlock()
	if r == nil {
		return ErrNotStarted
	}

	result := make(chan error, 1)
	select {
	case r.cmds <- func() { result <- fn(r.ch) }:
	case <-r.done:
		return ErrNotStarted
	}
	return <-result
}

func (v *View) loop(r *run) {
	defer close(r.done)

	events := r.ch.Events()
	for {
		select {
		case <-r.quit:
			return
		case fn := <-r.cmds:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				v.handleDisconnect("channel closed")
				continue
			}
			v.handleEvent(ev)
		}
	}
}

func (v *View) handleEvent(ev socketio.Event) {
	switch ev.Name {
	case socketio.EventConnect:
		v.metrics.SetConnected(true)
		v.mutate(func(s *DisplayState) (outcome, error) {
			s.BackendConnected = true
			return outcome{activity: "Connected to backend"}, nil
		})
		return
	case socketio.EventDisconnect:
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(ev.Data, &body)
		if body.Reason == "" {
			body.Reason = "transport"
		}
		v.handleDisconnect(body.Reason)
		return
	}

	v.countEvent(ev.Name)
	out, err := v.mutate(func(s *DisplayState) (outcome, error) {
		return reduce(s, ev.Name, ev.Data)
	})
	switch {
	case errors.Is(err, errUnknownEvent):
		v.metrics.UnknownEvents.Add(1)
		logger.Debug("Session", "Ignoring unknown event %q", ev.Name)
		return
	case err != nil:
		v.metrics.MalformedPayloads.Add(1)
		logger.Warn("Session", "Dropping %s: %v", ev.Name, err)
		return
	}

	if out.frame != nil {
		switch out.frame.Camera {
		case types.CameraOverhead:
			v.metrics.OverheadFrameBytes.Add(uint64(len(out.frame.Data)))
		case types.CameraFrontal:
			v.metrics.FrontalFrameBytes.Add(uint64(len(out.frame.Data)))
		}
		if v.opts.OnFrame != nil {
			v.opts.OnFrame(*out.frame)
		}
	}
}

func (v *View) handleDisconnect(reason string) {
	v.metrics.SetConnected(false)
	v.mutate(func(s *DisplayState) (outcome, error) {
		wasConnected := s.BackendConnected
		s.markDisconnected()
		if !wasConnected {
			return outcome{}, nil
		}
		return outcome{activity: "Disconnected from backend (" + reason + ")", level: levelWarn}, nil
	})
}

func (v *View) countEvent(name string) {
	switch name {
	case EventOverheadStream:
		v.metrics.OverheadEvents.Add(1)
	case EventFrontalStream:
		v.metrics.FrontalEvents.Add(1)
	case EventUpdateAnalysis:
		v.metrics.AnalysisEvents.Add(1)
	case EventClearAnalysis:
		v.metrics.ClearEvents.Add(1)
	}
}

// mutate applies fn under the state lock, records any activity and notifies
// subscribers when the rendered panel changed.
func (v *View) mutate(fn func(s *DisplayState) (outcome, error)) (outcome, error) {
	v.stateMu.Lock()
	before := v.state.panel(v.activitySeq)
	out, err := fn(&v.state)
	if err == nil && out.activity != "" {
		v.appendActivityLocked(out.level, out.activity)
	}
	changed := v.state.panel(v.activitySeq) != before
	var snap DisplayState
	if changed {
		snap = v.state.Clone()
	}
	v.stateMu.Unlock()

	if changed {
		v.publish(snap)
	}
	return out, err
}

func (v *View) appendActivityLocked(level, message string) {
	if level == "" {
		level = levelInfo
	}
	if level == levelWarn {
		logger.Warn("Session", "%s", message)
	} else {
		logger.Info("Session", "%s", message)
	}

	v.state.Activity = append(v.state.Activity, LogEntry{
		ID:      ulid.Make().String(),
		Time:    time.Now(),
		Level:   level,
		Message: message,
	})
	if n := len(v.state.Activity); n > v.opts.ActivitySize {
		v.state.Activity = append([]LogEntry(nil), v.state.Activity[n-v.opts.ActivitySize:]...)
	}
	v.activitySeq++
}

// Subscribe returns a channel receiving a snapshot after every visible state
// change. Slow subscribers miss snapshots rather than block the loop.
func (v *View) Subscribe() (int, <-chan DisplayState) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	id := v.nextSub
	v.nextSub++
	ch := make(chan DisplayState, 2)
	v.subs[id] = ch

	logger.Debug("Session", "Subscriber #%d added (total: %d)", id, len(v.subs))
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (v *View) Unsubscribe(id int) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	if ch, ok := v.subs[id]; ok {
		close(ch)
		delete(v.subs, id)
		logger.Debug("Session", "Subscriber #%d removed (remaining: %d)", id, len(v.subs))
	}
}

func (v *View) publish(snap DisplayState) {
	v.subMu.Lock()
	defer v.subMu.Unlock()

	for id, ch := range v.subs {
		select {
		case ch <- snap:
		default:
			logger.Debug("Session", "Subscriber #%d is slow, dropping snapshot", id)
		}
	}
}
