package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/gardu-avc/avc-monitor/internal/auth"
	"github.com/gardu-avc/avc-monitor/internal/frames"
	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/session"
	"github.com/gardu-avc/avc-monitor/internal/socketio"
	"github.com/gardu-avc/avc-monitor/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	tireSingle = "single_tire"
	tireDouble = "double_tire"

	systemActive  = "AKTIF"
	systemStandby = "STANDBY"
)

// Options configures the simulated backend.
type Options struct {
	Addr   string
	FPS    int
	Cycle  time.Duration
	Secret string
	LineY  int
	Width  int
	Height int
}

// Simulator plays the detection backend: it streams synthetic frames for
// both cameras and cycles a vehicle through the analysis panel.
type Simulator struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	opts   Options

	sio        *socketio.Server
	httpServer *http.Server

	mu         sync.Mutex
	vehicleSeq int
	lineY      int
	axles      int
	tire       *string
	active     bool
	frameNum   map[types.Camera]uint64
}

func main() {
	opts := Options{Width: frames.Width, Height: frames.Height}
	var logLevel string
	var logColor bool

	flagSet := pflag.NewFlagSet("avc-sim", pflag.ContinueOnError)
	flagSet.StringVar(&opts.Addr, "http", ":5000", "Socket.IO listen address")
	flagSet.IntVar(&opts.FPS, "fps", 10, "frames per second per camera")
	flagSet.DurationVar(&opts.Cycle, "cycle", 8*time.Second, "vehicle cycle; the panel clears after half a cycle")
	flagSet.StringVar(&opts.Secret, "secret", "", "require a handshake token signed with this HS256 key")
	flagSet.IntVar(&opts.LineY, "line-y", 300, "initial detection line position")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error, silent)")
	flagSet.BoolVar(&logColor, "log-color", term.IsTerminal(int(os.Stderr.Fd())), "enable colored log output")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(2)
	}
	logger.Init(level, os.Stderr, logColor)

	sim, err := NewSimulator(opts)
	if err != nil {
		logger.Error("Main", "Failed to create simulator: %v", err)
		os.Exit(1)
	}
	sim.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Main", "Shutting down...")
	if err := sim.Shutdown(); err != nil {
		logger.Warn("Main", "Error during shutdown: %v", err)
	}
	logger.Info("Main", "Simulator stopped")
}

// NewSimulator creates a simulator listening on opts.Addr.
func NewSimulator(opts Options) (*Simulator, error) {
	if opts.FPS <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %d", opts.FPS)
	}
	if opts.Cycle <= 0 {
		return nil, fmt.Errorf("cycle must be positive, got %v", opts.Cycle)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Simulator{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		lineY:    opts.LineY,
		frameNum: make(map[types.Camera]uint64, len(types.Cameras)),
	}

	sioOpts := socketio.ServerOptions{}
	if opts.Secret != "" {
		sioOpts.Authorize = s.authorize
	}
	s.sio = socketio.NewServer(sioOpts)
	s.sio.On(session.CommandReset, s.handleReset)
	s.sio.On(session.CommandHardReset, s.handleHardReset)
	s.sio.On(session.CommandSetDetectionLine, s.handleDetectionLine)
	s.sio.OnConnect(func(sid string) {
		logger.Info("Sim", "Dashboard %s attached", sid)
	})

	mux := http.NewServeMux()
	mux.Handle("/socket.io/", s.sio)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start launches the HTTP server, the frame emitters and the analysis cycle.
func (s *Simulator) Start() {
	logger.Info("Sim", "Starting backend simulator...")
	logger.Info("Sim", "  Socket.IO: %s/socket.io/", s.opts.Addr)
	logger.Info("Sim", "  FPS: %d, vehicle cycle: %v", s.opts.FPS, s.opts.Cycle)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Sim", "HTTP server error: %v", err)
		}
	}()

	s.startWorkers()
}

func (s *Simulator) startWorkers() {
	s.wg.Add(len(types.Cameras) + 1)
	for _, c := range types.Cameras {
		go s.streamFrames(c)
	}
	go s.cycleAnalysis()
}

// Shutdown stops all goroutines and disconnects clients.
func (s *Simulator) Shutdown() error {
	s.cancel()
	s.sio.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)

	s.wg.Wait()
	return err
}

func (s *Simulator) authorize(r *http.Request) error {
	subject, err := auth.VerifyRequest(r, s.opts.Secret)
	if err != nil {
		logger.Warn("Sim", "Rejected handshake from %s: %v", r.RemoteAddr, err)
		return errors.New("unauthorized")
	}
	logger.Debug("Sim", "Handshake token accepted for %s", subject)
	return nil
}

// streamFrames emits <camera>_stream at the configured rate while a
// dashboard is attached.
func (s *Simulator) streamFrames(camera types.Camera) {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second / time.Duration(s.opts.FPS))
	defer ticker.Stop()

	idleCount := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.sio.Clients() == 0 {
				idleCount++
				if idleCount%(s.opts.FPS*10) == 0 {
					logger.Debug("Sim", "%s: no dashboard attached, idle (count=%d)", camera, idleCount)
				}
				continue
			}
			idleCount = 0

			payload, err := s.framePayload(camera)
			if err != nil {
				logger.Warn("Sim", "%s: render failed: %v", camera, err)
				continue
			}
			s.sio.Emit(camera.StreamEvent(), payload)
		}
	}
}

func (s *Simulator) framePayload(camera types.Camera) (map[string]any, error) {
	s.mu.Lock()
	s.frameNum[camera]++
	num := s.frameNum[camera]
	lineY := s.lineY
	axles := s.axles
	tire := s.tire
	active := s.active
	vehicle := session.NoVehicleID
	if active {
		vehicle = fmt.Sprintf("TRK-%d", s.vehicleSeq)
	}
	s.mu.Unlock()

	caption := []string{
		fmt.Sprintf("%s #%d", strings.ToUpper(camera.String()), num),
		fmt.Sprintf("%s  line Y=%d", vehicle, lineY),
	}
	img, err := frames.ColorBars(s.opts.Width, s.opts.Height, caption...)
	if err != nil {
		return nil, err
	}

	system := systemStandby
	if active {
		system = systemActive
	}
	payload := map[string]any{
		"image_data":        base64.StdEncoding.EncodeToString(img),
		"connection_status": "connected",
		"system_status":     system,
	}
	switch camera {
	case types.CameraOverhead:
		payload["detected_axles"] = axles
	case types.CameraFrontal:
		if tire != nil {
			payload["tire_config"] = *tire
		} else {
			payload["tire_config"] = nil
		}
	}
	return payload, nil
}

// cycleAnalysis alternates a vehicle detection and a panel clear every half
// cycle.
func (s *Simulator) cycleAnalysis() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.Cycle / 2)
	defer ticker.Stop()

	detect := true
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if detect {
				s.sio.Emit(session.EventUpdateAnalysis, s.nextVehicle(time.Now()))
			} else {
				s.clearVehicle()
				s.sio.Emit(session.EventClearAnalysis)
			}
			detect = !detect
		}
	}
}

func (s *Simulator) nextVehicle(now time.Time) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vehicleSeq++
	s.axles = 2 + rand.IntN(4)
	tire := tireSingle
	if s.axles > 2 || rand.IntN(2) == 0 {
		tire = tireDouble
	}
	s.tire = &tire
	s.active = true

	id := fmt.Sprintf("TRK-%d", s.vehicleSeq)
	class := classify(s.axles, tire)
	logger.Info("Sim", "Vehicle %s: %d axles, %s, %s", id, s.axles, tire, class)

	return map[string]any{
		"vehicle_id":     id,
		"classification": class,
		"axle_count":     s.axles,
		"detection_time": now.Format("15:04:05"),
	}
}

func (s *Simulator) clearVehicle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// classify maps axle count and tire configuration onto the toll road vehicle
// groups (golongan).
func classify(axles int, tire string) string {
	switch {
	case axles <= 2 && tire == tireSingle:
		return "Golongan I"
	case axles <= 2:
		return "Golongan II"
	case axles == 3:
		return "Golongan III"
	case axles == 4:
		return "Golongan IV"
	default:
		return "Golongan V"
	}
}

func (s *Simulator) handleReset(sid string, _ []byte) {
	s.mu.Lock()
	s.active = false
	s.axles = 0
	s.tire = nil
	s.mu.Unlock()
	logger.Info("Sim", "Classification reset by %s", sid)
}

func (s *Simulator) handleHardReset(sid string, _ []byte) {
	s.mu.Lock()
	s.active = false
	s.axles = 0
	s.tire = nil
	s.vehicleSeq = 0
	s.mu.Unlock()
	logger.Warn("Sim", "Hard reset by %s: vehicle counter cleared", sid)
}

func (s *Simulator) handleDetectionLine(sid string, data []byte) {
	var body struct {
		LineY *int `json:"line_y"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.LineY == nil {
		logger.Warn("Sim", "Bad set_detection_line from %s: %s", sid, data)
		return
	}

	s.mu.Lock()
	s.lineY = *body.LineY
	s.mu.Unlock()
	logger.Info("Sim", "Detection line set to Y=%d by %s", *body.LineY, sid)
}

func (s *Simulator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.sio.Clients(),
	})
}
