package webmonitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/klauspost/compress/gzhttp"

	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/metrics"
	"github.com/gardu-avc/avc-monitor/internal/session"
	"github.com/gardu-avc/avc-monitor/internal/webrtc"
	"github.com/gardu-avc/avc-monitor/pkg/types"
)

const maxBodyBytes = 64 << 10

var errBadRequest = errors.New("bad request")

// Controller is the session surface the dashboard drives.
type Controller interface {
	Start(ctx context.Context) error
	Stop() error
	Snapshot() session.DisplayState
	Subscribe() (int, <-chan session.DisplayState)
	Unsubscribe(id int)
	Connected() bool
	ResetClassification() error
	HardReset() error
	SetDetectionLine(y int) error
	LineRange() (int, int)
}

// Server serves the AVC dashboard endpoints.
type Server struct {
	cfg          Config
	ctrl         Controller
	frames       *FrameHub
	metrics      *metrics.Metrics
	status       *StatusBroadcaster
	webrtc       *webrtc.Server
	limiter      *ipLimiter
	validate     *validator.Validate
	placeholders map[types.Camera][]byte
}

type lineRequest struct {
	LineY *int `json:"line_y" validate:"required"`
}

// NewServer returns a configured dashboard server with its status
// broadcaster running.
func NewServer(cfg Config, ctrl Controller, frames *FrameHub, m *metrics.Metrics) *Server {
	cfg = cfg.withDefaults()
	if frames == nil {
		frames = NewFrameHub()
	}
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:          cfg,
		ctrl:         ctrl,
		frames:       frames,
		metrics:      m,
		limiter:      newIPLimiter(cfg.CommandRate, cfg.CommandBurst),
		validate:     validator.New(),
		placeholders: make(map[types.Camera][]byte, len(types.Cameras)),
	}

	for _, c := range types.Cameras {
		img, err := placeholderJPEG(fmt.Sprintf("%s: menunggu stream video...", strings.ToUpper(c.String())))
		if err != nil {
			logger.Error("WebMonitor", "Failed to render %s placeholder: %v", c, err)
			continue
		}
		s.placeholders[c] = img
	}

	s.status = NewStatusBroadcaster(ctrl, s.statusPayload, cfg.StatusInterval)
	if cfg.WebRTCEnabled {
		s.webrtc = webrtc.NewServer(cfg.STUNServers, cfg.MaxWebRTCClients, m)
		s.webrtc.SetInitial(func() []byte {
			event, err := serializeStatus(s.statusPayload())
			if err != nil {
				return nil
			}
			return event.JSONData
		})
		s.status.AddSink(func(event *SerializedEvent) {
			s.webrtc.Broadcast(event.JSONData)
		})
	}
	s.status.Start()

	return s
}

// Close stops background broadcasters and drops WebRTC peers.
func (s *Server) Close() {
	s.status.Stop()
	if s.webrtc != nil {
		s.webrtc.Close()
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Streaming routes stay uncompressed.
	mux.Handle("/", gzhttp.GzipHandler(http.HandlerFunc(s.handleIndex)))
	mux.Handle("/assets/", gzhttp.GzipHandler(http.StripPrefix("/assets/", newAssetHandler(s.cfg.AssetsDir))))
	mux.HandleFunc("/stream/", s.handleStream)
	mux.HandleFunc("/snapshot/", s.handleSnapshot)
	mux.Handle("/api/status", gzhttp.GzipHandler(http.HandlerFunc(s.handleStatus)))
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/reset/classification", s.command(false, s.handleResetClassification))
	mux.HandleFunc("/api/reset/hard", s.command(false, s.handleHardReset))
	mux.HandleFunc("/api/detection_line", s.command(true, s.handleDetectionLine))
	mux.HandleFunc("/api/session/reconnect", s.command(false, s.handleReconnect))
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)

	return mux
}

func (s *Server) statusPayload() StatusPayload {
	lineMin, lineMax := s.ctrl.LineRange()
	return StatusPayload{
		DisplayState: s.ctrl.Snapshot(),
		LineMin:      lineMin,
		LineMax:      lineMax,
		Cameras:      s.frames.Stats(),
		Timestamp:    float64(time.Now().UnixNano()) / 1e9,
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	camera, ok := types.ParseCamera(strings.TrimPrefix(r.URL.Path, "/stream/"))
	if !ok {
		http.NotFound(w, r)
		return
	}

	fb := s.frames.Broadcaster(camera)
	id, frameCh := fb.Subscribe()
	defer fb.Unsubscribe(id)

	s.metrics.MJPEGClients.Add(1)
	defer s.metrics.MJPEGClients.Add(-1)

	streamMJPEGFromChannel(w, r, frameCh, s.placeholders[camera], s.cfg.IdleFrameInterval)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	contentType := negotiate(r.Header.Get("Accept"))
	data, err := encodeStatus(s.statusPayload(), contentType)
	if err != nil {
		logger.Error("WebMonitor", "Encode status (%s) failed: %v", contentType, err)
		writeJSONWithStatus(w, map[string]any{"error": "failed to encode status"}, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Vary", "Accept")
	_, _ = w.Write(data)
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.status.Subscribe()
	defer s.status.Unsubscribe(id)

	s.metrics.SSEClients.Add(1)
	defer s.metrics.SSEClients.Add(-1)

	useProtobuf := negotiate(r.Header.Get("Accept")) == contentProtobuf

	initial, err := serializeStatus(s.statusPayload())
	if err != nil {
		logger.Error("WebMonitor", "Serialize initial status failed: %v", err)
	}
	streamStatusEventsFromChannel(w, r, initial, eventCh, useProtobuf, s.cfg.KeepaliveInterval)
}

// command wraps an operator endpoint with method, rate and connection checks.
func (s *Server) command(requireConnected bool, action func(r *http.Request) (map[string]any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			writeJSONWithStatus(w, map[string]any{"error": "method not allowed"}, http.StatusMethodNotAllowed)
			return
		}
		if !s.limiter.Allow(clientIP(r)) {
			s.metrics.RateLimited.Add(1)
			writeJSONWithStatus(w, map[string]any{"error": "too many requests"}, http.StatusTooManyRequests)
			return
		}
		if requireConnected && !s.ctrl.Connected() {
			writeJSONWithStatus(w, map[string]any{"error": "not connected"}, http.StatusServiceUnavailable)
			return
		}

		payload, err := action(r)
		switch {
		case err == nil:
			if payload == nil {
				payload = map[string]any{}
			}
			payload["status"] = "ok"
			writeJSON(w, payload)
		case errors.Is(err, session.ErrNotStarted):
			writeJSONWithStatus(w, map[string]any{"error": "not connected"}, http.StatusServiceUnavailable)
		case errors.Is(err, session.ErrLineOutOfRange), errors.Is(err, errBadRequest):
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		default:
			logger.Warn("WebMonitor", "%s failed: %v", r.URL.Path, err)
			writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadGateway)
		}
	}
}

func (s *Server) handleResetClassification(r *http.Request) (map[string]any, error) {
	return resetResult(s.ctrl.ResetClassification()), nil
}

func (s *Server) handleHardReset(r *http.Request) (map[string]any, error) {
	return resetResult(s.ctrl.HardReset()), nil
}

// resetResult reports whether the backend got the command. The panel is
// cleared locally either way.
func resetResult(err error) map[string]any {
	if err != nil {
		logger.Warn("WebMonitor", "Reset not delivered: %v", err)
		return map[string]any{"delivered": false, "warning": err.Error()}
	}
	return map[string]any{"delivered": true}
}

func (s *Server) handleDetectionLine(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", errBadRequest, err)
	}

	var req lineRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON body", errBadRequest)
	}
	if err := s.validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: line_y is required", errBadRequest)
	}

	if err := s.ctrl.SetDetectionLine(*req.LineY); err != nil {
		return nil, err
	}
	return map[string]any{"line_y": *req.LineY}, nil
}

func (s *Server) handleReconnect(r *http.Request) (map[string]any, error) {
	if err := s.ctrl.Stop(); err != nil && !errors.Is(err, session.ErrNotStarted) {
		logger.Warn("WebMonitor", "Stop before reconnect: %v", err)
	}
	if err := s.ctrl.Start(r.Context()); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": s.ctrl.Snapshot().SessionID}, nil
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.webrtc == nil {
		writeJSONWithStatus(w, map[string]any{"error": "WebRTC disabled"}, http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.webrtc.HandleOffer(body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, webrtc.ErrMaxClients) {
			status = http.StatusServiceUnavailable
		}
		logger.Warn("WebMonitor", "WebRTC offer rejected: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":            "ok",
		"backend_connected": s.ctrl.Connected(),
	}
	if s.webrtc != nil {
		payload["webrtc_peers"] = s.webrtc.Stats()
	}
	writeJSON(w, payload)
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
