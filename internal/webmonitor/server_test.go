package webmonitor

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gardu-avc/avc-monitor/internal/metrics"
	"github.com/gardu-avc/avc-monitor/internal/session"
	"github.com/gardu-avc/avc-monitor/internal/socketio"
	"github.com/gardu-avc/avc-monitor/pkg/types"
)

type fakeChannel struct {
	events chan socketio.Event

	mu    sync.Mutex
	emits []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan socketio.Event)}
}

func (f *fakeChannel) Events() <-chan socketio.Event { return f.events }

func (f *fakeChannel) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emits = append(f.emits, event)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) emitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.emits...)
}

func (f *fakeChannel) send(t *testing.T, name, data string) {
	t.Helper()
	ev := socketio.Event{Name: name}
	if data != "" {
		ev.Data = []byte(data)
	}
	select {
	case f.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatalf("event loop did not take %s", name)
	}
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	view    *session.View
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels []*fakeChannel
}

func (e *testEnv) channel() *fakeChannel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channels[len(e.channels)-1]
}

func (e *testEnv) dials() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.channels)
}

func newTestEnv(t *testing.T, cfg Config, connect bool) *testEnv {
	t.Helper()

	env := &testEnv{metrics: metrics.New()}
	hub := NewFrameHub()
	env.view = session.NewView(session.Options{
		Metrics: env.metrics,
		OnFrame: hub.Publish,
		Dial: func(ctx context.Context) (session.Channel, error) {
			ch := newFakeChannel()
			env.mu.Lock()
			env.channels = append(env.channels, ch)
			env.mu.Unlock()
			return ch, nil
		},
	})
	if err := env.view.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { env.view.Stop() })

	if connect {
		env.channel().send(t, socketio.EventConnect, "")
		waitFor(t, env.view.Connected)
	}

	env.srv = NewServer(cfg, env.view, hub, env.metrics)
	t.Cleanup(env.srv.Close)
	env.handler = env.srv.Handler()
	return env
}

func (e *testEnv) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCommandRequiresPost(t *testing.T) {
	env := newTestEnv(t, Config{}, true)

	for _, path := range []string{"/api/reset/classification", "/api/reset/hard", "/api/detection_line", "/api/session/reconnect"} {
		rec := env.do(http.MethodGet, path, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("GET %s = %d, want 405", path, rec.Code)
		}
	}
	if got := env.channel().emitted(); len(got) != 0 {
		t.Fatalf("emitted %v on rejected requests", got)
	}
}

func TestCommandsWhileDisconnected(t *testing.T) {
	env := newTestEnv(t, Config{CommandBurst: 10}, true)
	ch := env.channel()
	ch.send(t, session.EventUpdateAnalysis, `{"vehicle_id":"TRK-128","classification":"II","axle_count":2,"detection_time":"20:15:30"}`)
	ch.send(t, socketio.EventDisconnect, "")
	waitFor(t, func() bool {
		snap := env.view.Snapshot()
		return snap.VehicleID == "TRK-128" && !snap.BackendConnected
	})

	rec := env.do(http.MethodPost, "/api/reset/hard", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hard reset = %d %s", rec.Code, rec.Body.String())
	}
	if got := env.view.Snapshot().VehicleID; got != session.NoVehicleID {
		t.Fatalf("VehicleID = %q after reset", got)
	}
	if got := ch.emitted(); len(got) != 1 || got[0] != session.CommandHardReset {
		t.Fatalf("emitted %v", got)
	}

	rec = env.do(http.MethodPost, "/api/detection_line", `{"line_y":250}`)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "not connected") {
		t.Fatalf("detection line = %d %s", rec.Code, rec.Body.String())
	}
}

func TestResetWithoutSession(t *testing.T) {
	env := newTestEnv(t, Config{CommandBurst: 10}, true)
	env.channel().send(t, session.EventUpdateAnalysis, `{"vehicle_id":"TRK-9","classification":"I","axle_count":2,"detection_time":"07:00:00"}`)
	waitFor(t, func() bool { return env.view.Snapshot().VehicleID == "TRK-9" })
	if err := env.view.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rec := env.do(http.MethodPost, "/api/reset/classification", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset = %d %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status    string `json:"status"`
		Delivered bool   `json:"delivered"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Delivered {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if got := env.view.Snapshot().VehicleID; got != session.NoVehicleID {
		t.Fatalf("VehicleID = %q after reset", got)
	}
}

func TestResetCommandsEmit(t *testing.T) {
	env := newTestEnv(t, Config{CommandBurst: 10}, true)

	if rec := env.do(http.MethodPost, "/api/reset/classification", ""); rec.Code != http.StatusOK {
		t.Fatalf("reset classification = %d %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(http.MethodPost, "/api/reset/hard", ""); rec.Code != http.StatusOK {
		t.Fatalf("hard reset = %d %s", rec.Code, rec.Body.String())
	}

	got := env.channel().emitted()
	want := []string{session.CommandReset, session.CommandHardReset}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	if env.metrics.HardResetCommands.Load() != 1 {
		t.Fatalf("HardResetCommands = %d", env.metrics.HardResetCommands.Load())
	}
}

func TestDetectionLine(t *testing.T) {
	env := newTestEnv(t, Config{CommandBurst: 10}, true)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"in range", `{"line_y":250}`, http.StatusOK},
		{"out of range", `{"line_y":999}`, http.StatusBadRequest},
		{"missing", `{}`, http.StatusBadRequest},
		{"not json", `line`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/detection_line", tt.body)
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.code, rec.Body.String())
			}
		})
	}

	if got := env.view.Snapshot().DetectionLineY; got != 250 {
		t.Fatalf("DetectionLineY = %d, want 250", got)
	}
	if got := env.channel().emitted(); len(got) != 1 || got[0] != session.CommandSetDetectionLine {
		t.Fatalf("emitted %v", got)
	}
}

func TestCommandRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{CommandRate: 0.001, CommandBurst: 2}, true)

	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/api/reset/classification", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := env.do(http.MethodPost, "/api/reset/classification", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if env.metrics.RateLimited.Load() != 1 {
		t.Fatalf("RateLimited = %d", env.metrics.RateLimited.Load())
	}
	if got := len(env.channel().emitted()); got != 2 {
		t.Fatalf("emitted %d commands, want 2", got)
	}
}

func TestReconnect(t *testing.T) {
	env := newTestEnv(t, Config{}, true)
	before := env.view.Snapshot().SessionID

	rec := env.do(http.MethodPost, "/api/session/reconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if env.dials() != 2 {
		t.Fatalf("dials = %d, want 2", env.dials())
	}
	snap := env.view.Snapshot()
	if snap.SessionID == before || !strings.Contains(rec.Body.String(), snap.SessionID) {
		t.Fatalf("session id %q not renewed (was %q)", snap.SessionID, before)
	}
	if snap.BackendConnected {
		t.Fatal("connected before the new channel reported connect")
	}
}

func TestStatusNegotiation(t *testing.T) {
	env := newTestEnv(t, Config{}, true)

	rec := env.do(http.MethodGet, "/api/status", "")
	if ct := rec.Header().Get("Content-Type"); ct != contentJSON {
		t.Fatalf("Content-Type = %q", ct)
	}
	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if doc["vehicle_id"] != session.NoVehicleID || doc["detection_line_min"] != float64(100) {
		t.Fatalf("json status = %v", doc)
	}
	if doc["backend_connected"] != true {
		t.Fatalf("backend_connected = %v", doc["backend_connected"])
	}

	rec = env.do(http.MethodGet, "/api/status", "", "Accept", "application/x-protobuf")
	if ct := rec.Header().Get("Content-Type"); ct != contentProtobuf {
		t.Fatalf("Content-Type = %q", ct)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode protobuf: %v", err)
	}
	if got := st.Fields["classification"].GetStringValue(); got != session.NoClassification {
		t.Fatalf("protobuf classification = %q", got)
	}

	rec = env.do(http.MethodGet, "/api/status", "", "Accept", contentCBOR)
	var cdoc map[string]any
	if err := cbor.Unmarshal(rec.Body.Bytes(), &cdoc); err != nil {
		t.Fatalf("decode cbor: %v", err)
	}
	if cdoc["detection_time"] != session.NoDetectionTime {
		t.Fatalf("cbor status = %v", cdoc)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status    string `json:"status"`
		Connected bool   `json:"backend_connected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Connected {
		t.Fatalf("healthz = %+v", body)
	}
}

func TestIndexAndAssets(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Automatic Vehicle Classification") {
		t.Fatalf("index = %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/nope = %d", rec.Code)
	}
	for _, path := range []string{"/assets/monitor.js", "/assets/monitor.css"} {
		if rec := env.do(http.MethodGet, path, ""); rec.Code != http.StatusOK {
			t.Errorf("%s = %d", path, rec.Code)
		}
	}
}

func TestWebRTCDisabled(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(http.MethodPost, "/api/webrtc/offer", `{"type":"offer","sdp":""}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestMJPEGStreamStartsWithPlaceholder(t *testing.T) {
	env := newTestEnv(t, Config{}, false)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	if rec := env.do(http.MethodGet, "/stream/side", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("/stream/side = %d", rec.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/overhead", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary=frame" {
		t.Fatalf("Content-Type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil || line != "--frame\r\n" {
		t.Fatalf("first line = %q, %v", line, err)
	}
	line, _ = r.ReadString('\n')
	if line != "Content-Type: image/jpeg\r\n" {
		t.Fatalf("part header = %q", line)
	}
}

func TestStatusStreamPushesChanges(t *testing.T) {
	env := newTestEnv(t, Config{KeepaliveInterval: time.Hour, StatusInterval: time.Hour}, true)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/status/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("X-Content-Format"); got != contentJSON {
		t.Fatalf("X-Content-Format = %q", got)
	}

	events := make(chan map[string]any, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var doc map[string]any
			if json.Unmarshal([]byte(data), &doc) == nil {
				events <- doc
			}
		}
		close(events)
	}()

	next := func() map[string]any {
		select {
		case doc, ok := <-events:
			if !ok {
				t.Fatal("stream closed")
			}
			return doc
		case <-time.After(2 * time.Second):
			t.Fatal("no status event")
		}
		return nil
	}

	if doc := next(); doc["vehicle_id"] != session.NoVehicleID {
		t.Fatalf("initial vehicle_id = %v", doc["vehicle_id"])
	}

	env.channel().send(t, session.EventUpdateAnalysis,
		`{"vehicle_id":"TRK-7","axle_count":3,"classification":"Gol III","detection_time":"10:00:00"}`)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("analysis update never streamed")
		default:
		}
		if doc := next(); doc["vehicle_id"] == "TRK-7" {
			if doc["classification"] != "Gol III" {
				t.Fatalf("classification = %v", doc["classification"])
			}
			return
		}
	}
}

func TestIndexIsCompressed(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(http.MethodGet, "/", "", "Accept-Encoding", "gzip")
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	html, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(html), "activity-log") {
		t.Fatal("decompressed index lacks the activity log")
	}
}

func TestSnapshotETag(t *testing.T) {
	env := newTestEnv(t, Config{}, false)

	rec := env.do(http.MethodGet, "/snapshot/frontal.jpg", "")
	if rec.Code != http.StatusOK || rec.Header().Get("ETag") != "" {
		t.Fatalf("placeholder snapshot = %d etag=%q", rec.Code, rec.Header().Get("ETag"))
	}

	frame := []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02, 0xff, 0xd9}
	env.srv.frames.Publish(types.JPEGFrame{Camera: types.CameraFrontal, Data: frame})

	rec = env.do(http.MethodGet, "/snapshot/frontal.jpg", "")
	etag := rec.Header().Get("ETag")
	if rec.Code != http.StatusOK || etag == "" || !bytes.Equal(rec.Body.Bytes(), frame) {
		t.Fatalf("snapshot = %d etag=%q len=%d", rec.Code, etag, rec.Body.Len())
	}
	if etag != frameETag(frame) {
		t.Fatalf("etag = %q, want %q", etag, frameETag(frame))
	}

	rec = env.do(http.MethodGet, "/snapshot/frontal.jpg", "", "If-None-Match", etag)
	if rec.Code != http.StatusNotModified {
		t.Fatalf("conditional snapshot = %d, want 304", rec.Code)
	}

	if rec := env.do(http.MethodGet, "/snapshot/rear.jpg", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown camera = %d", rec.Code)
	}
}
