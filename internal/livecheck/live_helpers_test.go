// Package livecheck exercises a running avc-monitor over HTTP. The tests
// skip unless AVC_BASE_URL points at a reachable dashboard.
package livecheck

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultRequestTimeout = 2 * time.Second

type liveClient struct {
	baseURL string
	client  *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := strings.TrimRight(os.Getenv("AVC_BASE_URL"), "/")
	if baseURL == "" {
		t.Skip("AVC_BASE_URL not set")
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/healthz") {
		t.Skipf("dashboard not reachable at %s", baseURL)
	}

	return &liveClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (c *liveClient) do(t *testing.T, method, path string, body []byte, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *liveClient) get(t *testing.T, path string, header ...string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, nil, header...)
}

func (c *liveClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return c.do(t, http.MethodPost, path, data, "Content-Type", "application/json")
}

// readHead returns the response headers and the first bytes of a streaming
// endpoint.
func (c *liveClient) readHead(t *testing.T, path string, n int) (http.Header, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	buf := make([]byte, n)
	read, err := io.ReadAtLeast(resp.Body, buf, n)
	if err != nil {
		t.Fatalf("read %s: %v (got %d bytes)", path, err, read)
	}
	return resp.Header, buf
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if payload, ok := strings.CutPrefix(line, "data:"); ok {
			return decodeJSONMap(t, []byte(strings.TrimSpace(payload)))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func assertStatusPayload(t *testing.T, payload map[string]any) {
	t.Helper()

	for _, field := range []string{"overhead_status", "frontal_status"} {
		switch status := requireString(t, payload[field], field); status {
		case "connected", "disconnected", "pending":
		default:
			t.Fatalf("%s = %q", field, status)
		}
	}
	requireString(t, payload["vehicle_id"], "vehicle_id")
	requireString(t, payload["classification"], "classification")
	requireString(t, payload["detection_time"], "detection_time")
	requireString(t, payload["session_id"], "session_id")
	requireBool(t, payload["backend_connected"], "backend_connected")

	axles := requireNumber(t, payload["axle_count"], "axle_count")
	if axles < 0 {
		t.Fatalf("axle_count = %v", axles)
	}
	requireNumber(t, payload["detected_axles"], "detected_axles")

	line := requireNumber(t, payload["detection_line_y"], "detection_line_y")
	lo := requireNumber(t, payload["detection_line_min"], "detection_line_min")
	hi := requireNumber(t, payload["detection_line_max"], "detection_line_max")
	if line < lo || line > hi {
		t.Fatalf("detection_line_y %v outside [%v, %v]", line, lo, hi)
	}

	if tire, ok := payload["tire_config"]; !ok {
		t.Fatal("tire_config missing")
	} else if tire != nil {
		requireString(t, tire, "tire_config")
	}

	cameras, ok := payload["cameras"].([]any)
	if !ok || len(cameras) != 2 {
		t.Fatalf("cameras = %v", payload["cameras"])
	}
}
