package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Backend.URL != "http://127.0.0.1:5000" {
		t.Fatalf("backend url = %q", cfg.Backend.URL)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeFile(t, "avc.yaml", `
backend:
  url: http://10.0.0.5:5000
  handshake_timeout: 3s
http:
  addr: ":9000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "http://10.0.0.5:5000" {
		t.Fatalf("backend url = %q", cfg.Backend.URL)
	}
	if cfg.Backend.HandshakeTimeout != 3*time.Second {
		t.Fatalf("handshake timeout = %v", cfg.Backend.HandshakeTimeout)
	}
	if cfg.Backend.Path != "/socket.io/" {
		t.Fatalf("path default lost: %q", cfg.Backend.Path)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.DetectionLine.Max != 400 {
		t.Fatalf("detection line max default lost: %d", cfg.DetectionLine.Max)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "backend: [unterminated")
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad url", func(c *Config) { c.Backend.URL = "not a url" }, "URL"},
		{"path without slash", func(c *Config) { c.Backend.Path = "socket.io" }, "Path"},
		{"line range inverted", func(c *Config) { c.DetectionLine.Max = 50 }, "Max"},
		{"default outside range", func(c *Config) { c.DetectionLine.Default = 50 }, "detection_line.default"},
		{"unknown log level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"zero burst", func(c *Config) { c.HTTP.CommandBurst = 0 }, "CommandBurst"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := Validate(&cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	envPath := writeFile(t, ".env", "AVC_BACKEND_URL=http://192.168.1.20:5000\nAVC_LOG_LEVEL=debug\n")
	t.Setenv("AVC_HTTP_ADDR", ":7070")
	t.Setenv("AVC_WEBRTC_ENABLED", "false")
	t.Setenv("AVC_BACKEND_SECRET", "lane-7")
	t.Cleanup(func() {
		os.Unsetenv("AVC_BACKEND_URL")
		os.Unsetenv("AVC_LOG_LEVEL")
	})

	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg, envPath); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Backend.URL != "http://192.168.1.20:5000" {
		t.Fatalf("backend url = %q", cfg.Backend.URL)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Log.Level)
	}
	if cfg.HTTP.Addr != ":7070" {
		t.Fatalf("http addr = %q", cfg.HTTP.Addr)
	}
	if cfg.WebRTC.Enabled {
		t.Fatal("webrtc should be disabled")
	}
	if cfg.Backend.Secret != "lane-7" {
		t.Fatalf("backend secret = %q", cfg.Backend.Secret)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	if err := ApplyEnv(&cfg, filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}
