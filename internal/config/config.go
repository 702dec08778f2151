// Package config loads the avc-monitor configuration from YAML, the
// environment and command-line overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Backend       BackendConfig       `yaml:"backend"`
	HTTP          HTTPConfig          `yaml:"http"`
	WebRTC        WebRTCConfig        `yaml:"webrtc"`
	DetectionLine DetectionLineConfig `yaml:"detection_line"`
	Log           LogConfig           `yaml:"log"`
}

// ---- BACKEND ----

type BackendConfig struct {
	URL              string        `yaml:"url" validate:"required,url"`
	Path             string        `yaml:"path" validate:"required,startswith=/"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration `yaml:"write_timeout" validate:"gt=0"`
	Secret           string        `yaml:"secret"` // HS256 key for the handshake token; empty disables it
}

// ---- HTTP ----

type HTTPConfig struct {
	Addr              string        `yaml:"addr" validate:"required"`
	AssetsDir         string        `yaml:"assets_dir"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval" validate:"gt=0"`
	IdleFrameInterval time.Duration `yaml:"idle_frame_interval" validate:"gt=0"`
	CommandRate       float64       `yaml:"command_rate" validate:"gt=0"`
	CommandBurst      int           `yaml:"command_burst" validate:"gte=1"`
}

// ---- WEBRTC ----

type WebRTCConfig struct {
	Enabled     bool     `yaml:"enabled"`
	STUNServers []string `yaml:"stun_servers"`
	MaxClients  int      `yaml:"max_clients" validate:"gte=1"`
}

// ---- DETECTION LINE ----

type DetectionLineConfig struct {
	Default int `yaml:"default"`
	Min     int `yaml:"min" validate:"gte=0"`
	Max     int `yaml:"max" validate:"gtfield=Min"`
}

// ---- LOG ----

type LogConfig struct {
	Level      string `yaml:"level" validate:"oneof=debug info warn warning error silent none"`
	Color      bool   `yaml:"color"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
}

// DefaultConfig returns the lane defaults: backend on 127.0.0.1:5000 and a
// 100..400 px detection line slider.
func DefaultConfig() Config {
	return Config{
		Backend: BackendConfig{
			URL:              "http://127.0.0.1:5000",
			Path:             "/socket.io/",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			KeepaliveInterval: 30 * time.Second,
			IdleFrameInterval: 5 * time.Second,
			CommandRate:       2,
			CommandBurst:      4,
		},
		WebRTC: WebRTCConfig{
			Enabled:     true,
			STUNServers: []string{"stun:stun.l.google.com:19302"},
			MaxClients:  10,
		},
		DetectionLine: DetectionLineConfig{
			Default: 300,
			Min:     100,
			Max:     400,
		},
		Log: LogConfig{
			Level:      "info",
			Color:      true,
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 3,
		},
	}
}

// Load reads a YAML file on top of DefaultConfig. Keys missing from the
// file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// ApplyEnv loads an optional .env file and applies AVC_* overrides.
// A missing .env file is not an error.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if v := os.Getenv("AVC_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("AVC_BACKEND_SECRET"); v != "" {
		cfg.Backend.Secret = v
	}
	if v := os.Getenv("AVC_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("AVC_ASSETS_DIR"); v != "" {
		cfg.HTTP.AssetsDir = v
	}
	if v := os.Getenv("AVC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AVC_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("AVC_WEBRTC_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AVC_WEBRTC_ENABLED: %w", err)
		}
		cfg.WebRTC.Enabled = enabled
	}
	return nil
}

var validate = validator.New()

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: %s failed %q (value %v)", first.Namespace(), first.Tag(), first.Value())
		}
		return fmt.Errorf("config: %w", err)
	}

	dl := cfg.DetectionLine
	if dl.Default < dl.Min || dl.Default > dl.Max {
		return fmt.Errorf("config: detection_line.default %d outside [%d, %d]", dl.Default, dl.Min, dl.Max)
	}
	return nil
}
