package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the dashboard server.
type Config struct {
	Addr              string
	AssetsDir         string // optional override for the embedded assets
	StatusInterval    time.Duration
	KeepaliveInterval time.Duration
	IdleFrameInterval time.Duration
	CommandRate       float64
	CommandBurst      int
	WebRTCEnabled     bool
	STUNServers       []string
	MaxWebRTCClients  int
}

// DefaultConfig returns the dashboard defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		StatusInterval:    2 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		IdleFrameInterval: 5 * time.Second,
		CommandRate:       2,
		CommandBurst:      4,
		WebRTCEnabled:     true,
		STUNServers:       []string{"stun:stun.l.google.com:19302"},
		MaxWebRTCClients:  10,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = def.StatusInterval
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.IdleFrameInterval <= 0 {
		c.IdleFrameInterval = def.IdleFrameInterval
	}
	if c.CommandRate <= 0 {
		c.CommandRate = def.CommandRate
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = def.CommandBurst
	}
	if c.MaxWebRTCClients <= 0 {
		c.MaxWebRTCClients = def.MaxWebRTCClients
	}
	return c
}
