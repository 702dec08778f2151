package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/gardu-avc/avc-monitor/internal/auth"
	"github.com/gardu-avc/avc-monitor/internal/config"
	"github.com/gardu-avc/avc-monitor/internal/logger"
	"github.com/gardu-avc/avc-monitor/internal/metrics"
	"github.com/gardu-avc/avc-monitor/internal/session"
	"github.com/gardu-avc/avc-monitor/internal/socketio"
	"github.com/gardu-avc/avc-monitor/internal/webmonitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		envFile       string
		backendURL    string
		backendSecret string
		httpAddr      string
		assetsDir     string
		logLevel      string
		logColor      bool
		logFile       string
		webrtcOn      bool
		pprofAddr     string
	)

	flagSet := pflag.NewFlagSet("avc-monitor", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "YAML configuration file (defaults are used when empty)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file with AVC_* overrides")
	flagSet.StringVar(&backendURL, "backend", "", "backend base URL, e.g. http://127.0.0.1:5000")
	flagSet.StringVar(&backendSecret, "backend-secret", "", "HS256 key used to sign the backend handshake token")
	flagSet.StringVar(&httpAddr, "http", "", "HTTP server address")
	flagSet.StringVar(&assetsDir, "assets", "", "directory overriding the embedded dashboard assets")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error, silent)")
	flagSet.BoolVar(&logColor, "log-color", true, "enable colored log output")
	flagSet.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	flagSet.BoolVar(&webrtcOn, "webrtc", true, "serve the WebRTC state channel")
	flagSet.StringVar(&pprofAddr, "pprof", "", "pprof server address (disabled when empty)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: avc-monitor [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	if err := config.ApplyEnv(&cfg, envFile); err != nil {
		return err
	}

	// Flags win over file and environment.
	if flagSet.Changed("backend") {
		cfg.Backend.URL = backendURL
	}
	if flagSet.Changed("http") {
		cfg.HTTP.Addr = httpAddr
	}
	if flagSet.Changed("assets") {
		cfg.HTTP.AssetsDir = assetsDir
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flagSet.Changed("log-color") {
		cfg.Log.Color = logColor
	} else if !term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.Log.Color = false
	}
	if flagSet.Changed("log-file") {
		cfg.Log.File = logFile
	}
	if flagSet.Changed("backend-secret") {
		cfg.Backend.Secret = backendSecret
	}
	if flagSet.Changed("webrtc") {
		cfg.WebRTC.Enabled = webrtcOn
	}

	if err := config.Validate(&cfg); err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.InitWithFile(level, os.Stderr, cfg.Log.Color, logger.FileOptions{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		MaxBackups: cfg.Log.MaxBackups,
	})

	logger.Info("Main", "AVC monitor starting...")
	logger.Info("Main", "Log level: %s", level)

	m := metrics.New()
	hub := webmonitor.NewFrameHub()

	sioOpts := socketio.Options{
		Path:             cfg.Backend.Path,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
		WriteTimeout:     cfg.Backend.WriteTimeout,
	}
	dial := session.SocketIODialer(cfg.Backend.URL, sioOpts)
	if secret := cfg.Backend.Secret; secret != "" {
		// Every dial carries a freshly signed token.
		dial = func(ctx context.Context) (session.Channel, error) {
			header, err := auth.Header(secret, "avc-monitor", auth.DefaultTTL)
			if err != nil {
				return nil, err
			}
			opts := sioOpts
			opts.Header = header
			return session.SocketIODialer(cfg.Backend.URL, opts)(ctx)
		}
	}

	view := session.NewView(session.Options{
		Dial:    dial,
		Metrics: m,
		LineY:   cfg.DetectionLine.Default,
		LineMin: cfg.DetectionLine.Min,
		LineMax: cfg.DetectionLine.Max,
		OnFrame: hub.Publish,
	})

	monitor := webmonitor.NewServer(webmonitor.Config{
		Addr:              cfg.HTTP.Addr,
		AssetsDir:         cfg.HTTP.AssetsDir,
		KeepaliveInterval: cfg.HTTP.KeepaliveInterval,
		IdleFrameInterval: cfg.HTTP.IdleFrameInterval,
		CommandRate:       cfg.HTTP.CommandRate,
		CommandBurst:      cfg.HTTP.CommandBurst,
		WebRTCEnabled:     cfg.WebRTC.Enabled,
		STUNServers:       cfg.WebRTC.STUNServers,
		MaxWebRTCClients:  cfg.WebRTC.MaxClients,
	}, view, hub, m)
	defer monitor.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Main", "Connecting to backend %s%s", cfg.Backend.URL, cfg.Backend.Path)
	if err := view.Start(ctx); err != nil {
		logger.Warn("Main", "Backend not reachable: %v (reconnect from the dashboard)", err)
	}

	if pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           monitor.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Main", "Dashboard listening on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "HTTP shutdown: %v", err)
		}
		return nil
	})
	serveErr := g.Wait()

	if err := view.Stop(); err != nil && !errors.Is(err, session.ErrNotStarted) {
		logger.Warn("Main", "Session stop: %v", err)
	}
	if serveErr != nil {
		return serveErr
	}

	logger.Info("Main", "Monitor stopped")
	return nil
}
