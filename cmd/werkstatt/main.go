package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/codefionn/werkstatt/internal/config"
	"github.com/codefionn/werkstatt/internal/controller"
	"github.com/codefionn/werkstatt/internal/history"
	"github.com/codefionn/werkstatt/internal/logger"
	"github.com/codefionn/werkstatt/internal/transport"
	"github.com/codefionn/werkstatt/internal/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() (err error) {
	var (
		listenAddr = flag.String("listen", "", "listen address (overrides config)")
		configPath = flag.String("config", "", "path to config file")
		echoReply  = flag.String("echo", "", "development echo reply for every message")
		debug      = flag.Bool("debug", false, "log WebSocket traffic")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Environment variables override config file values for logging.
	if envLevel := strings.TrimSpace(os.Getenv("WERKSTATT_LOG_LEVEL")); envLevel != "" {
		cfg.LogLevel = envLevel
	}
	if envPath := strings.TrimSpace(os.Getenv("WERKSTATT_LOG_PATH")); envPath != "" {
		cfg.LogPath = envPath
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if err != nil {
			logger.Error("Fatal error: %v", err)
		}
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	historyDir := cfg.HistoryDir
	if historyDir == "" {
		historyDir, err = history.DefaultDir()
		if err != nil {
			return fmt.Errorf("failed to locate history dir: %w", err)
		}
	}
	store, err := history.NewStore(historyDir)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}
	partials, err := history.NewPartialStore(historyDir, store)
	if err != nil {
		return fmt.Errorf("failed to open partial store: %w", err)
	}

	tr := transport.NewDevTransport()
	tr.AutoReply = *echoReply

	sessions := controller.NewManager(controller.Deps{
		Transport:  tr,
		Init:       transport.NewDevInitSource(),
		Processes:  transport.NoopProcesses{},
		Summarizer: transport.NewDevSummarizer(),
		History:    store,
		Partials:   partials,
		Config:     cfg,
	})

	srv, err := web.NewServer(cfg, sessions, *debug)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start web server: %w", err)
	}
	logger.Info("Open %s", srv.GetURL())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logger.Info("Shutting down...")
	sessions.DisposeAll()
	return srv.Stop()
}
