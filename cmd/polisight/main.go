package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Mao74/insurance-analyzer/internal/analysis"
	"github.com/Mao74/insurance-analyzer/internal/cache"
	"github.com/Mao74/insurance-analyzer/internal/config"
	"github.com/Mao74/insurance-analyzer/internal/extract"
	"github.com/Mao74/insurance-analyzer/internal/ingest"
	"github.com/Mao74/insurance-analyzer/internal/llm"
	"github.com/Mao74/insurance-analyzer/internal/logger"
	"github.com/Mao74/insurance-analyzer/internal/masking"
	"github.com/Mao74/insurance-analyzer/internal/server"
	"github.com/Mao74/insurance-analyzer/internal/store"
	"github.com/Mao74/insurance-analyzer/internal/websocket"
)

var (
	commit = "dev"
	date   = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PoliSight %s (commit: %s, built: %s)\n", server.Version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	loggerConfig := logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}
	if cfg.Logging.File.Enabled {
		loggerConfig.File = &logger.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		}
	}

	log, err := logger.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PoliSight",
		zap.String("version", server.Version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	// only the log level is applied live; everything else needs a restart
	if err := config.Watch(func(err error) {
		log.Warn("Ignoring configuration change", zap.Error(err))
	}, func(next *config.Config) {
		if err := log.SetLevel(next.Logging.Level); err != nil {
			log.Warn("Invalid log level in reloaded configuration", zap.Error(err))
			return
		}
		log.Info("Configuration reloaded", zap.String("level", next.Logging.Level))
	}); err != nil {
		log.Debug("Configuration watch disabled", zap.Error(err))
	}

	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("Failed to create storage directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(&store.Config{
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}, log.WithComponent("store").Logger)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer st.Close()

	// a nil *TextCache must not reach the interface fields below
	var (
		textCache  ingest.TextLookup
		queueCache ingest.TextCache
		evictor    server.TextCache
	)
	if cfg.Cache.Enabled {
		tc, err := cache.NewTextCache(&cache.Config{
			RedisURL:       cfg.Cache.RedisURL,
			MaxConnections: cfg.Cache.MaxConnections,
			MinIdleConns:   cfg.Cache.MinIdleConns,
			DefaultTTL:     cfg.Cache.DefaultTTL,
			KeyPrefix:      cfg.Cache.KeyPrefix,
		}, log.WithComponent("cache").Logger)
		if err != nil {
			log.Warn("Text cache unavailable, reading extracted text from disk", zap.Error(err))
		} else {
			defer tc.Close()
			textCache, queueCache, evictor = tc, tc, tc
		}
	}

	engine := masking.NewEngine(masking.HTMLRenderer{Class: cfg.Masking.HighlightClass}, log.WithComponent("masking"))
	hub := websocket.NewHub(&websocket.HubConfig{
		BroadcastDocuments:   cfg.WebSocket.Events.BroadcastDocuments,
		BroadcastAnalyses:    cfg.WebSocket.Events.BroadcastAnalyses,
		BroadcastConnections: cfg.WebSocket.Events.BroadcastConnections,
		ReadBufferSize:       cfg.WebSocket.ReadBufferSize,
		WriteBufferSize:      cfg.WebSocket.WriteBufferSize,
		PingInterval:         cfg.WebSocket.PingInterval,
		PongTimeout:          cfg.WebSocket.PongTimeout,
		WriteTimeout:         cfg.WebSocket.WriteTimeout,
		MaxMessageSize:       cfg.WebSocket.MaxMessageSize,
		TrustedProxies:       cfg.Server.TrustedProxies,
		AllowedOrigins:       cfg.WebSocket.AllowedOrigins,
	}, engine, log.WithComponent("websocket").Logger)
	go hub.Run(ctx)

	queue := ingest.NewQueue(&ingest.Config{
		Workers:   cfg.Ingest.Workers,
		QueueSize: cfg.Ingest.QueueSize,
		OutputDir: cfg.Storage.OutputDir,
	}, extract.New(cfg.Ingest.MaxPages), st, queueCache, hub, log.WithComponent("ingest").Logger)
	queue.Start(ctx)

	texts := ingest.NewTextReader(textCache, log.WithComponent("texts").Logger)

	client := llm.New(&llm.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		FallbackModel:     cfg.LLM.FallbackModel,
		Timeout:           cfg.LLM.Timeout,
		Temperature:       cfg.LLM.Temperature,
		MaxOutputTokens:   cfg.LLM.MaxOutputTokens,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	}, log.WithComponent("llm").Logger)

	pipeline := analysis.New(ctx, &analysis.Config{
		OutputDir:         cfg.Storage.OutputDir,
		PromptsDir:        cfg.Storage.PromptsDir,
		DefaultPolicyType: cfg.Masking.DefaultPolicyType,
		DefaultLevel:      cfg.Masking.DefaultLevel,
		Timeout:           cfg.LLM.Timeout,
	}, st, texts, client, hub, log.WithComponent("analysis").Logger)

	srv := server.New(cfg, log, server.Deps{
		Store:    st,
		Texts:    texts,
		Cache:    evictor,
		Queue:    queue,
		Analyses: pipeline,
		Hub:      hub,
	})

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start(ctx)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
	}

	// running analyses see the cancelled context and are marked failed
	cancel()
	queue.Stop()
	pipeline.Wait()

	log.Info("Server shutdown complete")
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
}
