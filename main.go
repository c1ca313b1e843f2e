package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"emeltv-player/work/cache"
	"emeltv-player/work/client"
	"emeltv-player/work/config"
	"emeltv-player/work/database"
	"emeltv-player/work/engine"
	"emeltv-player/work/handlers"
	"emeltv-player/work/input"
	"emeltv-player/work/logger"
	"emeltv-player/work/media"
	"emeltv-player/work/pipeline"
	"emeltv-player/work/player"
	"emeltv-player/work/resolver"
	"emeltv-player/work/types"
	"emeltv-player/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

func main() {

	// write a sample config next to the real one when asked
	if len(os.Args) > 2 && os.Args[1] == "example-config" {
		if err := config.CreateExampleConfig(os.Args[2]); err != nil {
			log.Fatalf("Failed to write example config: %v", err)
		}
		return
	}

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	// persisted cache store
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	streamCache := cache.NewStreamCache(db, cfg.MemoryCacheTTL, cache.WithEnabled(cfg.CacheEnabled))

	// resolution
	httpClient := client.NewHeaderSettingClient(cfg)
	streamResolver := resolver.New(cfg, httpClient, streamCache)

	// playback
	element := media.NewMPVElement(cfg)
	newEngine := func() player.Engine { return engine.New(cfg, httpClient) }

	pipe := pipeline.New(cfg, streamResolver, func(forward types.Listener) pipeline.Player {
		return player.New(cfg, element, newEngine, forward)
	})

	// remote keys
	keys, err := input.NewRouter(cfg.KeyBindings)
	if err != nil {
		log.Fatalf("Invalid key bindings: %v", err)
	}

	// Setup HTTP routes
	router := mux.NewRouter()
	handlers.NewAPI(pipe, keys, Version).Routes(router)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting EmelTV Player %s", Version)
	logger.Info("Player configuration:")
	logger.Info("  - Backend: %s", utils.LogURL(cfg, cfg.BackendBaseURL))
	logger.Info("  - IP Lookup: %s", utils.LogURL(cfg, cfg.IPLookupURL))
	logger.Info("  - Device: %s", cfg.Device)
	logger.Info("  - Retry Delay: %s", cfg.RetryDelay)
	logger.Info("  - Controls Timeout: %s", cfg.ControlsTimeout)
	logger.Info("  - Request Timeout: %s", cfg.RequestTimeout)
	logger.Info("  - Stall Timeout: %s", cfg.StallTimeout)
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Player: %s (%s mode)", cfg.PlayerCommand, cfg.EngineMode)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Segment Requests/s: %d", cfg.SegmentRequestsPerSecond)
	logger.Info("  - Key Bindings: %d", len(keys.Bindings()))
	logger.Info("  - Auto Start: %v", cfg.AutoStart)
	logger.Info("  - Log Level: %s", cfg.LogLevel)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)
	logger.Info("  - Listening: %s", cfg.ListenAddr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := pipe.Run(ctx); err != nil {
			logger.Error("{main} Pipeline stopped: %v", err)
		}
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("{main} Server failed: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	// stop playback first so the player process is gone before we exit
	<-loopDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("{main} Server shutdown: %v", err)
	}
}
