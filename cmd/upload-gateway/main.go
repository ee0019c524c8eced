package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lgulliver/chunkstone/internal/chunks"
	"github.com/lgulliver/chunkstone/internal/common"
	"github.com/lgulliver/chunkstone/internal/events"
	"github.com/lgulliver/chunkstone/internal/session"
	"github.com/lgulliver/chunkstone/internal/storage"
	"github.com/lgulliver/chunkstone/internal/upload"
	"github.com/lgulliver/chunkstone/pkg/config"
	"github.com/rs/zerolog/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CHUNKSTONE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	cfg.Logging.SetupLogging()

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("Starting Chunkstone upload gateway")

	var cache *common.Cache
	if cfg.Redis.Enabled {
		cache, err = common.NewCache(&cfg.Redis)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer cache.Close()
	}

	sessions, closeSessions, err := newSessionStore(cfg, cache)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session store")
	}
	defer closeSessions()

	chunkBlobs, err := storage.NewStorageFactory(cfg.ChunkStorageConfig()).CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize chunk storage")
	}
	// assembled artifacts stay on local disk until handoff
	scratch, err := storage.NewLocalStorage(cfg.Upload.ScratchPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize scratch storage")
	}
	objects, err := storage.NewStorageFactory(&cfg.Storage).CreateStorage()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize object storage")
	}

	publisher, err := newPublisher(&cfg.Events)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event publisher")
	}
	defer publisher.Close()

	opts := upload.OptionsFromConfig(&cfg.Upload)
	opts.Publisher = publisher
	if cache != nil {
		opts.RunLock = cache
	}
	manager := upload.NewManager(sessions, chunks.NewBlobStore(chunkBlobs), scratch, objects, opts)

	recoverCtx, cancelRecover := context.WithTimeout(context.Background(), time.Minute)
	err = manager.Recover(recoverCtx)
	cancelRecover()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to recover interrupted uploads")
	}

	collector := manager.Collector()
	if err := collector.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule upload sweep")
	}
	defer collector.Stop()

	// Setup HTTP server
	router := setupRouter(manager, cfg.Upload.MaxChunkBytes)
	if cfg.Storage.Type == "local" {
		router.Static("/files", cfg.Storage.LocalPath)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("addr", server.Addr).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Give in-flight chunk transfers 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	} else {
		log.Info().Msg("Server shutdown complete")
	}
}

// newSessionStore picks the session metadata backend. The returned close
// function releases whatever connection the store owns.
func newSessionStore(cfg *config.Config, cache *common.Cache) (session.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Upload.SessionStore {
	case "", "database":
		db, err := common.NewDatabase(&cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(session.Models()...); err != nil {
			db.Close()
			return nil, nil, err
		}
		return session.NewGormStore(db.DB), db.Close, nil
	case "redis":
		if cache == nil {
			return nil, nil, fmt.Errorf("redis session store requires redis to be enabled")
		}
		return session.NewRedisStore(cache.Client()), noop, nil
	case "memory":
		log.Warn().Msg("Using in-memory session store, sessions will not survive a restart")
		return session.NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unsupported session store: %s", cfg.Upload.SessionStore)
	}
}

func newPublisher(cfg *config.EventsConfig) (events.Publisher, error) {
	if !cfg.Enabled {
		return events.NoopPublisher{}, nil
	}
	publisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.Exchange)
	if err != nil {
		return nil, err
	}
	log.Info().Str("exchange", cfg.Exchange).Msg("Publishing upload events over AMQP")
	return publisher, nil
}
