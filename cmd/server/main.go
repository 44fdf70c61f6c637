/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the lab booking server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LABBOOK_* environment, flags)
  2. Open the configured store (memory, SQLite or MongoDB)
  3. Wire the change feed, through Redis when configured
  4. Start the ledger reconciliation scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides LABBOOK_SERVER_PORT)
  -db      SQLite database path (overrides LABBOOK_STORE_SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and the feed bridge
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/labbook.db"

  # Run against a MongoDB replica set, fanning changes out through Redis
  LABBOOK_STORE_DRIVER=mongo LABBOOK_REDIS_ADDR=localhost:6379 ./server

  # Run on different port
  ./server -port=3000

ENVIRONMENT:
  See config/config.go for every LABBOOK_* variable.

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/mongodb/mongodb.go: Store implementations
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/api"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	memstore "github.com/AuthieY/Booking-Lab-Equipment-sub000/booking/store"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/config"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/store/mongodb"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/store/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Store.SQLitePath = *dbPath
	}
	logger := config.NewLogger(cfg.Log, os.Stdout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize store
	store, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to initialize store")
	}
	defer store.Close()

	loc, _ := cfg.Booking.Location()
	engine := booking.NewEngine(store, booking.Config{
		Location:               loc,
		DisableLegacyOwnerless: cfg.Booking.DisableLegacyOwnerless,
		Logger:                 logger,
	})

	// Change feed
	var changes api.Feed
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("failed to reach redis")
		}

		hub := feed.NewHub[booking.Booking](feed.DefaultBuffer)
		defer hub.Close()
		bridge := feed.NewRedisBridge(client, cfg.Redis.Channel, hub, logger.With().Str("component", "feed").Logger())
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("feed bridge stopped")
			}
		}()
		go forwardChanges(ctx, store, bridge, logger)
		changes = api.HubFeed{Hub: hub}
		logger.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("change feed via redis")
	}

	// Initialize handler
	handler := api.NewHandler(engine, changes, logger)

	scheduler := api.NewLedgerScheduler(engine, logger)
	scheduler.CheckInterval = cfg.Booking.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create router
	router := api.NewRouter(handler, api.RouterConfig{
		AllowedOrigins: cfg.CORS.AllowOrigins,
		CORSMaxAge:     cfg.CORS.MaxAge,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Int("port", cfg.Server.Port).
			Str("store", cfg.Store.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg config.StoreConfig, log zerolog.Logger) (booking.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memstore.NewMemory(), nil
	case "mongo":
		s, err := mongodb.New(ctx, cfg.MongoURI, cfg.MongoDB, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// forwardChanges publishes the local store's commits to Redis. The store
// drops subscribers that fall behind, so the subscription is renewed until
// ctx is done.
func forwardChanges(ctx context.Context, store booking.Store, bridge *feed.RedisBridge[booking.Booking], log zerolog.Logger) {
	for ctx.Err() == nil {
		local, err := store.Subscribe(ctx, "")
		if err != nil {
			log.Error().Err(err).Msg("failed to subscribe to store changes")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		bridge.Forward(ctx, local)
	}
}
