package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"heirloom/api/internal/app"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/config"
	"heirloom/api/internal/journal"
	"heirloom/api/internal/logging"
	"heirloom/api/internal/metrics"
	"heirloom/api/internal/realtime"
	"heirloom/api/internal/search"
	"heirloom/api/internal/session"
	"heirloom/api/internal/store"
)

const tokenPurgeInterval = time.Hour

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{MaxOpen: cfg.DBMaxConns})
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir))
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	m := metrics.New()
	hub := realtime.NewHub(logger, realtime.WithSubscriberGauge(m.RealtimeSubscribers))
	defer hub.Close()

	g, gctx := errgroup.WithContext(ctx)

	deps := app.Deps{
		Store:   dataStore,
		Blobs:   openBlobs(ctx, cfg, logger),
		Journal: journal.New(cfg.JournalDir),
		Events:  realtime.LocalPublisher{Hub: hub},
		Metrics: m,
		Logger:  logger,
	}

	// Redis carries refresh sessions and fans tree changes out to every
	// API instance.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		logger.Info("using redis for refresh sessions and realtime fan-out")
		deps.Sessions = session.NewRedisStoreWithClient(client)
		broker := realtime.NewRedisBroker(client, hub, logger)
		deps.Events = broker
		g.Go(func() error { return broker.Run(gctx, nil) })
	} else {
		logger.Info("using postgres for refresh sessions")
	}

	pgfts := search.NewPgFTS(db)
	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meili.Close()
	}
	deps.Search = search.NewService(meili, pgfts, logger)
	if meili != nil {
		go deps.Search.ReindexAllFromPG(ctx)
	}

	service := app.New(cfg, deps)
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap failed, will retry on next restart", zap.Error(err))
	}

	socket := realtime.NewHandler(hub, service.Changes, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin, socket).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	g.Go(func() error {
		logger.Info("heirloom api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		purgeExpiredTokens(gctx, dataStore, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// openBlobs connects to object storage. Without it uploads land in memory,
// which only suits a local demo.
func openBlobs(ctx context.Context, cfg config.Config, logger *zap.Logger) blob.Store {
	minioStore, err := blob.NewMinioStore(blob.MinioConfig{
		Endpoint:  cfg.BlobEndpoint,
		AccessKey: cfg.BlobAccessKey,
		SecretKey: cfg.BlobSecretKey,
		Bucket:    cfg.BlobBucket,
		UseSSL:    cfg.BlobUseSSL,
	})
	if err == nil {
		err = minioStore.EnsureBucket(ctx)
	}
	if err != nil {
		logger.Warn("object storage unavailable, keeping uploads in memory", zap.Error(err))
		return blob.NewMemoryStore()
	}
	return minioStore
}

func purgeExpiredTokens(ctx context.Context, s *store.PostgresStore, logger *zap.Logger) {
	ticker := time.NewTicker(tokenPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Warn("purge expired tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired tokens", zap.Int64("count", n))
			}
		}
	}
}
