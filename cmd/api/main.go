package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"logbook/api/internal/app"
	"logbook/api/internal/cache"
	"logbook/api/internal/config"
	"logbook/api/internal/content"
	"logbook/api/internal/email"
	"logbook/api/internal/export"
	"logbook/api/internal/logging"
	"logbook/api/internal/maintenance"
	"logbook/api/internal/media"
	"logbook/api/internal/metrics"
	"logbook/api/internal/ratelimit"
	"logbook/api/internal/search"
	"logbook/api/internal/sections"
	"logbook/api/internal/session"
	"logbook/api/internal/store"
)

// backend is what the API needs from either store implementation.
type backend interface {
	app.DataStore
	maintenance.OverrideStore
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("development", "info")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)
	ctx := context.Background()

	var (
		db        *sql.DB
		dataStore backend
	)
	if cfg.StoreBackend == "memory" {
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		dataStore = store.NewMemoryStore()
	} else {
		db, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database connection failed")
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := store.ApplyMigrations(db); err != nil {
				logger.Fatal().Err(err).Msg("migrations failed")
			}
		}
		dataStore = store.NewPostgresStore(db)
	}

	registry := sections.Default()
	m := metrics.New()
	resolverOpts := []content.ResolverOption{
		content.WithObserver(m),
		content.WithLogger(logger),
	}

	deps := app.Deps{
		Config:   cfg,
		Store:    dataStore,
		Registry: registry,
		Logger:   logger,
	}

	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err = session.Dial(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisClient.Close()
		logger.Info().Msg("using redis for refresh sessions and section cache")
		deps.Sessions = session.NewRedisStoreWithClient(redisClient)
		resolverOpts = append(resolverOpts, content.WithCache(cache.NewSectionCache(redisClient, cfg.SectionCacheTTL)))
	}
	resolver := content.NewResolver(registry, dataStore, resolverOpts...)
	deps.Resolver = resolver

	var index search.Index
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	var fallback search.Searcher
	if db != nil {
		fallback = search.NewPgSearch(db)
	}
	searchService := search.NewService(index, fallback, logger)
	deps.Search = searchService
	deps.Gateway = content.NewGateway(registry, dataStore, dataStore, resolver,
		content.WithChangeListener(searchService),
		content.WithGatewayObserver(m),
		content.WithGatewayLogger(logger))

	var objects media.ObjectStore
	if cfg.ObjectStorageEnabled() {
		minioStore, err := media.NewMinioStore(media.MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage setup failed")
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := minioStore.EnsureBucket(bucketCtx); err != nil {
			logger.Warn().Err(err).Msg("object storage unavailable, uploads will fail")
		}
		cancel()
		objects = minioStore
	} else {
		logger.Info().Msg("object storage not configured, media uploads disabled")
	}
	deps.Media = media.NewService(objects, dataStore, cfg.MaxUploadMB<<20, logger)

	deps.Export = export.NewService(registry, resolver, dataStore, &export.ChromePDF{ExecPath: cfg.ChromePath})
	deps.Email = email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	service := app.New(deps)
	if !service.SMTPConfigured() {
		logger.Info().Msg("SMTP not configured, invite links are returned to the inviter")
	}

	limiter := ratelimit.New(cfg.MutationRate, cfg.MutationBurst, 10*time.Minute)
	defer limiter.Stop()

	var scheduler *maintenance.Scheduler
	if strings.TrimSpace(cfg.MaintenanceCron) != "" {
		pruner := maintenance.NewPruner(registry, dataStore, m, logger)
		scheduler, err = maintenance.NewScheduler(cfg.MaintenanceCron, pruner, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("maintenance schedule invalid")
		}
		scheduler.Start()
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin,
		app.WithMetrics(m),
		app.WithMutationLimiter(limiter))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.StoreBackend).Msg("logbook API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	waitForSignal(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}

func waitForSignal(logger zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
}
