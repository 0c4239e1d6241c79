package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"leasehold.org/internal/approval"
	"leasehold.org/internal/audit"
	"leasehold.org/internal/cache"
	"leasehold.org/internal/config"
	"leasehold.org/internal/httpapi"
	"leasehold.org/internal/migrate"
	"leasehold.org/internal/obs"
	"leasehold.org/internal/rbac"
	"leasehold.org/internal/store/memory"
	"leasehold.org/internal/store/pg"
	"leasehold.org/migrations"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what the service needs from persistence; pg.Store and
// memory.Store both provide it.
type backend interface {
	rbac.Directory
	rbac.AdminStore
	approval.Store
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal().Err(err).Msg("load config")
	}
	obs.InitLogging(obs.LogConfig{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store   backend
		pgStore *pg.Store
		ready   httpapi.Pinger
	)
	if cfg.Database.URL != "" {
		pgStore, err = pg.Open(cfg.Database.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("open database")
		}
		defer pgStore.Close()
		if cfg.Database.AutoMigrate {
			mctx, cancel := context.WithTimeout(ctx, time.Minute)
			err := migrate.NewManager(pgStore.DB(), migrations.FS, ".", "").Up(mctx)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Msg("apply migrations")
			}
		}
		store, ready = pgStore, pgStore
	} else {
		log.Warn().Msg("database.url not set; using the in-memory store")
		store = memory.New()
	}

	var shared cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		r, client, err := cache.NewRedisFromURL(cfg.Cache.RedisURL, cache.WithKeyPrefix(cfg.Cache.Prefix))
		if err != nil {
			log.Fatal().Err(err).Msg("connect redis")
		}
		defer client.Close()
		shared = r
	default:
		m := cache.NewMemory(time.Minute)
		defer m.Close()
		shared = m
	}
	dir := rbac.NewCachedDirectory(store, shared, cfg.Cache.TTL)

	opts := []rbac.Option{rbac.WithHierarchyTTL(cfg.Cache.HierarchyTTL)}
	var recorder *audit.Logger
	if cfg.Audit.Enabled {
		var sink audit.Sink = audit.LogSink{}
		switch cfg.Audit.Sink {
		case "db":
			sink = pgStore.AuditSink()
		case "both":
			sink = audit.MultiSink{audit.LogSink{}, pgStore.AuditSink()}
		}
		recorder = audit.NewLogger(sink, obs.AuditMonitor{})
		opts = append(opts, rbac.WithAuditLogger(recorder))
	}
	authz := rbac.NewAuthorizer(dir, opts...)

	var gateOpts []approval.Option
	if recorder != nil {
		gateOpts = append(gateOpts, approval.WithRecorder(recorder))
	}
	gate, err := approval.NewGate(store, authz, gateOpts...)
	if err != nil {
		log.Fatal().Err(err).Msg("approval gate")
	}
	admin, err := rbac.NewAdmin(store, authz, dir)
	if err != nil {
		log.Fatal().Err(err).Msg("rbac admin")
	}

	var tokens *httpapi.Tokens
	if cfg.Auth.TokenSecret != "" {
		if tokens, err = httpapi.NewTokens(cfg.Auth.TokenSecret, cfg.Auth.Issuer); err != nil {
			log.Fatal().Err(err).Msg("token verifier")
		}
	} else {
		log.Warn().Msg("auth.token_secret not set; /v1 endpoints will reject every request")
	}
	var limiter *httpapi.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = httpapi.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	}

	api, err := httpapi.New(httpapi.Config{
		Authorizer: authz,
		Gate:       gate,
		Admin:      admin,
		Tokens:     tokens,
		Ready:      ready,
		Version:    version,
		RateLimit:  limiter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("http api")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("starting authzd")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	log.Info().Msg("stopped")
}
