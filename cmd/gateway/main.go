package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"joblance-gateway/internal/audit"
	"joblance-gateway/internal/auth"
	"joblance-gateway/internal/cache"
	"joblance-gateway/internal/config"
	"joblance-gateway/internal/jwks"
	"joblance-gateway/internal/metrics"
	"joblance-gateway/internal/presence"
	"joblance-gateway/internal/realtime"
	"joblance-gateway/internal/session"
	"joblance-gateway/internal/upstream"
	"joblance-gateway/pkg/logger"
	"joblance-gateway/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
	if err != nil {
		return err
	}
	defer rdb.Close()
	store := cache.NewRedis(rdb)

	auditSvc, db, err := openAudit(ctx, cfg.Audit, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	keys, err := jwks.NewProvider(jwks.Options{
		URL:               cfg.Auth.JWKSURI,
		MaxEntries:        cfg.Auth.JWKSCacheEntries,
		MaxAge:            cfg.Auth.JWKSCacheMaxAge,
		RequestsPerMinute: cfg.Auth.JWKSRateLimit,
		Logger:            log,
	})
	if err != nil {
		return err
	}
	defer keys.Close()

	tokens, err := auth.NewInternalTokens(auth.InternalTokenOptions{
		Secret:  cfg.Auth.GatewaySecret,
		TTL:     cfg.Auth.InternalTokenTTL,
		Cache:   store,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return err
	}
	revocations := auth.NewRevocationStore(store)
	validator, err := auth.NewValidator(auth.ValidatorOptions{
		Keys:        keys,
		Revocations: revocations,
		Internal:    tokens,
		Algorithms:  cfg.Auth.Algorithms,
	})
	if err != nil {
		return err
	}

	backends := make(map[string]*upstream.Client, len(cfg.Services.Backends()))
	for name, baseURL := range cfg.Services.Backends() {
		client, err := upstream.NewClient(upstream.Options{
			Name:    name,
			BaseURL: baseURL,
			Tokens:  tokens,
			Logger:  log,
			Metrics: m,
		})
		if err != nil {
			return err
		}
		backends[name] = client
	}

	refresher, err := auth.NewRefresher(auth.RefresherOptions{
		Validator: validator,
		Client:    upstream.NewAuthClient(backends["auth"], cfg.Auth.RefreshPath),
		Cache:     store,
		Audit:     auditSvc,
		Metrics:   m,
		Logger:    log,
	})
	if err != nil {
		return err
	}

	origin := uuid.NewString()
	hub := realtime.NewHub(realtime.HubOptions{
		Adapter:         realtime.NewRedisAdapter(store, origin, log),
		Origin:          origin,
		AllowedOrigins:  cfg.Realtime.AllowedOrigins,
		EventsPerSecond: cfg.Realtime.EventsPerSecond,
		Slots:           store,
		MaxConnsPerIP:   cfg.Realtime.MaxConnsPerIP,
		Logger:          log,
		Metrics:         m,
	})
	defer hub.Close()

	presenceStore := presence.NewStore(store)
	tracker, err := presence.NewTracker(presence.Options{
		Store:       presenceStore,
		Broadcaster: realtime.PresenceBroadcaster{Hub: hub},
		Timeout:     cfg.Presence.HeartbeatTimeout,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return err
	}
	defer tracker.Close()

	realtime.RegisterDefault(hub)
	realtime.RegisterPresence(hub, tracker)
	realtime.RegisterChats(hub, store)
	realtime.RegisterNotifications(hub)

	relayOpts := realtime.RelayOptions{Logger: log, Metrics: m}
	chats, err := realtime.ChatsRelay(hub, cfg.Services.Chats, tokens, relayOpts)
	if err != nil {
		return err
	}
	notifications, err := realtime.NotificationsRelay(hub, cfg.Services.Notifications, tokens, relayOpts)
	if err != nil {
		return err
	}

	sweeper := presence.NewSweeper(presenceStore, cfg.Presence.Retention, cfg.Presence.SweepInterval, log)
	reconciler := presence.NewReconciler(presenceStore, tracker, tracker.Timeout(), log)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(session.Middleware(session.NewStore(store, cfg.Session.TTL), session.CookieConfig{
		Name:   cfg.Session.CookieName,
		Secure: cfg.Session.Secure,
	}))

	registerRoutes(r, routeDeps{
		backends:    backends,
		validator:   validator,
		refresher:   refresher,
		revocations: revocations,
		cache:       store,
		audit:       auditSvc,
		authMW:      auth.NewMiddleware(validator, refresher, m),
		hub:         hub,
		metrics:     m,
		log:         log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gateway listening", "addr", srv.Addr, "env", cfg.App.Env, "instance", origin)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return background(hub.Run(gctx)) })
	g.Go(func() error { return background(chats.Run(gctx)) })
	g.Go(func() error { return background(notifications.Run(gctx)) })
	g.Go(func() error { return background(sweeper.Run(gctx)) })
	g.Go(func() error { return background(reconciler.Run(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		hub.Close()
		return logger.ShutdownFlush(shutdownCtx, 2*time.Second)
	})

	return g.Wait()
}

// background treats cancellation as a clean exit for long-running loops.
func background(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func openAudit(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*audit.Service, *sql.DB, error) {
	if cfg.DSN == "" {
		return audit.NewService(audit.NewLogRepo(log), log), nil, nil
	}
	db, err := utils.OpenPostgres(ctx, cfg.DSN, utils.PostgresPoolConfig{})
	if err != nil {
		return nil, nil, err
	}
	repo := audit.NewPostgresRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return audit.NewService(repo, log), db, nil
}
