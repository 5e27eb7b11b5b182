package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/signalix/chat/internal/auth"
	"github.com/signalix/chat/internal/config"
	"github.com/signalix/chat/internal/db"
	httphandler "github.com/signalix/chat/internal/http"
	"github.com/signalix/chat/internal/http/handlers"
	"github.com/signalix/chat/internal/logging"
	"github.com/signalix/chat/internal/media"
	"github.com/signalix/chat/internal/metrics"
	"github.com/signalix/chat/internal/model"
	"github.com/signalix/chat/internal/presence"
	"github.com/signalix/chat/internal/realtime"
	"github.com/signalix/chat/internal/relay"
	"github.com/signalix/chat/internal/repo"
	"github.com/signalix/chat/internal/session"
	"github.com/signalix/chat/internal/signaling"
)

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.DevMode)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Initialize repositories
	userRepo := repo.NewUserRepo(database)
	messageRepo := repo.NewMessageRepo(database)
	presenceRepo := repo.NewPresenceRepo(database)

	// Rows left online by a previous process are stale: no connection survives a restart
	resetPresence(ctx, presenceRepo, userRepo, logger)

	// Realtime core
	m := metrics.New()
	registry := presence.NewRegistry()
	hub := realtime.NewHub(cfg.SendBuffer, logger)
	engine := relay.NewEngine(registry, hub, messageRepo, userRepo, m, logger)
	calls := signaling.NewCoordinator(engine, logger)

	// Auth
	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.TokenTTL)
	verifier := auth.NewVerifier(jwtService, userRepo)
	authService := auth.NewAuthService(jwtService, userRepo)

	mediaPath := mediaRoute(cfg.MediaBaseURL)
	store := media.NewStore(cfg.MediaDir, cfg.MediaBaseURL, cfg.MaxImageBytes())

	gateway := session.NewGateway(session.Deps{
		Verifier: verifier,
		Hub:      hub,
		Registry: registry,
		Journal:  presenceRepo,
		Users:    userRepo,
		Relay:    engine,
		Calls:    calls,
		Metrics:  m,
		Log:      logger,
	}, cfg.ClientURLs)

	authHandler := handlers.NewAuthHandler(authService, logger)
	router := httphandler.NewRouter(httphandler.RouterDeps{
		Health:    handlers.NewHealthHandler(database),
		Auth:      authHandler,
		Users:     handlers.NewUsersHandler(userRepo, engine, store, logger),
		Messages:  handlers.NewMessagesHandler(messageRepo, userRepo, engine, store, cfg.HistoryLimit, logger),
		Verifier:  verifier,
		Realtime:  gateway,
		Metrics:   m.Handler(),
		MediaDir:  store.Dir(),
		MediaPath: mediaPath,
		Origins:   cfg.ClientURLs,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		registry.RunPruner(gctx, 10*time.Minute, time.Hour)
		return nil
	})

	for _, limiter := range authHandler.Limiters() {
		limiter := limiter
		g.Go(func() error {
			limiter.RunSweeper(gctx, time.Minute)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, err)
		}
		// hijacked websocket connections are not tracked by srv.Shutdown
		if err := gateway.Shutdown(shutdownCtx); err != nil {
			errs = multierr.Append(errs, err)
		}
		return errs
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped with error: %v", err)
	}
	log.Println("Server exited")
}

// resetPresence marks users still online in the journal offline, then closes their records
func resetPresence(ctx context.Context, presence repo.PresenceRepo, users repo.UserRepo, logger *zap.Logger) {
	now := time.Now().UTC()
	stale, err := presence.OnlineUserIDs(ctx)
	if err != nil {
		logger.Warn("presence scan failed", zap.Error(err))
	}
	for _, id := range stale {
		if err := users.SetStatus(ctx, id, model.StatusOffline, &now); err != nil {
			logger.Warn("stale status reset failed", zap.String("user_id", id.String()), zap.Error(err))
		}
	}

	n, err := presence.Reset(ctx, now)
	if err != nil {
		logger.Warn("presence reset failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("presence reset", zap.Int64("records", n), zap.Int("users", len(stale)))
	}
}

// mediaRoute extracts the path uploads are served under from MEDIA_BASE_URL
func mediaRoute(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Path == "" {
		return ""
	}
	return u.Path
}
