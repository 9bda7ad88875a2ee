package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DavidNemeth/TimeSheet-App/config"
	"github.com/DavidNemeth/TimeSheet-App/database"
	"github.com/DavidNemeth/TimeSheet-App/handlers"
	"github.com/DavidNemeth/TimeSheet-App/logger"
	"github.com/DavidNemeth/TimeSheet-App/middleware"
	"github.com/DavidNemeth/TimeSheet-App/services"
	"github.com/DavidNemeth/TimeSheet-App/upstream"
	"github.com/DavidNemeth/TimeSheet-App/validation"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	base, err := logger.Init(logger.ConfigFromEnv())
	if err != nil {
		panic(err)
	}
	defer func() { _ = base.Sync() }()
	log := base.Sugar()

	if err := run(cfg, base, log); err != nil {
		log.Fatalw("server exited", "error", err)
	}
}

func run(cfg *config.Config, base *zap.Logger, log *zap.SugaredLogger) error {
	// Initialize database
	db, err := database.Open(cfg.DatabaseURL, base)
	if err != nil {
		return err
	}
	store := database.NewTimesheetStore(db)

	// Collaborator services share one token cache and one breaker
	httpClient := &http.Client{Timeout: cfg.UpstreamTimeout}
	var tokens *upstream.TokenSource
	if cfg.TokenClientID != "" {
		tokens = upstream.NewTokenSource(cfg.BaseAPIURL, cfg.TokenClientID, cfg.TokenClientSecret, httpClient)
	}
	breaker := upstream.NewBreaker(upstream.BreakerSettings{
		Name:                "collaborators",
		ConsecutiveFailures: cfg.BreakerFailures,
		Cooldown:            cfg.BreakerCooldown,
	}, log)
	client := upstream.NewClient(cfg.BaseAPIURL, httpClient, tokens, breaker, log)

	svc := services.NewTimesheetService(
		store,
		validation.New(),
		upstream.NewIdentityClient(client),
		upstream.NewHistoryClient(client),
		services.Options{
			DefaultMachine:        cfg.DefaultMachine,
			StrictTransitions:     cfg.StrictStatusTransitions,
			RequireTeamHead:       cfg.RequireTeamHeadApproval,
			ArchiveRetention:      cfg.ArchiveRetention,
			RoleLookupConcurrency: cfg.RoleLookupConcurrency,
			HistoryConcurrency:    cfg.HistoryConcurrency,
		},
		log.Named("timesheet"),
	)

	// Initialize handlers
	timesheetHandler := handlers.NewTimesheetHandler(svc, log)
	healthHandler := handlers.NewHealthHandler(store, log)

	// Setup router
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", healthHandler.Health)

	router.Group(func(r chi.Router) {
		if cfg.JWTSecret != "" {
			middleware.SetJWTSecret(cfg.JWTSecret)
			r.Use(middleware.AuthMiddleware)
			if len(cfg.ExportRoles) > 0 {
				timesheetHandler.WithExportGuard(middleware.RequireRole(cfg.ExportRoles...))
			}
		} else {
			log.Warnw("JWT_SECRET is empty, API routes are unauthenticated")
		}
		r.Route("/timesheetentries", timesheetHandler.Routes)
	})

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server starting", "port", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	return nil
}
