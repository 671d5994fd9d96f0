package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/api"
	"github.com/bigdegenenergy/open-cloud-ops/lens/internal/middleware"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply migrations and seed pricing before serving")
	return cmd
}

func runServe(ctx context.Context, migrate bool) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if migrate {
		if err := a.migrate(ctx); err != nil {
			return err
		}
	}

	svc, err := a.service()
	if err != nil {
		return err
	}

	deps := map[string]api.Pinger{"postgres": a.db}
	if a.ch != nil {
		deps["clickhouse"] = a.ch
	}
	if a.cache != nil {
		deps["redis"] = a.cache
	}
	handlers := api.NewHandlers(svc, cfg.DefaultPageLimit, cfg.MaxPageLimit, deps)

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.RecoveryMiddleware(logger))
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(logger))

	// CORS for dashboard.
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-API-Key", "X-Admin-Key", middleware.HeaderRequestID},
		ExposeHeaders:    []string{middleware.HeaderRequestID},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", handlers.HealthCheck)

	public := r.Group("/api/public")
	public.Use(middleware.RateLimitMiddleware(a.cache, cfg.RateLimitPerMinute, time.Minute, logger))
	public.Use(middleware.AuthMiddleware(a.db, a.cache, logger))
	{
		public.GET("/observations", handlers.ListObservations)
	}

	// Admin routes read any project. Fail-secure: without a key they reject everything.
	v1 := r.Group("/api/v1")
	if cfg.AdminAPIKey == "" {
		logger.Warn("LENS_ADMIN_API_KEY not set, admin API is disabled")
	}
	v1.Use(middleware.AdminKeyMiddleware(cfg.AdminAPIKey))
	{
		v1.GET("/projects/:project_id/observations", handlers.ListObservations)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("lens is ready", "port", cfg.Port)
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

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server exited")
	return nil
}
