package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	mw "github.com/kernel/vmagent/lib/middleware"
	"github.com/riandyrn/otelchi"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	cfg := app.Config
	logger := app.Logger

	if cfg.JwtSecret == "" {
		logger.Warn("JWT_SECRET not configured - API authentication disabled")
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpMetrics := mw.NoopHTTPMetrics()
	if app.Otel.Meter != nil {
		m, err := mw.NewHTTPMetrics(app.Otel.Meter)
		if err != nil {
			return fmt.Errorf("create http metrics: %w", err)
		}
		httpMetrics = m.Middleware
	}
	accessLogger := mw.NewAccessLogger(app.Otel.LogHandler)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if app.Otel.Tracer != nil {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}
	r.Use(httpMetrics)
	r.Use(mw.InjectLogger(logger))
	r.Use(mw.AccessLogger(accessLogger))
	r.Route("/api/v1", func(r chi.Router) {
		app.ApiService.Routes(r, mw.VerifyJWT(cfg.JwtSecret), middleware.Timeout(60*time.Second))
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	// Run the server
	grp.Go(func() error {
		logger.Info("starting vmagent API server", "port", cfg.Port, "libvirt_uri", cfg.LibvirtURI)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	// Shutdown handler
	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}

		logger.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}
