// Command server runs the reading-commitment enforcement backend.
//
// Startup order: env → config → logging → database → tracing → adapters →
// router → HTTP server → background tickers. Shutdown drains in-flight
// requests, stops the tickers, and flushes the trace exporter.
//
// @title        Reading Commitment Enforcement API
// @version      1.0
// @description  Pledge-backed reading commitments with deadline enforcement, penalty charging, and subscription reconciliation.
// @BasePath     /api/v1
package main

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kgasnalo/commit-app-sub002/internal/appstore"
	"github.com/kgasnalo/commit-app-sub002/internal/config"
	httpapi "github.com/kgasnalo/commit-app-sub002/internal/http"
	"github.com/kgasnalo/commit-app-sub002/internal/notify"
	"github.com/kgasnalo/commit-app-sub002/internal/observability"
	"github.com/kgasnalo/commit-app-sub002/internal/payments"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
	"github.com/kgasnalo/commit-app-sub002/internal/services"
	"github.com/kgasnalo/commit-app-sub002/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	cfg := config.MustLoad()

	setupLogging(cfg)
	gin.SetMode(cfg.GinMode)

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("setup tracing")
	}

	gw := buildGateway(cfg)
	dispatcher := buildDispatcher(cfg)
	decoder, err := buildDecoder(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load app store root certificates")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, db, gw, dispatcher, decoder, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// In-process schedulers for the enforcement passes. External schedulers
	// hitting the job endpoints can disable these by setting intervals to 0.
	reaper := services.NewReaperService(db, gw, dispatcher)
	reaper.Concurrency = cfg.Reaper.Concurrency
	reaper.MaxAttempts = cfg.Reaper.MaxChargeAttempts
	go runTicker(ctx, "deadline_sweep", cfg.Reaper.SweepInterval, func(tc context.Context, now time.Time) error {
		_, err := reaper.RunDeadlineSweep(tc, now)
		return err
	})
	go runTicker(ctx, "charge_retry", cfg.Reaper.RetryInterval, func(tc context.Context, now time.Time) error {
		_, err := reaper.RetryPendingCharges(tc, now)
		return err
	})

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
}

// setupLogging configures the global zerolog output and level.
func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	sysutil.SetLogLevel(cfg.LogLevel)
}

// buildGateway selects the HTTP payment gateway, or the in-memory stub when
// no base URL is configured (local development).
func buildGateway(cfg config.Config) payments.Gateway {
	if cfg.Gateway.BaseURL == "" {
		log.Warn().Msg("no payment gateway configured, using in-memory stub")
		return payments.NewStubGateway()
	}
	return payments.NewHTTPGateway(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Timeout)
}

// buildDispatcher selects the batch push dispatcher, or the in-memory stub
// when no endpoint is configured.
func buildDispatcher(cfg config.Config) notify.Dispatcher {
	if cfg.Push.Endpoint == "" {
		log.Warn().Msg("no push endpoint configured, using in-memory stub")
		return &notify.StubDispatcher{}
	}
	return notify.NewHTTPDispatcher(cfg.Push.Endpoint, cfg.Push.Timeout)
}

// buildDecoder assembles the webhook envelope decoder, loading the provider
// root certificate pool when signature verification is on.
func buildDecoder(cfg config.Config) (*appstore.Decoder, error) {
	dec := &appstore.Decoder{VerifySignature: cfg.AppStore.VerifySignature}
	if !cfg.AppStore.VerifySignature {
		return dec, nil
	}
	pem, err := os.ReadFile(cfg.AppStore.RootCertPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates parsed from root CA bundle")
	}
	dec.Roots = pool
	return dec, nil
}

// runTicker invokes fn every interval until ctx is canceled. A zero or
// negative interval disables the ticker entirely.
func runTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context, time.Time) error) {
	if interval <= 0 {
		log.Info().Str("job", name).Msg("internal scheduler disabled")
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := fn(ctx, now.UTC()); err != nil {
				log.Error().Err(err).Str("job", name).Msg("scheduled pass failed")
			}
		}
	}
}
