// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, CORS,
// security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/kgasnalo/commit-app-sub002/docs" // swagger spec registration
	"github.com/kgasnalo/commit-app-sub002/internal/appstore"
	"github.com/kgasnalo/commit-app-sub002/internal/config"
	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/http/handlers"
	"github.com/kgasnalo/commit-app-sub002/internal/http/middleware"
	"github.com/kgasnalo/commit-app-sub002/internal/notify"
	"github.com/kgasnalo/commit-app-sub002/internal/payments"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
	"github.com/kgasnalo/commit-app-sub002/internal/services"
)

// commitmentRepoShim adapts the repository free functions to the
// services.CommitmentRepo interface expected by the CommitmentService. This
// keeps services decoupled from the concrete repo package while reusing the
// existing functions.
type commitmentRepoShim struct{}

// CreateCommitment proxies repo.CreateCommitment.
func (commitmentRepoShim) CreateCommitment(ctx context.Context, db *gorm.DB, c *domain.Commitment) (*domain.Commitment, error) {
	return repo.CreateCommitment(ctx, db, c)
}

// GetCommitment proxies repo.GetCommitment.
func (commitmentRepoShim) GetCommitment(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Commitment, error) {
	return repo.GetCommitment(ctx, db, id, userID)
}

// CountCommitments proxies repo.CountCommitments (pagination support).
func (commitmentRepoShim) CountCommitments(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountCommitments(ctx, db, userID)
}

// ListCommitmentsPage proxies repo.ListCommitmentsPage (pagination support).
func (commitmentRepoShim) ListCommitmentsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Commitment, error) {
	return repo.ListCommitmentsPage(ctx, db, userID, offset, limit)
}

// MarkCompleted proxies repo.MarkCompleted (conditional lifecycle write).
func (commitmentRepoShim) MarkCompleted(ctx context.Context, db *gorm.DB, id, userID string, now time.Time) (bool, error) {
	return repo.MarkCompleted(ctx, db, id, userID, now)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and
// rate limiting, CORS and security headers, health and metrics endpoints, and
// then mounts the versioned public API under cfg.APIBasePath.
//
// The payment gateway, push dispatcher, and webhook decoder are injected so
// main (and tests) control the external adapters; services are assembled here.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured logs with secret masking
//  4. Recovery: capture panics after logger
//  5. Body size limiter and gzip
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, db *gorm.DB, gw payments.Gateway, dispatcher notify.Dispatcher, decoder *appstore.Decoder, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with secret masking
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB) and response compression
	r.Use(limitBody(1 << 20))
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			Scope:  "create_commitment",
			MaxLen: 200,
		},
		func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, scope, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"X-User-ID", middleware.HeaderIdempotencyKey,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header.
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist.
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "ETag"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// API documentation (disabled in hardened deployments)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/adapters
	commitSvc := services.NewCommitmentService(db, commitmentRepoShim{})
	commitSvc.MinPenaltyCents = cfg.PenaltyMinCents
	commitSvc.MaxPenaltyCents = cfg.PenaltyMaxCents

	lifelineSvc := services.NewLifelineService(db)
	lifelineSvc.Extension = cfg.LifelineExtension
	lifelineSvc.Cooldown = cfg.LifelineCooldown

	reaperSvc := services.NewReaperService(db, gw, dispatcher)
	reaperSvc.Concurrency = cfg.Reaper.Concurrency
	reaperSvc.MaxAttempts = cfg.Reaper.MaxChargeAttempts

	subSvc := services.NewSubscriptionService(db, decoder, dispatcher)

	h := handlers.New(commitSvc, lifelineSvc, reaperSvc, subSvc)
	h.DB = db
	h.IdempotencyTTL = cfg.IdempotencyTTL
	h.SystemSecrets = [2]string{cfg.Reaper.SystemSecretPrimary, cfg.Reaper.SystemSecretSecondary}

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		// Commitments
		api.POST("/commitments", h.CreateCommitment)
		api.GET("/commitments", h.ListCommitments)
		api.POST("/commitments/:id/complete", h.CompleteCommitment)
		api.POST("/commitments/:id/lifeline", h.UseLifeline)

		// System job triggers (scheduler-only, X-System-Secret)
		api.POST("/jobs/deadline-sweep", h.RunDeadlineSweep)
		api.POST("/jobs/charge-retry", h.RetryCharges)

		// Billing-provider webhook
		api.POST("/webhooks/app-store", h.HandleAppStoreNotification)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
