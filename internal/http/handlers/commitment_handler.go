// Commitment HTTP handlers.
//
// This file exposes REST endpoints for commitment resources:
//   - POST   /commitments                (create, Idempotency-Key aware)
//   - GET    /commitments                (list, paginated, ETag support)
//   - POST   /commitments/{id}/complete  (happy-path completion)
//   - POST   /commitments/{id}/lifeline  (one-time deadline extension)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/http/middleware"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
	"github.com/kgasnalo/commit-app-sub002/internal/services"
	"github.com/kgasnalo/commit-app-sub002/internal/utils"
)

//
// Service contracts (context-aware)
//

// CommitmentService defines pledge lifecycle operations consumed by HTTP
// handlers. Implementations should be safe for concurrent use and must honor
// the provided context for cancellation and timeouts.
type CommitmentService interface {
	// Create starts a new pledge for userID.
	Create(ctx context.Context, userID string, p services.CreateParams) (*domain.Commitment, error)
	// Get returns a single commitment owned by userID.
	Get(ctx context.Context, userID, id string) (*domain.Commitment, error)
	// ListPage returns a page of the user's commitments and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Commitment, int64, error)
	// Complete marks an active commitment finished.
	Complete(ctx context.Context, userID, id string) (*domain.Commitment, error)
}

// LifelineService applies the one-time deadline extension.
type LifelineService interface {
	// UseLifeline extends the deadline of commitmentID for userID.
	UseLifeline(ctx context.Context, commitmentID, userID string) (*services.LifelineResult, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for commitments, jobs, and webhooks.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	commitSvc   CommitmentService
	lifelineSvc LifelineService
	reaperSvc   ReaperService
	subSvc      SubscriptionService

	// DB backs the idempotency replay path and ETag stats; nil disables both.
	DB *gorm.DB
	// IdempotencyTTL is how long a stored Idempotency-Key result is replayed.
	IdempotencyTTL time.Duration
	// SystemSecrets are the two accepted job-trigger credentials.
	SystemSecrets [2]string
}

// New constructs a Handlers instance bound to the given services.
func New(commitSvc CommitmentService, lifelineSvc LifelineService, reaperSvc ReaperService, subSvc SubscriptionService) *Handlers {
	return &Handlers{
		commitSvc:      commitSvc,
		lifelineSvc:    lifelineSvc,
		reaperSvc:      reaperSvc,
		subSvc:         subSvc,
		IdempotencyTTL: 24 * time.Hour,
	}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

//
// DTOs
//

// CreateCommitmentRequest is the JSON payload for creating a pledge.
type CreateCommitmentRequest struct {
	BookID             string    `json:"book_id"              binding:"required,min=1,max=64"  example:"9780140449136"`
	BookTitle          string    `json:"book_title"           binding:"required,min=1,max=255" example:"The Count of Monte Cristo"`
	Deadline           time.Time `json:"deadline"             binding:"required"               example:"2026-10-01T00:00:00Z"`
	PenaltyAmountCents int64     `json:"penalty_amount_cents" binding:"required,min=1"         example:"2500"`
	Currency           string    `json:"currency"             example:"USD"`
	PaymentMethodRef   string    `json:"payment_method_ref"   binding:"required"               example:"pm_1OxYzA"`
}

// LifelineResponse is returned on a successful deadline extension.
type LifelineResponse struct {
	NewDeadline time.Time          `json:"new_deadline"`
	Commitment  *domain.Commitment `json:"commitment"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListCommitmentsResponse wraps a page of commitments with pagination
// information.
type ListCommitmentsResponse struct {
	Commitments []domain.Commitment `json:"commitments"`
	Pagination  Pagination          `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// CreateCommitment godoc
// @ID          createCommitment
// @Summary     Create a reading commitment
// @Description Creates a pledge to finish a book by a deadline, backed by a penalty. Supports Idempotency-Key replay.
// @Tags        Commitments
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)" example(user123)
// @Param       Idempotency-Key  header  string  false "Safe-retry key"
// @Param       body             body    handlers.CreateCommitmentRequest true "Create commitment payload"
//
// @Success     201  {object}  domain.Commitment
// @Success     200  {object}  domain.Commitment "Replayed from a previous identical request"
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /commitments [post]
func (h *Handlers) CreateCommitment(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	// Replay path: a stored result for this key is returned verbatim.
	idemKey, hasKey := middleware.GetIdempotencyKey(c)
	if hasKey && h.DB != nil {
		if rec, err := repo.GetIdempotency(ctx, h.DB, uid, "create_commitment", idemKey, time.Now().UTC()); err == nil && rec != nil {
			if existing, err := h.commitSvc.Get(ctx, uid, rec.ResourceID); err == nil {
				ok(c, http.StatusOK, existing)
				return
			}
		}
	}

	var req CreateCommitmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	cm, err := h.commitSvc.Create(ctx, uid, services.CreateParams{
		BookID:             req.BookID,
		BookTitle:          req.BookTitle,
		Deadline:           req.Deadline,
		PenaltyAmountCents: req.PenaltyAmountCents,
		Currency:           req.Currency,
		PaymentMethodRef:   req.PaymentMethodRef,
	})
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidDeadline):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "deadline must be in the future")
		case errors.Is(err, services.ErrInvalidPenalty):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "penalty amount is out of range")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, "could not create commitment")
		}
		return
	}

	if hasKey && h.DB != nil {
		// Best effort: losing the insert race just means the other request's
		// record answers future replays.
		_, _ = repo.CreateIdempotency(ctx, h.DB, uid, "create_commitment", idemKey, cm.ID, http.StatusCreated, h.IdempotencyTTL)
	}
	ok(c, http.StatusCreated, cm)
}

// ListCommitments godoc
// @ID          listCommitments
// @Summary     List commitments (paginated)
// @Description Returns a page of the user's commitments. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Commitments
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"      example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"
// @Param       page           query   int     false "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListCommitmentsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /commitments [get]
func (h *Handlers) ListCommitments(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	if h.DB != nil {
		count, maxTS, err := repo.CommitmentsStats(ctx, h.DB, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"commitments:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.commitSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list commitments")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListCommitmentsResponse{
		Commitments: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// CompleteCommitment godoc
// @ID          completeCommitment
// @Summary     Mark a commitment completed
// @Description Finishes an active commitment. Terminal commitments are rejected without mutation.
// @Tags        Commitments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Commitment ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Commitment
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Commitment not found"
// @Failure     409  {object} handlers.ErrorResponse "Commitment already terminal"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /commitments/{id}/complete [post]
func (h *Handlers) CompleteCommitment(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "commitment id must be a UUID")
		return
	}

	cm, err := h.commitSvc.Complete(c.Request.Context(), userID(c), id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCommitmentNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "commitment not found")
		case errors.Is(err, services.ErrInvalidState):
			fail(c, http.StatusConflict, ErrCodeInvalidState, "commitment is not active")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not complete commitment")
		}
		return
	}
	ok(c, http.StatusOK, cm)
}

// UseLifeline godoc
// @ID          useLifeline
// @Summary     Use the one-time deadline extension
// @Description Pushes the deadline by 7 days. One lifeline per (user, book), with a 30-day global cooldown.
// @Tags        Commitments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Commitment ID (UUID)"  format(uuid)
//
// @Success     200  {object} handlers.LifelineResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Commitment not found"
// @Failure     409  {object} handlers.ErrorResponse "Invalid state, cooldown, per-book rule, or concurrent duplicate"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /commitments/{id}/lifeline [post]
func (h *Handlers) UseLifeline(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "commitment id must be a UUID")
		return
	}

	res, err := h.lifelineSvc.UseLifeline(c.Request.Context(), id, userID(c))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrCommitmentNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "commitment not found")
		case errors.Is(err, services.ErrInvalidState):
			fail(c, http.StatusConflict, ErrCodeInvalidState, "commitment is not active")
		case errors.Is(err, services.ErrAlreadyUsedForBook):
			fail(c, http.StatusConflict, ErrCodeLifelineUsedBook, "lifeline already used for this book")
		case errors.Is(err, services.ErrCooldownActive):
			fail(c, http.StatusConflict, ErrCodeCooldownActive, "lifeline cooldown is active")
		case errors.Is(err, services.ErrConcurrentConflict):
			fail(c, http.StatusConflict, ErrCodeConflict, "a concurrent request already applied the lifeline")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not apply lifeline")
		}
		return
	}

	ok(c, http.StatusOK, LifelineResponse{NewDeadline: res.NewDeadline, Commitment: res.Commitment})
}
