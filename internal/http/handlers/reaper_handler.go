// Reaper trigger HTTP handlers.
//
// This file exposes the scheduled-job trigger endpoints:
//   - POST /jobs/deadline-sweep  (full default-and-charge pass)
//   - POST /jobs/charge-retry    (retry-only pass for unresolved charges)
//
// Both endpoints are restricted to callers presenting a system credential in
// the X-System-Secret header. End-user credentials are rejected with 401; the
// comparison is constant-time over both accepted secrets.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kgasnalo/commit-app-sub002/internal/auth"
	"github.com/kgasnalo/commit-app-sub002/internal/services"
)

// HeaderSystemSecret carries the system credential for job triggers.
const HeaderSystemSecret = "X-System-Secret"

// ReaperService defines the deadline-enforcement operations consumed by the
// job trigger endpoints.
type ReaperService interface {
	// RunDeadlineSweep defaults overdue commitments and drives their charges.
	RunDeadlineSweep(ctx context.Context, now time.Time) (services.SweepSummary, error)
	// RetryPendingCharges re-attempts unresolved charges under the cap.
	RetryPendingCharges(ctx context.Context, now time.Time) (services.SweepSummary, error)
}

// requireSystem enforces the system credential. Returns false after writing
// the error response when the caller is not authorized.
func (h *Handlers) requireSystem(c *gin.Context) bool {
	presented := c.GetHeader(HeaderSystemSecret)
	if !auth.IsSystemCaller(presented, h.SystemSecrets[0], h.SystemSecrets[1]) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "system credential required")
		return false
	}
	return true
}

// RunDeadlineSweep godoc
// @ID          runDeadlineSweep
// @Summary     Trigger the deadline sweep
// @Description Defaults overdue commitments, creates penalty charges idempotently, and invokes the payment gateway. System callers only.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-System-Secret  header  string  true "System credential"
//
// @Success     200  {object} services.SweepSummary
// @Failure     401  {object} handlers.ErrorResponse "Missing or invalid system credential"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/deadline-sweep [post]
func (h *Handlers) RunDeadlineSweep(c *gin.Context) {
	if !h.requireSystem(c) {
		return
	}
	summary, err := h.reaperSvc.RunDeadlineSweep(c.Request.Context(), time.Now().UTC())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "deadline sweep failed")
		return
	}
	ok(c, http.StatusOK, summary)
}

// RetryCharges godoc
// @ID          retryCharges
// @Summary     Trigger the charge-retry pass
// @Description Re-attempts penalty charges that have not succeeded and are under the attempt cap. System callers only.
// @Tags        Jobs
// @Produce     json
//
// @Param       X-System-Secret  header  string  true "System credential"
//
// @Success     200  {object} services.SweepSummary
// @Failure     401  {object} handlers.ErrorResponse "Missing or invalid system credential"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /jobs/charge-retry [post]
func (h *Handlers) RetryCharges(c *gin.Context) {
	if !h.requireSystem(c) {
		return
	}
	summary, err := h.reaperSvc.RetryPendingCharges(c.Request.Context(), time.Now().UTC())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "charge retry pass failed")
		return
	}
	ok(c, http.StatusOK, summary)
}
