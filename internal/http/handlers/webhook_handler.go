// Billing-provider webhook handler.
//
// This file exposes the subscription-notification endpoint:
//   - POST /webhooks/app-store
//
// Contract with the provider: once the payload is structurally valid and a
// decision has been made — including "user not found" and no-op mappings —
// the endpoint returns 2xx, because the provider retries on anything else
// and a retry storm helps nobody. 4xx is reserved for structurally invalid
// envelopes.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kgasnalo/commit-app-sub002/internal/appstore"
	"github.com/kgasnalo/commit-app-sub002/internal/services"
)

// SubscriptionService defines the reconciliation operation consumed by the
// webhook endpoint.
type SubscriptionService interface {
	// ApplyNotification decodes a signed payload and reconciles subscription
	// state, returning the acknowledged decision.
	ApplyNotification(ctx context.Context, signedPayload string) (*services.ReconcileResult, error)
}

// AppStoreNotificationRequest is the provider's webhook envelope.
type AppStoreNotificationRequest struct {
	SignedPayload string `json:"signedPayload" binding:"required"`
}

// HandleAppStoreNotification godoc
// @ID          handleAppStoreNotification
// @Summary     Receive a billing-provider notification
// @Description Decodes the signed envelope and applies the mapped subscription transition. Always 200 once a decision is made.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.AppStoreNotificationRequest  true  "Signed notification envelope"
//
// @Success     200  {object} services.ReconcileResult
// @Failure     400  {object} handlers.ErrorResponse "Structurally invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /webhooks/app-store [post]
func (h *Handlers) HandleAppStoreNotification(c *gin.Context) {
	var req AppStoreNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "signedPayload is required")
		return
	}

	res, err := h.subSvc.ApplyNotification(c.Request.Context(), req.SignedPayload)
	if err != nil {
		if errors.Is(err, appstore.ErrInvalidPayload) {
			fail(c, http.StatusBadRequest, ErrCodeInvalidPayload, "signed payload could not be decoded")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "notification could not be processed")
		return
	}
	ok(c, http.StatusOK, res)
}
