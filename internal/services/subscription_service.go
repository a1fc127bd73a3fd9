// Package services – SubscriptionService
//
// This file implements the billing-provider reconciliation state machine. A
// signed notification is decoded, the owning user is resolved by the
// provider's original-transaction id, and a fixed (type, subtype) table maps
// the event to a subscription-state transition. The handler acknowledges
// every structurally valid notification — including "user not found" and
// no-op mappings — because the provider retries on non-2xx and a missing
// local user is not worth a retry storm.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kgasnalo/commit-app-sub002/internal/appstore"
	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/notify"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
)

// ReconcileAction describes what a notification did, for logging and the
// webhook response body.
type ReconcileAction string

const (
	// ActionApplied means subscription state was mutated.
	ActionApplied ReconcileAction = "applied"
	// ActionNoop means the mapping intentionally makes no change (e.g.
	// auto-renew toggled off while still inside the paid period).
	ActionNoop ReconcileAction = "noop"
	// ActionUserNotFound means no local user owns the transaction lineage.
	ActionUserNotFound ReconcileAction = "user_not_found"
	// ActionStale means the update was skipped because the stored state is
	// newer than the notification's own expiry.
	ActionStale ReconcileAction = "stale"
	// ActionTest acknowledges the provider's TEST ping.
	ActionTest ReconcileAction = "test"
)

// ReconcileResult is the acknowledged outcome of one notification.
type ReconcileResult struct {
	Action           ReconcileAction `json:"action"`
	NotificationType string          `json:"notification_type"`
	Subtype          string          `json:"subtype,omitempty"`
}

// SubscriptionService applies billing-provider notifications to user
// subscription state.
type SubscriptionService struct {
	DB         *gorm.DB
	Decoder    *appstore.Decoder
	Dispatcher notify.Dispatcher
}

// NewSubscriptionService constructs a SubscriptionService around the given
// envelope decoder.
func NewSubscriptionService(db *gorm.DB, dec *appstore.Decoder, d notify.Dispatcher) *SubscriptionService {
	return &SubscriptionService{DB: db, Decoder: dec, Dispatcher: d}
}

// transition is one row of the fixed mapping table.
type transition struct {
	status string
	// expiryFromTxn takes the expiry from the transaction payload; otherwise
	// expiresNow stamps the processing instant (refund/revoke).
	expiryFromTxn bool
	expiresNow    bool
}

// mapNotification resolves the (type, subtype) pair to a transition, or nil
// for acknowledge-only events.
func mapNotification(ntype, subtype string) *transition {
	switch ntype {
	case appstore.TypeSubscribed, appstore.TypeDidRenew, appstore.TypeOfferRedeemed:
		return &transition{status: domain.SubscriptionActive, expiryFromTxn: true}
	case appstore.TypeDidChangeRenewalStatus:
		// Auto-renew toggles do not end the paid period.
		return nil
	case appstore.TypeExpired, appstore.TypeGracePeriodExpired:
		return &transition{status: domain.SubscriptionInactive, expiryFromTxn: true}
	case appstore.TypeDidFailToRenew:
		if subtype == appstore.SubtypeGracePeriod {
			// Still retrying inside the grace period; access continues.
			return nil
		}
		return &transition{status: domain.SubscriptionInactive, expiryFromTxn: true}
	case appstore.TypeRefund, appstore.TypeRevoke:
		return &transition{status: domain.SubscriptionInactive, expiresNow: true}
	default:
		return nil
	}
}

// ApplyNotification decodes a signed payload and reconciles the owning
// user's subscription state. Errors are returned only for structurally
// invalid payloads (appstore.ErrInvalidPayload) or infrastructure failures;
// every mapped decision — mutation, no-op, unknown user — acknowledges
// success so the provider stops redelivering.
//
// Re-delivering the same payload is idempotent: applying the same transition
// twice lands on the same end state, and the stale guard keeps an
// out-of-order activation from clobbering newer data.
func (s *SubscriptionService) ApplyNotification(ctx context.Context, signedPayload string) (*ReconcileResult, error) {
	tr := otel.Tracer("services/SubscriptionService")
	ctx, span := tr.Start(ctx, "ApplyNotification")
	defer span.End()

	n, err := s.Decoder.Decode(signedPayload)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("notification.type", n.NotificationType),
		attribute.String("notification.subtype", n.Subtype),
	)

	result := &ReconcileResult{
		NotificationType: n.NotificationType,
		Subtype:          n.Subtype,
	}

	if n.NotificationType == appstore.TypeTest {
		result.Action = ActionTest
		return result, nil
	}

	t := mapNotification(n.NotificationType, n.Subtype)
	if t == nil || n.Transaction == nil || n.Transaction.OriginalTransactionID == "" {
		result.Action = ActionNoop
		return result, nil
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u, err := repo.FindUserByOriginalTransaction(ctx, tx, n.Transaction.OriginalTransactionID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result.Action = ActionUserNotFound
				return nil
			}
			return err
		}

		var expiresAt *time.Time
		switch {
		case t.expiresNow:
			now := time.Now().UTC()
			expiresAt = &now
		case t.expiryFromTxn:
			expiresAt = n.Transaction.ExpiresAt
		}

		// Stale guard: an activation must never move the stored expiry
		// backwards (out-of-order delivery). Deactivations always apply —
		// refunds and revokes are authoritative.
		if t.status == domain.SubscriptionActive &&
			u.SubscriptionExpiresAt != nil && expiresAt != nil &&
			expiresAt.Before(*u.SubscriptionExpiresAt) {
			result.Action = ActionStale
			return nil
		}

		if err := repo.UpdateSubscription(ctx, tx, u.ID, t.status, expiresAt); err != nil {
			return err
		}
		result.Action = ActionApplied

		if t.status == domain.SubscriptionInactive {
			s.notifyEnded(ctx, tx, u.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("type", n.NotificationType).
		Str("subtype", n.Subtype).
		Str("action", string(result.Action)).
		Msg("billing notification reconciled")
	return result, nil
}

// notifyEnded fires a best-effort push when a subscription lapses.
func (s *SubscriptionService) notifyEnded(ctx context.Context, db *gorm.DB, userID string) {
	if s.Dispatcher == nil {
		return
	}
	tokens, err := repo.PushTokensForUsers(ctx, db, []string{userID})
	if err != nil || len(tokens) == 0 {
		return
	}
	if _, err := s.Dispatcher.SendBatch(ctx, tokens,
		"Subscription ended",
		"Your subscription is no longer active. Renew to keep your reading commitments enforced."); err != nil {
		log.Warn().Err(err).Msg("subscription notification failed")
	}
}
