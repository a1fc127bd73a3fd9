// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User model,
// primarily the subscription-state mutations driven by the billing
// reconciler.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
)

// GetUser fetches a user by ID, or ErrNotFound.
func GetUser(ctx context.Context, db *gorm.DB, id string) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByOriginalTransaction resolves the owner of a billing-provider
// purchase lineage. The external original-transaction id must map to at most
// one user; when no user matches, ErrNotFound is returned and the caller
// decides whether that is benign (webhook context) or a real failure.
func FindUserByOriginalTransaction(ctx context.Context, db *gorm.DB, originalTransactionID string) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).
		Where("original_transaction_id = ?", originalTransactionID).
		First(&u).Error
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateSubscription sets the user's subscription status and expiry. The
// write is unconditional by row identity; staleness decisions (monotonic
// expiry guard) belong to the service layer, which inspects the current row
// first inside a transaction.
func UpdateSubscription(ctx context.Context, db *gorm.DB, userID, status string, expiresAt *time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"subscription_status":     status,
			"subscription_expires_at": expiresAt,
			"updated_at":              time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// PushTokensForUsers returns the non-empty push tokens for the given user
// ids, preserving no particular order. Used to build dispatcher batches.
func PushTokensForUsers(ctx context.Context, db *gorm.DB, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var tokens []string
	err := db.WithContext(ctx).
		Model(&domain.User{}).
		Where("id IN ? AND push_token <> ''", userIDs).
		Pluck("push_token", &tokens).Error
	return tokens, err
}
