// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the PenaltyCharge
// ledger. Creation is idempotent per commitment: the unique index on
// commitment_id turns a racing second insert into a read of the winner's row.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
)

// ErrDuplicate indicates that a row already exists for a key that must be
// unique (penalty charge per commitment, idempotency tuple).
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation detects unique-constraint failures across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}

// GetOrCreatePenaltyCharge returns the single charge record for commitmentID,
// creating it when absent. A concurrent creator losing the insert race reads
// back the existing row, so every caller observes the same record and the
// at-most-one-charge-series invariant holds under overlapping sweeps.
func GetOrCreatePenaltyCharge(ctx context.Context, db *gorm.DB, commitmentID string, amountCents int64, currency string) (*domain.PenaltyCharge, error) {
	var existing domain.PenaltyCharge
	err := db.WithContext(ctx).
		Where("commitment_id = ?", commitmentID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	pc := &domain.PenaltyCharge{
		ID:           uuid.NewString(),
		CommitmentID: commitmentID,
		Outcome:      domain.ChargePending,
		AmountCents:  amountCents,
		Currency:     currency,
		CreatedAt:    time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(pc).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; the winner's row is authoritative.
			if err2 := db.WithContext(ctx).
				Where("commitment_id = ?", commitmentID).
				First(&existing).Error; err2 != nil {
				return nil, err2
			}
			return &existing, nil
		}
		return nil, err
	}
	return pc, nil
}

// GetPenaltyCharge fetches the charge record for a commitment, or ErrNotFound.
func GetPenaltyCharge(ctx context.Context, db *gorm.DB, commitmentID string) (*domain.PenaltyCharge, error) {
	var pc domain.PenaltyCharge
	if err := db.WithContext(ctx).Where("commitment_id = ?", commitmentID).First(&pc).Error; err != nil {
		return nil, err
	}
	return &pc, nil
}

// ListRetryableCharges returns charges that have not succeeded and are still
// under the attempt cap, joined with their commitment intact. Used by the
// scheduled retry pass.
func ListRetryableCharges(ctx context.Context, db *gorm.DB, maxAttempts int) ([]domain.PenaltyCharge, error) {
	var out []domain.PenaltyCharge
	err := db.WithContext(ctx).
		Where("outcome <> ? AND attempt_count < ?", domain.ChargeSucceeded, maxAttempts).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// RecordChargeOutcome finalizes one gateway attempt: bumps the attempt
// counter, stores the outcome and the last error (empty on success). Outcome
// stays pending for transient failures so the next retry pass picks the
// charge up again.
func RecordChargeOutcome(ctx context.Context, db *gorm.DB, id, outcome, lastError string) error {
	res := db.WithContext(ctx).
		Model(&domain.PenaltyCharge{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"outcome":       outcome,
			"last_error":    lastError,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
