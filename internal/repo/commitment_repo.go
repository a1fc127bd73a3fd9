// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Commitment
// model, including the conditional (optimistic) writes that make the
// lifecycle transitions safe under concurrent sweeps and lifeline requests.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a commitment is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Conditional writes report the race, not an error: they return
//     updated=false when zero rows matched the guard, and callers decide
//     whether that means "concurrent duplicate" or "already done, skip".
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// activeStatuses are the non-terminal lifecycle states eligible for
// defaulting, completion, and lifeline extension.
var activeStatuses = []string{domain.StatusPending, domain.StatusInProgress}

// CreateCommitment inserts a new Commitment row owned by userID. The ID is a
// randomly generated UUID and CreatedAt is set to UTC.
func CreateCommitment(ctx context.Context, db *gorm.DB, c *domain.Commitment) (*domain.Commitment, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.StatusPending
	}
	c.CreatedAt = time.Now().UTC()
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetCommitment fetches a single commitment by its ID and owner (userID).
// If the record does not exist, it returns ErrNotFound.
func GetCommitment(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Commitment, error) {
	var c domain.Commitment
	err := db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCommitmentByID fetches a commitment regardless of owner. Used by the
// reaper, which operates across all users.
func GetCommitmentByID(ctx context.Context, db *gorm.DB, id string) (*domain.Commitment, error) {
	var c domain.Commitment
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// CountCommitments returns the total number of commitments owned by userID.
func CountCommitments(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListCommitmentsPage returns a paginated slice of commitments for userID,
// ordered by creation time descending. Use CountCommitments to obtain the
// total for pagination metadata.
func ListCommitmentsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Commitment, error) {
	var out []domain.Commitment
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListOverdue returns all commitments still in an active state whose deadline
// has passed. Ordered by deadline ascending so the longest-overdue pledges
// are processed first.
func ListOverdue(ctx context.Context, db *gorm.DB, now time.Time) ([]domain.Commitment, error) {
	var out []domain.Commitment
	err := db.WithContext(ctx).
		Where("status IN ? AND deadline < ?", activeStatuses, now).
		Order("deadline asc").
		Find(&out).Error
	return out, err
}

// ListDefaultedWithoutCharge returns defaulted commitments that have no
// penalty charge row at all. A sweep that crashed between MarkDefaulted and
// GetOrCreatePenaltyCharge leaves rows in this state; the retry pass picks
// them up here so every default eventually gets its charge.
func ListDefaultedWithoutCharge(ctx context.Context, db *gorm.DB) ([]domain.Commitment, error) {
	var out []domain.Commitment
	err := db.WithContext(ctx).
		Joins("LEFT JOIN penalty_charges pc ON pc.commitment_id = commitments.id AND pc.deleted_at IS NULL").
		Where("commitments.status = ? AND pc.id IS NULL", domain.StatusDefaulted).
		Order("commitments.deadline asc").
		Find(&out).Error
	return out, err
}

// MarkDefaulted transitions a commitment to defaulted with a conditional
// write: the update only applies while the row is still in an active state.
// It returns updated=false when another sweep already moved the row, which
// callers must treat as a benign skip, never as corruption.
func MarkDefaulted(ctx context.Context, db *gorm.DB, id string, now time.Time) (updated bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("id = ? AND status IN ?", id, activeStatuses).
		Updates(map[string]any{
			"status":       domain.StatusDefaulted,
			"defaulted_at": now,
			"updated_at":   now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkCompleted transitions an active commitment to completed, enforcing user
// ownership. Zero rows affected means the commitment is missing, not owned,
// or already terminal.
func MarkCompleted(ctx context.Context, db *gorm.DB, id, userID string, now time.Time) (updated bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("id = ? AND user_id = ? AND status IN ?", id, userID, activeStatuses).
		Updates(map[string]any{
			"status":     domain.StatusCompleted,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ApplyLifeline performs the lifeline mutation as a single conditional write:
// push the deadline and set is_freeze_used, but only while is_freeze_used is
// still false and the commitment remains active. RowsAffected==0 signals the
// lost optimistic race (a concurrent duplicate request won), which the
// service surfaces as a distinct conflict rather than a generic failure.
func ApplyLifeline(ctx context.Context, db *gorm.DB, id string, newDeadline, now time.Time) (updated bool, err error) {
	res := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("id = ? AND is_freeze_used = ? AND status IN ?", id, false, activeStatuses).
		Updates(map[string]any{
			"deadline":       newDeadline,
			"is_freeze_used": true,
			"updated_at":     now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// FreezeUsedForBook reports whether any commitment for (userID, bookID) has
// already consumed its lifeline. Excludes the commitment being extended so a
// retried request does not trip over its own row.
func FreezeUsedForBook(ctx context.Context, db *gorm.DB, userID, bookID, excludeID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("user_id = ? AND book_id = ? AND is_freeze_used = ? AND id <> ?", userID, bookID, true, excludeID).
		Count(&n).Error
	return n > 0, err
}

// LastFreezeUse returns the most recent updated_at among the user's
// freeze-consumed commitments, or nil when the user has never used one.
// Feeds the global 30-day lifeline cooldown.
func LastFreezeUse(ctx context.Context, db *gorm.DB, userID string) (*time.Time, error) {
	var row struct {
		UpdatedAt time.Time
	}
	q := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("user_id = ? AND is_freeze_used = ?", userID, true).
		Select("updated_at").
		Order("updated_at DESC").
		Limit(1)

	var n int64
	if err := db.WithContext(ctx).
		Model(&domain.Commitment{}).
		Where("user_id = ? AND is_freeze_used = ?", userID, true).
		Count(&n).Error; err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if err := q.Scan(&row).Error; err != nil {
		return nil, err
	}
	return &row.UpdatedAt, nil
}
