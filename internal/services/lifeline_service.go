// Package services – LifelineService
//
// This file implements the one-time, rate-limited deadline extension
// ("lifeline"/"freeze"). Preconditions are checked in a fixed order — first
// failure wins — and the mutation itself is a single conditional write: the
// deadline push and the is_freeze_used flag apply only while the flag is
// still false at write time. Zero rows affected means a concurrent duplicate
// request won the race and is surfaced as ErrConcurrentConflict, never as a
// double-applied extension. This optimistic scheme is the sole concurrency
// control; commitments are independent and contention is rare, so no lock
// manager is involved.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
)

// LifelineService applies deadline extensions under the per-book and global
// cooldown rules.
type LifelineService struct {
	// DB is the database handle used for all lifeline operations.
	DB *gorm.DB

	// Extension is how far the deadline moves (default 7 days).
	Extension time.Duration
	// Cooldown is the trailing window during which a user may not consume a
	// second lifeline on any book (default 30 days).
	Cooldown time.Duration
}

// NewLifelineService constructs a LifelineService with the standard 7-day
// extension and 30-day global cooldown.
func NewLifelineService(db *gorm.DB) *LifelineService {
	return &LifelineService{
		DB:        db,
		Extension: 7 * 24 * time.Hour,
		Cooldown:  30 * 24 * time.Hour,
	}
}

// LifelineResult is returned on a successful extension.
type LifelineResult struct {
	NewDeadline time.Time
	Commitment  *domain.Commitment
}

// UseLifeline applies the one-time extension to commitmentID on behalf of
// userID.
//
// Preconditions, checked in order, first failure wins:
//  1. commitment exists and belongs to userID      → ErrCommitmentNotFound
//  2. status is pending or in_progress             → ErrInvalidState
//  3. no other commitment for (user, book) has
//     consumed its lifeline                        → ErrAlreadyUsedForBook
//  4. no lifeline use by this user within the
//     trailing cooldown window, any book           → ErrCooldownActive
//
// Effect: deadline += Extension, is_freeze_used = true, updated_at = now —
// applied as one conditional write. The checks and the write run inside a
// transaction so the precondition reads cannot interleave with another
// writer's commit on this connection; cross-request races are caught by the
// conditional write itself.
func (s *LifelineService) UseLifeline(ctx context.Context, commitmentID, userID string) (*LifelineResult, error) {
	tr := otel.Tracer("services/LifelineService")
	ctx, span := tr.Start(ctx, "UseLifeline",
		trace.WithAttributes(
			attribute.String("commitment.id", commitmentID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	var result *LifelineResult
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 1) Existence and ownership.
		c, err := repo.GetCommitment(ctx, tx, commitmentID, userID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCommitmentNotFound
			}
			return err
		}

		// 2) Lifecycle state. A lifeline on an already-consumed commitment is
		// reported as a concurrent duplicate, matching the conditional-write
		// outcome a slightly later race would have produced.
		if !c.Active() {
			return ErrInvalidState
		}
		if c.IsFreezeUsed {
			return ErrConcurrentConflict
		}

		// 3) Per-book rule: one lifeline per (user, book), ever.
		usedForBook, err := repo.FreezeUsedForBook(ctx, tx, userID, c.BookID, c.ID)
		if err != nil {
			return err
		}
		if usedForBook {
			return ErrAlreadyUsedForBook
		}

		// 4) Global cooldown, independent of book.
		now := time.Now().UTC()
		last, err := repo.LastFreezeUse(ctx, tx, userID)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < s.Cooldown {
			return ErrCooldownActive
		}

		newDeadline := c.Deadline.Add(s.Extension)
		updated, err := repo.ApplyLifeline(ctx, tx, c.ID, newDeadline, now)
		if err != nil {
			return err
		}
		if !updated {
			return ErrConcurrentConflict
		}

		fresh, err := repo.GetCommitment(ctx, tx, c.ID, userID)
		if err != nil {
			return err
		}
		result = &LifelineResult{NewDeadline: fresh.Deadline, Commitment: fresh}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
