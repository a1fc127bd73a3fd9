package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
)

// seedLifelineCommitment inserts a commitment row directly, bypassing the
// service validation, so tests can shape deadlines and flags freely.
func seedLifelineCommitment(t *testing.T, db *gorm.DB, userID, bookID, status string, freezeUsed bool) *domain.Commitment {
	t.Helper()
	c := &domain.Commitment{
		ID:                 uuid.NewString(),
		UserID:             userID,
		BookID:             bookID,
		BookTitle:          "some book",
		Status:             status,
		Deadline:           time.Now().UTC().Add(72 * time.Hour),
		PenaltyAmountCents: 1500,
		Currency:           "USD",
		PaymentMethodRef:   "pm_test",
		IsFreezeUsed:       freezeUsed,
	}
	if err := db.Create(c).Error; err != nil {
		t.Fatalf("seed commitment: %v", err)
	}
	return c
}

func TestUseLifeline_NotFoundAndOwnership(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)
	ctx := context.Background()

	if _, err := s.UseLifeline(ctx, "missing", "u1"); !errors.Is(err, ErrCommitmentNotFound) {
		t.Fatalf("missing: err=%v; want ErrCommitmentNotFound", err)
	}

	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusPending, false)
	if _, err := s.UseLifeline(ctx, c.ID, "u2"); !errors.Is(err, ErrCommitmentNotFound) {
		t.Fatalf("foreign owner: err=%v; want ErrCommitmentNotFound", err)
	}
}

func TestUseLifeline_TerminalState(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)
	ctx := context.Background()

	for _, status := range []string{domain.StatusCompleted, domain.StatusDefaulted, domain.StatusCancelled} {
		c := seedLifelineCommitment(t, db, "u1", "b-"+status, status, false)
		if _, err := s.UseLifeline(ctx, c.ID, "u1"); !errors.Is(err, ErrInvalidState) {
			t.Fatalf("status %s: err=%v; want ErrInvalidState", status, err)
		}
	}
}

func TestUseLifeline_AlreadyConsumed(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)

	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusInProgress, true)
	if _, err := s.UseLifeline(context.Background(), c.ID, "u1"); !errors.Is(err, ErrConcurrentConflict) {
		t.Fatalf("consumed lifeline: err=%v; want ErrConcurrentConflict", err)
	}
}

func TestUseLifeline_PerBookRule(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)

	// An older commitment for the same book already spent its lifeline.
	seedLifelineCommitment(t, db, "u1", "b1", domain.StatusDefaulted, true)
	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusPending, false)

	if _, err := s.UseLifeline(context.Background(), c.ID, "u1"); !errors.Is(err, ErrAlreadyUsedForBook) {
		t.Fatalf("same book: err=%v; want ErrAlreadyUsedForBook", err)
	}
}

func TestUseLifeline_CooldownWindow(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)
	ctx := context.Background()

	// A lifeline consumed on another book 29 days ago.
	prev := seedLifelineCommitment(t, db, "u1", "b-old", domain.StatusCompleted, true)
	old := time.Now().UTC().Add(-29 * 24 * time.Hour)
	if err := db.Model(&domain.Commitment{}).Where("id = ?", prev.ID).
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("backdate: %v", err)
	}

	c := seedLifelineCommitment(t, db, "u1", "b-new", domain.StatusPending, false)
	if _, err := s.UseLifeline(ctx, c.ID, "u1"); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("inside cooldown: err=%v; want ErrCooldownActive", err)
	}

	// Push the previous use outside the window and the lifeline applies.
	older := time.Now().UTC().Add(-31 * 24 * time.Hour)
	if err := db.Model(&domain.Commitment{}).Where("id = ?", prev.ID).
		UpdateColumn("updated_at", older).Error; err != nil {
		t.Fatalf("backdate further: %v", err)
	}
	res, err := s.UseLifeline(ctx, c.ID, "u1")
	if err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
	want := c.Deadline.Add(s.Extension)
	if !res.NewDeadline.Equal(want) {
		t.Fatalf("new deadline = %v; want %v", res.NewDeadline, want)
	}
	if !res.Commitment.IsFreezeUsed {
		t.Fatal("is_freeze_used not set")
	}
}

func TestUseLifeline_ExtensionLength(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)
	s.Extension = 48 * time.Hour

	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusPending, false)
	res, err := s.UseLifeline(context.Background(), c.ID, "u1")
	if err != nil {
		t.Fatalf("UseLifeline: %v", err)
	}
	if got := res.NewDeadline.Sub(c.Deadline); got != 48*time.Hour {
		t.Fatalf("extension = %v; want 48h", got)
	}
}

func TestUseLifeline_DuplicateRequestLosesRace(t *testing.T) {
	db := newServiceDB(t)
	s := NewLifelineService(db)
	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusPending, false)

	if _, err := s.UseLifeline(context.Background(), c.ID, "u1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// A duplicate arriving after the winner observes the consumed flag and
	// reports the conflict instead of extending again.
	if _, err := s.UseLifeline(context.Background(), c.ID, "u1"); !errors.Is(err, ErrConcurrentConflict) {
		t.Fatalf("duplicate request: err=%v; want ErrConcurrentConflict", err)
	}

	// The deadline moved exactly once.
	var fresh domain.Commitment
	if err := db.First(&fresh, "id = ?", c.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	want := c.Deadline.Add(s.Extension)
	if !fresh.Deadline.Equal(want) {
		t.Fatalf("deadline = %v; want %v (single extension)", fresh.Deadline, want)
	}
}

func TestUseLifeline_ConcurrentRequests(t *testing.T) {
	// File-backed database with the production pragmas (WAL, busy_timeout)
	// so parallel writers queue instead of erroring out.
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("lifeline_conc_%d.db", time.Now().UnixNano()))
	db, err := repo.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, cerr := db.DB(); cerr == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	s := NewLifelineService(db)
	c := seedLifelineCommitment(t, db, "u1", "b1", domain.StatusInProgress, false)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
		others    []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UseLifeline(context.Background(), c.ID, "u1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConcurrentConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	if len(others) != 0 {
		t.Fatalf("unexpected errors: %v", others)
	}
	if succeeded != 1 || conflicts != workers-1 {
		t.Fatalf("succeeded=%d conflicts=%d; want exactly one winner", succeeded, conflicts)
	}

	// The deadline moved exactly once and the flag is spent.
	var fresh domain.Commitment
	if err := db.First(&fresh, "id = ?", c.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	want := c.Deadline.Add(s.Extension)
	if !fresh.Deadline.Equal(want) {
		t.Fatalf("deadline = %v; want %v (single extension)", fresh.Deadline, want)
	}
	if !fresh.IsFreezeUsed {
		t.Fatalf("is_freeze_used not set after winning request")
	}
}
