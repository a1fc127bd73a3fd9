package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
)

func newCommitmentRepoDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("commitment_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedCommitment(t *testing.T, db *gorm.DB, userID, bookID, status string, deadline time.Time) *domain.Commitment {
	t.Helper()
	c, err := CreateCommitment(context.Background(), db, &domain.Commitment{
		UserID:             userID,
		BookID:             bookID,
		BookTitle:          "Book " + bookID,
		Status:             status,
		Deadline:           deadline,
		PenaltyAmountCents: 2500,
		Currency:           "USD",
		PaymentMethodRef:   "pm_test",
	})
	if err != nil {
		t.Fatalf("seed commitment: %v", err)
	}
	return c
}

func TestCreateCommitment_Error_NoTable(t *testing.T) {
	db := newCommitmentRepoDB(t /* no migrations */)
	c, err := CreateCommitment(context.Background(), db, &domain.Commitment{UserID: "u1"})
	if err == nil || c != nil {
		t.Fatalf("expected error creating without table, got c=%v err=%v", c, err)
	}
}

func TestCreateCommitment_SetsDefaults(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})

	start := time.Now().UTC().Add(-time.Minute)
	c, err := CreateCommitment(context.Background(), db, &domain.Commitment{
		UserID:             "u1",
		BookID:             "b1",
		BookTitle:          "The Trial",
		Deadline:           time.Now().UTC().Add(48 * time.Hour),
		PenaltyAmountCents: 2500,
		Currency:           "USD",
		PaymentMethodRef:   "pm_x",
	})
	if err != nil {
		t.Fatalf("CreateCommitment: %v", err)
	}
	if c.ID == "" {
		t.Fatalf("expected generated UUID")
	}
	if c.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", c.Status)
	}
	if c.CreatedAt.Before(start) {
		t.Fatalf("CreatedAt not set: %v", c.CreatedAt)
	}
	if c.IsFreezeUsed {
		t.Fatalf("new commitment must not have freeze consumed")
	}
}

func TestGetCommitment_OwnershipScoped(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	c := seedCommitment(t, db, "u1", "b1", domain.StatusPending, time.Now().Add(time.Hour))

	got, err := GetCommitment(context.Background(), db, c.ID, "u1")
	if err != nil || got.ID != c.ID {
		t.Fatalf("GetCommitment owner: got=%v err=%v", got, err)
	}

	// Another user must not see it.
	if _, err := GetCommitment(context.Background(), db, c.ID, "u2"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
}

func TestListCommitmentsPage_OrderAndBounds(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})

	for i := 0; i < 5; i++ {
		c := seedCommitment(t, db, "u1", fmt.Sprintf("b%d", i), domain.StatusPending, time.Now().Add(time.Hour))
		// Spread creation times so the descending order is deterministic.
		ts := time.Now().UTC().Add(time.Duration(i) * time.Second)
		if err := db.Model(c).Update("created_at", ts).Error; err != nil {
			t.Fatalf("backdate: %v", err)
		}
	}
	seedCommitment(t, db, "u2", "other", domain.StatusPending, time.Now().Add(time.Hour))

	total, err := CountCommitments(context.Background(), db, "u1")
	if err != nil || total != 5 {
		t.Fatalf("CountCommitments = %d, %v; want 5", total, err)
	}

	page, err := ListCommitmentsPage(context.Background(), db, "u1", 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("first page: n=%d err=%v", len(page), err)
	}
	if page[0].BookID != "b4" || page[1].BookID != "b3" {
		t.Fatalf("expected newest first, got %s, %s", page[0].BookID, page[1].BookID)
	}

	last, err := ListCommitmentsPage(context.Background(), db, "u1", 4, 2)
	if err != nil || len(last) != 1 {
		t.Fatalf("last page: n=%d err=%v", len(last), err)
	}
}

func TestListOverdue_SelectsActivePastDeadline(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()

	over1 := seedCommitment(t, db, "u1", "b1", domain.StatusPending, now.Add(-2*time.Hour))
	over2 := seedCommitment(t, db, "u1", "b2", domain.StatusInProgress, now.Add(-time.Hour))
	seedCommitment(t, db, "u1", "b3", domain.StatusPending, now.Add(time.Hour))       // future
	seedCommitment(t, db, "u1", "b4", domain.StatusCompleted, now.Add(-3*time.Hour))  // terminal
	seedCommitment(t, db, "u1", "b5", domain.StatusDefaulted, now.Add(-4*time.Hour))  // terminal

	got, err := ListOverdue(context.Background(), db, now)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("overdue count = %d; want 2", len(got))
	}
	// Longest overdue first.
	if got[0].ID != over1.ID || got[1].ID != over2.ID {
		t.Fatalf("unexpected order: %s, %s", got[0].BookID, got[1].BookID)
	}
}

func TestListDefaultedWithoutCharge(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{}, &domain.PenaltyCharge{})
	now := time.Now().UTC()

	// Defaulted with an existing ledger row: already in the retry pipeline.
	charged := seedCommitment(t, db, "u1", "b1", domain.StatusDefaulted, now.Add(-3*time.Hour))
	if _, err := GetOrCreatePenaltyCharge(context.Background(), db, charged.ID, 2500, "USD"); err != nil {
		t.Fatalf("seed charge: %v", err)
	}
	// Defaulted with no ledger row at all: the orphan this query exists for.
	orphan := seedCommitment(t, db, "u1", "b2", domain.StatusDefaulted, now.Add(-2*time.Hour))
	// Still active: not eligible regardless of charges.
	seedCommitment(t, db, "u1", "b3", domain.StatusInProgress, now.Add(-time.Hour))

	got, err := ListDefaultedWithoutCharge(context.Background(), db)
	if err != nil {
		t.Fatalf("ListDefaultedWithoutCharge: %v", err)
	}
	if len(got) != 1 || got[0].ID != orphan.ID {
		t.Fatalf("got %d rows; want only the uncharged default", len(got))
	}

	// Once its charge row exists the commitment drops out of the result.
	if _, err := GetOrCreatePenaltyCharge(context.Background(), db, orphan.ID, 2500, "USD"); err != nil {
		t.Fatalf("create charge: %v", err)
	}
	got, err = ListDefaultedWithoutCharge(context.Background(), db)
	if err != nil {
		t.Fatalf("second ListDefaultedWithoutCharge: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d rows after charging; want 0", len(got))
	}
}

func TestMarkDefaulted_ConditionalWrite(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()
	c := seedCommitment(t, db, "u1", "b1", domain.StatusPending, now.Add(-time.Hour))

	updated, err := MarkDefaulted(context.Background(), db, c.ID, now)
	if err != nil || !updated {
		t.Fatalf("first MarkDefaulted: updated=%v err=%v", updated, err)
	}

	got, err := GetCommitmentByID(context.Background(), db, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.StatusDefaulted || got.DefaultedAt == nil {
		t.Fatalf("row not defaulted: %+v", got)
	}

	// A second pass observing the same row must be a benign skip.
	updated, err = MarkDefaulted(context.Background(), db, c.ID, now)
	if err != nil {
		t.Fatalf("second MarkDefaulted: %v", err)
	}
	if updated {
		t.Fatalf("terminal row must not match the guard again")
	}
}

func TestMarkCompleted_GuardsOwnershipAndState(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()
	c := seedCommitment(t, db, "u1", "b1", domain.StatusInProgress, now.Add(time.Hour))

	// Wrong owner: no rows.
	if updated, err := MarkCompleted(context.Background(), db, c.ID, "u2", now); err != nil || updated {
		t.Fatalf("wrong owner: updated=%v err=%v", updated, err)
	}

	if updated, err := MarkCompleted(context.Background(), db, c.ID, "u1", now); err != nil || !updated {
		t.Fatalf("owner complete: updated=%v err=%v", updated, err)
	}

	// Terminal now; the guard no longer matches.
	if updated, err := MarkCompleted(context.Background(), db, c.ID, "u1", now); err != nil || updated {
		t.Fatalf("repeat complete: updated=%v err=%v", updated, err)
	}
}

func TestApplyLifeline_FirstWinnerOnly(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()
	c := seedCommitment(t, db, "u1", "b1", domain.StatusPending, now.Add(24*time.Hour))
	newDeadline := c.Deadline.Add(7 * 24 * time.Hour)

	updated, err := ApplyLifeline(context.Background(), db, c.ID, newDeadline, now)
	if err != nil || !updated {
		t.Fatalf("first ApplyLifeline: updated=%v err=%v", updated, err)
	}

	got, err := GetCommitmentByID(context.Background(), db, c.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !got.IsFreezeUsed {
		t.Fatalf("freeze not consumed")
	}
	if !got.Deadline.Equal(newDeadline) {
		t.Fatalf("deadline = %v; want %v", got.Deadline, newDeadline)
	}

	// The losing duplicate sees zero rows, never a double extension.
	updated, err = ApplyLifeline(context.Background(), db, c.ID, newDeadline.Add(7*24*time.Hour), now)
	if err != nil {
		t.Fatalf("second ApplyLifeline: %v", err)
	}
	if updated {
		t.Fatalf("freeze must be consumable exactly once")
	}
	again, _ := GetCommitmentByID(context.Background(), db, c.ID)
	if !again.Deadline.Equal(newDeadline) {
		t.Fatalf("deadline moved twice: %v", again.Deadline)
	}
}

func TestFreezeUsedForBook_ExcludesSelf(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()

	prior := seedCommitment(t, db, "u1", "b1", domain.StatusCompleted, now.Add(-time.Hour))
	if err := db.Model(prior).Update("is_freeze_used", true).Error; err != nil {
		t.Fatalf("mark prior freeze: %v", err)
	}
	current := seedCommitment(t, db, "u1", "b1", domain.StatusPending, now.Add(time.Hour))

	used, err := FreezeUsedForBook(context.Background(), db, "u1", "b1", current.ID)
	if err != nil || !used {
		t.Fatalf("expected prior freeze to count: used=%v err=%v", used, err)
	}

	// The row being extended does not trip over itself.
	used, err = FreezeUsedForBook(context.Background(), db, "u1", "b1", prior.ID)
	if err != nil || used {
		t.Fatalf("self-exclusion failed: used=%v err=%v", used, err)
	}

	// Different book is unaffected.
	used, err = FreezeUsedForBook(context.Background(), db, "u1", "b2", current.ID)
	if err != nil || used {
		t.Fatalf("different book: used=%v err=%v", used, err)
	}
}

func TestLastFreezeUse(t *testing.T) {
	db := newCommitmentRepoDB(t, &domain.Commitment{})
	now := time.Now().UTC()

	if ts, err := LastFreezeUse(context.Background(), db, "u1"); err != nil || ts != nil {
		t.Fatalf("no freezes yet: ts=%v err=%v", ts, err)
	}

	older := seedCommitment(t, db, "u1", "b1", domain.StatusCompleted, now)
	newer := seedCommitment(t, db, "u1", "b2", domain.StatusCompleted, now)
	oldTS := now.Add(-40 * 24 * time.Hour)
	newTS := now.Add(-3 * 24 * time.Hour)
	if err := db.Model(older).UpdateColumns(map[string]any{"is_freeze_used": true, "updated_at": oldTS}).Error; err != nil {
		t.Fatalf("prep older: %v", err)
	}
	if err := db.Model(newer).UpdateColumns(map[string]any{"is_freeze_used": true, "updated_at": newTS}).Error; err != nil {
		t.Fatalf("prep newer: %v", err)
	}

	ts, err := LastFreezeUse(context.Background(), db, "u1")
	if err != nil || ts == nil {
		t.Fatalf("LastFreezeUse: ts=%v err=%v", ts, err)
	}
	if d := ts.Sub(newTS); d > time.Second || d < -time.Second {
		t.Fatalf("most recent use = %v; want ~%v", ts, newTS)
	}
}
