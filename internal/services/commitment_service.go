// Package services – CommitmentService
//
// This file implements the CommitmentService, which manages the pledge
// surface around the enforcement core: creating commitments, listing them
// with pagination, and the externally driven happy-path completion. Lifecycle
// transitions are conditional writes at the repository layer, so a completion
// racing a sweep can never corrupt a terminal state.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/utils"
)

// CommitmentRepo defines the repository contract required by CommitmentService.
type CommitmentRepo interface {
	// CreateCommitment inserts a new commitment row.
	CreateCommitment(ctx context.Context, db *gorm.DB, c *domain.Commitment) (*domain.Commitment, error)

	// GetCommitment fetches a commitment ensuring it belongs to the user.
	GetCommitment(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Commitment, error)

	// CountCommitments returns the total number of commitments for pagination.
	CountCommitments(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListCommitmentsPage returns a page of the user's commitments.
	ListCommitmentsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Commitment, error)

	// MarkCompleted conditionally transitions an active commitment to
	// completed; updated=false means missing, not owned, or terminal.
	MarkCompleted(ctx context.Context, db *gorm.DB, id, userID string, now time.Time) (bool, error)
}

// CommitmentService provides pledge-level operations. It enforces input
// bounds and ownership; concurrency safety comes from the repository's
// conditional writes.
type CommitmentService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the commitment repository used by this service.
	Repo CommitmentRepo

	// TitleMaxLen caps stored book titles by rune length.
	TitleMaxLen int
	// MinPenaltyCents / MaxPenaltyCents bound accepted pledge amounts.
	MinPenaltyCents int64
	MaxPenaltyCents int64
}

// NewCommitmentService constructs a CommitmentService with sane defaults.
func NewCommitmentService(db *gorm.DB, r CommitmentRepo) *CommitmentService {
	return &CommitmentService{
		DB:              db,
		Repo:            r,
		TitleMaxLen:     255,
		MinPenaltyCents: 100,    // 1.00
		MaxPenaltyCents: 50_000, // 500.00
	}
}

// CreateParams carries the validated inputs for a new pledge.
type CreateParams struct {
	BookID             string
	BookTitle          string
	Deadline           time.Time
	PenaltyAmountCents int64
	Currency           string
	PaymentMethodRef   string
}

// Create inserts a new pending commitment owned by userID.
func (s *CommitmentService) Create(ctx context.Context, userID string, p CreateParams) (*domain.Commitment, error) {
	if !p.Deadline.After(time.Now().UTC()) {
		return nil, ErrInvalidDeadline
	}
	if p.PenaltyAmountCents < s.MinPenaltyCents || p.PenaltyAmountCents > s.MaxPenaltyCents {
		return nil, ErrInvalidPenalty
	}

	title := strings.TrimSpace(p.BookTitle)
	if s.TitleMaxLen > 0 && utf8.RuneCountInString(title) > s.TitleMaxLen {
		title = string([]rune(title)[:s.TitleMaxLen])
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if currency == "" {
		currency = "USD"
	}

	c := &domain.Commitment{
		UserID:             userID,
		BookID:             strings.TrimSpace(p.BookID),
		BookTitle:          title,
		Status:             domain.StatusPending,
		Deadline:           p.Deadline.UTC(),
		PenaltyAmountCents: p.PenaltyAmountCents,
		Currency:           currency,
		PaymentMethodRef:   strings.TrimSpace(p.PaymentMethodRef),
	}
	return s.Repo.CreateCommitment(ctx, s.DB, c)
}

// Get returns a single commitment owned by userID.
func (s *CommitmentService) Get(ctx context.Context, userID, id string) (*domain.Commitment, error) {
	c, err := s.Repo.GetCommitment(ctx, s.DB, id, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCommitmentNotFound
		}
		return nil, err
	}
	return c, nil
}

// ListPage returns a page of the user's commitments plus the total count.
// It applies defaults for invalid page/pageSize.
func (s *CommitmentService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Commitment, int64, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := utils.PageOffset(page, pageSize)

	total, err := s.Repo.CountCommitments(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Commitment{}, 0, nil
	}

	items, err := s.Repo.ListCommitmentsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Complete marks an active commitment finished. A commitment that is missing
// or not owned yields ErrCommitmentNotFound; one already in a terminal state
// yields ErrInvalidState without touching the row.
func (s *CommitmentService) Complete(ctx context.Context, userID, id string) (*domain.Commitment, error) {
	updated, err := s.Repo.MarkCompleted(ctx, s.DB, id, userID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if !updated {
		// Distinguish "absent" from "terminal" for the caller.
		if _, gerr := s.Repo.GetCommitment(ctx, s.DB, id, userID); gerr != nil {
			if errors.Is(gerr, gorm.ErrRecordNotFound) {
				return nil, ErrCommitmentNotFound
			}
			return nil, gerr
		}
		return nil, ErrInvalidState
	}
	return s.Repo.GetCommitment(ctx, s.DB, id, userID)
}
