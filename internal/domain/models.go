// Package domain defines the persistence models for reading commitments,
// penalty charges, and users. These types are mapped with GORM and form the
// core data layer of the commitment-enforcement backend.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Commitment lifecycle states. A commitment starts pending, moves to
// in_progress when the reader starts the book, and terminates in exactly one
// of completed, defaulted, or cancelled. Terminal states never transition.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusDefaulted  = "defaulted"
	StatusCancelled  = "cancelled"
)

// PenaltyCharge outcomes.
const (
	ChargePending   = "pending"
	ChargeSucceeded = "succeeded"
	ChargeFailed    = "failed"
)

// Subscription states maintained by the billing reconciler.
const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
)

// Commitment represents a user's pledge to finish a specific book by a
// deadline, backed by a monetary penalty.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the pledging user; indexed for retrieval.
//   - BookID / BookTitle: the pledged book (external metadata reference).
//   - Status: lifecycle state (see Status* constants, enforced by DB check).
//   - Deadline: the instant the book must be finished by.
//   - PenaltyAmountCents / Currency: the pledged penalty in the smallest
//     currency unit, avoiding floating-point money arithmetic.
//   - PaymentMethodRef: gateway reference used for the off-session charge.
//   - IsFreezeUsed: whether the one-time lifeline was consumed. Transitions
//     false→true exactly once and never reverses.
//   - DefaultedAt: set when the reaper moves the commitment to defaulted.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt advances
//     on every mutation and feeds the lifeline cooldown window.
//   - DeletedAt: soft deletion marker (commitments are retained, never
//     hard-deleted by this core).
type Commitment struct {
	ID                 string         `json:"id"                   gorm:"type:char(36);primaryKey"`
	UserID             string         `json:"user_id"              gorm:"type:varchar(64);not null;index:idx_user_commitments"`
	BookID             string         `json:"book_id"              gorm:"type:varchar(64);not null;index"`
	BookTitle          string         `json:"book_title"           gorm:"type:varchar(255);not null"`
	Status             string         `json:"status"               gorm:"type:varchar(16);not null;default:'pending';index;check:status IN ('pending','in_progress','completed','defaulted','cancelled')"`
	Deadline           time.Time      `json:"deadline"             gorm:"not null;index"`
	PenaltyAmountCents int64          `json:"penalty_amount_cents" gorm:"not null"`
	Currency           string         `json:"currency"             gorm:"type:varchar(3);not null;default:'USD'"`
	PaymentMethodRef   string         `json:"-"                    gorm:"type:varchar(128);not null"`
	IsFreezeUsed       bool           `json:"is_freeze_used"       gorm:"not null;default:false"`
	DefaultedAt        *time.Time     `json:"defaulted_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-"                    gorm:"index"`
}

// TableName returns the database table name for Commitment.
func (Commitment) TableName() string { return "commitments" }

// Active reports whether the commitment is still enforceable, i.e. not in a
// terminal state.
func (c *Commitment) Active() bool {
	return c.Status == StatusPending || c.Status == StatusInProgress
}

// PenaltyCharge tracks the single monetary-penalty attempt series for one
// defaulted commitment. The unique index on CommitmentID is the idempotency
// guarantee: a commitment can never accumulate a second charge record, no
// matter how many sweep passes observe it.
//
// Fields:
//   - ID: UUID primary key; also the seed of the gateway idempotency key.
//   - CommitmentID: owning commitment (unique).
//   - Outcome: pending until the gateway answers definitively; succeeded or
//     failed afterwards.
//   - AmountCents / Currency: the amount charged, captured at default time so
//     later commitment edits cannot alter it.
//   - AttemptCount: number of gateway invocations so far.
//   - LastError: most recent decline reason or transport error, for support.
type PenaltyCharge struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	CommitmentID string         `json:"commitment_id" gorm:"type:char(36);not null;uniqueIndex:ux_penalty_commitment"`
	Outcome      string         `json:"outcome"       gorm:"type:varchar(16);not null;default:'pending';index;check:outcome IN ('pending','succeeded','failed')"`
	AmountCents  int64          `json:"amount_cents"  gorm:"not null"`
	Currency     string         `json:"currency"      gorm:"type:varchar(3);not null"`
	AttemptCount int            `json:"attempt_count" gorm:"not null;default:0"`
	LastError    string         `json:"last_error,omitempty" gorm:"type:varchar(512)"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`

	// Commitment is the defaulted pledge this charge belongs to.
	Commitment Commitment `json:"-" gorm:"foreignKey:CommitmentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for PenaltyCharge.
func (PenaltyCharge) TableName() string { return "penalty_charges" }

// User carries the push-delivery address and the subscription state owned by
// the billing reconciler. OriginalTransactionID is the billing provider's
// stable purchase-lineage identifier and must resolve to at most one user.
type User struct {
	ID                    string         `json:"id" gorm:"type:char(36);primaryKey"`
	PushToken             string         `json:"-"  gorm:"type:varchar(255)"`
	SubscriptionStatus    string         `json:"subscription_status" gorm:"type:varchar(16);not null;default:'inactive';check:subscription_status IN ('active','inactive')"`
	SubscriptionExpiresAt *time.Time     `json:"subscription_expires_at,omitempty"`
	OriginalTransactionID string         `json:"-"  gorm:"type:varchar(64);index:idx_users_original_txn"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	DeletedAt             gorm.DeletedAt `json:"-"  gorm:"index"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }
