// Package services defines the business logic for commitments, lifelines,
// deadline enforcement, and subscription reconciliation. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer; translation
// into user-facing messages or HTTP status codes is performed at the
// handler layer.
package services

import "errors"

var (
	// ErrCommitmentNotFound indicates that the requested commitment does not
	// exist or is not accessible to the current user.
	ErrCommitmentNotFound = errors.New("commitment not found")

	// ErrInvalidState is returned when an operation targets a commitment in a
	// terminal state (completed, defaulted, cancelled). Terminal states are
	// rejected as a no-op, never corrupted.
	ErrInvalidState = errors.New("commitment is not in an active state")

	// ErrAlreadyUsedForBook is returned when another commitment for the same
	// (user, book) pair has already consumed its lifeline.
	ErrAlreadyUsedForBook = errors.New("lifeline already used for this book")

	// ErrCooldownActive is returned when the user consumed any lifeline within
	// the trailing cooldown window, regardless of book.
	ErrCooldownActive = errors.New("lifeline cooldown is active")

	// ErrConcurrentConflict signals a lost optimistic race: a concurrent
	// duplicate request applied the mutation first. Surfaced distinctly so
	// callers can decide whether to retry.
	ErrConcurrentConflict = errors.New("concurrent modification detected")

	// ErrInvalidDeadline is returned when a new commitment's deadline is not
	// in the future.
	ErrInvalidDeadline = errors.New("deadline must be in the future")

	// ErrInvalidPenalty is returned when a pledged penalty amount is outside
	// the accepted range.
	ErrInvalidPenalty = errors.New("penalty amount is out of range")
)
