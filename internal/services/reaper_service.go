// Package services – ReaperService
//
// This file implements the deadline reaper: the scheduled job that detects
// overdue commitments, transitions them to defaulted exactly once, and drives
// the idempotent penalty-charge series against the payment gateway.
//
// Concurrency model: each overdue commitment is an isolated unit of work
// inside a bounded errgroup pool, so one slow or failing gateway call neither
// serializes nor poisons the rest of the batch, and gateway rate limits are
// respected. Cross-sweep safety comes from conditional writes: an overlapping
// sweep that already defaulted a row is observed as zero rows affected and
// skipped silently. Incomplete sweeps need no recovery step — the next run
// re-selects remaining eligible rows by query.
package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/notify"
	"github.com/kgasnalo/commit-app-sub002/internal/payments"
	"github.com/kgasnalo/commit-app-sub002/internal/repo"
)

var (
	// sweepRuns counts reaper passes by mode (sweep | retry).
	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deadline_sweep_runs_total",
			Help: "Total number of deadline reaper passes.",
		},
		[]string{"mode"},
	)

	// commitmentsDefaulted counts commitments moved to defaulted.
	commitmentsDefaulted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "commitments_defaulted_total",
			Help: "Total number of commitments transitioned to defaulted.",
		},
	)

	// chargeAttempts counts gateway attempts by outcome. Outcome labels are a
	// small fixed set, so cardinality stays bounded.
	chargeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "penalty_charge_attempts_total",
			Help: "Total number of penalty charge attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(sweepRuns, commitmentsDefaulted, chargeAttempts)
}

// SweepSummary is the business-event record emitted by every reaper pass.
type SweepSummary struct {
	Defaulted int `json:"defaulted"`
	Charged   int `json:"charged"`
	Failed    int `json:"failed"`
}

// ReaperService orchestrates deadline enforcement. It holds no in-process
// mutable state between runs; every invocation is an independent unit of
// work.
type ReaperService struct {
	DB         *gorm.DB
	Gateway    payments.Gateway
	Dispatcher notify.Dispatcher

	// Concurrency bounds the worker pool (default 8).
	Concurrency int
	// MaxAttempts caps the charge series per commitment; charges at the cap
	// are left for manual review (default 5).
	MaxAttempts int
}

// NewReaperService constructs a ReaperService with default pool and retry
// bounds.
func NewReaperService(db *gorm.DB, gw payments.Gateway, d notify.Dispatcher) *ReaperService {
	return &ReaperService{
		DB:          db,
		Gateway:     gw,
		Dispatcher:  d,
		Concurrency: 8,
		MaxAttempts: 5,
	}
}

// unitResult is the per-commitment outcome collected by a pass.
type unitResult struct {
	defaulted bool
	charged   bool
	failed    bool
	// notifyUserID/notifyCharged feed the end-of-pass notification batches.
	notifyUserID  string
	notifyCharged bool
}

// RunDeadlineSweep selects every active commitment whose deadline has passed,
// defaults it, and drives its penalty charge. A single commitment's failure
// (DB error, gateway error) is captured and counted, never aborting the batch.
// The summary is emitted as a structured business event regardless of
// individual failures.
func (s *ReaperService) RunDeadlineSweep(ctx context.Context, now time.Time) (SweepSummary, error) {
	tr := otel.Tracer("services/ReaperService")
	ctx, span := tr.Start(ctx, "RunDeadlineSweep")
	defer span.End()
	sweepRuns.WithLabelValues("sweep").Inc()

	overdue, err := repo.ListOverdue(ctx, s.DB, now)
	if err != nil {
		return SweepSummary{}, err
	}
	span.SetAttributes(attribute.Int("sweep.eligible", len(overdue)))

	results := s.process(ctx, overdue, now, true)
	summary := s.finish(ctx, "sweep", results)
	return summary, nil
}

// RetryPendingCharges re-attempts charges that have not yet succeeded and are
// still under the attempt cap, and also picks up defaulted commitments that
// never got a charge row because an earlier sweep died between the default
// write and charge creation. For both groups only the charge half of the
// pipeline runs; the default transition already happened.
func (s *ReaperService) RetryPendingCharges(ctx context.Context, now time.Time) (SweepSummary, error) {
	tr := otel.Tracer("services/ReaperService")
	ctx, span := tr.Start(ctx, "RetryPendingCharges")
	defer span.End()
	sweepRuns.WithLabelValues("retry").Inc()

	charges, err := repo.ListRetryableCharges(ctx, s.DB, s.MaxAttempts)
	if err != nil {
		return SweepSummary{}, err
	}
	orphaned, err := repo.ListDefaultedWithoutCharge(ctx, s.DB)
	if err != nil {
		return SweepSummary{}, err
	}
	span.SetAttributes(
		attribute.Int("retry.eligible", len(charges)),
		attribute.Int("retry.orphaned", len(orphaned)),
	)

	var (
		mu      sync.Mutex
		results []unitResult
	)
	g := s.pool(ctx)
	for _, pc := range charges {
		g.Go(func() error {
			res := s.retryOne(ctx, pc)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	for _, c := range orphaned {
		g.Go(func() error {
			res := s.processOne(ctx, c, now, false)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; failures are captured per unit

	summary := s.finish(ctx, "retry", results)
	return summary, nil
}

// pool returns the bounded worker group for a pass.
func (s *ReaperService) pool(ctx context.Context) *errgroup.Group {
	g, _ := errgroup.WithContext(ctx)
	limit := s.Concurrency
	if limit <= 0 {
		limit = 8
	}
	g.SetLimit(limit)
	return g
}

// process runs the full default-then-charge pipeline over the given
// commitments inside the worker pool.
func (s *ReaperService) process(ctx context.Context, commitments []domain.Commitment, now time.Time, markDefault bool) []unitResult {
	var (
		mu      sync.Mutex
		results []unitResult
	)
	g := s.pool(ctx)
	for _, c := range commitments {
		g.Go(func() error {
			res := s.processOne(ctx, c, now, markDefault)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// processOne handles a single overdue commitment as an isolated unit of work.
func (s *ReaperService) processOne(ctx context.Context, c domain.Commitment, now time.Time, markDefault bool) unitResult {
	var res unitResult

	if markDefault {
		updated, err := repo.MarkDefaulted(ctx, s.DB, c.ID, now)
		if err != nil {
			log.Error().Err(err).Str("commitment_id", c.ID).Msg("default transition failed")
			res.failed = true
			return res
		}
		if !updated {
			// A concurrent sweep already moved the row; its pass owns the
			// charge pipeline for this commitment.
			return res
		}
		res.defaulted = true
		commitmentsDefaulted.Inc()
	}

	pc, err := repo.GetOrCreatePenaltyCharge(ctx, s.DB, c.ID, c.PenaltyAmountCents, c.Currency)
	if err != nil {
		log.Error().Err(err).Str("commitment_id", c.ID).Msg("penalty charge creation failed")
		res.failed = true
		return res
	}
	if pc.Outcome == domain.ChargeSucceeded {
		return res
	}
	if pc.AttemptCount >= s.MaxAttempts {
		log.Warn().Str("charge_id", pc.ID).Int("attempts", pc.AttemptCount).
			Msg("charge attempt cap reached, leaving for manual review")
		return res
	}

	s.attemptCharge(ctx, pc, &c, &res)
	return res
}

// retryOne re-runs the charge half for one ledger entry.
func (s *ReaperService) retryOne(ctx context.Context, pc domain.PenaltyCharge) unitResult {
	var res unitResult
	c, err := repo.GetCommitmentByID(ctx, s.DB, pc.CommitmentID)
	if err != nil {
		log.Error().Err(err).Str("charge_id", pc.ID).Msg("commitment lookup failed during retry")
		res.failed = true
		return res
	}
	if c.Status != domain.StatusDefaulted {
		// Ledger row without a defaulted commitment: skip, nothing to charge.
		return res
	}
	s.attemptCharge(ctx, &pc, c, &res)
	return res
}

// attemptCharge invokes the gateway once for the charge series and records
// the outcome. The idempotency key is derived from the PenaltyCharge identity
// so repeated calls for the same series can never double-charge at the
// gateway.
func (s *ReaperService) attemptCharge(ctx context.Context, pc *domain.PenaltyCharge, c *domain.Commitment, res *unitResult) {
	key := fmt.Sprintf("penalty:%s", pc.ID)
	out, err := s.Gateway.Charge(ctx, c.PaymentMethodRef, pc.AmountCents, pc.Currency, key)
	if err != nil {
		log.Error().Err(err).Str("charge_id", pc.ID).Msg("gateway call could not be made")
		res.failed = true
		return
	}

	switch out.Outcome {
	case payments.OutcomeSucceeded:
		if err := repo.RecordChargeOutcome(ctx, s.DB, pc.ID, domain.ChargeSucceeded, ""); err != nil {
			log.Error().Err(err).Str("charge_id", pc.ID).Msg("recording charge success failed")
			res.failed = true
			return
		}
		chargeAttempts.WithLabelValues("succeeded").Inc()
		res.charged = true
		res.notifyUserID = c.UserID
		res.notifyCharged = true
	case payments.OutcomeDeclined:
		if err := repo.RecordChargeOutcome(ctx, s.DB, pc.ID, domain.ChargeFailed, out.Reason); err != nil {
			log.Error().Err(err).Str("charge_id", pc.ID).Msg("recording charge decline failed")
		}
		chargeAttempts.WithLabelValues("declined").Inc()
		res.failed = true
		res.notifyUserID = c.UserID
	default: // transient: outcome stays pending, attempt counter advances
		if err := repo.RecordChargeOutcome(ctx, s.DB, pc.ID, domain.ChargePending, out.Reason); err != nil {
			log.Error().Err(err).Str("charge_id", pc.ID).Msg("recording transient charge failure failed")
		}
		chargeAttempts.WithLabelValues("transient").Inc()
		res.failed = true
	}
}

// finish aggregates unit results, dispatches the notification batches, and
// emits the summary business event. Notification delivery failures are
// counted by the dispatcher and never fail the pass.
func (s *ReaperService) finish(ctx context.Context, mode string, results []unitResult) SweepSummary {
	var summary SweepSummary
	var chargedUsers, declinedUsers []string
	for _, r := range results {
		if r.defaulted {
			summary.Defaulted++
		}
		if r.charged {
			summary.Charged++
		}
		if r.failed {
			summary.Failed++
		}
		if r.notifyUserID != "" {
			if r.notifyCharged {
				chargedUsers = append(chargedUsers, r.notifyUserID)
			} else {
				declinedUsers = append(declinedUsers, r.notifyUserID)
			}
		}
	}

	s.notifyUsers(ctx, chargedUsers,
		"Commitment defaulted",
		"Your reading deadline passed and the pledged penalty was charged.")
	s.notifyUsers(ctx, declinedUsers,
		"Penalty charge failed",
		"Your reading deadline passed but the penalty charge did not go through. Please update your payment method.")

	log.Info().
		Str("mode", mode).
		Int("defaulted", summary.Defaulted).
		Int("charged", summary.Charged).
		Int("failed", summary.Failed).
		Msg("deadline reaper pass completed")
	return summary
}

// notifyUsers resolves push tokens and fires one batch. Fire-and-forget: any
// failure is logged and dropped.
func (s *ReaperService) notifyUsers(ctx context.Context, userIDs []string, title, body string) {
	if len(userIDs) == 0 || s.Dispatcher == nil {
		return
	}
	tokens, err := repo.PushTokensForUsers(ctx, s.DB, userIDs)
	if err != nil {
		log.Warn().Err(err).Msg("push token lookup failed")
		return
	}
	if len(tokens) == 0 {
		return
	}
	if br, err := s.Dispatcher.SendBatch(ctx, tokens, title, body); err != nil {
		log.Warn().Err(err).Msg("notification batch submission failed")
	} else if br.Failed > 0 {
		log.Warn().Int("sent", br.Sent).Int("failed", br.Failed).Msg("notification batch partially delivered")
	}
}
