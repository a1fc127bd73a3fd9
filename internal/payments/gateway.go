// Package payments defines the payment-gateway boundary used to execute
// off-session penalty charges. The gateway is an external collaborator: this
// package specifies the tri-state charge contract and provides an HTTP
// implementation plus an in-memory stub for tests and local development.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Outcome is the tri-state result of an off-session charge attempt.
type Outcome string

const (
	// OutcomeSucceeded means money moved; the attempt series is complete.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeDeclined is an explicit, permanent refusal (insufficient funds,
	// revoked card). Never retried synchronously.
	OutcomeDeclined Outcome = "declined"
	// OutcomeTransient is a gateway/network hiccup. The attempt may be
	// repeated by a later scheduled pass under the same idempotency key.
	OutcomeTransient Outcome = "transient_error"
)

// ChargeResult carries the gateway's answer plus a human-readable reason for
// declines and transient failures.
type ChargeResult struct {
	Outcome Outcome
	Reason  string
}

// Gateway executes an off-session charge against a stored payment method.
// Implementations must honor the idempotency key: repeated calls with the
// same key must never produce a second real charge.
type Gateway interface {
	Charge(ctx context.Context, paymentMethodRef string, amountCents int64, currency, idempotencyKey string) (ChargeResult, error)
}

// chargeRequest is the wire payload sent to the remote gateway.
type chargeRequest struct {
	PaymentMethod string `json:"payment_method"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	OffSession    bool   `json:"off_session"`
}

// chargeResponse is the wire payload returned by the remote gateway.
type chargeResponse struct {
	Status        string `json:"status"`
	DeclineReason string `json:"decline_reason,omitempty"`
}

// HTTPGateway charges through a remote payments API. The idempotency key is
// forwarded via the standard Idempotency-Key header so gateway-side retries
// deduplicate as well.
type HTTPGateway struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewHTTPGateway constructs a gateway client with a bounded request timeout.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

// Charge posts a charge request and maps the HTTP result to the tri-state
// outcome:
//   - 2xx              → succeeded
//   - 402              → declined (reason from body)
//   - 4xx (other)      → declined (misconfigured payment method is permanent)
//   - 5xx / transport  → transient
//
// Transport errors are returned as OutcomeTransient rather than a Go error so
// the caller's per-commitment error isolation stays uniform; the error return
// is reserved for request-construction failures.
func (g *HTTPGateway) Charge(ctx context.Context, paymentMethodRef string, amountCents int64, currency, idempotencyKey string) (ChargeResult, error) {
	body, err := json.Marshal(chargeRequest{
		PaymentMethod: paymentMethodRef,
		AmountCents:   amountCents,
		Currency:      currency,
		OffSession:    true,
	})
	if err != nil {
		return ChargeResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return ChargeResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.Client.Do(req)
	if err != nil {
		return ChargeResult{Outcome: OutcomeTransient, Reason: err.Error()}, nil
	}
	defer resp.Body.Close()

	var out chargeResponse
	_ = json.NewDecoder(resp.Body).Decode(&out) // body is advisory

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ChargeResult{Outcome: OutcomeSucceeded}, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		reason := out.DeclineReason
		if reason == "" {
			reason = "card declined"
		}
		return ChargeResult{Outcome: OutcomeDeclined, Reason: reason}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return ChargeResult{
			Outcome: OutcomeDeclined,
			Reason:  fmt.Sprintf("gateway rejected charge (status %d)", resp.StatusCode),
		}, nil
	default:
		return ChargeResult{
			Outcome: OutcomeTransient,
			Reason:  fmt.Sprintf("gateway unavailable (status %d)", resp.StatusCode),
		}, nil
	}
}

// StubGateway is an in-memory Gateway for tests and local development. It
// records calls and replays a scripted result per payment method, defaulting
// to success. Replayed idempotency keys do not create additional charges.
type StubGateway struct {
	mu      sync.Mutex
	results map[string]ChargeResult // by paymentMethodRef
	charged map[string]ChargeResult // by idempotencyKey
	calls   int
}

// NewStubGateway returns an empty stub that approves every charge.
func NewStubGateway() *StubGateway {
	return &StubGateway{
		results: make(map[string]ChargeResult),
		charged: make(map[string]ChargeResult),
	}
}

// Script sets the result returned for a given payment method reference.
func (s *StubGateway) Script(paymentMethodRef string, res ChargeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[paymentMethodRef] = res
}

// Calls returns the number of Charge invocations made so far.
func (s *StubGateway) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Charge implements Gateway.
func (s *StubGateway) Charge(_ context.Context, paymentMethodRef string, _ int64, _, idempotencyKey string) (ChargeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if prev, ok := s.charged[idempotencyKey]; ok && prev.Outcome == OutcomeSucceeded {
		return prev, nil
	}
	res, ok := s.results[paymentMethodRef]
	if !ok {
		res = ChargeResult{Outcome: OutcomeSucceeded}
	}
	s.charged[idempotencyKey] = res
	return res, nil
}
