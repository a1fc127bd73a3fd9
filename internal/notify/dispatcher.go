// Package notify defines the push-notification boundary. Delivery is
// fire-and-forget batch semantics: the dispatcher reports per-batch sent and
// failed counts but never blocks or fails the caller on individual tickets.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// BatchResult summarizes one batch delivery attempt.
type BatchResult struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Dispatcher delivers a title/body pair to a set of device push tokens.
// Implementations must be safe for concurrent use, swallow per-ticket
// failures into the Failed count, and return an error only when the whole
// batch could not be submitted.
type Dispatcher interface {
	SendBatch(ctx context.Context, tokens []string, title, body string) (BatchResult, error)
}

// pushMessage is the Expo-style per-recipient payload.
type pushMessage struct {
	To    string `json:"to"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

// pushTicket mirrors the per-recipient delivery ticket returned by the push
// service ("ok" or "error").
type pushTicket struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type pushReceipt struct {
	Data []pushTicket `json:"data"`
}

// HTTPDispatcher sends batches to an Expo-compatible push endpoint.
type HTTPDispatcher struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPDispatcher constructs a dispatcher with a bounded request timeout.
func NewHTTPDispatcher(endpoint string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

// SendBatch posts all messages in a single request and counts tickets. A
// transport failure marks the whole batch failed; it is reported via the
// counts, and the error return is reserved for payload-construction issues.
func (d *HTTPDispatcher) SendBatch(ctx context.Context, tokens []string, title, body string) (BatchResult, error) {
	if len(tokens) == 0 {
		return BatchResult{}, nil
	}

	msgs := make([]pushMessage, 0, len(tokens))
	for _, to := range tokens {
		msgs = append(msgs, pushMessage{To: to, Title: title, Body: body, Sound: "default"})
	}
	payload, err := json.Marshal(msgs)
	if err != nil {
		return BatchResult{Failed: len(tokens)}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return BatchResult{Failed: len(tokens)}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.Client.Do(req)
	if err != nil {
		return BatchResult{Failed: len(tokens)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return BatchResult{Failed: len(tokens)}, nil
	}

	var receipt pushReceipt
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil || len(receipt.Data) == 0 {
		// No per-ticket detail; assume the accepted batch was delivered.
		return BatchResult{Sent: len(tokens)}, nil
	}

	var res BatchResult
	for _, t := range receipt.Data {
		if t.Status == "ok" {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// StubDispatcher records batches in memory for tests.
type StubDispatcher struct {
	mu      sync.Mutex
	Batches []StubBatch
	// FailAll makes every recipient count as failed, exercising the
	// fire-and-forget contract.
	FailAll bool
}

// StubBatch is one recorded SendBatch call.
type StubBatch struct {
	Tokens []string
	Title  string
	Body   string
}

// SendBatch implements Dispatcher.
func (s *StubDispatcher) SendBatch(_ context.Context, tokens []string, title, body string) (BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Batches = append(s.Batches, StubBatch{Tokens: append([]string(nil), tokens...), Title: title, Body: body})
	if s.FailAll {
		return BatchResult{Failed: len(tokens)}, nil
	}
	return BatchResult{Sent: len(tokens)}, nil
}

// Count returns how many batches were recorded.
func (s *StubDispatcher) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Batches)
}
