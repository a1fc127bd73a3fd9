package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStubGateway_DefaultsToSuccess(t *testing.T) {
	gw := NewStubGateway()

	res, err := gw.Charge(context.Background(), "pm_1", 2500, "USD", "key-1")
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("outcome = %s; want succeeded", res.Outcome)
	}
	if gw.Calls() != 1 {
		t.Fatalf("calls = %d; want 1", gw.Calls())
	}
}

func TestStubGateway_ScriptedResult(t *testing.T) {
	gw := NewStubGateway()
	gw.Script("pm_bad", ChargeResult{Outcome: OutcomeDeclined, Reason: "card expired"})

	res, err := gw.Charge(context.Background(), "pm_bad", 100, "USD", "key-1")
	if err != nil {
		t.Fatalf("Charge: %v", err)
	}
	if res.Outcome != OutcomeDeclined || res.Reason != "card expired" {
		t.Fatalf("result = %+v", res)
	}
}

func TestStubGateway_ReplaysSucceededKey(t *testing.T) {
	gw := NewStubGateway()

	if _, err := gw.Charge(context.Background(), "pm_1", 100, "USD", "key-1"); err != nil {
		t.Fatalf("first charge: %v", err)
	}
	// Scripting a decline afterwards must not affect a replayed key.
	gw.Script("pm_1", ChargeResult{Outcome: OutcomeDeclined, Reason: "card expired"})
	res, err := gw.Charge(context.Background(), "pm_1", 100, "USD", "key-1")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Outcome != OutcomeSucceeded {
		t.Fatalf("replayed outcome = %s; want succeeded", res.Outcome)
	}
}

func TestHTTPGateway_OutcomeMapping(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		outcome Outcome
		reason  string
	}{
		{"2xx succeeds", http.StatusCreated, `{"status":"succeeded"}`, OutcomeSucceeded, ""},
		{"402 declines with reason", http.StatusPaymentRequired, `{"status":"declined","decline_reason":"insufficient funds"}`, OutcomeDeclined, "insufficient funds"},
		{"402 declines without reason", http.StatusPaymentRequired, `{}`, OutcomeDeclined, "card declined"},
		{"other 4xx is permanent", http.StatusUnprocessableEntity, `{}`, OutcomeDeclined, "gateway rejected charge (status 422)"},
		{"5xx is transient", http.StatusServiceUnavailable, `{}`, OutcomeTransient, "gateway unavailable (status 503)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			gw := NewHTTPGateway(srv.URL, "api-key", time.Second)
			res, err := gw.Charge(context.Background(), "pm_1", 2500, "USD", "key-1")
			if err != nil {
				t.Fatalf("Charge: %v", err)
			}
			if res.Outcome != tc.outcome || res.Reason != tc.reason {
				t.Fatalf("result = %+v; want %s/%q", res, tc.outcome, tc.reason)
			}
		})
	}
}

func TestHTTPGateway_RequestShape(t *testing.T) {
	var (
		gotAuth string
		gotIdem string
		gotPath string
		gotBody chargeRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotIdem = r.Header.Get("Idempotency-Key")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	gw := NewHTTPGateway(srv.URL, "api-key", time.Second)
	if _, err := gw.Charge(context.Background(), "pm_1", 2500, "EUR", "penalty:abc"); err != nil {
		t.Fatalf("Charge: %v", err)
	}

	if gotPath != "/v1/charges" {
		t.Fatalf("path = %q; want /v1/charges", gotPath)
	}
	if gotAuth != "Bearer api-key" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotIdem != "penalty:abc" {
		t.Fatalf("idempotency key = %q; want penalty:abc", gotIdem)
	}
	if gotBody.PaymentMethod != "pm_1" || gotBody.AmountCents != 2500 || gotBody.Currency != "EUR" || !gotBody.OffSession {
		t.Fatalf("body = %+v", gotBody)
	}
}

func TestHTTPGateway_TransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	gw := NewHTTPGateway(srv.URL, "api-key", time.Second)
	res, err := gw.Charge(context.Background(), "pm_1", 100, "USD", "key-1")
	if err != nil {
		t.Fatalf("transport failure must not surface as error: %v", err)
	}
	if res.Outcome != OutcomeTransient || res.Reason == "" {
		t.Fatalf("result = %+v; want transient with reason", res)
	}
}
