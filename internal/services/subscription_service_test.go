package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"

	"github.com/kgasnalo/commit-app-sub002/internal/appstore"
	"github.com/kgasnalo/commit-app-sub002/internal/domain"
	"github.com/kgasnalo/commit-app-sub002/internal/notify"
)

// signedNotification builds a two-layer ES256 notification payload the way
// the billing provider does: an outer envelope whose data embeds a signed
// transaction token.
func signedNotification(t *testing.T, ntype, subtype, originalTxn string, expiresAt *time.Time) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	inner := jwt.MapClaims{
		"originalTransactionId": originalTxn,
		"transactionId":         "txn-1",
		"productId":             "premium.monthly",
	}
	if expiresAt != nil {
		inner["expiresDate"] = expiresAt.UnixMilli()
	}
	innerTok, err := jwt.NewWithClaims(jwt.SigningMethodES256, inner).SignedString(key)
	if err != nil {
		t.Fatalf("sign inner: %v", err)
	}

	outer := jwt.MapClaims{
		"notificationType": ntype,
		"notificationUUID": "11111111-2222-3333-4444-555555555555",
		"signedDate":       time.Now().UnixMilli(),
		"data": map[string]any{
			"bundleId":              "com.example.reader",
			"environment":           "Sandbox",
			"signedTransactionInfo": innerTok,
		},
	}
	if subtype != "" {
		outer["subtype"] = subtype
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodES256, outer).SignedString(key)
	if err != nil {
		t.Fatalf("sign outer: %v", err)
	}
	return tok
}

func newTestSubscriptionService(t *testing.T) (*SubscriptionService, *gorm.DB, *notify.StubDispatcher) {
	t.Helper()
	db := newServiceDB(t)
	d := &notify.StubDispatcher{}
	return NewSubscriptionService(db, &appstore.Decoder{}, d), db, d
}

func seedSubscriber(t *testing.T, db *gorm.DB, id, originalTxn, status string, expiresAt *time.Time) {
	t.Helper()
	u := &domain.User{
		ID:                    id,
		PushToken:             "ExponentPushToken[sub]",
		SubscriptionStatus:    status,
		SubscriptionExpiresAt: expiresAt,
		OriginalTransactionID: originalTxn,
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func reloadUser(t *testing.T, db *gorm.DB, id string) *domain.User {
	t.Helper()
	var u domain.User
	if err := db.First(&u, "id = ?", id).Error; err != nil {
		t.Fatalf("reload user: %v", err)
	}
	return &u
}

func TestApplyNotification_InvalidPayload(t *testing.T) {
	s, _, _ := newTestSubscriptionService(t)

	if _, err := s.ApplyNotification(context.Background(), "not-a-jws"); !errors.Is(err, appstore.ErrInvalidPayload) {
		t.Fatalf("garbage payload: err=%v; want ErrInvalidPayload", err)
	}
}

func TestApplyNotification_TestPing(t *testing.T) {
	s, _, _ := newTestSubscriptionService(t)

	payload := signedNotification(t, appstore.TypeTest, "", "", nil)
	res, err := s.ApplyNotification(context.Background(), payload)
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if res.Action != ActionTest {
		t.Fatalf("action = %s; want test", res.Action)
	}
}

func TestApplyNotification_UserNotFound(t *testing.T) {
	s, db, _ := newTestSubscriptionService(t)
	exp := time.Now().UTC().Add(30 * 24 * time.Hour)

	payload := signedNotification(t, appstore.TypeSubscribed, "", "txn-unknown", &exp)
	res, err := s.ApplyNotification(context.Background(), payload)
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if res.Action != ActionUserNotFound {
		t.Fatalf("action = %s; want user_not_found", res.Action)
	}

	// Nothing was written.
	var n int64
	if err := db.Model(&domain.User{}).Count(&n).Error; err != nil {
		t.Fatalf("count users: %v", err)
	}
	if n != 0 {
		t.Fatalf("users = %d; want 0", n)
	}
}

func TestApplyNotification_ActivatesAndRedeliversIdempotently(t *testing.T) {
	s, db, _ := newTestSubscriptionService(t)
	ctx := context.Background()
	seedSubscriber(t, db, "u1", "txn-orig", domain.SubscriptionInactive, nil)

	exp := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	payload := signedNotification(t, appstore.TypeDidRenew, "", "txn-orig", &exp)

	res, err := s.ApplyNotification(ctx, payload)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if res.Action != ActionApplied {
		t.Fatalf("action = %s; want applied", res.Action)
	}
	u := reloadUser(t, db, "u1")
	if u.SubscriptionStatus != domain.SubscriptionActive {
		t.Fatalf("status = %s; want active", u.SubscriptionStatus)
	}
	if u.SubscriptionExpiresAt == nil || !u.SubscriptionExpiresAt.Equal(exp) {
		t.Fatalf("expires_at = %v; want %v", u.SubscriptionExpiresAt, exp)
	}

	// Redelivery lands on the same end state.
	if _, err := s.ApplyNotification(ctx, payload); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	again := reloadUser(t, db, "u1")
	if again.SubscriptionStatus != domain.SubscriptionActive || !again.SubscriptionExpiresAt.Equal(exp) {
		t.Fatalf("redelivery changed state: %s %v", again.SubscriptionStatus, again.SubscriptionExpiresAt)
	}
}

func TestApplyNotification_StaleActivationSkipped(t *testing.T) {
	s, db, _ := newTestSubscriptionService(t)
	stored := time.Now().UTC().Add(60 * 24 * time.Hour)
	seedSubscriber(t, db, "u1", "txn-orig", domain.SubscriptionActive, &stored)

	older := time.Now().UTC().Add(30 * 24 * time.Hour)
	payload := signedNotification(t, appstore.TypeSubscribed, "", "txn-orig", &older)
	res, err := s.ApplyNotification(context.Background(), payload)
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if res.Action != ActionStale {
		t.Fatalf("action = %s; want stale", res.Action)
	}

	u := reloadUser(t, db, "u1")
	if u.SubscriptionExpiresAt == nil || u.SubscriptionExpiresAt.Before(stored.Add(-time.Second)) {
		t.Fatalf("stored expiry moved backwards: %v", u.SubscriptionExpiresAt)
	}
}

func TestApplyNotification_RefundRevokesImmediately(t *testing.T) {
	s, db, d := newTestSubscriptionService(t)
	stored := time.Now().UTC().Add(60 * 24 * time.Hour)
	seedSubscriber(t, db, "u1", "txn-orig", domain.SubscriptionActive, &stored)

	payload := signedNotification(t, appstore.TypeRefund, "", "txn-orig", &stored)
	res, err := s.ApplyNotification(context.Background(), payload)
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if res.Action != ActionApplied {
		t.Fatalf("action = %s; want applied", res.Action)
	}

	u := reloadUser(t, db, "u1")
	if u.SubscriptionStatus != domain.SubscriptionInactive {
		t.Fatalf("status = %s; want inactive", u.SubscriptionStatus)
	}
	// Refunds stamp the processing instant, not the transaction expiry.
	if u.SubscriptionExpiresAt == nil || u.SubscriptionExpiresAt.After(time.Now().UTC().Add(time.Minute)) {
		t.Fatalf("expires_at = %v; want ~now", u.SubscriptionExpiresAt)
	}

	if d.Count() != 1 || d.Batches[0].Title != "Subscription ended" {
		t.Fatalf("expected a subscription-ended push, got %+v", d.Batches)
	}
}

func TestApplyNotification_NoopMappings(t *testing.T) {
	s, db, _ := newTestSubscriptionService(t)
	stored := time.Now().UTC().Add(10 * 24 * time.Hour)
	seedSubscriber(t, db, "u1", "txn-orig", domain.SubscriptionActive, &stored)

	cases := []struct {
		name    string
		ntype   string
		subtype string
	}{
		{"auto-renew toggle", appstore.TypeDidChangeRenewalStatus, appstore.SubtypeAutoRenewDisabled},
		{"billing retry in grace period", appstore.TypeDidFailToRenew, appstore.SubtypeGracePeriod},
		{"unknown type", "PRICE_INCREASE", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := signedNotification(t, tc.ntype, tc.subtype, "txn-orig", &stored)
			res, err := s.ApplyNotification(context.Background(), payload)
			if err != nil {
				t.Fatalf("ApplyNotification: %v", err)
			}
			if res.Action != ActionNoop {
				t.Fatalf("action = %s; want noop", res.Action)
			}
			u := reloadUser(t, db, "u1")
			if u.SubscriptionStatus != domain.SubscriptionActive {
				t.Fatalf("status changed to %s", u.SubscriptionStatus)
			}
		})
	}
}

func TestApplyNotification_ExpiredDeactivates(t *testing.T) {
	s, db, _ := newTestSubscriptionService(t)
	stored := time.Now().UTC().Add(-time.Hour)
	seedSubscriber(t, db, "u1", "txn-orig", domain.SubscriptionActive, &stored)

	payload := signedNotification(t, appstore.TypeExpired, "", "txn-orig", &stored)
	res, err := s.ApplyNotification(context.Background(), payload)
	if err != nil {
		t.Fatalf("ApplyNotification: %v", err)
	}
	if res.Action != ActionApplied {
		t.Fatalf("action = %s; want applied", res.Action)
	}
	if u := reloadUser(t, db, "u1"); u.SubscriptionStatus != domain.SubscriptionInactive {
		t.Fatalf("status = %s; want inactive", u.SubscriptionStatus)
	}
}
