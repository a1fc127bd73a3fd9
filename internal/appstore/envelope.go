// Package appstore decodes App Store server notifications (V2). A
// notification arrives as a signedPayload JWS whose claims embed a second JWS
// with the transaction details; both layers are ES256-signed with an x5c
// certificate chain.
//
// Two modes are supported:
//   - verified: the x5c chain is validated against a configured root pool and
//     the leaf key checks the signature (production posture);
//   - decode-only: claims are extracted without signature verification
//     (early-environment contract, kept behind an explicit flag).
package appstore

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Notification types emitted by the billing provider. Only a subset drives
// state transitions; everything else is acknowledged without mutation.
const (
	TypeSubscribed             = "SUBSCRIBED"
	TypeDidRenew               = "DID_RENEW"
	TypeOfferRedeemed          = "OFFER_REDEEMED"
	TypeDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	TypeExpired                = "EXPIRED"
	TypeGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	TypeDidFailToRenew         = "DID_FAIL_TO_RENEW"
	TypeRefund                 = "REFUND"
	TypeRevoke                 = "REVOKE"
	TypeTest                   = "TEST"
)

// Subtypes that alter the meaning of their parent type.
const (
	SubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
	SubtypeGracePeriod       = "GRACE_PERIOD"
)

// ErrInvalidPayload marks a structurally invalid envelope (not decodable as a
// JWS, missing layers). Handlers map it to 4xx; every other decode result is
// acknowledged with 2xx to stop provider retry storms.
var ErrInvalidPayload = errors.New("invalid signed payload")

// Transaction is the decoded inner transaction-info layer.
type Transaction struct {
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	ExpiresAt             *time.Time
}

// Notification is the decoded outer layer plus its inner transaction.
type Notification struct {
	NotificationType string
	Subtype          string
	NotificationUUID string
	SignedDate       time.Time
	Transaction      *Transaction
}

// notificationClaims mirrors the outer signedPayload claims.
type notificationClaims struct {
	jwt.RegisteredClaims
	NotificationType string `json:"notificationType"`
	Subtype          string `json:"subtype,omitempty"`
	NotificationUUID string `json:"notificationUUID"`
	SignedDate       int64  `json:"signedDate"` // ms since epoch
	Data             struct {
		BundleID              string `json:"bundleId"`
		Environment           string `json:"environment"`
		SignedTransactionInfo string `json:"signedTransactionInfo"`
	} `json:"data"`
}

// transactionClaims mirrors the inner signedTransactionInfo claims.
type transactionClaims struct {
	jwt.RegisteredClaims
	OriginalTransactionID string `json:"originalTransactionId"`
	TransactionID         string `json:"transactionId"`
	ProductID             string `json:"productId"`
	ExpiresDate           int64  `json:"expiresDate"` // ms since epoch
}

// Decoder decodes signed notification payloads. Zero value decodes without
// signature verification; set VerifySignature and Roots for the production
// posture.
type Decoder struct {
	VerifySignature bool
	Roots           *x509.CertPool
}

// Decode parses the outer envelope and, when transaction details are present,
// the inner layer. Structural problems return ErrInvalidPayload (wrapped with
// detail); verification failures are reported as-is.
func (d *Decoder) Decode(signedPayload string) (*Notification, error) {
	var outer notificationClaims
	if err := d.parse(signedPayload, &outer); err != nil {
		return nil, err
	}
	if outer.NotificationType == "" {
		return nil, fmt.Errorf("%w: missing notificationType", ErrInvalidPayload)
	}

	n := &Notification{
		NotificationType: outer.NotificationType,
		Subtype:          outer.Subtype,
		NotificationUUID: outer.NotificationUUID,
		SignedDate:       msToTime(outer.SignedDate),
	}

	if outer.Data.SignedTransactionInfo != "" {
		var inner transactionClaims
		if err := d.parse(outer.Data.SignedTransactionInfo, &inner); err != nil {
			return nil, err
		}
		txn := &Transaction{
			OriginalTransactionID: inner.OriginalTransactionID,
			TransactionID:         inner.TransactionID,
			ProductID:             inner.ProductID,
		}
		if inner.ExpiresDate > 0 {
			t := msToTime(inner.ExpiresDate)
			txn.ExpiresAt = &t
		}
		n.Transaction = txn
	}
	return n, nil
}

// parse decodes one JWS layer into claims, verifying the x5c chain when
// configured.
func (d *Decoder) parse(token string, claims jwt.Claims) error {
	if !d.VerifySignature {
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		// Provider tokens carry no exp claim.
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.ParseWithClaims(token, claims, d.keyFromChain)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return err
	}
	return nil
}

// keyFromChain extracts the x5c header, validates the certificate chain
// against the configured roots, and returns the leaf's ECDSA public key.
func (d *Decoder) keyFromChain(token *jwt.Token) (any, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing x5c header", ErrInvalidPayload)
	}

	certs := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, fmt.Errorf("%w: malformed x5c entry", ErrInvalidPayload)
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		certs = append(certs, cert)
	}

	inter := x509.NewCertPool()
	for _, c := range certs[1:] {
		inter.AddCert(c)
	}
	if _, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         d.Roots,
		Intermediates: inter,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain verification failed: %w", err)
	}

	pub, ok := certs[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate key is not ECDSA")
	}
	return pub, nil
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
