// Package auth provides credential checks that are independent of transport
// so they stay unit-testable without HTTP plumbing.
package auth

import "crypto/subtle"

// IsSystemCaller reports whether the presented credential matches one of the
// two accepted system secrets. Two secrets are accepted to allow zero-downtime
// rotation.
//
// Both comparisons always run so the check takes the same time regardless of
// which secret matches or where a mismatch occurs. Empty configured secrets
// never match, so an unset deployment cannot be bypassed with an empty header.
func IsSystemCaller(presented, secretA, secretB string) bool {
	matchA := constantTimeEqual(presented, secretA)
	matchB := constantTimeEqual(presented, secretB)
	return matchA || matchB
}

// constantTimeEqual compares two strings in constant time for equal-length
// inputs. Length is leaked, which is acceptable for fixed-length secrets.
func constantTimeEqual(a, b string) bool {
	if b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
