// Package auth verifies session owner tokens.
package auth

import "crypto/subtle"

// VerifyOwnerToken reports whether the presented token matches the stored one.
// The comparison is constant-time over equal-length inputs; a length mismatch
// returns false without touching the contents, so timing never leaks the
// position of the first differing byte. Empty stored or presented tokens are
// always rejected.
func VerifyOwnerToken(stored, presented string) bool {
	if stored == "" || presented == "" {
		return false
	}
	if len(stored) != len(presented) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
