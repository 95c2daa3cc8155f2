package httpapi

import (
	"golang.org/x/crypto/bcrypt"
)

// reauthVerifier checks a submitted password against the single configured
// re-authentication hash. The real session/login layer that issues and
// rotates per-user passwords sits upstream of this module and out of scope;
// this is the minimal fail-closed stand-in the dangerous-verb path needs.
type reauthVerifier struct {
	hash []byte
}

func newReauthVerifier(hash string) reauthVerifier {
	return reauthVerifier{hash: []byte(hash)}
}

// Verify reports whether password matches the configured hash. With no hash
// configured it always fails closed.
func (v reauthVerifier) Verify(password string) bool {
	if len(v.hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(v.hash, []byte(password)) == nil
}
