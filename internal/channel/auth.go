package channel

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifySecret checks a provided webhook secret against the configured one
// in constant time.
func VerifySecret(expected, provided string) error {
	expected = strings.TrimSpace(expected)
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrUnauthorized
	}
	if expected == "" {
		return ErrForbidden
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) != 1 {
		return ErrForbidden
	}
	return nil
}

// VerifySecretHash checks a provided token against a bcrypt hash.
func VerifySecretHash(hash, provided string) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return ErrUnauthorized
	}
	if strings.TrimSpace(hash) == "" {
		return ErrForbidden
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(provided)); err != nil {
		return ErrForbidden
	}
	return nil
}
