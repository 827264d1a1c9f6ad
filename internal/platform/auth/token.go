package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// PatientTokenBytes is the entropy of a patient access token (256 bits).
const PatientTokenBytes = 32

// NewPatientToken returns a fresh URL-safe patient access token.
func NewPatientToken() (string, error) {
	b := make([]byte, PatientTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate patient token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Fingerprint returns a short, non-reversible label for a token so it can be
// correlated in logs without being disclosed.
func Fingerprint(token string) string {
	if token == "" {
		return "-"
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:4])
}
