package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// SessionTokenBytes is the entropy of a session token (64 hex chars)
	SessionTokenBytes = 32
	// SSOTokenBytes is the entropy of an SSO handoff token (96 hex chars)
	SSOTokenBytes = 48
)

// TokenGenerator generates opaque random secrets
type TokenGenerator struct{}

// NewTokenGenerator creates a new token generator
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{}
}

// Generate returns n random bytes, hex encoded
func (tg *TokenGenerator) Generate(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// SessionToken returns a fresh session token
func (tg *TokenGenerator) SessionToken() (string, error) {
	return tg.Generate(SessionTokenBytes)
}

// SSOToken returns a fresh SSO token together with the hash used to store it
func (tg *TokenGenerator) SSOToken() (token string, tokenHash string, err error) {
	token, err = tg.Generate(SSOTokenBytes)
	if err != nil {
		return "", "", err
	}
	return token, HashToken(token), nil
}

// HashToken computes the SHA256 hash of a token for lookup
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidSSOTokenFormat reports whether s looks like a token produced by SSOToken.
// It lets handlers reject garbage without touching the store.
func ValidSSOTokenFormat(s string) bool {
	if len(s) != SSOTokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
