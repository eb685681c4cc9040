package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// PasswordVerifier checks a plaintext password against a stored hash.
// Credential verification belongs to the host application; the bridge only
// depends on this interface.
type PasswordVerifier interface {
	Verify(ctx context.Context, user *User, password string) error
}

// BcryptVerifier verifies bcrypt password hashes
type BcryptVerifier struct{}

// Verify returns ErrInvalidCredentials on mismatch
func (BcryptVerifier) Verify(_ context.Context, user *User, password string) error {
	if user.PasswordHash == "" {
		return ErrInvalidCredentials
	}
	err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("failed to compare password hash: %w", err)
	}
	return nil
}

// HashPassword hashes a plaintext password with bcrypt's default cost
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}
