package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBcryptVerifier(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)

	user := &User{ID: 1, PasswordHash: hash}
	v := BcryptVerifier{}

	assert.NoError(t, v.Verify(context.Background(), user, "correct horse"))
	assert.True(t, errors.Is(v.Verify(context.Background(), user, "battery staple"), ErrInvalidCredentials))
	assert.True(t, errors.Is(v.Verify(context.Background(), &User{}, "anything"), ErrInvalidCredentials))
}
