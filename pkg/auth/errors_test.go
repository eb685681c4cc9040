package auth

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	wrapped := fmt.Errorf("consume: %w", ErrTokenInvalidOrExpired)
	assert.True(t, errors.Is(wrapped, ErrTokenInvalidOrExpired))
	assert.False(t, errors.Is(wrapped, ErrSessionExpired))

	custom := ErrNotAuthenticated.WithMessage("credential expired")
	assert.True(t, errors.Is(custom, ErrNotAuthenticated))
	assert.Equal(t, "credential expired", custom.Error())
	assert.Equal(t, http.StatusUnauthorized, custom.Status)
}

func TestAsError(t *testing.T) {
	e, ok := AsError(fmt.Errorf("outer: %w", ErrForbidden))
	assert.True(t, ok)
	assert.Equal(t, CodeForbidden, e.Code)

	_, ok = AsError(errors.New("disk on fire"))
	assert.False(t, ok)
}
