package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func TestWriteSuccess(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteSuccess(w, map[string]int{"tokens_deleted": 3})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"success":true,"data":{"tokens_deleted":3}}`, w.Body.String())
}

func TestWriteDomainError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   auth.Code
		wantMsg    string
	}{
		{
			name:       "token invalid",
			err:        fmt.Errorf("consume: %w", auth.ErrTokenInvalidOrExpired),
			wantStatus: http.StatusUnauthorized,
			wantCode:   auth.CodeTokenInvalidOrExpired,
			wantMsg:    "invalid or expired SSO token",
		},
		{
			name:       "forbidden",
			err:        auth.ErrForbidden,
			wantStatus: http.StatusForbidden,
			wantCode:   auth.CodeForbidden,
			wantMsg:    "forbidden",
		},
		{
			name:       "invalid target",
			err:        auth.ErrInvalidTarget,
			wantStatus: http.StatusBadRequest,
			wantCode:   auth.CodeInvalidTarget,
			wantMsg:    "invalid target system",
		},
		{
			name:       "storage failure",
			err:        errors.New("failed to insert session: connection reset"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   auth.CodeStorageError,
			wantMsg:    "failed to insert session: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteDomainError(w, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			body := decodeError(t, w)
			assert.False(t, body.Success)
			assert.Equal(t, string(tt.wantCode), body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}

func TestWriteBadRequestAndRateLimit(t *testing.T) {
	w := httptest.NewRecorder()
	WriteBadRequest(w, "sso_token is required")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(auth.CodeBadRequest), decodeError(t, w).Code)

	w = httptest.NewRecorder()
	WriteTooManyRequests(w, "slow down")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, string(auth.CodeRateLimited), decodeError(t, w).Code)
}
