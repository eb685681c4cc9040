package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSystem(t *testing.T) {
	tests := []struct {
		input   string
		want    System
		wantErr bool
	}{
		{"A", SystemA, false},
		{"b", SystemB, false},
		{" system_a ", SystemA, false},
		{"SystemB", SystemB, false},
		{"C", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSystem(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSystem_OtherAndLower(t *testing.T) {
	assert.Equal(t, SystemB, SystemA.Other())
	assert.Equal(t, SystemA, SystemB.Other())
	assert.Equal(t, "a", SystemA.Lower())
	assert.True(t, SystemB.Valid())
	assert.False(t, System("Z").Valid())
}

func TestUser_Public(t *testing.T) {
	primary := int64(7)
	u := &User{
		ID:           1,
		Email:        "alice@example.com",
		Username:     "alice",
		PasswordHash: "secret-hash",
		Role:         RoleAdmin,
		ProtectedFields: ProtectedFields{
			SystemAffiliation:    "A",
			PrimaryInstitutionID: &primary,
			InstitutionIDs:       []int64{7, 9},
		},
	}

	p := u.Public()
	assert.Equal(t, int64(1), p.ID)
	assert.Equal(t, "alice@example.com", p.Email)
	assert.Equal(t, "A", p.SystemAffiliation)
	assert.Equal(t, []int64{7, 9}, p.InstitutionIDs)
	assert.True(t, u.IsAdmin())
}

func TestAuthContext_IsAdmin(t *testing.T) {
	var nilCtx *AuthContext
	assert.False(t, nilCtx.IsAdmin())
	assert.True(t, (&AuthContext{Role: RoleAdmin}).IsAdmin())
	assert.False(t, (&AuthContext{Role: RoleUser}).IsAdmin())
}
