package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creditforge/backend/internal/models"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret-123", time.Hour)
	id := uuid.New()

	tok, err := svc.IssueToken(id, models.RoleAdmin)
	require.NoError(t, err)

	gotID, role, err := svc.ValidateToken(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
	assert.Equal(t, models.RoleAdmin, role)
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	_, err := NewService("test-secret-123", time.Hour).IssueToken(uuid.New(), "root")
	assert.Error(t, err)
}

func TestValidateRejects(t *testing.T) {
	svc := NewService("test-secret-123", time.Hour)
	id := uuid.New()

	expired := NewService("test-secret-123", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.IssueToken(id, models.RoleUser)
	require.NoError(t, err)

	foreign, err := NewService("another-secret", time.Hour).IssueToken(id, models.RoleUser)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": id.String(), "role": "admin"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"expired", old},
		{"wrong secret", foreign},
		{"unsigned", none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
