package util

import (
	"testing"
	"time"

	"assessment_backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndParseJWT(t *testing.T) {
	user := &model.User{Email: "a@example.com", Role: model.Candidate}
	user.ID = 42

	token, err := GenerateJWT(user, "secret-secret-secret-secret-secret", time.Hour)
	require.NoError(t, err)

	claims, err := ParseJWT(token, "secret-secret-secret-secret-secret")
	require.NoError(t, err)
	assert.Equal(t, uint(42), claims.UserID)
	assert.Equal(t, model.Candidate, claims.Role)

	_, err = ParseJWT(token, "other-secret")
	assert.Error(t, err)
}

func TestParseJWTExpired(t *testing.T) {
	user := &model.User{Email: "a@example.com"}
	token, err := GenerateJWT(user, "s", -time.Minute)
	require.NoError(t, err)

	_, err = ParseJWT(token, "s")
	assert.Error(t, err)
}
