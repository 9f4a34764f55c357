package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService("secret", 10)
	token, err := svc.GenerateToken("user-1", AppMusician)
	require.NoError(t, err)

	userID, app, err := svc.ParseAuthContext(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, AppMusician, app)
}

func TestTokenRejectsOtherSecret(t *testing.T) {
	token, err := NewService("secret", 10).GenerateToken("user-1", AppOrganizer)
	require.NoError(t, err)

	_, _, err = NewService("other", 10).ParseAuthContext(token)
	assert.Error(t, err)
}

func TestTokenRejectsEmptyUser(t *testing.T) {
	svc := NewService("secret", 10)
	token, err := svc.GenerateToken("", AppOrganizer)
	require.NoError(t, err)

	_, _, err = svc.ParseAuthContext(token)
	assert.ErrorIs(t, err, ErrMissingSubject)
}
