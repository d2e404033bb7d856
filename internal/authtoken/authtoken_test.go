package authtoken

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevVerifierAcceptsNonEmptyToken(t *testing.T) {
	v := NewDevVerifier()
	userID, err := v.Verify(context.Background(), "alice-token")
	require.NoError(t, err)
	assert.Equal(t, "dev-alice-token", userID)
}

func TestDevVerifierRejectsEmptyToken(t *testing.T) {
	v := NewDevVerifier()
	_, err := v.Verify(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSignedVerifierRejectsWithoutConfiguration(t *testing.T) {
	var v SignedVerifier
	_, err := v.Verify(context.Background(), "anything")
	assert.Error(t, err)
}

func TestSignedVerifierDelegatesToFunc(t *testing.T) {
	v := SignedVerifier{VerifyFunc: func(ctx context.Context, token string) (string, error) {
		if token != "good" {
			return "", errors.New("bad token")
		}
		return "user-42", nil
	}}
	userID, err := v.Verify(context.Background(), "good")
	require.NoError(t, err)
	assert.Equal(t, "user-42", userID)

	_, err = v.Verify(context.Background(), "bad")
	assert.Error(t, err)
}
