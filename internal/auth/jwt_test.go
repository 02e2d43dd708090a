package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignAndParseJWT(t *testing.T) {
	tok, err := SignJWT(42, "secret", time.Hour)
	require.NoError(t, err)

	uid, err := ParseJWT(tok, "secret")
	require.NoError(t, err)
	require.Equal(t, uint64(42), uid)
}

func TestParseJWT_Rejects(t *testing.T) {
	tok, err := SignJWT(42, "secret", time.Hour)
	require.NoError(t, err)

	_, err = ParseJWT(tok, "other")
	require.ErrorIs(t, err, ErrInvalidToken)

	expired, err := SignJWT(42, "secret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseJWT(expired, "secret")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = ParseJWT("garbage", "secret")
	require.ErrorIs(t, err, ErrInvalidToken)
}
