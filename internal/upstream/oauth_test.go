package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeChecksum_MatchesSHA256OfConcatenation(t *testing.T) {
	got := computeChecksum("app1", "authtok", "key1")
	sum := sha256.Sum256([]byte("app1" + "authtok" + "key1"))
	want := hex.EncodeToString(sum[:])
	assert.Equal(t, want, got)
}

func signTestToken(t *testing.T, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString([]byte("irrelevant-upstream-secret"))
	require.NoError(t, err)
	return signed
}

func TestTokenTTL_UsesRemainingExp(t *testing.T) {
	logger := zerolog.Nop()
	tok := signTestToken(t, time.Now().Add(10*time.Second))
	ttl, err := tokenTTL(tok, logger)
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, 10*time.Second)
}

func TestTokenTTL_FallsBackOnUnparsableToken(t *testing.T) {
	logger := zerolog.Nop()
	ttl, err := tokenTTL("not-a-jwt", logger)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestTokenTTL_UsesRemainingWhenFarFromExpiry(t *testing.T) {
	logger := zerolog.Nop()
	tok := signTestToken(t, time.Now().Add(2*time.Hour))
	ttl, err := tokenTTL(tok, logger)
	require.NoError(t, err)
	assert.Greater(t, ttl, 100*time.Minute)
	assert.LessOrEqual(t, ttl, 2*time.Hour)
}

func TestTokenTTL_RejectsExpiredToken(t *testing.T) {
	logger := zerolog.Nop()
	tok := signTestToken(t, time.Now().Add(-time.Minute))
	_, err := tokenTTL(tok, logger)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
