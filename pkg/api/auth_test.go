package api

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCurrentToken(t *testing.T) {
	v := NewTokenVerifier("sekrit", time.Minute)
	defer v.Stop()

	assert.True(t, v.Enabled())
	assert.True(t, v.Verify("sekrit"))
	assert.False(t, v.Verify("wrong"))
	assert.False(t, v.Verify(""))
}

func TestVerifyDisabledWithEmptyToken(t *testing.T) {
	v := NewTokenVerifier("", time.Minute)
	defer v.Stop()

	assert.False(t, v.Enabled())
	assert.True(t, v.Verify("anything"))
}

func TestRotateKeepsOldKeyInGrace(t *testing.T) {
	v := NewTokenVerifier("old-key", time.Minute)
	defer v.Stop()

	newKey, rotatedAt := v.Rotate()
	require.NotEmpty(t, newKey)
	assert.False(t, rotatedAt.IsZero())

	assert.True(t, v.Verify(newKey))
	assert.True(t, v.Verify("old-key"))
	assert.False(t, v.Verify("wrong"))
}

func TestRotateGraceExpires(t *testing.T) {
	v := NewTokenVerifier("old-key", 10*time.Millisecond)
	defer v.Stop()

	newKey, _ := v.Rotate()
	assert.Eventually(t, func() bool {
		return !v.Verify("old-key")
	}, time.Second, 5*time.Millisecond)
	assert.True(t, v.Verify(newKey))
}

func TestStopDropsGracedKeys(t *testing.T) {
	v := NewTokenVerifier("old-key", time.Hour)
	v.Rotate()
	v.Stop()

	assert.False(t, v.Verify("old-key"))
}

func TestTokensEqual(t *testing.T) {
	assert.True(t, tokensEqual("abc", "abc"))
	assert.False(t, tokensEqual("abc", "abd"))
	assert.False(t, tokensEqual("abc", "abcd"))
	assert.True(t, tokensEqual("", ""))
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestClientIPFallsBackToRealIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(req))
}

func TestClientIPStripsPort(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:49152"
	assert.Equal(t, "192.0.2.7", clientIP(req))
}
