package ingress

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndValidateUsageToken_RoundTrips(t *testing.T) {
	secret := []byte("test-secret")
	token, err := mintUsageToken(secret, "0xCaller")
	require.NoError(t, err)

	wallet, err := validateUsageToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "0xCaller", wallet)
}

func TestValidateUsageToken_WrongSecretRejected(t *testing.T) {
	token, err := mintUsageToken([]byte("secret-a"), "0xCaller")
	require.NoError(t, err)

	_, err = validateUsageToken([]byte("secret-b"), token)
	assert.Error(t, err)
}

func TestValidateUsageToken_GarbageRejected(t *testing.T) {
	_, err := validateUsageToken([]byte("secret"), "not-a-jwt")
	assert.Error(t, err)
}

func TestResolveCaller_HeaderWalletWinsOverQuery(t *testing.T) {
	caller := resolveCaller("0xHeader", "", "0xQuery", false)
	assert.Equal(t, "0xHeader", caller)
}

func TestResolveCaller_TestPeerMayQueryAnyWallet(t *testing.T) {
	caller := resolveCaller("", "", "0xQuery", true)
	assert.Equal(t, "0xQuery", caller)
}

func TestResolveCaller_NonTestPeerStillGetsQueryWalletWhenNoHeader(t *testing.T) {
	caller := resolveCaller("", "", "0xQuery", false)
	assert.Equal(t, "0xQuery", caller)
}

func TestResolveCaller_DefaultsToAnonymous(t *testing.T) {
	caller := resolveCaller("", "", "", false)
	assert.Equal(t, "anonymous", caller)
}

func TestResolveCaller_UsageTokenActsAsHeaderWallet(t *testing.T) {
	caller := resolveCaller("", "0xFromToken", "0xQuery", false)
	assert.Equal(t, "0xFromToken", caller)
}

func TestCallerIdentifier_PrefersHeaderThenPayerThenAnonymous(t *testing.T) {
	assert.Equal(t, "0xHeader", callerIdentifier("0xHeader", "0xPayer"))
	assert.Equal(t, "0xPayer", callerIdentifier("", "0xPayer"))
	assert.Equal(t, "anonymous", callerIdentifier("", ""))
}

func TestPeerIsAllowed_MatchesAllowedPrefix(t *testing.T) {
	prefixes := []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}
	assert.True(t, peerIsAllowed("127.0.0.1:54321", prefixes))
}

func TestPeerIsAllowed_RejectsOutsidePrefix(t *testing.T) {
	prefixes := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	assert.False(t, peerIsAllowed("203.0.113.5:1234", prefixes))
}

func TestClientIP_PrefersLeftmostForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	r.RemoteAddr = "127.0.0.1:9999"
	assert.Equal(t, "203.0.113.5", clientIP(r))
}

func TestClientIP_FallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.7:4321"
	assert.Equal(t, "198.51.100.7", clientIP(r))
}

// ensure usage token TTL is the documented 5 minutes, a constant other code
// (parseUsageQuery) relies on implicitly via mintUsageToken's expiry.
func TestUsageTokenTTL(t *testing.T) {
	assert.Equal(t, 5*time.Minute, usageTokenTTL)
}
