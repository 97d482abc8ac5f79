package paygate

import (
	"context"
	"encoding/base64"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFacilitator struct {
	verifyErr    error
	verifyPayer  string
	verifyCalls  int
	settleCalls  int
	settleErr    error
}

func (f *fakeFacilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error) {
	f.verifyCalls++
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return &VerifyResult{Payer: f.verifyPayer}, nil
}

func (f *fakeFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) error {
	f.settleCalls++
	return f.settleErr
}

func newTestGate(t *testing.T, fac FacilitatorClient) *Gate {
	t.Helper()
	return New(Config{
		Network:         "eip155:84532",
		PayTo:           "0xGateway",
		USDCAddress:     "0xUSDC",
		ReplayWindow:    time.Minute,
		Facilitator:     fac,
		TestBypassKey:   "test-key",
		TestBypassPeers: []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
	})
}

func TestCheck_NoProofHeaderReturns402Body(t *testing.T) {
	g := newTestGate(t, &fakeFacilitator{})
	result := g.Check(context.Background(), map[string]string{}, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.Error(t, result.Err)
	require.NotNil(t, result.Body)
	assert.Len(t, result.Body.Accepts, 1)
	assert.Equal(t, "10000", result.Body.Accepts[0].Amount)
}

func TestCheck_TestBypassKeyFromAllowedPeerSkipsVerification(t *testing.T) {
	fac := &fakeFacilitator{}
	g := newTestGate(t, fac)
	result := g.Check(context.Background(), map[string]string{"X-Test-Key": "test-key"}, "127.0.0.1:1234", Quote{AmountMicros: 10_000})
	assert.NoError(t, result.Err)
	assert.True(t, result.Bypass)
	assert.Equal(t, 0, fac.verifyCalls)
}

func TestCheck_TestBypassKeyFromDisallowedPeerIsIgnored(t *testing.T) {
	g := newTestGate(t, &fakeFacilitator{})
	result := g.Check(context.Background(), map[string]string{"X-Test-Key": "test-key"}, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	assert.Error(t, result.Err)
	assert.False(t, result.Bypass)
}

func TestCheck_ValidProofSucceedsAndAttachesPayer(t *testing.T) {
	fac := &fakeFacilitator{verifyPayer: "0xPayer"}
	g := newTestGate(t, fac)
	proof := base64.StdEncoding.EncodeToString([]byte(`{"sig":"abc"}`))
	result := g.Check(context.Background(), map[string]string{"X-Payment": proof}, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.NoError(t, result.Err)

	payer, ok := Payer(result.Ctx)
	assert.True(t, ok)
	assert.Equal(t, "0xPayer", payer)

	proofID, ok := ProofID(result.Ctx)
	assert.True(t, ok)
	assert.NotEmpty(t, proofID)
}

func TestCheck_ReplayedProofRejected(t *testing.T) {
	fac := &fakeFacilitator{verifyPayer: "0xPayer"}
	g := newTestGate(t, fac)
	proof := base64.StdEncoding.EncodeToString([]byte(`{"sig":"replay-me"}`))
	headers := map[string]string{"X-Payment": proof}

	first := g.Check(context.Background(), headers, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.NoError(t, first.Err)

	second := g.Check(context.Background(), headers, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.Error(t, second.Err)
	assert.Equal(t, 1, fac.verifyCalls)
}

func TestCheck_FacilitatorVerifyFailureReturns402(t *testing.T) {
	fac := &fakeFacilitator{verifyErr: errors.New("signature mismatch")}
	g := newTestGate(t, fac)
	proof := base64.StdEncoding.EncodeToString([]byte(`{"sig":"bad"}`))
	result := g.Check(context.Background(), map[string]string{"X-Payment": proof}, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.Error(t, result.Err)
	require.NotNil(t, result.Body)
}

func TestCheck_LegacyProofHeaderAccepted(t *testing.T) {
	fac := &fakeFacilitator{verifyPayer: "0xPayer"}
	g := newTestGate(t, fac)
	proof := base64.StdEncoding.EncodeToString([]byte(`{"sig":"legacy"}`))
	result := g.Check(context.Background(), map[string]string{"Payment-Signature": proof}, "203.0.113.1:1234", Quote{AmountMicros: 5_000})
	assert.NoError(t, result.Err)
}

func TestSettle_FiresFacilitatorSettleInBackground(t *testing.T) {
	fac := &fakeFacilitator{verifyPayer: "0xPayer"}
	g := newTestGate(t, fac)
	proof := base64.StdEncoding.EncodeToString([]byte(`{"sig":"settle-me"}`))
	result := g.Check(context.Background(), map[string]string{"X-Payment": proof}, "203.0.113.1:1234", Quote{AmountMicros: 10_000})
	require.NoError(t, result.Err)

	g.Settle(result.Ctx)
	g.Drain(time.Second)
	assert.Equal(t, 1, fac.settleCalls)
}
