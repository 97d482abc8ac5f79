// Package paygate implements the payment-gated request pipeline of §4.2:
// verify a caller's payment proof against a quoted cost, enforce the replay
// window, and attach the verified proof identifier to the request.
//
// Built on the x402 middleware pattern (same 402 JSON
// envelope, same replay-by-hash idea),
// generalized from "issue a batch JWT of N RPC credits" to "one proof buys
// one quoted cost, once".
package paygate

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"log/slog"

	"github.com/patrickmn/go-cache"

	"github.com/agentpay/gateway/internal/gwerr"
)

const facilitatorTimeout = 10 * time.Second

// proofHeaderX402 and legacyProofHeader are the two accepted inbound headers.
const (
	proofHeaderX402  = "X-Payment"
	legacyProofHeader = "Payment-Signature"
	testKeyHeader    = "X-Test-Key"
)

// Quote describes what a request is being asked to pay for. For a single
// call it is one capability's cost; for a chain it is the summed step cost.
type Quote struct {
	AmountMicros int64
	Description  string
}

// Requirements is the x402 PaymentRequirements the gateway advertises and
// sends to the facilitator for verification.
type Requirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	Asset             string `json:"asset"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Extra             struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"extra"`
}

// FourOhTwoBody is the response body shape of §6's 402-payment-required body.
type FourOhTwoBody struct {
	X402Version     int            `json:"x402Version"`
	Accepts         []Requirements `json:"accepts"`
	FacilitatorURL  string         `json:"facilitatorUrl"`
	Error           any            `json:"error"`
}

// Config groups the Gate's dependencies.
type Config struct {
	Network           string
	PayTo             string
	USDCAddress       string
	USDCDomainName    string
	USDCDomainVersion string
	GatewayURL        string
	FacilitatorURL    string

	TestBypassKey   string
	TestBypassPeers []netip.Prefix

	ReplayWindow time.Duration

	Facilitator FacilitatorClient
}

// Gate is the payment-gated pipeline stage.
type Gate struct {
	cfg   Config
	seen  *cache.Cache
	wg    sync.WaitGroup
}

// New builds a Gate from cfg.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:  cfg,
		seen: cache.New(cfg.ReplayWindow, cfg.ReplayWindow/2),
	}
}

type contextKey int

const proofIDKey contextKey = iota

// ProofID extracts the verified payment proof's identifier from ctx, if any.
func ProofID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(proofIDKey).(string)
	return id, ok
}

// Result carries the outcome of Check: either the request may proceed (with
// ctx carrying the proof id) or it must be rejected with a 402/500 error.
type Result struct {
	Ctx     context.Context
	Bypass  bool
	Err     error
	Body    *FourOhTwoBody // non-nil when Err is payment_required or invalid_payment
}

// Check runs the §4.2 algorithm against an inbound request's headers.
func (g *Gate) Check(ctx context.Context, headers map[string]string, remoteAddr string, quote Quote) Result {
	// Step 1: test-bypass key from an allow-listed peer skips every check.
	if g.cfg.TestBypassKey != "" {
		presented := headers[testKeyHeader]
		if presented != "" && constantTimeEqual(presented, g.cfg.TestBypassKey) && g.peerAllowed(remoteAddr) {
			return Result{Ctx: ctx, Bypass: true}
		}
	}

	proof := headers[proofHeaderX402]
	if proof == "" {
		proof = headers[legacyProofHeader]
	}

	reqs := g.requirements(quote)

	if proof == "" {
		return Result{Err: gwerr.PaymentRequired(), Body: g.fourOhTwoBody(reqs)}
	}

	payloadBytes, err := base64.StdEncoding.DecodeString(proof)
	if err != nil {
		payloadBytes = []byte(proof) // some clients send raw JSON, not base64
	}

	id := proofID(payloadBytes)
	if _, found := g.seen.Get(id); found {
		return Result{Err: gwerr.PaymentReplay()}
	}

	reqsJSON, err := json.Marshal(reqs)
	if err != nil {
		return Result{Err: gwerr.VerificationUnavailable()}
	}

	result, err := g.cfg.Facilitator.Verify(ctx, payloadBytes, reqsJSON)
	if err != nil {
		slog.Warn("payment verification failed", "err", err)
		return Result{Err: gwerr.InvalidPayment(err.Error()), Body: g.fourOhTwoBody(reqs)}
	}

	g.seen.Set(id, struct{}{}, g.cfg.ReplayWindow)

	ctx = context.WithValue(ctx, proofIDKey, id)
	ctx = context.WithValue(ctx, payerKey, result.Payer)
	ctx = context.WithValue(ctx, rawProofKey, payloadBytes)
	ctx = context.WithValue(ctx, reqsJSONKey, reqsJSON)
	return Result{Ctx: ctx}
}

type payerContextKey int

const (
	payerKey payerContextKey = iota
	rawProofKey
	reqsJSONKey
)

// Payer returns the address the facilitator attributed the payment to, if any.
func Payer(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(payerKey).(string)
	return p, ok
}

// Settle fires the facilitator's settlement call in the background; it
// never blocks the response and its errors are only logged. Tracked by the
// Gate's WaitGroup so graceful shutdown can drain it.
func (g *Gate) Settle(ctx context.Context) {
	payload, ok1 := ctx.Value(rawProofKey).([]byte)
	reqsJSON, ok2 := ctx.Value(reqsJSONKey).([]byte)
	if !ok1 || !ok2 || g.cfg.Facilitator == nil {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		settleCtx, cancel := context.WithTimeout(context.Background(), facilitatorTimeout)
		defer cancel()
		if err := g.cfg.Facilitator.Settle(settleCtx, payload, reqsJSON); err != nil {
			slog.Error("settlement failed", "err", err)
		}
	}()
}

// Drain waits (bounded) for in-flight settlements during graceful shutdown.
func (g *Gate) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("settlement drain timed out")
	}
}

func (g *Gate) requirements(q Quote) Requirements {
	r := Requirements{
		Scheme:            "exact",
		Network:           g.cfg.Network,
		Amount:            fmt.Sprintf("%d", q.AmountMicros),
		Asset:             g.cfg.USDCAddress,
		Resource:          g.cfg.GatewayURL,
		Description:       q.Description,
		PayTo:             g.cfg.PayTo,
		MaxTimeoutSeconds: 60,
	}
	r.Extra.Name = g.cfg.USDCDomainName
	r.Extra.Version = g.cfg.USDCDomainVersion
	return r
}

func (g *Gate) fourOhTwoBody(reqs Requirements) *FourOhTwoBody {
	return &FourOhTwoBody{
		X402Version:    2,
		Accepts:        []Requirements{reqs},
		FacilitatorURL: g.cfg.FacilitatorURL,
		Error:          nil,
	}
}

func (g *Gate) peerAllowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	for _, prefix := range g.cfg.TestBypassPeers {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func proofID(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.RawURLEncoding.EncodeToString(sum[:16]) // first 128 bits
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
