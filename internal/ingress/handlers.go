package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/agentpay/gateway/internal/backend"
	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/dispatcher"
	"github.com/agentpay/gateway/internal/gwerr"
	"github.com/agentpay/gateway/internal/ledger"
	"github.com/agentpay/gateway/internal/money"
	"github.com/agentpay/gateway/internal/paygate"
)

type doRequest struct {
	Task       string         `json:"task"`
	Capability string         `json:"capability"`
	Params     map[string]any `json:"params"`
	Budget     string         `json:"budget"`
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"capabilityCount": len(rt.ctx.Registry.List()) + len(rt.ctx.Active.List()),
	})
}

func (rt *Router) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"capabilities": rt.ctx.Reliability.Snapshot(),
	})
}

func (rt *Router) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	all := rt.ctx.Registry.List()
	all = append(all, rt.ctx.Active.List()...)

	out := make([]capabilitySummary, 0, len(all))
	for _, c := range all {
		out = append(out, renderCapability(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out})
}

type mcpTool struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema struct {
		Type       string                 `json:"type"`
		Properties map[string]inputSchema `json:"properties"`
		Required   []string               `json:"required"`
	} `json:"inputSchema"`
}

func (rt *Router) handleMCP(w http.ResponseWriter, r *http.Request) {
	all := rt.ctx.Registry.List()
	all = append(all, rt.ctx.Active.List()...)

	tools := make([]mcpTool, 0, len(all))
	for _, c := range all {
		var t mcpTool
		t.Name = c.ID
		t.Description = c.Description
		t.InputSchema.Type = "object"
		t.InputSchema.Properties = renderInputs(c.Inputs)
		for name, in := range c.Inputs {
			if in.Required {
				t.InputSchema.Required = append(t.InputSchema.Required, name)
			}
		}
		tools = append(tools, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

type providerGroup struct {
	Name         string               `json:"name"`
	PayoutAddr   string               `json:"payoutAddress"`
	ContactURL   string               `json:"contactUrl,omitempty"`
	Capabilities []capabilitySummary  `json:"capabilities"`
}

func (rt *Router) handleProviders(w http.ResponseWriter, r *http.Request) {
	groups := map[string]*providerGroup{}
	order := []string{}

	all := rt.ctx.Registry.List()
	all = append(all, rt.ctx.Active.List()...)

	for _, c := range all {
		if c.Provider == nil {
			continue
		}
		g, ok := groups[c.Provider.Name]
		if !ok {
			g = &providerGroup{Name: c.Provider.Name, PayoutAddr: c.Provider.PayoutAddr, ContactURL: c.Provider.ContactURL}
			groups[c.Provider.Name] = g
			order = append(order, c.Provider.Name)
		}
		g.Capabilities = append(g.Capabilities, renderCapability(c))
	}

	out := make([]*providerGroup, 0, len(order))
	for _, name := range order {
		out = append(out, groups[name])
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (rt *Router) handleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusOK, map[string]any{"matches": []capabilitySummary{}, "discovered": []capabilitySummary{}})
		return
	}

	lowerQ := strings.ToLower(q)
	var native []capabilitySummary
	for _, c := range rt.ctx.Registry.List() {
		if c.MatchScore(lowerQ) > 0 {
			native = append(native, renderCapability(c))
		}
	}

	candidates, err := rt.ctx.Discovery.Search(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	var disc []capabilitySummary
	for _, c := range candidates {
		disc = append(disc, renderCapability(c))
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": native, "discovered": disc})
}

func (rt *Router) handleDo(w http.ResponseWriter, r *http.Request) {
	var body doRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerr.MissingTask())
		return
	}
	if body.Task == "" && body.Capability == "" {
		writeError(w, gwerr.MissingTask())
		return
	}

	resolution, err := rt.ctx.Dispatcher.Dispatch(r.Context(), dispatcher.Request{
		Task:       body.Task,
		Capability: body.Capability,
		Params:     body.Params,
		Budget:     body.Budget,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	c := resolution.Capability

	headers := headerMap(r)
	quote := paygate.Quote{AmountMicros: c.CostMicros, Description: c.Name}
	gateResult := rt.ctx.Gate.Check(r.Context(), headers, r.RemoteAddr, quote)
	if gateResult.Err != nil {
		if gateResult.Body != nil {
			writeJSON(w, http.StatusPaymentRequired, gateResult.Body)
			return
		}
		writeError(w, gateResult.Err)
		return
	}
	ctx := gateResult.Ctx
	if ctx == nil {
		ctx = r.Context()
	}

	requestStart := time.Now()
	var backendDur time.Duration
	var backendResp backend.Response
	status, callErr, retries, circuitOpen := rt.ctx.Reliability.Call(ctx, c.ID, func(stepCtx context.Context) (int, error) {
		attemptStart := time.Now()
		resp, respStatus, err := rt.ctx.Backend.Call(stepCtx, c, resolution.Params)
		backendDur = time.Since(attemptStart)
		if err != nil {
			return respStatus, err
		}
		backendResp = resp
		return respStatus, nil
	})

	success := callErr == nil
	latencyMs := time.Since(requestStart).Milliseconds()

	payer, _ := paygate.Payer(ctx)
	caller := callerIdentifier(headers["X-Wallet-Address"], payer)
	_ = rt.ctx.Ledger.Append(ledger.Record{
		Caller:       caller,
		CapabilityID: c.ID,
		CostMicros:   c.CostMicros,
		Success:      success,
		LatencyMs:    latencyMs,
		At:           time.Now(),
	})

	if circuitOpen {
		// Breaker short-circuited before the backend was ever contacted —
		// per §7 this must not settle the payment.
		writeError(w, gwerr.CircuitOpen(c.ID))
		return
	}

	if !gateResult.Bypass {
		rt.ctx.Gate.Settle(ctx)
	}

	if callErr != nil {
		writeError(w, callErr)
		return
	}

	usageToken, _ := mintUsageToken(rt.ctx.Config.JWTSecret, caller)
	w.Header().Set("X-Usage-Token", usageToken)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"capability": map[string]any{
			"id":     c.ID,
			"name":   c.Name,
			"cost":   c.CostDisplay,
			"source": c.Tier.String(),
		},
		"params": resolution.Params,
		"result": resultPayload(backendResp),
		"meta": map[string]any{
			"contentType": backendResp.ContentType,
			"durationMs":  latencyMs,
			"gateway":     "agentpay-gateway",
			"version":     gatewayVersion,
			"retries":     retries,
			"quality": map[string]any{
				"backendStatus":     status,
				"backendResponseMs": backendDur.Milliseconds(),
				"gatewayOverheadMs": latencyMs - backendDur.Milliseconds(),
			},
		},
		"pricing":       pricingOrNil(c),
		"multiStepHint": hintOrNil(resolution.MultiStepHint),
	})
}

func resultPayload(resp backend.Response) any {
	switch resp.ContentType {
	case "image", "pdf":
		return map[string]any{"base64": resp.Base64Data, "sizeBytes": resp.SizeBytes, "mimeType": resp.MimeType}
	case "text":
		return resp.Text
	default:
		return resp.JSON
	}
}

// pricingOrNil surfaces the provider/gateway cost split for discovered
// capabilities only, per §6's "pricing? (discovered only)" response field.
func pricingOrNil(c *capability.Capability) any {
	if c.Tier != capability.TierDiscovered {
		return nil
	}
	providerMicros := int64(float64(c.CostMicros) * c.SplitProvider)
	return map[string]any{
		"providerCost": money.Display(providerMicros),
		"gatewayCost":  c.CostDisplay,
		"fee":          money.Display(c.CostMicros - providerMicros),
	}
}

func headerMap(r *http.Request) map[string]string {
	return map[string]string{
		"X-Payment":         r.Header.Get("X-Payment"),
		"Payment-Signature": r.Header.Get("Payment-Signature"),
		"X-Test-Key":        r.Header.Get("X-Test-Key"),
		"X-Wallet-Address":  r.Header.Get("X-Wallet-Address"),
	}
}

func hintOrNil(hint bool) any {
	if !hint {
		return nil
	}
	return map[string]string{"chainEndpoint": "/do/chain"}
}

type usageQuery struct {
	caller string
	from   time.Time
	to     time.Time
}

func parseUsageQuery(r *http.Request, secret []byte, isTestPeer bool) usageQuery {
	headerWallet := r.Header.Get("X-Wallet-Address")
	token := bearerToken(r)
	var tokenWallet string
	if token != "" {
		tokenWallet, _ = validateUsageToken(secret, token)
	}
	queryWallet := r.URL.Query().Get("caller")
	caller := resolveCaller(headerWallet, tokenWallet, queryWallet, isTestPeer)

	var q usageQuery
	q.caller = caller
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			q.from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			q.to = t
		}
	}
	return q
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (rt *Router) handleUsageTotals(w http.ResponseWriter, r *http.Request) {
	q := parseUsageQuery(r, rt.ctx.Config.JWTSecret, rt.isTestPeer(r))
	totals, err := rt.ctx.Ledger.Totals(q.caller, q.from, q.to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (rt *Router) handleUsageByCapability(w http.ResponseWriter, r *http.Request) {
	q := parseUsageQuery(r, rt.ctx.Config.JWTSecret, rt.isTestPeer(r))
	rows, err := rt.ctx.Ledger.ByCapability(q.caller, q.from, q.to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"byCapability": rows})
}

func (rt *Router) handleUsageTimeline(w http.ResponseWriter, r *http.Request) {
	q := parseUsageQuery(r, rt.ctx.Config.JWTSecret, rt.isTestPeer(r))
	rows, err := rt.ctx.Ledger.Timeline(q.caller, q.from, q.to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": rows})
}

func (rt *Router) isTestPeer(r *http.Request) bool {
	key := r.Header.Get("X-Test-Key")
	return key != "" && key == rt.ctx.Config.TestBypassKey && peerIsAllowed(r.RemoteAddr, rt.testPeers)
}

const gatewayVersion = "1.0.0"
