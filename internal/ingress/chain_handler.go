package ingress

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentpay/gateway/internal/gwerr"
	"github.com/agentpay/gateway/internal/ledger"
	"github.com/agentpay/gateway/internal/money"
	"github.com/agentpay/gateway/internal/orchestrator"
	"github.com/agentpay/gateway/internal/paygate"
)

type chainRequest struct {
	Task   string `json:"task"`
	Budget string `json:"budget"`
	DryRun bool   `json:"dryRun"`
}

func (rt *Router) handleDoChain(w http.ResponseWriter, r *http.Request) {
	var body chainRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, gwerr.MissingTask())
		return
	}
	if body.Task == "" {
		writeError(w, gwerr.MissingTask())
		return
	}

	var budgetMicros int64
	if body.Budget != "" {
		if m, err := money.ParseRoundDown(body.Budget); err == nil {
			budgetMicros = m
		}
	}

	plan, err := rt.orchestrator.Plan(r.Context(), body.Task, budgetMicros)
	if err != nil {
		writeError(w, err)
		return
	}

	if body.DryRun {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"dryRun":  true,
			"plan":    plan,
		})
		return
	}

	headers := headerMap(r)
	quote := paygate.Quote{AmountMicros: plan.EstimatedCost, Description: "chain: " + body.Task}
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

	result, execErr := rt.orchestrator.Execute(ctx, plan)

	payer, _ := paygate.Payer(ctx)
	caller := callerIdentifier(headers["X-Wallet-Address"], payer)
	now := time.Now()
	if result != nil {
		for _, step := range result.AllSteps {
			_ = rt.ctx.Ledger.Append(ledger.Record{
				Caller:       caller,
				CapabilityID: step.CapabilityID,
				CostMicros:   step.CostMicros,
				Success:      execErr == nil,
				LatencyMs:    step.DurationMs,
				At:           now,
			})
		}
	}

	if isCircuitOpen(execErr) {
		// Breaker short-circuited before a step's backend was contacted —
		// per §7 this must not settle the payment.
		writeJSON(w, statusForChainError(execErr), map[string]any{
			"success":  false,
			"error":    errorCode(execErr),
			"message":  execErr.Error(),
			"allSteps": stepsOrEmpty(result),
		})
		return
	}

	if !gateResult.Bypass {
		rt.ctx.Gate.Settle(ctx)
	}

	if execErr != nil {
		writeJSON(w, statusForChainError(execErr), map[string]any{
			"success":  false,
			"error":    errorCode(execErr),
			"message":  execErr.Error(),
			"allSteps": stepsOrEmpty(result),
		})
		return
	}

	usageToken, _ := mintUsageToken(rt.ctx.Config.JWTSecret, caller)
	w.Header().Set("X-Usage-Token", usageToken)

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"finalResult":     result.FinalResult,
		"allSteps":        result.AllSteps,
		"costBreakdown":   costBreakdown(result),
		"totalDurationMs": result.TotalDurationMs,
	})
}

func costBreakdown(r *orchestrator.ChainResult) any {
	if r == nil {
		return []any{}
	}
	out := make([]map[string]any, 0, len(r.AllSteps))
	for _, s := range r.AllSteps {
		out = append(out, map[string]any{
			"capabilityId": s.CapabilityID,
			"cost":         money.Display(s.CostMicros),
		})
	}
	return out
}

func stepsOrEmpty(r *orchestrator.ChainResult) any {
	if r == nil {
		return []any{}
	}
	return r.AllSteps
}

func statusForChainError(err error) int {
	if gwErr, ok := err.(*gwerr.Error); ok {
		return gwErr.Status
	}
	return http.StatusInternalServerError
}

func errorCode(err error) string {
	if gwErr, ok := err.(*gwerr.Error); ok {
		return gwErr.Code
	}
	return "internal_error"
}

func isCircuitOpen(err error) bool {
	gwErr, ok := err.(*gwerr.Error)
	return ok && gwErr.Code == "circuit_open"
}
