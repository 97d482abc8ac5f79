// Package orchestrator is the Orchestrator of §4.8: plans a multi-step chain
// with an external LLM, validates the plan, then executes it sequentially
// with output piping between steps.
//
// The planner is an OpenAI-compatible chat-completions client built on
// go-resty/resty/v2, consistent with the Backend Caller and Discovery
// Engine's HTTP stack. Dotted-path input mapping is resolved with
// tidwall/gjson rather than a hand-rolled path parser, grounded on
// r3e-network-service_layer's gjson usage.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"

	"github.com/agentpay/gateway/internal/backend"
	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/gwerr"
	"github.com/agentpay/gateway/internal/money"
	"github.com/agentpay/gateway/internal/registry"
	"github.com/agentpay/gateway/internal/reliability"
)

const (
	plannerTimeout  = 60 * time.Second
	perStepTimeout  = 30 * time.Second
	totalTimeout    = 120 * time.Second
	maxStepCount    = 5
	maxChainCostCap = 500_000 // $0.50 in micro-units
)

// PlanStep is one planned capability invocation.
type PlanStep struct {
	CapabilityID string         `json:"capabilityId"`
	Params       map[string]any `json:"params"`
	InputMapping map[string]string `json:"inputMapping"`
}

// Plan is the validated output of the chain planner.
type Plan struct {
	Steps          []PlanStep `json:"steps"`
	EstimatedCost  int64      // micro-units, computed from the registry, not trusted from the planner
}

type plannerResponse struct {
	Steps []struct {
		CapabilityID string            `json:"capabilityId"`
		Params       map[string]any    `json:"params"`
		InputMapping map[string]string `json:"inputMapping"`
	} `json:"steps"`
	EstimatedCost json.Number `json:"estimatedCost"`
}

// StepResult is one executed step's outcome, preserved in the chain trace.
type StepResult struct {
	Step         int            `json:"step"`
	CapabilityID string         `json:"capabilityId"`
	Params       map[string]any `json:"params"`
	Result       any            `json:"result"`
	CostMicros   int64          `json:"costMicros"`
	DurationMs   int64          `json:"durationMs"`
}

// ChainResult is the execution outcome returned to the caller.
type ChainResult struct {
	FinalResult any
	AllSteps    []StepResult
	TotalCostMicros int64
	TotalDurationMs int64
}

// Orchestrator plans and executes multi-step chains.
type Orchestrator struct {
	reg         *registry.Registry
	reliability *reliability.Registry
	backend     *backend.Caller
	planner     *resty.Client
	plannerURL  string
	plannerKey  string
	plannerModel string
}

// New builds an Orchestrator.
func New(reg *registry.Registry, rel *reliability.Registry, be *backend.Caller, plannerURL, plannerKey, plannerModel string) *Orchestrator {
	return &Orchestrator{
		reg:          reg,
		reliability:  rel,
		backend:      be,
		planner:      resty.New().SetTimeout(plannerTimeout),
		plannerURL:   plannerURL,
		plannerKey:   plannerKey,
		plannerModel: plannerModel,
	}
}

// Plan submits task to the external planner and validates the result
// against §4.8's rules. budgetMicros of 0 means "no explicit budget" (only
// the $0.50 hard ceiling applies).
func (o *Orchestrator) Plan(ctx context.Context, task string, budgetMicros int64) (*Plan, error) {
	raw, err := o.callPlanner(ctx, task)
	if err != nil {
		return nil, gwerr.OrchestrationFailed("planner request failed: " + err.Error())
	}

	var pr plannerResponse
	if err := json.Unmarshal(raw, &pr); err != nil {
		return nil, gwerr.OrchestrationFailed("planner returned malformed JSON")
	}

	if len(pr.Steps) < 1 || len(pr.Steps) > maxStepCount {
		return nil, gwerr.OrchestrationFailed(fmt.Sprintf("plan has %d steps, must be 1-%d", len(pr.Steps), maxStepCount))
	}

	steps := make([]PlanStep, 0, len(pr.Steps))
	var costSum int64
	for _, s := range pr.Steps {
		c, ok := o.reg.ByID(s.CapabilityID)
		if !ok {
			return nil, gwerr.OrchestrationFailed("unknown capability in plan: " + s.CapabilityID)
		}
		costSum += c.CostMicros
		steps = append(steps, PlanStep{
			CapabilityID: s.CapabilityID,
			Params:       s.Params,
			InputMapping: s.InputMapping,
		})
	}

	ceiling := int64(maxChainCostCap)
	if budgetMicros > 0 && budgetMicros < ceiling {
		ceiling = budgetMicros
	}
	if costSum > ceiling {
		return nil, gwerr.OrchestrationFailed("plan cost exceeds allowed ceiling")
	}

	return &Plan{Steps: steps, EstimatedCost: costSum}, nil
}

// Execute runs plan's steps sequentially, resolving input mappings against
// prior results, under the per-step and total timeouts.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan) (*ChainResult, error) {
	ctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	start := time.Now()
	results := make([]StepResult, 0, len(plan.Steps))
	var priorJSON []any // raw results, for gjson-based input mapping

	for i, step := range plan.Steps {
		c, ok := o.reg.ByID(step.CapabilityID)
		if !ok {
			return partialResult(results, start), gwerr.StepFailed(i, step.CapabilityID, "capability no longer exists")
		}

		params := resolveParams(c, step, priorJSON)

		stepCtx, stepCancel := context.WithTimeout(ctx, perStepTimeout)
		stepStart := time.Now()
		resp, _, retries, circuitOpen, err := o.callStep(stepCtx, c, params)
		stepDur := time.Since(stepStart)
		stepCancel()

		if circuitOpen {
			return partialResult(results, start), gwerr.CircuitOpen(step.CapabilityID)
		}
		if err != nil {
			if stepCtx.Err() != nil {
				return partialResult(results, start), gwerr.StepTimeout(i, step.CapabilityID)
			}
			return partialResult(results, start), gwerr.StepFailed(i, step.CapabilityID, err.Error())
		}
		_ = retries

		var resultValue any = resp.JSON
		switch resp.ContentType {
		case "image", "pdf":
			resultValue = map[string]any{"base64": resp.Base64Data, "sizeBytes": resp.SizeBytes, "mimeType": resp.MimeType}
		case "text":
			resultValue = resp.Text
		}

		results = append(results, StepResult{
			Step:         i,
			CapabilityID: step.CapabilityID,
			Params:       params,
			Result:       resultValue,
			CostMicros:   c.CostMicros,
			DurationMs:   stepDur.Milliseconds(),
		})
		priorJSON = append(priorJSON, resultValue)

		if ctx.Err() != nil {
			return partialResult(results, start), gwerr.TotalTimeout()
		}
	}

	var total int64
	for _, r := range results {
		total += r.CostMicros
	}

	return &ChainResult{
		FinalResult:     results[len(results)-1].Result,
		AllSteps:        results,
		TotalCostMicros: total,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (o *Orchestrator) callStep(ctx context.Context, c *capability.Capability, params map[string]any) (backend.Response, int, int, bool, error) {
	var resp backend.Response
	status, err, retries, circuitOpen := o.reliability.Call(ctx, c.ID, func(ctx context.Context) (int, error) {
		r, s, callErr := o.backend.Call(ctx, c, params)
		resp = r
		return s, callErr
	})
	return resp, status, retries, circuitOpen, err
}

// resolveParams builds a step's final parameter set as (schema defaults) ←
// (literal params) ← (input mapping), per §4.8.
func resolveParams(c *capability.Capability, step PlanStep, priorResults []any) map[string]any {
	out := map[string]any{}
	for name, in := range c.Inputs {
		if in.Default != nil {
			out[name] = in.Default
		}
	}
	for k, v := range step.Params {
		out[k] = v
	}

	if len(step.InputMapping) == 0 || len(priorResults) == 0 {
		return out
	}

	priorJSON, err := json.Marshal(priorResults)
	if err != nil {
		return out
	}

	for field, path := range step.InputMapping {
		gjsonPath, ok := toGjsonPath(path)
		if !ok {
			continue
		}
		result := gjson.GetBytes(priorJSON, gjsonPath)
		if result.Exists() {
			out[field] = result.Value()
		}
		// unresolvable path: the literal params value (already in out) wins.
	}
	return out
}

// toGjsonPath translates "steps[N].field.subfield" into gjson's "N.field.subfield".
func toGjsonPath(path string) (string, bool) {
	const prefix = "steps["
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	rest := path[len(prefix):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return "", false
	}
	idxStr := rest[:end]
	if _, err := strconv.Atoi(idxStr); err != nil {
		return "", false
	}
	remainder := strings.TrimPrefix(rest[end+1:], ".")
	if remainder == "" {
		return idxStr, true
	}
	return idxStr + "." + remainder, true
}

func partialResult(results []StepResult, start time.Time) *ChainResult {
	var total int64
	for _, r := range results {
		total += r.CostMicros
	}
	return &ChainResult{
		AllSteps:        results,
		TotalCostMicros: total,
		TotalDurationMs: time.Since(start).Milliseconds(),
	}
}

func (o *Orchestrator) callPlanner(ctx context.Context, task string) ([]byte, error) {
	catalog := o.catalogSummary()

	body := map[string]any{
		"model": o.plannerModel,
		"messages": []map[string]string{
			{"role": "system", "content": plannerSystemPrompt},
			{"role": "user", "content": fmt.Sprintf("Task: %s\n\nAvailable capabilities:\n%s", task, catalog)},
		},
		"response_format": map[string]string{"type": "json_object"},
	}

	req := o.planner.R().SetContext(ctx).SetHeader("Content-Type", "application/json").SetBody(body)
	if o.plannerKey != "" {
		req.SetHeader("Authorization", "Bearer "+o.plannerKey)
	}

	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	resp, err := req.SetResult(&chatResp).Post(o.plannerURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("planner returned status %d", resp.StatusCode())
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("planner returned no choices")
	}
	return []byte(chatResp.Choices[0].Message.Content), nil
}

const plannerSystemPrompt = `You are a task planner for a capability gateway. Given a task and a list of ` +
	`available capabilities, respond with strict JSON of the form ` +
	`{"steps":[{"capabilityId":"...","params":{...},"inputMapping":{"field":"steps[0].path"}}],"estimatedCost":0.00}. ` +
	`Use 1 to 5 steps. Only reference capability IDs from the provided list. Do not include any text outside the JSON object.`

func (o *Orchestrator) catalogSummary() string {
	var b strings.Builder
	for _, c := range o.reg.List() {
		fmt.Fprintf(&b, "- %s: %s (cost %s)\n", c.ID, c.Description, money.Display(c.CostMicros))
	}
	return b.String()
}
