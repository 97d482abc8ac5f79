// Package dispatcher is the Dispatcher of §4.5: resolves a task to a
// capability (explicit ID, keyword match, or discovery fallback), extracts
// parameters from free text, and enforces the caller's stated budget.
//
// The match index is grounded on itsneelabh-gomind's AgentCatalog
// (other_examples' catalog.go.go): built once and rebuilt wholesale with an
// atomic pointer swap rather than mutated in place, so readers never observe
// a half-built index. It is a flat list of capabilities that keyword scoring
// scans one by one, not a per-keyword map.
package dispatcher

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/discovery"
	"github.com/agentpay/gateway/internal/gwerr"
	"github.com/agentpay/gateway/internal/money"
	"github.com/agentpay/gateway/internal/registry"
)

var (
	urlRe    = regexp.MustCompile(`https?://[^\s]+`)
	emailRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	domainRe = regexp.MustCompile(`\b[a-zA-Z0-9][a-zA-Z0-9\-]*\.(com|org|net|io|ai|dev|co|app|xyz|me|info|tech|gg|tv)\b`)
	dimRe    = regexp.MustCompile(`(\d+)\s*[x×]\s*(\d+)`)
	pxRe     = regexp.MustCompile(`(\d+)\s*px\b`)
	fullPageRe = regexp.MustCompile(`(?i)full page`)
	formatRe = regexp.MustCompile(`(?i)\b(png|jpeg|jpg|webp|pdf)\b`)
)

var sequencingPhrases = []string{"then", "and then", "after that", "next", "pipe", "chain"}
var convertRe = regexp.MustCompile(`(?i)\bconvert\b.+\bto\b`)

var actionVerbs = []string{
	"scrape", "screenshot", "extract", "convert", "generate", "search",
	"resize", "parse", "shorten", "validate", "lookup", "upload", "format",
}

// Request is the dispatcher's input, shared by the single-call and
// orchestrator-planned call sites.
type Request struct {
	Task       string
	Capability string
	Params     map[string]any
	Budget     string // decimal price string, e.g. "$0.05"
}

// Resolution is the outcome of matching + extraction, ready for payment
// quoting and the backend call.
type Resolution struct {
	Capability    *capability.Capability
	Params        map[string]any
	MultiStepHint bool
}

// Dispatcher resolves tasks to capabilities and extracts their parameters.
type Dispatcher struct {
	reg       *registry.Registry
	active    *discovery.ActiveMap
	discovery *discovery.Engine

	// index is an atomic pointer to the list of registry and active
	// discovered capabilities, rebuilt wholesale (never mutated in place)
	// whenever a discovered capability is activated.
	index atomic.Pointer[searchIndex]
}

type searchIndex struct {
	all []*capability.Capability
}

// New builds a Dispatcher and performs the initial index build from the
// registry's native/partner capabilities.
func New(reg *registry.Registry, active *discovery.ActiveMap, disco *discovery.Engine) *Dispatcher {
	d := &Dispatcher{reg: reg, active: active, discovery: disco}
	d.rebuildIndex()
	return d
}

func (d *Dispatcher) rebuildIndex() {
	all := append([]*capability.Capability{}, d.reg.List()...)
	all = append(all, d.active.List()...)
	d.index.Store(&searchIndex{all: all})
}

// Dispatch resolves req to a capability and its extracted/validated params.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Resolution, error) {
	resolved, err := d.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	params := req.Params
	if len(params) == 0 {
		params = extractParams(resolved, req.Task)
	}
	params = applyDefaults(resolved, params)

	if missing := missingRequired(resolved, params); len(missing) > 0 {
		return nil, gwerr.MissingParams(missing)
	}

	if req.Budget != "" {
		budgetMicros, err := money.ParseRoundDown(req.Budget)
		if err != nil {
			return nil, gwerr.OverBudget()
		}
		if resolved.CostMicros > budgetMicros {
			return nil, gwerr.OverBudget()
		}
	}

	return &Resolution{
		Capability:    resolved,
		Params:        params,
		MultiStepHint: looksLikeChain(req.Task),
	}, nil
}

func (d *Dispatcher) resolve(ctx context.Context, req Request) (*capability.Capability, error) {
	if req.Capability != "" {
		if c, ok := d.reg.ByID(req.Capability); ok {
			return c, nil
		}
		if c, ok := d.active.ByID(req.Capability); ok {
			return c, nil
		}
		return nil, gwerr.UnknownCapability(req.Capability)
	}

	if req.Task == "" {
		return nil, gwerr.MissingTask()
	}

	lowerTask := strings.ToLower(req.Task)
	idx := d.index.Load()

	var best *capability.Capability
	bestScore := 0
	for _, c := range idx.all {
		score := c.MatchScore(lowerTask)
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	if best != nil {
		return best, nil
	}

	candidates, err := d.discovery.Search(ctx, req.Task)
	if err != nil || len(candidates) == 0 {
		return nil, gwerr.NoMatchingCapability()
	}
	top := candidates[0]
	d.discovery.Activate(top)
	d.rebuildIndex()
	return top, nil
}

// extractParams implements §4.5's free-text extraction table, applied only
// when the caller supplied no explicit params.
func extractParams(c *capability.Capability, task string) map[string]any {
	out := map[string]any{}
	if task == "" {
		return out
	}

	if m := urlRe.FindString(task); m != "" {
		if name, ok := c.InputNamesOrDescriptionMatch("url", "url"); ok {
			out[name] = m
		} else if name, ok := c.InputNamesOrDescriptionMatch("data", "data"); ok {
			out[name] = m
		}
	}

	if m := emailRe.FindString(task); m != "" {
		if name, ok := c.InputNamesOrDescriptionMatch("email", "email"); ok {
			out[name] = m
		}
	}

	if m := domainRe.FindString(task); m != "" {
		if name, ok := c.InputNamesOrDescriptionMatch("domain", "domain"); ok {
			out[name] = m
		}
		if _, hasURL := out["url"]; !hasURL {
			if name, ok := c.InputNamesOrDescriptionMatch("url", "url"); ok {
				if _, already := out[name]; !already {
					out[name] = "https://" + m
				}
			}
		}
	}

	if m := dimRe.FindStringSubmatch(task); m != nil {
		if name, ok := c.InputNamesOrDescriptionMatch("width", "width"); ok {
			if n, err := strconv.Atoi(m[1]); err == nil {
				out[name] = n
			}
		}
		if name, ok := c.InputNamesOrDescriptionMatch("height", "height"); ok {
			if n, err := strconv.Atoi(m[2]); err == nil {
				out[name] = n
			}
		}
	}

	if m := pxRe.FindStringSubmatch(task); m != nil {
		if name, ok := c.InputNamesOrDescriptionMatch("size", "size"); ok {
			if n, err := strconv.Atoi(m[1]); err == nil {
				out[name] = n
			}
		}
	}

	if fullPageRe.MatchString(task) {
		if name, ok := c.InputNamesOrDescriptionMatch("fullPage", "full page"); ok {
			out[name] = true
		}
	}

	if m := formatRe.FindString(task); m != "" {
		if name, ok := c.InputNamesOrDescriptionMatch("format", "format"); ok {
			out[name] = strings.ToLower(m)
		}
	}

	return out
}

func applyDefaults(c *capability.Capability, params map[string]any) map[string]any {
	out := make(map[string]any, len(c.Inputs))
	for name, in := range c.Inputs {
		if in.Default != nil {
			out[name] = in.Default
		}
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}

func missingRequired(c *capability.Capability, params map[string]any) []string {
	var missing []string
	for name, in := range c.Inputs {
		if !in.Required {
			continue
		}
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// looksLikeChain applies §4.5's multi-step heuristic: sequencing phrases, a
// "convert X to Y" form, or at least two distinct action verbs.
func looksLikeChain(task string) bool {
	lower := strings.ToLower(task)
	for _, phrase := range sequencingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	if convertRe.MatchString(task) {
		return true
	}

	verbCount := 0
	for _, v := range actionVerbs {
		if strings.Contains(lower, v) {
			verbCount++
			if verbCount >= 2 {
				return true
			}
		}
	}
	return false
}
