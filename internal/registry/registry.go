// Package registry is the read-only startup-loaded catalog of native and
// partner capabilities. Grounded on the resource-loading shape of
// simpcl-go-agent-guide's ResourceGateway (load once, mutex-guarded reload,
// reject malformed entries eagerly).
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/money"
)

// rawEntry mirrors the on-disk JSON shape of registry.json.
type rawEntry struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Cost        string `json:"cost"`
	Keywords    []string `json:"keywords"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	OutputType  string `json:"outputType"`
	Tier        string `json:"tier"` // "native" | "partner"
	Inputs      map[string]struct {
		Type        string `json:"type"`
		Required    bool   `json:"required"`
		Default     any    `json:"default,omitempty"`
		Description string `json:"description,omitempty"`
	} `json:"inputs"`
	Provider *struct {
		Name       string `json:"name"`
		PayoutAddr string `json:"payoutAddress"`
		ContactURL string `json:"contactUrl,omitempty"`
	} `json:"provider,omitempty"`
	SplitProvider float64 `json:"splitProvider,omitempty"`
	SplitGateway  float64 `json:"splitGateway,omitempty"`
}

// Registry is the immutable (post-load) store of native/partner capabilities.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*capability.Capability
	order []string
	path  string
}

// Load reads and validates path, returning a ready Registry. A parse or
// validation failure is returned to the caller, who must treat it as fatal
// at startup per §4.1.
func Load(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads the registry file from disk. Not on any hot request path;
// cmd/gateway never calls it, so a running gateway keeps the catalog it
// loaded at startup.
func (r *Registry) Reload() error {
	return r.reload()
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: reading %s: %w", r.path, err)
	}

	var raws []rawEntry
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("registry: parsing %s: %w", r.path, err)
	}

	byID := make(map[string]*capability.Capability, len(raws))
	order := make([]string, 0, len(raws))

	for _, raw := range raws {
		c, err := validate(raw)
		if err != nil {
			return fmt.Errorf("registry: entry %q: %w", raw.ID, err)
		}
		if _, dup := byID[c.ID]; dup {
			return fmt.Errorf("registry: duplicate capability id %q", c.ID)
		}
		byID[c.ID] = c
		order = append(order, c.ID)
	}

	r.mu.Lock()
	r.byID = byID
	r.order = order
	r.mu.Unlock()
	return nil
}

func validate(raw rawEntry) (*capability.Capability, error) {
	if raw.ID == "" {
		return nil, fmt.Errorf("missing id")
	}
	if strings.HasPrefix(raw.ID, capability.DiscoveredPrefix) {
		return nil, fmt.Errorf("id %q uses the reserved discovered: prefix", raw.ID)
	}
	if raw.Endpoint == "" {
		return nil, fmt.Errorf("missing endpoint")
	}
	method := strings.ToUpper(raw.Method)
	if method != "GET" && method != "POST" {
		return nil, fmt.Errorf("unknown method %q", raw.Method)
	}
	micros, err := money.ParseRoundUp(raw.Cost)
	if err != nil {
		return nil, fmt.Errorf("invalid cost: %w", err)
	}
	if micros < 0 {
		return nil, fmt.Errorf("negative cost")
	}

	var tier capability.Tier
	switch raw.Tier {
	case "", "native":
		tier = capability.TierNative
	case "partner":
		tier = capability.TierPartner
	default:
		return nil, fmt.Errorf("unknown tier %q", raw.Tier)
	}

	var provider *capability.Provider
	if tier == capability.TierPartner {
		if raw.Provider == nil {
			return nil, fmt.Errorf("partner capability missing provider record")
		}
		sum := raw.SplitProvider + raw.SplitGateway
		if sum < 0.999 || sum > 1.001 {
			return nil, fmt.Errorf("revenue split must sum to 1.0, got %f", sum)
		}
		provider = &capability.Provider{
			Name:       raw.Provider.Name,
			PayoutAddr: raw.Provider.PayoutAddr,
			ContactURL: raw.Provider.ContactURL,
		}
	}

	outputType := capability.OutputType(raw.OutputType)
	switch outputType {
	case capability.OutputJSON, capability.OutputImage, capability.OutputPDF, capability.OutputText:
	default:
		return nil, fmt.Errorf("unknown outputType %q", raw.OutputType)
	}

	inputs := make(map[string]capability.Input, len(raw.Inputs))
	for name, in := range raw.Inputs {
		typ := capability.InputType(in.Type)
		switch typ {
		case capability.TypeString, capability.TypeNumber, capability.TypeBoolean:
		default:
			return nil, fmt.Errorf("input %q has unknown type %q", name, in.Type)
		}
		inputs[name] = capability.Input{
			Type:        typ,
			Required:    in.Required,
			Default:     in.Default,
			Description: in.Description,
		}
	}

	keywords := make([]string, 0, len(raw.Keywords))
	for _, k := range raw.Keywords {
		keywords = append(keywords, strings.ToLower(k))
	}

	return &capability.Capability{
		ID:            raw.ID,
		Name:          raw.Name,
		Description:   raw.Description,
		CostMicros:    micros,
		CostDisplay:   raw.Cost,
		Keywords:      keywords,
		Endpoint:      raw.Endpoint,
		Method:        method,
		Inputs:        inputs,
		OutputType:    outputType,
		Tier:          tier,
		Provider:      provider,
		SplitProvider: raw.SplitProvider,
		SplitGateway:  raw.SplitGateway,
	}, nil
}

// List returns all native/partner capabilities in load order.
func (r *Registry) List() []*capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*capability.Capability, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// ByID looks up a native/partner capability. The bool is false if not found.
func (r *Registry) ByID(id string) (*capability.Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}
