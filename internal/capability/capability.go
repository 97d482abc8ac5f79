// Package capability defines the one polymorphic abstraction shared by the
// registry, dispatcher, reliability layer, discovery engine, and backend
// caller: a Capability value tagged by source Tier. Native, partner, and
// discovered capabilities differ only in how they come to exist — they are
// all routed, retried, and billed the same way once constructed.
package capability

import "strings"

// Tier distinguishes how a Capability entered the catalog.
type Tier int

const (
	TierNative Tier = iota
	TierPartner
	TierDiscovered
)

func (t Tier) String() string {
	switch t {
	case TierNative:
		return "native"
	case TierPartner:
		return "partner"
	case TierDiscovered:
		return "discovered"
	default:
		return "unknown"
	}
}

// DiscoveredPrefix is prepended to every discovered capability's ID so it
// can never collide with a native or partner ID.
const DiscoveredPrefix = "discovered:"

// InputType enumerates the semantic types a schema field can carry.
type InputType string

const (
	TypeString  InputType = "string"
	TypeNumber  InputType = "number"
	TypeBoolean InputType = "boolean"
)

// Input describes one parameter of a capability's schema.
type Input struct {
	Type        InputType `json:"type"`
	Required    bool      `json:"required"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// OutputType classifies how the backend caller should decode a response.
type OutputType string

const (
	OutputJSON  OutputType = "json"
	OutputImage OutputType = "image"
	OutputPDF   OutputType = "pdf"
	OutputText  OutputType = "text"
)

// Provider describes the partner or discovered operator of a capability.
type Provider struct {
	Name       string `json:"name"`
	PayoutAddr string `json:"payoutAddress"`
	ContactURL string `json:"contactUrl,omitempty"`
}

// Capability is a single routable backend operation.
type Capability struct {
	ID          string
	Name        string
	Description string

	CostMicros  int64
	CostDisplay string

	Keywords []string

	Endpoint string
	Method   string // "GET" or "POST"

	Inputs     map[string]Input
	OutputType OutputType

	Tier     Tier
	Provider *Provider

	// SplitProvider + SplitGateway must sum to 1.0 for partner/discovered tiers.
	SplitProvider float64
	SplitGateway  float64
}

// RequiresBypass reports whether the gateway should attach its own
// backend-bypass credential header when calling this capability's endpoint.
// Discovered capabilities never receive it (§4.7 "no-bypass rule").
func (c *Capability) RequiresBypass() bool {
	return c.Tier != TierDiscovered
}

// MatchScore scores how well a lowercased free-text task matches this
// capability, per the dispatcher's keyword algorithm: the sum of
// keyword-length bonuses for every keyword substring-present in the task,
// +10 if the name appears, +15 if the ID appears.
func (c *Capability) MatchScore(lowerTask string) int {
	score := 0
	for _, kw := range c.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerTask, kw) {
			score += len(kw)
		}
	}
	if c.Name != "" && strings.Contains(lowerTask, strings.ToLower(c.Name)) {
		score += 10
	}
	if strings.Contains(lowerTask, strings.ToLower(c.ID)) {
		score += 15
	}
	return score
}

// InputNamesOrDescriptionMatch returns the first input name whose name
// equals want, or whose description mentions descContains (case
// insensitive). Used by the dispatcher's parameter-extraction table.
func (c *Capability) InputNamesOrDescriptionMatch(want, descContains string) (string, bool) {
	if _, ok := c.Inputs[want]; ok {
		return want, true
	}
	lowerWant := strings.ToLower(descContains)
	for name, in := range c.Inputs {
		if strings.Contains(strings.ToLower(in.Description), lowerWant) {
			return name, true
		}
	}
	return "", false
}
