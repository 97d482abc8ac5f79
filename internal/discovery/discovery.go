// Package discovery is the Discovery Engine of §4.6: queries an external
// marketplace for x402-payable services matching a task, normalizes results
// into capability-shaped records, applies SSRF protection, and activates
// discovered capabilities into the in-memory active map.
//
// Grounded on simpcl-go-agent-guide's ResourceGateway, which maps an
// external resource listing into an internal resource record the same way
// this engine maps a marketplace listing into a capability.Capability.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	cache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/gwerr"
	"github.com/agentpay/gateway/internal/money"
)

const (
	providerCeilingMicros = 250_000 // $0.25
	marketplaceTimeout    = 10 * time.Second
	maxSlugLen            = 40
	maxKeywords            = 10
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields("the a an is to of and for in on at by with from this that it i my me we our") {
		stopWords[w] = struct{}{}
	}
}

var (
	urlRe   = regexp.MustCompile(`https?://[^\s]+`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	wsRe    = regexp.MustCompile(`\s+`)
	tokenRe = regexp.MustCompile(`\w+`)
)

// listing mirrors one marketplace search result.
type listing struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Endpoint     string            `json:"endpoint"`
	Method       string            `json:"method"`
	CostMicros   int64             `json:"costMicros,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	MaxAmount    string            `json:"maxAmountRequired,omitempty"`
	PayTo        string            `json:"payTo"`
	Network      string            `json:"network"`
	Inputs       map[string]listingInput `json:"inputs"`
}

type listingInput struct {
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

type searchResponse struct {
	Results []listing `json:"results"`
}

// Engine is the Discovery Engine.
type Engine struct {
	client      *resty.Client
	searchCache *cache.Cache
	marketURL   string

	// active holds discovered capabilities, keyed by ID, insert-only for the
	// process lifetime (§5 item 5: "single activation per ID wins").
	active *ActiveMap

	// group collapses concurrent Search calls for the same term into one
	// marketplace round trip — agents frequently fan out identical tasks.
	group singleflight.Group
}

// New builds a discovery Engine against the given marketplace URL.
func New(marketURL string, cacheTTL time.Duration, active *ActiveMap) *Engine {
	return &Engine{
		client:      resty.New().SetTimeout(marketplaceTimeout),
		searchCache: cache.New(cacheTTL, cacheTTL/2),
		marketURL:   marketURL,
		active:      active,
	}
}

// SearchTerm derives the marketplace query string from a free-form task,
// stripping URLs, emails, and stop-words. Returns "" if nothing remains.
func SearchTerm(task string) string {
	s := urlRe.ReplaceAllString(task, " ")
	s = emailRe.ReplaceAllString(s, " ")
	words := strings.Fields(strings.ToLower(s))
	kept := words[:0]
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if w == "" {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		kept = append(kept, w)
	}
	return wsRe.ReplaceAllString(strings.Join(kept, " "), " ")
}

// Search queries the marketplace (through the cache) and returns candidates
// that pass the reachability/cost filter, already normalized into
// capability-shaped records but not yet activated.
func (e *Engine) Search(ctx context.Context, task string) ([]*capability.Capability, error) {
	term := SearchTerm(task)
	if term == "" {
		return nil, nil
	}

	if cached, ok := e.searchCache.Get(term); ok {
		return cached.([]*capability.Capability), nil
	}

	if e.marketURL == "" {
		return nil, nil
	}

	result, err, _ := e.group.Do(term, func() (any, error) {
		return e.queryAndNormalize(ctx, term)
	})
	if err != nil {
		return nil, err
	}
	out := result.([]*capability.Capability)
	e.searchCache.Set(term, out, cache.DefaultExpiration)
	return out, nil
}

func (e *Engine) queryAndNormalize(ctx context.Context, term string) ([]*capability.Capability, error) {
	var resp searchResponse
	r, err := e.client.R().SetContext(ctx).SetQueryParam("q", term).SetResult(&resp).Get(e.marketURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: marketplace query: %w", err)
	}
	if r.StatusCode() >= 300 {
		return nil, fmt.Errorf("discovery: marketplace returned status %d", r.StatusCode())
	}

	var out []*capability.Capability
	for _, l := range resp.Results {
		c, err := normalize(l)
		if err != nil {
			var blocked *ssrfBlockedError
			if errors.As(err, &blocked) {
				return nil, gwerr.BlockedEndpoint(blocked.reason)
			}
			continue // skip malformed/cost-ineligible candidates silently
		}
		out = append(out, c)
	}
	return out, nil
}

// Activate inserts a discovered capability into the active map so the
// dispatcher can find it by ID from this moment on.
func (e *Engine) Activate(c *capability.Capability) {
	e.active.store(c)
}

func normalize(l listing) (*capability.Capability, error) {
	if l.Endpoint == "" {
		return nil, fmt.Errorf("missing endpoint")
	}
	if err := checkSSRF(l.Endpoint); err != nil {
		return nil, err
	}

	providerMicros, err := listingCostMicros(l)
	if err != nil {
		return nil, err
	}
	if providerMicros > providerCeilingMicros {
		return nil, fmt.Errorf("provider cost exceeds ceiling")
	}

	gatewayMicros := gatewayCostMicros(providerMicros)

	method := strings.ToUpper(l.Method)
	if method != "GET" && method != "POST" {
		method = "POST"
	}

	inputs := make(map[string]capability.Input, len(l.Inputs))
	for name, in := range l.Inputs {
		typ := capability.InputType(in.Type)
		switch typ {
		case capability.TypeString, capability.TypeNumber, capability.TypeBoolean:
		default:
			typ = capability.TypeString
		}
		inputs[name] = capability.Input{Type: typ, Required: in.Required, Description: in.Description}
	}

	return &capability.Capability{
		ID:          capability.DiscoveredPrefix + slugify(l.Name),
		Name:        l.Name,
		Description: l.Description,
		CostMicros:  gatewayMicros,
		CostDisplay: money.Display(gatewayMicros),
		Keywords:    keywordsFromDescription(l.Description),
		Endpoint:    l.Endpoint,
		Method:      method,
		Inputs:      inputs,
		OutputType:  capability.OutputJSON,
		Tier:        capability.TierDiscovered,
		Provider: &capability.Provider{
			Name:       l.Name,
			PayoutAddr: l.PayTo,
		},
		SplitProvider: float64(providerMicros) / float64(gatewayMicros),
		SplitGateway:  float64(gatewayMicros-providerMicros) / float64(gatewayMicros),
	}, nil
}

func listingCostMicros(l listing) (int64, error) {
	if l.CostMicros > 0 {
		return l.CostMicros, nil
	}
	raw := l.Amount
	if raw == "" {
		raw = l.MaxAmount
	}
	if raw == "" {
		return 0, fmt.Errorf("missing cost")
	}
	return money.ParseRoundUp(raw)
}

// gatewayCostMicros implements §4.6's markup formula:
// max(2*providerCost, providerCost + $0.005), rounded up to the nearest $0.001.
func gatewayCostMicros(providerMicros int64) int64 {
	const fiveMilliUSD = 5_000
	doubled := providerMicros * 2
	plusFee := providerMicros + fiveMilliUSD
	gw := doubled
	if plusFee > gw {
		gw = plusFee
	}
	return money.RoundUpToMilli(gw)
}

func slugify(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteRune('-')
				lastHyphen = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxSlugLen {
		s = s[:maxSlugLen]
	}
	return s
}

func keywordsFromDescription(desc string) []string {
	tokens := tokenRe.FindAllString(strings.ToLower(desc), -1)
	var out []string
	seen := map[string]struct{}{}
	for _, t := range tokens {
		if len(t) < 4 {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) >= maxKeywords {
			break
		}
	}
	return out
}

// ssrfBlockedError marks a checkSSRF failure as a security block rather than
// an ordinary malformed-listing error, so Search can surface it to the
// caller as gwerr.BlockedEndpoint instead of silently dropping the listing.
type ssrfBlockedError struct{ reason string }

func (e *ssrfBlockedError) Error() string { return "ssrf: " + e.reason }

// checkSSRF rejects endpoints whose host resolves to a blocked range, per
// §4.6's SSRF protection list. Fails closed on any parse/resolution error.
func checkSSRF(endpoint string) error {
	host, err := hostOf(endpoint)
	if err != nil {
		return &ssrfBlockedError{reason: fmt.Sprintf("cannot parse endpoint: %s", err)}
	}
	if host == "metadata.google.internal" {
		return &ssrfBlockedError{reason: "blocked metadata host"}
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		return &ssrfBlockedError{reason: fmt.Sprintf("cannot resolve host: %s", err)}
	}
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			return &ssrfBlockedError{reason: "unparsable resolved address"}
		}
		addr = addr.Unmap()
		if blockedRange(addr) {
			return &ssrfBlockedError{reason: "blocked address range"}
		}
	}
	return nil
}

var blockedPrefixes = mustPrefixes(
	"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
	"127.0.0.0/8", "169.254.0.0/16", "100.64.0.0/10",
	"fc00::/7", "fe80::/10",
)

func blockedRange(addr netip.Addr) bool {
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		p := netip.MustParsePrefix(c)
		out = append(out, p)
	}
	return out
}

func hostOf(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("no host in endpoint")
	}
	return u.Hostname(), nil
}
