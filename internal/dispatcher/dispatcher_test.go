package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/discovery"
	"github.com/agentpay/gateway/internal/registry"
)

func loadTestRegistry(t *testing.T, entries []map[string]any) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	data, err := json.Marshal(entries)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	reg, err := registry.Load(path)
	require.NoError(t, err)
	return reg
}

func screenshotEntry() map[string]any {
	return map[string]any{
		"id":          "screenshot",
		"name":        "Screenshot",
		"description": "Takes a screenshot of a URL",
		"cost":        "$0.01",
		"keywords":    []string{"screenshot", "capture"},
		"endpoint":    "https://backend.internal/screenshot",
		"method":      "POST",
		"outputType":  "image",
		"inputs": map[string]any{
			"url":      map[string]any{"type": "string", "required": true, "description": "page url"},
			"fullPage": map[string]any{"type": "boolean", "required": false},
			"format":   map[string]any{"type": "string", "required": false, "default": "png"},
		},
	}
}

func newTestDispatcher(t *testing.T, entries []map[string]any) *Dispatcher {
	t.Helper()
	reg := loadTestRegistry(t, entries)
	active := discovery.NewActiveMap()
	disco := discovery.New("", time.Minute, active)
	return New(reg, active, disco)
}

func TestDispatch_ExplicitCapabilityID(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	res, err := d.Dispatch(context.Background(), Request{
		Capability: "screenshot",
		Params:     map[string]any{"url": "https://example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "screenshot", res.Capability.ID)
}

func TestDispatch_UnknownExplicitCapability(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	_, err := d.Dispatch(context.Background(), Request{Capability: "does-not-exist"})
	assert.Error(t, err)
}

func TestDispatch_KeywordMatchResolvesFromTask(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	res, err := d.Dispatch(context.Background(), Request{
		Task: "take a screenshot of https://example.com full page as jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, "screenshot", res.Capability.ID)
	assert.Equal(t, "https://example.com", res.Params["url"])
	assert.Equal(t, true, res.Params["fullPage"])
}

func TestDispatch_AppliesDefaultWhenNotExtracted(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	res, err := d.Dispatch(context.Background(), Request{
		Task: "screenshot https://example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "png", res.Params["format"])
}

func TestDispatch_MissingRequiredParamErrors(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	_, err := d.Dispatch(context.Background(), Request{Capability: "screenshot"})
	assert.Error(t, err)
}

func TestDispatch_OverBudgetRejected(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	_, err := d.Dispatch(context.Background(), Request{
		Capability: "screenshot",
		Params:     map[string]any{"url": "https://example.com"},
		Budget:     "$0.001",
	})
	assert.Error(t, err)
}

func TestDispatch_WithinBudgetAccepted(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	res, err := d.Dispatch(context.Background(), Request{
		Capability: "screenshot",
		Params:     map[string]any{"url": "https://example.com"},
		Budget:     "$1.00",
	})
	require.NoError(t, err)
	assert.NotNil(t, res)
}

func TestDispatch_NoMatchAndNoDiscoveryErrors(t *testing.T) {
	d := newTestDispatcher(t, []map[string]any{screenshotEntry()})
	_, err := d.Dispatch(context.Background(), Request{Task: "compose a symphony"})
	assert.Error(t, err)
}

func TestExtractParams_URLEmailDomainAndFormat(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"url":    {Type: capability.TypeString, Description: "page url"},
			"email":  {Type: capability.TypeString, Description: "contact email"},
			"format": {Type: capability.TypeString, Description: "output format"},
		},
	}
	params := extractParams(c, "scrape https://example.com and email me at a@b.com as pdf")
	assert.Equal(t, "https://example.com", params["url"])
	assert.Equal(t, "a@b.com", params["email"])
	assert.Equal(t, "pdf", params["format"])
}

func TestExtractParams_DomainBackfillsURL(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"url": {Type: capability.TypeString, Description: "target url"},
		},
	}
	params := extractParams(c, "check example.com for uptime")
	assert.Equal(t, "https://example.com", params["url"])
}

func TestExtractParams_Dimensions(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"width":  {Type: capability.TypeNumber, Description: "width"},
			"height": {Type: capability.TypeNumber, Description: "height"},
		},
	}
	params := extractParams(c, "resize to 800x600")
	assert.Equal(t, 800, params["width"])
	assert.Equal(t, 600, params["height"])
}

func TestLooksLikeChain_SequencingPhrase(t *testing.T) {
	assert.True(t, looksLikeChain("scrape this page then summarize it"))
}

func TestLooksLikeChain_ConvertXToY(t *testing.T) {
	assert.True(t, looksLikeChain("convert this image to pdf"))
}

func TestLooksLikeChain_TwoActionVerbs(t *testing.T) {
	assert.True(t, looksLikeChain("scrape and validate this page"))
}

func TestLooksLikeChain_SingleActionIsNotAChain(t *testing.T) {
	assert.False(t, looksLikeChain("screenshot this page"))
}

func TestMissingRequired_ReportsEachUnsatisfiedInput(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"url":    {Required: true},
			"format": {Required: false},
		},
	}
	missing := missingRequired(c, map[string]any{})
	assert.Equal(t, []string{"url"}, missing)
}

func TestApplyDefaults_ExplicitParamsWinOverDefaults(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"format": {Default: "png"},
		},
	}
	out := applyDefaults(c, map[string]any{"format": "webp"})
	assert.Equal(t, "webp", out["format"])
}
