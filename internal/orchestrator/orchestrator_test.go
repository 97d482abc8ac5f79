package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentpay/gateway/internal/capability"
)

func TestToGjsonPath_FieldOnly(t *testing.T) {
	path, ok := toGjsonPath("steps[0].url")
	assert.True(t, ok)
	assert.Equal(t, "0.url", path)
}

func TestToGjsonPath_NestedSubfield(t *testing.T) {
	path, ok := toGjsonPath("steps[1].result.text")
	assert.True(t, ok)
	assert.Equal(t, "1.result.text", path)
}

func TestToGjsonPath_IndexOnly(t *testing.T) {
	path, ok := toGjsonPath("steps[2]")
	assert.True(t, ok)
	assert.Equal(t, "2", path)
}

func TestToGjsonPath_RejectsMalformedPrefix(t *testing.T) {
	_, ok := toGjsonPath("step[0].url")
	assert.False(t, ok)
}

func TestToGjsonPath_RejectsNonNumericIndex(t *testing.T) {
	_, ok := toGjsonPath("steps[x].url")
	assert.False(t, ok)
}

func TestToGjsonPath_RejectsMissingCloseBracket(t *testing.T) {
	_, ok := toGjsonPath("steps[0.url")
	assert.False(t, ok)
}

func TestResolveParams_LiteralAndDefaultAndMapping(t *testing.T) {
	c := &capability.Capability{
		Inputs: map[string]capability.Input{
			"format": {Default: "png"},
		},
	}
	step := PlanStep{
		Params:       map[string]any{"width": 800},
		InputMapping: map[string]string{"url": "steps[0].result.url"},
	}
	prior := []any{map[string]any{"result": map[string]any{"url": "https://cdn.example.com/a.png"}}}

	out := resolveParams(c, step, prior)
	assert.Equal(t, "png", out["format"])
	assert.Equal(t, 800, out["width"])
	assert.Equal(t, "https://cdn.example.com/a.png", out["url"])
}

func TestResolveParams_UnresolvablePathLeavesLiteralUntouched(t *testing.T) {
	c := &capability.Capability{}
	step := PlanStep{
		Params:       map[string]any{"url": "https://fallback.example.com"},
		InputMapping: map[string]string{"url": "steps[5].missing"},
	}
	prior := []any{map[string]any{"result": "only one step ran"}}

	out := resolveParams(c, step, prior)
	assert.Equal(t, "https://fallback.example.com", out["url"])
}

func TestResolveParams_NoPriorResultsSkipsMapping(t *testing.T) {
	c := &capability.Capability{}
	step := PlanStep{InputMapping: map[string]string{"url": "steps[0].url"}}
	out := resolveParams(c, step, nil)
	_, present := out["url"]
	assert.False(t, present)
}
