package ingress

import (
	"encoding/json"
	"net/http"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/gwerr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if gwErr, ok := err.(*gwerr.Error); ok {
		writeJSON(w, gwErr.Status, map[string]any{
			"success":    false,
			"error":      gwErr.Code,
			"message":    gwErr.Message,
			"failedStep": nilIfZero(gwErr.FailedStep),
			"capability": nilIfEmpty(gwErr.Capability),
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"success": false,
		"error":   "internal_error",
		"message": err.Error(),
	})
}

func nilIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type inputSchema struct {
	Type       string                  `json:"type"`
	Required   bool                    `json:"required"`
	Default    any                     `json:"default,omitempty"`
	Description string                 `json:"description,omitempty"`
}

func renderInputs(inputs map[string]capability.Input) map[string]inputSchema {
	out := make(map[string]inputSchema, len(inputs))
	for name, in := range inputs {
		out[name] = inputSchema{
			Type:        string(in.Type),
			Required:    in.Required,
			Default:     in.Default,
			Description: in.Description,
		}
	}
	return out
}

type capabilitySummary struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Cost        string                 `json:"cost"`
	Source      string                 `json:"source"`
	Inputs      map[string]inputSchema `json:"inputs"`
	OutputType  string                 `json:"outputType"`
}

func renderCapability(c *capability.Capability) capabilitySummary {
	return capabilitySummary{
		ID:          c.ID,
		Name:        c.Name,
		Description: c.Description,
		Cost:        c.CostDisplay,
		Source:      c.Tier.String(),
		Inputs:      renderInputs(c.Inputs),
		OutputType:  string(c.OutputType),
	}
}
