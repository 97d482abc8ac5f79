package paygate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-resty/resty/v2"
)

// FacilitatorClient verifies and settles payment proofs. The gateway ships
// two implementations: RemoteFacilitator (HTTP to an external x402
// facilitator) and LocalFacilitator (self-settling via EIP-3009), selected
// by config.
type FacilitatorClient interface {
	Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error)
	Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) error
}

// VerifyResult holds the outcome of a verify call.
type VerifyResult struct {
	Payer string
}

// RemoteFacilitator talks to an external x402 facilitator REST API.
type RemoteFacilitator struct {
	url    string
	client *resty.Client
}

// NewRemoteFacilitator creates a RemoteFacilitator calling facilitatorURL,
// using resty for consistency with the rest of the gateway's outbound HTTP
// (backend caller, discovery engine, chain planner).
func NewRemoteFacilitator(facilitatorURL string) *RemoteFacilitator {
	return &RemoteFacilitator{
		url:    facilitatorURL,
		client: resty.New().SetBaseURL(facilitatorURL).SetTimeout(facilitatorTimeout),
	}
}

func (f *RemoteFacilitator) Verify(ctx context.Context, payloadBytes, requirementsBytes []byte) (*VerifyResult, error) {
	body, err := buildFacilitatorBody(payloadBytes, requirementsBytes)
	if err != nil {
		return nil, err
	}

	var resp struct {
		IsValid        bool   `json:"isValid"`
		InvalidReason  string `json:"invalidReason"`
		InvalidMessage string `json:"invalidMessage"`
		Payer          string `json:"payer"`
	}
	r, err := f.client.R().SetContext(ctx).SetBody(body).SetResult(&resp).Post("/verify")
	if err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	if r.StatusCode() >= 300 {
		return nil, fmt.Errorf("facilitator verify: status %d", r.StatusCode())
	}
	if !resp.IsValid {
		reason := resp.InvalidReason
		if resp.InvalidMessage != "" {
			reason += ": " + resp.InvalidMessage
		}
		return nil, fmt.Errorf("payment invalid: %s", reason)
	}
	return &VerifyResult{Payer: resp.Payer}, nil
}

func (f *RemoteFacilitator) Settle(ctx context.Context, payloadBytes, requirementsBytes []byte) error {
	body, err := buildFacilitatorBody(payloadBytes, requirementsBytes)
	if err != nil {
		return err
	}

	var resp struct {
		Success      bool   `json:"success"`
		ErrorReason  string `json:"errorReason"`
		ErrorMessage string `json:"errorMessage"`
	}
	r, err := f.client.R().SetContext(ctx).SetBody(body).SetResult(&resp).Post("/settle")
	if err != nil {
		return fmt.Errorf("facilitator settle: %w", err)
	}
	if r.StatusCode() >= 300 {
		return fmt.Errorf("facilitator settle: status %d", r.StatusCode())
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if resp.ErrorMessage != "" {
			reason += ": " + resp.ErrorMessage
		}
		return fmt.Errorf("settlement failed: %s", reason)
	}
	return nil
}

func buildFacilitatorBody(payloadBytes, requirementsBytes []byte) (map[string]any, error) {
	var versionProbe struct {
		X402Version int `json:"x402Version"`
	}
	if err := json.Unmarshal(payloadBytes, &versionProbe); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	version := versionProbe.X402Version
	if version == 0 {
		version = 2
	}
	return map[string]any{
		"x402Version":         version,
		"paymentPayload":      json.RawMessage(payloadBytes),
		"paymentRequirements": json.RawMessage(requirementsBytes),
	}, nil
}
