// Package backend is the Backend Caller of §4.7: uniform forwarding of
// params to a chosen capability's endpoint, with response normalization by
// content-type class. Uses resty for its HTTP client, grounded on
// bugielektrik-library's go-resty/resty/v2 usage — a better fit for a
// fan-out caller than a single-target reverse proxy.
package backend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agentpay/gateway/internal/capability"
	"github.com/agentpay/gateway/internal/gwerr"
)

const attemptTimeout = 60 * time.Second

// BypassHeader is the header the gateway sets on native/partner backend
// calls so the backend's own payment gate does not double-charge.
const BypassHeader = "X-Gateway-Bypass"

// Response is the normalized result of a backend call.
type Response struct {
	ContentType string // "json" | "image" | "pdf" | "text"
	JSON        any    `json:"json,omitempty"`
	Base64Data  string `json:"base64,omitempty"`
	Text        string `json:"text,omitempty"`
	SizeBytes   int    `json:"sizeBytes,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Caller invokes capability backends uniformly.
type Caller struct {
	client       *resty.Client
	bypassSecret string
}

// New builds a Caller. bypassSecret is sent as BypassHeader on native/partner
// calls only — discovered backends never receive it.
func New(bypassSecret string) *Caller {
	return &Caller{
		client:       resty.New(),
		bypassSecret: bypassSecret,
	}
}

// Call performs one attempt against c's endpoint with the given params.
// Returns the HTTP status observed (0 on transport error) so the
// reliability layer can apply its retry/circuit policy uniformly.
func (c *Caller) Call(ctx context.Context, capb *capability.Capability, params map[string]any) (Response, int, error) {
	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req := c.client.R().SetContext(ctx)
	if capb.RequiresBypass() && c.bypassSecret != "" {
		req.SetHeader(BypassHeader, c.bypassSecret)
	}

	var resp *resty.Response
	var err error

	switch capb.Method {
	case "GET":
		q := map[string]string{}
		for k, v := range params {
			if v == nil {
				continue
			}
			q[k] = fmt.Sprintf("%v", v)
		}
		resp, err = req.SetQueryParams(q).Get(capb.Endpoint)
	default: // POST
		resp, err = req.SetHeader("Content-Type", "application/json").SetBody(params).Post(capb.Endpoint)
	}

	if err != nil {
		return Response{}, 0, err
	}

	status := resp.StatusCode()
	if status == 402 {
		return Response{}, status, gwerr.BackendPaymentRequired()
	}
	if status >= 300 {
		return Response{}, status, gwerr.BackendError(status, fmt.Sprintf("backend returned %d", status))
	}

	normalized := classify(capb.OutputType, resp)
	return normalized, status, nil
}

func classify(outputType capability.OutputType, resp *resty.Response) Response {
	ct := resp.Header().Get("Content-Type")
	body := resp.Body()

	switch outputType {
	case capability.OutputImage, capability.OutputPDF:
		return Response{
			ContentType: string(outputType),
			Base64Data:  base64.StdEncoding.EncodeToString(body),
			SizeBytes:   len(body),
			MimeType:    ct,
		}
	case capability.OutputJSON:
		return Response{
			ContentType: "json",
			JSON:        parseJSONLoose(body),
		}
	default:
		return Response{
			ContentType: "text",
			Text:        string(body),
		}
	}
}

func parseJSONLoose(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}
