// Package gwerr carries the gateway's machine-readable error codes as a
// typed error so handlers can switch on Code/Status instead of matching
// strings.
package gwerr

import "net/http"

// Error is a gateway-level error with a stable machine code and the HTTP
// status it should be surfaced as.
type Error struct {
	Code    string
	Status  int
	Message string
	// FailedStep is set for step_failed/step_timeout.
	FailedStep int
	// Capability names the capability involved, when relevant.
	Capability string
}

func (e *Error) Error() string { return e.Message }

func new(code string, status int, msg string) *Error {
	return &Error{Code: code, Status: status, Message: msg}
}

func MissingTask() *Error {
	return new("missing_task", http.StatusBadRequest, "request must include task or capability")
}

func MissingParams(names []string) *Error {
	e := new("missing_params", http.StatusBadRequest, "missing required parameters")
	e.Message = "missing required parameters: " + joinCSV(names)
	return e
}

func UnknownCapability(id string) *Error {
	e := new("unknown_capability", http.StatusBadRequest, "unknown capability: "+id)
	e.Capability = id
	return e
}

func NoMatchingCapability() *Error {
	return new("no_matching_capability", http.StatusBadRequest, "no capability matches the given task")
}

func OverBudget() *Error {
	return new("over_budget", http.StatusBadRequest, "capability cost exceeds stated budget")
}

func PaymentRequired() *Error {
	return new("payment_required", http.StatusPaymentRequired, "payment required")
}

func InvalidPayment(reason string) *Error {
	return new("invalid_payment", http.StatusPaymentRequired, "invalid payment: "+reason)
}

func PaymentReplay() *Error {
	return new("payment_replay", http.StatusPaymentRequired, "payment already used")
}

func VerificationUnavailable() *Error {
	return new("verification_unavailable", http.StatusInternalServerError, "verification service unavailable")
}

func BackendError(status int, msg string) *Error {
	return new("backend_error", status, msg)
}

func BackendPaymentRequired() *Error {
	return new("backend_payment_required", http.StatusBadGateway, "backend requires payment (bypass not honored)")
}

func BackendUnavailable(status int) *Error {
	return new("backend_unavailable", status, "backend unavailable")
}

func CircuitOpen(capID string) *Error {
	e := new("circuit_open", http.StatusServiceUnavailable, "capability "+capID+" temporarily unavailable")
	e.Capability = capID
	return e
}

func RateLimited() *Error {
	return new("rate_limited", http.StatusTooManyRequests, "rate limit exceeded")
}

func OrchestrationFailed(msg string) *Error {
	return new("orchestration_failed", http.StatusBadRequest, msg)
}

func StepFailed(step int, capID, msg string) *Error {
	e := new("step_failed", http.StatusBadGateway, msg)
	e.FailedStep = step
	e.Capability = capID
	return e
}

func StepTimeout(step int, capID string) *Error {
	e := new("step_timeout", http.StatusGatewayTimeout, "step timed out")
	e.FailedStep = step
	e.Capability = capID
	return e
}

func TotalTimeout() *Error {
	return new("total_timeout", http.StatusGatewayTimeout, "chain exceeded total timeout")
}

func BlockedEndpoint(reason string) *Error {
	return new("blocked_endpoint", http.StatusBadRequest, "endpoint blocked: "+reason)
}

func joinCSV(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
