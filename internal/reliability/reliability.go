// Package reliability wraps backend calls with the retry schedule and
// circuit breaker described in §4.4: per-capability state, a fixed delay
// sequence, and rolling-window trip/half-open logic.
package reliability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RetryDelays is the fixed attempt schedule: first attempt immediate, then
// backing off. 4xx responses are never retried (checked by the caller via
// Retryable).
var RetryDelays = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 4500 * time.Millisecond}

const (
	rollingWindow      = 5 * time.Minute
	minVolume          = 5
	failureThreshold   = 0.5
	halfOpenAfter      = 30 * time.Second
	perAttemptTimeout  = 60 * time.Second
)

// circuitState enumerates the breaker state machine.
type circuitState int

const (
	closed circuitState = iota
	open
	halfOpen
)

// outcome is one recorded call result inside the rolling window.
type outcome struct {
	at      time.Time
	success bool
}

// Breaker is one capability's circuit breaker plus call counters.
type Breaker struct {
	mu        sync.Mutex
	state     circuitState
	openedAt  time.Time
	history   []outcome
	probeBusy bool

	successes int64
	failures  int64
	totalCalls int64
	totalLatency time.Duration
}

// Registry holds one Breaker per capability ID, created on first use.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker

	callsTotal   *prometheus.CounterVec
	latencySecs  *prometheus.HistogramVec
}

// NewRegistry creates a Breaker registry and registers its Prometheus
// metrics with reg (pass prometheus.DefaultRegisterer for the global one).
func NewRegistry(reg prometheus.Registerer) *Registry {
	callsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_calls_total",
		Help: "Total backend calls attempted, by capability and outcome.",
	}, []string{"capability", "outcome"})
	latencySecs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_backend_call_duration_seconds",
		Help:    "Backend call latency in seconds, by capability.",
		Buckets: prometheus.DefBuckets,
	}, []string{"capability"})
	if reg != nil {
		reg.MustRegister(callsTotal, latencySecs)
	}
	return &Registry{
		breakers:    make(map[string]*Breaker),
		callsTotal:  callsTotal,
		latencySecs: latencySecs,
	}
}

func (r *Registry) breaker(capID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[capID]
	if !ok {
		b = &Breaker{}
		r.breakers[capID] = b
	}
	return b
}

// Status is the read-only snapshot exposed via GET /status.
type Status struct {
	Capability string  `json:"capability"`
	State      string  `json:"state"`
	Successes  int64   `json:"successes"`
	Failures   int64   `json:"failures"`
	TotalCalls int64   `json:"totalCalls"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// Snapshot returns the current status of every capability with recorded activity.
func (r *Registry) Snapshot() []Status {
	r.mu.Lock()
	ids := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for id, b := range r.breakers {
		ids = append(ids, id)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(ids))
	for i, id := range ids {
		b := breakers[i]
		b.mu.Lock()
		avg := 0.0
		if b.totalCalls > 0 {
			avg = float64(b.totalLatency.Milliseconds()) / float64(b.totalCalls)
		}
		out = append(out, Status{
			Capability:   id,
			State:        b.stateLocked().String(),
			Successes:    b.successes,
			Failures:     b.failures,
			TotalCalls:   b.totalCalls,
			AvgLatencyMs: avg,
		})
		b.mu.Unlock()
	}
	return out
}

func (s circuitState) String() string {
	switch s {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Retryable reports whether err/status should trigger a retry: a transport
// error, or an HTTP status >= 500. A recognized 4xx/402 backend response is
// never retried, even though the caller (backend.Call) surfaces it as a
// non-nil gwerr alongside its status — the status, not the mere presence of
// an error, governs retryability here.
func Retryable(err error, status int) bool {
	if status >= 400 && status < 500 {
		return false
	}
	if err != nil {
		return true
	}
	return status >= 500
}

// Call executes fn (a single backend attempt) under capID's circuit breaker
// and retry policy. fn must return the HTTP status it observed (0 if a
// transport error occurred, in which case err is non-nil). Call returns the
// final result along with the number of retries performed. If the breaker
// is open, fn is never invoked and building the circuit_open error
// (gwerr.CircuitOpen) is left to the caller via the open bool return.
func (r *Registry) Call(ctx context.Context, capID string, fn func(ctx context.Context) (status int, err error)) (status int, err error, retries int, circuitWasOpen bool) {
	b := r.breaker(capID)

	if !b.admit() {
		return 0, nil, 0, true
	}

	for attempt, delay := range RetryDelays {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return 0, ctx.Err(), attempt - 1, false
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, perAttemptTimeout)
		start := time.Now()
		status, err = fn(attemptCtx)
		elapsed := time.Since(start)
		cancel()

		success := err == nil && status < 400
		b.record(success, elapsed)
		r.observe(capID, success, elapsed)

		if success {
			return status, nil, attempt, false
		}
		if !Retryable(err, status) {
			return status, err, attempt, false
		}
		retries = attempt
	}
	return status, err, retries, false
}

func (r *Registry) observe(capID string, success bool, elapsed time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	r.callsTotal.WithLabelValues(capID, outcome).Inc()
	r.latencySecs.WithLabelValues(capID).Observe(elapsed.Seconds())
}

// admit checks/transitions the breaker state and reports whether a call may
// proceed (false means "short-circuit, return circuit_open").
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.stateLocked() {
	case open:
		if time.Since(b.openedAt) >= halfOpenAfter {
			b.state = halfOpen
			b.probeBusy = true
			return true
		}
		return false
	case halfOpen:
		if b.probeBusy {
			return false
		}
		b.probeBusy = true
		return true
	default:
		return true
	}
}

// stateLocked returns b.state, trimming the rolling window and re-evaluating
// the trip condition first. Caller must hold b.mu.
func (b *Breaker) stateLocked() circuitState {
	cutoff := time.Now().Add(-rollingWindow)
	i := 0
	for ; i < len(b.history); i++ {
		if b.history[i].at.After(cutoff) {
			break
		}
	}
	b.history = b.history[i:]

	if b.state == open || b.state == halfOpen {
		return b.state
	}
	if len(b.history) < minVolume {
		return closed
	}
	failures := 0
	for _, o := range b.history {
		if !o.success {
			failures++
		}
	}
	if float64(failures)/float64(len(b.history)) >= failureThreshold {
		b.state = open
		b.openedAt = time.Now()
		return open
	}
	return closed
}

func (b *Breaker) record(success bool, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, outcome{at: time.Now(), success: success})
	b.totalCalls++
	b.totalLatency += latency
	if success {
		b.successes++
	} else {
		b.failures++
	}

	switch b.state {
	case halfOpen:
		b.probeBusy = false
		if success {
			b.state = closed
			b.history = nil
		} else {
			b.state = open
			b.openedAt = time.Now()
		}
	case closed:
		// stateLocked (called by the next admit/Snapshot) re-evaluates the trip.
	}
}
