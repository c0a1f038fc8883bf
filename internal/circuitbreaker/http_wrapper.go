package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/tracing"
)

// HTTPWrapper guards outgoing HTTP calls to one collaborator with a circuit
// breaker. It can be used directly through Do or plugged into an http.Client
// as its transport.
type HTTPWrapper struct {
	base    http.RoundTripper
	client  *http.Client
	cb      *CircuitBreaker
	name    string
	service string
	logger  *zap.Logger
}

// NewHTTPWrapper creates a new HTTP wrapper with circuit breaker and metrics.
// A nil client gets a default one with a 30s timeout.
func NewHTTPWrapper(client *http.Client, name, service string, logger *zap.Logger) *HTTPWrapper {
	return NewHTTPWrapperWithConfig(client, name, service, GetHTTPConfig().ToConfig(), logger)
}

// NewHTTPWrapperWithConfig is NewHTTPWrapper with explicit breaker settings.
func NewHTTPWrapperWithConfig(client *http.Client, name, service string, cfg Config, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	cb := NewCircuitBreaker(name, cfg, logger)
	GlobalMetricsCollector.RegisterCircuitBreaker(name, service, cb)

	hw := &HTTPWrapper{base: base, cb: cb, name: name, service: service, logger: logger}
	hw.client = &http.Client{
		Transport:     hw,
		Timeout:       client.Timeout,
		CheckRedirect: client.CheckRedirect,
		Jar:           client.Jar,
	}
	return hw
}

// Do executes an HTTP request through the circuit breaker.
func (hw *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	return hw.client.Do(req)
}

// Client returns an http.Client whose transport is guarded by the breaker.
func (hw *HTTPWrapper) Client() *http.Client {
	return hw.client
}

// RoundTrip implements http.RoundTripper. 5xx responses count as breaker
// failures but are still returned to the caller; 4xx do not trip the breaker.
func (hw *HTTPWrapper) RoundTrip(req *http.Request) (*http.Response, error) {
	tracing.InjectTraceparent(req.Context(), req)

	var resp *http.Response
	err := hw.cb.Execute(req.Context(), func() error {
		var err error
		resp, err = hw.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return &httpStatusError{code: resp.StatusCode}
		}
		return nil
	})

	GlobalMetricsCollector.RecordRequest(hw.name, hw.service, hw.cb.State(), err == nil)

	if _, ok := err.(*httpStatusError); ok {
		return resp, nil
	}
	if err != nil {
		hw.logger.Debug("HTTP call rejected or failed",
			zap.String("breaker", hw.name),
			zap.String("host", req.URL.Host),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%s: %w", hw.name, err)
	}
	return resp, nil
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (hw *HTTPWrapper) IsCircuitBreakerOpen() bool {
	return hw.cb.State() == StateOpen
}

type httpStatusError struct{ code int }

func (e *httpStatusError) Error() string { return http.StatusText(e.code) }
