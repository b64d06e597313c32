/*
Copyright 2026 KiloClaw.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/kiloclaw/kiloclaw/pkg/constants"
)

var (
	// ErrUnexpectedResponse is raised when the provider returns something
	// we cannot decode.
	ErrUnexpectedResponse = errors.New("unable to decode provider response")
)

// capacityMarkers are the substrings that identify a 409/412 as genuine
// capacity exhaustion rather than an optimistic concurrency failure.
// Matched case-insensitively against the raw error body.
//
//nolint:gochecknoglobals
var capacityMarkers = []string{
	"insufficient resources",
	"insufficient memory",
}

//nolint:gochecknoglobals
var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "kiloclaw_fly_request_duration_seconds",
		Help: "Compute provider request latency by operation.",
	}, []string{"operation"})

	requestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kiloclaw_fly_request_errors_total",
		Help: "Compute provider request errors by operation and status.",
	}, []string{"operation", "status"})
)

// Error is a structured compute provider error.  The raw body is retained
// because classification depends on it (capacity markers are only present
// in the message text).
type Error struct {
	// Status is the HTTP status code.
	Status int

	// Body is the raw response body.
	Body string

	// Message is the decoded error message, if the body was JSON.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider error %d: %s", e.Status, e.Message)
	}

	return fmt.Sprintf("provider error %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether the error is a provider 404.
func IsNotFound(err error) bool {
	var perr *Error

	if !errors.As(err, &perr) {
		return false
	}

	return perr.Status == http.StatusNotFound
}

// IsInsufficientResources reports whether the error is genuine capacity
// exhaustion.  The provider reuses 409 and 412 for optimistic concurrency
// failures (e.g. min_secrets_version not yet propagated), so the status
// alone is not sufficient: the body must carry a capacity marker.  An
// unclassified 409/412 logs a warning so the marker set can be tuned
// against real traffic.
func IsInsufficientResources(ctx context.Context, err error) bool {
	var perr *Error

	if !errors.As(err, &perr) {
		return false
	}

	if perr.Status != http.StatusConflict && perr.Status != http.StatusPreconditionFailed {
		return false
	}

	body := strings.ToLower(perr.Body)

	for _, marker := range capacityMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}

	logr.FromContextOrDiscard(ctx).Info("unclassified provider conflict, not treating as capacity exhaustion",
		"status", perr.Status, "body", perr.Body)

	return false
}

// AppNameCollisionError is raised when app creation hits a name that is
// already owned by a different user.  App names are derived from a
// truncated hash of the user ID, so a collision is a tenant isolation
// breach and must be surfaced to an operator, never retried.
type AppNameCollisionError struct {
	// AppName is the contested application name.
	AppName string

	// RequestingUserID is the user that lost the race.
	RequestingUserID string
}

// Error implements the error interface.
func (e *AppNameCollisionError) Error() string {
	return fmt.Sprintf("app name %s already owned by another user (requested by %s)", e.AppName, e.RequestingUserID)
}

// Options allows provider connection details to be configured.
type Options struct {
	// BaseURL is the machines API endpoint.
	BaseURL string

	// OrgSlug is the provider organization applications are created in.
	OrgSlug string

	// RequestTimeout bounds a single non-long-poll API call.
	RequestTimeout time.Duration
}

// AddFlags registers provider flags with the flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.BaseURL, "fly-api-url", "https://api.machines.dev", "Fly machines API endpoint.")
	f.StringVar(&o.OrgSlug, "fly-org", "personal", "Fly organization slug for created applications.")
	f.DurationVar(&o.RequestTimeout, "fly-request-timeout", 30*time.Second, "Per-request timeout for provider calls, excluding long polls.")
}

// Client is a typed wrapper over the compute provider's machines REST API.
// All calls open a client span and flow through a shared circuit breaker
// so a melting provider doesn't take every controller down with it.
type Client struct {
	options *Options
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient returns a new provider client.  The token is the provider API
// token, sourced from the environment rather than flags so it stays out of
// process listings.
func NewClient(options *Options, token string) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "fly-api",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 10
		},
		Timeout: 30 * time.Second,
	})

	return &Client{
		options: options,
		token:   token,
		client:  &http.Client{},
		breaker: breaker,
	}
}

// request describes a single provider API call.
type request struct {
	// operation names the call for spans and metrics.
	operation string

	// method and path form the HTTP request line.  path is relative to
	// the API base and must already be escaped.
	method string
	path   string

	// query is an optional raw query string.
	query string

	// body, when non-nil, is JSON encoded as the request body.
	body any

	// timeout overrides the default request timeout (long polls).
	timeout time.Duration

	// idempotent marks the call safe to retry on transient failure.
	idempotent bool
}

// do executes a provider call and decodes the response into out when it is
// non-nil.  Non-2xx responses become a *Error carrying the raw body.
func (c *Client) do(ctx context.Context, req *request, out any) error {
	tracer := otel.GetTracerProvider().Tracer(constants.Application)

	ctx, span := tracer.Start(ctx, req.operation, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	timer := prometheus.NewTimer(requestDuration.WithLabelValues(req.operation))
	defer timer.ObserveDuration()

	call := func() error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, c.doOnce(ctx, req, out)
		})

		return err
	}

	var err error

	if req.idempotent {
		// Transient failures on reads are retried in place; anything the
		// provider answered (even a 500) is settled and propagates.
		err = retry.Do(call,
			retry.Context(ctx),
			retry.Attempts(3),
			retry.Delay(500*time.Millisecond),
			retry.LastErrorOnly(true),
			retry.RetryIf(func(err error) bool {
				var perr *Error

				return !errors.As(err, &perr)
			}),
		)
	} else {
		err = call()
	}

	if err != nil {
		status := "transport"

		var perr *Error
		if errors.As(err, &perr) {
			status = fmt.Sprintf("%d", perr.Status)
		}

		requestErrors.WithLabelValues(req.operation, status).Inc()
	}

	return err
}

func (c *Client) doOnce(ctx context.Context, req *request, out any) error {
	timeout := c.options.RequestTimeout

	if req.timeout != 0 {
		timeout = req.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader

	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return err
		}

		body = bytes.NewReader(encoded)
	}

	url := c.options.BaseURL + req.path

	if req.query != "" {
		url += "?" + req.query
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, url, body)
	if err != nil {
		return err
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("User-Agent", constants.VersionString())

	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	response, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}

	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return newError(response.StatusCode, raw)
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, err.Error())
	}

	return nil
}

// newError builds a structured error, pulling a message out of the JSON
// body when there is one.
func newError(status int, body []byte) *Error {
	perr := &Error{
		Status: status,
		Body:   string(body),
	}

	var decoded struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(body, &decoded); err == nil {
		if decoded.Error != "" {
			perr.Message = decoded.Error
		} else if decoded.Message != "" {
			perr.Message = decoded.Message
		}
	}

	return perr
}
