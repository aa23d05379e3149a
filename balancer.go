// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loadspread

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/loadspread/loadspread/health"
	"github.com/loadspread/loadspread/internal"
	"github.com/loadspread/loadspread/picker"
)

var (
	// ErrNoAvailableEndpoint is returned by Execute when every endpoint is
	// red at attempt time. In a request lifecycle this is a fatal error: no
	// retry is possible.
	ErrNoAvailableEndpoint = errors.New("unavailable: no usable endpoints")
	// ErrDeadlineExceeded is returned by Execute when the retry budget runs
	// out after at least one retryable failure. It wraps the last underlying
	// error for diagnostics.
	ErrDeadlineExceeded = errors.New("retry budget exhausted")
	// ErrInvalidRequest is returned by Execute when the request fails
	// validation before any endpoint is contacted. No endpoint's health is
	// affected.
	ErrInvalidRequest = errors.New("invalid request")
)

// Option is an option used to customize the behavior of a Balancer.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(opts *options) {
	f(opts)
}

type options struct {
	transport      Transport
	classifier     Classifier
	registry       health.Config
	defaultTimeout time.Duration
	retryLimiter   *rate.Limiter
}

// WithTransport configures the transport collaborator that performs the
// actual calls. If not specified, a default HTTPTransport is used. The
// transport must not retry internally; retrying is the balancer's job.
func WithTransport(transport Transport) Option {
	return optionFunc(func(opts *options) {
		opts.transport = transport
	})
}

// WithClassifier overrides the policy that decides whether an attempt
// outcome is a success, retryable, or fatal. If not specified,
// DefaultClassifier is used.
func WithClassifier(classifier Classifier) Option {
	return optionFunc(func(opts *options) {
		opts.classifier = classifier
	})
}

// WithYellowStates configures the number of degraded tiers an endpoint
// passes through before being excluded from selection. If not specified,
// health.DefaultYellowStates is used.
func WithYellowStates(count int) Option {
	return optionFunc(func(opts *options) {
		opts.registry.YellowStates = count
	})
}

// WithResetTime configures how long an endpoint may go without any recorded
// outcome before it heals one tier. If not specified,
// health.DefaultResetTime is used.
func WithResetTime(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.registry.ResetTime = duration
	})
}

// WithOnHealthChange registers a callback invoked with the new overall color
// ("green", "yellow-N", or "red") whenever the health tier of the best
// endpoint changes. The callback runs synchronously under the balancer's
// lock and must return promptly.
func WithOnHealthChange(callback func(color string)) Option {
	return optionFunc(func(opts *options) {
		opts.registry.OnChange = callback
	})
}

// WithDefaultTimeout limits requests that otherwise have no deadline to the
// given total retry budget. If the request's context already has a deadline,
// that deadline is the budget and this option has no effect. With neither a
// context deadline nor this option, Execute retries until it succeeds, runs
// out of endpoints, or the context is cancelled.
func WithDefaultTimeout(duration time.Duration) Option {
	return optionFunc(func(opts *options) {
		opts.defaultTimeout = duration
	})
}

// WithRetryRate bounds how quickly the retry loop may issue follow-up
// attempts, across all concurrent requests of this balancer. The first
// attempt of a request is never delayed. Without this option, retries are
// issued immediately, which can spin hot when every endpoint fails fast.
func WithRetryRate(limit rate.Limit, burst int) Option {
	return optionFunc(func(opts *options) {
		opts.retryLimiter = rate.NewLimiter(limit, burst)
	})
}

// Balancer executes logical requests against a pool of interchangeable
// endpoints, retrying retryable failures on other endpoints within a time
// budget. It is safe for concurrent use; each concurrent caller runs its own
// retry loop and only the shared health bookkeeping is contended. Two
// Balancer instances share nothing.
type Balancer struct {
	transport      Transport
	selector       *picker.Selector
	classifier     Classifier
	defaultTimeout time.Duration
	limiter        *rate.Limiter
	clock          internal.Clock
}

// New creates a balancer over the given endpoints. Each endpoint is a
// "host:port" pair or a base URL ("http://…", "https://…", or "h2c://…").
func New(endpoints []string, opts ...Option) *Balancer {
	var applied options
	for _, opt := range opts {
		opt.apply(&applied)
	}
	if applied.transport == nil {
		applied.transport = NewHTTPTransport()
	}
	if applied.classifier == nil {
		applied.classifier = DefaultClassifier
	}
	registry := health.NewRegistry(toEndpoints(endpoints), applied.registry)
	return &Balancer{
		transport:      applied.transport,
		selector:       picker.New(registry),
		classifier:     applied.classifier,
		defaultTimeout: applied.defaultTimeout,
		limiter:        applied.retryLimiter,
		clock:          internal.NewRealClock(),
	}
}

// Selector exposes the balancer's endpoint selector, which implements
// health.ProbeTarget. Use it to attach a health.Prober so active probing
// feeds the same health state as live traffic.
func (b *Balancer) Selector() *picker.Selector {
	return b.selector
}

// SetEndpoints replaces the endpoint pool. Endpoints present in both sets
// keep their health; departed endpoints are forgotten. Idempotent and safe
// to call concurrently with in-flight requests.
func (b *Balancer) SetEndpoints(endpoints []string) {
	b.selector.SetEndpoints(toEndpoints(endpoints))
}

// Stats returns a snapshot of every endpoint's current health color, for
// logging and dashboards. It is not intended for control decisions.
func (b *Balancer) Stats() map[string]string {
	colors := b.selector.Stats()
	stats := make(map[string]string, len(colors))
	for endpoint, color := range colors {
		stats[string(endpoint)] = color
	}
	return stats
}

// OverallColor returns the color of the best endpoint's tier.
func (b *Balancer) OverallColor() string {
	return b.selector.OverallColor()
}

// Execute performs one logical request. It repeatedly picks the next usable
// endpoint, delegates the attempt to the transport, classifies the outcome,
// and reports it to the health state, until the attempt succeeds, fails
// fatally, or the budget is exhausted.
//
// The budget is the context deadline if one is set, else the balancer's
// default timeout. No new attempt starts once the budget is spent, but an
// in-flight attempt is allowed to finish; cancelling mid-attempt is the
// transport's concern (see WithAttemptTimeout on the default transport).
//
// The caller sees either the successful (or fatal, e.g. 404) response, or
// exactly one terminal error: ErrInvalidRequest, ErrNoAvailableEndpoint, or
// ErrDeadlineExceeded wrapping the last underlying failure. Individual
// retryable errors are absorbed into health state and never surface.
func (b *Balancer) Execute(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	} else if b.defaultTimeout > 0 {
		deadline = b.clock.Now().Add(b.defaultTimeout)
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, wrapLast(ErrDeadlineExceeded, lastErr, err)
		}
		now := b.clock.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return nil, wrapLast(ErrDeadlineExceeded, lastErr, context.DeadlineExceeded)
		}
		if attempt > 0 && b.limiter != nil {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, wrapLast(ErrDeadlineExceeded, lastErr, err)
			}
		}
		endpoint, _, ok := b.selector.Next(now)
		if !ok {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrNoAvailableEndpoint, lastErr)
			}
			return nil, ErrNoAvailableEndpoint
		}
		start := b.clock.Now()
		resp, err := b.transport.Call(ctx, endpoint, req)
		end := b.clock.Now()
		switch b.classifier.Classify(resp, err) {
		case OutcomeSuccess:
			b.selector.ReportSuccess(endpoint, start, end)
			return resp, nil
		case OutcomeFatal:
			return resp, err
		case OutcomeFatalUnhealthy:
			b.selector.ReportFailure(endpoint, start, end)
			return resp, err
		default:
			b.selector.ReportFailure(endpoint, start, end)
			if err == nil {
				err = &StatusError{Endpoint: endpoint, Code: resp.StatusCode}
				drain(resp)
			}
			lastErr = err
		}
	}
}

// wrapLast builds the terminal budget-exhausted error. When no attempt was
// ever made, the bare cause is returned instead of the sentinel, so a caller
// whose context was cancelled before the first attempt sees that directly.
func wrapLast(sentinel, lastErr, cause error) error {
	if lastErr == nil {
		return cause
	}
	return fmt.Errorf("%w: %w", sentinel, lastErr)
}

func validateRequest(req *http.Request) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if req.URL == nil {
		return fmt.Errorf("%w: request has no URL", ErrInvalidRequest)
	}
	switch req.URL.Scheme {
	case "", "http", "https", "h2c":
	default:
		return fmt.Errorf("%w: unsupported URL scheme %q", ErrInvalidRequest, req.URL.Scheme)
	}
	if req.Body != nil && req.GetBody == nil {
		return fmt.Errorf("%w: request body is not replayable (GetBody is unset)", ErrInvalidRequest)
	}
	return nil
}

// drain consumes and closes the body of a response that will not be
// returned to the caller, so the underlying connection can be reused.
func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func toEndpoints(endpoints []string) []health.Endpoint {
	converted := make([]health.Endpoint, len(endpoints))
	for i, endpoint := range endpoints {
		converted[i] = health.Endpoint(endpoint)
	}
	return converted
}
