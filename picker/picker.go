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

// Package picker implements endpoint selection over the health package's
// state machine. A Selector picks the next endpoint to try using round robin
// over the currently usable set: health filtering already removes the red
// tier, and within the remaining tiers plain rotation is preferred over
// further weighting so behavior stays predictable under test.
package picker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loadspread/loadspread/health"
	"github.com/loadspread/loadspread/internal"
)

// Selector wraps a health.Registry with a round-robin cursor and owns the
// single lock that serializes all health mutations for one balancer
// instance. It is safe for concurrent use; the wrapped registry must not be
// used directly once handed to a Selector.
type Selector struct {
	clock internal.Clock

	mu       sync.Mutex
	registry *health.Registry
	// +checklocks:mu
	cursor int
	// +checklocks:mu
	lastSize int
}

// New creates a selector over the given registry.
func New(registry *health.Registry) *Selector {
	return &Selector{
		clock:    internal.NewRealClock(),
		registry: registry,
		cursor:   -1,
	}
}

// Next returns the next endpoint to try, in round-robin order over the
// usable set, along with whether that endpoint is currently degraded.
// It returns ok=false when every endpoint is red.
//
// The cursor advances by one per call, except when the usable set shrank
// since the previous call: then it stays put, now pointing at a different
// endpoint, so that entries after the removed ones are not skipped. It wraps
// to the front when it runs off the end.
func (s *Selector) Next(now time.Time) (endpoint health.Endpoint, degraded bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	usable := s.registry.Usable(now)
	if len(usable) == 0 {
		s.lastSize = 0
		return "", false, false
	}
	if len(usable) >= s.lastSize {
		s.cursor++
	}
	if s.cursor < 0 || s.cursor >= len(usable) {
		s.cursor = 0
	}
	s.lastSize = len(usable)
	member := usable[s.cursor]
	return member.Endpoint, member.Level != 0, true
}

// ReportSuccess records a successful attempt against the endpoint. The
// attempt's end time drives the health math; the start time is accepted only
// so callers can later add latency instrumentation without an API change.
func (s *Selector) ReportSuccess(endpoint health.Endpoint, start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.RecordSuccess(endpoint, end)
}

// ReportFailure records a failed attempt against the endpoint.
func (s *Selector) ReportFailure(endpoint health.Endpoint, start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.RecordFailure(endpoint, end)
}

// Probe actively checks the endpoint and records the outcome: a true result
// counts as a success, a false result or a check error as a failure. The
// check runs outside the lock. If the check returned an error, Probe records
// the failure first and then returns that error wrapped with the endpoint
// identity, so the caller still learns why the probe failed.
func (s *Selector) Probe(ctx context.Context, endpoint health.Endpoint, check health.CheckFunc) error {
	healthy, err := check(ctx, endpoint)
	now := s.clock.Now()
	s.mu.Lock()
	if healthy && err == nil {
		s.registry.RecordSuccess(endpoint, now)
	} else {
		s.registry.RecordFailure(endpoint, now)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("probe of endpoint %s failed: %w", endpoint, err)
	}
	return nil
}

// SetEndpoints replaces the endpoint set. Safe to call while requests are in
// flight; outcomes reported for departed endpoints are dropped by the
// registry.
func (s *Selector) SetEndpoints(endpoints []health.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry.ReplaceEndpoints(endpoints)
}

// Endpoints returns the configured endpoint set in insertion order.
func (s *Selector) Endpoints() []health.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Endpoints()
}

// Stats returns a snapshot of every endpoint's color, for observability. It
// never mutates health state.
func (s *Selector) Stats() map[health.Endpoint]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.Colors()
}

// OverallColor returns the color of the best endpoint's tier.
func (s *Selector) OverallColor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.OverallColor()
}
