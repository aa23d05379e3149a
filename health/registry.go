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

package health

import (
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultYellowStates is the number of degraded tiers an endpoint passes
	// through before it is considered red and excluded from selection.
	DefaultYellowStates = 4
	// DefaultResetTime is how long an endpoint may go without any recorded
	// outcome before a sweep heals it one tier.
	DefaultResetTime = 5 * time.Minute
)

// Endpoint is an opaque handle for one candidate destination, typically a
// "host:port" pair or a base URL.
type Endpoint string

// URL renders the endpoint as a URL with the given path appended. Endpoints
// without an explicit scheme are assumed to be plain HTTP.
func (e Endpoint) URL(path string) string {
	base := string(e)
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	base = strings.TrimSuffix(base, "/")
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// Member is one usable endpoint together with its current health level.
type Member struct {
	Endpoint Endpoint
	Level    int
}

// Config holds the parameters of a Registry. The zero value selects the
// defaults for every field.
type Config struct {
	// YellowStates is the number of degraded tiers before red. Level 0 is
	// green, levels 1..YellowStates-1 are yellow, and level YellowStates is
	// red. Defaults to DefaultYellowStates.
	YellowStates int
	// ResetTime is the silence window after which a sweep heals an endpoint
	// one tier. Defaults to DefaultResetTime.
	ResetTime time.Duration
	// OnChange, if non-nil, is invoked with the new overall color whenever
	// the health tier of the best endpoint changes. It is called
	// synchronously, exactly once per overall-tier transition, and never for
	// fluctuations among endpoints that are not the best.
	OnChange func(color string)
}

type record struct {
	level       int
	lastUpdated time.Time // zero means never updated
}

// Registry owns the health level of every configured endpoint. It has no
// selection policy of its own and is not safe for concurrent use.
type Registry struct {
	yellowStates int
	resetTime    time.Duration
	onChange     func(string)

	order    []Endpoint
	records  map[Endpoint]*record
	minLevel int
}

// NewRegistry creates a registry with one green, never-updated record per
// endpoint. Duplicate endpoints collapse to a single record. The insertion
// order of the endpoint set is retained and determines selection order.
func NewRegistry(endpoints []Endpoint, cfg Config) *Registry {
	if cfg.YellowStates <= 0 {
		cfg.YellowStates = DefaultYellowStates
	}
	if cfg.ResetTime <= 0 {
		cfg.ResetTime = DefaultResetTime
	}
	registry := &Registry{
		yellowStates: cfg.YellowStates,
		resetTime:    cfg.ResetTime,
		onChange:     cfg.OnChange,
		records:      make(map[Endpoint]*record, len(endpoints)),
	}
	for _, endpoint := range endpoints {
		if _, ok := registry.records[endpoint]; ok {
			continue
		}
		registry.order = append(registry.order, endpoint)
		registry.records[endpoint] = &record{}
	}
	return registry
}

// RecordSuccess lowers the endpoint's level by one, floored at zero, and
// refreshes its timestamp. Outcomes for endpoints that are no longer
// configured are ignored; they can arrive when an attempt races with
// ReplaceEndpoints.
func (r *Registry) RecordSuccess(endpoint Endpoint, now time.Time) {
	rec, ok := r.records[endpoint]
	if !ok {
		return
	}
	rec.lastUpdated = now
	if rec.level > 0 {
		rec.level--
	}
	r.refreshMinLevel()
}

// RecordFailure raises the endpoint's level by one, capped at the red tier,
// and refreshes its timestamp.
func (r *Registry) RecordFailure(endpoint Endpoint, now time.Time) {
	rec, ok := r.records[endpoint]
	if !ok {
		return
	}
	rec.lastUpdated = now
	if rec.level < r.yellowStates {
		rec.level++
	}
	r.refreshMinLevel()
}

// Sweep heals every endpoint that has been silent for longer than the reset
// window by one tier. A never-updated record counts as infinitely old. This
// is the only path that recovers a red endpoint which receives no traffic:
// each full reset window of silence earns one step back toward green.
func (r *Registry) Sweep(now time.Time) {
	for _, endpoint := range r.order {
		if now.Sub(r.records[endpoint].lastUpdated) > r.resetTime {
			r.RecordSuccess(endpoint, now)
		}
	}
}

// Usable sweeps and then returns the endpoints below the red tier, in
// insertion order, each tagged with its current level.
func (r *Registry) Usable(now time.Time) []Member {
	r.Sweep(now)
	members := make([]Member, 0, len(r.order))
	for _, endpoint := range r.order {
		if rec := r.records[endpoint]; rec.level < r.yellowStates {
			members = append(members, Member{Endpoint: endpoint, Level: rec.level})
		}
	}
	return members
}

// ReplaceEndpoints reconciles the registry against a new endpoint set.
// Records for departed endpoints are discarded. Surviving records are left
// untouched, so calling this with the current set is a no-op. New endpoints
// are seeded at the current overall minimum level rather than green, so a
// freshly added endpoint is not flooded with all traffic while the rest of
// the pool is degraded.
func (r *Registry) ReplaceEndpoints(endpoints []Endpoint) {
	keep := make(map[Endpoint]struct{}, len(endpoints))
	for _, endpoint := range endpoints {
		keep[endpoint] = struct{}{}
	}
	var order []Endpoint
	for _, endpoint := range r.order {
		if _, ok := keep[endpoint]; ok {
			order = append(order, endpoint)
		} else {
			delete(r.records, endpoint)
		}
	}
	for _, endpoint := range endpoints {
		if _, ok := r.records[endpoint]; ok {
			continue
		}
		order = append(order, endpoint)
		r.records[endpoint] = &record{level: r.minLevel}
	}
	r.order = order
	r.refreshMinLevel()
}

// Endpoints returns the configured endpoints in insertion order.
func (r *Registry) Endpoints() []Endpoint {
	return append([]Endpoint(nil), r.order...)
}

// Color renders a health level as a human-facing color string.
func (r *Registry) Color(level int) string {
	switch {
	case level <= 0:
		return "green"
	case level >= r.yellowStates:
		return "red"
	default:
		return fmt.Sprintf("yellow-%d", level)
	}
}

// Colors returns a snapshot of every endpoint's current color. It never
// mutates records or timestamps.
func (r *Registry) Colors() map[Endpoint]string {
	colors := make(map[Endpoint]string, len(r.records))
	for endpoint, rec := range r.records {
		colors[endpoint] = r.Color(rec.level)
	}
	return colors
}

// MinLevel returns the lowest health level across all endpoints, i.e. the
// level of the best endpoint.
func (r *Registry) MinLevel() int {
	return r.minLevel
}

// OverallColor returns the color of the best endpoint's tier.
func (r *Registry) OverallColor() string {
	return r.Color(r.minLevel)
}

// refreshMinLevel recomputes the overall minimum and fires the change
// callback only when the overall tier actually moved. Intra-tier movement
// among endpoints that are not the best leaves the minimum, and therefore
// the callback, untouched.
func (r *Registry) refreshMinLevel() {
	if len(r.records) == 0 {
		return
	}
	minLevel := r.yellowStates
	for _, rec := range r.records {
		if rec.level < minLevel {
			minLevel = rec.level
		}
	}
	if minLevel == r.minLevel {
		return
	}
	r.minLevel = minLevel
	if r.onChange != nil {
		r.onChange(r.Color(minLevel))
	}
}
