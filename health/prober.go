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
	"context"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loadspread/loadspread/internal"
)

const (
	defaultProbeInterval    = 30 * time.Second
	defaultProbeTimeout     = 5 * time.Second
	defaultProbeConcurrency = 8
)

// CheckFunc actively checks a single endpoint. It reports true if the
// endpoint is healthy, false if it is not, or an error if the check itself
// failed (which also counts as unhealthy).
type CheckFunc func(ctx context.Context, endpoint Endpoint) (bool, error)

// ProbeTarget is the surface a Prober needs from a selector: the set of
// endpoints to probe and an entry point that runs a check and records its
// outcome in the shared health state.
type ProbeTarget interface {
	Endpoints() []Endpoint
	Probe(ctx context.Context, endpoint Endpoint, check CheckFunc) error
}

// ProberConfig holds the parameters of a Prober. The zero value selects the
// defaults for every field.
type ProberConfig struct {
	// Interval is how often a full probe pass runs. Defaults to 30 seconds.
	Interval time.Duration
	// Timeout bounds each individual probe. Defaults to 5 seconds.
	Timeout time.Duration
	// Concurrency caps how many endpoints are probed at once within a pass.
	// Defaults to 8.
	Concurrency int
}

// Prober periodically probes every endpoint of a target, feeding results
// through the same health state machine as passive traffic. It runs one pass
// immediately on Start so endpoints are classified quickly, then one pass
// per interval.
type Prober struct {
	target ProbeTarget
	check  CheckFunc
	cfg    ProberConfig
	clock  internal.Clock

	cancel context.CancelFunc
	done   chan struct{}
}

// NewProber creates a prober but does not start it; call Start to begin
// probing.
func NewProber(target ProbeTarget, check CheckFunc, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultProbeConcurrency
	}
	return &Prober{
		target: target,
		check:  check,
		cfg:    cfg,
		clock:  internal.NewRealClock(),
		done:   make(chan struct{}),
	}
}

// Start launches the background probe loop. The loop stops when the given
// context is cancelled or Close is called.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
}

// Close stops the probe loop and waits for in-flight probes to drain. It is
// a no-op if Start was never called.
func (p *Prober) Close() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	<-p.done
	return nil
}

func (p *Prober) run(ctx context.Context) {
	defer close(p.done)
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.probeAll(ctx)
		}
	}
}

// probeAll runs one pass over all endpoints. Probe failures are already
// recorded in health state by the target, so the per-probe error carries no
// extra information here and is discarded.
func (p *Prober) probeAll(ctx context.Context) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.Concurrency)
	for _, endpoint := range p.target.Endpoints() {
		endpoint := endpoint
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(groupCtx, p.cfg.Timeout)
			defer cancel()
			_ = p.target.Probe(probeCtx, endpoint, p.check)
			return nil
		})
	}
	_ = group.Wait()
}

// SetProberClock replaces the prober's clock. Only for use in tests, before
// Start is called.
func SetProberClock(prober *Prober, clock internal.Clock) {
	prober.clock = clock
}

// SimpleProbe returns a CheckFunc that issues an HTTP GET for the given path
// against the endpoint and treats any 2xx response as healthy. A nil client
// uses http.DefaultClient.
func SimpleProbe(client *http.Client, path string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, endpoint Endpoint) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL(path), nil)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return false, err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}
}
