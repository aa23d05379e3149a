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

package health_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loadspread/loadspread/health"
	"github.com/loadspread/loadspread/internal/clocktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTarget records probe invocations and applies the check immediately.
type fakeTarget struct {
	endpoints []health.Endpoint
	probes    chan health.Endpoint
}

func (f *fakeTarget) Endpoints() []health.Endpoint {
	return f.endpoints
}

func (f *fakeTarget) Probe(ctx context.Context, endpoint health.Endpoint, check health.CheckFunc) error {
	_, err := check(ctx, endpoint)
	f.probes <- endpoint
	return err
}

func TestProberProbesImmediatelyAndPerInterval(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	interval := 30 * time.Second
	testClock := clocktest.NewFakeClock()
	target := &fakeTarget{
		endpoints: []health.Endpoint{"a", "b"},
		probes:    make(chan health.Endpoint, 16),
	}
	prober := health.NewProber(target, func(context.Context, health.Endpoint) (bool, error) {
		return true, nil
	}, health.ProberConfig{Interval: interval})
	health.SetProberClock(prober, testClock)
	prober.Start(ctx)
	t.Cleanup(func() {
		assert.NoError(t, prober.Close())
	})

	expectPass := func() {
		t.Helper()
		seen := map[health.Endpoint]int{}
		for i := 0; i < len(target.endpoints); i++ {
			select {
			case endpoint := <-target.probes:
				seen[endpoint]++
			case <-ctx.Done():
				t.Fatal("probe pass did not complete within timeout")
			}
		}
		assert.Equal(t, map[health.Endpoint]int{"a": 1, "b": 1}, seen)
	}

	// One pass runs immediately on start.
	expectPass()

	// Then one pass per interval.
	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(interval)
	expectPass()

	require.NoError(t, testClock.BlockUntilContext(ctx, 1))
	testClock.Advance(interval)
	expectPass()
}

func TestProberCloseBeforeStart(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{probes: make(chan health.Endpoint, 1)}
	prober := health.NewProber(target, func(context.Context, health.Endpoint) (bool, error) {
		return true, nil
	}, health.ProberConfig{})
	assert.NoError(t, prober.Close())
}

func TestSimpleProbe(t *testing.T) {
	t.Parallel()

	var status atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/healthz" {
			writer.WriteHeader(http.StatusNotFound)
			return
		}
		writer.WriteHeader(int(status.Load()))
	}))
	t.Cleanup(server.Close)

	check := health.SimpleProbe(server.Client(), "/healthz")
	ctx := context.Background()
	endpoint := health.Endpoint(server.Listener.Addr().String())

	status.Store(http.StatusOK)
	healthy, err := check(ctx, endpoint)
	require.NoError(t, err)
	assert.True(t, healthy)

	status.Store(http.StatusServiceUnavailable)
	healthy, err = check(ctx, endpoint)
	require.NoError(t, err)
	assert.False(t, healthy)

	server.Close()
	healthy, err = check(ctx, endpoint)
	require.Error(t, err)
	assert.False(t, healthy)
}
