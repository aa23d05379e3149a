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

package loadspread_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loadspread/loadspread"
	"github.com/loadspread/loadspread/health"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportRewritesTarget(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, request.URL.Path)
	}))
	t.Cleanup(server.Close)
	endpoint := health.Endpoint(server.Listener.Addr().String())

	transport := loadspread.NewHTTPTransport()
	req, err := http.NewRequest(http.MethodGet, "http://placeholder/v1/things", nil)
	require.NoError(t, err)

	resp, err := transport.Call(context.Background(), endpoint, req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/v1/things", string(body))
	// The original request is untouched, so it can be reused for retries.
	assert.Equal(t, "placeholder", req.URL.Host)
}

func TestHTTPTransportReplaysBodyAcrossAttempts(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		payload, _ := io.ReadAll(request.Body)
		mu.Lock()
		bodies = append(bodies, string(payload))
		mu.Unlock()
	}))
	t.Cleanup(server.Close)
	endpoint := health.Endpoint(server.Listener.Addr().String())

	transport := loadspread.NewHTTPTransport()
	req, err := http.NewRequest(http.MethodPost, "http://placeholder/v1/things", strings.NewReader("payload"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, callErr := transport.Call(context.Background(), endpoint, req)
		require.NoError(t, callErr)
		require.NoError(t, resp.Body.Close())
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"payload", "payload"}, bodies)
}

func TestHTTPTransportEndpointSchemeWins(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	endpoint := health.Endpoint("http://" + server.Listener.Addr().String())

	transport := loadspread.NewHTTPTransport()
	req, err := http.NewRequest(http.MethodGet, "http://placeholder/", nil)
	require.NoError(t, err)
	resp, err := transport.Call(context.Background(), endpoint, req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPTransportRejectsBadEndpoints(t *testing.T) {
	t.Parallel()

	transport := loadspread.NewHTTPTransport()
	req, err := http.NewRequest(http.MethodGet, "http://placeholder/", nil)
	require.NoError(t, err)

	_, err = transport.Call(context.Background(), "gopher://nope", req)
	require.Error(t, err)
	_, err = transport.Call(context.Background(), "http://", req)
	require.Error(t, err)
}

func TestHTTPTransportAttemptTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })
	endpoint := health.Endpoint(server.Listener.Addr().String())

	transport := loadspread.NewHTTPTransport(loadspread.WithAttemptTimeout(50 * time.Millisecond))
	req, err := http.NewRequest(http.MethodGet, "http://placeholder/slow", nil)
	require.NoError(t, err)

	start := time.Now()
	_, err = transport.Call(context.Background(), endpoint, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBalancerWithRealTransport(t *testing.T) {
	t.Parallel()

	good := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(writer, "ok")
	}))
	t.Cleanup(good.Close)
	bad := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(bad.Close)

	badAddr := bad.Listener.Addr().String()
	goodAddr := good.Listener.Addr().String()
	lb := loadspread.New(
		[]string{badAddr, goodAddr},
		loadspread.WithTransport(loadspread.NewHTTPTransport()),
		loadspread.WithDefaultTimeout(3*time.Second),
	)

	req, err := http.NewRequest(http.MethodGet, "http://service/", nil)
	require.NoError(t, err)
	resp, err := lb.Execute(context.Background(), req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, map[string]string{
		badAddr:  "yellow-1",
		goodAddr: "green",
	}, lb.Stats())
}
