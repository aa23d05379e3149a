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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/loadspread/loadspread/health"
)

//nolint:gochecknoglobals
var defaultDialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// Transport is the collaborator that performs the actual call of one attempt
// against one endpoint. Implementations must not retry internally and must
// return classifiable error values (for example net errors or context
// errors), never opaque strings.
type Transport interface {
	Call(ctx context.Context, endpoint health.Endpoint, req *http.Request) (*http.Response, error)
}

// TransportOption is an option used to customize the behavior of an
// HTTPTransport.
type TransportOption interface {
	applyTransport(*transportOptions)
}

type transportOptionFunc func(*transportOptions)

func (f transportOptionFunc) applyTransport(opts *transportOptions) {
	f(opts)
}

type transportOptions struct {
	dialFunc            func(ctx context.Context, network, addr string) (net.Conn, error)
	tlsClientConfig     *tls.Config
	tlsHandshakeTimeout time.Duration
	attemptTimeout      time.Duration
	roundTripper        http.RoundTripper
}

// WithDialer configures the transport to use the given function to establish
// network connections. If not specified, a default net.Dialer is used with a
// 30-second dial timeout and TCP keep-alive every 30 seconds.
func WithDialer(dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)) TransportOption {
	return transportOptionFunc(func(opts *transportOptions) {
		opts.dialFunc = dialFunc
	})
}

// WithTLSConfig adds custom TLS configuration for "https" endpoints. The
// given timeout applies to the TLS handshake; if zero, a default of 10
// seconds is used. Disabling hostname verification is done here, explicitly
// and per transport, for example with &tls.Config{InsecureSkipVerify: true};
// there is deliberately no process-wide switch for it.
func WithTLSConfig(config *tls.Config, handshakeTimeout time.Duration) TransportOption {
	return transportOptionFunc(func(opts *transportOptions) {
		opts.tlsClientConfig = config
		opts.tlsHandshakeTimeout = handshakeTimeout
	})
}

// WithAttemptTimeout bounds each individual attempt, from sending the first
// request byte to receiving the response headers. This is distinct from the
// balancer's overall budget, which spans all attempts of one logical
// request. If not specified, an attempt is only bounded by the request
// context.
func WithAttemptTimeout(duration time.Duration) TransportOption {
	return transportOptionFunc(func(opts *transportOptions) {
		opts.attemptTimeout = duration
	})
}

// WithRoundTripper replaces the underlying round tripper for "http" and
// "https" endpoints entirely. The other transport options that shape the
// default round tripper are then ignored for those schemes.
func WithRoundTripper(roundTripper http.RoundTripper) TransportOption {
	return transportOptionFunc(func(opts *transportOptions) {
		opts.roundTripper = roundTripper
	})
}

// HTTPTransport is the default Transport. Each call clones the request,
// rewrites its scheme and host from the endpoint, and issues it on a shared
// http.Client. The "h2c" endpoint scheme forces HTTP/2 over cleartext.
type HTTPTransport struct {
	simple         *http.Transport
	h2c            *http2.Transport
	client         *http.Client
	h2cClient      *http.Client
	attemptTimeout time.Duration
}

// NewHTTPTransport creates the default transport implementation.
func NewHTTPTransport(opts ...TransportOption) *HTTPTransport {
	var applied transportOptions
	for _, opt := range opts {
		opt.applyTransport(&applied)
	}
	dialFunc := applied.dialFunc
	if dialFunc == nil {
		dialFunc = defaultDialer.DialContext
	}
	handshakeTimeout := applied.tlsHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	simple := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialFunc,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig:       applied.tlsClientConfig,
		TLSHandshakeTimeout:   handshakeTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	h2c := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialFunc(ctx, network, addr)
		},
	}
	roundTripper := http.RoundTripper(simple)
	if applied.roundTripper != nil {
		roundTripper = applied.roundTripper
	}
	return &HTTPTransport{
		simple:         simple,
		h2c:            h2c,
		client:         &http.Client{Transport: roundTripper},
		h2cClient:      &http.Client{Transport: h2c},
		attemptTimeout: applied.attemptTimeout,
	}
}

// Call implements Transport.
func (t *HTTPTransport) Call(ctx context.Context, endpoint health.Endpoint, req *http.Request) (*http.Response, error) {
	scheme, host, err := endpointTarget(endpoint, req.URL.Scheme)
	if err != nil {
		return nil, err
	}
	client := t.client
	if scheme == "h2c" {
		client = t.h2cClient
		scheme = "http"
	}
	cancel := context.CancelFunc(func() {})
	if t.attemptTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.attemptTimeout)
	}
	clone := req.Clone(ctx)
	clone.URL.Scheme = scheme
	clone.URL.Host = host
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			cancel()
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, bodyErr)
		}
		clone.Body = body
	}
	resp, err := client.Do(clone)
	if err != nil {
		cancel()
		return nil, err
	}
	// The body outlives this call; releasing the attempt timeout is tied to
	// closing it so the caller can still read the response.
	resp.Body = &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// CloseIdleConnections closes idle connections held by the underlying
// transports.
func (t *HTTPTransport) CloseIdleConnections() {
	t.simple.CloseIdleConnections()
	t.h2c.CloseIdleConnections()
}

// endpointTarget resolves the scheme and host to dial for an endpoint. An
// endpoint with its own scheme wins; otherwise the request URL's scheme is
// used, defaulting to plain HTTP.
func endpointTarget(endpoint health.Endpoint, reqScheme string) (scheme, host string, err error) {
	raw := string(endpoint)
	if strings.Contains(raw, "://") {
		parsed, parseErr := url.Parse(raw)
		if parseErr != nil {
			return "", "", fmt.Errorf("bad endpoint %q: %w", raw, parseErr)
		}
		scheme, host = parsed.Scheme, parsed.Host
	} else {
		scheme, host = reqScheme, raw
	}
	switch scheme {
	case "":
		scheme = "http"
	case "http", "https", "h2c":
	default:
		return "", "", fmt.Errorf("bad endpoint %q: unsupported scheme %q", raw, scheme)
	}
	if host == "" {
		return "", "", fmt.Errorf("bad endpoint %q: no host", raw)
	}
	return scheme, host, nil
}
