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
	"net/http"

	"github.com/loadspread/loadspread/health"
)

// Outcome is the balancer's decision about one attempt.
type Outcome int

const (
	// OutcomeSuccess means the attempt succeeded; the result is returned to
	// the caller and the endpoint is credited.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable means the endpoint or the path to it is at fault; the
	// endpoint is penalized and another attempt may be made if budget
	// remains.
	OutcomeRetryable
	// OutcomeFatal means retrying cannot help and the endpoint behaved
	// correctly (for example, it accurately reported that a resource does
	// not exist); the result is surfaced verbatim with no health penalty.
	OutcomeFatal
	// OutcomeFatalUnhealthy means retrying this request cannot help but the
	// response still indicates a broken endpoint (for example, a protocol
	// violation); the result is surfaced verbatim and the endpoint is
	// penalized.
	OutcomeFatalUnhealthy
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	case OutcomeFatalUnhealthy:
		return "fatal-unhealthy"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Classifier decides the outcome of one transport attempt. Exactly one of
// resp and err is meaningful: err is the transport's error if the attempt
// did not produce a response, otherwise resp is the (possibly non-2xx)
// response.
type Classifier interface {
	Classify(resp *http.Response, err error) Outcome
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(resp *http.Response, err error) Outcome

func (f ClassifierFunc) Classify(resp *http.Response, err error) Outcome {
	return f(resp, err)
}

//nolint:gochecknoglobals
var (
	// DefaultClassifier is the classification policy used when no
	// WithClassifier option is given:
	//
	//   - transport errors, including per-attempt timeouts, are retryable,
	//     except a cancelled context (the caller gave up);
	//   - 1xx-3xx responses are success;
	//   - 404 and 410 are fatal with no health penalty: the endpoint
	//     correctly reported that the resource does not exist;
	//   - 501 and 505 are fatal and penalize the endpoint: it cannot serve
	//     this call shape at all;
	//   - 429 and all other 5xx are retryable;
	//   - the remaining 4xx are fatal with no penalty: the request, not the
	//     endpoint, is broken.
	DefaultClassifier Classifier = ClassifierFunc(classifyHTTP)
)

func classifyHTTP(resp *http.Response, err error) Outcome {
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			return OutcomeFatal
		case errors.Is(err, context.Canceled):
			return OutcomeFatal
		default:
			return OutcomeRetryable
		}
	}
	if resp == nil {
		return OutcomeRetryable
	}
	switch {
	case resp.StatusCode < 400:
		return OutcomeSuccess
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return OutcomeFatal
	case resp.StatusCode == http.StatusNotImplemented, resp.StatusCode == http.StatusHTTPVersionNotSupported:
		return OutcomeFatalUnhealthy
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRetryable
	case resp.StatusCode < 500:
		return OutcomeFatal
	default:
		return OutcomeRetryable
	}
}

// StatusError records a non-success HTTP status received from an endpoint.
// The balancer synthesizes it for retryable responses so that a later
// deadline failure can report the last underlying cause.
type StatusError struct {
	Endpoint health.Endpoint
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("endpoint %s responded %d %s", e.Endpoint, e.Code, http.StatusText(e.Code))
}
