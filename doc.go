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

// Package loadspread provides a client-side load balancer for pools of
// interchangeable HTTP endpoints, such as the replicas of a REST service.
//
// A [Balancer] spreads requests across the pool, tracks each endpoint's
// health from the outcomes of live traffic, avoids endpoints it believes are
// failing, and distinguishes errors that indicate a broken endpoint (retry
// elsewhere) from errors that indicate a broken request (fail immediately,
// never retry). Each logical request runs under an overall time budget that
// bounds all of its retries together.
//
// Endpoint membership is supplied by the caller and may be replaced at
// runtime with [Balancer.SetEndpoints]; this package performs no service
// discovery and no inbound proxying.
//
// Basic usage:
//
//	lb := loadspread.New(
//		[]string{"10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080"},
//		loadspread.WithDefaultTimeout(3*time.Second),
//	)
//	req, _ := http.NewRequest(http.MethodGet, "http://service/v1/things", nil)
//	resp, err := lb.Execute(context.Background(), req)
//
// The host of the request URL is a placeholder; each attempt rewrites it to
// the chosen endpoint. How outcomes are classified is controlled by a
// [Classifier] (see [WithClassifier]); the default policy treats connection
// failures, timeouts, and 5xx responses as retryable, "not found" class
// responses as fatal without penalizing the endpoint, and protocol
// violations as fatal while still marking the endpoint unhealthy.
package loadspread
