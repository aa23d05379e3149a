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

// Package health tracks per-endpoint health derived from live traffic.
//
// A [Registry] holds one record per endpoint with an integer health level
// between 0 (green, fully healthy) and a configurable maximum (red, excluded
// from selection). Successful calls lower the level, failures raise it, and
// a periodic sweep heals endpoints that have gone silent, so even an endpoint
// that receives no traffic eventually earns another live attempt.
//
// The Registry is pure state plus transition rules. It performs no I/O and
// is not safe for concurrent use; callers (see the picker package) serialize
// access with their own lock.
//
// A [Prober] complements passive, traffic-derived health with active probing:
// it periodically invokes a [CheckFunc] against every configured endpoint and
// feeds the results through the same state machine.
package health
