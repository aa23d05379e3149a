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

// Package clocktest exists to allow interoperability with our Clock interface
// and the Clockwork interfaces. Compatibility between Go interfaces is shallow,
// since function signatures containing other interfaces within an interface
// will be compared by their exact (nominal) type. Therefore, for the Clock
// function returning Ticker, we need to wrap it into a function returning the
// Clockwork version of the interface instead.
package clocktest

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loadspread/loadspread/internal"
)

// FakeClock provides an interface for a clock which can be manually advanced
// through time. This adapts the *[clockwork.FakeClock] type to our internal.Clock
// interface.
type FakeClock interface {
	internal.Clock
	Advance(d time.Duration)
	BlockUntilContext(ctx context.Context, waiters int) error
}

// NewFakeClock creates a new FakeClock using Clockwork.
func NewFakeClock() FakeClock {
	return fakeClock{clockwork.NewFakeClock()}
}

// fakeClock wraps the clockwork.FakeClock interface and adapts it to the
// clock.Clock/FakeClock interface. It has two purposes:
//   - To expose BlockUntilContext, which is not exposed in clockwork.FakeClock
//   - To adapt the return type of the clockwork.Clock method that returns
//     another interface. These function signatures are not compatible by Go
//     rules, even though structurally the underlying interfaces are identical.
type fakeClock struct {
	*clockwork.FakeClock
}

var _ FakeClock = fakeClock{}

// NewTicker implements clock.Clock by re-boxing the clockwork.Ticker returned
// by clockwork.Clock.NewTicker as a clock.Ticker. See package comment for more
// information on why this is necessary.
func (f fakeClock) NewTicker(d time.Duration) internal.Ticker {
	return f.FakeClock.NewTicker(d)
}
