// Copyright 2024 The Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logthrottle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// logFromSameSite simulates a single log call site being hit
// repeatedly: every invocation's runtime.Caller(1) inside Allow
// resolves to this same line, regardless of how many times the test
// calls logFromSameSite.
func logFromSameSite(th *Throttle) Decision {
	return th.Allow()
}

func TestThrottleEmitsBelowThreshold(t *testing.T) {
	th := New(3, time.Minute, time.Minute)
	require.Equal(t, Emit, logFromSameSite(th))
	require.Equal(t, Emit, logFromSameSite(th))
	require.Equal(t, Emit, logFromSameSite(th))
}

func TestThrottleEmitsSuppressedAtThresholdThenSuppresses(t *testing.T) {
	th := New(2, time.Minute, time.Minute)
	require.Equal(t, Emit, logFromSameSite(th))
	require.Equal(t, Emit, logFromSameSite(th))
	require.Equal(t, EmitSuppressed, logFromSameSite(th))
	require.Equal(t, Suppress, logFromSameSite(th))
	require.Equal(t, Suppress, logFromSameSite(th))
}

func TestThrottleDirectWindowTransition(t *testing.T) {
	th := New(1, time.Second, time.Second)
	pc := uintptr(0x1234)
	now := time.Now()

	require.Equal(t, Emit, th.allowAt(pc, now))
	require.Equal(t, EmitSuppressed, th.allowAt(pc, now.Add(100*time.Millisecond)))
	require.Equal(t, Suppress, th.allowAt(pc, now.Add(200*time.Millisecond)))
	require.Equal(t, Suppress, th.allowAt(pc, now.Add(1900*time.Millisecond)))
	require.Equal(t, Emit, th.allowAt(pc, now.Add(2500*time.Millisecond)),
		"after window+suppress elapses the site resets")
}

func TestThrottleThresholdHitAfterWindowClosedResetsInstead(t *testing.T) {
	th := New(1, time.Second, time.Minute)
	pc := uintptr(0x4242)
	now := time.Now()

	require.Equal(t, Emit, th.allowAt(pc, now))
	// the burst's window already elapsed by the time count reaches
	// threshold again, so no suppression is entered.
	require.Equal(t, Emit, th.allowAt(pc, now.Add(2*time.Second)))
}

func TestThrottleAllZeroDisablesThrottling(t *testing.T) {
	th := New(0, 0, 0)
	for i := 0; i < 50; i++ {
		require.Equal(t, Emit, logFromSameSite(th))
	}
}

func TestThrottleResetClearsState(t *testing.T) {
	th := New(1, time.Minute, time.Minute)
	pc := uintptr(0x5678)
	now := time.Now()

	require.Equal(t, Emit, th.allowAt(pc, now))
	require.Equal(t, EmitSuppressed, th.allowAt(pc, now))

	th.Reset()

	require.Equal(t, Emit, th.allowAt(pc, now), "after Reset, the site should behave as never having been seen")
}

func TestSuppressionSuffixNamesSuppressDuration(t *testing.T) {
	th := New(1, time.Second, 5*time.Second)
	require.Equal(t, "(subsequent similar messages suppressed for 5000ms)", th.SuppressionSuffix())
}

func TestDefaultThrottleIsUsable(t *testing.T) {
	require.NotNil(t, Default())
}
