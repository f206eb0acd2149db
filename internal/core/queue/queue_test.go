// Copyright 2025 Tom Barlow
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

package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryPolicyMatchesSpecConstants(t *testing.T) {
	p := DefaultRetryPolicy()
	require.Equal(t, time.Second, p.Base)
	require.Equal(t, 60*time.Second, p.Cap)
	require.Equal(t, 5, p.MaxAttempts)
}

func TestDelayIsExponentialAndJitteredWithinBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for n := 1; n <= 8; n++ {
		base := float64(p.Base)
		capped := base
		for i := 1; i < n; i++ {
			capped *= 2
			if capped > float64(p.Cap) {
				capped = float64(p.Cap)
				break
			}
		}
		low := time.Duration(capped * 0.75)
		high := time.Duration(capped * 1.25)

		d := p.Delay(n)
		assert.GreaterOrEqualf(t, d, low, "attempt %d delay %v below jitter floor %v", n, d, low)
		assert.LessOrEqualf(t, d, high, "attempt %d delay %v above jitter ceiling %v", n, d, high)
	}
}

func TestDelayTreatsNonPositiveAttemptAsFirst(t *testing.T) {
	p := DefaultRetryPolicy()
	d0 := p.Delay(0)
	d1 := p.Delay(1)
	assert.InDelta(t, float64(d1), float64(d0), float64(p.Base)/2)
}

func TestExhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5}
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
	assert.True(t, p.Exhausted(6))
}
