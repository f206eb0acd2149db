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

package resilience

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a sliding-window request limiter: at most Limit
// calls are admitted in any trailing Window duration. This is a
// generalisation of the reference codebase's token-bucket limiter
// (internal/operation/ratelimit.go) — a token bucket allows a burst up
// to its bucket size at the *start* of a window, where a sliding
// window counts exact calls within the trailing interval, which is
// the semantics §9 calls for.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	calls    *list.List // of time.Time, oldest first
}

// NewRateLimiter constructs a limiter admitting at most limit calls
// per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{limit: limit, window: window, calls: list.New()}
}

// Allow reports whether a call may proceed now, recording it if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evict(time.Now())
	if r.calls.Len() >= r.limit {
		return false
	}
	r.calls.PushBack(time.Now())
	return true
}

// Wait blocks until a call is admitted or ctx is cancelled or
// timeout elapses, matching the reference limiter's Wait contract.
func (r *RateLimiter) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		if r.Allow() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("resilience: rate limit wait timed out after %v", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// evict drops calls older than r.window relative to now. Must be
// called with r.mu held.
func (r *RateLimiter) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	for e := r.calls.Front(); e != nil; {
		next := e.Next()
		if e.Value.(time.Time).Before(cutoff) {
			r.calls.Remove(e)
		} else {
			break
		}
		e = next
	}
}
