/*
Copyright 2025 The Quarry Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshserver

import (
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/util/clock"
)

// RateLimiter bounds failed attempts per source address over a sliding
// window. Successful sessions never charge the budget; the server checks
// Blocked before the handshake and records via RecordFailure when auth
// or the protocol goes wrong. Entries for idle addresses are evicted
// lazily on touch and in bulk by Evict, which the server runs
// periodically.
type RateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	limit    int
	clock    clock.PassiveClock
	attempts map[string][]time.Time

	// rejected counts refusals since construction, for observability.
	rejected int64
}

// NewRateLimiter allows limit attempts per address within window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:   window,
		limit:    limit,
		clock:    clock.RealClock{},
		attempts: map[string][]time.Time{},
	}
}

// WithClock injects a clock for tests.
func (r *RateLimiter) WithClock(clk clock.PassiveClock) *RateLimiter {
	r.clock = clk
	return r
}

// Allow records an attempt from addr and reports whether it is within
// the limit.
func (r *RateLimiter) Allow(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	kept := prune(r.attempts[addr], now.Add(-r.window))
	if len(kept) >= r.limit {
		r.attempts[addr] = kept
		r.rejected++
		return false
	}
	r.attempts[addr] = append(kept, now)
	return true
}

// RecordFailure charges one failed attempt against addr.
func (r *RateLimiter) RecordFailure(addr string) {
	r.Allow(addr)
}

// Blocked reports whether addr has spent its budget, without charging
// an attempt.
func (r *RateLimiter) Blocked(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := prune(r.attempts[addr], r.clock.Now().Add(-r.window))
	if len(kept) == 0 {
		delete(r.attempts, addr)
		return false
	}
	r.attempts[addr] = kept
	if len(kept) >= r.limit {
		r.rejected++
		return true
	}
	return false
}

// Evict drops addresses whose every attempt fell out of the window.
func (r *RateLimiter) Evict() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.clock.Now().Add(-r.window)
	for addr, times := range r.attempts {
		if kept := prune(times, cutoff); len(kept) == 0 {
			delete(r.attempts, addr)
		} else {
			r.attempts[addr] = kept
		}
	}
}

// Rejected returns the number of refusals so far.
func (r *RateLimiter) Rejected() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejected
}

// Tracked returns the number of addresses currently held.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attempts)
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for ; idx < len(times); idx++ {
		if times[idx].After(cutoff) {
			break
		}
	}
	return times[idx:]
}
