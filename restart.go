// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shepherd

import "time"

// DefaultStabilityWindow answers the Open Question in spec.md §9: when
// a restart strategy's maximum delay is zero, a child must run this
// long before the restart cursor is eligible to reset.
const DefaultStabilityWindow = 60 * time.Second

// RestartPolicy is the Restart Policy (C2): given a restart strategy
// and a cursor into it, it decides how long to wait before the next
// start, and tracks when that wait is earned back to zero.
type RestartPolicy struct {
	strategy []time.Duration
	cursor   int
}

// NewRestartPolicy builds a policy over strategy. An empty (or nil)
// strategy, which is what the config loader produces for an absent
// restart key, is normalized here to []time.Duration{0}.
func NewRestartPolicy(strategy []time.Duration) *RestartPolicy {
	if len(strategy) == 0 {
		strategy = []time.Duration{0}
	}
	return &RestartPolicy{strategy: strategy}
}

// Cursor returns the current restart_cursor.
func (r *RestartPolicy) Cursor() int {
	return r.cursor
}

// NextDelay returns the delay for the next unplanned exit at the
// current cursor, then advances the cursor by one, capped at the last
// index so the tail value repeats indefinitely.
func (r *RestartPolicy) NextDelay() time.Duration {
	idx := r.cursor
	if idx > len(r.strategy)-1 {
		idx = len(r.strategy) - 1
	}
	delay := r.strategy[idx]
	if r.cursor < len(r.strategy)-1 {
		r.cursor++
	}
	return delay
}

// Reset zeroes the cursor. Called on operator-initiated start/restart,
// on a reload that replaces the spec, and when a child has run for at
// least the stability window.
func (r *RestartPolicy) Reset() {
	r.cursor = 0
}

// StabilityWindow is the duration a child must run continuously before
// Reset is warranted for a "ran long enough" exit.
func (r *RestartPolicy) StabilityWindow() time.Duration {
	var max time.Duration
	for _, d := range r.strategy {
		if d > max {
			max = d
		}
	}
	if max > 0 {
		return max
	}
	return DefaultStabilityWindow
}
