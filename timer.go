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

import (
	"container/heap"
	"time"
)

// timerKind distinguishes the two things the reactor schedules ahead
// of time: a cooling_down daemon's next spawn, and a stopping
// daemon's TERM-to-KILL escalation.
type timerKind int

const (
	wakeRestart timerKind = iota
	wakeKill
)

// timerEvent is one entry in the reactor's timer heap. Events may go
// stale (the daemon moved on for some other reason before the event
// fires); firing code re-checks the daemon's current state before
// acting, so a stale event is simply a no-op.
type timerEvent struct {
	at   time.Time
	name string
	kind timerKind
}

// timerHeap is a min-heap of timerEvents ordered by when they fire,
// giving the reactor a single readiness deadline to wait on instead
// of polling every daemon on every iteration.
type timerHeap []*timerEvent

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timerEvent)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// schedule pushes a new timer event onto h.
func (h *timerHeap) schedule(at time.Time, name string, kind timerKind) {
	heap.Push(h, &timerEvent{at: at, name: name, kind: kind})
}

// nextDeadline reports the time of the earliest pending event, and
// whether the heap is non-empty.
func (h timerHeap) nextDeadline() (time.Time, bool) {
	if len(h) == 0 {
		return time.Time{}, false
	}
	return h[0].at, true
}

// drainDue pops and returns every event whose deadline is at or
// before now.
func (h *timerHeap) drainDue(now time.Time) []*timerEvent {
	var due []*timerEvent
	for len(*h) > 0 && !(*h)[0].at.After(now) {
		due = append(due, heap.Pop(h).(*timerEvent))
	}
	return due
}
