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
	"sort"
	"time"
)

// PendingAction pairs a daemon name with an Action the reactor must
// carry out as a result of a roster mutation.
type PendingAction struct {
	Name   string
	Action Action
}

// ReloadDiff reports how a reload compared the new specs against the
// live roster, per spec.md §4.4.
type ReloadDiff struct {
	Added, Removed, Changed, Unchanged []string
	Actions                            []PendingAction
}

// Roster is the mapping from daemon name to Daemon Record (C4),
// preserving insertion order so that priority ties break
// deterministically (C8).
type Roster struct {
	daemons    map[string]*Daemon
	order      []string
	generation int64
}

// NewRoster returns an empty Roster.
func NewRoster() *Roster {
	return &Roster{daemons: make(map[string]*Daemon)}
}

// Find looks up a daemon by name.
func (r *Roster) Find(name string) (*Daemon, bool) {
	d, ok := r.daemons[name]
	return d, ok
}

// All returns every daemon record, in insertion order.
func (r *Roster) All() []*Daemon {
	out := make([]*Daemon, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.daemons[name])
	}
	return out
}

// Len reports how many daemons the roster currently holds.
func (r *Roster) Len() int { return len(r.daemons) }

// Evict removes a record that has reached the Dead state.
func (r *Roster) Evict(name string) {
	delete(r.daemons, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Reload diffs specs (a freshly loaded configuration) against the live
// roster and applies the rules of spec.md §4.4: unchanged records are
// left alone, added specs produce new stopped records, removed specs
// are stopped then evicted, and changed specs are stopped and
// restarted with a reset cursor. It never partially applies: specs
// must already have passed config validation before this is called.
func (r *Roster) Reload(specs map[string]*DaemonSpec) *ReloadDiff {
	now := time.Now()
	diff := &ReloadDiff{}
	r.generation++

	for _, name := range append([]string{}, r.order...) {
		dm := r.daemons[name]
		newSpec, present := specs[name]
		if !present {
			diff.Removed = append(diff.Removed, name)
			act := dm.BeginRemove(now)
			diff.Actions = append(diff.Actions, PendingAction{name, act})
			continue
		}
		if dm.spec.Equal(newSpec) {
			diff.Unchanged = append(diff.Unchanged, name)
			continue
		}
		diff.Changed = append(diff.Changed, name)
		act := r.applyChange(dm, newSpec, now)
		if act != ActionNone {
			diff.Actions = append(diff.Actions, PendingAction{name, act})
		}
	}

	for name, spec := range specs {
		if _, ok := r.daemons[name]; ok {
			continue
		}
		diff.Added = append(diff.Added, name)
		d := NewDaemon(spec, r.generation)
		r.daemons[name] = d
		r.order = append(r.order, name)
	}
	return diff
}

// applyChange implements the "changed" branch of Reload, mirroring
// BeginRemove's state handling: a daemon with a live or in-flight
// Child Handle (Running, Starting, Stopping) has the new spec staged
// in pendingSpec and swapped in by HandleExit once the old child is
// actually reaped; a daemon with no handle at all (Stopped,
// CoolingDown) has no exit to wait for, so the spec is swapped in
// immediately.
func (r *Roster) applyChange(dm *Daemon, newSpec *DaemonSpec, now time.Time) Action {
	dm.generation = r.generation
	switch dm.state {
	case Stopped, CoolingDown:
		dm.spec = newSpec
		dm.policy = NewRestartPolicy(newSpec.RestartStrategy)
		dm.nextWake = time.Time{}
		dm.transition(Stopped, now)
		return ActionNone
	case Running:
		dm.pendingSpec = newSpec
		return dm.BeginStop(now, false)
	default:
		// Starting or stopping: a handle is already in flight. Stage
		// the new spec; HandleExit swaps it in once that handle's
		// exit is observed.
		dm.pendingSpec = newSpec
		return ActionNone
	}
}

// sortedBy returns the daemons matching filter, sorted stably by
// start_priority (ascending or descending), breaking ties by
// insertion order (the starting order of the slice, since
// sort.SliceStable preserves relative order among equal priorities).
func (r *Roster) sortedBy(ascending bool, filter func(*Daemon) bool) []*Daemon {
	var list []*Daemon
	for _, name := range r.order {
		d := r.daemons[name]
		if filter == nil || filter(d) {
			list = append(list, d)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if ascending {
			return list[i].spec.StartPriority < list[j].spec.StartPriority
		}
		return list[i].spec.StartPriority > list[j].spec.StartPriority
	})
	return list
}

// StartupGroups returns every Stopped daemon, grouped by
// start_priority ascending; all members of a group are meant to be
// spawned together without delaying for earlier groups to finish
// (spec.md §4.8).
func (r *Roster) StartupGroups() [][]*Daemon {
	stopped := r.sortedBy(true, func(d *Daemon) bool { return d.state == Stopped })
	var groups [][]*Daemon
	var cur []*Daemon
	curPriority := 0
	for i, d := range stopped {
		if i == 0 || d.spec.StartPriority != curPriority {
			if len(cur) > 0 {
				groups = append(groups, cur)
			}
			cur = nil
			curPriority = d.spec.StartPriority
		}
		cur = append(cur, d)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// ShutdownOrder returns every daemon that still has (or might soon
// acquire) a live child, in descending (start_priority, insertion
// order), for the drain sequence of spec.md §4.8.
func (r *Roster) ShutdownOrder() []*Daemon {
	return r.sortedBy(false, func(d *Daemon) bool {
		return d.state != Stopped && d.state != Dead
	})
}
