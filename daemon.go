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
	"time"

	"golang.org/x/sys/unix"
)

// DaemonState enumerates the states a Daemon record moves through.
type DaemonState int

const (
	Stopped DaemonState = iota
	Starting
	Running
	CoolingDown
	Stopping
	Dead
)

func (s DaemonState) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case CoolingDown:
		return "cooling_down"
	case Stopping:
		return "stopping"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// DefaultKillTimeout is the per-daemon deadline after which a pending
// stop upgrades TERM to KILL (spec.md §4.7/§5 default 10s).
const DefaultKillTimeout = 10 * time.Second

// Action tells the reactor what, if anything, it must do as a result
// of a Daemon transition it just drove.
type Action int

const (
	ActionNone Action = iota
	ActionRunStopCommand // spawn spec.StopCommand via the Admin Runner
	ActionSpawnNow       // call Start immediately (restart-intent exit)
	ActionEvict          // remove the record from the roster
)

// Daemon is the Daemon Record (C3): a named, configured unit
// combining its spec, its current runtime state, its restart-policy
// state, and (while running) its Child Handle.
type Daemon struct {
	name   string
	spec   *DaemonSpec
	state  DaemonState
	proc   *Process
	policy *RestartPolicy
	dlog   *Log

	since         time.Time
	nextWake      time.Time // zero value means ∅
	killDeadline  time.Time
	restartIntent bool
	removing      bool
	pendingSpec   *DaemonSpec
	generation    int64

	lastExitCode int
	lastSignal   int
	hasLastExit  bool
}

// NewDaemon builds a Daemon record in the stopped state for spec.
func NewDaemon(spec *DaemonSpec, generation int64) *Daemon {
	return &Daemon{
		name:       spec.Name,
		spec:       spec,
		state:      Stopped,
		policy:     NewRestartPolicy(spec.RestartStrategy),
		dlog:       NewLog(),
		since:      time.Now(),
		generation: generation,
	}
}

func (d *Daemon) Name() string          { return d.name }
func (d *Daemon) Spec() *DaemonSpec     { return d.spec }
func (d *Daemon) State() DaemonState    { return d.state }
func (d *Daemon) Since() time.Time      { return d.since }
func (d *Daemon) NextWake() time.Time   { return d.nextWake }
func (d *Daemon) RestartCursor() int    { return d.policy.Cursor() }
func (d *Daemon) Log() *Log             { return d.dlog }
func (d *Daemon) Generation() int64     { return d.generation }
func (d *Daemon) IsRemoving() bool      { return d.removing }

// Pid returns the current child's pid, or 0 if none is running.
func (d *Daemon) Pid() int {
	if d.proc == nil {
		return 0
	}
	return d.proc.Pid()
}

// KillDeadline returns the deadline by which a pending stop upgrades
// to SIGKILL, or the zero time if no stop is pending.
func (d *Daemon) KillDeadline() time.Time { return d.killDeadline }

// Reap converts a wait status reaped for this daemon's current child
// into its ExitInfo and drives the resulting state transition in one
// step, so the reactor never touches the Child Handle directly.
func (d *Daemon) Reap(ws unix.WaitStatus, now time.Time) (ExitInfo, Action) {
	var info ExitInfo
	if d.proc != nil {
		info = d.proc.Reap(ws)
	}
	return info, d.HandleExit(info, now)
}

func (d *Daemon) transition(to DaemonState, now time.Time) {
	d.state = to
	d.since = now
}

// Start handles the stopped/cooling_down -> starting -> running|cooling_down
// path for an operator start, an initial roster spawn, or a fired wake
// timer. It resets the restart cursor when resetCursor is set (true
// for every caller except the wake-timer path).
func (d *Daemon) Start(now time.Time, globalEnv map[string]string, mlog *MultiLogger, resetCursor bool) {
	if resetCursor {
		d.policy.Reset()
	}
	d.restartIntent = false
	d.nextWake = time.Time{}
	d.transition(Starting, now)

	proc, err := Spawn(d.spec, globalEnv, mlog, d.dlog)
	if err != nil {
		d.lastExitCode = -1
		d.hasLastExit = true
		d.proc = nil
		delay := d.policy.NextDelay()
		d.nextWake = now.Add(delay)
		d.transition(CoolingDown, now)
		return
	}
	d.proc = proc
	d.transition(Running, now)
}

// BeginStop handles the running -> stopping transition for an operator
// stop or restart. It returns ActionRunStopCommand if the reactor must
// spawn the configured stop_command; otherwise it sends SIGTERM to the
// child itself and returns ActionNone.
func (d *Daemon) BeginStop(now time.Time, restartIntent bool) Action {
	if d.state != Running || d.proc == nil {
		return ActionNone
	}
	d.proc.MarkStopInitiated()
	d.restartIntent = restartIntent
	d.killDeadline = now.Add(DefaultKillTimeout)
	d.transition(Stopping, now)
	if !d.spec.StopCommand.IsZero() {
		return ActionRunStopCommand
	}
	d.proc.Signal(SigTerm)
	return ActionNone
}

// BeginRemove handles a reload that dropped this daemon's spec. If no
// Child Handle exists, the record can be evicted immediately
// (ActionEvict); otherwise it is stopped first, and eviction happens
// once the exit is observed.
func (d *Daemon) BeginRemove(now time.Time) Action {
	d.removing = true
	switch d.state {
	case Stopped, CoolingDown:
		d.nextWake = time.Time{}
		d.transition(Dead, now)
		return ActionEvict
	case Running:
		return d.BeginStop(now, false)
	default:
		// starting or stopping: already has a handle in flight, the
		// eventual HandleExit will evict since d.removing is set.
		return ActionNone
	}
}

// CheckKillTimer upgrades a pending stop to SIGKILL once the
// per-daemon kill deadline has passed.
func (d *Daemon) CheckKillTimer(now time.Time) {
	if d.state != Stopping || d.proc == nil {
		return
	}
	if !d.killDeadline.IsZero() && !now.Before(d.killDeadline) {
		d.proc.Signal(SigKill)
	}
}

// CancelRestart clears a pending restart wake without touching the
// cursor. The daemon remains stopped until an operator starts it.
func (d *Daemon) CancelRestart(now time.Time) {
	if d.state != CoolingDown {
		return
	}
	d.nextWake = time.Time{}
	d.transition(Stopped, now)
}

// HandleExit applies a reaped Child Handle's exit observation, driving
// the running/stopping -> cooling_down/stopped/starting/dead
// transitions of spec.md §4.3, and reports what the reactor must do
// next.
func (d *Daemon) HandleExit(info ExitInfo, now time.Time) Action {
	ran := now.Sub(d.since)
	d.proc = nil
	d.lastExitCode = info.ExitCode
	if info.Signaled {
		d.lastSignal = int(info.Signal)
	}
	d.hasLastExit = true

	switch d.state {
	case Running:
		if ran >= d.policy.StabilityWindow() {
			d.policy.Reset()
		}
		delay := d.policy.NextDelay()
		d.nextWake = now.Add(delay)
		d.transition(CoolingDown, now)
		return ActionNone

	case Stopping:
		if d.removing {
			d.nextWake = time.Time{}
			d.transition(Dead, now)
			return ActionEvict
		}
		if d.pendingSpec != nil {
			d.spec = d.pendingSpec
			d.pendingSpec = nil
			d.policy = NewRestartPolicy(d.spec.RestartStrategy)
			return ActionSpawnNow
		}
		if d.restartIntent {
			d.restartIntent = false
			return ActionSpawnNow
		}
		d.transition(Stopped, now)
		return ActionNone

	default:
		// Starting should not normally see an exit before this call
		// observes the spawn result directly, but guard defensively,
		// still honoring a spec staged by a reload that landed mid-spawn.
		if d.pendingSpec != nil {
			d.spec = d.pendingSpec
			d.pendingSpec = nil
			d.policy = NewRestartPolicy(d.spec.RestartStrategy)
		}
		d.transition(Stopped, now)
		return ActionNone
	}
}

// PSRecord is the shape of one entry in a `ps` control reply.
type PSRecord struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	Pid           *int   `json:"pid"`
	SinceTs       int64  `json:"since_ts"`
	RestartCursor int    `json:"restart_cursor"`
	NextWake      *int64 `json:"next_wake"`
}

// PS renders the record's current state for the control protocol.
func (d *Daemon) PS() PSRecord {
	rec := PSRecord{
		Name:          d.name,
		State:         d.state.String(),
		SinceTs:       d.since.Unix(),
		RestartCursor: d.policy.Cursor(),
	}
	if d.proc != nil {
		pid := d.proc.Pid()
		rec.Pid = &pid
	}
	if !d.nextWake.IsZero() {
		nw := d.nextWake.Unix()
		rec.NextWake = &nw
	}
	return rec
}
