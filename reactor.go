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
	"log"
	"os"
	"os/signal"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/seismometer/shepherd/control"
)

// DefaultShutdownDeadline bounds how long the reactor waits, once
// draining, for the roster to empty before it gives up and exits
// anyway (spec.md §4.8).
const DefaultShutdownDeadline = 30 * time.Second

// adminCompletion carries a finished Admin Command Runner's result
// from its forwarding goroutine back onto the reactor thread.
type adminCompletion struct {
	runner *AdminRunner
	result AdminResult
}

// Reactor is the Reactor (C5): the single goroutine that owns the
// roster and every Child Handle, and is the only goroutine that ever
// mutates them. Everything else -- the control socket's accept loop,
// stdout-capture readers, admin-command output readers -- only ever
// hands data to the reactor over a channel.
type Reactor struct {
	roster    *Roster
	globalEnv map[string]string
	mlog      *MultiLogger
	logger    *log.Logger
	ctrl      *control.Server
	load      func() (map[string]*DaemonSpec, error)

	sigCh       chan os.Signal
	adminDoneCh chan adminCompletion
	timers      timerHeap

	pidOwners      map[int]*Daemon
	adminPidOwners map[int]*AdminRunner
	adminReplies   map[*AdminRunner]*control.Pending
	stopWaiters    map[string][]*control.Pending

	draining         bool
	shutdownDeadline time.Time
}

// NewReactor builds a Reactor around an already-populated roster. load
// is the config loader (the YAML or --exec variant, see package
// config); the reactor calls it on every "reload" request or SIGHUP.
func NewReactor(roster *Roster, globalEnv map[string]string, mlog *MultiLogger, logger *log.Logger, ctrl *control.Server, load func() (map[string]*DaemonSpec, error)) *Reactor {
	return &Reactor{
		roster:         roster,
		globalEnv:      globalEnv,
		mlog:           mlog,
		logger:         logger,
		ctrl:           ctrl,
		load:           load,
		sigCh:          make(chan os.Signal, 8),
		adminDoneCh:    make(chan adminCompletion, 8),
		pidOwners:      make(map[int]*Daemon),
		adminPidOwners: make(map[int]*AdminRunner),
		adminReplies:   make(map[*AdminRunner]*control.Pending),
		stopWaiters:    make(map[string][]*control.Pending),
	}
}

// Run boots every daemon in the roster and then services signals,
// control requests, admin-command completions, and timers until a
// shutdown signal drains the roster to empty. It returns once the
// supervisor should exit cleanly.
func (r *Reactor) Run() error {
	signal.Notify(r.sigCh, unix.SIGCHLD, unix.SIGHUP, unix.SIGINT, unix.SIGTERM)
	defer signal.Stop(r.sigCh)

	r.spawnStartupGroups()

	for {
		if r.draining && r.roster.Len() == 0 {
			r.logger.Printf("shepherd: all daemons stopped, exiting")
			return nil
		}
		if r.draining && !r.shutdownDeadline.IsZero() && !time.Now().Before(r.shutdownDeadline) {
			r.logger.Printf("shepherd: shutdown deadline exceeded with %d daemons still alive", r.roster.Len())
			return nil
		}

		var timerC <-chan time.Time
		var timer *time.Timer
		if at, ok := r.timers.nextDeadline(); ok {
			d := at.Sub(time.Now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case sig := <-r.sigCh:
			r.handleSignal(sig)
		case pending, ok := <-r.ctrl.Requests:
			if ok {
				r.dispatch(pending)
			}
		case ac := <-r.adminDoneCh:
			r.handleAdminCompletion(ac)
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
		r.fireDueTimers(time.Now())
	}
}

func (r *Reactor) handleSignal(sig os.Signal) {
	switch sig {
	case unix.SIGCHLD:
		r.reapAll()
	case unix.SIGHUP:
		r.logger.Printf("shepherd: SIGHUP received, reloading")
		if diff, err := r.reload(); err != nil {
			r.logger.Printf("shepherd: reload failed: %v", err)
		} else {
			r.logger.Printf("shepherd: reloaded: %d added, %d removed, %d changed, %d unchanged",
				len(diff.Added), len(diff.Removed), len(diff.Changed), len(diff.Unchanged))
		}
	case unix.SIGINT, unix.SIGTERM:
		r.beginShutdown()
	}
}

// beginShutdown marks the reactor draining and stops every daemon in
// descending priority order (spec.md §4.8).
func (r *Reactor) beginShutdown() {
	if r.draining {
		return
	}
	r.logger.Printf("shepherd: shutting down")
	r.draining = true
	r.shutdownDeadline = time.Now().Add(DefaultShutdownDeadline)
	now := time.Now()
	for _, d := range r.roster.ShutdownOrder() {
		act := d.BeginRemove(now)
		r.applyAction(d, act)
		if d.State() == Stopping {
			r.timers.schedule(d.KillDeadline(), d.Name(), wakeKill)
		}
	}
	// Anything that was already Stopped can be evicted right away;
	// StartupGroups will never see it again since the roster shrinks.
	for _, d := range append([]*Daemon{}, r.roster.All()...) {
		if d.State() == Dead || d.State() == Stopped {
			r.roster.Evict(d.Name())
		}
	}
}

// reapAll drains every exited child with a non-blocking Wait4 loop,
// per the reaping idiom of the corpus's subreaper implementations,
// and routes each exit to either a Daemon's Child Handle or an Admin
// Command Runner.
func (r *Reactor) reapAll() {
	now := time.Now()
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		if d, ok := r.pidOwners[pid]; ok {
			delete(r.pidOwners, pid)
			prevState := d.State()
			info, action := d.Reap(ws, now)
			r.applyAction(d, action)
			if prevState == Stopping {
				r.notifyStopWaiters(d.Name(), info)
			}
			continue
		}
		if ar, ok := r.adminPidOwners[pid]; ok {
			ar.Reap(ws)
			continue
		}
	}
}

// applyAction carries out whatever a Daemon transition asked the
// reactor to do next.
func (r *Reactor) applyAction(d *Daemon, action Action) {
	switch action {
	case ActionRunStopCommand:
		r.spawnStopCommand(d)
	case ActionSpawnNow:
		r.startDaemon(d, true)
	case ActionEvict:
		r.roster.Evict(d.Name())
	case ActionNone:
		if d.State() == CoolingDown && !d.NextWake().IsZero() {
			r.timers.schedule(d.NextWake(), d.Name(), wakeRestart)
		}
	}
}

// notifyStopWaiters replies to every control connection blocked on
// this daemon's stop/restart with the just-observed exit, mirroring
// the managed child's final exit regardless of how it was stopped
// (spec.md scenario 4).
func (r *Reactor) notifyStopWaiters(name string, info ExitInfo) {
	waiters, ok := r.stopWaiters[name]
	if !ok {
		return
	}
	delete(r.stopWaiters, name)
	resp := control.OK(exitResult(info))
	for _, p := range waiters {
		p.Reply(resp)
	}
}

// startDaemon spawns d and registers the bookkeeping the reactor
// needs to route its eventual exit: a pid owner if it came up, or a
// restart-wake timer if the spawn itself failed.
func (r *Reactor) startDaemon(d *Daemon, resetCursor bool) {
	d.Start(time.Now(), r.globalEnv, r.mlog, resetCursor)
	switch d.State() {
	case Running:
		r.pidOwners[d.Pid()] = d
	case CoolingDown:
		r.timers.schedule(d.NextWake(), d.Name(), wakeRestart)
	}
}

// spawnStartupGroups spawns every currently stopped daemon, grouped
// by ascending start_priority, without waiting for one group to
// finish before starting the next (spec.md §4.8). It is the one code
// path shared by initial boot and by a reload's added/changed-but-
// idle daemons.
func (r *Reactor) spawnStartupGroups() {
	for _, group := range r.roster.StartupGroups() {
		for _, d := range group {
			r.startDaemon(d, true)
		}
	}
}

// spawnStopCommand runs a daemon's configured stop_command as an
// Admin Command Runner. Its own exit status is discarded; only the
// managed child's eventual exit is reported back to any stop/restart
// waiters (spec.md scenario 4).
func (r *Reactor) spawnStopCommand(d *Daemon) {
	runner, err := StartAdminCommand(d.Spec().StopCommand, d.Spec(), r.globalEnv, d.Pid())
	if err != nil {
		r.logger.Printf("shepherd: stop_command for %s failed to start: %v, sending TERM", d.Name(), err)
		if d.proc != nil {
			d.proc.Signal(SigTerm)
		}
		return
	}
	r.adminPidOwners[runner.Pid()] = runner
	go r.forwardAdminResult(runner)
}

// forwardAdminResult waits off-reactor-thread for an Admin Command
// Runner to fully finish (reap and output drain both done) and hands
// the result back onto the reactor's own channel, so only the
// reactor thread ever touches adminPidOwners/adminReplies.
func (r *Reactor) forwardAdminResult(runner *AdminRunner) {
	res := <-runner.Done()
	r.adminDoneCh <- adminCompletion{runner: runner, result: res}
}

func (r *Reactor) handleAdminCompletion(ac adminCompletion) {
	delete(r.adminPidOwners, ac.runner.Pid())
	pending, ok := r.adminReplies[ac.runner]
	if !ok {
		return // a bare stop_command run: nothing to reply to
	}
	delete(r.adminReplies, ac.runner)
	pending.Reply(control.OK(adminResult(ac.result)))
}

// fireDueTimers pops every timer event due by now and re-checks
// whether it is still live before acting, since the daemon it named
// may have moved on for some other reason in the meantime.
func (r *Reactor) fireDueTimers(now time.Time) {
	for _, ev := range r.timers.drainDue(now) {
		d, ok := r.roster.Find(ev.name)
		if !ok {
			continue
		}
		switch ev.kind {
		case wakeRestart:
			if d.State() == CoolingDown && !d.NextWake().After(now) {
				r.startDaemon(d, false)
			}
		case wakeKill:
			d.CheckKillTimer(now)
		}
	}
}

// dispatch executes one control request and writes its reply.
func (r *Reactor) dispatch(p *control.Pending) {
	if r.draining && p.Req.Command != "ps" {
		p.Reply(control.Err("shepherd is shutting down"))
		return
	}
	switch p.Req.Command {
	case "ps":
		p.Reply(control.OK(r.psRecords()))
	case "reload":
		if _, err := r.reload(); err != nil {
			p.Reply(control.Err("%v", err))
			return
		}
		p.Reply(control.OK(nil))
	case "start":
		r.handleStart(p)
	case "stop":
		r.handleStop(p, false)
	case "restart":
		r.handleStop(p, true)
	case "cancel_restart":
		r.handleCancelRestart(p)
	case "list_commands":
		r.handleListCommands(p)
	case "admin_command":
		r.handleAdminCommand(p)
	default:
		p.Reply(control.Err("unknown command %q", p.Req.Command))
	}
}

func (r *Reactor) psRecords() []PSRecord {
	all := r.roster.All()
	recs := make([]PSRecord, 0, len(all))
	for _, d := range all {
		recs = append(recs, d.PS())
	}
	return recs
}

func (r *Reactor) reload() (*ReloadDiff, error) {
	specs, err := r.load()
	if err != nil {
		return nil, &ConfigError{Source: "reload", Err: err}
	}
	diff := r.roster.Reload(specs)
	for _, pa := range diff.Actions {
		d, ok := r.roster.Find(pa.Name)
		if !ok {
			continue
		}
		r.applyAction(d, pa.Action)
		if d.State() == Stopping {
			r.timers.schedule(d.KillDeadline(), d.Name(), wakeKill)
		}
	}
	r.spawnStartupGroups()
	return diff, nil
}

func (r *Reactor) handleStart(p *control.Pending) {
	d, ok := r.roster.Find(p.Req.Daemon)
	if !ok {
		p.Reply(control.Err("%v", &UnknownDaemonError{Name: p.Req.Daemon}))
		return
	}
	if d.State() != Stopped && d.State() != CoolingDown {
		p.Reply(control.Err("%v", ErrAlreadyExists))
		return
	}
	r.startDaemon(d, true)
	if d.State() == CoolingDown {
		p.Reply(control.Err("spawn failed, retrying per restart policy"))
		return
	}
	p.Reply(control.OK(nil))
}

func (r *Reactor) handleStop(p *control.Pending, restartIntent bool) {
	d, ok := r.roster.Find(p.Req.Daemon)
	if !ok {
		p.Reply(control.Err("%v", &UnknownDaemonError{Name: p.Req.Daemon}))
		return
	}
	if d.State() != Running {
		if restartIntent && (d.State() == Stopped || d.State() == CoolingDown) {
			r.startDaemon(d, true)
		}
		p.Reply(control.OK(nil))
		return
	}
	action := d.BeginStop(time.Now(), restartIntent)
	r.stopWaiters[d.Name()] = append(r.stopWaiters[d.Name()], p)
	r.applyAction(d, action)
	if d.State() == Stopping {
		r.timers.schedule(d.KillDeadline(), d.Name(), wakeKill)
	}
}

func (r *Reactor) handleCancelRestart(p *control.Pending) {
	d, ok := r.roster.Find(p.Req.Daemon)
	if !ok {
		p.Reply(control.Err("%v", &UnknownDaemonError{Name: p.Req.Daemon}))
		return
	}
	d.CancelRestart(time.Now())
	p.Reply(control.OK(nil))
}

func (r *Reactor) handleListCommands(p *control.Pending) {
	d, ok := r.roster.Find(p.Req.Daemon)
	if !ok {
		p.Reply(control.Err("%v", &UnknownDaemonError{Name: p.Req.Daemon}))
		return
	}
	names := make([]string, 0, len(d.Spec().AdminCommands))
	for name := range d.Spec().AdminCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	p.Reply(control.OK(names))
}

func (r *Reactor) handleAdminCommand(p *control.Pending) {
	d, ok := r.roster.Find(p.Req.Daemon)
	if !ok {
		p.Reply(control.Err("%v", &UnknownDaemonError{Name: p.Req.Daemon}))
		return
	}
	cmd, ok := d.Spec().AdminCommands[p.Req.AdminCommand]
	if !ok {
		p.Reply(control.Err("%v", &UnknownCommandError{Daemon: d.Name(), Command: p.Req.AdminCommand}))
		return
	}
	runner, err := StartAdminCommand(cmd, d.Spec(), r.globalEnv, d.Pid())
	if err != nil {
		p.Reply(control.Err("%v", err))
		return
	}
	r.adminPidOwners[runner.Pid()] = runner
	r.adminReplies[runner] = p
	go r.forwardAdminResult(runner)
}

// exitResult renders an ExitInfo as the control protocol's
// {output, exit} or {output, signal} reply shape.
func exitResult(info ExitInfo) control.ExitResult {
	res := control.ExitResult{}
	if info.Signaled {
		sig := int(info.Signal)
		res.Signal = &sig
	} else {
		code := info.ExitCode
		res.Exit = &code
	}
	return res
}

// adminResult renders an AdminResult the same way, with its captured
// output attached.
func adminResult(res AdminResult) control.ExitResult {
	out := control.ExitResult{Output: res.Output}
	if res.Signaled {
		sig := int(res.Signal)
		out.Signal = &sig
	} else {
		code := res.ExitCode
		out.Exit = &code
	}
	return out
}
