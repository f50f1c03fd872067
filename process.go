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
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// SignalKind is the set of signals a Child Handle may be asked to
// deliver to its child. Shepherd never sends SIGHUP to a child.
type SignalKind int

const (
	SigTerm SignalKind = iota
	SigKill
)

func (k SignalKind) os() unix.Signal {
	if k == SigKill {
		return unix.SIGKILL
	}
	return unix.SIGTERM
}

// ExitInfo is the observation a Child Handle delivers exactly once,
// when its child has been reaped.
type ExitInfo struct {
	ExitCode      int
	Signal        unix.Signal
	Signaled      bool
	StopInitiated bool
}

// Process is the Child Handle (C1): it spawns a child with its fully
// resolved environment and identity, owns the captured-output pipe,
// and reports its exit to the reactor exactly once.
//
// A Process is owned exclusively by its Daemon record. The reactor may
// hold a non-owning reference for pid-to-daemon lookup during reap.
type Process struct {
	name string
	spec *DaemonSpec
	dlog *Log

	mu            sync.Mutex
	cmd           *exec.Cmd
	pid           int
	startTime     time.Time
	stopInitiated bool
	reaped        bool
}

// SpawnFailed reports that fork/exec itself failed. The reactor treats
// this as a synthetic exit with code -1 so that the restart policy
// still applies (spec.md §4.1).
type SpawnFailed struct {
	Err error
}

func (e *SpawnFailed) Error() string { return fmt.Sprintf("spawn failed: %v", e.Err) }
func (e *SpawnFailed) Unwrap() error { return e.Err }

// Spawn starts spec's start command with its resolved identity,
// working directory, and environment, and wires stdout/stderr
// according to spec.StdoutMode. On success it returns a running
// Process; on failure it returns a *SpawnFailed.
func Spawn(spec *DaemonSpec, globalEnv map[string]string, mlog *MultiLogger, dlog *Log) (*Process, error) {
	cmd := spec.StartCommand.build()
	if err := prepareCmd(cmd, spec, globalEnv); err != nil {
		return nil, &SpawnFailed{Err: err}
	}

	p := &Process{name: spec.Name, spec: spec, dlog: dlog, cmd: cmd}

	if err := attachOutput(cmd, spec, p, mlog); err != nil {
		return nil, &SpawnFailed{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &SpawnFailed{Err: err}
	}

	p.pid = cmd.Process.Pid
	p.startTime = time.Now()
	return p, nil
}

// prepareCmd applies cwd, environment, and user/group switching
// "between fork and exec" -- the Go analogue, since os/exec never
// exposes a raw fork(), is to populate Dir/Env/SysProcAttr before
// Start(). The child is always made its own process-group leader and
// always has its stdin redirected to /dev/null, matching the behavior
// of the original daemonshepherd implementation this spec was
// distilled from.
func prepareCmd(cmd *exec.Cmd, spec *DaemonSpec, globalEnv map[string]string) error {
	cmd.Dir = spec.Cwd
	cmd.Env = composeEnv(globalEnv, spec.Environment)

	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.User != "" || spec.Group != "" {
		cred, err := lookupCredential(spec.User, spec.Group)
		if err != nil {
			return err
		}
		attr.Credential = cred
	}
	cmd.SysProcAttr = attr

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return err
	}
	cmd.Stdin = devnull
	return nil
}

// composeEnv merges the supervisor's global defaults with a daemon's
// own overrides, the daemon's overrides winning on key collision.
func composeEnv(globalEnv, override map[string]string) []string {
	merged := make(map[string]string, len(globalEnv)+len(override))
	for k, v := range globalEnv {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

func lookupCredential(username, groupname string) (*syscall.Credential, error) {
	uid, gid := -1, -1
	if username != "" {
		u, err := user.Lookup(username)
		if err != nil {
			return nil, err
		}
		uid, err = strconv.Atoi(u.Uid)
		if err != nil {
			return nil, err
		}
		gid, err = strconv.Atoi(u.Gid)
		if err != nil {
			return nil, err
		}
	}
	if groupname != "" {
		g, err := user.LookupGroup(groupname)
		if err != nil {
			return nil, err
		}
		gid, err = strconv.Atoi(g.Gid)
		if err != nil {
			return nil, err
		}
	}
	cred := &syscall.Credential{}
	if uid >= 0 {
		cred.Uid = uint32(uid)
	}
	if gid >= 0 {
		cred.Gid = uint32(gid)
	}
	return cred, nil
}

// attachOutput wires stdout/stderr per spec.StdoutMode. For StdoutLog
// it starts the sanctioned off-reactor-thread reader goroutines, one
// for stdout and one for stderr, which write captured lines into both
// the daemon's private ring buffer and the shared MultiLogger.
func attachOutput(cmd *exec.Cmd, spec *DaemonSpec, p *Process, mlog *MultiLogger) error {
	switch spec.StdoutMode {
	case StdoutConsole:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil
	case StdoutDevNull:
		devnull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return err
		}
		cmd.Stdout = devnull
		cmd.Stderr = devnull
		return nil
	case StdoutLog:
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return err
		}
		var tagged *log.Logger
		if mlog != nil {
			tagged = mlog.Tagged(spec.Name)
		}
		go p.doLog(stdout, "stdout> ", tagged)
		go p.doLog(stderr, "stderr> ", tagged)
		return nil
	default:
		return fmt.Errorf("unknown stdout mode %v", spec.StdoutMode)
	}
}

// doLog reads captured output line by line and forwards it to logger
// (the MultiLogger's per-daemon tagged logger, see MultiLogger.Tagged)
// and to the daemon's own bounded log. streamPrefix distinguishes
// stdout from stderr within that daemon's tagged lines. Pipe closure
// implies nothing about the child's liveness; process reap is the
// only liveness signal.
func (p *Process) doLog(r io.ReadCloser, streamPrefix string, logger *log.Logger) {
	defer r.Close()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			line = strings.TrimRight(line, "\n")
			if logger != nil {
				logger.Print(streamPrefix, line)
			}
			if p.dlog != nil {
				p.dlog.Write([]byte(streamPrefix + line))
			}
		}
		if err != nil {
			return
		}
	}
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// StartTime returns when the child was successfully started.
func (p *Process) StartTime() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startTime
}

// Signal delivers TERM or KILL to the child. It is idempotent: no
// error is returned if the child has already exited.
func (p *Process) Signal(kind SignalKind) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaped || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(kind.os()); err != nil {
		if err == os.ErrProcessDone || err == unix.ESRCH {
			return nil
		}
		return err
	}
	return nil
}

// MarkStopInitiated records that the supervisor, not the child itself,
// triggered this exit (via stop_command or a signal from an operator
// stop/restart/reload). It is reflected in the ExitInfo delivered to
// on_exit.
func (p *Process) MarkStopInitiated() {
	p.mu.Lock()
	p.stopInitiated = true
	p.mu.Unlock()
}

// Reap converts a wait status observed by the reactor's non-blocking
// drain into the on_exit observation. It is called exactly once per
// Process.
func (p *Process) Reap(ws unix.WaitStatus) ExitInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reaped = true
	info := ExitInfo{StopInitiated: p.stopInitiated}
	switch {
	case ws.Exited():
		info.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		info.Signaled = true
		info.Signal = ws.Signal()
	}
	return info
}
