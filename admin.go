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
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// adminOutputCap bounds how much of an admin command's output Shepherd
// will hold onto before truncating (spec.md §4.7).
const adminOutputCap = 64 * 1024

// boundedBuffer is an io.Writer that caps how many bytes it retains,
// appending a truncation marker once the cap is exceeded.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	cap       int
	truncated bool
}

func newBoundedBuffer(capacity int) *boundedBuffer {
	return &boundedBuffer{cap: capacity}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return len(p), nil
	}
	remaining := b.cap - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return string(b.buf) + "...[truncated]"
	}
	return string(b.buf)
}

// AdminResult is the exit disposition and captured output of a
// completed admin command, ready to be mirrored into a control reply.
type AdminResult struct {
	Output   string
	ExitCode int
	Signal   unix.Signal
	Signaled bool
}

// AdminRunner is the Admin Command Runner (C7): a synchronous one-shot
// subprocess, not a daemon, spawned under the same identity/cwd/
// environment as the daemon it is associated with. Its completion is
// reported once both its exit has been reaped by the reactor and its
// output readers have drained, on Done().
type AdminRunner struct {
	cmd *exec.Cmd
	pid int
	buf *boundedBuffer

	mu      sync.Mutex
	reaped  bool
	outDone bool
	result  AdminResult
	done    chan AdminResult
}

// StartAdminCommand spawns cmd with spec's identity, cwd, and
// environment (composed with globalEnv exactly as the daemon's own
// start command would be, per spec.md §9's Open Question resolution),
// plus a PID variable naming the associated daemon's child, if any.
func StartAdminCommand(cmd Command, spec *DaemonSpec, globalEnv map[string]string, daemonPid int) (*AdminRunner, error) {
	c := cmd.build()
	c.Dir = spec.Cwd
	env := composeEnv(globalEnv, spec.Environment)
	if daemonPid > 0 {
		env = append(env, fmt.Sprintf("PID=%d", daemonPid))
	}
	c.Env = env

	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.User != "" || spec.Group != "" {
		cred, err := lookupCredential(spec.User, spec.Group)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
	}
	c.SysProcAttr = attr

	devnull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, err
	}
	c.Stdin = devnull

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, err
	}

	r := &AdminRunner{cmd: c, buf: newBoundedBuffer(adminOutputCap), done: make(chan AdminResult, 1)}

	if err := c.Start(); err != nil {
		return nil, err
	}
	r.pid = c.Process.Pid

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(r.buf, stdout); stdout.Close() }()
	go func() { defer wg.Done(); io.Copy(r.buf, stderr); stderr.Close() }()
	go func() {
		wg.Wait()
		r.mu.Lock()
		r.outDone = true
		r.maybeFinalize()
		r.mu.Unlock()
	}()
	return r, nil
}

// Pid returns the admin command's process id, used by the reactor to
// route a reaped exit back to this runner.
func (r *AdminRunner) Pid() int { return r.pid }

// Done delivers the AdminResult exactly once, after both the process
// has been reaped and its output readers have drained.
func (r *AdminRunner) Done() <-chan AdminResult { return r.done }

// Reap records a wait status observed by the reactor's non-blocking
// drain for this runner's pid.
func (r *AdminRunner) Reap(ws unix.WaitStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reaped = true
	switch {
	case ws.Exited():
		r.result.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		r.result.Signaled = true
		r.result.Signal = ws.Signal()
	}
	r.maybeFinalize()
}

// maybeFinalize publishes the result once both completion conditions
// are met. The caller must hold r.mu.
func (r *AdminRunner) maybeFinalize() {
	if !r.reaped || !r.outDone {
		return
	}
	r.result.Output = r.buf.String()
	select {
	case r.done <- r.result:
	default:
	}
}
