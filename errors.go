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
	"errors"
	"fmt"
)

var (
	ErrNoSuchDaemon  = errors.New("no such daemon")
	ErrNoSuchCommand = errors.New("no such admin command")
	ErrAlreadyExists = errors.New("daemon already exists")
	ErrBadRestart    = errors.New("restart delays must not be negative")
	ErrNotRunning    = errors.New("daemon is not running")
	ErrDraining      = errors.New("supervisor is shutting down")
)

// ConfigError wraps a failure to load or validate a configuration. It is
// fatal at boot, and reported back to the caller (without touching the
// live roster) on a reload request.
type ConfigError struct {
	Source string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %v", e.Source, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SpawnError records a fork/exec-time failure. The caller (the restart
// policy) still sees a synthetic exit so backoff continues to apply.
type SpawnError struct {
	Daemon string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Daemon, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError indicates a malformed control request. The connection is
// closed after the reply is written.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// UnknownDaemonError names a daemon that the roster doesn't hold.
type UnknownDaemonError struct {
	Name string
}

func (e *UnknownDaemonError) Error() string {
	return fmt.Sprintf("unknown daemon: %s", e.Name)
}

func (e *UnknownDaemonError) Is(target error) bool {
	return target == ErrNoSuchDaemon
}

// UnknownCommandError names an admin command that a daemon's spec
// doesn't declare.
type UnknownCommandError struct {
	Daemon, Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown admin command %q for daemon %s", e.Command, e.Daemon)
}

func (e *UnknownCommandError) Is(target error) bool {
	return target == ErrNoSuchCommand
}

// TransportError wraps a control-socket I/O failure. It is logged and
// the offending connection is dropped; the supervisor continues.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
