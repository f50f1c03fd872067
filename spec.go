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
	"reflect"
	"time"
)

// StdoutMode selects what happens to a daemon's standard output and
// standard error.
type StdoutMode int

const (
	StdoutConsole StdoutMode = iota // inherit the supervisor's stdout/stderr
	StdoutDevNull                   // redirect to /dev/null
	StdoutLog                       // pipe to the supervisor, forwarded line by line
)

func (m StdoutMode) String() string {
	switch m {
	case StdoutConsole:
		return "console"
	case StdoutDevNull:
		return "devnull"
	case StdoutLog:
		return "log"
	default:
		return "unknown"
	}
}

// DaemonSpec is the immutable configuration of one daemon for the
// lifetime of a single roster generation.
type DaemonSpec struct {
	Name            string
	StartCommand    Command
	StopCommand     Command // zero value means "terminate by signal"
	StartPriority   int
	Cwd             string
	Environment     map[string]string
	User            string
	Group           string
	StdoutMode      StdoutMode
	RestartStrategy []time.Duration
	AdminCommands   map[string]Command
}

// Equal reports whether two specs are deeply identical. Roster.Reload
// uses this to decide whether a daemon counts as "unchanged" or
// "changed" across a reload.
func (s *DaemonSpec) Equal(o *DaemonSpec) bool {
	if s == nil || o == nil {
		return s == o
	}
	return reflect.DeepEqual(s, o)
}
