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

package config

import (
	"fmt"
	"strings"

	"github.com/seismometer/shepherd"
)

// ExecLoader builds the "simplified roster" of spec.md §6: each
// Specs entry is one "NAME=COMMAND" pair from a repeated --exec flag,
// producing a daemon with only start_command set, merged with the
// command-line Defaults. Load is idempotent; the roster never
// changes underneath a running supervisor unless --exec itself is
// re-issued, which Shepherd does not support (there is no config
// file to re-read).
type ExecLoader struct {
	Specs    []string
	Defaults shepherd.DaemonSpec
}

func (l *ExecLoader) Load() (map[string]*shepherd.DaemonSpec, error) {
	specs := make(map[string]*shepherd.DaemonSpec, len(l.Specs))
	for _, entry := range l.Specs {
		name, cmd, ok := strings.Cut(entry, "=")
		if !ok || name == "" || cmd == "" {
			return nil, &shepherd.ConfigError{Source: "--exec", Err: fmt.Errorf("invalid entry %q, want NAME=COMMAND", entry)}
		}
		spec := l.Defaults
		spec.Name = name
		spec.StartCommand = shepherd.ShellCommand(cmd)
		specs[name] = &spec
	}
	return specs, nil
}
