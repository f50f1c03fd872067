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

// Package config loads Shepherd's YAML roster file (or a simplified
// command-line roster) into the shepherd package's DaemonSpec values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seismometer/shepherd"
)

// commandYAML accepts either a single string (run through a shell) or
// a list of strings (exec'd directly) for start_command, stop_command,
// and each entry of commands, per spec.md §6.
type commandYAML struct {
	shell string
	argv  []string
	set   bool
}

func (c *commandYAML) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		c.shell = s
		c.set = true
		return nil
	case yaml.SequenceNode:
		var argv []string
		if err := node.Decode(&argv); err != nil {
			return err
		}
		if len(argv) == 0 {
			return fmt.Errorf("command list must not be empty")
		}
		c.argv = argv
		c.set = true
		return nil
	default:
		return fmt.Errorf("command must be a string or a list of strings")
	}
}

func (c commandYAML) toCommand() shepherd.Command {
	if !c.set {
		return shepherd.Command{}
	}
	if c.shell != "" {
		return shepherd.ShellCommand(c.shell)
	}
	return shepherd.ArgvCommand(c.argv)
}

// defaultsYAML is the subset of spec keys that "defaults" may supply,
// applied to every daemon that doesn't override them (spec.md §6).
type defaultsYAML struct {
	Cwd           string            `yaml:"cwd"`
	Environment   map[string]string `yaml:"environment"`
	Stdout        string            `yaml:"stdout"`
	User          string            `yaml:"user"`
	Group         string            `yaml:"group"`
	StartPriority *int              `yaml:"start_priority"`
	Restart       []int             `yaml:"restart"`
}

type daemonYAML struct {
	StartCommand  commandYAML            `yaml:"start_command"`
	StopCommand   commandYAML            `yaml:"stop_command"`
	StartPriority *int                   `yaml:"start_priority"`
	Cwd           string                 `yaml:"cwd"`
	Environment   map[string]string      `yaml:"environment"`
	User          string                 `yaml:"user"`
	Group         string                 `yaml:"group"`
	Stdout        string                 `yaml:"stdout"`
	Restart       []int                  `yaml:"restart"`
	Commands      map[string]commandYAML `yaml:"commands"`
}

// File is the top-level shape of the YAML roster file.
type File struct {
	Defaults defaultsYAML          `yaml:"defaults"`
	Daemons  map[string]daemonYAML `yaml:"daemons"`
}

const defaultStartPriority = 10

// Loader produces the current mapping of daemon name to spec. Shepherd
// calls it at boot and on every reload (spec.md §4.4).
type Loader interface {
	Load() (map[string]*shepherd.DaemonSpec, error)
}

// FileLoader loads a YAML roster file from Path on every call to
// Load, so edits made between reloads are picked up.
type FileLoader struct {
	Path string
}

func (l *FileLoader) Load() (map[string]*shepherd.DaemonSpec, error) {
	data, err := os.ReadFile(l.Path)
	if err != nil {
		return nil, &shepherd.ConfigError{Source: l.Path, Err: err}
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &shepherd.ConfigError{Source: l.Path, Err: err}
	}
	specs := make(map[string]*shepherd.DaemonSpec, len(f.Daemons))
	for name, dy := range f.Daemons {
		spec, err := buildSpec(name, dy, f.Defaults)
		if err != nil {
			return nil, &shepherd.ConfigError{Source: l.Path, Err: err}
		}
		specs[name] = spec
	}
	return specs, nil
}

func buildSpec(name string, dy daemonYAML, defaults defaultsYAML) (*shepherd.DaemonSpec, error) {
	if !dy.StartCommand.set {
		return nil, fmt.Errorf("daemon %q: start_command is required", name)
	}

	cwd := dy.Cwd
	if cwd == "" {
		cwd = defaults.Cwd
	}
	user := dy.User
	if user == "" {
		user = defaults.User
	}
	group := dy.Group
	if group == "" {
		group = defaults.Group
	}
	stdoutRaw := dy.Stdout
	if stdoutRaw == "" {
		stdoutRaw = defaults.Stdout
	}
	stdout, err := parseStdoutMode(stdoutRaw)
	if err != nil {
		return nil, fmt.Errorf("daemon %q: %w", name, err)
	}

	priority := defaultStartPriority
	switch {
	case dy.StartPriority != nil:
		priority = *dy.StartPriority
	case defaults.StartPriority != nil:
		priority = *defaults.StartPriority
	}

	restart := dy.Restart
	if restart == nil {
		restart = defaults.Restart
	}
	strategy, err := toDurations(restart)
	if err != nil {
		return nil, fmt.Errorf("daemon %q: %w", name, err)
	}

	env := make(map[string]string, len(defaults.Environment)+len(dy.Environment))
	for k, v := range defaults.Environment {
		env[k] = v
	}
	for k, v := range dy.Environment {
		env[k] = v
	}

	var admin map[string]shepherd.Command
	if len(dy.Commands) > 0 {
		admin = make(map[string]shepherd.Command, len(dy.Commands))
		for cname, c := range dy.Commands {
			admin[cname] = c.toCommand()
		}
	}

	return &shepherd.DaemonSpec{
		Name:            name,
		StartCommand:    dy.StartCommand.toCommand(),
		StopCommand:     dy.StopCommand.toCommand(),
		StartPriority:   priority,
		Cwd:             cwd,
		Environment:     env,
		User:            user,
		Group:           group,
		StdoutMode:      stdout,
		RestartStrategy: strategy,
		AdminCommands:   admin,
	}, nil
}

func parseStdoutMode(s string) (shepherd.StdoutMode, error) {
	switch s {
	case "", "console":
		return shepherd.StdoutConsole, nil
	case "/dev/null", "devnull":
		return shepherd.StdoutDevNull, nil
	case "log":
		return shepherd.StdoutLog, nil
	default:
		return 0, fmt.Errorf("invalid stdout mode %q", s)
	}
}

func toDurations(seconds []int) ([]time.Duration, error) {
	if len(seconds) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(seconds))
	for _, s := range seconds {
		if s < 0 {
			return nil, shepherd.ErrBadRestart
		}
		out = append(out, time.Duration(s)*time.Second)
	}
	return out, nil
}
