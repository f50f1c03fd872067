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

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/seismometer/shepherd"
	"github.com/seismometer/shepherd/config"
	"github.com/seismometer/shepherd/control"
)

const defaultSocketPath = "/var/run/daemonshepherd/control"

type execFlags []string

func (e *execFlags) String() string { return strings.Join(*e, ",") }
func (e *execFlags) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func main() {
	var (
		configPath = flag.String("c", "", "roster YAML file")
		socketPath = flag.String("socket", defaultSocketPath, "control socket path")
		watch      = flag.Bool("watch", false, "watch the config file and reload on change")
	)
	var execSpecs execFlags
	flag.Var(&execSpecs, "exec", "NAME=COMMAND, repeatable; used when -c is not given")
	flag.Parse()

	logger := log.New(os.Stderr, "shepherd: ", log.LstdFlags)

	defer func() {
		if e := recover(); e != nil {
			logger.Printf("CRITICAL: %v\n%s", e, debug.Stack())
			os.Exit(1)
		}
	}()

	loader, err := buildLoader(*configPath, execSpecs)
	if err != nil {
		logger.Fatalf("%v", err)
	}

	specs, err := loader.Load()
	if err != nil {
		logger.Fatalf("%v", err)
	}

	roster := shepherd.NewRoster()
	roster.Reload(specs)

	mlog := shepherd.NewMultiLogger()
	mlog.AddLogger(logger)

	if err := os.MkdirAll(parentDir(*socketPath), 0700); err != nil {
		logger.Fatalf("cannot create socket directory: %v", err)
	}
	ctrl, err := control.Listen(*socketPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	defer ctrl.Close()

	reactor := shepherd.NewReactor(roster, envMap(os.Environ()), mlog, logger, ctrl, loader.Load)

	if *watch && *configPath != "" {
		go watchConfig(*configPath, logger)
	}

	if err := reactor.Run(); err != nil {
		logger.Fatalf("%v", err)
	}
}

func buildLoader(configPath string, execSpecs execFlags) (config.Loader, error) {
	if configPath != "" {
		return &config.FileLoader{Path: configPath}, nil
	}
	if len(execSpecs) == 0 {
		return nil, fmt.Errorf("either -c or at least one -exec is required")
	}
	return &config.ExecLoader{Specs: execSpecs}, nil
}

// watchConfig sends SIGHUP to ourselves whenever the config file
// changes, folding file-watch reloads into the same path as an
// operator-sent SIGHUP.
func watchConfig(path string, logger *log.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Printf("config watch disabled: %v", err)
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		logger.Printf("config watch disabled: %v", err)
		return
	}
	self, err := os.FindProcess(os.Getpid())
	if err != nil {
		return
	}
	for ev := range watcher.Events {
		if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
			self.Signal(syscall.SIGHUP)
		}
	}
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, val, ok := strings.Cut(kv, "="); ok {
			m[name] = val
		}
	}
	return m
}

func parentDir(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i <= 0 {
		return "."
	}
	return path[:i]
}
