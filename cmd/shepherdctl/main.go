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

// Command shepherdctl is the thin client for Shepherd's control
// socket: it sends exactly one request and prints the reply.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/seismometer/shepherd/control"
)

const defaultSocketPath = "/var/run/daemonshepherd/control"

func main() {
	socketPath := flag.String("socket", defaultSocketPath, "control socket path")
	daemon := flag.String("daemon", "", "daemon name")
	adminCmd := flag.String("admin-command", "", "admin command name, for the admin_command request")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: shepherdctl [-socket path] [-daemon name] [-admin-command name] <command>")
		os.Exit(1)
	}
	req := control.Request{
		Command:      flag.Arg(0),
		Daemon:       *daemon,
		AdminCommand: *adminCmd,
	}

	resp, err := control.Send(*socketPath, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if resp.Status != "ok" {
		fmt.Fprintln(os.Stderr, resp.Message)
		os.Exit(1)
	}

	os.Exit(report(req.Command, resp))
}

// report prints the result in a human-readable form and returns the
// exit code the client should use: mirroring the managed child's
// exit for stop/restart/admin_command, 0 for everything else
// (spec.md §6).
func report(command string, resp control.Response) int {
	if resp.Result == nil {
		return 0
	}

	raw, err := json.Marshal(resp.Result)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch command {
	case "stop", "restart", "admin_command":
		var res control.ExitResult
		if err := json.Unmarshal(raw, &res); err != nil {
			fmt.Fprintln(os.Stdout, string(raw))
			return 0
		}
		if res.Output != "" {
			fmt.Fprint(os.Stdout, res.Output)
		}
		if res.Signal != nil {
			fmt.Fprintf(os.Stderr, "signal %d\n", *res.Signal)
			return 255 + *res.Signal
		}
		if res.Exit != nil {
			return *res.Exit
		}
		return 0
	default:
		var pretty []byte
		pretty, err = json.MarshalIndent(resp.Result, "", "  ")
		if err != nil {
			pretty = raw
		}
		fmt.Fprintln(os.Stdout, string(pretty))
		return 0
	}
}
