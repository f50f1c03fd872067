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
	"io"
	"log"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sys/unix"

	"github.com/seismometer/shepherd/control"
)

func TestExitResultRendering(t *testing.T) {
	Convey("An exit by code renders {output, exit}", t, func() {
		res := exitResult(ExitInfo{ExitCode: 7})
		So(res.Exit, ShouldNotBeNil)
		So(*res.Exit, ShouldEqual, 7)
		So(res.Signal, ShouldBeNil)
	})

	Convey("An exit by signal renders {output, signal}", t, func() {
		res := exitResult(ExitInfo{Signaled: true, Signal: unix.SIGKILL})
		So(res.Signal, ShouldNotBeNil)
		So(*res.Signal, ShouldEqual, int(unix.SIGKILL))
		So(res.Exit, ShouldBeNil)
	})

	Convey("An admin command result carries its captured output", t, func() {
		res := adminResult(AdminResult{Output: "hello\n", ExitCode: 0})
		So(res.Output, ShouldEqual, "hello\n")
		So(*res.Exit, ShouldEqual, 0)
	})
}

func bootTestReactor(t *testing.T, spec *DaemonSpec) (sockPath string, stop func()) {
	sockPath = t.TempDir() + "/control"
	roster := NewRoster()
	specs := map[string]*DaemonSpec{spec.Name: spec}
	roster.Reload(specs)

	ctrl, err := control.Listen(sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	logger := log.New(io.Discard, "", 0)
	reactor := NewReactor(roster, nil, NewMultiLogger(), logger, ctrl, func() (map[string]*DaemonSpec, error) {
		return specs, nil
	})

	done := make(chan error, 1)
	go func() { done <- reactor.Run() }()
	time.Sleep(50 * time.Millisecond)

	stop = func() {
		unix.Kill(unix.Getpid(), unix.SIGTERM)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("reactor did not shut down within deadline")
		}
	}
	return sockPath, stop
}

func TestReactorBootAndPs(t *testing.T) {
	Convey("A reactor booted with one daemon spawns it without waiting to be asked", t, func() {
		sockPath, stop := bootTestReactor(t, &DaemonSpec{
			Name:         "boot-d",
			StartCommand: ShellCommand("sleep 5"),
		})
		defer stop()

		resp, err := control.Send(sockPath, control.Request{Command: "ps"})
		So(err, ShouldBeNil)
		So(resp.Status, ShouldEqual, "ok")

		records, ok := resp.Result.([]interface{})
		So(ok, ShouldBeTrue)
		So(len(records), ShouldEqual, 1)
	})
}

func TestReactorStopBlocksUntilExit(t *testing.T) {
	Convey("stop on a running daemon blocks until its child actually exits", t, func() {
		sockPath, stop := bootTestReactor(t, &DaemonSpec{
			Name:         "stop-d",
			StartCommand: ShellCommand("sleep 5"),
		})
		defer stop()

		respCh := make(chan control.Response, 1)
		errCh := make(chan error, 1)
		go func() {
			resp, err := control.Send(sockPath, control.Request{Command: "stop", Daemon: "stop-d"})
			respCh <- resp
			errCh <- err
		}()

		select {
		case err := <-errCh:
			So(err, ShouldBeNil)
			So((<-respCh).Status, ShouldEqual, "ok")
		case <-time.After(2 * time.Second):
			t.Fatal("stop did not complete within deadline")
		}
	})
}

func TestReactorIdempotentStop(t *testing.T) {
	Convey("stop on a stopped daemon is a no-op that returns success", t, func() {
		sockPath, stop := bootTestReactor(t, &DaemonSpec{
			Name:            "idle-d",
			StartCommand:    ShellCommand("true"),
			RestartStrategy: []time.Duration{time.Hour},
		})
		defer stop()
		time.Sleep(100 * time.Millisecond) // let the short-lived child finish and cool down

		// cancel the hour-long restart wait so the daemon is stopped
		_, err := control.Send(sockPath, control.Request{Command: "cancel_restart", Daemon: "idle-d"})
		So(err, ShouldBeNil)

		resp, err := control.Send(sockPath, control.Request{Command: "stop", Daemon: "idle-d"})
		So(err, ShouldBeNil)
		So(resp.Status, ShouldEqual, "ok")
		So(resp.Result, ShouldBeNil)
	})
}
