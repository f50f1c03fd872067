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
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sys/unix"
)

func sleeperSpec(name string, seconds int) *DaemonSpec {
	return &DaemonSpec{
		Name:            name,
		StartCommand:    ShellCommand("sleep " + itoa(seconds)),
		RestartStrategy: []time.Duration{0},
	}
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}

func reapChild(d *Daemon) {
	pid := d.Pid()
	var ws unix.WaitStatus
	unix.Wait4(pid, &ws, 0, nil)
	d.Reap(ws, time.Now())
}

func TestDaemonStartAndExit(t *testing.T) {
	Convey("A freshly built daemon record starts stopped", t, func() {
		spec := sleeperSpec("d1", 10)
		d := NewDaemon(spec, 1)
		So(d.State(), ShouldEqual, Stopped)

		Convey("Start spawns a child and transitions to running", func() {
			mlog := NewMultiLogger()
			d.Start(time.Now(), nil, mlog, true)
			So(d.State(), ShouldEqual, Running)
			So(d.Pid(), ShouldBeGreaterThan, 0)

			Convey("an exit before the stability window elapses schedules a cooling_down wake", func() {
				pid := d.Pid()
				unix.Kill(pid, unix.SIGKILL)
				var ws unix.WaitStatus
				unix.Wait4(pid, &ws, 0, nil)
				action := d.HandleExit(ExitInfo{Signaled: true, Signal: unix.SIGKILL}, time.Now())
				So(action, ShouldEqual, ActionNone)
				So(d.State(), ShouldEqual, CoolingDown)
				So(d.NextWake().IsZero(), ShouldBeFalse)
			})
		})
	})
}

func TestDaemonBeginStop(t *testing.T) {
	Convey("A running daemon asked to stop", t, func() {
		spec := sleeperSpec("d2", 10)
		d := NewDaemon(spec, 1)
		mlog := NewMultiLogger()
		d.Start(time.Now(), nil, mlog, true)
		So(d.State(), ShouldEqual, Running)

		Convey("with no stop_command sends TERM directly and transitions to stopping", func() {
			action := d.BeginStop(time.Now(), false)
			So(action, ShouldEqual, ActionNone)
			So(d.State(), ShouldEqual, Stopping)
			So(d.KillDeadline().IsZero(), ShouldBeFalse)

			reapChild(d)
			So(d.State(), ShouldEqual, Stopped)
		})

		Convey("with restart intent set, respawns immediately once the old child exits", func() {
			action := d.BeginStop(time.Now(), true)
			So(action, ShouldEqual, ActionNone)

			pid := d.Pid()
			var ws unix.WaitStatus
			unix.Wait4(pid, &ws, 0, nil)
			exitAction := d.HandleExit(ExitInfo{StopInitiated: true}, time.Now())
			So(exitAction, ShouldEqual, ActionSpawnNow)
		})
	})
}

func TestDaemonBeginRemove(t *testing.T) {
	Convey("Removing a stopped daemon evicts it immediately", t, func() {
		spec := sleeperSpec("d3", 10)
		d := NewDaemon(spec, 1)
		action := d.BeginRemove(time.Now())
		So(action, ShouldEqual, ActionEvict)
		So(d.State(), ShouldEqual, Dead)
	})

	Convey("Removing a running daemon stops it first", t, func() {
		spec := sleeperSpec("d4", 10)
		d := NewDaemon(spec, 1)
		mlog := NewMultiLogger()
		d.Start(time.Now(), nil, mlog, true)
		action := d.BeginRemove(time.Now())
		So(action, ShouldEqual, ActionNone)
		So(d.State(), ShouldEqual, Stopping)
		So(d.IsRemoving(), ShouldBeTrue)

		reapChild(d)
		So(d.State(), ShouldEqual, Dead)
	})
}

func TestDaemonCancelRestart(t *testing.T) {
	Convey("cancel_restart on a cooling_down daemon clears the wake and leaves it stopped", t, func() {
		spec := sleeperSpec("d5", 0)
		spec.StartCommand = ShellCommand("false")
		d := NewDaemon(spec, 1)
		mlog := NewMultiLogger()
		d.Start(time.Now(), nil, mlog, true)
		reapChild(d)
		So(d.State(), ShouldEqual, CoolingDown)

		d.CancelRestart(time.Now())
		So(d.State(), ShouldEqual, Stopped)
		So(d.NextWake().IsZero(), ShouldBeTrue)
	})
}
