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

func TestRosterStartupGroups(t *testing.T) {
	Convey("A roster with daemons at mixed priorities", t, func() {
		r := NewRoster()
		specs := map[string]*DaemonSpec{
			"low":    {Name: "low", StartCommand: ShellCommand("true"), StartPriority: 20},
			"high-a": {Name: "high-a", StartCommand: ShellCommand("true"), StartPriority: 5},
			"high-b": {Name: "high-b", StartCommand: ShellCommand("true"), StartPriority: 5},
		}
		r.Reload(specs)

		Convey("groups daemons by ascending start_priority", func() {
			groups := r.StartupGroups()
			So(len(groups), ShouldEqual, 2)
			So(len(groups[0]), ShouldEqual, 2)
			So(groups[0][0].Spec().StartPriority, ShouldEqual, 5)
			So(len(groups[1]), ShouldEqual, 1)
			So(groups[1][0].Name(), ShouldEqual, "low")
		})
	})
}

func TestRosterReloadDiff(t *testing.T) {
	Convey("Reloading an existing roster with the same specs", t, func() {
		r := NewRoster()
		specA := &DaemonSpec{Name: "a", StartCommand: ShellCommand("sleep 1000")}
		r.Reload(map[string]*DaemonSpec{"a": specA})
		d, _ := r.Find("a")
		d.Start(time.Now(), nil, NewMultiLogger(), true)
		cursorBefore := d.RestartCursor()

		Convey("an unchanged spec preserves state and cursor", func() {
			diff := r.Reload(map[string]*DaemonSpec{"a": specA})
			So(diff.Unchanged, ShouldContain, "a")
			So(diff.Changed, ShouldBeEmpty)
			same, _ := r.Find("a")
			So(same.State(), ShouldEqual, Running)
			So(same.RestartCursor(), ShouldEqual, cursorBefore)
		})

		Convey("a changed spec stops the running child and stages the new spec", func() {
			specA2 := &DaemonSpec{Name: "a", StartCommand: ShellCommand("sleep 2000")}
			diff := r.Reload(map[string]*DaemonSpec{"a": specA2})
			So(diff.Changed, ShouldContain, "a")
			changed, _ := r.Find("a")
			So(changed.State(), ShouldEqual, Stopping)
		})

		Convey("a removed spec stops the running child and will evict once it exits", func() {
			diff := r.Reload(map[string]*DaemonSpec{})
			So(diff.Removed, ShouldContain, "a")
			removed, _ := r.Find("a")
			So(removed.State(), ShouldEqual, Stopping)
			So(removed.IsRemoving(), ShouldBeTrue)
		})

		Reset(func() {
			if d, ok := r.Find("a"); ok && d.Pid() > 0 {
				unix.Kill(d.Pid(), unix.SIGKILL)
				reapChild(d)
			}
		})
	})

	Convey("Reloading with a brand-new name adds a stopped record", t, func() {
		r := NewRoster()
		diff := r.Reload(map[string]*DaemonSpec{"b": {Name: "b", StartCommand: ShellCommand("true")}})
		So(diff.Added, ShouldContain, "b")
		d, ok := r.Find("b")
		So(ok, ShouldBeTrue)
		So(d.State(), ShouldEqual, Stopped)
	})
}

func TestRosterReloadDuringStop(t *testing.T) {
	Convey("Reloading a changed spec while its old child is already stopping", t, func() {
		r := NewRoster()
		specA := &DaemonSpec{Name: "a", StartCommand: ShellCommand("sleep 1000")}
		r.Reload(map[string]*DaemonSpec{"a": specA})
		d, _ := r.Find("a")
		d.Start(time.Now(), nil, NewMultiLogger(), true)
		d.BeginStop(time.Now(), false)
		So(d.State(), ShouldEqual, Stopping)
		oldPid := d.Pid()

		specA2 := &DaemonSpec{Name: "a", StartCommand: ShellCommand("sleep 2000")}
		diff := r.Reload(map[string]*DaemonSpec{"a": specA2})

		Convey("stages the new spec without touching the live child or respawning early", func() {
			So(diff.Changed, ShouldContain, "a")
			changed, _ := r.Find("a")
			So(changed.State(), ShouldEqual, Stopping)
			So(changed.Pid(), ShouldEqual, oldPid)
			So(changed.Spec(), ShouldEqual, specA)

			Convey("StartupGroups never sees it, so no duplicate child is spawned", func() {
				for _, group := range r.StartupGroups() {
					for _, gd := range group {
						So(gd.Name(), ShouldNotEqual, "a")
					}
				}
			})

			Convey("once the old child is reaped, the staged spec takes over and a respawn is ordered", func() {
				var ws unix.WaitStatus
				unix.Wait4(changed.Pid(), &ws, 0, nil)
				_, action := changed.Reap(ws, time.Now())
				So(changed.Spec(), ShouldEqual, specA2)
				So(action, ShouldEqual, ActionSpawnNow)
			})
		})

		Reset(func() {
			if live, ok := r.Find("a"); ok && live.Pid() > 0 {
				reapChild(live)
			}
		})
	})
}
