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
)

func TestRestartPolicySequence(t *testing.T) {
	Convey("A restart policy over [0, 0, 5] seconds", t, func() {
		p := NewRestartPolicy([]time.Duration{0, 0, 5 * time.Second})

		Convey("delays follow the sequence then repeat the tail", func() {
			So(p.Cursor(), ShouldEqual, 0)
			So(p.NextDelay(), ShouldEqual, 0)
			So(p.Cursor(), ShouldEqual, 1)
			So(p.NextDelay(), ShouldEqual, 0)
			So(p.Cursor(), ShouldEqual, 2)
			So(p.NextDelay(), ShouldEqual, 5*time.Second)
			So(p.Cursor(), ShouldEqual, 2)
			So(p.NextDelay(), ShouldEqual, 5*time.Second)
			So(p.Cursor(), ShouldEqual, 2)
		})

		Convey("Reset returns the cursor to zero", func() {
			p.NextDelay()
			p.NextDelay()
			So(p.Cursor(), ShouldEqual, 2)
			p.Reset()
			So(p.Cursor(), ShouldEqual, 0)
		})

		Convey("the stability window is the largest delay in the sequence", func() {
			So(p.StabilityWindow(), ShouldEqual, 5*time.Second)
		})
	})

	Convey("A restart policy over an all-zero sequence", t, func() {
		p := NewRestartPolicy([]time.Duration{0})

		Convey("falls back to the default stability window", func() {
			So(p.StabilityWindow(), ShouldEqual, DefaultStabilityWindow)
		})
	})

	Convey("An empty restart strategy normalizes to a single zero delay", t, func() {
		p := NewRestartPolicy(nil)
		So(p.NextDelay(), ShouldEqual, 0)
	})
}
