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

package control

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func dial(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

func readResponse(conn net.Conn) (Response, error) {
	var resp Response
	err := json.NewDecoder(conn).Decode(&resp)
	return resp, err
}

func TestServerRequestResponseRoundTrip(t *testing.T) {
	Convey("A Server accepting one connection", t, func() {
		sockPath := t.TempDir() + "/control"
		srv, err := Listen(sockPath)
		So(err, ShouldBeNil)
		defer srv.Close()

		Convey("delivers the decoded request and accepts a reply", func() {
			respCh := make(chan Response, 1)
			errCh := make(chan error, 1)
			go func() {
				resp, err := Send(sockPath, Request{Command: "ps"})
				respCh <- resp
				errCh <- err
			}()

			select {
			case pending := <-srv.Requests:
				So(pending.Req.Command, ShouldEqual, "ps")
				So(pending.Reply(OK([]string{"a", "b"})), ShouldBeNil)
			case <-time.After(time.Second):
				t.Fatal("server never received the request")
			}

			So(<-errCh, ShouldBeNil)
			resp := <-respCh
			So(resp.Status, ShouldEqual, "ok")
		})

		Convey("reports a malformed request as an error reply without reaching Requests", func() {
			conn, err := dial(sockPath)
			So(err, ShouldBeNil)
			defer conn.Close()
			_, err = conn.Write([]byte("not json\n"))
			So(err, ShouldBeNil)

			resp, err := readResponse(conn)
			So(err, ShouldBeNil)
			So(resp.Status, ShouldEqual, "error")

			select {
			case <-srv.Requests:
				t.Fatal("malformed request reached Requests")
			default:
			}
		})
	})
}

func TestOKAndErr(t *testing.T) {
	Convey("OK wraps a result with status ok", t, func() {
		resp := OK(42)
		So(resp.Status, ShouldEqual, "ok")
		So(resp.Result, ShouldEqual, 42)
	})

	Convey("Err formats a message with status error", t, func() {
		resp := Err("bad %s", "daemon")
		So(resp.Status, ShouldEqual, "error")
		So(resp.Message, ShouldEqual, "bad daemon")
	})
}
