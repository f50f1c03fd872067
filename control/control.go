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

// Package control implements the Control Protocol (C6): one JSON
// object per line, newline terminated, over a Unix stream socket. A
// connection carries exactly one request/response pair.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
)

// Request is one decoded line of a control connection.
type Request struct {
	Command      string `json:"command"`
	Daemon       string `json:"daemon,omitempty"`
	AdminCommand string `json:"admin_command,omitempty"`
}

// Response is the single reply written back to a control connection.
type Response struct {
	Status  string      `json:"status"`
	Result  interface{} `json:"result,omitempty"`
	Message string      `json:"message,omitempty"`
}

// OK builds a successful reply, result may be nil.
func OK(result interface{}) Response {
	return Response{Status: "ok", Result: result}
}

// Err builds an error reply.
func Err(format string, args ...interface{}) Response {
	return Response{Status: "error", Message: fmt.Sprintf(format, args...)}
}

// ExitResult is the `{output, exit}` or `{output, signal}` shape
// returned for stop, restart, and admin_command (spec.md §4.6).
type ExitResult struct {
	Output string `json:"output"`
	Exit   *int   `json:"exit,omitempty"`
	Signal *int   `json:"signal,omitempty"`
}

// Pending is one accepted connection's decoded request, waiting for
// the reactor to dispatch it and supply a reply. A Pending is never
// touched by more than one goroutine at a time: readOne hands it to
// the reactor over Requests and does nothing else with the
// connection until Reply is called.
type Pending struct {
	conn net.Conn
	Req  Request
}

// Reply encodes resp as the connection's single response line and
// closes the connection. It is safe to call at most once.
func (p *Pending) Reply(resp Response) error {
	defer p.conn.Close()
	enc := json.NewEncoder(p.conn)
	return enc.Encode(resp)
}

// RemoteAddr reports the peer address, useful only for logging since
// Unix sockets rarely carry an identifying address.
func (p *Pending) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }

// Server accepts control connections on a Unix stream socket and
// decodes each connection's single request line, handing it to the
// reactor over Requests. It never itself interprets a request.
type Server struct {
	ln       *net.UnixListener
	Requests chan *Pending
}

// Listen creates the control socket at path, removing a stale socket
// file left behind by a previous run first. The returned Server's
// acceptLoop is already running.
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("control: removing stale socket %s: %w", path, err)
	}
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, fmt.Errorf("control: resolve %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("control: listen %s: %w", path, err)
	}
	s := &Server{ln: ln, Requests: make(chan *Pending)}
	go s.acceptLoop()
	return s, nil
}

// Close stops accepting new connections and removes the socket file.
func (s *Server) Close() error {
	err := s.ln.Close()
	os.Remove(s.ln.Addr().String())
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			close(s.Requests)
			return
		}
		go s.readOne(conn)
	}
}

// readOne decodes exactly one request line from conn and forwards it
// to Requests. Malformed JSON is reported as a ProtocolError-shaped
// reply directly, since there is no well-formed request to dispatch.
func (s *Server) readOne(conn net.Conn) {
	reader := bufio.NewReader(conn)
	var req Request
	dec := json.NewDecoder(reader)
	if err := dec.Decode(&req); err != nil {
		enc := json.NewEncoder(conn)
		enc.Encode(Err("malformed request: %v", err))
		conn.Close()
		return
	}
	s.Requests <- &Pending{conn: conn, Req: req}
}
