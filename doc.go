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

// Package shepherd is a daemon supervisor: it starts a declared set of
// child processes, keeps them running according to a per-daemon restart
// policy, and exposes an administrative control channel over a local
// Unix socket so operators can inspect and mutate daemon state while
// the supervisor runs.
//
// Unlike an init system, Shepherd is meant to be run by an application
// deployment, managing that deployment's own group of worker processes
// rather than the whole machine.
package shepherd
