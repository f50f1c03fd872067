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
	"strings"
	"sync"
	"time"
)

const (
	MaxLogRecords = 1000
)

// LogRecord is one captured line of a daemon's output.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Log is a bounded ring buffer of recent output lines for a single
// daemon. It implements io.Writer, so a *log.Logger writing into it
// can be added to a MultiLogger.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	mx         sync.Mutex
}

// Write implements io.Writer, storing each line of b as one record.
func (log *Log) Write(b []byte) (int, error) {
	if log.maxRecords == 0 {
		log.maxRecords = MaxLogRecords
	}
	if log.records == nil {
		log.records = make([]LogRecord, log.maxRecords)
		log.numRecords = 0
	}
	str := strings.Trim(string(b), "\n")
	log.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := log.numRecords % log.maxRecords
		log.id++
		log.records[idx].Text = line
		log.records[idx].Id = log.id
		log.records[idx].Time = time.Now()
		// NB: numRecords may actually be more than maxRecords.
		// In that case, we've looped, but we use this really to
		// track the next index.
		log.numRecords++
	}
	log.mx.Unlock()
	return len(b), nil
}

// Clear discards all buffered records.
func (log *Log) Clear() {
	log.mx.Lock()
	log.numRecords = 0
	log.id = time.Now().UnixNano()
	log.mx.Unlock()
}

// GetRecords returns the records currently buffered, oldest first.
func (log *Log) GetRecords() []LogRecord {
	log.mx.Lock()
	defer log.mx.Unlock()
	cnt := log.numRecords
	if cnt > log.maxRecords {
		cnt = log.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := log.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, log.records[index%log.maxRecords])
		index++
	}
	return recs
}

// NewLog returns a Log instance with the default capacity.
func NewLog() *Log {
	return &Log{
		maxRecords: MaxLogRecords,
		id:         time.Now().UnixNano(),
	}
}
