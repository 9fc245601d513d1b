// Copyright 2026 The Brood Authors
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

package brood

import (
	"strings"
	"sync"
	"time"
)

const (
	// MaxLogRecords bounds the in-memory ring.
	MaxLogRecords = 1000

	// SupervisorSlot tags log records that come from the supervisor
	// itself rather than from a worker.
	SupervisorSlot = -1
)

// LogRecord is one retained log line.  Slot is the worker slot the line
// belongs to, or SupervisorSlot.
type LogRecord struct {
	Id   int64     `json:"id,string"`
	Time time.Time `json:"time"`
	Slot int       `json:"slot"`
	Text string    `json:"text"`
}

// Log is a fixed-size ring of recent log records shared by the supervisor
// and all workers.  Record ids are monotone and suitable for use as Etags;
// Watch blocks until the log has moved past a given id.
type Log struct {
	records    []LogRecord
	numRecords int
	maxRecords int
	id         int64
	cvs        map[*sync.Cond]bool
	mx         sync.Mutex
}

// NewLog returns an empty ring log.
func NewLog() *Log {
	return &Log{
		records:    make([]LogRecord, MaxLogRecords),
		maxRecords: MaxLogRecords,
		// Ids seeded from the clock stay unique across restarts; see
		// newSerialWatcher for the same trick.
		id:  time.Now().UnixNano(),
		cvs: make(map[*sync.Cond]bool),
	}
}

// SlotWriter returns an io.Writer that records written lines against the
// given slot.  It is handed to a log.Logger, so writes arrive one message
// at a time.
func (l *Log) SlotWriter(slot int) *slotWriter {
	return &slotWriter{log: l, slot: slot}
}

type slotWriter struct {
	log  *Log
	slot int
}

func (w *slotWriter) Write(b []byte) (int, error) {
	return w.log.write(w.slot, b)
}

// Write records against the supervisor slot, which lets the Log serve as
// the sink of a log.Logger directly.
func (l *Log) Write(b []byte) (int, error) {
	return l.write(SupervisorSlot, b)
}

func (l *Log) write(slot int, b []byte) (int, error) {
	str := strings.Trim(string(b), "\n")
	l.mx.Lock()
	for _, line := range strings.Split(str, "\n") {
		idx := l.numRecords % l.maxRecords
		l.id++
		l.records[idx] = LogRecord{
			Id:   l.id,
			Time: time.Now(),
			Slot: slot,
			Text: line,
		}
		// numRecords exceeds maxRecords once wrapped; it really
		// tracks the next index.
		l.numRecords++
	}
	for cv := range l.cvs {
		cv.Broadcast()
	}
	l.mx.Unlock()
	return len(b), nil
}

// GetRecords returns the retained records along with an id usable as an
// Etag.  If last matches the current id the log has not changed and nil is
// returned immediately, without duplicating records.
func (l *Log) GetRecords(last int64) ([]LogRecord, int64) {
	l.mx.Lock()
	if l.id == last {
		l.mx.Unlock()
		return nil, last
	}
	cnt := l.numRecords
	if cnt > l.maxRecords {
		cnt = l.maxRecords
	}
	recs := make([]LogRecord, 0, cnt)
	index := l.numRecords - cnt
	for j := 0; j < cnt; j++ {
		recs = append(recs, l.records[index%l.maxRecords])
		index++
	}
	id := l.id
	l.mx.Unlock()
	return recs, id
}

// Watch blocks until the log id differs from last, or expire passes.
func (l *Log) Watch(last int64, expire time.Duration) int64 {
	expired := false
	var timer *time.Timer
	cv := sync.NewCond(&l.mx)
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			l.mx.Lock()
			expired = true
			cv.Broadcast()
			l.mx.Unlock()
		})
	} else {
		expired = true
	}

	l.mx.Lock()
	l.cvs[cv] = true
	for {
		if l.id != last || expired {
			break
		}
		cv.Wait()
	}
	delete(l.cvs, cv)
	if l.id != last {
		last = l.id
	}
	l.mx.Unlock()
	if timer != nil {
		timer.Stop()
	}
	return last
}
