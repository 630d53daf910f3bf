// Package trace emits Chrome trace-event JSON for build operations, so a
// build can be loaded into chrome://tracing to see where wall-clock time
// went across the worker pool.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var start = time.Now()

var (
	sinkMu   sync.Mutex
	sink     io.Writer = ioutil.Discard
	sinkFile *os.File
)

// Sink writes all following Event()s as a Chrome trace event file into w.
func Sink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink = w
	sinkFile = nil
	// Start the JSON Array Format
	w.Write([]byte{'['})
	// The ] at the end is optional, so we skip it
}

// Enable is a convenience function for creating a file in
// $TMPDIR/cythonize.traces/prefix.$PID.
//
// The filename assumes the OS does not frequently re-use the same pid.
// Callers that enable tracing should arrange for Close to run before the
// process exits, so the trace file is flushed to disk (e.g. by registering
// it with cmd/cythonize's exit-hook registry).
func Enable(prefix string) error {
	fn := filepath.Join(os.TempDir(), "cythonize.traces", fmt.Sprintf("%s.%d", prefix, os.Getpid()))
	if err := os.MkdirAll(filepath.Dir(fn), 0755); err != nil {
		return err
	}
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	Sink(f)
	sinkMu.Lock()
	sinkFile = f
	sinkMu.Unlock()
	return nil
}

// Close flushes and closes the current trace file, if Enable opened one.
// It is a no-op when the sink is not a file (the default, or a Sink set
// directly to an arbitrary io.Writer).
func Close() error {
	sinkMu.Lock()
	f := sinkFile
	sinkFile = nil
	sinkMu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

type PendingEvent struct {
	Name           string      `json:"name"` // name of the event, as displayed in Trace Viewer
	Categories     string      `json:"cat"`  // event categories (comma-separated)
	Type           string      `json:"ph"`   // event type (single character)
	ClockTimestamp uint64      `json:"ts"`   // tracing clock timestamp (microsecond granularity)
	Duration       uint64      `json:"dur"`
	Pid            uint64      `json:"pid"` // process ID for the process that output this event
	Tid            uint64      `json:"tid"` // thread ID (here: worker slot) that output this event
	Args           interface{} `json:"args"`

	start time.Time
}

func (pe *PendingEvent) Done() {
	pe.Duration = uint64(time.Since(pe.start) / time.Microsecond)
	b, err := json.Marshal(pe)
	if err != nil {
		panic(err)
	}
	sinkMu.Lock()
	defer sinkMu.Unlock()
	if _, err := sink.Write(append(b, ',')); err != nil {
		log.Printf("[trace] %v", err)
	}
}

// Event begins a new trace event attributed to worker slot tid. Call Done on
// the result once the event ends.
func Event(name string, tid int) *PendingEvent {
	return &PendingEvent{
		Name:           name,
		Type:           "X",
		ClockTimestamp: uint64(time.Since(start) / time.Microsecond),
		Tid:            uint64(tid),
		start:          time.Now(),
	}
}
