package command

import "sync"

// Trace receives human-readable progress lines for a run.
type Trace interface {
	Append(line string)
}

// Log is an in-memory Trace. An optional sink sees every line as it is
// appended, which lets callers persist the log while the run is in flight.
type Log struct {
	mu    sync.Mutex
	lines []string
	sink  func(string)
}

// NewLog returns a Log that forwards each line to sink when non-nil.
func NewLog(sink func(string)) *Log {
	return &Log{sink: sink}
}

func (l *Log) Append(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	sink := l.sink
	l.mu.Unlock()
	if sink != nil {
		sink(line)
	}
}

// Lines returns a copy of the lines recorded so far.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
