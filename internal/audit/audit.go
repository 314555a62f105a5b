package audit

import (
	"fmt"
	"sync"
	"time"
)

// Capacity is the number of lines the log retains.
const Capacity = 6

// Log is a fixed-size ring of timestamped operator-facing lines.
type Log struct {
	mu    sync.Mutex
	lines []string
	subs  []func(line string)
	Now   func() time.Time
}

func New() *Log {
	return &Log{Now: time.Now}
}

// Append stamps the message and pushes it into the ring, dropping the
// oldest line once capacity is exceeded. Subscribers see the stamped line.
func (l *Log) Append(msg string) {
	l.mu.Lock()
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	line := fmt.Sprintf("[%s] %s", now().Format("15:04:05"), msg)
	l.lines = append(l.lines, line)
	if len(l.lines) > Capacity {
		l.lines = l.lines[len(l.lines)-Capacity:]
	}
	subs := make([]func(string), len(l.subs))
	copy(subs, l.subs)
	l.mu.Unlock()

	for _, fn := range subs {
		fn(line)
	}
}

// Appendf formats and appends.
func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Lines returns a copy of the retained lines, oldest first.
func (l *Log) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// Subscribe registers a callback invoked for every line appended after
// this call. Callbacks run synchronously on the appending goroutine.
func (l *Log) Subscribe(fn func(line string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}
