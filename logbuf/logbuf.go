// Package logbuf keeps an in-memory tail of recent log lines so they can be
// served over HTTP without touching the filesystem.
package logbuf

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

const defaultCapacity = 500

// Ring is a fixed-size buffer of formatted log lines. It implements
// logrus.Hook so it can be attached to the process logger; once full, new
// lines overwrite the oldest.
type Ring struct {
	mu        sync.Mutex
	lines     []string
	next      int
	full      bool
	formatter log.Formatter
}

// New creates a Ring holding at most capacity lines.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Ring{
		lines: make([]string, capacity),
		formatter: &log.TextFormatter{
			FullTimestamp:   true,
			DisableColors:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		},
	}
}

// Levels reports that every log level is captured.
func (r *Ring) Levels() []log.Level {
	return log.AllLevels
}

// Fire records one log entry. It never returns an error; a log hook must not
// fail the logging call.
func (r *Ring) Fire(entry *log.Entry) error {
	line, err := r.formatter.Format(entry)
	if err != nil {
		return nil
	}
	r.append(string(trimNewline(line)))
	return nil
}

func (r *Ring) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// Tail returns up to n lines, oldest first. n <= 0 returns everything
// currently buffered.
func (r *Ring) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.next:]...)
		ordered = append(ordered, r.lines[:r.next]...)
	} else {
		ordered = append(ordered, r.lines[:r.next]...)
	}
	if n > 0 && n < len(ordered) {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}

// Len reports how many lines are currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
