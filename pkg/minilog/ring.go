package minilog

import (
	"container/ring"
	"fmt"
	"sync"
	"time"
)

// entry is one recorded line plus the instant it was written, kept
// separately from the formatted string so DumpSince can filter by time
// without re-parsing a timestamp back out of rendered text.
type entry struct {
	at   time.Time
	line string
}

// Ring is a fixed-size, in-memory tail of recent log lines. Registered
// as a logger alongside stderr, it gives a connection that just idled
// out or errored a way to inspect recent history without needing
// stderr to have been captured to a file.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

// NewRing returns a Ring that retains the most recent size lines.
func NewRing(size int) *Ring {
	return &Ring{
		r:    ring.New(size),
		size: size,
	}
}

// Println records v, timestamped with the current time.
func (l *Ring) Println(v ...interface{}) {
	e := entry{at: time.Now(), line: fmt.Sprintln(v...)}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.r = l.r.Next()
	l.r.Value = e
}

// Dump returns every recorded line, oldest to newest, each prefixed
// with an RFC3339 timestamp.
func (l *Ring) Dump() []string {
	return l.DumpSince(time.Time{})
}

// DumpSince returns recorded lines written at or after since, oldest
// to newest -- useful for pulling just the history around one
// connection's lifetime rather than the whole ring.
func (l *Ring) DumpSince(since time.Time) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)

	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		e := v.(entry)
		if e.at.Before(since) {
			return
		}
		res = append(res, e.at.Format(time.RFC3339Nano)+" "+e.line)
	})

	return res
}
