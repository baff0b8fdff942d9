package util

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const logRingCapacity = 1000

// LogEntry is one captured log line for the admin logs view.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// LogRing retains the most recent log lines in memory. It implements
// zerolog.LevelWriter so it can sit next to the console writer.
type LogRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

// NewLogRing returns an empty ring with a fixed capacity.
func NewLogRing() *LogRing {
	return &LogRing{entries: make([]LogEntry, logRingCapacity)}
}

// Write satisfies io.Writer; zerolog calls WriteLevel instead.
func (r *LogRing) Write(p []byte) (int, error) {
	return r.writeLevel(zerolog.NoLevel, p)
}

// WriteLevel records the formatted message with its level.
func (r *LogRing) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	return r.writeLevel(level, p)
}

func (r *LogRing) writeLevel(level zerolog.Level, p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = LogEntry{
		Time:    time.Now(),
		Level:   level.String(),
		Message: string(p),
	}
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
	return len(p), nil
}

// Recent returns up to limit entries, oldest first.
func (r *LogRing) Recent(limit int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []LogEntry
	if r.full {
		ordered = append(ordered, r.entries[r.next:]...)
		ordered = append(ordered, r.entries[:r.next]...)
	} else {
		ordered = append(ordered, r.entries[:r.next]...)
	}
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// NewLogger builds the process logger: console output plus the in-memory
// ring used by the admin API. level accepts zerolog level names; unknown
// values fall back to info.
func NewLogger(level string, ring *LogRing) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var out io.Writer = console
	if ring != nil {
		out = zerolog.MultiLevelWriter(console, ring)
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
