// Package activity keeps an append-only JSONL history of pipeline runs so
// operators can see what each stage did without digging through logs.
package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one stage run
type Entry struct {
	Timestamp time.Time       `json:"ts"`
	Stage     string          `json:"stage"`
	Outcome   string          `json:"outcome"`
	Items     int             `json:"items"`
	Duration  float64         `json:"duration_sec"`
	Summary   string          `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	Report    json.RawMessage `json:"report,omitempty"` // full run report
}

// Log is the run history file
type Log struct {
	path string
	mu   sync.Mutex
}

// New creates a run history under statePath/system
func New(statePath string) *Log {
	return &Log{
		path: filepath.Join(statePath, "system", "runs.jsonl"),
	}
}

// Path returns the history file location
func (l *Log) Path() string {
	return l.path
}

// Log appends an entry
func (l *Log) Log(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// Recent returns the last n entries, oldest first
func (l *Log) Recent(n int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// ByStage returns up to limit entries for one stage, most recent first
func (l *Log) ByStage(stage string, limit int) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		if entries[i].Stage == stage {
			result = append(result, entries[i])
		}
	}
	return result, nil
}

// Range returns entries in a time range
func (l *Log) Range(start, end time.Time) ([]Entry, error) {
	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}

	var result []Entry
	for _, e := range entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			result = append(result, e)
		}
	}
	return result, nil
}

// LastSuccess returns when stage last completed with the given outcomes
// ("ok" and "empty" when none are given). Zero if never.
func (l *Log) LastSuccess(stage string, outcomes ...string) time.Time {
	if len(outcomes) == 0 {
		outcomes = []string{"ok", "empty"}
	}
	entries, err := l.readAll()
	if err != nil {
		return time.Time{}
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.Stage != stage {
			continue
		}
		for _, o := range outcomes {
			if e.Outcome == o {
				return e.Timestamp
			}
		}
	}
	return time.Time{}
}

func (l *Log) readAll() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // skip malformed entries
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
