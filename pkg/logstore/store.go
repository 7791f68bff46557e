// Package logstore keeps a bounded, durable ring of log entries and
// fans new entries out to subscribers (the UI's live tail). Both the
// server's own logger and the browser client feed it.
package logstore

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaus98/aigateway/pkg/cache"
)

const (
	defaultMaxEntries = 5000
	saveInterval      = 2 * time.Second
)

type Entry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
}

type persisted struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

type Store struct {
	mu sync.RWMutex

	path    string
	max     int
	entries []Entry
	subs    map[chan Entry]struct{}

	dirty    bool
	lastSave time.Time
}

func NewStore(path string, maxEntries int) *Store {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	s := &Store{
		path:    strings.TrimSpace(path),
		max:     maxEntries,
		entries: []Entry{},
		subs:    map[chan Entry]struct{}{},
	}
	if s.path != "" {
		var p persisted
		if err := cache.LoadJSON(s.path, &p); err == nil {
			s.entries = p.Entries
		}
	}
	s.pruneLocked()
	return s
}

func (s *Store) Add(source, level, message string, details json.RawMessage) {
	message = strings.TrimSpace(message)
	if message == "" {
		return
	}
	e := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    normalizeSource(source),
		Level:     normalizeLevel(level),
		Message:   message,
		Details:   details,
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.pruneLocked()
	s.dirty = true
	s.saveLocked(false)
	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber; drop rather than block logging.
		}
	}
	s.mu.Unlock()
}

// List returns the most recent entries, newest last.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, limit)
	copy(out, s.entries[n-limit:])
	return out
}

// Subscribe registers a live-tail channel. The returned cancel func
// must be called when the subscriber goes away.
func (s *Store) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 64)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

// Flush forces a durable save regardless of the batching interval.
func (s *Store) Flush() {
	s.mu.Lock()
	s.saveLocked(true)
	s.mu.Unlock()
}

func (s *Store) pruneLocked() {
	if len(s.entries) > s.max {
		s.entries = append([]Entry(nil), s.entries[len(s.entries)-s.max:]...)
	}
}

func (s *Store) saveLocked(force bool) {
	if s.path == "" || !s.dirty {
		return
	}
	if !force && time.Since(s.lastSave) < saveInterval {
		return
	}
	p := persisted{Version: 1, Entries: s.entries}
	if err := cache.SaveJSON(s.path, p); err == nil {
		s.dirty = false
		s.lastSave = time.Now()
	}
}

func normalizeSource(source string) string {
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "client":
		return "client"
	default:
		return "server"
	}
}

func normalizeLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "debu":
		return "debug"
	case "warn", "warning":
		return "warn"
	case "error", "erro":
		return "error"
	case "fatal", "fata":
		return "fatal"
	default:
		return "info"
	}
}

// Sink adapts the store into an io.Writer so the process logger's
// output can be teed in line by line.
type Sink struct {
	store *Store
	mu    sync.Mutex
	buf   []byte
}

func NewSink(store *Store) *Sink {
	return &Sink{store: store}
}

func (w *Sink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := strings.TrimSpace(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
		if line == "" {
			continue
		}
		w.store.Add("server", levelFromLine(line), line, nil)
	}
}

func levelFromLine(line string) string {
	u := " " + strings.ToUpper(line) + " "
	switch {
	case strings.Contains(u, " DEBU "), strings.Contains(u, " DEBUG "):
		return "debug"
	case strings.Contains(u, " WARN "):
		return "warn"
	case strings.Contains(u, " ERRO "), strings.Contains(u, " ERROR "):
		return "error"
	case strings.Contains(u, " FATA "), strings.Contains(u, " FATAL "):
		return "fatal"
	default:
		return "info"
	}
}
