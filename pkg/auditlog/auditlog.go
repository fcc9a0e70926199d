// Package auditlog appends human-readable activity lines of the form
//
//	[2026-01-02 15:04:05] KIND: text
//
// Appends are synchronous and best-effort: failures are logged, never returned.
package auditlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Kind labels an activity line.
type Kind string

const (
	Join     Kind = "JOIN"
	Leave    Kind = "LEAVE"
	Msg      Kind = "MSG"
	PM       Kind = "PM"
	Action   Kind = "ACTION"
	Room     Kind = "ROOM"
	Admin    Kind = "ADMIN"
	Mute     Kind = "MUTE"
	Unmute   Kind = "UNMUTE"
	Kick     Kind = "KICK"
	Ban      Kind = "BAN"
	Unban    Kind = "UNBAN"
	Announce Kind = "ANNOUNCE"
	File     Kind = "FILE"
)

const timeLayout = "2006-01-02 15:04:05"

// Logger is implemented by every activity sink.
type Logger interface {
	Append(kind Kind, text string)
}

// Format renders one activity line including the trailing newline.
func Format(at time.Time, kind Kind, text string) string {
	// Embedded newlines would split a record across lines.
	text = strings.NewReplacer("\r", " ", "\n", " ").Replace(text)
	return fmt.Sprintf("[%s] %s: %s\n", at.Format(timeLayout), kind, text)
}

// FileLog appends to a file opened once in append mode.
type FileLog struct {
	mu  sync.Mutex
	f   *os.File
	now func() time.Time
}

// Open opens (or creates) path for appending.
func Open(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("auditlog: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) //nolint:gosec // path from server config
	if err != nil {
		return nil, fmt.Errorf("auditlog: open: %w", err)
	}
	return &FileLog{f: f, now: time.Now}, nil
}

// Append writes one line. Errors are logged and dropped.
func (l *FileLog) Append(kind Kind, text string) {
	line := Format(l.now(), kind, text)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return
	}
	if _, err := l.f.WriteString(line); err != nil {
		slog.Warn("activity log write failed", "kind", string(kind), "err", err)
	}
}

// Close closes the underlying file. Later appends are dropped.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Entry is one recorded line in a Memory log.
type Entry struct {
	Kind Kind
	Text string
}

// Memory records entries for tests.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Append(kind Kind, text string) {
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Kind: kind, Text: text})
	m.mu.Unlock()
}

// Entries returns a copy of everything appended so far.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Kinds returns only entries of kind k.
func (m *Memory) Kinds(k Kind) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Nop discards everything.
type Nop struct{}

func (Nop) Append(Kind, string) {}

var (
	_ Logger = (*FileLog)(nil)
	_ Logger = (*Memory)(nil)
	_ Logger = Nop{}
)
