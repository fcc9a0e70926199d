// Package store persists user credentials and the ban list.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const (
	storeDirMode = 0o755
	dataFileMode = 0o600
)

var errCorruptUsers = errors.New("store: users file is not valid JSON")

// FileStore keeps credentials in a JSON object file (username -> password) and
// bans in a newline-separated text file. Both files are replaced atomically on
// save so a concurrent load never observes partial content.
type FileStore struct {
	mu        sync.Mutex
	usersPath string
	bansPath  string
}

// NewFileStore creates the parent directories of both paths.
func NewFileStore(usersPath, bansPath string) (*FileStore, error) {
	for _, p := range []string{usersPath, bansPath} {
		if err := os.MkdirAll(filepath.Dir(p), storeDirMode); err != nil {
			return nil, fmt.Errorf("store: create data directory: %w", err)
		}
	}
	return &FileStore{
		usersPath: filepath.Clean(usersPath),
		bansPath:  filepath.Clean(bansPath),
	}, nil
}

// Close is a no-op; files are opened per operation.
func (s *FileStore) Close() error {
	return nil
}

// loadUsers returns an empty map if the file is absent (creating it as "{}")
// or unparsable; the latter is also reported as errCorruptUsers.
func (s *FileStore) loadUsers() (map[string]string, error) {
	data, err := os.ReadFile(s.usersPath)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeFileAtomic(s.usersPath, []byte("{}\n")); err != nil {
			slog.Warn("could not create users file", "path", s.usersPath, "err", err)
		}
		return map[string]string{}, nil
	}
	if err != nil {
		slog.Warn("could not read users file", "path", s.usersPath, "err", err)
		return map[string]string{}, errCorruptUsers
	}

	users := map[string]string{}
	if err := json.Unmarshal(data, &users); err != nil {
		slog.Warn("users file is unparsable, treating as empty", "path", s.usersPath, "err", err)
		return map[string]string{}, errCorruptUsers
	}
	return users, nil
}

// CreateUser adds a credential. It refuses to write over an unparsable users
// file rather than replacing every stored account with a single entry.
func (s *FileStore) CreateUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if _, exists := users[username]; exists {
		return ErrUserExists
	}
	users[username] = password

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode users: %w", err)
	}
	if err := writeFileAtomic(s.usersPath, append(data, '\n')); err != nil {
		return fmt.Errorf("store: save users: %w", err)
	}
	return nil
}

// Authenticate compares the stored password with plain string equality.
func (s *FileStore) Authenticate(username, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return false, fmt.Errorf("store: authenticate: %w", err)
	}
	stored, ok := users[username]
	return ok && stored == password, nil
}

// ListUsers returns the registered usernames.
func (s *FileStore) ListUsers() ([]model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	users, err := s.loadUsers()
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	out := make([]model.User, 0, len(users))
	for name := range users {
		out = append(out, model.User{Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// LoadBans reads the ban file. A missing or unreadable file yields an empty set.
func (s *FileStore) LoadBans() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadBans(), nil
}

func (s *FileStore) loadBans() []string {
	data, err := os.ReadFile(s.bansPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("could not read ban file, treating as empty", "path", s.bansPath, "err", err)
		}
		return []string{}
	}

	set := make(map[string]struct{})
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if name := strings.TrimSpace(sc.Text()); name != "" {
			set[name] = struct{}{}
		}
	}
	return model.SortedNames(set)
}

// SaveBans writes one username per line, sorted.
func (s *FileStore) SaveBans(usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := append([]string(nil), usernames...)
	sort.Strings(sorted)

	var buf bytes.Buffer
	for _, name := range sorted {
		buf.WriteString(name)
		buf.WriteByte('\n')
	}
	if err := writeFileAtomic(s.bansPath, buf.Bytes()); err != nil {
		return fmt.Errorf("store: save bans: %w", err)
	}
	return nil
}

// ListBans returns ban records without timestamps; the text format has none.
func (s *FileStore) ListBans() ([]model.Ban, error) {
	names, _ := s.LoadBans()
	out := make([]model.Ban, len(names))
	for i, name := range names {
		out[i] = model.Ban{Username: name}
	}
	return out, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, dataFileMode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
