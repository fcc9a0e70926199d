package store

import (
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

// MemoryStore provides an in-memory DataStore implementation for tests.
// It mirrors the file and SQLite stores for error handling.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	users map[string]memoryUser
	bans  map[string]time.Time
}

type memoryUser struct {
	password  string
	createdAt time.Time
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:   now,
		users: make(map[string]memoryUser),
		bans:  make(map[string]time.Time),
	}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) CreateUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; ok {
		return ErrUserExists
	}
	s.users[username] = memoryUser{password: password, createdAt: s.now()}
	return nil
}

func (s *MemoryStore) Authenticate(username, password string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return ok && u.password == password, nil
}

func (s *MemoryStore) ListUsers() ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.User, 0, len(s.users))
	for name, u := range s.users {
		out = append(out, model.User{Username: name, CreatedAt: u.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) LoadBans() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.bans))
	for name := range s.bans {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) ListBans() ([]model.Ban, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Ban, 0, len(s.bans))
	for name, at := range s.bans {
		out = append(out, model.Ban{Username: name, CreatedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *MemoryStore) SaveBans(usernames []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]time.Time, len(usernames))
	for _, name := range usernames {
		if at, ok := s.bans[name]; ok {
			next[name] = at
		} else {
			next[name] = s.now()
		}
	}
	s.bans = next
	return nil
}
