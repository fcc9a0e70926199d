package store

import (
	"errors"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

var ErrUserExists = errors.New("store: user already exists")

// DataStore defines the persistence interface for credentials and bans.
// Implementations include the default flat-file store, a SQLite store and an
// in-memory store for tests.
type DataStore interface {
	// Close releases the underlying storage.
	Close() error

	// ---- Credentials ----

	// CreateUser stores a new credential. Returns ErrUserExists if the
	// username is taken.
	CreateUser(username, password string) error

	// Authenticate reports whether password matches the stored credential.
	// Unknown users simply fail to authenticate.
	Authenticate(username, password string) (bool, error)

	// ListUsers returns all registered users sorted by username, without passwords.
	ListUsers() ([]model.User, error)

	// ---- Bans ----

	// LoadBans returns the persisted ban set sorted by username.
	LoadBans() ([]string, error)

	// SaveBans overwrites the persisted ban set.
	SaveBans(usernames []string) error

	// ListBans returns ban records sorted by username.
	ListBans() ([]model.Ban, error)
}

// Compile-time checks.
var (
	_ DataStore = (*FileStore)(nil)
	_ DataStore = (*SQLiteStore)(nil)
	_ DataStore = (*MemoryStore)(nil)
)
