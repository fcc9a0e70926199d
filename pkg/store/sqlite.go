package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// SQLiteStore keeps credentials and bans in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (or creates) a SQLite database and runs migrations.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// PRAGMAs below are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	// Avoid "database is locked" when sessions register concurrently
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	s := &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		username   TEXT PRIMARY KEY CHECK(length(username) > 0),
		password   TEXT NOT NULL,
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS bans (
		username   TEXT PRIMARY KEY CHECK(length(username) > 0),
		created_at TEXT NOT NULL DEFAULT (datetime('now'))
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("store: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("store: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("store: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLiteStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("store: update schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser inserts a credential. The primary key makes the
// check-and-insert atomic across concurrent registrations.
func (s *SQLiteStore) CreateUser(username, password string) error {
	res, err := s.db.ExecContext(context.Background(),
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?) ON CONFLICT(username) DO NOTHING",
		username, password, formatDBTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	if n == 0 {
		return ErrUserExists
	}
	return nil
}

// Authenticate compares the stored password with plain string equality.
func (s *SQLiteStore) Authenticate(username, password string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(context.Background(),
		"SELECT password FROM users WHERE username = ?", username,
	).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: authenticate: %w", err)
	}
	return stored == password, nil
}

// ListUsers returns all registered users ordered by username.
func (s *SQLiteStore) ListUsers() ([]model.User, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT username, created_at FROM users ORDER BY username",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var createdAt string
		if err := rows.Scan(&u.Username, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan user: %w", err)
		}
		if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("store: parse user created_at: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Bans ----

// LoadBans returns the banned usernames ordered by name.
func (s *SQLiteStore) LoadBans() ([]string, error) {
	bans, err := s.ListBans()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(bans))
	for i, b := range bans {
		names[i] = b.Username
	}
	return names, nil
}

// ListBans returns ban records ordered by username.
func (s *SQLiteStore) ListBans() ([]model.Ban, error) {
	rows, err := s.db.QueryContext(context.Background(),
		"SELECT username, created_at FROM bans ORDER BY username",
	)
	if err != nil {
		return nil, fmt.Errorf("store: list bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	bans := []model.Ban{}
	for rows.Next() {
		var b model.Ban
		var createdAt string
		if err := rows.Scan(&b.Username, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		if b.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("store: parse ban created_at: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// SaveBans replaces the ban table contents with usernames in one
// transaction. Rows for names that stay banned keep their created_at.
func (s *SQLiteStore) SaveBans(usernames []string) error {
	ctx := context.Background()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: save bans: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	keep := make(map[string]struct{}, len(usernames))
	for _, name := range usernames {
		keep[name] = struct{}{}
	}

	rows, err := tx.QueryContext(ctx, "SELECT username FROM bans")
	if err != nil {
		return fmt.Errorf("store: save bans: query: %w", err)
	}
	var stale []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return fmt.Errorf("store: save bans: scan: %w", err)
		}
		if _, ok := keep[name]; !ok {
			stale = append(stale, name)
		}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: save bans: %w", err)
	}

	for _, name := range stale {
		if _, err := tx.ExecContext(ctx, "DELETE FROM bans WHERE username = ?", name); err != nil {
			return fmt.Errorf("store: save bans: delete: %w", err)
		}
	}
	now := formatDBTime(s.now())
	for name := range keep {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO bans (username, created_at) VALUES (?, ?) ON CONFLICT(username) DO NOTHING",
			name, now,
		); err != nil {
			return fmt.Errorf("store: save bans: insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: save bans: commit: %w", err)
	}
	return nil
}
