package store_test

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/store"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*store.SQLiteStore, error) {
	t.Helper()

	// Creates a temporary SQLite store with a unique path per-test
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := store.NewSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func newTestFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewFileStore(filepath.Join(dir, "users.json"), filepath.Join(dir, "banned_users.txt"))
	if err != nil {
		t.Fatalf("failed to open file store: %v", err)
	}
	return st
}

// withStores runs fn once per DataStore implementation.
func withStores(t *testing.T, fn func(t *testing.T, st store.DataStore)) {
	t.Helper()
	backends := map[string]func(t *testing.T) store.DataStore{
		"file": func(t *testing.T) store.DataStore { return newTestFileStore(t) },
		"sqlite": func(t *testing.T) store.DataStore {
			st, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			return st
		},
		"memory": func(t *testing.T) store.DataStore { return store.NewMemory() },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, open(t))
		})
	}
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		existing  []string
		username  string
		expectErr error
	}

	tcases := map[string]tcase{
		"fresh_user": {
			username: "alice",
		},
		"second_user": {
			existing: []string{"alice"},
			username: "bob",
		},
		"duplicate_user": {
			existing:  []string{"alice"},
			username:  "alice",
			expectErr: store.ErrUserExists,
		},
	}

	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			withStores(t, func(t *testing.T, st store.DataStore) {
				for _, u := range tc.existing {
					if err := st.CreateUser(u, "secret1"); err != nil {
						t.Fatalf("seed %s: %v", u, err)
					}
				}
				err := st.CreateUser(tc.username, "pw1234")
				if !errors.Is(err, tc.expectErr) {
					t.Fatalf("CreateUser(%q) error = %v, want %v", tc.username, err, tc.expectErr)
				}
			})
		})
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	withStores(t, func(t *testing.T, st store.DataStore) {
		if err := st.CreateUser("alice", "secret1"); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}

		tcases := map[string]struct {
			username string
			password string
			want     bool
		}{
			"correct":        {"alice", "secret1", true},
			"wrong_password": {"alice", "secret2", false},
			"case_sensitive": {"Alice", "secret1", false},
			"unknown_user":   {"mallory", "secret1", false},
		}
		for name, tc := range tcases {
			got, err := st.Authenticate(tc.username, tc.password)
			if err != nil {
				t.Fatalf("%s: Authenticate: %v", name, err)
			}
			if got != tc.want {
				t.Errorf("%s: Authenticate(%q, %q) = %v, want %v", name, tc.username, tc.password, got, tc.want)
			}
		}
	})
}

func TestListUsers(t *testing.T) {
	t.Parallel()

	withStores(t, func(t *testing.T, st store.DataStore) {
		for _, u := range []string{"carol", "alice", "bob"} {
			if err := st.CreateUser(u, "secret1"); err != nil {
				t.Fatalf("CreateUser(%s): %v", u, err)
			}
		}

		got, err := st.ListUsers()
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		want := []model.User{{Username: "alice"}, {Username: "bob"}, {Username: "carol"}}
		if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "CreatedAt")); diff != "" {
			t.Errorf("ListUsers mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestBansRoundTrip(t *testing.T) {
	t.Parallel()

	withStores(t, func(t *testing.T, st store.DataStore) {
		got, err := st.LoadBans()
		if err != nil {
			t.Fatalf("LoadBans on empty store: %v", err)
		}
		if len(got) != 0 {
			t.Fatalf("expected no bans, got %v", got)
		}

		if err := st.SaveBans([]string{"mallory", "eve"}); err != nil {
			t.Fatalf("SaveBans: %v", err)
		}
		got, err = st.LoadBans()
		if err != nil {
			t.Fatalf("LoadBans: %v", err)
		}
		if diff := cmp.Diff([]string{"eve", "mallory"}, got); diff != "" {
			t.Errorf("LoadBans mismatch (-want +got):\n%s", diff)
		}

		// Unban eve.
		if err := st.SaveBans([]string{"mallory"}); err != nil {
			t.Fatalf("SaveBans: %v", err)
		}
		bans, err := st.ListBans()
		if err != nil {
			t.Fatalf("ListBans: %v", err)
		}
		want := []model.Ban{{Username: "mallory"}}
		if diff := cmp.Diff(want, bans, cmpopts.IgnoreFields(model.Ban{}, "CreatedAt")); diff != "" {
			t.Errorf("ListBans mismatch (-want +got):\n%s", diff)
		}

		if err := st.SaveBans(nil); err != nil {
			t.Fatalf("SaveBans(nil): %v", err)
		}
		got, _ = st.LoadBans()
		if len(got) != 0 {
			t.Fatalf("expected empty ban set, got %v", got)
		}
	})
}

func TestCreateUserConcurrentSameName(t *testing.T) {
	t.Parallel()

	withStores(t, func(t *testing.T, st store.DataStore) {
		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			success int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := st.CreateUser("racer", "secret1"); err == nil {
					mu.Lock()
					success++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if success != 1 {
			t.Fatalf("expected exactly one successful registration, got %d", success)
		}
	})
}

func TestMemoryStoreClock(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	st := store.NewMemoryWithClock(func() time.Time { return fixed })

	if err := st.CreateUser("alice", "secret1"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := st.SaveBans([]string{"mallory"}); err != nil {
		t.Fatalf("SaveBans: %v", err)
	}

	users, _ := st.ListUsers()
	if diff := cmp.Diff([]model.User{{Username: "alice", CreatedAt: fixed}}, users); diff != "" {
		t.Errorf("ListUsers mismatch (-want +got):\n%s", diff)
	}
	bans, _ := st.ListBans()
	if diff := cmp.Diff([]model.Ban{{Username: "mallory", CreatedAt: fixed}}, bans); diff != "" {
		t.Errorf("ListBans mismatch (-want +got):\n%s", diff)
	}
}
