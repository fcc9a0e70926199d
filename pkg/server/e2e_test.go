package server_test

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/client"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/server"
	"github.com/NicolasHaas/roomchat/pkg/store"
)

func e2eConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.AuthTimeout = 5 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg server.Config) (*server.Server, *auditlog.Memory) {
	t.Helper()
	activity := auditlog.NewMemory()
	srv := server.New(cfg, server.Dependencies{Store: store.NewMemory(), Activity: activity})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, activity
}

func ctxFor(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func dial(t *testing.T, srv *server.Server) *client.Client {
	t.Helper()
	c, err := client.Dial(ctxFor(t), srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func register(t *testing.T, srv *server.Server, name string) {
	t.Helper()
	if _, err := dial(t, srv).Register(ctxFor(t), name, "secret1"); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
}

// connect registers name and logs in, returning a client past the welcome.
func connect(t *testing.T, srv *server.Server, name string) *client.Client {
	t.Helper()
	register(t, srv, name)
	c := dial(t, srv)
	ctx := ctxFor(t)
	if err := c.Login(ctx, name, "secret1"); err != nil {
		t.Fatalf("Login(%s): %v", name, err)
	}
	if _, err := c.WaitForSystem(ctx, "Welcome to roomchat, "+name); err != nil {
		t.Fatal(err)
	}
	return c
}

func waitSystem(t *testing.T, c *client.Client, substr string) string {
	t.Helper()
	msg, err := c.WaitForSystem(ctxFor(t), substr)
	if err != nil {
		t.Fatalf("%s: %v", c.Username(), err)
	}
	return msg
}

func TestChatScenario(t *testing.T) {
	srv, activity := startServer(t, e2eConfig())
	ctx := ctxFor(t)

	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	waitSystem(t, alice, "bob joined the chat.")

	if err := alice.Command("/create gaming pw123"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "Created room 'gaming' (password protected).")
	waitSystem(t, bob, "alice created room 'gaming'.")

	if err := bob.Command("/join gaming pw123"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, bob, "You joined room 'gaming'.")
	waitSystem(t, alice, "bob joined room 'gaming'.")

	if err := alice.Broadcast("hi"); err != nil {
		t.Fatal(err)
	}
	resp, err := bob.WaitFor(ctx, func(r protocol.Response) bool {
		_, ok := r.(protocol.BroadcastMessage)
		return ok
	})
	if err != nil {
		t.Fatal(err)
	}
	got := resp.(protocol.BroadcastMessage)
	if got.From != "alice" || got.Message != "hi" {
		t.Fatalf("bob got %+v, want alice: hi", got)
	}
	if _, err := time.Parse(protocol.TimeLayout, got.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", got.Timestamp, err)
	}

	if err := bob.Private("alice", "psst"); err != nil {
		t.Fatal(err)
	}
	isPM := func(r protocol.Response) bool { _, ok := r.(protocol.PrivateMessage); return ok }
	toAlice, err := alice.WaitFor(ctx, isPM)
	if err != nil {
		t.Fatal(err)
	}
	echo, err := bob.WaitFor(ctx, isPM)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(toAlice, echo); diff != "" {
		t.Errorf("private echo differs (-recipient +sender):\n%s", diff)
	}
	if pm := toAlice.(protocol.PrivateMessage); pm.From != "bob" || pm.To != "alice" || pm.Message != "psst" {
		t.Errorf("private message = %+v", pm)
	}

	if err := bob.Private("ghost", "hello?"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, bob, "User 'ghost' not found.")

	_ = bob.Close()
	waitSystem(t, alice, "bob left the chat.")

	resp, err = alice.WaitFor(ctx, func(r protocol.Response) bool {
		ul, ok := r.(protocol.UserList)
		return ok && len(ul.Users) == 1
	})
	if err != nil {
		t.Fatal(err)
	}
	want := protocol.UserList{
		Users:     []string{"alice"},
		Rooms:     map[string][]string{"gaming": {"alice"}},
		UserRooms: map[string]string{"alice": "gaming"},
	}
	if diff := cmp.Diff(want, resp); diff != "" {
		t.Errorf("userlist mismatch (-want +got):\n%s", diff)
	}

	kinds := map[auditlog.Kind]bool{}
	for _, e := range activity.Entries() {
		kinds[e.Kind] = true
	}
	for _, k := range []auditlog.Kind{auditlog.Join, auditlog.Room, auditlog.Msg, auditlog.PM, auditlog.Leave} {
		if !kinds[k] {
			t.Errorf("activity log has no %s entry", k)
		}
	}
}

func TestAuthenticationFailures(t *testing.T) {
	srv, _ := startServer(t, e2eConfig())
	alice := connect(t, srv, "alice")
	_ = alice

	tests := []struct {
		name     string
		username string
		password string
		register bool
		want     string
	}{
		{"wrong password", "alice", "wrong-password", false, "Invalid username or password. Please try again."},
		{"unknown user", "nobody", "secret1", false, "Invalid username or password. Please try again."},
		{"already connected", "alice", "secret1", false, "Username already in use."},
		{"duplicate registration", "alice", "secret1", true, "Username 'alice' already exists. Please choose another."},
		{"short username", "al", "secret1", true, "Username must be at least 3 characters."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, srv)
			var err error
			if tt.register {
				_, err = c.Register(ctxFor(t), tt.username, tt.password)
			} else {
				err = c.Login(ctxFor(t), tt.username, tt.password)
			}
			if !errors.Is(err, client.ErrRejected) {
				t.Fatalf("error = %v, want ErrRejected", err)
			}
			if !strings.HasSuffix(err.Error(), tt.want) {
				t.Errorf("error = %q, want message %q", err, tt.want)
			}
		})
	}
}

func TestMalformedHandshake(t *testing.T) {
	srv, _ := startServer(t, e2eConfig())

	tests := map[string]struct {
		frame string
		want  string
	}{
		"not json":     {"hello there\n", "Invalid message format."},
		"not auth":     {`{"type":"broadcast","message":"hi"}` + "\n", "Expected authentication message."},
		"unknown type": {`{"type":"dance"}` + "\n", "Invalid message format."},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = conn.Close() }()
			_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

			if _, err := conn.Write([]byte(tc.frame)); err != nil {
				t.Fatal(err)
			}
			resp, err := protocol.NewReader(conn, 0).ReadResponse()
			if err != nil {
				t.Fatalf("ReadResponse: %v", err)
			}
			if diff := cmp.Diff(protocol.Response(protocol.SystemMessage{Message: tc.want}), resp); diff != "" {
				t.Errorf("reply mismatch (-want +got):\n%s", diff)
			}
			if _, err := bufio.NewReader(conn).ReadByte(); err == nil {
				t.Error("expected the server to close the connection")
			}
		})
	}
}

func TestFileTransfer(t *testing.T) {
	cfg := e2eConfig()
	cfg.MaxFileSize = 1024
	srv, _ := startServer(t, cfg)
	ctx := ctxFor(t)

	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	waitSystem(t, alice, "bob joined the chat.")

	if err := alice.SendFile("bob", "big.bin", bytes.Repeat([]byte{7}, 2048)); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "File exceeds the maximum size of 1 KB.")

	// A forged size does not get past the decoded-length check.
	forged := protocol.EncodeFile("bob", "forged.bin", bytes.Repeat([]byte{1}, 1500))
	forged.Size = 10
	if err := alice.Send(forged); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "File exceeds the maximum size of 1 KB.")

	// 900 KiB encodes past the 1 MiB frame limit; the frame is dropped
	// unparsed and the connection stays usable.
	if err := alice.SendFile("bob", "huge.bin", bytes.Repeat([]byte{9}, 900<<10)); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "Message too large (limit 1 MB; files up to 1 KB).")

	if err := alice.SendFile("ghost", "a.txt", []byte("x")); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "User 'ghost' not found.")

	if err := alice.SendFile("bob", "../notes.txt", []byte("hello bob")); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, alice, "File 'notes.txt' sent.")

	resp, err := bob.WaitFor(ctx, func(r protocol.Response) bool {
		_, ok := r.(protocol.FileEvent)
		return ok
	})
	if err != nil {
		t.Fatal(err)
	}
	ev := resp.(protocol.FileEvent)
	if ev.From != "alice" || ev.To != "bob" || ev.Filename != "notes.txt" || ev.Size != 9 {
		t.Fatalf("file event = %+v", ev)
	}
	raw, err := protocol.FileRequest{Data: ev.Data}.Decode()
	if err != nil || string(raw) != "hello bob" {
		t.Fatalf("file data = %q, %v", raw, err)
	}
}

func TestBanLifecycle(t *testing.T) {
	srv, _ := startServer(t, e2eConfig())

	admin := connect(t, srv, "admin")
	bob := connect(t, srv, "bob")

	if err := admin.Command("/admin admin123"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, admin, "admin is now an admin.")

	if err := admin.Command("/ban bob"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, bob, "You have been banned from this server.")
	select {
	case <-bob.Done():
	case <-ctxFor(t).Done():
		t.Fatal("banned client was not disconnected")
	}
	waitSystem(t, admin, "bob was banned by admin.")

	c := dial(t, srv)
	err := c.Login(ctxFor(t), "bob", "secret1")
	if !errors.Is(err, client.ErrRejected) || !strings.HasSuffix(err.Error(), "You are banned from this server.") {
		t.Fatalf("banned login error = %v", err)
	}

	if err := admin.Command("/unban bob"); err != nil {
		t.Fatal(err)
	}
	waitSystem(t, admin, "bob was unbanned by admin.")

	again := dial(t, srv)
	if err := again.Login(ctxFor(t), "bob", "secret1"); err != nil {
		t.Fatalf("login after unban: %v", err)
	}
}

func TestShutdownNotifiesAndCloses(t *testing.T) {
	srv, _ := startServer(t, e2eConfig())
	alice := connect(t, srv, "alice")

	// An unauthenticated connection is closed too.
	raw, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = raw.Close() }()

	srv.Shutdown()

	waitSystem(t, alice, "Server is shutting down...")
	select {
	case <-alice.Done():
	case <-ctxFor(t).Done():
		t.Fatal("client not disconnected on shutdown")
	}

	_ = raw.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = bufio.NewReader(raw).ReadByte()
	if err == nil {
		t.Fatal("expected unauthenticated connection to be closed")
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("unauthenticated connection left open")
	}

	if _, err := net.DialTimeout("tcp", srv.Addr().String(), time.Second); err == nil {
		t.Fatal("listener still accepting after shutdown")
	}
}

func TestLoginWithCorruptUsersFile(t *testing.T) {
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	if err := os.WriteFile(usersPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	st, err := store.NewFileStore(usersPath, filepath.Join(dir, "bans.txt"))
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(e2eConfig(), server.Dependencies{Store: st, Activity: auditlog.NewMemory()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	err = dial(t, srv).Login(ctxFor(t), "alice", "secret1")
	if !errors.Is(err, client.ErrRejected) || !strings.HasSuffix(err.Error(), "Authentication failed. Please try again later.") {
		t.Fatalf("Login = %v, want authentication failure", err)
	}
}
