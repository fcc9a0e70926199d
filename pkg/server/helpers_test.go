package server

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/store"
)

// recordConn is a net.Conn that records every write and never yields input.
type recordConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *recordConn) Read(_ []byte) (int, error) { return 0, io.EOF }

func (c *recordConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.buf.Write(p)
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordConn) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 55000} }
func (c *recordConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}
func (c *recordConn) SetDeadline(_ time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(_ time.Time) error { return nil }

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// frames decodes and clears everything written so far.
func (c *recordConn) frames(t *testing.T) []protocol.Response {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	c.mu.Unlock()

	var out []protocol.Response
	r := protocol.NewReader(bytes.NewReader(data), 0)
	for {
		resp, err := r.ReadResponse()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode recorded frame: %v", err)
		}
		out = append(out, resp)
	}
}

// system returns the text of every system message written so far, and
// clears the recording.
func (c *recordConn) system(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, f := range c.frames(t) {
		if sm, ok := f.(protocol.SystemMessage); ok {
			out = append(out, sm.Message)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv      *Server
	store    *store.MemoryStore
	activity *auditlog.Memory
	clock    *fakeClock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.AuthTimeout = 5 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemory(),
		activity: auditlog.NewMemory(),
		clock:    newFakeClock(),
	}
	env.srv = New(cfg, Dependencies{Store: env.store, Activity: env.activity, Clock: env.clock.Now})
	return env
}

// join registers a fake session named name, bypassing the handshake.
func (e *testEnv) join(t *testing.T, name string) (*Session, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	sess := newSession(conn, 0)
	sess.username = name
	sess.joinedAt = e.clock.Now()
	sess.log = sess.log.With("user", name)
	if err := e.srv.registry.Register(sess); err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	return sess, conn
}

func (e *testEnv) makeAdmin(t *testing.T, name string) {
	t.Helper()
	if _, err := e.srv.registry.SetAdmin(name); err != nil {
		t.Fatalf("SetAdmin(%s): %v", name, err)
	}
}

// newBareSession returns an unregistered session for registry tests.
func newBareSession(name string) *Session {
	sess := newSession(&recordConn{}, 0)
	sess.username = name
	return sess
}
