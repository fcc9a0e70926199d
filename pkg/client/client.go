// Package client implements the roomchat client side of the wire protocol:
// a connection type used by the terminal client and by end-to-end tests.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// ErrRejected is returned when the server refuses a login or registration.
// The wrapped message is the server's explanation.
var ErrRejected = errors.New("client: rejected by server")

const (
	authSuccess   = "Authentication successful!"
	welcomePrefix = "Welcome to "
	eventBuffer   = 256
)

// Client is one connection to a roomchat server.
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	mu     sync.Mutex // serializes writes

	username string
	events   chan protocol.Response
	done     chan struct{}
	pending  []protocol.Response // frames read during the handshake

	errMu   sync.Mutex
	readErr error
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: protocol.NewReader(conn, 0),
		events: make(chan protocol.Response, eventBuffer),
		done:   make(chan struct{}),
	}, nil
}

// Username returns the name used for Login, or "" before login.
func (c *Client) Username() string { return c.username }

// Send sends a request to the server.
func (c *Client) Send(req protocol.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.Encode(c.conn, req)
}

// Register creates an account. The server always closes the connection
// afterwards, so the Client is spent either way.
func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	defer func() { _ = c.conn.Close() }()

	if err := c.Send(protocol.AuthRequest{Username: username, Password: password, Register: true}); err != nil {
		return "", fmt.Errorf("client: send register: %w", err)
	}
	msg, err := c.readSystem(ctx)
	if err != nil {
		return "", err
	}
	if !strings.Contains(msg, "created successfully") {
		return msg, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return msg, nil
}

// Login authenticates and, on success, starts delivering server frames to
// Events. Login succeeds once the welcome message arrives; frames the server
// sends before it are still delivered.
func (c *Client) Login(ctx context.Context, username, password string) error {
	if err := c.Send(protocol.AuthRequest{Username: username, Password: password}); err != nil {
		return fmt.Errorf("client: send auth: %w", err)
	}

	msg, err := c.readSystem(ctx)
	if err != nil {
		return err
	}
	if msg != authSuccess {
		_ = c.conn.Close()
		return fmt.Errorf("%w: %s", ErrRejected, msg)
	}

	// Registration can still fail after the credential check, e.g. when the
	// name is already connected.
	for {
		resp, err := c.readFrame(ctx)
		if err != nil {
			_ = c.conn.Close()
			if last, ok := lastSystem(c.pending); ok {
				return fmt.Errorf("%w: %s", ErrRejected, last)
			}
			return err
		}
		c.pending = append(c.pending, resp)
		if sm, ok := resp.(protocol.SystemMessage); ok && strings.HasPrefix(sm.Message, welcomePrefix) {
			break
		}
	}

	c.username = username
	_ = c.conn.SetReadDeadline(time.Time{})
	go c.receive()
	return nil
}

func lastSystem(frames []protocol.Response) (string, bool) {
	for i := len(frames) - 1; i >= 0; i-- {
		if sm, ok := frames[i].(protocol.SystemMessage); ok {
			return sm.Message, true
		}
	}
	return "", false
}

// readFrame reads one response honouring ctx's deadline.
func (c *Client) readFrame(ctx context.Context) (protocol.Response, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(dl)
	}
	for {
		resp, err := c.reader.ReadResponse()
		if err != nil {
			if protocol.IsRecoverable(err) {
				continue
			}
			return nil, fmt.Errorf("client: read: %w", err)
		}
		return resp, nil
	}
}

func (c *Client) readSystem(ctx context.Context) (string, error) {
	resp, err := c.readFrame(ctx)
	if err != nil {
		return "", err
	}
	sm, ok := resp.(protocol.SystemMessage)
	if !ok {
		return "", fmt.Errorf("client: expected system message, got %s", resp.Kind())
	}
	return sm.Message, nil
}

// receive pumps frames into events until the connection ends.
func (c *Client) receive() {
	defer close(c.done)
	defer close(c.events)

	for _, resp := range c.pending {
		c.events <- resp
	}
	c.pending = nil

	for {
		resp, err := c.reader.ReadResponse()
		if err != nil {
			if protocol.IsRecoverable(err) {
				slog.Debug("skipping unreadable frame", "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("connection read error", "err", err)
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		c.events <- resp
	}
}

// Events returns the channel of server frames. It is closed when the
// connection ends.
func (c *Client) Events() <-chan protocol.Response {
	return c.events
}

// Done returns a channel that's closed when the connection is lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

// Next returns the next server frame.
func (c *Client) Next(ctx context.Context) (protocol.Response, error) {
	select {
	case resp, ok := <-c.events:
		if !ok {
			if err := c.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WaitFor discards frames until match accepts one, and returns it.
func (c *Client) WaitFor(ctx context.Context, match func(protocol.Response) bool) (protocol.Response, error) {
	for {
		resp, err := c.Next(ctx)
		if err != nil {
			return nil, err
		}
		if match(resp) {
			return resp, nil
		}
	}
}

// WaitForSystem waits for a system message containing substr.
func (c *Client) WaitForSystem(ctx context.Context, substr string) (string, error) {
	resp, err := c.WaitFor(ctx, func(r protocol.Response) bool {
		sm, ok := r.(protocol.SystemMessage)
		return ok && strings.Contains(sm.Message, substr)
	})
	if err != nil {
		return "", fmt.Errorf("client: waiting for %q: %w", substr, err)
	}
	return resp.(protocol.SystemMessage).Message, nil
}

// Broadcast sends a chat message to the current room (or everyone).
func (c *Client) Broadcast(text string) error {
	return c.Send(protocol.BroadcastRequest{Message: text})
}

// Private sends a private message.
func (c *Client) Private(to, text string) error {
	return c.Send(protocol.PrivateRequest{To: to, Message: text})
}

// Command sends a slash-command line.
func (c *Client) Command(line string) error {
	return c.Send(protocol.CommandRequest{Command: line})
}

// Typing reports typing status.
func (c *Client) Typing(status bool) error {
	return c.Send(protocol.TypingRequest{Status: status})
}

// SendFile uploads raw bytes. to may be a username, "All" or empty.
func (c *Client) SendFile(to, filename string, raw []byte) error {
	return c.Send(protocol.EncodeFile(to, filename, raw))
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
