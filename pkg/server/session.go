package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/store"
)

// Session is one authenticated connection. username, connID, remote and
// joinedAt never change after registration. isAdmin and mutedUntil are
// guarded by the Registry lock.
type Session struct {
	username string
	connID   string
	remote   string
	joinedAt time.Time

	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	log          *slog.Logger

	isAdmin    bool
	mutedUntil time.Time
}

func newSession(conn net.Conn, writeTimeout time.Duration) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	return &Session{
		connID:       id,
		remote:       remote,
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          slog.With("conn", id, "remote", remote),
	}
}

// Username returns the session's username.
func (s *Session) Username() string { return s.username }

// Send writes one frame. Concurrent calls are serialized so frames never
// interleave on the wire.
func (s *Session) Send(f protocol.Response) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}
	return s.sendRaw(data)
}

func (s *Session) sendRaw(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("server: send to %s: %w", s.username, err)
	}
	return nil
}

// reply sends a system message, logging but otherwise ignoring failures.
func (s *Session) reply(format string, args ...any) {
	if err := s.Send(protocol.System(format, args...)); err != nil {
		s.log.Debug("reply failed", "err", err)
	}
}

func (s *Session) close() {
	_ = s.conn.Close()
}

func encodeFrame(f protocol.Response) ([]byte, error) {
	data, err := protocol.Marshal(f)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// handleConn runs one connection from accept to close.
func (s *Server) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	defer s.metrics.ActiveConnections.Add(-1)

	sess := newSession(conn, s.cfg.WriteTimeout)
	sess.log.Debug("new connection")

	reader := protocol.NewReader(conn, s.cfg.frameLimit())
	if !s.authenticate(sess, reader) {
		return
	}
	defer s.closeSession(sess)

	s.activate(sess)
	s.serve(sess, reader)
}

// authenticate runs the handshake. It returns true once sess is registered.
func (s *Server) authenticate(sess *Session, reader *protocol.Reader) bool {
	_ = sess.conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout))
	req, err := reader.ReadRequest()
	if err != nil {
		if protocol.IsRecoverable(err) {
			sess.reply("Invalid message format.")
		}
		sess.log.Debug("auth read failed", "err", err)
		return false
	}
	_ = sess.conn.SetReadDeadline(time.Time{}) // no deadline once authenticated

	auth, ok := req.(protocol.AuthRequest)
	if !ok {
		sess.reply("Expected authentication message.")
		return false
	}

	username := strings.TrimSpace(auth.Username)
	password := strings.TrimSpace(auth.Password)

	if err := model.ValidateUsername(username); err != nil {
		sess.reply("%s", sentence(err))
		return false
	}
	if err := model.ValidatePassword(password); err != nil {
		sess.reply("%s", sentence(err))
		return false
	}
	if s.registry.IsBanned(username) {
		s.metrics.FailedAuths.Add(1)
		sess.reply("You are banned from this server.")
		return false
	}

	if auth.Register {
		s.register(sess, username, password)
		return false
	}

	ok, err = s.store.Authenticate(username, password)
	if err != nil {
		sess.log.Error("credential check failed", "user", username, "err", err)
		sess.reply("Authentication failed. Please try again later.")
		return false
	}
	if !ok {
		s.metrics.FailedAuths.Add(1)
		sess.log.Info("failed login attempt", "user", username)
		sess.reply("Invalid username or password. Please try again.")
		return false
	}
	sess.reply("Authentication successful!")

	sess.username = username
	sess.joinedAt = s.now()
	sess.log = sess.log.With("user", username)
	switch err := s.registry.Register(sess); {
	case errors.Is(err, ErrAlreadyConnected):
		sess.reply("Username already in use.")
		return false
	case errors.Is(err, ErrBanned):
		sess.reply("You are banned from this server.")
		return false
	case err != nil:
		sess.log.Error("register failed", "err", err)
		return false
	}

	s.metrics.SuccessfulAuths.Add(1)
	return true
}

// register creates an account. Registration never proceeds to a session.
func (s *Server) register(sess *Session, username, password string) {
	err := s.store.CreateUser(username, password)
	switch {
	case err == nil:
		s.metrics.Registrations.Add(1)
		sess.log.Info("new user registered", "user", username)
		sess.reply("Account '%s' created successfully! Please login.", username)
	case errors.Is(err, store.ErrUserExists):
		sess.reply("Username '%s' already exists. Please choose another.", username)
	default:
		sess.log.Error("registration failed", "user", username, "err", err)
		sess.reply("Registration failed. Please try again later.")
	}
}

func (s *Server) activate(sess *Session) {
	sess.log.Info("client authenticated")
	s.Broadcast(protocol.System("%s joined the chat.", sess.username), "", "")
	s.pushUserList()
	s.activity.Append(auditlog.Join, fmt.Sprintf("%s from %s", sess.username, sess.remote))
	sess.reply("Welcome to roomchat, %s! Type /help for commands.", sess.username)
}

// serve reads requests until the connection ends or the session is removed.
func (s *Server) serve(sess *Session, reader *protocol.Reader) {
	for {
		req, err := reader.ReadRequest()
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrFrameTooLarge):
				sess.reply("Message too large (limit %s; files up to %s).",
					formatSize(int64(s.cfg.frameLimit())), formatSize(s.cfg.MaxFileSize))
				continue
			case errors.Is(err, protocol.ErrUnknownKind):
				sess.reply("Unknown message type.")
				continue
			case protocol.IsRecoverable(err):
				sess.reply("Invalid message format.")
				continue
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				sess.log.Debug("connection closed")
			default:
				sess.log.Debug("read error", "err", err)
			}
			return
		}

		// Kicked or banned while the frame was in flight.
		if !s.registry.Active(sess) {
			return
		}
		s.handleRequest(sess, req)
	}
}

// handleRequest dispatches one request. A panic is reported to the sender and
// does not end the session.
func (s *Server) handleRequest(sess *Session, req protocol.Request) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.RequestErrors.Add(1)
			sess.log.Error("panic handling request", "kind", req.Kind(), "panic", r, "stack", string(debug.Stack()))
			sess.reply("Command error: %v", r)
		}
	}()

	switch req.Kind() {
	case protocol.KindBroadcast, protocol.KindPrivate:
		if s.registry.CheckMute(sess.username, s.now()) {
			s.metrics.MutedDrops.Add(1)
			sess.reply("You are muted.")
			return
		}
	}

	switch r := req.(type) {
	case protocol.AuthRequest:
		sess.reply("Already authenticated.")
	case protocol.BroadcastRequest:
		s.routeChat(sess, r.Message)
	case protocol.PrivateRequest:
		if err := s.RoutePrivate(sess, r.To, r.Message); errors.Is(err, ErrNoSuchUser) {
			sess.reply("User '%s' not found.", r.To)
		}
	case protocol.CommandRequest:
		s.handleCommand(sess, r.Command)
	case protocol.TypingRequest:
		s.Broadcast(protocol.TypingEvent{User: sess.username, Status: r.Status}, sess.username, "")
	case protocol.FileRequest:
		s.handleFile(sess, r)
	default:
		sess.reply("Unknown message type.")
	}
}

// closeSession is the single "left" path for disconnects, kicks, bans and
// shutdown. Only the first caller for a session does anything beyond
// closing the connection.
func (s *Server) closeSession(sess *Session) {
	removed, _ := s.registry.Unregister(sess)
	sess.close()
	if !removed {
		return
	}

	s.metrics.TotalDisconnects.Add(1)
	sess.log.Info("client disconnected")
	msg := fmt.Sprintf("%s left the chat.", sess.username)
	s.activity.Append(auditlog.Leave, msg)
	if s.shuttingDown() {
		return
	}
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.pushUserList()
}

// sentence turns a lowercase error into a reply sentence.
func sentence(err error) string {
	msg := err.Error()
	r, size := utf8.DecodeRuneInString(msg)
	return string(unicode.ToUpper(r)) + msg[size:] + "."
}
