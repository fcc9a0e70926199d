package server

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// fileScopeAll addresses a file to the sender's room (or everyone).
const fileScopeAll = "All"

// Broadcast delivers f to every session except exclude, restricted to members
// of room when room is non-empty. It returns the number of successful deliveries.
func (s *Server) Broadcast(f protocol.Response, exclude, room string) int {
	return s.deliver(s.registry.Recipients(exclude, room), f)
}

// deliver writes f to each recipient concurrently. The registry lock is not
// held, so one slow socket delays only its own write; a failed write is
// counted and otherwise ignored.
func (s *Server) deliver(recipients []*Session, f protocol.Response) int {
	if len(recipients) == 0 {
		return 0
	}
	data, err := encodeFrame(f)
	if err != nil {
		slog.Error("encode frame failed", "kind", f.Kind(), "err", err)
		return 0
	}

	if len(recipients) == 1 {
		if err := recipients[0].sendRaw(data); err != nil {
			s.deliveryFailed(recipients[0], err)
			return 0
		}
		return 1
	}

	var (
		wg        sync.WaitGroup
		delivered atomic.Int64
	)
	for _, r := range recipients {
		wg.Add(1)
		go func(r *Session) {
			defer wg.Done()
			if err := r.sendRaw(data); err != nil {
				s.deliveryFailed(r, err)
				return
			}
			delivered.Add(1)
		}(r)
	}
	wg.Wait()
	return int(delivered.Load())
}

func (s *Server) deliveryFailed(r *Session, err error) {
	s.metrics.DeliveryFailures.Add(1)
	r.log.Debug("delivery failed", "err", err)
}

// pushUserList sends a fresh userlist snapshot to every session.
func (s *Server) pushUserList() {
	snap := s.registry.Snapshot()
	s.Broadcast(protocol.UserList{
		Users:     snap.Users,
		Rooms:     snap.Rooms,
		UserRooms: snap.UserRooms,
	}, "", "")
}

// routeChat relays a broadcast message to the sender's room, or to everyone
// when the sender is in no room.
func (s *Server) routeChat(from *Session, text string) {
	room := s.registry.RoomOf(from.username)
	s.Broadcast(protocol.BroadcastMessage{
		From:      from.username,
		Message:   text,
		Timestamp: protocol.Timestamp(s.now()),
	}, from.username, room)
	s.metrics.ChatMessages.Add(1)

	if room != "" {
		s.activity.Append(auditlog.Msg, fmt.Sprintf("%s (room:%s): %s", from.username, room, text))
	} else {
		s.activity.Append(auditlog.Msg, fmt.Sprintf("%s: %s", from.username, text))
	}
}

// RoutePrivate delivers the same private message to the recipient and back to
// the sender. It returns ErrNoSuchUser without delivering anything if the
// recipient is not online.
func (s *Server) RoutePrivate(from *Session, to, text string) error {
	target, ok := s.registry.Session(to)
	if !ok {
		return ErrNoSuchUser
	}

	pm := protocol.PrivateMessage{
		From:      from.username,
		To:        to,
		Message:   text,
		Timestamp: protocol.Timestamp(s.now()),
	}
	recipients := []*Session{target}
	if target != from {
		recipients = append(recipients, from)
	}
	s.deliver(recipients, pm)
	s.metrics.PrivateMessages.Add(1)
	s.activity.Append(auditlog.PM, fmt.Sprintf("%s -> %s: %s", from.username, to, text))
	return nil
}

// RouteFile delivers an already validated file. An empty target or "All"
// means the sender's room scope, or everyone when the sender is in no room;
// any other target is a username. The sender never receives its own upload.
func (s *Server) RouteFile(from *Session, to string, ev protocol.FileEvent) error {
	if to == "" || strings.EqualFold(to, fileScopeAll) {
		ev.To = fileScopeAll
		s.Broadcast(ev, from.username, s.registry.RoomOf(from.username))
		return nil
	}

	target, ok := s.registry.Session(to)
	if !ok {
		return ErrNoSuchUser
	}
	ev.To = to
	s.deliver([]*Session{target}, ev)
	return nil
}

// handleFile enforces the upload limit on both the declared and the decoded
// size before anything is routed.
func (s *Server) handleFile(sess *Session, req protocol.FileRequest) {
	limit := s.cfg.MaxFileSize
	if req.Size > limit || int64(len(req.Data)) > base64Len(limit) {
		s.metrics.RejectedFiles.Add(1)
		sess.reply("File exceeds the maximum size of %s.", formatSize(limit))
		return
	}
	raw, err := req.Decode()
	if err != nil {
		s.metrics.RejectedFiles.Add(1)
		sess.reply("Invalid file data.")
		return
	}
	if int64(len(raw)) > limit {
		s.metrics.RejectedFiles.Add(1)
		sess.reply("File exceeds the maximum size of %s.", formatSize(limit))
		return
	}

	name := sanitizeFilename(req.Filename)
	ev := protocol.FileEvent{
		From:      sess.username,
		Filename:  name,
		Data:      req.Data,
		Size:      int64(len(raw)),
		Timestamp: protocol.Timestamp(s.now()),
	}
	if err := s.RouteFile(sess, req.To, ev); err != nil {
		if errors.Is(err, ErrNoSuchUser) {
			sess.reply("User '%s' not found.", req.To)
		}
		return
	}

	target := req.To
	if target == "" {
		target = fileScopeAll
	}
	s.metrics.FilesRouted.Add(1)
	s.activity.Append(auditlog.File, fmt.Sprintf("%s sent %s (%dB) to %s", sess.username, name, len(raw), target))
	sess.reply("File '%s' sent.", name)
}

// base64Len is the encoded length of n bytes, padding included.
func base64Len(n int64) int64 {
	return (n + 2) / 3 * 4
}

// sanitizeFilename keeps only the base name so recipients never see a path.
func sanitizeFilename(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	if name == "." || name == "/" || name == "" {
		return "unknown"
	}
	return name
}

// formatSize renders a byte count the way limits are announced: "200 KB".
func formatSize(n int64) string {
	switch {
	case n >= 1<<20 && n%(1<<20) == 0:
		return fmt.Sprintf("%d MB", n>>20)
	case n >= 1<<10 && n%(1<<10) == 0:
		return fmt.Sprintf("%d KB", n>>10)
	default:
		return fmt.Sprintf("%d bytes", n)
	}
}
