package server

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/auditlog"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/rbac"
)

const unknownCommand = "Unknown command. Use /help for help."

// command is one slash-command. A nil perm means any authenticated user.
type command struct {
	perm *model.Permission
	run  func(s *Server, sess *Session, args commandArgs)
}

// commandArgs is a parsed command line.
type commandArgs struct {
	fields []string // whitespace-separated arguments after the command name
	rest   string   // raw text after the command name, trimmed
}

func (a commandArgs) arg(i int) string {
	if i < len(a.fields) {
		return a.fields[i]
	}
	return ""
}

// tail returns the text after the first argument, trimmed.
func (a commandArgs) tail() string {
	_, after, _ := strings.Cut(a.rest, a.arg(0))
	return strings.TrimSpace(after)
}

func perm(p model.Permission) *model.Permission { return &p }

var commands map[string]command

func init() {
	commands = map[string]command{
		"/admin":  {run: (*Server).cmdAdmin},
		"/list":   {run: (*Server).cmdList},
		"/users":  {run: (*Server).cmdList},
		"/whoami": {run: (*Server).cmdWhoami},
		"/create": {run: (*Server).cmdCreate},
		"/join":   {run: (*Server).cmdJoin},
		"/leave":  {run: (*Server).cmdLeave},
		"/rooms":  {run: (*Server).cmdRooms},
		"/me":     {run: (*Server).cmdMe},
		"/help":   {run: (*Server).cmdHelp},
		"/?":      {run: (*Server).cmdHelp},

		"/mute":       {perm: perm(model.PermMuteUser), run: (*Server).cmdMute},
		"/unmute":     {perm: perm(model.PermMuteUser), run: (*Server).cmdUnmute},
		"/kick":       {perm: perm(model.PermKickUser), run: (*Server).cmdKick},
		"/ban":        {perm: perm(model.PermBanUser), run: (*Server).cmdBan},
		"/unban":      {perm: perm(model.PermBanUser), run: (*Server).cmdUnban},
		"/listbans":   {perm: perm(model.PermListBans), run: (*Server).cmdListBans},
		"/announce":   {perm: perm(model.PermAnnounce), run: (*Server).cmdAnnounce},
		"/deleteroom": {perm: perm(model.PermManageRooms), run: (*Server).cmdDeleteRoom},
		"/roompass":   {perm: perm(model.PermManageRooms), run: (*Server).cmdRoomPass},
		"/stats":      {perm: perm(model.PermViewStats), run: (*Server).cmdStats},
	}
}

// handleCommand dispatches one command line. The command name is
// case-insensitive; an empty line is ignored.
func (s *Server) handleCommand(sess *Session, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	name, rest, _ := strings.Cut(line, " ")
	if i := strings.IndexFunc(name, isSpace); i >= 0 {
		name, rest = name[:i], line[i:]
	}
	name = strings.ToLower(name)

	cmd, ok := commands[name]
	if !ok {
		sess.reply(unknownCommand)
		return
	}

	if cmd.perm != nil {
		info, ok := s.registry.Lookup(sess.username)
		if !ok {
			return
		}
		if msg := rbac.RequirePermission(info.Role(), *cmd.perm); msg != "" {
			sess.log.Info("permission denied", "command", name, "perm", rbac.PermName(*cmd.perm))
			sess.reply("%s", msg)
			return
		}
	}

	s.metrics.Commands.Add(1)
	rest = strings.TrimSpace(rest)
	cmd.run(s, sess, commandArgs{fields: strings.Fields(rest), rest: rest})
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

func (s *Server) cmdAdmin(sess *Session, args commandArgs) {
	if args.rest == "" {
		sess.reply("Usage: /admin password")
		return
	}
	if args.rest != s.cfg.AdminPassword {
		sess.log.Warn("invalid admin password")
		sess.reply("Invalid admin password.")
		return
	}
	already, err := s.registry.SetAdmin(sess.username)
	if err != nil {
		return
	}
	if already {
		sess.reply("You are already an admin.")
		return
	}
	msg := fmt.Sprintf("%s is now an admin.", sess.username)
	sess.log.Info("admin granted")
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Admin, msg)
}

func (s *Server) cmdList(sess *Session, _ commandArgs) {
	users := s.registry.Snapshot().Users
	sess.reply("Online Users: %s", strings.Join(users, ", "))
}

func (s *Server) cmdWhoami(sess *Session, _ commandArgs) {
	sess.reply("You are: %s", sess.username)
}

func (s *Server) cmdCreate(sess *Session, args commandArgs) {
	room := args.arg(0)
	if room == "" {
		sess.reply("Usage: /create room_name [password]")
		return
	}
	if err := model.ValidateRoomName(room); err != nil {
		sess.reply("%s", sentence(err))
		return
	}
	password := args.tail()

	prev, err := s.registry.CreateRoom(sess.username, room, password)
	switch {
	case errors.Is(err, ErrRoomExists):
		sess.reply("Room '%s' already exists.", room)
		return
	case err != nil:
		return
	}

	s.metrics.RoomsCreated.Add(1)
	if prev != "" {
		s.Broadcast(protocol.System("%s left room '%s'.", sess.username, prev), sess.username, "")
	}
	if password != "" {
		sess.reply("Created room '%s' (password protected).", room)
	} else {
		sess.reply("Created room '%s'.", room)
	}
	s.Broadcast(protocol.System("%s created room '%s'.", sess.username, room), sess.username, "")
	s.activity.Append(auditlog.Room, fmt.Sprintf("%s created '%s'", sess.username, room))
	s.pushUserList()
}

func (s *Server) cmdJoin(sess *Session, args commandArgs) {
	room := args.arg(0)
	if room == "" {
		sess.reply("Usage: /join room_name [password]")
		return
	}
	if err := model.ValidateRoomName(room); err != nil {
		sess.reply("%s", sentence(err))
		return
	}

	prev, err := s.registry.JoinRoom(sess.username, room, args.tail())
	switch {
	case errors.Is(err, ErrWrongRoomPassword):
		sess.reply("Incorrect room password.")
		return
	case err != nil:
		return
	}
	if prev == room {
		sess.reply("You are already in room '%s'.", room)
		return
	}

	if prev != "" {
		s.Broadcast(protocol.System("%s left room '%s'.", sess.username, prev), sess.username, "")
	}
	sess.reply("You joined room '%s'.", room)
	s.Broadcast(protocol.System("%s joined room '%s'.", sess.username, room), sess.username, room)
	s.activity.Append(auditlog.Room, fmt.Sprintf("%s joined '%s'", sess.username, room))
	s.pushUserList()
}

func (s *Server) cmdLeave(sess *Session, _ commandArgs) {
	room, err := s.registry.LeaveRoom(sess.username)
	if err != nil {
		sess.reply("You are not in any room.")
		return
	}
	sess.reply("You left room '%s'.", room)
	s.Broadcast(protocol.System("%s left room '%s'.", sess.username, room), sess.username, "")
	s.activity.Append(auditlog.Room, fmt.Sprintf("%s left '%s'", sess.username, room))
	s.pushUserList()
}

func (s *Server) cmdRooms(sess *Session, _ commandArgs) {
	rooms := s.registry.Rooms()
	if len(rooms) == 0 {
		sess.reply("Available rooms: (none)")
		return
	}
	names := make([]string, len(rooms))
	for i, r := range rooms {
		names[i] = r.Name
	}
	sess.reply("Available rooms: %s", strings.Join(names, ", "))
}

func (s *Server) cmdMe(sess *Session, args commandArgs) {
	if args.rest == "" {
		sess.reply("Usage: /me <action>")
		return
	}
	action := fmt.Sprintf("* %s %s", sess.username, args.rest)
	s.Broadcast(protocol.BroadcastMessage{
		From:      sess.username,
		Message:   action,
		Timestamp: protocol.Timestamp(s.now()),
	}, sess.username, s.registry.RoomOf(sess.username))
	s.activity.Append(auditlog.Action, fmt.Sprintf("%s %s", sess.username, args.rest))
}

func (s *Server) cmdMute(sess *Session, args commandArgs) {
	target, secArg := args.arg(0), args.arg(1)
	if target == "" || secArg == "" {
		sess.reply("Usage: /mute username seconds")
		return
	}
	seconds, err := strconv.Atoi(secArg)
	if err != nil || seconds <= 0 {
		sess.reply("Invalid seconds value.")
		return
	}

	if err := s.registry.Mute(target, s.now().Add(time.Duration(seconds)*time.Second)); err != nil {
		sess.reply("User '%s' not found.", target)
		return
	}
	if t, ok := s.registry.Session(target); ok {
		t.reply("You are muted for %d seconds.", seconds)
	}
	msg := fmt.Sprintf("%s was muted by %s for %ds.", target, sess.username, seconds)
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Mute, msg)
}

func (s *Server) cmdUnmute(sess *Session, args commandArgs) {
	target := args.arg(0)
	if target == "" {
		sess.reply("Usage: /unmute username")
		return
	}
	if err := s.registry.Unmute(target); err != nil {
		sess.reply("User '%s' not found.", target)
		return
	}
	if t, ok := s.registry.Session(target); ok {
		t.reply("You are no longer muted.")
	}
	msg := fmt.Sprintf("%s was unmuted by %s.", target, sess.username)
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Unmute, msg)
}

func (s *Server) cmdKick(sess *Session, args commandArgs) {
	target := args.arg(0)
	if target == "" {
		sess.reply("Usage: /kick username")
		return
	}
	if target == sess.username {
		sess.reply("You cannot kick yourself.")
		return
	}
	t, ok := s.registry.Session(target)
	if !ok {
		sess.reply("User '%s' not found.", target)
		return
	}

	t.reply("You were kicked by an admin.")
	s.closeSession(t)
	s.metrics.KickCount.Add(1)

	msg := fmt.Sprintf("%s was kicked by %s.", target, sess.username)
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Kick, msg)
}

func (s *Server) cmdBan(sess *Session, args commandArgs) {
	target := args.arg(0)
	if target == "" {
		sess.reply("Usage: /ban username")
		return
	}
	if target == sess.username {
		sess.reply("You cannot ban yourself.")
		return
	}

	s.banMu.Lock()
	t, err := s.registry.Ban(target)
	if err == nil {
		s.persistBans()
	}
	s.banMu.Unlock()
	if errors.Is(err, ErrAlreadyBanned) {
		sess.reply("User '%s' is already banned.", target)
		return
	}
	s.metrics.BanCount.Add(1)

	msg := fmt.Sprintf("%s was banned by %s.", target, sess.username)
	s.Broadcast(protocol.SystemMessage{Message: msg}, target, "")
	s.activity.Append(auditlog.Ban, msg)
	if t != nil {
		t.reply("You have been banned from this server.")
		s.closeSession(t)
	}
}

func (s *Server) cmdUnban(sess *Session, args commandArgs) {
	target := args.arg(0)
	if target == "" {
		sess.reply("Usage: /unban username")
		return
	}

	s.banMu.Lock()
	err := s.registry.Unban(target)
	if err == nil {
		s.persistBans()
	}
	s.banMu.Unlock()
	if err != nil {
		sess.reply("User '%s' is not banned.", target)
		return
	}

	msg := fmt.Sprintf("%s was unbanned by %s.", target, sess.username)
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Unban, msg)
}

// persistBans saves the current ban set. Callers hold banMu.
func (s *Server) persistBans() {
	if s.store == nil {
		return
	}
	if err := s.store.SaveBans(s.registry.Bans()); err != nil {
		slog.Error("failed to save ban list", "err", err)
	}
}

func (s *Server) cmdListBans(sess *Session, _ commandArgs) {
	bans := s.registry.Bans()
	if len(bans) == 0 {
		sess.reply("Banned users: (none)")
		return
	}
	sess.reply("Banned users: %s", strings.Join(bans, ", "))
}

func (s *Server) cmdAnnounce(sess *Session, args commandArgs) {
	if args.rest == "" {
		sess.reply("Usage: /announce <message>")
		return
	}
	msg := "[ANNOUNCEMENT] " + args.rest
	s.Broadcast(protocol.SystemMessage{Message: msg}, "", "")
	s.activity.Append(auditlog.Announce, msg)
}

func (s *Server) cmdDeleteRoom(sess *Session, args commandArgs) {
	room := args.arg(0)
	if room == "" {
		sess.reply("Usage: /deleteroom room_name")
		return
	}
	evicted, err := s.registry.DeleteRoom(room)
	if err != nil {
		sess.reply("Room '%s' does not exist.", room)
		return
	}

	notice := protocol.System("Room '%s' was deleted by an admin.", room)
	for _, name := range evicted {
		if name == sess.username {
			continue
		}
		if t, ok := s.registry.Session(name); ok {
			_ = t.Send(notice)
		}
	}
	sess.reply("Deleted room '%s' (%d members removed).", room, len(evicted))
	s.activity.Append(auditlog.Room, fmt.Sprintf("%s deleted '%s'", sess.username, room))
	s.pushUserList()
}

func (s *Server) cmdRoomPass(sess *Session, args commandArgs) {
	room := args.arg(0)
	if room == "" {
		sess.reply("Usage: /roompass room_name [password]")
		return
	}
	password := args.tail()
	if err := s.registry.SetRoomPassword(room, password); err != nil {
		sess.reply("Room '%s' does not exist.", room)
		return
	}
	if password == "" {
		sess.reply("Password removed from room '%s'.", room)
		s.activity.Append(auditlog.Room, fmt.Sprintf("%s removed the password from '%s'", sess.username, room))
		return
	}
	sess.reply("Password set for room '%s'.", room)
	s.activity.Append(auditlog.Room, fmt.Sprintf("%s set a password on '%s'", sess.username, room))
}

func (s *Server) cmdStats(sess *Session, _ commandArgs) {
	st := s.registry.Stats(s.now())
	m := s.metrics.Snapshot()
	sess.reply("Stats: %d users (%d admins, %d muted), %d rooms, %d banned, uptime %s, %d messages",
		st.Users, st.Admins, st.Muted, st.Rooms, st.Bans, m.Uptime, m.ChatMessages+m.PrivateMessages)
}

const helpText = `AVAILABLE COMMANDS

BASIC COMMANDS:
/help or /? - Show this help
/list or /users - Show online users
/whoami - Show your username
/me <action> - Send action message

ROOM COMMANDS:
/create <room> [pwd] - Create room
/join <room> [pwd] - Join room
/leave - Leave current room
/rooms - List all rooms

/admin <password> - Become admin`

const adminHelpText = `

ADMIN COMMANDS:
/kick <user> - Kick user
/ban <user> - Ban user
/unban <user> - Unban user
/mute <user> <sec> - Mute user
/unmute <user> - Unmute user
/listbans - List banned users
/announce <msg> - Send announcement
/deleteroom <room> - Delete room
/roompass <room> [pwd] - Set or clear room password
/stats - Show server statistics`

func (s *Server) cmdHelp(sess *Session, _ commandArgs) {
	text := helpText
	if info, ok := s.registry.Lookup(sess.username); ok && info.IsAdmin {
		text += adminHelpText
	}
	_ = sess.Send(protocol.SystemMessage{Message: text})
}
