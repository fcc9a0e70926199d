package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/roomchat/pkg/model"
)

var (
	ErrAlreadyConnected  = errors.New("server: username already connected")
	ErrBanned            = errors.New("server: username is banned")
	ErrAlreadyBanned     = errors.New("server: username already banned")
	ErrNotBanned         = errors.New("server: username is not banned")
	ErrRoomExists        = errors.New("server: room already exists")
	ErrNoSuchRoom        = errors.New("server: no such room")
	ErrWrongRoomPassword = errors.New("server: incorrect room password")
	ErrNotInRoom         = errors.New("server: not in a room")
	ErrNoSuchUser        = errors.New("server: no such user")
)

// Registry is the single source of truth for who is connected, which room
// each user is in, room passwords and the ban set. Every method takes the one
// registry lock; none performs network I/O while holding it.
//
// Invariants, maintained only through setRoomLocked:
//   - userRoom[u] == r  iff  u ∈ rooms[r]
//   - a room key exists in rooms iff its member set is non-empty
//   - roomPass keys are a subset of rooms keys
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]struct{}
	userRoom map[string]string
	roomPass map[string]string
	bans     map[string]struct{}
}

// NewRegistry creates an empty registry seeded with a persisted ban set.
func NewRegistry(bans []string) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
		userRoom: make(map[string]string),
		roomPass: make(map[string]string),
		bans:     make(map[string]struct{}, len(bans)),
	}
	for _, name := range bans {
		r.bans[name] = struct{}{}
	}
	return r
}

// Register inserts sess under its username. The ban check here closes the
// window between the handshake's ban check and a concurrent /ban.
func (r *Registry) Register(sess *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, banned := r.bans[sess.username]; banned {
		return ErrBanned
	}
	if _, exists := r.sessions[sess.username]; exists {
		return ErrAlreadyConnected
	}
	r.sessions[sess.username] = sess
	return nil
}

// Unregister removes sess if it is still the registered session for its
// username and drops it from its room. It reports whether anything was
// removed, so callers run their "left" path exactly once.
func (r *Registry) Unregister(sess *Session) (removed bool, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[sess.username]; !ok || cur != sess {
		return false, ""
	}
	room = r.setRoomLocked(sess.username, "")
	delete(r.sessions, sess.username)
	return true, room
}

// Active reports whether sess is the registered session for its username.
func (r *Registry) Active(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sess.username] == sess
}

// Lookup returns a copy of the named session's state.
func (r *Registry) Lookup(username string) (model.SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	if !ok {
		return model.SessionInfo{}, false
	}
	return r.infoLocked(sess), true
}

// Session returns the live session handle for username. The handle is only
// used for Send and Close, both safe without the registry lock.
func (r *Registry) Session(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[username]
	return sess, ok
}

func (r *Registry) infoLocked(sess *Session) model.SessionInfo {
	return model.SessionInfo{
		Username:   sess.username,
		ConnID:     sess.connID,
		RemoteAddr: sess.remote,
		Room:       r.userRoom[sess.username],
		IsAdmin:    sess.isAdmin,
		MutedUntil: sess.mutedUntil,
		JoinedAt:   sess.joinedAt,
	}
}

// Snapshot is a point-in-time copy of online users and room membership.
type Snapshot struct {
	Users     []string            // sorted
	Rooms     map[string][]string // room -> sorted members
	UserRooms map[string]string   // user -> room, only users in a room
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		Users:     make([]string, 0, len(r.sessions)),
		Rooms:     make(map[string][]string, len(r.rooms)),
		UserRooms: make(map[string]string, len(r.userRoom)),
	}
	for name := range r.sessions {
		snap.Users = append(snap.Users, name)
	}
	sort.Strings(snap.Users)
	for room, members := range r.rooms {
		snap.Rooms[room] = model.SortedNames(members)
	}
	for user, room := range r.userRoom {
		snap.UserRooms[user] = room
	}
	return snap
}

// Rooms returns point-in-time copies of all rooms sorted by name.
func (r *Registry) Rooms() []model.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Room, 0, len(r.rooms))
	for name, members := range r.rooms {
		_, locked := r.roomPass[name]
		out = append(out, model.Room{Name: name, Members: model.SortedNames(members), HasPassword: locked})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoomOf returns the user's current room, or "".
func (r *Registry) RoomOf(username string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userRoom[username]
}

// SetRoom moves username into room ("" leaves rooms altogether) and returns
// the room it was in before.
func (r *Registry) SetRoom(username, room string) (prev string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[username]; !ok {
		return "", ErrNoSuchUser
	}
	return r.setRoomLocked(username, room), nil
}

// setRoomLocked is the only code path that mutates room membership.
// It creates the target room on demand and deletes the vacated room, along
// with its password, once empty.
func (r *Registry) setRoomLocked(username, room string) (prev string) {
	prev = r.userRoom[username]
	if prev == room {
		return prev
	}
	if prev != "" {
		members := r.rooms[prev]
		delete(members, username)
		if len(members) == 0 {
			delete(r.rooms, prev)
			delete(r.roomPass, prev)
		}
		delete(r.userRoom, username)
	}
	if room != "" {
		members, ok := r.rooms[room]
		if !ok {
			members = make(map[string]struct{})
			r.rooms[room] = members
		}
		members[username] = struct{}{}
		r.userRoom[username] = room
	}
	return prev
}

// CreateRoom creates room with an optional password and moves username into it.
func (r *Registry) CreateRoom(username, room, password string) (prev string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return "", ErrNoSuchUser
	}
	if _, exists := r.rooms[room]; exists {
		return "", ErrRoomExists
	}
	prev = r.setRoomLocked(username, room)
	if password != "" {
		r.roomPass[room] = password
	}
	return prev, nil
}

// JoinRoom moves username into room, creating it open if it does not exist.
// Only CreateRoom and SetRoomPassword ever store a password.
func (r *Registry) JoinRoom(username, room, password string) (prev string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[username]; !ok {
		return "", ErrNoSuchUser
	}
	if r.userRoom[username] == room {
		return room, nil
	}
	if stored, ok := r.roomPass[room]; ok && stored != "" && stored != password {
		return "", ErrWrongRoomPassword
	}
	return r.setRoomLocked(username, room), nil
}

// LeaveRoom removes username from its room and returns that room.
func (r *Registry) LeaveRoom(username string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.userRoom[username] == "" {
		return "", ErrNotInRoom
	}
	return r.setRoomLocked(username, ""), nil
}

// DeleteRoom evicts every member of room (they stay connected) and returns
// the evicted usernames, sorted.
func (r *Registry) DeleteRoom(room string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return nil, ErrNoSuchRoom
	}
	evicted := model.SortedNames(members)
	for _, name := range evicted {
		r.setRoomLocked(name, "")
	}
	return evicted, nil
}

// SetRoomPassword sets or, with an empty password, clears an existing room's password.
func (r *Registry) SetRoomPassword(room, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[room]; !ok {
		return ErrNoSuchRoom
	}
	if password == "" {
		delete(r.roomPass, room)
	} else {
		r.roomPass[room] = password
	}
	return nil
}

// SetAdmin grants the admin flag. It reports whether the user already had it.
func (r *Registry) SetAdmin(username string) (already bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		return false, ErrNoSuchUser
	}
	already = sess.isAdmin
	sess.isAdmin = true
	return already, nil
}

// Mute silences username until the given instant.
func (r *Registry) Mute(username string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		return ErrNoSuchUser
	}
	sess.mutedUntil = until
	return nil
}

// Unmute clears username's mute.
func (r *Registry) Unmute(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok {
		return ErrNoSuchUser
	}
	sess.mutedUntil = time.Time{}
	return nil
}

// CheckMute reports whether username is muted at now. An expired mute is
// cleared here; nothing clears it proactively.
func (r *Registry) CheckMute(username string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[username]
	if !ok || sess.mutedUntil.IsZero() {
		return false
	}
	if !now.Before(sess.mutedUntil) {
		sess.mutedUntil = time.Time{}
		return false
	}
	return true
}

// Ban adds username to the ban set and returns its live session, if any.
// The session is not removed; the caller tears it down after notifying it.
func (r *Registry) Ban(username string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bans[username]; ok {
		return nil, ErrAlreadyBanned
	}
	r.bans[username] = struct{}{}
	return r.sessions[username], nil
}

func (r *Registry) Unban(username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bans[username]; !ok {
		return ErrNotBanned
	}
	delete(r.bans, username)
	return nil
}

func (r *Registry) IsBanned(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.bans[username]
	return ok
}

// Bans returns the ban set sorted.
func (r *Registry) Bans() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return model.SortedNames(r.bans)
}

// Recipients returns every session except exclude, restricted to members of
// room when room is non-empty.
func (r *Registry) Recipients(exclude, room string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room != "" {
		members := r.rooms[room]
		out := make([]*Session, 0, len(members))
		for name := range members {
			if name == exclude {
				continue
			}
			if sess, ok := r.sessions[name]; ok {
				out = append(out, sess)
			}
		}
		return out
	}

	out := make([]*Session, 0, len(r.sessions))
	for name, sess := range r.sessions {
		if name != exclude {
			out = append(out, sess)
		}
	}
	return out
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	return r.Recipients("", "")
}

// RegistryStats counts registry contents.
type RegistryStats struct {
	Users  int
	Admins int
	Muted  int
	Rooms  int
	Bans   int
}

func (r *Registry) Stats(now time.Time) RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RegistryStats{Users: len(r.sessions), Rooms: len(r.rooms), Bans: len(r.bans)}
	for _, sess := range r.sessions {
		if sess.isAdmin {
			st.Admins++
		}
		if !sess.mutedUntil.IsZero() && now.Before(sess.mutedUntil) {
			st.Muted++
		}
	}
	return st
}
