package model

import "time"

// SessionInfo is a point-in-time copy of an active session's registry state.
type SessionInfo struct {
	Username   string
	ConnID     string
	RemoteAddr string
	Room       string    // empty when not in a room
	IsAdmin    bool
	MutedUntil time.Time // zero = not muted
	JoinedAt   time.Time
}

// Role returns the role implied by the admin flag.
func (s SessionInfo) Role() Role {
	return RoleFor(s.IsAdmin)
}

// Muted reports whether the session is muted at now.
func (s SessionInfo) Muted(now time.Time) bool {
	return !s.MutedUntil.IsZero() && now.Before(s.MutedUntil)
}
