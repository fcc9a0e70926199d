package model

// Role represents a session's permission level.
type Role int

const (
	RoleUser  Role = iota // Default role, can chat and use rooms
	RoleAdmin             // Granted by /admin: mute, kick, ban, announce, manage rooms
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a string to a Role.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	default:
		return RoleUser
	}
}

// Valid returns true if the role is a recognised value (User or Admin).
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}

// RoleFor maps the session admin flag to a role.
func RoleFor(isAdmin bool) Role {
	if isAdmin {
		return RoleAdmin
	}
	return RoleUser
}
