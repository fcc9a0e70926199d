// Package rbac provides role-based access control checks.
package rbac

import "github.com/NicolasHaas/roomchat/pkg/model"

// permissionMatrix maps roles to their allowed permissions.
var permissionMatrix = map[model.Role]map[model.Permission]bool{
	model.RoleAdmin: {
		model.PermMuteUser:    true,
		model.PermKickUser:    true,
		model.PermBanUser:     true,
		model.PermListBans:    true,
		model.PermAnnounce:    true,
		model.PermManageRooms: true,
		model.PermViewStats:   true,
	},
	model.RoleUser: {
		// No special permissions: chat, rooms and info queries only
	},
}

// DeniedMessage is the reply sent when a role lacks a permission.
const DeniedMessage = "Admin rights required."

// HasPermission checks if a role has a specific permission.
func HasPermission(role model.Role, perm model.Permission) bool {
	perms, ok := permissionMatrix[role]
	if !ok {
		return false
	}
	return perms[perm]
}

// RequirePermission returns DeniedMessage if the role lacks the permission, or empty string if allowed.
func RequirePermission(role model.Role, perm model.Permission) string {
	if HasPermission(role, perm) {
		return ""
	}
	return DeniedMessage
}

// PermName returns the stable name of a permission, used in log records.
func PermName(p model.Permission) string {
	switch p {
	case model.PermMuteUser:
		return "mute_user"
	case model.PermKickUser:
		return "kick_user"
	case model.PermBanUser:
		return "ban_user"
	case model.PermListBans:
		return "list_bans"
	case model.PermAnnounce:
		return "announce"
	case model.PermManageRooms:
		return "manage_rooms"
	case model.PermViewStats:
		return "view_stats"
	default:
		return "unknown"
	}
}
