// Package model defines the core domain types for roomchat.
package model

// Permission represents a specific action that can be checked against a role.
type Permission int

const (
	PermMuteUser Permission = iota
	PermKickUser
	PermBanUser
	PermListBans
	PermAnnounce
	PermManageRooms
	PermViewStats
)
