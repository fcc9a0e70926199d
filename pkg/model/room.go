package model

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxRoomNameLength = 64

var ErrRoomNameEmpty = errors.New("room name must not be empty")
var ErrRoomNameTooLong = errors.New("room name too long")
var ErrRoomNameInvalid = errors.New("room name must not contain spaces or control characters")

// Room is a point-in-time copy of a room entry.
type Room struct {
	Name        string   `json:"name"`
	Members     []string `json:"members"` // sorted
	HasPassword bool     `json:"has_password"`
}

// ValidateRoomName checks a room name taken from a command argument.
func ValidateRoomName(name string) error {
	if name == "" {
		return ErrRoomNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxRoomNameLength {
		return ErrRoomNameTooLong
	}
	if strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return ErrRoomNameInvalid
	}
	return nil
}
