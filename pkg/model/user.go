package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	MinUsernameLength = 3
	MaxUsernameLength = 32
	MinPasswordLength = 4
)

var ErrUsernameEmpty = errors.New("username cannot be empty")
var ErrUsernameTooShort = fmt.Errorf("username must be at least %d characters", MinUsernameLength)
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d characters", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must not contain spaces or control characters")
var ErrPasswordEmpty = errors.New("password cannot be empty")
var ErrPasswordTooShort = fmt.Errorf("password must be at least %d characters", MinPasswordLength)

// User is a registered account. The password never leaves the store.
type User struct {
	Username  string    `json:"username" yaml:"username"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ValidateUsername checks a username that has already been trimmed of surrounding
// whitespace: 3-32 characters, no whitespace or control characters.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrUsernameEmpty
	}
	n := utf8.RuneCountInString(name)
	if n < MinUsernameLength {
		return ErrUsernameTooShort
	}
	if n > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if strings.IndexFunc(name, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	}) >= 0 {
		return ErrUsernameInvalidChars
	}
	return nil
}

// ValidatePassword checks a trimmed password.
func ValidatePassword(password string) error {
	if password == "" {
		return ErrPasswordEmpty
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	return nil
}
