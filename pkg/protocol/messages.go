package protocol

import (
	"encoding/base64"
	"fmt"
)

// Kind is the value of the "type" field that tags every frame.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindBroadcast Kind = "broadcast"
	KindPrivate   Kind = "private"
	KindCommand   Kind = "command"
	KindTyping    Kind = "typing"
	KindFile      Kind = "file"
	KindSystem    Kind = "system"
	KindUserList  Kind = "userlist"
)

// Frame is anything that can be written to the wire.
type Frame interface {
	Kind() Kind
}

// Request is a client-to-server frame. The set of implementations is closed:
// AuthRequest, BroadcastRequest, PrivateRequest, CommandRequest, TypingRequest
// and FileRequest.
type Request interface {
	Frame
	isRequest()
}

// Response is a server-to-client frame. The set of implementations is closed:
// SystemMessage, BroadcastMessage, PrivateMessage, UserList, TypingEvent and
// FileEvent.
type Response interface {
	Frame
	isResponse()
}

// ----- Requests -----

type AuthRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Register bool   `json:"register"`
}

type BroadcastRequest struct {
	Message string `json:"message"`
}

type PrivateRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type TypingRequest struct {
	Status bool `json:"status"`
}

// FileRequest uploads a base64 blob. To is a username, or "All"/empty for the
// sender's room scope.
type FileRequest struct {
	To       string `json:"to"`
	Filename string `json:"filename"`
	Data     string `json:"data"`
	Size     int64  `json:"size"`
}

// Decode returns the raw file bytes.
func (f FileRequest) Decode() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode file data: %w", err)
	}
	return raw, nil
}

// EncodeFile builds a FileRequest from raw bytes.
func EncodeFile(to, filename string, raw []byte) FileRequest {
	return FileRequest{
		To:       to,
		Filename: filename,
		Data:     base64.StdEncoding.EncodeToString(raw),
		Size:     int64(len(raw)),
	}
}

func (AuthRequest) Kind() Kind      { return KindAuth }
func (BroadcastRequest) Kind() Kind { return KindBroadcast }
func (PrivateRequest) Kind() Kind   { return KindPrivate }
func (CommandRequest) Kind() Kind   { return KindCommand }
func (TypingRequest) Kind() Kind    { return KindTyping }
func (FileRequest) Kind() Kind      { return KindFile }

func (AuthRequest) isRequest()      {}
func (BroadcastRequest) isRequest() {}
func (PrivateRequest) isRequest()   {}
func (CommandRequest) isRequest()   {}
func (TypingRequest) isRequest()    {}
func (FileRequest) isRequest()      {}

// ----- Responses -----

type SystemMessage struct {
	Message string `json:"message"`
}

type BroadcastMessage struct {
	From      string `json:"from"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type PrivateMessage struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// UserList is a point-in-time view of who is online and where.
type UserList struct {
	Users     []string            `json:"users"`
	Rooms     map[string][]string `json:"rooms"`
	UserRooms map[string]string   `json:"user_rooms"`
}

type TypingEvent struct {
	User   string `json:"user"`
	Status bool   `json:"status"`
}

type FileEvent struct {
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	Filename  string `json:"filename"`
	Data      string `json:"data"`
	Size      int64  `json:"size"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (SystemMessage) Kind() Kind    { return KindSystem }
func (BroadcastMessage) Kind() Kind { return KindBroadcast }
func (PrivateMessage) Kind() Kind   { return KindPrivate }
func (UserList) Kind() Kind         { return KindUserList }
func (TypingEvent) Kind() Kind      { return KindTyping }
func (FileEvent) Kind() Kind        { return KindFile }

func (SystemMessage) isResponse()    {}
func (BroadcastMessage) isResponse() {}
func (PrivateMessage) isResponse()   {}
func (UserList) isResponse()         {}
func (TypingEvent) isResponse()      {}
func (FileEvent) isResponse()        {}

// System is shorthand for a SystemMessage.
func System(format string, args ...any) SystemMessage {
	if len(args) == 0 {
		return SystemMessage{Message: format}
	}
	return SystemMessage{Message: fmt.Sprintf(format, args...)}
}
