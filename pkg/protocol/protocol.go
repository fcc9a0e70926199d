// Package protocol defines the chat wire format: newline-delimited JSON frames,
// each a single object tagged by its "type" field.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// DefaultMaxFrameSize bounds a single frame (1 MiB). A 200 KiB file upload
	// is ~270 KiB once base64 encoded.
	DefaultMaxFrameSize = 1 << 20

	// TimeLayout is the format of server-assigned timestamps.
	TimeLayout = "2006-01-02 15:04:05"
)

var (
	ErrFrameTooLarge  = errors.New("protocol: frame too large")
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownKind    = errors.New("protocol: unknown message type")
)

// Timestamp formats t the way every server-assigned timestamp is formatted.
func Timestamp(t time.Time) string {
	return t.Format(TimeLayout)
}

// Marshal serializes a frame as a JSON object with a leading "type" field.
// The result carries no trailing newline.
func Marshal(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal: %w", err)
	}
	kind, err := json.Marshal(f.Kind())
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal type: %w", err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: marshal: %T is not an object", f)
	}

	out := make([]byte, 0, len(body)+len(kind)+10)
	out = append(out, `{"type":`...)
	out = append(out, kind...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// Encode writes one frame followed by a newline with a single Write call.
func Encode(w io.Writer, f Frame) error {
	data, err := Marshal(f)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write: %w", err)
	}
	return nil
}

type envelope struct {
	Type Kind `json:"type"`
}

func peekKind(line []byte) (Kind, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if env.Type == "" {
		return "", fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return env.Type, nil
}

func request[T Request](line []byte) (Request, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

func response[T Response](line []byte) (Response, error) {
	var v T
	if err := json.Unmarshal(line, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return v, nil
}

// DecodeRequest parses one client frame.
func DecodeRequest(line []byte) (Request, error) {
	kind, err := peekKind(line)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindAuth:
		return request[AuthRequest](line)
	case KindBroadcast:
		return request[BroadcastRequest](line)
	case KindPrivate:
		return request[PrivateRequest](line)
	case KindCommand:
		return request[CommandRequest](line)
	case KindTyping:
		return request[TypingRequest](line)
	case KindFile:
		return request[FileRequest](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// DecodeResponse parses one server frame.
func DecodeResponse(line []byte) (Response, error) {
	kind, err := peekKind(line)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindSystem:
		return response[SystemMessage](line)
	case KindBroadcast:
		return response[BroadcastMessage](line)
	case KindPrivate:
		return response[PrivateMessage](line)
	case KindUserList:
		return response[UserList](line)
	case KindTyping:
		return response[TypingEvent](line)
	case KindFile:
		return response[FileEvent](line)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// Reader splits a stream into frames, skipping blank lines.
type Reader struct {
	br  *bufio.Reader
	max int
}

// NewReader wraps r. maxFrame <= 0 selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), max: maxFrame}
}

// ReadFrame returns the next non-blank line without its terminator.
//
// A line longer than the limit is consumed up to its newline and reported as
// ErrFrameTooLarge; the stream stays usable. A final line without a newline is
// returned as a frame before io.EOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		chunk, err := r.br.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > r.max+2 { // allow for "\r\n"
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLarge {
				return nil, ErrFrameTooLarge
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLarge {
				return nil, ErrFrameTooLarge
			}
			if len(bytes.TrimSpace(buf)) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// ReadRequest reads and decodes the next client frame.
func (r *Reader) ReadRequest() (Request, error) {
	line, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeRequest(line)
}

// ReadResponse reads and decodes the next server frame.
func (r *Reader) ReadResponse() (Response, error) {
	line, err := r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(line)
}

// IsRecoverable reports whether err concerns only the current frame, leaving
// the stream usable for the next one.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrMalformedFrame) ||
		errors.Is(err, ErrUnknownKind)
}
