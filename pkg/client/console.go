package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/NicolasHaas/roomchat/pkg/protocol"
)

// ErrQuit is returned by HandleLine for /quit.
var ErrQuit = errors.New("client: quit")

// Console turns typed lines into requests and renders server frames as text.
type Console struct {
	client   *Client
	settings *Settings

	outMu sync.Mutex
	out   io.Writer
}

// NewConsole creates a console bound to c. A nil settings uses defaults.
func NewConsole(c *Client, settings *Settings, out io.Writer) *Console {
	if settings == nil {
		settings = DefaultSettings()
	}
	return &Console{client: c, settings: settings, out: out}
}

// HandleLine interprets one line of user input.
//
//	/msg user text     private message
//	/file path [to]    upload a file to a user, or to the room when to is omitted
//	/typing on|off     typing indicator
//	/quit              disconnect
//	/anything else     server command
//	text               chat message
func (con *Console) HandleLine(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return con.client.Broadcast(line)
	}

	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "/quit", "/exit":
		return ErrQuit
	case "/msg", "/pm":
		if len(fields) < 3 {
			con.printf("Usage: /msg username message\n")
			return nil
		}
		return con.client.Private(fields[1], restAfter(line, 2))
	case "/file":
		if len(fields) < 2 {
			con.printf("Usage: /file path [username]\n")
			return nil
		}
		to := ""
		if len(fields) > 2 {
			to = fields[2]
		}
		return con.sendFile(fields[1], to)
	case "/typing":
		return con.client.Typing(len(fields) > 1 && strings.EqualFold(fields[1], "on"))
	default:
		return con.client.Command(line)
	}
}

// restAfter returns line with its first n whitespace-separated fields removed.
func restAfter(line string, n int) string {
	s := line
	for i := 0; i < n; i++ {
		s = strings.TrimLeft(s, " \t")
		j := strings.IndexAny(s, " \t")
		if j < 0 {
			return ""
		}
		s = s[j:]
	}
	return strings.TrimSpace(s)
}

func (con *Console) sendFile(path, to string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		con.printf("Cannot read %s: %v\n", path, err)
		return nil
	}
	return con.client.SendFile(to, filepath.Base(path), raw)
}

// Render formats a server frame for display. It returns "" for frames that
// produce no output.
func (con *Console) Render(resp protocol.Response) string {
	switch m := resp.(type) {
	case protocol.SystemMessage:
		return "*** " + m.Message
	case protocol.BroadcastMessage:
		return fmt.Sprintf("[%s] %s: %s", m.Timestamp, m.From, m.Message)
	case protocol.PrivateMessage:
		if m.To != "" && m.From == con.client.Username() {
			return fmt.Sprintf("[%s] [PM to %s] %s", m.Timestamp, m.To, m.Message)
		}
		return fmt.Sprintf("[%s] [PM from %s] %s", m.Timestamp, m.From, m.Message)
	case protocol.UserList:
		return renderUserList(m)
	case protocol.TypingEvent:
		if !m.Status || !con.settings.ShowTyping {
			return ""
		}
		return m.User + " is typing..."
	case protocol.FileEvent:
		return con.renderFile(m)
	default:
		return ""
	}
}

func renderUserList(m protocol.UserList) string {
	var b strings.Builder
	b.WriteString("Online: ")
	b.WriteString(strings.Join(m.Users, ", "))
	if len(m.Rooms) > 0 {
		names := make([]string, 0, len(m.Rooms))
		for name := range m.Rooms {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString(" | Rooms: ")
		for i, name := range names {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s(%s)", name, strings.Join(m.Rooms[name], ","))
		}
	}
	return b.String()
}

func (con *Console) renderFile(m protocol.FileEvent) string {
	line := fmt.Sprintf("[%s] %s sent file %s (%d bytes)", m.Timestamp, m.From, m.Filename, m.Size)
	if con.settings.DownloadDir == "" {
		return line
	}
	path, err := SaveFile(con.settings.DownloadDir, m)
	if err != nil {
		return line + fmt.Sprintf(" - save failed: %v", err)
	}
	return line + " - saved to " + path
}

// SaveFile decodes a received file into dir and returns the written path.
// Only the base name of the sender's filename is used.
func SaveFile(dir string, m protocol.FileEvent) (string, error) {
	raw, err := protocol.FileRequest{Data: m.Data}.Decode()
	if err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + m.Filename))
	if name == "/" || name == "." {
		name = "download"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("client: create download dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("client: write file: %w", err)
	}
	return path, nil
}

func (con *Console) printf(format string, args ...any) {
	con.outMu.Lock()
	defer con.outMu.Unlock()
	fmt.Fprintf(con.out, format, args...)
}

// Run prints server frames while feeding lines from in to HandleLine. It
// returns when in is exhausted, the user quits, ctx ends or the server closes
// the connection.
func (con *Console) Run(ctx context.Context, in io.Reader) error {
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for resp := range con.client.Events() {
			if text := con.Render(resp); text != "" {
				con.printf("%s\n", text)
			}
		}
	}()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	defer func() {
		_ = con.client.Close()
		<-printed
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-con.client.Done():
			con.printf("*** Disconnected from server.\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := con.HandleLine(line); err != nil {
				if errors.Is(err, ErrQuit) {
					return nil
				}
				return fmt.Errorf("client: send: %w", err)
			}
		}
	}
}
