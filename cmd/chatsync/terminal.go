package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/omochice/chatsync/internal/client"
	"github.com/omochice/chatsync/internal/engine"
	"github.com/omochice/chatsync/internal/rest"
	"github.com/omochice/chatsync/pkg/protocol"
)

const help = `commands:
  /open CHAT        open a chat
  /close            close the open chat
  /chats            list chats
  /typing on|off    announce typing
  /who USER         show when a user was last online
  /edit ID TEXT     edit a message
  /delete ID        delete a message for everyone
  /react ID EMOJI   react to a message
  /unreact ID EMOJI withdraw a reaction
  /retry ID         resend a failed message
  /quit             leave
anything else is sent to the open chat`

// terminal renders session changes and turns input lines into operations.
type terminal struct {
	out io.Writer
	cl  *client.Client

	mu       sync.Mutex
	rendered map[string]string
	typing   string
}

func newTerminal(out io.Writer, cl *client.Client) *terminal {
	return &terminal{out: out, cl: cl, rendered: make(map[string]string)}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

func (t *terminal) watch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-t.cl.Changes():
			t.show(ch)
		}
	}
}

func (t *terminal) show(ch engine.Change) {
	focused := t.cl.Focused()
	switch ch.Kind {
	case engine.ChangeConnection:
		lc := ch.Lifecycle
		switch {
		case lc.Exhausted:
			t.printf("* connection lost, giving up after %d attempts", lc.Attempt)
		case lc.Err != nil:
			t.printf("* %s: %v", lc.To, lc.Err)
		default:
			t.printf("* %s", lc.To)
		}
	case engine.ChangeMessages:
		if ch.ChatID == focused {
			t.renderMessages(focused)
		}
	case engine.ChangeTyping:
		if ch.ChatID == focused {
			t.renderTyping(focused)
		}
	case engine.ChangeChats:
		if ch.ChatID != "" && ch.ChatID != focused {
			if c, ok := t.cl.Chat(ch.ChatID); ok && c.UnreadCount > 0 {
				t.printf("* %s: %d unread", chatName(c), c.UnreadCount)
			}
		}
	}
}

// renderMessages prints messages that are new or changed since last shown.
func (t *terminal) renderMessages(chatID string) {
	for _, m := range t.cl.Messages(chatID) {
		line := formatMessage(m)
		t.mu.Lock()
		prev, seen := t.rendered[m.ID]
		t.rendered[m.ID] = line
		t.mu.Unlock()
		if !seen || prev != line {
			t.printf("%s", line)
		}
	}
}

func (t *terminal) renderTyping(chatID string) {
	line := formatTyping(t.cl.Typing(chatID))
	t.mu.Lock()
	changed := line != t.typing
	t.typing = line
	t.mu.Unlock()
	if changed && line != "" {
		t.printf("%s", line)
	}
}

func (t *terminal) open(ctx context.Context, chatID string) {
	if prev := t.cl.Focused(); prev != "" && prev != chatID {
		_ = t.cl.CloseChat(ctx, prev)
	}
	if err := t.cl.OpenChat(ctx, chatID); err != nil {
		t.printf("! %v", err)
	}
	if err := loadHistory(ctx, t.cl, chatID); err != nil {
		t.printf("! %v", err)
	}
	t.mu.Lock()
	clear(t.rendered)
	t.mu.Unlock()
	t.renderMessages(chatID)
	if err := t.cl.MarkRead(ctx, chatID); err != nil {
		t.printf("! %v", err)
	}
}

// handle runs one input line and reports whether to quit.
func (t *terminal) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		t.send(ctx, line)
		return false
	}

	cmd, argText, _ := strings.Cut(line, " ")
	args := strings.Fields(argText)
	var err error
	switch cmd {
	case "/quit":
		return true
	case "/help":
		t.printf("%s", help)
	case "/open":
		if len(args) != 1 {
			t.printf("usage: /open CHAT")
			return false
		}
		t.open(ctx, args[0])
	case "/close":
		if chatID := t.cl.Focused(); chatID != "" {
			err = t.cl.CloseChat(ctx, chatID)
		}
	case "/chats":
		for _, c := range t.cl.Chats() {
			t.printf("%s", formatChat(c, time.Now()))
		}
	case "/typing":
		chatID := t.cl.Focused()
		if chatID == "" {
			t.printf("! no open chat, use /open CHAT")
			return false
		}
		err = t.cl.SetTyping(ctx, chatID, len(args) == 0 || args[0] != "off")
	case "/who":
		if len(args) != 1 {
			t.printf("usage: /who USER")
			return false
		}
		st, ok := t.cl.Online(args[0])
		switch {
		case !ok:
			t.printf("%s: unknown", args[0])
		case st.Online:
			t.printf("%s: online", args[0])
		case st.LastSeen.IsZero():
			t.printf("%s: offline", args[0])
		default:
			t.printf("%s: last seen %s", args[0], humanize.Time(st.LastSeen))
		}
	case "/edit":
		if len(args) < 2 {
			t.printf("usage: /edit ID TEXT")
			return false
		}
		_, text, _ := strings.Cut(strings.TrimSpace(argText), " ")
		err = t.cl.EditMessage(ctx, args[0], strings.TrimSpace(text))
	case "/delete":
		if len(args) != 1 {
			t.printf("usage: /delete ID")
			return false
		}
		err = t.cl.DeleteMessage(ctx, args[0], true)
	case "/react", "/unreact":
		if len(args) != 2 {
			t.printf("usage: %s ID EMOJI", cmd)
			return false
		}
		if cmd == "/react" {
			err = t.cl.AddReaction(ctx, args[0], args[1])
		} else {
			err = t.cl.RemoveReaction(ctx, args[0], args[1])
		}
	case "/retry":
		if len(args) != 1 {
			t.printf("usage: /retry ID")
			return false
		}
		_, err = t.cl.RetrySend(ctx, args[0])
	default:
		t.printf("unknown command %s, try /help", cmd)
	}
	if err != nil {
		t.printf("! %v", err)
	}
	return false
}

func (t *terminal) send(ctx context.Context, text string) {
	chatID := t.cl.Focused()
	if chatID == "" {
		t.printf("! no open chat, use /open CHAT")
		return
	}
	_ = t.cl.SetTyping(ctx, chatID, false)
	if _, err := t.cl.SendMessage(ctx, chatID, rest.Draft{Content: text}); err != nil {
		t.printf("! %v", err)
	}
}

func chatName(c protocol.Chat) string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

func formatChat(c protocol.Chat, now time.Time) string {
	var b strings.Builder
	b.WriteString(chatName(c))
	if c.UnreadCount > 0 {
		fmt.Fprintf(&b, " (%d)", c.UnreadCount)
	}
	if last := c.LastMessage; last != nil {
		fmt.Fprintf(&b, " %s: %s", last.SenderID, last.Content)
		if !last.CreatedAt.IsZero() {
			fmt.Fprintf(&b, " · %s", humanize.RelTime(last.CreatedAt, now, "ago", "from now"))
		}
	}
	return b.String()
}

func formatMessage(m protocol.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s: %s", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Content)
	if m.Edited && !m.Deleted {
		b.WriteString(" (edited)")
	}
	switch m.Status {
	case protocol.StatusPending:
		b.WriteString(" …")
	case protocol.StatusFailed:
		fmt.Fprintf(&b, " (failed, /retry %s)", m.ID)
	case protocol.StatusRead:
		b.WriteString(" ✓✓")
	}
	if len(m.Reactions) > 0 {
		emojis := make([]string, 0, len(m.Reactions))
		for e := range m.Reactions {
			emojis = append(emojis, e)
		}
		sort.Strings(emojis)
		for _, e := range emojis {
			fmt.Fprintf(&b, " %s%d", e, len(m.Reactions[e]))
		}
	}
	return b.String()
}

func formatTyping(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing…"
	default:
		return strings.Join(users, ", ") + " are typing…"
	}
}
