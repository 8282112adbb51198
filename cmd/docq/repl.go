package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/client"
	"github.com/kalambet/docq/internal/session"
)

func newWatchSession(c *client.Client) *session.Session {
	return session.New(c, session.Options{})
}

// replRenderer prints assistant answer fragments as the session applies them,
// plus any notices the session raises.
type replRenderer struct {
	out           io.Writer
	mu            sync.Mutex
	printed       int // bytes of the in-flight answer already written
	lastMsgCount  int
	noticesSeen   int
	activeChatKey string
}

func (r *replRenderer) render(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Dismissals shrink the notice list; resync before slicing.
	if r.noticesSeen > len(st.Notices) {
		r.noticesSeen = len(st.Notices)
	}
	for _, n := range st.Notices[r.noticesSeen:] {
		if n.Level == session.NoticeError {
			printError("%s", n.Text)
		} else {
			printStep("%s", n.Text)
		}
	}
	r.noticesSeen = len(st.Notices)

	if st.Active == nil {
		return
	}
	if key := st.Active.ID.String(); key != r.activeChatKey {
		r.activeChatKey = key
		r.lastMsgCount = len(st.Active.Messages)
		r.printed = 0
		return
	}

	msgs := st.Active.Messages
	if len(msgs) == 0 {
		return
	}
	// A new exchange resets fragment tracking.
	if len(msgs) != r.lastMsgCount {
		r.lastMsgCount = len(msgs)
		r.printed = 0
	}
	last := msgs[len(msgs)-1]
	if last.Sender != chat.SenderAssistant {
		return
	}
	if len(last.Text) > r.printed {
		fmt.Fprint(r.out, last.Text[r.printed:])
		r.printed = len(last.Text)
	}
}

func runRepl(ctx context.Context, c *client.Client, target chat.ChatID, topK int) error {
	s := session.New(c, session.Options{TopK: topK})
	if err := s.Init(ctx); err != nil {
		return err
	}
	if err := s.SetActive(ctx, target); err != nil {
		printWarning("could not load chat history: %v", err)
	}

	renderer := &replRenderer{out: os.Stdout}
	// Seed the counters so history is not replayed as a fresh answer.
	renderer.render(s.Snapshot())
	cancel := s.Subscribe(renderer.render)
	defer cancel()

	fmt.Println("Type a question, /chats, /switch <n>, /delete, or /quit.")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(colorize(colorBold, "> "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/chats":
			replListChats(s)
		case strings.HasPrefix(line, "/switch "):
			replSwitch(ctx, s, strings.TrimSpace(strings.TrimPrefix(line, "/switch ")))
		case line == "/delete":
			replDelete(ctx, s)
		case strings.HasPrefix(line, "/"):
			printWarning("unknown command %s", line)
		default:
			if err := s.Ask(ctx, line); err != nil {
				printError("%v", err)
			} else {
				fmt.Println()
			}
			s.DismissNotices()
		}
	}
}

func replListChats(s *session.Session) {
	st := s.Snapshot()
	if len(st.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for i, ch := range st.Chats {
		marker := " "
		if ch.ID == st.ActiveID {
			marker = colorize(colorGreen, "*")
		}
		fmt.Printf("%s %2d  %s  %s\n", marker, i+1, shortID(ch.ID.String()), ch.Title)
	}
}

func replSwitch(ctx context.Context, s *session.Session, arg string) {
	st := s.Snapshot()
	var target chat.ChatID
	if n, err := strconv.Atoi(arg); err == nil && n >= 1 && n <= len(st.Chats) {
		target = st.Chats[n-1].ID
	} else {
		for _, ch := range st.Chats {
			if ch.ID.String() == arg || strings.HasPrefix(ch.ID.String(), arg) {
				target = ch.ID
				break
			}
		}
	}
	if !target.Valid() {
		printWarning("no chat matching %q", arg)
		return
	}
	if err := s.SetActive(ctx, target); err != nil {
		printError("switching chat: %v", err)
		return
	}
	if st := s.Snapshot(); st.Active != nil {
		printStatus("Chat", "%s", st.Active.Title)
	}
}

func replDelete(ctx context.Context, s *session.Session) {
	st := s.Snapshot()
	if !st.ActiveID.Valid() {
		printWarning("no active chat")
		return
	}
	if err := s.Delete(ctx, st.ActiveID); err != nil {
		printError("deleting chat: %v", err)
		return
	}
	printSuccess("Chat deleted")
}
