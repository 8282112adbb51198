// Package session holds the client's chat directory and active-selection
// state and drives the two streaming operations (ingestion and querying)
// against it.
//
// All shared state lives behind one mutex. Every mutation is a whole-entity
// replace keyed by chat id, never an in-place edit through a shared
// reference, so readers only ever observe fully formed entities. Stream
// events address their target by temporary handle or correlation id, which
// keeps concurrent streams from interfering without any further locking.
package session

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/client"
	"github.com/kalambet/docq/internal/stream"
)

const defaultTopK = 20

// API is the slice of the service client the session depends on.
type API interface {
	ListChats(ctx context.Context) ([]chat.Chat, error)
	GetChat(ctx context.Context, id chat.ChatID) (chat.Chat, error)
	DeleteChat(ctx context.Context, id chat.ChatID) (client.DeleteResult, error)
	Upload(ctx context.Context, filename string, content io.Reader) (io.ReadCloser, error)
	Query(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error)
}

// NoticeLevel classifies a user-visible notification.
type NoticeLevel string

const (
	NoticeError NoticeLevel = "error"
	NoticeInfo  NoticeLevel = "info"
)

// Notice is a dismissible, user-visible notification.
type Notice struct {
	Level NoticeLevel
	Text  string
	At    time.Time
}

// State is an immutable snapshot of everything a UI needs to render.
type State struct {
	// Chats is the ordered directory. Temporary entries carry their live
	// progress messages; durable entries are summaries.
	Chats []chat.Chat
	// ActiveID is the current selection; the zero value means none.
	ActiveID chat.ChatID
	// Active is the hydrated active chat (messages and document), nil while
	// no chat is selected or its detail is unavailable.
	Active *chat.Chat
	// Notices are the pending user-visible notifications, oldest first.
	Notices []Notice
}

// Options configures a Session.
type Options struct {
	// TopK is the number of context chunks requested per query.
	// Zero means the service default.
	TopK   int
	Logger *slog.Logger
}

// Session owns the chat directory. Safe for concurrent use.
type Session struct {
	api    API
	topK   int
	logger *slog.Logger

	mu      sync.Mutex
	chats   []chat.Chat
	details map[string]chat.Chat // durable id -> hydrated detail
	active  chat.ChatID
	// activeGen increments on every selection change; asynchronous results
	// captured under an older generation are discarded (last request wins).
	activeGen uint64
	notices   []Notice

	subMu   sync.Mutex
	subs    map[int]func(State)
	nextSub int
}

// New creates a Session over the given API.
func New(api API, opts Options) *Session {
	topK := opts.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		api:     api,
		topK:    topK,
		logger:  logger,
		details: make(map[string]chat.Chat),
		subs:    make(map[int]func(State)),
	}
}

// Subscribe registers an observer invoked with a fresh snapshot after every
// state change. The returned function cancels the subscription.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() State {
	st := State{
		Chats:    slices.Clone(s.chats),
		ActiveID: s.active,
		Notices:  slices.Clone(s.notices),
	}
	if !s.active.Valid() {
		return st
	}
	if s.active.IsTemporary() {
		if i := s.indexOf(s.active); i >= 0 {
			c := s.chats[i]
			st.Active = &c
		}
		return st
	}
	if id, ok := s.active.Durable(); ok {
		if detail, ok := s.details[id]; ok {
			st.Active = &detail
		}
	}
	return st
}

// notify publishes the current snapshot to all subscribers. Never called with
// s.mu held by the caller.
func (s *Session) notify() {
	st := s.Snapshot()

	s.subMu.Lock()
	fns := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// indexOf returns the directory slot holding id, or -1.
func (s *Session) indexOf(id chat.ChatID) int {
	for i := range s.chats {
		if s.chats[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Session) pushNotice(level NoticeLevel, text string) {
	s.mu.Lock()
	s.notices = append(s.notices, Notice{Level: level, Text: text, At: time.Now()})
	s.mu.Unlock()
	s.notify()
}

// DismissNotices clears all pending notifications.
func (s *Session) DismissNotices() {
	s.mu.Lock()
	s.notices = nil
	s.mu.Unlock()
	s.notify()
}

// applyToTemporary folds a stream event into the temporary chat's message
// list, replacing the whole directory entry. A missing entry (already rolled
// back) is a no-op.
func (s *Session) applyToTemporary(tempID chat.ChatID, ev stream.Event) {
	s.mu.Lock()
	i := s.indexOf(tempID)
	if i < 0 {
		s.mu.Unlock()
		return
	}
	entry := s.chats[i]
	entry.Messages = stream.Apply(entry.Messages, "", ev)
	s.chats = slices.Clone(s.chats)
	s.chats[i] = entry
	s.mu.Unlock()
	s.notify()
}

// applyToDetail folds a query stream event into the transcript of the chat
// it was addressed to, whether or not that chat is still active.
func (s *Session) applyToDetail(id chat.ChatID, corrID string, ev stream.Event) {
	durable, ok := id.Durable()
	if !ok {
		return
	}
	s.mu.Lock()
	detail, ok := s.details[durable]
	if !ok {
		s.mu.Unlock()
		return
	}
	detail.Messages = stream.Apply(detail.Messages, corrID, ev)
	s.details[durable] = detail
	s.mu.Unlock()
	s.notify()
}
