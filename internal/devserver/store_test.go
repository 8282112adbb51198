package devserver

import (
	"errors"
	"testing"

	"github.com/kalambet/docq/internal/chat"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateChat(t *testing.T, s *Store, id, docID, title, createdAt string) {
	t.Helper()
	err := s.CreateChat(chat.Chat{
		ID:         chat.DurableID(id),
		DocumentID: docID,
		Title:      title,
		CreatedAt:  createdAt,
	})
	if err != nil {
		t.Fatalf("creating chat %s: %v", id, err)
	}
}

func TestListChatsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	mustCreateChat(t, s, "c1", "d1", "first.pdf", "2026-01-01T00:00:00Z")
	mustCreateChat(t, s, "c2", "d2", "second.pdf", "2026-02-01T00:00:00Z")

	chats, err := s.ListChats()
	if err != nil {
		t.Fatalf("listing chats: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2", len(chats))
	}
	if chats[0].Title != "second.pdf" || chats[1].Title != "first.pdf" {
		t.Errorf("order = [%s, %s], want newest first", chats[0].Title, chats[1].Title)
	}
	if len(chats[0].Messages) != 0 {
		t.Errorf("summary list should not carry messages")
	}
}

func TestGetChatWithMessages(t *testing.T) {
	s := newTestStore(t)
	mustCreateChat(t, s, "c1", "d1", "doc.pdf", "2026-01-01T00:00:00Z")

	if err := s.AppendMessage("c1", chat.Message{Sender: chat.SenderUser, Text: "what is this?"}); err != nil {
		t.Fatalf("appending user message: %v", err)
	}
	if err := s.AppendMessage("c1", chat.Message{
		Sender: chat.SenderAssistant,
		Text:   "an answer",
		Chunks: []chat.ContextChunk{{PageContent: "source passage"}},
	}); err != nil {
		t.Fatalf("appending bot message: %v", err)
	}

	c, err := s.GetChat("c1")
	if err != nil {
		t.Fatalf("getting chat: %v", err)
	}
	if len(c.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(c.Messages))
	}
	if c.Messages[0].Sender != chat.SenderUser || c.Messages[1].Sender != chat.SenderAssistant {
		t.Errorf("senders = %s, %s", c.Messages[0].Sender, c.Messages[1].Sender)
	}
	if len(c.Messages[1].Chunks) != 1 || c.Messages[1].Chunks[0].PageContent != "source passage" {
		t.Errorf("bot message chunks not round-tripped: %+v", c.Messages[1].Chunks)
	}
}

func TestGetChatNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetChat("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAppendMessageUnknownChat(t *testing.T) {
	s := newTestStore(t)
	err := s.AppendMessage("missing", chat.Message{Sender: chat.SenderUser, Text: "hi"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteChatKeepsSharedDocument(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDocument(chat.Document{ID: "d1", Name: "doc.pdf", Path: "/tmp/doc.pdf", UploadedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("saving document: %v", err)
	}
	mustCreateChat(t, s, "c1", "d1", "doc.pdf", "2026-01-01T00:00:00Z")
	mustCreateChat(t, s, "c2", "d1", "doc.pdf", "2026-01-02T00:00:00Z")

	deleted, _, err := s.DeleteChat("c1")
	if err != nil {
		t.Fatalf("deleting chat: %v", err)
	}
	if deleted {
		t.Error("document deleted while another chat still references it")
	}
	if _, err := s.GetDocument("d1"); err != nil {
		t.Errorf("document should still exist: %v", err)
	}
}

func TestDeleteLastChatCascadesToDocument(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDocument(chat.Document{ID: "d1", Name: "doc.pdf", Path: "/tmp/doc.pdf", UploadedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("saving document: %v", err)
	}
	if err := s.SaveChunks("d1", []string{"one", "two"}); err != nil {
		t.Fatalf("saving chunks: %v", err)
	}
	mustCreateChat(t, s, "c1", "d1", "doc.pdf", "2026-01-01T00:00:00Z")

	deleted, path, err := s.DeleteChat("c1")
	if err != nil {
		t.Fatalf("deleting chat: %v", err)
	}
	if !deleted {
		t.Error("expected document_deleted for last referencing chat")
	}
	if path != "/tmp/doc.pdf" {
		t.Errorf("path = %q, want stored file path", path)
	}
	if _, err := s.GetDocument("d1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("document should be gone, got err = %v", err)
	}
	chunks, err := s.Chunks("d1")
	if err != nil {
		t.Fatalf("reading chunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunk index should be gone, got %d chunks", len(chunks))
	}
}

func TestDeleteChatNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.DeleteChat("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestChunksRoundTrip(t *testing.T) {
	s := newTestStore(t)
	want := []string{"alpha", "beta", "gamma"}
	if err := s.SaveChunks("d1", want); err != nil {
		t.Fatalf("saving chunks: %v", err)
	}

	got, err := s.Chunks("d1")
	if err != nil {
		t.Fatalf("reading chunks: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d = %q, want %q", i, got[i], want[i])
		}
	}

	// Re-indexing replaces, not appends.
	if err := s.SaveChunks("d1", []string{"only"}); err != nil {
		t.Fatalf("re-saving chunks: %v", err)
	}
	got, err = s.Chunks("d1")
	if err != nil {
		t.Fatalf("re-reading chunks: %v", err)
	}
	if len(got) != 1 || got[0] != "only" {
		t.Errorf("re-index got %v, want [only]", got)
	}
}
