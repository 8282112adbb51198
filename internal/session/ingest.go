package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/stream"
)

// ErrNoResult is the failure reported when an ingestion stream ends without
// a complete or error frame.
var ErrNoResult = errors.New("stream ended without a result")

// BeginIngestion uploads a document and follows its ingestion stream to the
// end. Before any network I/O it inserts a temporary chat at the front of the
// directory and makes it active, so the upload is visible immediately. Step
// frames append live progress messages to that chat. On success the
// temporary entry is replaced in place by the finished chat and the selection
// moves to its durable id, which is returned. On any failure the temporary
// chat is rolled back, a notice is raised, and no partial state remains.
//
// Concurrent ingestions are independent: each addresses the directory only
// through its own temporary handle.
func (s *Session) BeginIngestion(ctx context.Context, filename string, content io.Reader) (chat.ChatID, error) {
	tempID := chat.NewTemporaryID()
	temp := chat.Chat{
		ID:         tempID,
		Title:      filepath.Base(filename),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		Processing: true,
	}

	s.mu.Lock()
	s.chats = append([]chat.Chat{temp}, s.chats...)
	s.active = tempID
	s.activeGen++
	s.mu.Unlock()
	s.notify()

	body, err := s.api.Upload(ctx, filename, content)
	if err != nil {
		s.rollbackIngestion(tempID, fmt.Sprintf("Upload of %s failed: %v", temp.Title, err))
		return chat.ChatID{}, fmt.Errorf("starting upload: %w", err)
	}
	defer body.Close()

	dec := stream.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, readErr := body.Read(buf)
		events := dec.Feed(buf[:n])
		if readErr == io.EOF {
			events = append(events, dec.Flush()...)
		}

		for _, ev := range events {
			switch e := ev.(type) {
			case stream.StepEvent:
				s.applyToTemporary(tempID, e)

			case stream.ErrorEvent:
				s.rollbackIngestion(tempID, fmt.Sprintf("Processing %s failed: %s", temp.Title, e.Message))
				return chat.ChatID{}, fmt.Errorf("ingestion failed: %s", e.Message)

			case stream.CompleteEvent:
				s.completeIngestion(tempID, e.Chat)
				return e.Chat.ID, nil
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.rollbackIngestion(tempID, fmt.Sprintf("Upload of %s was interrupted: %v", temp.Title, readErr))
			return chat.ChatID{}, fmt.Errorf("reading upload stream: %w", readErr)
		}
	}

	// The stream drained without a terminal frame. Treat it as failure;
	// silence is not success for ingestion.
	s.rollbackIngestion(tempID, fmt.Sprintf("Processing %s produced no result", temp.Title))
	return chat.ChatID{}, ErrNoResult
}

// completeIngestion atomically swaps the temporary entry for the finished
// chat in the same directory slot, hydrates its detail from the payload, and
// moves the selection to the durable id.
func (s *Session) completeIngestion(tempID chat.ChatID, finished chat.Chat) {
	s.mu.Lock()
	i := s.indexOf(tempID)
	if i < 0 {
		// Rolled back already (e.g. stream raced its own error frame).
		s.mu.Unlock()
		return
	}
	next := slices.Clone(s.chats)
	next[i] = finished.Summary()
	s.chats = next
	if durable, ok := finished.ID.Durable(); ok {
		s.details[durable] = finished
	}
	s.active = finished.ID
	s.activeGen++
	s.mu.Unlock()
	s.notify()
}

// rollbackIngestion removes the temporary chat and raises an error notice.
// If the temporary chat was still active the selection is cleared.
func (s *Session) rollbackIngestion(tempID chat.ChatID, notice string) {
	s.mu.Lock()
	if i := s.indexOf(tempID); i >= 0 {
		s.chats = append(s.chats[:i:i], s.chats[i+1:]...)
	}
	if s.active == tempID {
		s.active = chat.ChatID{}
		s.activeGen++
	}
	s.mu.Unlock()
	s.notify()
	s.pushNotice(NoticeError, notice)
}
