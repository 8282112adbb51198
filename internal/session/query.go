package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/stream"
)

// ErrEmptyQuery is returned when Ask is called with blank text; no request
// is issued.
var ErrEmptyQuery = errors.New("query text is empty")

// ErrNoActiveChat is returned when Ask is called without a durable active
// chat to scope the question to.
var ErrNoActiveChat = errors.New("no active chat")

// Ask submits a question against the active chat and follows the answer
// stream to the end. The user message and a correlated assistant placeholder
// are appended synchronously before any network I/O. Context frames fill the
// placeholder's chunk list; chunk frames append to its text in arrival
// order. End of stream is success. On failure the placeholder's text is
// replaced with an inline explanation — the question stays visible, nothing
// is removed.
//
// Events keep flowing into the transcript they were addressed to even if the
// user switches to another chat mid-stream; switching back shows the
// accumulated answer.
func (s *Session) Ask(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyQuery
	}

	s.mu.Lock()
	target := s.active
	s.mu.Unlock()

	durable, ok := target.Durable()
	if !ok {
		if target.IsTemporary() {
			return fmt.Errorf("%w: the document is still being processed", ErrNoActiveChat)
		}
		return ErrNoActiveChat
	}

	corrID := chat.NewCorrelationID()
	s.appendQueryMessages(durable, text, corrID)

	body, err := s.api.Query(ctx, target, text, s.topK)
	if err != nil {
		s.failPlaceholder(target, corrID, err)
		return fmt.Errorf("starting query: %w", err)
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
			s.applyToDetail(target, corrID, ev)
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.failPlaceholder(target, corrID, readErr)
			return fmt.Errorf("reading answer stream: %w", readErr)
		}
	}

	s.settlePlaceholder(target, corrID)
	return nil
}

// appendQueryMessages adds the user message and the assistant placeholder to
// the chat's transcript in one step, creating the detail entry if the
// detail fetch has not landed yet.
func (s *Session) appendQueryMessages(durable, text, corrID string) {
	s.mu.Lock()
	detail, ok := s.details[durable]
	if !ok {
		detail = chat.Chat{ID: chat.DurableID(durable)}
		if i := s.indexOf(chat.DurableID(durable)); i >= 0 {
			detail.Title = s.chats[i].Title
			detail.DocumentID = s.chats[i].DocumentID
		}
	}
	detail.Messages = append(slices.Clone(detail.Messages),
		chat.Message{Sender: chat.SenderUser, Text: text},
		chat.Message{Sender: chat.SenderAssistant, CorrelationID: corrID},
	)
	s.details[durable] = detail
	s.mu.Unlock()
	s.notify()
}

// failPlaceholder replaces the placeholder's text with a user-facing failure
// notice carrying the error detail.
func (s *Session) failPlaceholder(id chat.ChatID, corrID string, cause error) {
	notice := fmt.Sprintf("Something went wrong while answering: %v", cause)
	s.mutatePlaceholder(id, corrID, func(m *chat.Message) {
		m.Text = notice
		m.CorrelationID = ""
	})
}

// settlePlaceholder clears the correlation id once the stream has finished;
// the message is no longer addressable by later events.
func (s *Session) settlePlaceholder(id chat.ChatID, corrID string) {
	s.mutatePlaceholder(id, corrID, func(m *chat.Message) {
		m.CorrelationID = ""
	})
}

func (s *Session) mutatePlaceholder(id chat.ChatID, corrID string, fn func(*chat.Message)) {
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
	for i := range detail.Messages {
		if detail.Messages[i].CorrelationID != corrID {
			continue
		}
		messages := slices.Clone(detail.Messages)
		m := messages[i]
		fn(&m)
		messages[i] = m
		detail.Messages = messages
		s.details[durable] = detail
		break
	}
	s.mu.Unlock()
	s.notify()
}
