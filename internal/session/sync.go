package session

import (
	"context"
	"fmt"

	"github.com/kalambet/docq/internal/chat"
)

// Init fetches the chat directory once and, when nothing is active yet,
// selects the first entry. A failed fetch leaves the directory empty and
// raises an error notice; the session stays usable.
func (s *Session) Init(ctx context.Context) error {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		s.logger.Warn("chat list fetch failed", "error", err)
		s.pushNotice(NoticeError, fmt.Sprintf("Could not load chats: %v", err))
		return fmt.Errorf("loading chat list: %w", err)
	}

	s.mu.Lock()
	s.chats = chats
	selectFirst := !s.active.Valid() && len(chats) > 0
	var first chat.ChatID
	if selectFirst {
		first = chats[0].ID
	}
	s.mu.Unlock()
	s.notify()

	if selectFirst {
		return s.SetActive(ctx, first)
	}
	return nil
}

// SetActive switches the selection to id and, for durable ids, hydrates the
// detail state. If the selection changes again while the fetch is in flight
// the late result is discarded: only the most recent request for the active
// slot is ever applied. Temporary ids are selected without any fetch; they
// have no server-side representation.
func (s *Session) SetActive(ctx context.Context, id chat.ChatID) error {
	s.mu.Lock()
	s.active = id
	s.activeGen++
	gen := s.activeGen
	s.mu.Unlock()
	s.notify()

	durable, ok := id.Durable()
	if !ok {
		return nil
	}

	detail, err := s.api.GetChat(ctx, id)
	if err != nil {
		// Clear stale detail so the UI shows an empty transcript rather
		// than another chat's content, then surface the failure.
		s.mu.Lock()
		if s.activeGen == gen {
			delete(s.details, durable)
		}
		stale := s.activeGen != gen
		s.mu.Unlock()
		s.notify()
		if stale {
			return nil
		}
		s.pushNotice(NoticeError, fmt.Sprintf("Could not load chat: %v", err))
		return fmt.Errorf("hydrating chat %s: %w", durable, err)
	}

	s.mu.Lock()
	if s.activeGen != gen {
		// The user has moved on; applying this would overwrite newer state.
		s.mu.Unlock()
		s.logger.Debug("discarding stale detail fetch", "chat", durable)
		return nil
	}
	s.details[durable] = detail
	s.mu.Unlock()
	s.notify()
	return nil
}

// ClearActive drops the selection and its detail view.
func (s *Session) ClearActive() {
	s.mu.Lock()
	s.active = chat.ChatID{}
	s.activeGen++
	s.mu.Unlock()
	s.notify()
}

// Delete removes a chat on the server and from the directory. Deleting the
// active chat clears the selection and detail state.
func (s *Session) Delete(ctx context.Context, id chat.ChatID) error {
	result, err := s.api.DeleteChat(ctx, id)
	if err != nil {
		s.pushNotice(NoticeError, fmt.Sprintf("Could not delete chat: %v", err))
		return fmt.Errorf("deleting chat %s: %w", id, err)
	}

	s.mu.Lock()
	if i := s.indexOf(id); i >= 0 {
		s.chats = append(s.chats[:i:i], s.chats[i+1:]...)
	}
	if durable, ok := id.Durable(); ok {
		delete(s.details, durable)
	}
	if s.active == id {
		s.active = chat.ChatID{}
		s.activeGen++
	}
	s.mu.Unlock()
	s.notify()

	if result.DocumentDeleted {
		s.logger.Debug("document removed with chat", "chat", result.ChatID)
	}
	return nil
}
