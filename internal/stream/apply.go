package stream

import (
	"fmt"
	"slices"

	"github.com/kalambet/docq/internal/chat"
)

// Apply folds one event into a message snapshot and returns the next
// snapshot. The input slice is never mutated; callers can hold the old
// snapshot without observing the change.
//
// corrID addresses query events at the in-flight assistant placeholder.
// Ingestion events ignore it. An event addressed at a correlation id that is
// not present is a no-op. Terminal ingestion events (complete, error) are
// also no-ops here; the orchestrator reacts to them at the chat level.
func Apply(messages []chat.Message, corrID string, ev Event) []chat.Message {
	switch e := ev.(type) {
	case StepEvent:
		next := slices.Clone(messages)
		return append(next, chat.Message{
			Sender: chat.SenderAssistant,
			Text:   fmt.Sprintf("[%s] %s", e.Step, e.Message),
		})

	case ContextEvent:
		return updateByCorrelation(messages, corrID, func(m *chat.Message) {
			m.Chunks = e.Chunks
		})

	case ChunkEvent:
		return updateByCorrelation(messages, corrID, func(m *chat.Message) {
			m.Text += e.Content
		})
	}
	return messages
}

// updateByCorrelation replaces the single message carrying corrID with an
// updated copy. Without a match it returns the input unchanged.
func updateByCorrelation(messages []chat.Message, corrID string, fn func(*chat.Message)) []chat.Message {
	if corrID == "" {
		return messages
	}
	for i := range messages {
		if messages[i].CorrelationID != corrID {
			continue
		}
		next := slices.Clone(messages)
		m := next[i]
		fn(&m)
		next[i] = m
		return next
	}
	return messages
}
