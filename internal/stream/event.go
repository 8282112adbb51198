// Package stream decodes the service's streaming responses into typed events
// and folds those events into chat message snapshots.
//
// The wire format is a sequence of UTF-8 text frames separated by a blank
// line. Each frame starts with the literal "data: " marker followed by one
// JSON payload. Ingestion streams carry step/error/complete payloads keyed by
// a "step" field; query streams carry context/chunk/end payloads keyed by a
// "type" field.
package stream

import (
	"encoding/json"

	"github.com/kalambet/docq/internal/chat"
)

// Event is one decoded frame. The set of implementations is closed; frames
// with an unrecognized shape are dropped at the decoder and never surface
// as an Event.
type Event interface {
	isEvent()
}

// StepEvent narrates ingestion progress.
type StepEvent struct {
	Step    string
	Message string
}

// ErrorEvent terminates an ingestion stream with a failure.
type ErrorEvent struct {
	Message string
}

// CompleteEvent terminates an ingestion stream with the finished chat.
type CompleteEvent struct {
	Message string
	Chat    chat.Chat
}

// ContextEvent carries the retrieved chunks for an in-flight query.
type ContextEvent struct {
	Chunks []chat.ContextChunk
}

// ChunkEvent carries one incremental fragment of the generated answer.
type ChunkEvent struct {
	Content string
}

// EndEvent is the query stream's explicit terminator. It carries no data;
// reaching end-of-stream means the same thing.
type EndEvent struct{}

func (StepEvent) isEvent()     {}
func (ErrorEvent) isEvent()    {}
func (CompleteEvent) isEvent() {}
func (ContextEvent) isEvent()  {}
func (ChunkEvent) isEvent()    {}
func (EndEvent) isEvent()      {}

// framePayload is the superset of fields any frame may carry. Dispatch looks
// at "step" first (ingestion) and then "type" (query).
type framePayload struct {
	Step    string              `json:"step"`
	Type    string              `json:"type"`
	Message string              `json:"message"`
	Content string              `json:"content"`
	Chunks  []chat.ContextChunk `json:"chunks"`
	Chat    json.RawMessage     `json:"chat"`
}

// parsePayload turns one frame body into an Event. A nil Event with nil error
// means the payload was well-formed JSON of an unknown shape and should be
// skipped silently.
func parsePayload(body []byte) (Event, error) {
	var p framePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	switch {
	case p.Step == "complete":
		var c chat.Chat
		if len(p.Chat) > 0 {
			if err := json.Unmarshal(p.Chat, &c); err != nil {
				return nil, err
			}
		}
		return CompleteEvent{Message: p.Message, Chat: c}, nil
	case p.Step == "error":
		return ErrorEvent{Message: p.Message}, nil
	case p.Step != "":
		return StepEvent{Step: p.Step, Message: p.Message}, nil
	case p.Type == "context":
		return ContextEvent{Chunks: p.Chunks}, nil
	case p.Type == "chunk":
		return ChunkEvent{Content: p.Content}, nil
	case p.Type == "end":
		return EndEvent{}, nil
	}
	return nil, nil
}
