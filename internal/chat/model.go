// Package chat defines the client-side chat and message model shared by the
// stream decoder, the orchestrators, and the CLI.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// temporaryPrefix marks locally synthesized chat ids. Server ids are UUIDs
// and can never start with it, so the two namespaces cannot collide.
const temporaryPrefix = "local-"

// ChatID identifies a chat either by a server-issued durable id or by a
// locally generated temporary handle representing an in-flight upload.
// The zero value is an empty durable id and reports false from Valid.
type ChatID struct {
	id        string
	temporary bool
}

// DurableID wraps a server-issued chat id.
func DurableID(id string) ChatID {
	return ChatID{id: id}
}

// NewTemporaryID generates a fresh handle for an upload that has not yet been
// acknowledged by the server.
func NewTemporaryID() ChatID {
	return ChatID{id: uuid.NewString(), temporary: true}
}

// IsTemporary reports whether the id is a local placeholder handle.
func (c ChatID) IsTemporary() bool { return c.temporary }

// Valid reports whether the id is non-empty.
func (c ChatID) Valid() bool { return c.id != "" }

// Durable returns the server-issued id. ok is false for temporary ids, which
// have no server-side representation.
func (c ChatID) Durable() (id string, ok bool) {
	if c.temporary {
		return "", false
	}
	return c.id, c.id != ""
}

func (c ChatID) String() string {
	if c.temporary {
		return temporaryPrefix + c.id
	}
	return c.id
}

// MarshalJSON encodes the id in its prefixed string form.
func (c ChatID) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes either a plain durable id or a prefixed temporary one.
func (c *ChatID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("chat id: %w", err)
	}
	if rest, ok := strings.CutPrefix(s, temporaryPrefix); ok {
		*c = ChatID{id: rest, temporary: true}
		return nil
	}
	*c = ChatID{id: s}
	return nil
}

// Sender distinguishes the two message authors. The wire value for the
// assistant is "bot", matching the service's stored history.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "bot"
)

// ContextChunk is one retrieved piece of source material attached to an
// assistant message.
type ContextChunk struct {
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Message is a single entry in a chat transcript. User text is immutable once
// appended; assistant text accumulates fragments while its query stream is in
// flight, addressed by CorrelationID.
type Message struct {
	Sender        Sender         `json:"sender"`
	Text          string         `json:"text"`
	Chunks        []ContextChunk `json:"chunks,omitempty"`
	CorrelationID string         `json:"-"`
}

// NewCorrelationID returns a fresh id for tagging an in-flight assistant
// placeholder so stream events can locate it.
func NewCorrelationID() string {
	return uuid.NewString()
}

// DocumentStats counts the element types indexed for a document.
type DocumentStats struct {
	Images int `json:"images"`
	Tables int `json:"tables"`
	Texts  int `json:"texts"`
}

// Document is the manifest record of an ingested file.
type Document struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Path       string        `json:"path,omitempty"`
	UploadedAt string        `json:"uploadedAt,omitempty"`
	Preview    string        `json:"preview,omitempty"`
	Stats      DocumentStats `json:"stats"`
}

// Chat is one conversation, optionally bound to an ingested document.
// Processing is true while an ingestion stream is still narrating progress
// into the chat.
type Chat struct {
	ID         ChatID    `json:"id"`
	DocumentID string    `json:"document_id,omitempty"`
	Title      string    `json:"title"`
	CreatedAt  string    `json:"created_at,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
	Document   *Document `json:"document,omitempty"`
	Processing bool      `json:"-"`
}

// Summary returns a copy without messages, mirroring the shape of the
// server's chat list endpoint.
func (c Chat) Summary() Chat {
	c.Messages = nil
	return c
}
