package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/docq/internal/chat"
)

// mockAPI is a function-field test double for the API interface.
type mockAPI struct {
	listChats func(ctx context.Context) ([]chat.Chat, error)
	getChat   func(ctx context.Context, id chat.ChatID) (chat.Chat, error)
	query     func(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error)
}

func (m *mockAPI) ListChats(ctx context.Context) ([]chat.Chat, error) {
	return m.listChats(ctx)
}

func (m *mockAPI) GetChat(ctx context.Context, id chat.ChatID) (chat.Chat, error) {
	return m.getChat(ctx, id)
}

func (m *mockAPI) Query(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error) {
	return m.query(ctx, id, query, k)
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func sseBody(frames ...string) io.ReadCloser {
	var sb strings.Builder
	for _, f := range frames {
		sb.WriteString("data: ")
		sb.WriteString(f)
		sb.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

func TestListChats(t *testing.T) {
	api := &mockAPI{
		listChats: func(ctx context.Context) ([]chat.Chat, error) {
			return []chat.Chat{
				{ID: chat.DurableID("c1"), Title: "report.pdf", DocumentID: "d1", CreatedAt: "2026-01-01T00:00:00Z"},
			}, nil
		},
	}

	result, err := mcpListChats(Deps{API: api})(context.Background(), makeCallToolRequest("list_chats", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var summaries []map[string]string
	if err := json.Unmarshal([]byte(toolText(t, result)), &summaries); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(summaries) != 1 || summaries[0]["id"] != "c1" || summaries[0]["title"] != "report.pdf" {
		t.Errorf("summaries = %+v", summaries)
	}
}

func TestGetChatRequiresID(t *testing.T) {
	result, err := mcpGetChat(Deps{API: &mockAPI{}})(context.Background(), makeCallToolRequest("get_chat", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for missing chat_id")
	}
}

func TestGetChat(t *testing.T) {
	api := &mockAPI{
		getChat: func(ctx context.Context, id chat.ChatID) (chat.Chat, error) {
			got, _ := id.Durable()
			if got != "c1" {
				t.Errorf("id = %q, want c1", got)
			}
			return chat.Chat{
				ID:    chat.DurableID("c1"),
				Title: "report.pdf",
				Messages: []chat.Message{
					{Sender: chat.SenderUser, Text: "hello"},
				},
			}, nil
		},
	}

	result, err := mcpGetChat(Deps{API: api})(context.Background(),
		makeCallToolRequest("get_chat", map[string]interface{}{"chat_id": "c1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var c chat.Chat
	if err := json.Unmarshal([]byte(toolText(t, result)), &c); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if c.Title != "report.pdf" || len(c.Messages) != 1 {
		t.Errorf("chat = %+v", c)
	}
}

func TestAskDocumentCollectsAnswer(t *testing.T) {
	api := &mockAPI{
		query: func(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error) {
			if query != "what is this?" {
				t.Errorf("query = %q", query)
			}
			if k != 7 {
				t.Errorf("k = %d, want 7", k)
			}
			return sseBody(
				`{"type":"context","chunks":[{"page_content":"source"}]}`,
				`{"type":"chunk","content":"Hello, "}`,
				`{"type":"chunk","content":"world"}`,
				`{"type":"end"}`,
			), nil
		},
	}

	result, err := mcpAskDocument(Deps{API: api, TopK: 20})(context.Background(),
		makeCallToolRequest("ask_document", map[string]interface{}{
			"chat_id":  "c1",
			"question": "what is this?",
			"top_k":    7,
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}
	if got := toolText(t, result); got != "Hello, world" {
		t.Errorf("answer = %q", got)
	}
}

func TestAskDocumentDefaultsTopK(t *testing.T) {
	var gotK int
	api := &mockAPI{
		query: func(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error) {
			gotK = k
			return sseBody(`{"type":"chunk","content":"x"}`, `{"type":"end"}`), nil
		},
	}

	_, err := mcpAskDocument(Deps{API: api, TopK: 20})(context.Background(),
		makeCallToolRequest("ask_document", map[string]interface{}{
			"chat_id":  "c1",
			"question": "q",
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotK != 20 {
		t.Errorf("k = %d, want configured default", gotK)
	}
}

func TestAskDocumentEmptyStream(t *testing.T) {
	api := &mockAPI{
		query: func(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error) {
			return sseBody(`{"type":"end"}`), nil
		},
	}

	result, err := mcpAskDocument(Deps{API: api})(context.Background(),
		makeCallToolRequest("ask_document", map[string]interface{}{
			"chat_id":  "c1",
			"question": "q",
		}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected tool error for empty answer")
	}
}
