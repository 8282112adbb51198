// Package mcpserver exposes the document QA service to MCP agent hosts:
// listing chats, reading transcripts, and asking questions against an
// ingested document.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/stream"
)

// API is the slice of the service client the MCP tools need.
type API interface {
	ListChats(ctx context.Context) ([]chat.Chat, error)
	GetChat(ctx context.Context, id chat.ChatID) (chat.Chat, error)
	Query(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error)
}

// Deps holds dependencies for the MCP server.
type Deps struct {
	API  API
	TopK int // default k for ask_document
}

// NewServer creates an MCP server with all docq tools registered.
func NewServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"docq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docq — question answering over uploaded documents. Each chat is bound to one ingested document."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_chats",
			mcp.WithDescription("List all document chats, newest first. Each entry names the document the chat answers questions about."),
		),
		mcpListChats(deps),
	)

	s.AddTool(
		mcp.NewTool("get_chat",
			mcp.WithDescription("Read the full transcript of one chat, including its document record."),
			mcp.WithString("chat_id", mcp.Description("Chat id from list_chats"), mcp.Required()),
		),
		mcpGetChat(deps),
	)

	s.AddTool(
		mcp.NewTool("ask_document",
			mcp.WithDescription("Ask a question about a chat's document and return the full answer."),
			mcp.WithString("chat_id", mcp.Description("Chat id from list_chats"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to ask"), mcp.Required()),
			mcp.WithNumber("top_k", mcp.Description("Number of context chunks to retrieve (optional)")),
		),
		mcpAskDocument(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"docq://chats",
			"Document Chats",
			mcp.WithResourceDescription("All chats as JSON, newest first"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceChats(deps),
	)

	return s
}

func mcpListChats(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		chats, err := deps.API.ListChats(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list chats: %v", err)), nil
		}

		type chatSummary struct {
			ID         string `json:"id"`
			Title      string `json:"title"`
			DocumentID string `json:"document_id,omitempty"`
			CreatedAt  string `json:"created_at,omitempty"`
		}
		summaries := make([]chatSummary, len(chats))
		for i, c := range chats {
			summaries[i] = chatSummary{
				ID:         c.ID.String(),
				Title:      c.Title,
				DocumentID: c.DocumentID,
				CreatedAt:  c.CreatedAt,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chats: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetChat(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}

		c, err := deps.API.GetChat(ctx, chat.DurableID(id))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get chat: %v", err)), nil
		}

		b, err := json.Marshal(c)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chat: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAskDocument(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chat_id")
		if err != nil {
			return mcpError("chat_id is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		k := req.GetInt("top_k", deps.TopK)

		body, err := deps.API.Query(ctx, chat.DurableID(id), question, k)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}
		defer body.Close()

		answer, err := collectAnswer(body)
		if err != nil {
			return mcpError(fmt.Sprintf("reading answer stream: %v", err)), nil
		}
		if answer == "" {
			return mcpError("the stream ended without an answer"), nil
		}
		return mcpText(answer), nil
	}
}

// collectAnswer drains a query stream and concatenates its answer fragments.
func collectAnswer(body io.Reader) (string, error) {
	dec := stream.NewDecoder()
	var sb strings.Builder

	buf := make([]byte, 4096)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if ch, ok := ev.(stream.ChunkEvent); ok {
					sb.WriteString(ch.Content)
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	for _, ev := range dec.Flush() {
		if ch, ok := ev.(stream.ChunkEvent); ok {
			sb.WriteString(ch.Content)
		}
	}
	return sb.String(), nil
}

func mcpResourceChats(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		chats, err := deps.API.ListChats(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list chats: %w", err)
		}

		b, err := json.Marshal(chats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal chats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
