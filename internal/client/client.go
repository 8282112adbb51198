// Package client implements the HTTP client for the document QA service.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/docq/internal/chat"
)

const (
	defaultTimeout   = 30 * time.Second
	streamingTimeout = 600 * time.Second
)

// ErrUnauthorized is returned when the service rejects the API key.
var ErrUnauthorized = errors.New("service rejected the API key")

// StatusError is a non-success response outside the auth failure case.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Detail)
}

// Client talks to the document QA service. All requests carry the API key in
// the X-API-Key header; a 401 surfaces as ErrUnauthorized and is never
// retried here.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for the service at baseURL authenticating with apiKey.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// Streaming endpoints manage their own deadline via context.
			Timeout: 0,
		},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	return req, nil
}

// doJSON performs a bounded request/response call and decodes the body into v.
// Pass nil v to discard the body.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, v any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if v == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

// checkStatus consumes an error response body and maps it to the client's
// error taxonomy. The body is left consumed on error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	detail := readErrorDetail(resp.Body)
	if resp.StatusCode == http.StatusUnauthorized {
		if detail != "" {
			return fmt.Errorf("%w: %s", ErrUnauthorized, detail)
		}
		return ErrUnauthorized
	}
	return &StatusError{Status: resp.StatusCode, Detail: detail}
}

// readErrorDetail extracts the "detail" field the service puts in error
// bodies, falling back to the raw text.
func readErrorDetail(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var payload struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Detail != "" {
		return payload.Detail
	}
	return strings.TrimSpace(string(data))
}

// ListChats returns all chat summaries, newest first, without messages.
func (c *Client) ListChats(ctx context.Context) ([]chat.Chat, error) {
	var chats []chat.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/chats", nil, &chats); err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	return chats, nil
}

// GetChat returns one chat's full detail, messages and document included.
// Temporary ids have no server-side representation and are rejected locally.
func (c *Client) GetChat(ctx context.Context, id chat.ChatID) (chat.Chat, error) {
	durable, ok := id.Durable()
	if !ok {
		return chat.Chat{}, fmt.Errorf("chat %s is not durable", id)
	}
	var detail chat.Chat
	if err := c.doJSON(ctx, http.MethodGet, "/chats/"+durable, nil, &detail); err != nil {
		return chat.Chat{}, fmt.Errorf("fetching chat %s: %w", durable, err)
	}
	return detail, nil
}

// DeleteResult reports the outcome of a chat deletion.
type DeleteResult struct {
	Message         string `json:"message"`
	ChatID          string `json:"chat_id"`
	DocumentDeleted bool   `json:"document_deleted"`
}

// DeleteChat removes a chat; when no other chat references its document the
// service deletes the document too and reports it in the result.
func (c *Client) DeleteChat(ctx context.Context, id chat.ChatID) (DeleteResult, error) {
	durable, ok := id.Durable()
	if !ok {
		return DeleteResult{}, fmt.Errorf("chat %s is not durable", id)
	}
	var result DeleteResult
	if err := c.doJSON(ctx, http.MethodDelete, "/chats/"+durable, nil, &result); err != nil {
		return DeleteResult{}, fmt.Errorf("deleting chat %s: %w", durable, err)
	}
	return result, nil
}

// ValidateKey asks the service to verify the configured API key.
func (c *Client) ValidateKey(ctx context.Context) error {
	var result struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/validate-api-key", nil, &result); err != nil {
		return err
	}
	if !result.Valid {
		return fmt.Errorf("%w: %s", ErrUnauthorized, result.Message)
	}
	return nil
}

// DocumentFile returns the raw bytes of an ingested document. The caller
// closes the body.
func (c *Client) DocumentFile(ctx context.Context, docID string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/documents/"+docID+"/file", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching document %s: %w", docID, err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
