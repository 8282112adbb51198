package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/kalambet/docq/internal/chat"
)

// Upload sends a document for ingestion and returns the streaming response
// body. The body carries "data: " frames narrating extraction, chunking and
// indexing, ending with a complete or error frame. The caller is responsible
// for closing it; Close also aborts the underlying transfer.
func (c *Client) Upload(ctx context.Context, filename string, content io.Reader) (io.ReadCloser, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return nil, fmt.Errorf("building upload form: %w", err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return nil, fmt.Errorf("reading %s: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing upload form: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/upload", &buf)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return c.startStream(req, cancel)
}

// queryRequest is the JSON body for POST /chats/{id}/query.
type queryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k,omitempty"`
}

// Query submits a question against a chat and returns the streaming response
// body: a context frame followed by incremental chunk frames. End of stream
// is success; no terminal frame is required.
func (c *Client) Query(ctx context.Context, id chat.ChatID, query string, k int) (io.ReadCloser, error) {
	durable, ok := id.Durable()
	if !ok {
		return nil, fmt.Errorf("chat %s is not durable", id)
	}

	body, err := marshalBody(queryRequest{Query: query, K: k})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, streamingTimeout)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chats/"+durable+"/query", body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating query request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	return c.startStream(req, cancel)
}

// startStream executes a streaming request, mapping pre-stream failures to
// the usual error taxonomy. cancel is tied to the returned body's Close.
func (c *Client) startStream(req *http.Request, cancel context.CancelFunc) (io.ReadCloser, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		cancel()
		return nil, err
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnClose wraps a response body so closing it also releases the request
// context, aborting the transfer if it is still in flight.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func marshalBody(v any) (io.Reader, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling request: %w", err)
	}
	return bytes.NewReader(data), nil
}
