package devserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/kalambet/docq/internal/chat"
	"github.com/kalambet/docq/internal/stream"
)

const testKey = "test-key"

func newTestServer(t *testing.T) (*httptest.Server, *Store, string) {
	t.Helper()
	store := newTestStore(t)
	filesDir := t.TempDir()
	srv := httptest.NewServer(NewHandler(Deps{
		Store:    store,
		APIKey:   testKey,
		FilesDir: filesDir,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}))
	t.Cleanup(srv.Close)
	return srv, store, filesDir
}

func doRequest(t *testing.T, method, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Key", testKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// uploadFile posts a file through /upload and returns the decoded stream events.
func uploadFile(t *testing.T, srv *httptest.Server, name, content string) []stream.Event {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	resp := doRequest(t, http.MethodPost, srv.URL+"/upload", &buf, mw.FormDataContentType())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	return decodeStream(t, resp.Body)
}

func decodeStream(t *testing.T, body io.Reader) []stream.Event {
	t.Helper()
	dec := stream.NewDecoder()
	var events []stream.Event
	buf := make([]byte, 512)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			events = append(events, dec.Feed(buf[:n])...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading stream: %v", err)
		}
	}
	return append(events, dec.Flush()...)
}

func completedChat(t *testing.T, events []stream.Event) chat.Chat {
	t.Helper()
	for _, ev := range events {
		if c, ok := ev.(stream.CompleteEvent); ok {
			return c.Chat
		}
	}
	t.Fatalf("no complete event in %d events", len(events))
	return chat.Chat{}
}

func TestMissingAPIKeyRejected(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/chats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	if body["detail"] == "" {
		t.Error("error body should carry a detail field")
	}
}

func TestValidateKey(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/validate-api-key", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var result struct {
		Valid   bool   `json:"valid"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.Valid || result.Message == "" {
		t.Errorf("result = %+v", result)
	}
}

func TestUploadStreamsStepsAndCreatesChat(t *testing.T) {
	srv, _, _ := newTestServer(t)

	events := uploadFile(t, srv, "report.txt", "Revenue grew by ten percent this quarter.")

	var steps int
	for _, ev := range events {
		if _, ok := ev.(stream.StepEvent); ok {
			steps++
		}
	}
	if steps < 3 {
		t.Errorf("got %d progress steps, want the pipeline narrated", steps)
	}

	c := completedChat(t, events)
	if c.Title != "report.txt" {
		t.Errorf("chat title = %q", c.Title)
	}
	if c.Document == nil {
		t.Fatal("complete frame should embed the document record")
	}
	if c.Document.Stats.Texts == 0 {
		t.Error("document stats should count indexed chunks")
	}
	if !strings.Contains(c.Document.Preview, "texts") {
		t.Errorf("preview = %q", c.Document.Preview)
	}

	// The new chat shows up in the summary list.
	resp := doRequest(t, http.MethodGet, srv.URL+"/chats", nil, "")
	var chats []chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&chats); err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].ID != c.ID {
		t.Errorf("chat list = %+v", chats)
	}
}

func TestUploadEmptyFileStreamsError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	events := uploadFile(t, srv, "empty.txt", "   ")

	var sawError bool
	for _, ev := range events {
		if _, ok := ev.(stream.ErrorEvent); ok {
			sawError = true
		}
		if _, ok := ev.(stream.CompleteEvent); ok {
			t.Error("empty document must not complete")
		}
	}
	if !sawError {
		t.Error("expected a terminal error frame")
	}
}

func TestQueryStreamsContextChunksEnd(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := completedChat(t, uploadFile(t, srv, "report.txt",
		"The weather was mild.\n\nRevenue grew by ten percent this quarter."))

	id, _ := c.ID.Durable()
	body := strings.NewReader(`{"query":"how much did revenue grow?","k":5}`)
	resp := doRequest(t, http.MethodPost, srv.URL+"/chats/"+id+"/query", body, "application/json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query status = %d", resp.StatusCode)
	}
	events := decodeStream(t, resp.Body)

	if len(events) < 3 {
		t.Fatalf("got %d events, want context + chunks + end", len(events))
	}
	ctxEv, ok := events[0].(stream.ContextEvent)
	if !ok {
		t.Fatalf("first event = %T, want context", events[0])
	}
	if len(ctxEv.Chunks) == 0 {
		t.Error("context should carry retrieved chunks")
	}

	var answer string
	for _, ev := range events[1:] {
		if ch, ok := ev.(stream.ChunkEvent); ok {
			answer += ch.Content
		}
	}
	if !strings.Contains(answer, "ten percent") {
		t.Errorf("answer = %q", answer)
	}
	if _, ok := events[len(events)-1].(stream.EndEvent); !ok {
		t.Errorf("last event = %T, want end", events[len(events)-1])
	}

	// Both sides of the exchange are persisted.
	resp = doRequest(t, http.MethodGet, srv.URL+"/chats/"+id, nil, "")
	var detail chat.Chat
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if len(detail.Messages) != 2 {
		t.Fatalf("got %d messages, want user + bot", len(detail.Messages))
	}
	if detail.Messages[0].Sender != chat.SenderUser {
		t.Errorf("first sender = %s", detail.Messages[0].Sender)
	}
	if detail.Messages[1].Text != answer {
		t.Errorf("stored answer %q != streamed answer %q", detail.Messages[1].Text, answer)
	}
	if detail.Document == nil {
		t.Error("chat detail should embed the document")
	}
}

func TestQueryUnknownChat(t *testing.T) {
	srv, _, _ := newTestServer(t)

	body := strings.NewReader(`{"query":"anything"}`)
	resp := doRequest(t, http.MethodPost, srv.URL+"/chats/missing/query", body, "application/json")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteLastChatRemovesStoredFile(t *testing.T) {
	srv, store, _ := newTestServer(t)
	c := completedChat(t, uploadFile(t, srv, "report.txt", "some contents"))

	id, _ := c.ID.Durable()
	doc, err := store.GetDocument(c.DocumentID)
	if err != nil {
		t.Fatalf("document not stored: %v", err)
	}
	if _, err := os.Stat(doc.Path); err != nil {
		t.Fatalf("uploaded file not on disk: %v", err)
	}

	resp := doRequest(t, http.MethodDelete, srv.URL+"/chats/"+id, nil, "")
	var result struct {
		Message         string `json:"message"`
		ChatID          string `json:"chat_id"`
		DocumentDeleted bool   `json:"document_deleted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if result.ChatID != id || !result.DocumentDeleted {
		t.Errorf("result = %+v", result)
	}
	if _, err := os.Stat(doc.Path); !os.IsNotExist(err) {
		t.Errorf("stored file should be unlinked, stat err = %v", err)
	}
}

func TestDocumentFileServed(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := completedChat(t, uploadFile(t, srv, "report.txt", "raw file bytes"))

	resp := doRequest(t, http.MethodGet, fmt.Sprintf("%s/documents/%s/file", srv.URL, c.DocumentID), nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "raw file bytes" {
		t.Errorf("body = %q", data)
	}
}
