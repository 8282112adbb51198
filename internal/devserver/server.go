// Package devserver implements the document QA service surface the client
// talks to: streaming upload ingestion, chat history, and streaming query
// answering, backed by SQLite. It exists so the client is usable end to end
// without the hosted service; extraction and answering are naive stand-ins
// behind interfaces.
package devserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/docq/internal/chat"
)

const maxUploadSize = 50 << 20 // 50MB

// Deps carries everything the handlers need.
type Deps struct {
	Store    *Store
	APIKey   string
	FilesDir string
	Logger   *slog.Logger
	Answerer Answerer // optional; defaults to the extractive answerer
}

// NewHandler builds the HTTP handler for the document QA service.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Answerer == nil {
		deps.Answerer = extractiveAnswerer{}
	}

	r := chi.NewRouter()
	r.Use(requestLogger(deps.Logger))
	r.Use(apiKeyAuth(deps.APIKey))

	r.Post("/upload", handleUpload(deps))
	r.Get("/chats", handleListChats(deps))
	r.Get("/chats/{id}", handleGetChat(deps))
	r.Delete("/chats/{id}", handleDeleteChat(deps))
	r.Post("/chats/{id}/query", handleQuery(deps))
	r.Get("/documents/{id}/file", handleDocumentFile(deps))
	r.Post("/validate-api-key", handleValidateKey(deps))

	return r
}

// apiKeyAuth rejects requests whose X-API-Key header does not match.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				httpError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration", time.Since(start))
		})
	}
}

// httpError writes the service's error body shape: {"detail": "..."}.
func httpError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"detail": fmt.Sprintf(format, args...),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// eventWriter emits one JSON payload per frame in the stream's wire format
// and flushes so clients observe frames incrementally.
type eventWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newEventWriter(w http.ResponseWriter) eventWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	f, _ := w.(http.Flusher)
	return eventWriter{w: w, f: f}
}

func (e eventWriter) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(e.w, "data: %s\n\n", b)
	if e.f != nil {
		e.f.Flush()
	}
}

func (e eventWriter) step(step, format string, args ...any) {
	e.send(map[string]string{"step": step, "message": fmt.Sprintf(format, args...)})
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "missing file field: %v", err)
			return
		}
		defer file.Close()

		ev := newEventWriter(w)
		filename := filepath.Base(header.Filename)
		ev.step("extraction", "Processing file: %s", filename)

		docID := uuid.New().String()
		destPath := filepath.Join(deps.FilesDir, docID+"_"+filename)
		if err := storeFile(destPath, file); err != nil {
			deps.Logger.Error("storing upload", "file", filename, "error", err)
			ev.step("error", "failed to store file: %v", err)
			return
		}

		ev.step("extracting", "Extracting text from %s...", filename)
		extraction, err := ExtractorFor(filename).Extract(destPath)
		if err != nil {
			os.Remove(destPath)
			deps.Logger.Error("extracting upload", "file", filename, "error", err)
			ev.step("error", "failed to extract document: %v", err)
			return
		}

		chunks := splitChunks(extraction.Text)
		ev.step("chunking", "Created %d text chunks.", len(chunks))
		if len(chunks) == 0 {
			os.Remove(destPath)
			ev.step("error", "document contains no indexable text")
			return
		}

		ev.step("indexing", "Storing chunks and document manifest...")
		if err := deps.Store.SaveChunks(docID, chunks); err != nil {
			ev.step("error", "failed to index document: %v", err)
			return
		}

		stats := extraction.Stats
		stats.Texts = len(chunks)
		doc := chat.Document{
			ID:         docID,
			Name:       filename,
			Path:       destPath,
			UploadedAt: time.Now().UTC().Format(time.RFC3339),
			Preview: fmt.Sprintf("Indexed with %d texts, %d images, %d tables.",
				stats.Texts, stats.Images, stats.Tables),
			Stats: stats,
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			ev.step("error", "failed to save document: %v", err)
			return
		}

		newChat := chat.Chat{
			ID:         chat.DurableID(uuid.New().String()),
			DocumentID: docID,
			Title:      filename,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		if err := deps.Store.CreateChat(newChat); err != nil {
			ev.step("error", "failed to create chat: %v", err)
			return
		}

		newChat.Document = &doc
		ev.send(struct {
			Step    string    `json:"step"`
			Message string    `json:"message"`
			Chat    chat.Chat `json:"chat"`
		}{Step: "complete", Message: "Processing complete!", Chat: newChat})
	}
}

func storeFile(dest string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating files directory: %w", err)
	}
	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}

func handleListChats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chats, err := deps.Store.ListChats()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to list chats: %v", err)
			return
		}
		if chats == nil {
			chats = []chat.Chat{}
		}
		writeJSON(w, chats)
	}
}

func handleGetChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		c, err := deps.Store.GetChat(id)
		if errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusNotFound, "Chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to get chat: %v", err)
			return
		}

		// The document may be gone if history and manifest ever diverge;
		// the detail is still served with a null document.
		if doc, err := deps.Store.GetDocument(c.DocumentID); err == nil {
			c.Document = &doc
		} else if !errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "failed to get document: %v", err)
			return
		}

		writeJSON(w, c)
	}
}

func handleDeleteChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		documentDeleted, docPath, err := deps.Store.DeleteChat(id)
		if errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusNotFound, "Chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to delete chat: %v", err)
			return
		}
		if documentDeleted && docPath != "" {
			if err := os.Remove(docPath); err != nil && !os.IsNotExist(err) {
				deps.Logger.Warn("removing document file", "path", docPath, "error", err)
			}
		}

		writeJSON(w, struct {
			Message         string `json:"message"`
			ChatID          string `json:"chat_id"`
			DocumentDeleted bool   `json:"document_deleted"`
		}{
			Message:         "Chat deleted successfully",
			ChatID:          id,
			DocumentDeleted: documentDeleted,
		})
	}
}

type queryRequest struct {
	Query string `json:"query"`
	K     int    `json:"k"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		c, err := deps.Store.GetChat(id)
		if errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusNotFound, "Chat not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to get chat: %v", err)
			return
		}

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "query is required")
			return
		}
		if req.K <= 0 {
			req.K = 20
		}

		if err := deps.Store.AppendMessage(id, chat.Message{
			Sender: chat.SenderUser,
			Text:   req.Query,
		}); err != nil {
			httpError(w, http.StatusInternalServerError, "failed to record message: %v", err)
			return
		}

		chunks, err := deps.Store.Chunks(c.DocumentID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to load index: %v", err)
			return
		}

		ev := newEventWriter(w)
		context := retrieve(req.Query, c.DocumentID, chunks, req.K)
		ev.send(struct {
			Type   string              `json:"type"`
			Chunks []chat.ContextChunk `json:"chunks"`
		}{Type: "context", Chunks: context})

		var answer string
		for _, frag := range deps.Answerer.Answer(req.Query, context) {
			select {
			case <-r.Context().Done():
				return
			default:
			}
			answer += frag
			ev.send(map[string]string{"type": "chunk", "content": frag})
		}

		if err := deps.Store.AppendMessage(id, chat.Message{
			Sender: chat.SenderAssistant,
			Text:   answer,
			Chunks: context,
		}); err != nil {
			deps.Logger.Error("recording answer", "chat", id, "error", err)
		}

		ev.send(map[string]string{"type": "end"})
	}
}

func handleDocumentFile(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		doc, err := deps.Store.GetDocument(id)
		if errors.Is(err, ErrNotFound) {
			httpError(w, http.StatusNotFound, "Document not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "failed to get document: %v", err)
			return
		}

		f, err := os.Open(doc.Path)
		if err != nil {
			httpError(w, http.StatusNotFound, "Document file missing from storage")
			return
		}
		defer f.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", doc.Name))
		w.Header().Set("Content-Type", "application/octet-stream")
		io.Copy(w, f)
	}
}

func handleValidateKey(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The auth middleware already rejected mismatched keys with 401.
		writeJSON(w, struct {
			Valid   bool   `json:"valid"`
			Message string `json:"message"`
		}{Valid: true, Message: "API key is valid."})
	}
}
