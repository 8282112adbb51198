package devserver

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/docq/internal/chat"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a chat or document does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database holding documents, their chunk index, and
// chat transcripts.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func OpenStore(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docq.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

func (s *Store) SaveDocument(doc chat.Document) error {
	_, err := s.db.Exec(`
		INSERT INTO documents (id, name, path, uploaded_at, preview, images, tables, texts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.Path, doc.UploadedAt, doc.Preview,
		doc.Stats.Images, doc.Stats.Tables, doc.Stats.Texts,
	)
	return err
}

func (s *Store) GetDocument(id string) (chat.Document, error) {
	var d chat.Document
	err := s.db.QueryRow(`
		SELECT id, name, path, uploaded_at, preview, images, tables, texts
		FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.Name, &d.Path, &d.UploadedAt, &d.Preview,
		&d.Stats.Images, &d.Stats.Tables, &d.Stats.Texts)
	if err == sql.ErrNoRows {
		return chat.Document{}, ErrNotFound
	}
	if err != nil {
		return chat.Document{}, err
	}
	return d, nil
}

// SaveChunks replaces the chunk index for a document.
func (s *Store) SaveChunks(documentID string, chunks []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning chunk transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return err
	}
	for i, c := range chunks {
		if _, err := tx.Exec(`INSERT INTO chunks (document_id, seq, content) VALUES (?, ?, ?)`,
			documentID, i, c); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Chunks returns a document's chunk index in insertion order.
func (s *Store) Chunks(documentID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT content FROM chunks WHERE document_id = ? ORDER BY seq ASC`, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// --- Chats ---

func (s *Store) CreateChat(c chat.Chat) error {
	id, ok := c.ID.Durable()
	if !ok {
		return fmt.Errorf("chat id %q is not a durable id", c.ID)
	}
	createdAt := c.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO chats (id, document_id, title, created_at) VALUES (?, ?, ?, ?)`,
		id, c.DocumentID, c.Title, createdAt,
	)
	return err
}

// ListChats returns chat summaries without messages, newest first.
func (s *Store) ListChats() ([]chat.Chat, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, title, created_at
		FROM chats ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []chat.Chat
	for rows.Next() {
		var c chat.Chat
		var id string
		if err := rows.Scan(&id, &c.DocumentID, &c.Title, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ID = chat.DurableID(id)
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a chat with its full message history. The associated
// document record is not attached here; the handler resolves it.
func (s *Store) GetChat(id string) (chat.Chat, error) {
	var c chat.Chat
	var rawID string
	err := s.db.QueryRow(`
		SELECT id, document_id, title, created_at FROM chats WHERE id = ?`, id,
	).Scan(&rawID, &c.DocumentID, &c.Title, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return chat.Chat{}, ErrNotFound
	}
	if err != nil {
		return chat.Chat{}, err
	}
	c.ID = chat.DurableID(rawID)

	rows, err := s.db.Query(`
		SELECT sender, text, chunks_json FROM messages WHERE chat_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return chat.Chat{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var m chat.Message
		var chunksJSON string
		if err := rows.Scan(&m.Sender, &m.Text, &chunksJSON); err != nil {
			return chat.Chat{}, err
		}
		if chunksJSON != "" && chunksJSON != "[]" {
			if err := json.Unmarshal([]byte(chunksJSON), &m.Chunks); err != nil {
				return chat.Chat{}, fmt.Errorf("parsing chunks for chat %s: %w", id, err)
			}
		}
		c.Messages = append(c.Messages, m)
	}
	return c, rows.Err()
}

func (s *Store) AppendMessage(chatID string, m chat.Message) error {
	chunksJSON := "[]"
	if len(m.Chunks) > 0 {
		b, err := json.Marshal(m.Chunks)
		if err != nil {
			return fmt.Errorf("marshaling chunks: %w", err)
		}
		chunksJSON = string(b)
	}
	res, err := s.db.Exec(`
		INSERT INTO messages (chat_id, sender, text, chunks_json, created_at)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM chats WHERE id = ?)`,
		chatID, m.Sender, m.Text, chunksJSON,
		time.Now().UTC().Format(time.RFC3339), chatID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChat removes a chat and its messages. When no other chat references
// the chat's document, the document row and its chunk index are removed too;
// the returned path (when documentDeleted is true) names the stored file the
// caller should unlink.
func (s *Store) DeleteChat(id string) (documentDeleted bool, docPath string, err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, "", fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	var documentID string
	err = tx.QueryRow(`SELECT document_id FROM chats WHERE id = ?`, id).Scan(&documentID)
	if err == sql.ErrNoRows {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", err
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return false, "", err
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return false, "", err
	}

	if documentID != "" {
		var others int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM chats WHERE document_id = ?`, documentID).Scan(&others); err != nil {
			return false, "", err
		}
		if others == 0 {
			if err := tx.QueryRow(`SELECT path FROM documents WHERE id = ?`, documentID).Scan(&docPath); err != nil && err != sql.ErrNoRows {
				return false, "", err
			}
			res, err := tx.Exec(`DELETE FROM documents WHERE id = ?`, documentID)
			if err != nil {
				return false, "", err
			}
			if n, err := res.RowsAffected(); err == nil && n > 0 {
				documentDeleted = true
			}
			if _, err := tx.Exec(`DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
				return false, "", err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("committing delete: %w", err)
	}
	return documentDeleted, docPath, nil
}
