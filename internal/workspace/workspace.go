// Package workspace is the durable store outside working context. The
// identity document lives here, and durable blocks are persisted here
// before erasure may discard them. Writes are content addressed, so
// retrying a persist after a crash lands exactly once.
package workspace

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"metaboliq/internal/block"
	"metaboliq/internal/config"
)

// DefaultIdentityFile seeds the identity document when the database
// has none yet.
const DefaultIdentityFile = "IDENTITY.md"

// Note is one persisted record.
type Note struct {
	ID        string
	Key       string
	Content   string
	SHA256    string
	HandleID  string
	CreatedAt time.Time
}

// Store is the SQLite-backed workspace.
type Store struct {
	db          *sql.DB
	path        string
	identityKey string
	entropy     *rand.Rand
}

// Open opens or creates the workspace database and runs migrations.
func Open(cfg config.WorkspaceConfig) (*Store, error) {
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Path, "workspace.db")
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}

	s := &Store{
		db:          db,
		path:        cfg.Path,
		identityKey: cfg.IdentityKey,
		entropy:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if s.identityKey == "" {
		s.identityKey = "identity"
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate workspace: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id         TEXT PRIMARY KEY,
		key        TEXT NOT NULL,
		content    TEXT NOT NULL,
		sha256     TEXT NOT NULL UNIQUE,
		handle_id  TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_notes_key ON notes(key);
	CREATE INDEX IF NOT EXISTS idx_notes_created ON notes(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Identity returns the identity document. If the database holds none
// it seeds from IDENTITY.md in the workspace directory; without that
// file the identity is empty and the caller supplies a default.
func (s *Store) Identity(ctx context.Context) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM notes WHERE key = ? ORDER BY created_at DESC LIMIT 1`,
		s.identityKey).Scan(&content)
	if err == nil {
		return content, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("load identity: %w", err)
	}

	data, rerr := os.ReadFile(filepath.Join(s.path, DefaultIdentityFile))
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return "", nil
		}
		return "", fmt.Errorf("read identity file: %w", rerr)
	}
	if _, err := s.put(ctx, s.identityKey, string(data), ""); err != nil {
		return "", err
	}
	return string(data), nil
}

// SetIdentity stores a new identity document revision.
func (s *Store) SetIdentity(ctx context.Context, content string) error {
	_, err := s.put(ctx, s.identityKey, content, "")
	return err
}

// PersistBlock writes a durable block's content to the workspace and
// returns the note id. Content addressing makes this idempotent: a
// retry after a lost acknowledgment hits the UNIQUE digest and returns
// the existing note.
func (s *Store) PersistBlock(ctx context.Context, b block.Block) (string, error) {
	content := b.Content.Text
	handleID := ""
	if b.Content.Handle != nil {
		h := b.Content.Handle
		handleID = h.HandleID
		if content == "" {
			content = fmt.Sprintf("handle=%s kind=%s size=%d sha256=%s", h.HandleID, h.Kind, h.Size, h.SHA256)
		}
	}
	key := fmt.Sprintf("block/%d", b.ID)
	return s.put(ctx, key, content, handleID)
}

func (s *Store) put(ctx context.Context, key, content, handleID string) (string, error) {
	sum := sha256.Sum256([]byte(key + "\x00" + content))
	digest := hex.EncodeToString(sum[:])

	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM notes WHERE sha256 = ?`, digest).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("lookup note: %w", err)
	}

	id := s.newID()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notes (id, key, content, sha256, handle_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, key, content, digest, handleID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("insert note: %w", err)
	}

	// A concurrent writer may have won the digest race; read back the
	// id that actually holds it.
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM notes WHERE sha256 = ?`, digest).Scan(&existing); err != nil {
		return "", fmt.Errorf("confirm note: %w", err)
	}
	return existing, nil
}

// Notes lists the most recent persisted records, newest first.
func (s *Store) Notes(ctx context.Context, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, key, content, sha256, handle_id, created_at FROM notes ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var out []Note
	for rows.Next() {
		var n Note
		var created string
		if err := rows.Scan(&n.ID, &n.Key, &n.Content, &n.SHA256, &n.HandleID, &created); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Count returns the number of persisted notes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count notes: %w", err)
	}
	return n, nil
}
