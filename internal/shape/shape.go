// Package shape gives tools structured, handle-based access to files.
// A loaded file becomes an opaque handle plus a kind (tree, map, table,
// or blob); operations then work on sections through shape-aware
// selectors instead of streaming whole files into working context.
package shape

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Kind classifies a file by the structure its shape handler exposes.
type Kind string

const (
	// KindTree is structured source code, outlined by declaration.
	KindTree Kind = "tree"
	// KindMap is nested key/value data (JSON, YAML).
	KindMap Kind = "map"
	// KindTable is row/column data (CSV, TSV).
	KindTable Kind = "table"
	// KindBlob is anything else: opaque bytes, metadata access only.
	KindBlob Kind = "blob"
)

// DetectKind maps a file extension to its shape kind.
func DetectKind(path string) Kind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return KindTree
	case ".json", ".yaml", ".yml":
		return KindMap
	case ".csv", ".tsv":
		return KindTable
	default:
		return KindBlob
	}
}

// Handle is the context-safe reference to loaded content. Only the
// handle ever enters working context; the bytes stay in the layer.
type Handle struct {
	ID     string `json:"handle_id"`
	Path   string `json:"path"`
	Kind   Kind   `json:"kind"`
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Mime   string `json:"mime,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

var (
	// ErrUnknownHandle means the handle id was never issued or the
	// layer was restarted since it was.
	ErrUnknownHandle = errors.New("unknown handle")

	// ErrBadSelector means the selector does not fit the file's kind.
	ErrBadSelector = errors.New("selector does not match file shape")

	// ErrSectionNotFound means the selector was well formed but matched
	// nothing in the content.
	ErrSectionNotFound = errors.New("section not found")

	// ErrBlobOpaque rejects section access on blob content. Blobs only
	// support metadata operations.
	ErrBlobOpaque = errors.New("operation not supported for blob content")
)

// entry pairs a handle with its content snapshot.
type entry struct {
	handle  Handle
	content []byte
}

// Layer owns loaded content and issues handles for it. Edits made
// through Replace stay in the snapshot until Save writes them back.
type Layer struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewLayer() *Layer {
	return &Layer{entries: make(map[string]*entry)}
}

// Load reads a file, snapshots its content and returns a fresh handle.
func (l *Layer) Load(path string) (Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Handle{}, fmt.Errorf("load %s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	h := Handle{
		ID:     uuid.NewString(),
		Path:   path,
		Kind:   DetectKind(path),
		SHA256: hex.EncodeToString(sum[:]),
		Size:   int64(len(data)),
		Mime:   detectMime(path, data),
	}

	l.mu.Lock()
	l.entries[h.ID] = &entry{handle: h, content: data}
	l.mu.Unlock()
	return h, nil
}

// Get returns the current handle state without touching content.
func (l *Layer) Get(id string) (Handle, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// Outline describes the structure of loaded content: declarations for
// trees, top-level keys for maps, columns and row count for tables,
// and size plus digest for blobs. Never the content itself.
func (l *Layer) Outline(id string) (map[string]any, error) {
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	switch e.handle.Kind {
	case KindTree:
		return outlineTree(e.handle.Path, e.content)
	case KindMap:
		return outlineMap(e.handle.Path, e.content)
	case KindTable:
		return outlineTable(e.handle.Path, e.content)
	default:
		return map[string]any{
			"summary": "blob",
			"size":    e.handle.Size,
			"sha256":  e.handle.SHA256,
			"mime":    e.handle.Mime,
		}, nil
	}
}

// Select extracts one section. Tree selectors are "func:<name>" or
// "type:<name>"; map selectors are key paths like ["a", 0, "b"]; table
// selectors are [row, column] with the column by index or name.
func (l *Layer) Select(id string, selector any) (any, error) {
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	switch e.handle.Kind {
	case KindTree:
		s, ok := selector.(string)
		if !ok {
			return nil, fmt.Errorf("%w: tree selector must be \"func:<name>\" or \"type:<name>\"", ErrBadSelector)
		}
		return selectTree(e.handle.Path, e.content, s)
	case KindMap:
		path, ok := selectorPath(selector)
		if !ok {
			return nil, fmt.Errorf("%w: map selector must be a key path list", ErrBadSelector)
		}
		return selectMap(e.handle.Path, e.content, path)
	case KindTable:
		return selectTable(e.handle.Path, e.content, selector)
	default:
		return nil, ErrBlobOpaque
	}
}

// Replace edits one section in the handle's snapshot. The file on disk
// is untouched until Save.
func (l *Layer) Replace(id string, selector any, value any) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Handle{}, ErrUnknownHandle
	}

	var updated []byte
	var err error
	switch e.handle.Kind {
	case KindTree:
		s, sok := selector.(string)
		v, vok := value.(string)
		if !sok || !vok {
			return Handle{}, fmt.Errorf("%w: tree replace takes a string selector and source text", ErrBadSelector)
		}
		updated, err = replaceTree(e.handle.Path, e.content, s, v)
	case KindMap:
		path, pok := selectorPath(selector)
		if !pok {
			return Handle{}, fmt.Errorf("%w: map selector must be a key path list", ErrBadSelector)
		}
		updated, err = replaceMap(e.handle.Path, e.content, path, value)
	case KindTable:
		updated, err = replaceTable(e.handle.Path, e.content, selector, value)
	default:
		return Handle{}, ErrBlobOpaque
	}
	if err != nil {
		return Handle{}, err
	}

	e.content = updated
	sum := sha256.Sum256(updated)
	e.handle.SHA256 = hex.EncodeToString(sum[:])
	e.handle.Size = int64(len(updated))
	e.handle.Dirty = true
	return e.handle, nil
}

// Save writes the snapshot back to its path and clears the dirty flag.
func (l *Layer) Save(id string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok {
		return Handle{}, ErrUnknownHandle
	}
	if err := os.WriteFile(e.handle.Path, e.content, 0o644); err != nil {
		return Handle{}, fmt.Errorf("save %s: %w", e.handle.Path, err)
	}
	e.handle.Dirty = false
	return e.handle, nil
}

// PreviewHeadBytes bounds how much content a preview may reveal.
const PreviewHeadBytes = 256

// Preview returns handle metadata plus, for text content only, a short
// head sample. Binary content never leaks past its digest.
func (l *Layer) Preview(id string) (map[string]any, error) {
	e, err := l.lookup(id)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"handle_id": e.handle.ID,
		"path":      e.handle.Path,
		"kind":      e.handle.Kind,
		"size":      e.handle.Size,
		"sha256":    e.handle.SHA256,
		"mime":      e.handle.Mime,
	}
	if utf8.Valid(e.content) && !strings.ContainsRune(string(e.content), 0) {
		head := e.content
		if len(head) > PreviewHeadBytes {
			head = head[:PreviewHeadBytes]
		}
		out["head"] = string(head)
	}
	return out, nil
}

func (l *Layer) lookup(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return e, nil
}

// selectorPath normalizes a JSON-decoded selector into a key path.
// JSON numbers arrive as float64 and are converted to indexes on use.
func selectorPath(selector any) ([]any, bool) {
	switch v := selector.(type) {
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func detectMime(path string, data []byte) string {
	if m := mime.TypeByExtension(filepath.Ext(path)); m != "" {
		return m
	}
	return http.DetectContentType(data)
}
