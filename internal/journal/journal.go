// Package journal implements the append-only audit journal.
// Every kernel event (block appends, erasures, model actions, tool
// results, budget crossings, terminal transitions) becomes exactly one
// immutable entry with a strictly increasing sequence number. Entries
// are never edited or removed; once a block leaves working context the
// journal is the only durable record of its content unless the content
// was also persisted to the workspace.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"metaboliq/internal/logging"
)

// Kind classifies a journal entry.
type Kind string

const (
	// KindBlockAppend records a block entering working context. The
	// payload carries the block content, so an erased block's text
	// stays recoverable from the journal.
	KindBlockAppend Kind = "block_append"

	// KindBlockErase records blocks leaving the store. Written by the
	// store itself, ahead of the mutation; the erasure engine follows
	// with a KindErasure entry describing the whole operation.
	KindBlockErase Kind = "block_erase"

	// KindErasure records one whole erase operation: targets, reason,
	// resulting summary block, retained handles. Rejected requests are
	// recorded too.
	KindErasure Kind = "erasure"

	// KindModelAction records the action the model produced for a step.
	KindModelAction Kind = "model_action"

	// KindToolResult records a tool invocation and its result.
	KindToolResult Kind = "tool_result"

	// KindBudgetBreach records a soft or hard threshold crossing.
	KindBudgetBreach Kind = "budget_breach"

	// KindTerminal records the final loop transition with totals.
	KindTerminal Kind = "terminal"

	// KindError records a surfaced error with its context.
	KindError Kind = "error"
)

// Entry is one immutable journal record.
type Entry struct {
	Seq       int64           `json:"seq"`
	Step      int             `json:"step"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"ts"`
}

// ErrClosed is returned when appending to a closed journal.
var ErrClosed = errors.New("journal closed")

// Journal is an append-only event log. Append is atomic with respect to
// the sequence counter: no two entries ever share a seq. A file sink, if
// configured, receives each entry as one JSON line before Append returns,
// so a crash mid-operation never leaves a state change unaudited.
type Journal struct {
	mu      sync.Mutex
	seq     int64
	entries []Entry
	file    *os.File
	closed  bool
}

// New creates a journal backed by the given JSON-lines file.
// An empty path creates a memory-only journal (used in tests).
func New(path string) (*Journal, error) {
	j := &Journal{}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open journal file: %w", err)
		}
		j.file = f
	}
	return j, nil
}

// Append records an event and returns the finished entry. The payload is
// marshaled once and stored verbatim. The file write happens before the
// entry becomes visible to readers and before control returns.
func (j *Journal) Append(step int, kind Kind, payload any) (Entry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal journal payload: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrClosed
	}

	j.seq++
	entry := Entry{
		Seq:       j.seq,
		Step:      step,
		Kind:      kind,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}

	if j.file != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			j.seq--
			return Entry{}, fmt.Errorf("marshal journal entry: %w", err)
		}
		if _, err := j.file.Write(append(line, '\n')); err != nil {
			j.seq--
			return Entry{}, fmt.Errorf("write journal entry: %w", err)
		}
	}

	j.entries = append(j.entries, entry)
	logging.Get(logging.CategoryJournal).Debugw("journal append",
		"seq", entry.Seq, "step", step, "kind", kind)
	return entry, nil
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Entries returns a copy of all entries in append order.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Tail returns the most recent n entries in append order.
func (j *Journal) Tail(n int) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || len(j.entries) == 0 {
		return nil
	}
	if n > len(j.entries) {
		n = len(j.entries)
	}
	out := make([]Entry, n)
	copy(out, j.entries[len(j.entries)-n:])
	return out
}

// Close flushes and closes the file sink. Further appends fail with
// ErrClosed; reads keep working.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed = true
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
		j.file = nil
	}
	return nil
}
