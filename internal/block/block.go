// Package block implements the working-context block store.
// Blocks are the atomic units of working memory: immutable once
// appended, ordered by insertion, and classified so that system and
// user blocks can never be erased. Every mutation of the store goes
// through its guarded API and is journaled before control returns.
package block

import (
	"strings"
	"unicode/utf8"
)

// Class identifies who produced a block and whether it may be erased.
type Class string

const (
	ClassSystem    Class = "system"
	ClassUser      Class = "user"
	ClassAssistant Class = "assistant"
	ClassTool      Class = "tool"
)

// Protected reports whether blocks of this class are permanently
// non-erasable.
func (c Class) Protected() bool {
	return c == ClassSystem || c == ClassUser
}

// Valid reports whether c is one of the four known classes.
func (c Class) Valid() bool {
	switch c {
	case ClassSystem, ClassUser, ClassAssistant, ClassTool:
		return true
	}
	return false
}

// ID is a store-assigned block identifier, monotonically increasing
// and stable for the block's lifetime.
type ID int64

// HandleRef is an opaque reference to an external artifact owned by the
// tool layer. The kernel stores and forwards handles; it never
// dereferences their content.
type HandleRef struct {
	HandleID string `json:"handle_id"`
	Kind     string `json:"kind"`
	SHA256   string `json:"sha256,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Mime     string `json:"mime,omitempty"`
}

// Content is a block payload: text, a handle reference, or both
// (a textual result annotated with the handle it came from).
type Content struct {
	Text   string     `json:"text,omitempty"`
	Handle *HandleRef `json:"handle,omitempty"`
}

// Block is one unit of working context. Content never changes in
// place; updates are modeled as erase-then-append. The retention flags
// (Summarized, Persisted) are bookkeeping maintained by the store and
// do not count as content mutation.
type Block struct {
	ID            ID
	Class         Class
	Tags          []string
	Content       Content
	SizeEstimate  int
	CreatedAtStep int

	// Durable marks tool output the caller flagged as needing
	// retention: it must be summarized or persisted before erasure.
	Durable bool

	// Summarized is set once a summary block covering this block exists.
	Summarized bool

	// Persisted is set once the content was written to the workspace.
	Persisted bool
}

// HasTag reports whether the block carries the given tag.
func (b *Block) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Draft describes a block to append. The store assigns the ID and,
// when SizeHint is zero, estimates the size from the content.
type Draft struct {
	Class    Class
	Tags     []string
	Content  Content
	Durable  bool
	SizeHint int
}

// SizeEstimator converts content into a token-cost estimate. The exact
// estimation function is a pluggable policy; the default is a character
// heuristic calibrated for common tokenizers.
type SizeEstimator interface {
	Estimate(c Content) int
}

// HeuristicEstimator estimates tokens at a fixed characters-per-token
// ratio (~4 for current tokenizers). Handle references cost a small
// fixed amount since only the reference enters context.
type HeuristicEstimator struct {
	CharsPerToken float64
}

// NewHeuristicEstimator returns an estimator with the default ratio.
func NewHeuristicEstimator() *HeuristicEstimator {
	return &HeuristicEstimator{CharsPerToken: 4.0}
}

// Estimate implements SizeEstimator.
func (e *HeuristicEstimator) Estimate(c Content) int {
	ratio := e.CharsPerToken
	if ratio <= 0 {
		ratio = 4.0
	}
	tokens := 0
	if c.Text != "" {
		runes := utf8.RuneCountInString(c.Text)
		tokens += int(float64(runes) / ratio)
		if tokens == 0 {
			tokens = 1
		}
	}
	if c.Handle != nil {
		// handle_id + kind + hash reference
		tokens += 8 + len(c.Handle.HandleID)/4 + utf8.RuneCountInString(c.Handle.Kind)/4
	}
	return tokens
}

// looksBinary reports whether s contains bytes that should never
// appear in working context (raw binary smuggled as text).
func looksBinary(s string) bool {
	if !utf8.ValidString(s) {
		return true
	}
	return strings.ContainsRune(s, 0)
}
