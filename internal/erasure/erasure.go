// Package erasure implements the working-context garbage collector.
// An erase call resolves selectors against the live context, rejects
// anything touching protected classes as a whole, refuses to discard
// durable content that was never summarized or persisted, sweeps the
// approved blocks, and leaves exactly one summary block behind so the
// model can see what happened and how to recover it.
package erasure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"metaboliq/internal/block"
	"metaboliq/internal/journal"
	"metaboliq/internal/logging"
)

// Strategy selects how erased content is handled.
type Strategy string

const (
	// StrategySummarize (default) replaces erased blocks with a summary.
	StrategySummarize Strategy = "summarize"
	// StrategyDrop discards without a content summary. Dropping durable
	// content is always UnsafeErasure.
	StrategyDrop Strategy = "drop"
)

// Range is a closed interval over current live sequence positions,
// resolved at call time against the snapshot, never cached.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Request selects blocks to erase. Exactly one selector mode applies:
// explicit ids, a tag, or a position range. Reason is stored verbatim
// in the journal and the summary block.
type Request struct {
	IDs      []block.ID `json:"ids,omitempty"`
	Tag      string     `json:"tag,omitempty"`
	Range    *Range     `json:"range,omitempty"`
	Reason   string     `json:"reason"`
	Strategy Strategy   `json:"strategy,omitempty"`
}

// Skip explains why a requested target was not erased.
type Skip struct {
	ID     block.ID `json:"id"`
	Reason string   `json:"reason"`
}

// Result reports one completed erase operation.
type Result struct {
	Erased  []block.ID `json:"erased"`
	Skipped []Skip     `json:"skipped,omitempty"`
	Summary *block.Block
	Freed   int `json:"freed_tokens"`
}

// Engine errors. Both indicate the request itself must change; blind
// retry with the same arguments will fail identically.
var (
	// ErrProtected rejects a request touching system or user blocks.
	// All-or-nothing: nothing is erased, the store is unchanged.
	ErrProtected = errors.New("erase rejected: protected class in targets")

	// ErrUnsafe rejects discarding durable content that has been
	// neither summarized nor persisted to the workspace.
	ErrUnsafe = errors.New("erase rejected: durable content not yet summarized or persisted")

	// ErrNoSelector rejects a request with no selector at all.
	ErrNoSelector = errors.New("erase request has no targets")
)

// Engine executes erase requests against the block store.
type Engine struct {
	store *block.Store
	jrnl  *journal.Journal

	// summaryCap bounds the summary block text in characters.
	summaryCap int
}

// NewEngine creates an erasure engine. summaryCapChars <= 0 disables
// the cap.
func NewEngine(store *block.Store, jrnl *journal.Journal, summaryCapChars int) *Engine {
	return &Engine{store: store, jrnl: jrnl, summaryCap: summaryCapChars}
}

// Erase runs one erase operation. Already-absent ids are omitted from
// the result rather than treated as errors, so repeating a completed
// request is harmless. Protected or unsafe targets fail the whole call
// with nothing mutated; the rejection is journaled.
func (e *Engine) Erase(step int, req Request) (*Result, error) {
	if len(req.IDs) == 0 && req.Tag == "" && req.Range == nil {
		return nil, ErrNoSelector
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategySummarize
	}

	snap := e.store.Snapshot()
	targets, skipped := resolve(snap, req)

	// Partition into erasable and protected. Rejection is total: a
	// request that names one protected block erases nothing.
	var protected []block.ID
	var erasable []block.Block
	for _, b := range targets {
		if b.Class.Protected() {
			protected = append(protected, b.ID)
		} else {
			erasable = append(erasable, b)
		}
	}
	if len(protected) > 0 {
		e.journalRejection(step, req, "protected_class_violation", protected)
		return nil, fmt.Errorf("%w: %v", ErrProtected, protected)
	}

	// Durable content must have been summarized or persisted before it
	// may leave working context. The summary produced by this very call
	// does not count: it records the operation, not the content. Under
	// the drop strategy no summary will exist at all, so durable
	// targets are refused outright.
	var unsafe []block.ID
	for _, b := range erasable {
		if !b.Durable {
			continue
		}
		if strategy == StrategyDrop || (!b.Summarized && !b.Persisted) {
			unsafe = append(unsafe, b.ID)
		}
	}
	if len(unsafe) > 0 {
		e.journalRejection(step, req, "unsafe_erasure", unsafe)
		return nil, fmt.Errorf("%w: %v", ErrUnsafe, unsafe)
	}

	if len(erasable) == 0 {
		return &Result{Skipped: skipped}, nil
	}

	ids := make([]block.ID, len(erasable))
	freed := 0
	for i, b := range erasable {
		ids[i] = b.ID
		freed += b.SizeEstimate
	}
	result := &Result{Erased: ids, Skipped: skipped, Freed: freed}

	// Summary first, sweep second. A failed summary append leaves the
	// store untouched and the request retryable; sweeping first could
	// lose the targets with no summary and no erasure entry behind them.
	var retained []block.HandleRef
	if strategy == StrategySummarize {
		summary, err := e.appendSummary(step, req.Reason, erasable)
		if err != nil {
			return nil, err
		}
		result.Summary = summary
		retained = collectHandles(erasable)
	}

	if _, err := e.store.Erase(step, ids, req.Reason); err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}

	payload := map[string]any{
		"targets":          result.Erased,
		"reason":           req.Reason,
		"strategy":         strategy,
		"freed":            freed,
		"retained_handles": retained,
	}
	if result.Summary != nil {
		payload["summary_block"] = result.Summary.ID
	}
	if _, err := e.jrnl.Append(step, journal.KindErasure, payload); err != nil {
		return nil, fmt.Errorf("journal erasure: %w", err)
	}

	logging.Get(logging.CategoryErasure).Infow("erase completed",
		"erased", len(result.Erased), "freed", freed, "reason", req.Reason)
	return result, nil
}

// resolve maps request selectors to concrete live blocks, preserving
// store order. Absent explicit ids become skip records.
func resolve(snap []block.Block, req Request) ([]block.Block, []Skip) {
	byID := make(map[block.ID]int, len(snap))
	for i, b := range snap {
		byID[b.ID] = i
	}

	selected := make(map[block.ID]bool)
	var skipped []Skip

	for _, id := range req.IDs {
		if _, ok := byID[id]; ok {
			selected[id] = true
		} else {
			skipped = append(skipped, Skip{ID: id, Reason: "absent"})
		}
	}

	if req.Tag != "" {
		for i := range snap {
			if snap[i].HasTag(req.Tag) {
				selected[snap[i].ID] = true
			}
		}
	}

	if req.Range != nil {
		start, end := req.Range.Start, req.Range.End
		if start > end {
			start, end = end, start
		}
		if start < 0 {
			start = 0
		}
		for i := start; i <= end && i < len(snap); i++ {
			selected[snap[i].ID] = true
		}
	}

	var targets []block.Block
	for _, b := range snap {
		if selected[b.ID] {
			targets = append(targets, b)
		}
	}
	return targets, skipped
}

// appendSummary builds and appends the single summary block for an
// erase operation: the reason, what classes are going, and the retained
// keys needed to recover content later.
func (e *Engine) appendSummary(step int, reason string, targets []block.Block) (*block.Block, error) {
	classes := make(map[block.Class]int)
	for _, b := range targets {
		classes[b.Class]++
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Erased %d block(s). Reason: %s.", len(targets), reason)
	names := make([]string, 0, len(classes))
	for c := range classes {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, c := range names {
		fmt.Fprintf(&sb, " %s=%d", c, classes[block.Class(c)])
	}
	for _, h := range collectHandles(targets) {
		fmt.Fprintf(&sb, "\nretained: handle=%s kind=%s", h.HandleID, h.Kind)
		if h.SHA256 != "" {
			fmt.Fprintf(&sb, " sha256=%s", h.SHA256)
		}
	}

	text := truncate(sb.String(), e.summaryCap)

	summary, err := e.store.Append(step, block.Draft{
		Class:   block.ClassTool,
		Tags:    []string{"summary", "erasure"},
		Content: block.Content{Text: text},
	})
	if err != nil {
		return nil, fmt.Errorf("append summary block: %w", err)
	}
	return &summary, nil
}

// truncate cuts s to at most n bytes, backing up to a rune boundary so
// the result stays valid UTF-8. n <= 0 disables the cap.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func collectHandles(removed []block.Block) []block.HandleRef {
	var out []block.HandleRef
	for _, b := range removed {
		if b.Content.Handle != nil {
			out = append(out, *b.Content.Handle)
		}
	}
	return out
}

func (e *Engine) journalRejection(step int, req Request, kind string, ids []block.ID) {
	if _, err := e.jrnl.Append(step, journal.KindErasure, map[string]any{
		"rejected": kind,
		"targets":  ids,
		"reason":   req.Reason,
	}); err != nil {
		logging.Get(logging.CategoryErasure).Warnw("failed to journal rejection", "error", err)
	}
}
