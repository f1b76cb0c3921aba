package block

import (
	"errors"
	"fmt"
	"sync"

	"metaboliq/internal/journal"
	"metaboliq/internal/logging"
)

// Store errors.
var (
	// ErrProtectedClass is returned when an erase targets a system or
	// user block. The request is rejected whole; nothing is mutated.
	ErrProtectedClass = errors.New("protected class violation")

	// ErrNotFound is returned when a block id does not resolve.
	ErrNotFound = errors.New("block not found")

	// ErrInvalidClass is returned for drafts with an unknown class.
	ErrInvalidClass = errors.New("invalid block class")

	// ErrBinaryContent is returned when draft text contains raw binary.
	ErrBinaryContent = errors.New("binary content may not enter working context")
)

// Store holds the ordered sequence of live working-context blocks.
// It owns id assignment and is the final authority on the protected
// class invariant: erase re-verifies classes here regardless of what
// callers already checked. Every successful Append and Erase writes a
// journal entry before the mutation becomes visible.
type Store struct {
	mu        sync.Mutex
	nextID    ID
	order     []ID
	blocks    map[ID]*Block
	journal   *journal.Journal
	estimator SizeEstimator
}

// NewStore creates an empty store journaling into j.
func NewStore(j *journal.Journal, est SizeEstimator) *Store {
	if est == nil {
		est = NewHeuristicEstimator()
	}
	return &Store{
		blocks:    make(map[ID]*Block),
		journal:   j,
		estimator: est,
	}
}

// Append adds a block and returns it with its assigned id.
// The journal entry is written before the block becomes live.
func (s *Store) Append(step int, d Draft) (Block, error) {
	if !d.Class.Valid() {
		return Block{}, fmt.Errorf("%w: %q", ErrInvalidClass, d.Class)
	}
	if looksBinary(d.Content.Text) {
		return Block{}, ErrBinaryContent
	}

	size := d.SizeHint
	if size == 0 {
		size = s.estimator.Estimate(d.Content)
	}
	if size < 0 {
		size = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	b := &Block{
		ID:            s.nextID,
		Class:         d.Class,
		Tags:          append([]string(nil), d.Tags...),
		Content:       d.Content,
		SizeEstimate:  size,
		CreatedAtStep: step,
		Durable:       d.Durable,
	}

	// Content rides along in the append entry: once the block is
	// erased, this entry is the only durable record of its text unless
	// the content was also persisted to the workspace.
	payload := map[string]any{
		"block_id": b.ID,
		"class":    b.Class,
		"tags":     b.Tags,
		"size":     b.SizeEstimate,
		"durable":  b.Durable,
		"text":     b.Content.Text,
	}
	if b.Content.Handle != nil {
		payload["handle"] = b.Content.Handle
	}
	if _, err := s.journal.Append(step, journal.KindBlockAppend, payload); err != nil {
		s.nextID--
		return Block{}, fmt.Errorf("journal block append: %w", err)
	}

	s.blocks[b.ID] = b
	s.order = append(s.order, b.ID)

	logging.Get(logging.CategoryKernel).Debugw("block appended",
		"id", b.ID, "class", b.Class, "size", b.SizeEstimate)
	return *b, nil
}

// Get returns the live block with the given id.
func (s *Store) Get(id ID) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return Block{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return *b, nil
}

// Erase removes the given blocks and returns them in store order.
// Ids that do not resolve are silently omitted (erase is idempotent on
// absent ids). If any resolving id names a protected block the whole
// call fails with ErrProtectedClass and the store is unchanged. This
// check runs here even though the erasure engine performs it first.
func (s *Store) Erase(step int, ids []ID, reason string) ([]Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	present := make(map[ID]bool, len(ids))
	var protected []ID
	for _, id := range ids {
		b, ok := s.blocks[id]
		if !ok {
			continue
		}
		if b.Class.Protected() {
			protected = append(protected, id)
		}
		present[id] = true
	}

	if len(protected) > 0 {
		s.journal.Append(step, journal.KindError, map[string]any{
			"error":     "protected_class_violation",
			"targets":   ids,
			"protected": protected,
		})
		return nil, fmt.Errorf("%w: blocks %v", ErrProtectedClass, protected)
	}

	var removed []Block
	var removedIDs []ID
	for _, id := range s.order {
		if present[id] {
			removed = append(removed, *s.blocks[id])
			removedIDs = append(removedIDs, id)
		}
	}

	if len(removed) == 0 {
		return nil, nil
	}

	if _, err := s.journal.Append(step, journal.KindBlockErase, map[string]any{
		"erased": removedIDs,
		"reason": reason,
	}); err != nil {
		return nil, fmt.Errorf("journal erase: %w", err)
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if present[id] {
			delete(s.blocks, id)
		} else {
			kept = append(kept, id)
		}
	}
	s.order = kept

	logging.Get(logging.CategoryErasure).Debugw("blocks erased",
		"count", len(removed), "reason", reason)
	return removed, nil
}

// Snapshot returns copies of all live blocks in insertion order.
func (s *Store) Snapshot() []Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Block, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.blocks[id])
	}
	return out
}

// Usage returns the summed size estimate of all live blocks.
func (s *Store) Usage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, b := range s.blocks {
		total += b.SizeEstimate
	}
	return total
}

// Len returns the number of live blocks.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// MarkPersisted records that a block's content was written to the
// workspace. Retention bookkeeping only; content is untouched.
func (s *Store) MarkPersisted(id ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	b.Persisted = true
	return nil
}

// MarkSummarized records that a summary covering the given blocks
// exists. Ids that no longer resolve are skipped.
func (s *Store) MarkSummarized(ids ...ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if b, ok := s.blocks[id]; ok {
			b.Summarized = true
		}
	}
}
