package erasure

import (
	"fmt"

	"metaboliq/internal/block"
	"metaboliq/internal/config"
)

// Policy chooses which live blocks to erase when the kernel collects
// on its own, without an explicit model request. Implementations must
// only return safely erasable blocks: never protected classes, never
// durable content that is neither summarized nor persisted.
type Policy interface {
	// SelectTargets picks blocks from the snapshot whose combined size
	// estimates cover at least needed tokens, or as close as the
	// erasable set allows. Snapshot is in store order, oldest first.
	SelectTargets(snap []block.Block, needed int) []block.ID
}

// erasable reports whether a block may be selected by a policy.
func erasable(b block.Block) bool {
	if b.Class.Protected() {
		return false
	}
	if b.Durable && !b.Summarized && !b.Persisted {
		return false
	}
	return true
}

// OldestFirst erases the oldest erasable blocks until enough space is
// reclaimed. The default policy.
type OldestFirst struct{}

func (OldestFirst) SelectTargets(snap []block.Block, needed int) []block.ID {
	var ids []block.ID
	freed := 0
	for _, b := range snap {
		if freed >= needed {
			break
		}
		if !erasable(b) {
			continue
		}
		ids = append(ids, b.ID)
		freed += b.SizeEstimate
	}
	return ids
}

// TagPriority erases blocks carrying low-priority tags first, in the
// configured order, then falls back to oldest-first for the remainder.
type TagPriority struct {
	// EraseFirst lists tags in erasure priority order. A block matching
	// an earlier tag is reclaimed before one matching a later tag.
	EraseFirst []string
}

func (p TagPriority) SelectTargets(snap []block.Block, needed int) []block.ID {
	var ids []block.ID
	taken := make(map[block.ID]bool)
	freed := 0

	take := func(b block.Block) {
		ids = append(ids, b.ID)
		taken[b.ID] = true
		freed += b.SizeEstimate
	}

	for _, tag := range p.EraseFirst {
		for _, b := range snap {
			if freed >= needed {
				return ids
			}
			if taken[b.ID] || !erasable(b) || !b.HasTag(tag) {
				continue
			}
			take(b)
		}
	}
	for _, b := range snap {
		if freed >= needed {
			break
		}
		if taken[b.ID] || !erasable(b) {
			continue
		}
		take(b)
	}
	return ids
}

// PolicyFromConfig maps a configured policy name to an implementation.
func PolicyFromConfig(cfg config.ErasureConfig) (Policy, error) {
	switch cfg.Policy {
	case "", "oldest_first":
		return OldestFirst{}, nil
	case "tag_priority":
		return TagPriority{EraseFirst: []string{"scratch", "preview", "observation"}}, nil
	default:
		return nil, fmt.Errorf("unknown erasure policy %q", cfg.Policy)
	}
}

// Collect runs one policy-driven reclamation pass targeting at least
// needed tokens. Returns a nil result when the policy found nothing
// erasable; the caller decides whether that is operational death.
func (e *Engine) Collect(step int, policy Policy, needed int, reason string) (*Result, error) {
	ids := policy.SelectTargets(e.store.Snapshot(), needed)
	if len(ids) == 0 {
		return nil, nil
	}
	return e.Erase(step, Request{IDs: ids, Reason: reason})
}
