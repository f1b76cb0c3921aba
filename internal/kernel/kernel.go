// Package kernel runs the agent loop: assemble the working context,
// call the model, execute its tool calls, persist durable content, and
// collect under budget pressure, until the run reaches a terminal
// cause. One step is one pass through those states.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"metaboliq/internal/block"
	"metaboliq/internal/budget"
	"metaboliq/internal/config"
	"metaboliq/internal/dispatch"
	"metaboliq/internal/erasure"
	"metaboliq/internal/journal"
	"metaboliq/internal/logging"
	"metaboliq/internal/model"
)

// State names one phase of a kernel step.
type State string

const (
	StateAssembling State = "assembling"
	StateCalling    State = "calling"
	StateExecuting  State = "executing"
	StatePersisting State = "persisting"
	StateCollecting State = "collecting"
	StateTerminated State = "terminated"
)

// TerminalCause explains why a run ended.
type TerminalCause string

const (
	// CauseCompleted: the model signaled completion.
	CauseCompleted TerminalCause = "completed_by_agent"
	// CauseStepLimit: the configured step ceiling was reached.
	CauseStepLimit TerminalCause = "step_limit_reached"
	// CauseOperationalDeath: the context cannot be brought under the
	// hard limit, or the model became unreachable.
	CauseOperationalDeath TerminalCause = "operational_death"
	// CauseUserStop: the run context was cancelled.
	CauseUserStop TerminalCause = "user_stop"
)

// ErrOperationalDeath is returned alongside a CauseOperationalDeath
// result so callers can distinguish death from completion.
var ErrOperationalDeath = errors.New("operational death: working context cannot continue")

// DefaultIdentity seeds the identity block when the workspace carries
// no identity document.
const DefaultIdentity = `You are an autonomous agent with a bounded working memory.
Work through the tools you are given. Large content stays behind
handles; erase stale blocks with a reason when space runs low. Your
system and user blocks can never be erased.`

// Persister stores durable content outside working context.
type Persister interface {
	PersistBlock(ctx context.Context, b block.Block) (string, error)
	Identity(ctx context.Context) (string, error)
}

// Result summarizes a finished run.
type Result struct {
	Cause     TerminalCause
	Steps     int
	FinalText string
	Usage     int
}

// Kernel drives one run. Not safe for concurrent use; one run at a
// time per kernel.
type Kernel struct {
	store      *block.Store
	jrnl       *journal.Journal
	tracker    *budget.Tracker
	engine     *erasure.Engine
	dispatcher *dispatch.Dispatcher
	client     model.Client
	persister  Persister
	policy     erasure.Policy

	maxSteps    int
	callTimeout time.Duration
	retries     int
	minReclaim  int

	state State
	step  int
}

// Options wires a kernel. Persister may be nil for runs without a
// workspace; durable content then stays in context until summarized.
type Options struct {
	Store      *block.Store
	Journal    *journal.Journal
	Tracker    *budget.Tracker
	Engine     *erasure.Engine
	Dispatcher *dispatch.Dispatcher
	Client     model.Client
	Persister  Persister
	Policy     erasure.Policy
	Config     *config.Config
}

// New validates options and builds a kernel.
func New(opts Options) (*Kernel, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("kernel needs a block store")
	case opts.Journal == nil:
		return nil, errors.New("kernel needs a journal")
	case opts.Tracker == nil:
		return nil, errors.New("kernel needs a budget tracker")
	case opts.Engine == nil:
		return nil, errors.New("kernel needs an erasure engine")
	case opts.Dispatcher == nil:
		return nil, errors.New("kernel needs a dispatcher")
	case opts.Client == nil:
		return nil, errors.New("kernel needs a model client")
	case opts.Config == nil:
		return nil, errors.New("kernel needs configuration")
	}
	policy := opts.Policy
	if policy == nil {
		policy = erasure.OldestFirst{}
	}
	retries := opts.Config.Kernel.ModelRetries
	if retries < 0 {
		retries = 0
	}
	minReclaim := opts.Config.Erasure.MinReclaim
	if minReclaim < 0 {
		minReclaim = 0
	}
	return &Kernel{
		store:       opts.Store,
		jrnl:        opts.Journal,
		tracker:     opts.Tracker,
		engine:      opts.Engine,
		dispatcher:  opts.Dispatcher,
		client:      opts.Client,
		persister:   opts.Persister,
		policy:      policy,
		maxSteps:    opts.Config.Kernel.MaxSteps,
		callTimeout: opts.Config.GetModelCallTimeout(),
		retries:     retries,
		minReclaim:  minReclaim,
		state:       StateAssembling,
	}, nil
}

// State reports the current phase, StateTerminated once Run returns.
func (k *Kernel) State() State { return k.state }

// Step reports the current step number.
func (k *Kernel) Step() int { return k.step }

// Run executes a task to a terminal cause. The returned error is nil
// for clean terminals (completion, step limit, user stop) and
// ErrOperationalDeath when the run died.
func (k *Kernel) Run(ctx context.Context, task string) (Result, error) {
	log := logging.Get(logging.CategoryKernel)

	if err := k.seed(ctx, task); err != nil {
		return Result{}, err
	}

	for k.step = 1; k.step <= k.maxSteps; k.step++ {
		// Assembling. Cancellation is honored at the top of every
		// state, never mid-mutation.
		k.state = StateAssembling
		if ctx.Err() != nil {
			return k.terminate(CauseUserStop, "")
		}
		k.tracker.Check(k.step)
		if k.tracker.Classify() == budget.HardBreach {
			if died := k.collect(ctx, "hard budget breach"); died {
				return k.terminate(CauseOperationalDeath, "")
			}
		}

		// Calling.
		k.state = StateCalling
		if ctx.Err() != nil {
			return k.terminate(CauseUserStop, "")
		}
		action, err := k.callModel(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return k.terminate(CauseUserStop, "")
			}
			log.Errorw("model unreachable", "step", k.step, "error", err)
			return k.terminate(CauseOperationalDeath, "")
		}
		k.jrnl.Append(k.step, journal.KindModelAction, map[string]any{
			"type":  action.Type,
			"calls": len(action.Calls),
		})

		if action.Type == model.ActionFinal {
			if action.Text != "" {
				if _, err := k.store.Append(k.step, block.Draft{
					Class:   block.ClassAssistant,
					Tags:    []string{"final"},
					Content: block.Content{Text: action.Text},
				}); err != nil {
					return Result{}, fmt.Errorf("append final message: %w", err)
				}
			}
			k.state = StatePersisting
			k.persistDurables(ctx)
			return k.terminate(CauseCompleted, action.Text)
		}

		// Executing. A plain message appends assistant commentary and
		// the step moves on; tool calls go through the dispatcher.
		k.state = StateExecuting
		if ctx.Err() != nil {
			return k.terminate(CauseUserStop, "")
		}
		if action.Text != "" {
			if _, err := k.store.Append(k.step, block.Draft{
				Class:   block.ClassAssistant,
				Content: block.Content{Text: action.Text},
			}); err != nil {
				return Result{}, fmt.Errorf("append commentary: %w", err)
			}
		}
		erasedThisStep := false
		for _, c := range action.Calls {
			if c.Name == dispatch.OpErase {
				erasedThisStep = true
			}
		}
		if _, err := k.dispatcher.Execute(ctx, k.step, action.Calls); err != nil {
			if errors.Is(err, dispatch.ErrInvalidCall) {
				// Nothing ran and nothing changed; tell the model and
				// move on to the next step.
				k.journalError("invalid_tool_call", err)
				if _, aerr := k.store.Append(k.step, block.Draft{
					Class:   block.ClassTool,
					Tags:    []string{"error"},
					Content: block.Content{Text: fmt.Sprintf("tool call rejected: %v", err)},
				}); aerr != nil {
					return Result{}, fmt.Errorf("append rejection notice: %w", aerr)
				}
				continue
			}
			if ctx.Err() != nil {
				return k.terminate(CauseUserStop, "")
			}
			return Result{}, fmt.Errorf("execute step %d: %w", k.step, err)
		}

		// Persisting.
		k.state = StatePersisting
		if ctx.Err() != nil {
			return k.terminate(CauseUserStop, "")
		}
		k.persistDurables(ctx)

		// Collecting. A model that erased this step already made its
		// own space decision; the kernel only collects on its behalf
		// when it did not.
		k.state = StateCollecting
		if ctx.Err() != nil {
			return k.terminate(CauseUserStop, "")
		}
		k.tracker.Check(k.step)
		if !erasedThisStep && k.tracker.Classify() != budget.Nominal {
			if died := k.collect(ctx, "budget pressure"); died {
				return k.terminate(CauseOperationalDeath, "")
			}
		}
	}

	k.step = k.maxSteps
	return k.terminate(CauseStepLimit, "")
}

// seed installs the identity and task blocks.
func (k *Kernel) seed(ctx context.Context, task string) error {
	identity := DefaultIdentity
	if k.persister != nil {
		doc, err := k.persister.Identity(ctx)
		if err != nil {
			return fmt.Errorf("load identity: %w", err)
		}
		if doc != "" {
			identity = doc
		}
	}
	if _, err := k.store.Append(0, block.Draft{
		Class:   block.ClassSystem,
		Tags:    []string{"identity"},
		Content: block.Content{Text: identity},
	}); err != nil {
		return fmt.Errorf("seed identity: %w", err)
	}
	if _, err := k.store.Append(0, block.Draft{
		Class:   block.ClassUser,
		Tags:    []string{"task"},
		Content: block.Content{Text: task},
	}); err != nil {
		return fmt.Errorf("seed task: %w", err)
	}
	return nil
}

// callModel tries the model within the configured timeout, retrying
// transient and malformed-output failures a bounded number of times.
func (k *Kernel) callModel(ctx context.Context) (model.Action, error) {
	req := model.Request{
		Blocks: k.store.Snapshot(),
		Tools:  k.dispatcher.Schemas(),
	}

	var lastErr error
	for attempt := 0; attempt <= k.retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, k.callTimeout)
		action, err := k.client.Complete(callCtx, req)
		cancel()
		if err == nil {
			return action, nil
		}
		lastErr = err
		k.journalError("model_call_failed", err)
		if ctx.Err() != nil {
			return model.Action{}, ctx.Err()
		}
	}
	return model.Action{}, fmt.Errorf("model call failed after %d attempt(s): %w", k.retries+1, lastErr)
}

// collect reclaims space down to the soft limit. Returns true when the
// context is at or over the hard limit and nothing more can go: that
// is operational death.
func (k *Kernel) collect(ctx context.Context, reason string) bool {
	prev := k.tracker.Usage()
	for k.tracker.Classify() != budget.Nominal {
		if ctx.Err() != nil {
			return false
		}
		// Reclaim at least the configured floor per pass so collection
		// frees real headroom instead of shaving off single blocks.
		needed := k.tracker.Usage() - k.tracker.SoftLimit()
		if needed < k.minReclaim {
			needed = k.minReclaim
		}
		res, err := k.engine.Collect(k.step, k.policy, needed, reason)
		if err != nil {
			k.journalError("collection_failed", err)
			break
		}
		if res == nil || len(res.Erased) == 0 {
			break
		}
		// Each pass trades erased blocks for a summary block. Stop
		// once a pass no longer shrinks the context, or collection
		// would chase its own summaries forever.
		usage := k.tracker.Usage()
		if usage >= prev {
			break
		}
		prev = usage
	}
	k.tracker.Check(k.step)
	return k.tracker.Classify() == budget.HardBreach
}

// persistDurables writes durable unpersisted blocks to the workspace.
// Failures are journaled, not fatal: the block stays unpersisted and
// protected from erasure, and the next pass retries.
func (k *Kernel) persistDurables(ctx context.Context) {
	if k.persister == nil {
		return
	}
	for _, b := range k.store.Snapshot() {
		if !b.Durable || b.Persisted {
			continue
		}
		if _, err := k.persister.PersistBlock(ctx, b); err != nil {
			k.journalError("persist_failed", err)
			continue
		}
		if err := k.store.MarkPersisted(b.ID); err != nil {
			k.journalError("persist_mark_failed", err)
		}
	}
}

func (k *Kernel) terminate(cause TerminalCause, finalText string) (Result, error) {
	k.state = StateTerminated
	res := Result{
		Cause:     cause,
		Steps:     k.step,
		FinalText: finalText,
		Usage:     k.tracker.Usage(),
	}
	k.jrnl.Append(k.step, journal.KindTerminal, map[string]any{
		"cause":   cause,
		"steps":   res.Steps,
		"usage":   res.Usage,
		"blocks":  k.store.Len(),
		"entries": k.jrnl.Len(),
	})
	logging.Get(logging.CategoryKernel).Infow("run terminated",
		"cause", cause, "steps", res.Steps, "usage", res.Usage)
	if cause == CauseOperationalDeath {
		return res, ErrOperationalDeath
	}
	return res, nil
}

func (k *Kernel) journalError(kind string, err error) {
	k.jrnl.Append(k.step, journal.KindError, map[string]any{
		"kind":  kind,
		"error": err.Error(),
	})
}
