// Package dispatch executes the model's tool calls against the shape
// layer and the erasure engine. Every call is validated against its
// argument schema before anything runs; a batch with one bad call is
// rejected whole, with no state change.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/errgroup"

	"metaboliq/internal/block"
	"metaboliq/internal/erasure"
	"metaboliq/internal/journal"
	"metaboliq/internal/logging"
	"metaboliq/internal/model"
	"metaboliq/internal/shape"
)

// Operation names. The surface is fixed: the model cannot register or
// invoke anything outside this set.
const (
	OpLoad    = "load"
	OpOutline = "outline"
	OpSelect  = "select"
	OpReplace = "replace"
	OpSave    = "save"
	OpPreview = "preview"
	OpErase   = "erase"
)

// ErrInvalidCall rejects a call whose operation is unknown or whose
// arguments fail schema validation. Nothing was executed.
var ErrInvalidCall = errors.New("invalid tool call")

// ResultCapChars bounds the text of one result block. Larger values
// are truncated; full content stays reachable through its handle.
const ResultCapChars = 8000

// Dispatcher validates and runs tool calls, wrapping every outcome as
// a tool-class block.
type Dispatcher struct {
	layer   *shape.Layer
	engine  *erasure.Engine
	store   *block.Store
	jrnl    *journal.Journal
	schemas map[string]*jsonschema.Schema
}

// New compiles the argument schemas and wires the dispatcher.
func New(layer *shape.Layer, engine *erasure.Engine, store *block.Store, jrnl *journal.Journal) (*Dispatcher, error) {
	schemas := make(map[string]*jsonschema.Schema, len(opSchemas))
	for op, doc := range opSchemas {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("schema.json", doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", op, err)
		}
		compiled, err := c.Compile("schema.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", op, err)
		}
		schemas[op] = compiled
	}
	return &Dispatcher{layer: layer, engine: engine, store: store, jrnl: jrnl, schemas: schemas}, nil
}

// Schemas describes the tool surface for the model.
func (d *Dispatcher) Schemas() []model.ToolSchema {
	out := make([]model.ToolSchema, 0, len(opOrder))
	for _, op := range opOrder {
		out = append(out, model.ToolSchema{
			Name:        op,
			Description: opDescriptions[op],
			Parameters:  opSchemas[op],
		})
	}
	return out
}

// Validate checks a batch without executing it. The first offending
// call fails the whole batch.
func (d *Dispatcher) Validate(calls []model.ToolCall) error {
	for _, call := range calls {
		schema, ok := d.schemas[call.Name]
		if !ok {
			return fmt.Errorf("%w: unknown operation %q", ErrInvalidCall, call.Name)
		}
		var args any
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return fmt.Errorf("%w: %s arguments are not an object: %v", ErrInvalidCall, call.Name, err)
		}
		if err := schema.Validate(args); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidCall, call.Name, err)
		}
	}
	return nil
}

// outcome is one executed call before wrapping.
type outcome struct {
	call    model.ToolCall
	text    string
	handle  *block.HandleRef
	durable bool
	err     error
}

// Execute validates and runs a batch, then appends one tool-class
// result block per call in request order. Tool failures become error
// result blocks, not batch failures; only validation rejects a batch.
func (d *Dispatcher) Execute(ctx context.Context, step int, calls []model.ToolCall) ([]block.Block, error) {
	if err := d.Validate(calls); err != nil {
		return nil, err
	}

	outcomes := make([]outcome, len(calls))
	if mutates(calls) {
		// Erase mutates the block store, replace and save mutate
		// handle snapshots; run such batches in request order instead
		// of racing mutations against reads.
		for i, call := range calls {
			outcomes[i] = d.run(ctx, step, call)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			g.Go(func() error {
				outcomes[i] = d.run(gctx, step, call)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// All calls have joined; stage results into context in the order
	// they were requested.
	results := make([]block.Block, 0, len(calls))
	for _, oc := range outcomes {
		b, err := d.wrap(step, oc)
		if err != nil {
			return results, err
		}
		results = append(results, b)
	}
	return results, nil
}

func mutates(calls []model.ToolCall) bool {
	for _, c := range calls {
		switch c.Name {
		case OpErase, OpReplace, OpSave:
			return true
		}
	}
	return false
}

func (d *Dispatcher) run(ctx context.Context, step int, call model.ToolCall) outcome {
	oc := outcome{call: call}
	if err := ctx.Err(); err != nil {
		oc.err = err
		return oc
	}

	switch call.Name {
	case OpLoad:
		var args struct {
			Path string `json:"path"`
		}
		if oc.err = json.Unmarshal(call.Args, &args); oc.err != nil {
			return oc
		}
		h, err := d.layer.Load(args.Path)
		if err != nil {
			oc.err = err
			return oc
		}
		oc.handle = handleRef(h)
		oc.text = fmt.Sprintf("loaded %s", args.Path)

	case OpOutline, OpPreview:
		var args struct {
			HandleID string `json:"handle_id"`
		}
		if oc.err = json.Unmarshal(call.Args, &args); oc.err != nil {
			return oc
		}
		var out map[string]any
		var err error
		if call.Name == OpOutline {
			out, err = d.layer.Outline(args.HandleID)
		} else {
			out, err = d.layer.Preview(args.HandleID)
		}
		if err != nil {
			oc.err = err
			return oc
		}
		oc.text, oc.err = renderJSON(out)

	case OpSelect:
		var args struct {
			HandleID string `json:"handle_id"`
			Selector any    `json:"selector"`
		}
		if oc.err = json.Unmarshal(call.Args, &args); oc.err != nil {
			return oc
		}
		val, err := d.layer.Select(args.HandleID, args.Selector)
		if err != nil {
			oc.err = err
			return oc
		}
		oc.text, oc.err = renderJSON(val)

	case OpReplace:
		var args struct {
			HandleID string `json:"handle_id"`
			Selector any    `json:"selector"`
			Value    any    `json:"value"`
		}
		if oc.err = json.Unmarshal(call.Args, &args); oc.err != nil {
			return oc
		}
		h, err := d.layer.Replace(args.HandleID, args.Selector, args.Value)
		if err != nil {
			oc.err = err
			return oc
		}
		oc.handle = handleRef(h)
		oc.text = "section replaced"
		oc.durable = true

	case OpSave:
		var args struct {
			HandleID string `json:"handle_id"`
		}
		if oc.err = json.Unmarshal(call.Args, &args); oc.err != nil {
			return oc
		}
		h, err := d.layer.Save(args.HandleID)
		if err != nil {
			oc.err = err
			return oc
		}
		oc.handle = handleRef(h)
		oc.text = fmt.Sprintf("saved %s", h.Path)
		oc.durable = true

	case OpErase:
		var req erasure.Request
		if oc.err = json.Unmarshal(call.Args, &req); oc.err != nil {
			return oc
		}
		res, err := d.engine.Erase(step, req)
		if err != nil {
			oc.err = err
			return oc
		}
		summary := map[string]any{
			"erased":  res.Erased,
			"freed":   res.Freed,
			"skipped": res.Skipped,
		}
		if res.Summary != nil {
			summary["summary_block"] = res.Summary.ID
		}
		oc.text, oc.err = renderJSON(summary)

	default:
		oc.err = fmt.Errorf("%w: unknown operation %q", ErrInvalidCall, call.Name)
	}
	return oc
}

// wrap turns one outcome into a tool-class block and journals it.
// Results of mutating operations (replace, save) are marked durable:
// they must be persisted or summarized before erasure may discard them.
func (d *Dispatcher) wrap(step int, oc outcome) (block.Block, error) {
	tags := []string{oc.call.Name}
	text := oc.text
	if oc.err != nil {
		tags = append(tags, "error")
		text = fmt.Sprintf("%s failed: %v", oc.call.Name, oc.err)
		logging.Get(logging.CategoryDispatch).Warnw("tool call failed",
			"op", oc.call.Name, "call_id", oc.call.ID, "error", oc.err)
	}
	if len(text) > ResultCapChars {
		text = truncate(text, ResultCapChars) + "\n[truncated]"
	}

	b, err := d.store.Append(step, block.Draft{
		Class:   block.ClassTool,
		Tags:    tags,
		Content: block.Content{Text: text, Handle: oc.handle},
		Durable: oc.durable,
	})
	if err != nil {
		return block.Block{}, fmt.Errorf("append result for %s: %w", oc.call.Name, err)
	}

	if _, err := d.jrnl.Append(step, journal.KindToolResult, map[string]any{
		"op":      oc.call.Name,
		"call_id": oc.call.ID,
		"block":   b.ID,
		"error":   oc.err != nil,
	}); err != nil {
		return block.Block{}, fmt.Errorf("journal result for %s: %w", oc.call.Name, err)
	}
	return b, nil
}

// truncate cuts s to at most n bytes, backing up to a rune boundary so
// the result stays valid UTF-8.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func handleRef(h shape.Handle) *block.HandleRef {
	return &block.HandleRef{
		HandleID: h.ID,
		Kind:     string(h.Kind),
		SHA256:   h.SHA256,
		Size:     h.Size,
		Mime:     h.Mime,
	}
}

func renderJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
