// Package logging provides category-scoped structured logging for metaboliq.
// Each subsystem logs through its own named zap logger so log lines can be
// filtered per concern. Before Initialize is called every category returns
// a no-op logger, which keeps library code safe to use from tests.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names a logging subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // startup and wiring
	CategoryKernel    Category = "kernel"    // loop state transitions
	CategoryJournal   Category = "journal"   // audit journal appends
	CategoryBudget    Category = "budget"    // usage and threshold crossings
	CategoryErasure   Category = "erasure"   // erase requests and sweeps
	CategoryDispatch  Category = "dispatch"  // tool call validation and routing
	CategoryWorkspace Category = "workspace" // durable writes, identity loads
	CategoryModel     Category = "model"     // model boundary calls
	CategoryShape     Category = "shape"     // shape tool layer
)

var (
	mu   sync.RWMutex
	root *zap.Logger
	subs = make(map[Category]*zap.SugaredLogger)
	nop  = zap.NewNop().Sugar()
)

// Options controls logger construction. Zero value logs info-level
// console output to stderr.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	File   string // log file path; empty = stderr
}

// Initialize builds the root logger. Call once at startup.
func Initialize(opts Options) error {
	level := zapcore.InfoLevel
	switch opts.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.Lock(os.Stderr)
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		sink = zapcore.Lock(f)
	}

	mu.Lock()
	defer mu.Unlock()
	root = zap.New(zapcore.NewCore(enc, sink, level))
	subs = make(map[Category]*zap.SugaredLogger)
	return nil
}

// Get returns the logger for a category. Safe before Initialize (no-op).
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := subs[cat]; ok {
		mu.RUnlock()
		return l
	}
	r := root
	mu.RUnlock()

	if r == nil {
		return nop
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok := subs[cat]; ok {
		return l
	}
	l := r.Named(string(cat)).Sugar()
	subs[cat] = l
	return l
}

// Sync flushes buffered log entries. Call at shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	if root != nil {
		_ = root.Sync()
	}
}
