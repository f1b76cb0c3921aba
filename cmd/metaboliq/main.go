package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"metaboliq/internal/block"
	"metaboliq/internal/budget"
	"metaboliq/internal/config"
	"metaboliq/internal/dispatch"
	"metaboliq/internal/erasure"
	"metaboliq/internal/journal"
	"metaboliq/internal/kernel"
	"metaboliq/internal/logging"
	"metaboliq/internal/model"
	"metaboliq/internal/shape"
	"metaboliq/internal/workspace"
)

var (
	configPath string
	verbose    bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "metaboliq",
	Short: "metaboliq - an agent runtime with bounded working memory",
	Long: `metaboliq runs an autonomous tool-calling agent whose working
context is a garbage-collected block store. Content enters as typed
blocks, budgets are enforced every step, and stale blocks are erased
with an audit trail instead of silently truncated.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "metaboliq.yaml"
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Initialize(logging.Options{
			Level:  level,
			Format: cfg.Logging.Format,
			File:   cfg.Logging.File,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// runCmd drives one task to a terminal cause.
var runCmd = &cobra.Command{
	Use:   "run [task]",
	Short: "Run a task through the agent loop",
	Long: `Seeds the working context with the identity document and the task,
then loops: call the model, execute its tool calls, persist durable
content, and collect when the budget is breached. Ctrl-C stops the
run cleanly at the next state boundary.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTask,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace and budget configuration",
	RunE:  showStatus,
}

var journalCmd = &cobra.Command{
	Use:   "journal [file]",
	Short: "Pretty-print the tail of an audit journal file",
	Args:  cobra.MaximumNArgs(1),
	RunE:  showJournal,
}

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Render the identity document",
	RunE:  showIdentity,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = "metaboliq.yaml"
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := config.DefaultConfig().Save(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var journalTail int

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: metaboliq.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	journalCmd.Flags().IntVarP(&journalTail, "tail", "n", 20, "Number of entries to show")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(configCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	task := strings.Join(args, " ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	jrnl, err := journal.New(cfg.Logging.JournalPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer jrnl.Close()

	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer ws.Close()

	if cfg.Workspace.WatchExternalWrites {
		watchCtx, cancelWatch := context.WithCancel(ctx)
		defer cancelWatch()
		go func() {
			if err := ws.Watch(watchCtx); err != nil && watchCtx.Err() == nil {
				logging.Get(logging.CategoryWorkspace).Warnw("watcher stopped", "error", err)
			}
		}()
	}

	store := block.NewStore(jrnl, &block.HeuristicEstimator{CharsPerToken: cfg.Budget.CharsPerToken})
	tracker := budget.NewTracker(store, jrnl, cfg.Budget)
	engine := erasure.NewEngine(store, jrnl, cfg.Erasure.SummaryCapChars)
	layer := shape.NewLayer()
	dispatcher, err := dispatch.New(layer, engine, store, jrnl)
	if err != nil {
		return fmt.Errorf("build dispatcher: %w", err)
	}
	client, err := model.NewOpenAIAdapter(cfg.Model)
	if err != nil {
		return fmt.Errorf("build model client: %w", err)
	}
	policy, err := erasure.PolicyFromConfig(cfg.Erasure)
	if err != nil {
		return err
	}

	k, err := kernel.New(kernel.Options{
		Store:      store,
		Journal:    jrnl,
		Tracker:    tracker,
		Engine:     engine,
		Dispatcher: dispatcher,
		Client:     client,
		Persister:  ws,
		Policy:     policy,
		Config:     cfg,
	})
	if err != nil {
		return err
	}

	res, err := k.Run(ctx, task)
	if err != nil {
		return err
	}

	bold := lipgloss.NewStyle().Bold(true)
	fmt.Printf("%s %s after %d step(s), %d tokens in context\n",
		bold.Render("terminated:"), res.Cause, res.Steps, res.Usage)
	if res.FinalText != "" {
		fmt.Println(res.FinalText)
	}
	return nil
}

func showStatus(cmd *cobra.Command, args []string) error {
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer ws.Close()

	notes, err := ws.Count(cmd.Context())
	if err != nil {
		return err
	}

	label := lipgloss.NewStyle().Bold(true).Width(16)
	fmt.Println(label.Render("workspace:"), cfg.Workspace.Path)
	fmt.Println(label.Render("notes:"), notes)
	fmt.Println(label.Render("soft limit:"), cfg.Budget.SoftLimit)
	fmt.Println(label.Render("hard limit:"), cfg.Budget.HardLimit)
	fmt.Println(label.Render("policy:"), cfg.Erasure.Policy)
	fmt.Println(label.Render("model:"), cfg.Model.Model)
	fmt.Println(label.Render("max steps:"), cfg.Kernel.MaxSteps)
	return nil
}

var kindStyles = map[journal.Kind]lipgloss.Style{
	journal.KindErasure:      lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	journal.KindBudgetBreach: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	journal.KindTerminal:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
	journal.KindError:        lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
}

func showJournal(cmd *cobra.Command, args []string) error {
	path := cfg.Logging.JournalPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no journal file configured; pass one as an argument")
	}

	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var entries []journal.Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var e journal.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if len(entries) > journalTail {
		entries = entries[len(entries)-journalTail:]
	}

	dim := lipgloss.NewStyle().Faint(true)
	for _, e := range entries {
		kind := string(e.Kind)
		if style, ok := kindStyles[e.Kind]; ok {
			kind = style.Render(kind)
		}
		fmt.Printf("%s %6d step=%-3d %-14s %s\n",
			dim.Render(e.Timestamp.Format("15:04:05")), e.Seq, e.Step, kind, e.Payload)
	}
	return nil
}

func showIdentity(cmd *cobra.Command, args []string) error {
	ws, err := workspace.Open(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("open workspace: %w", err)
	}
	defer ws.Close()

	doc, err := ws.Identity(cmd.Context())
	if err != nil {
		return err
	}
	if doc == "" {
		doc = kernel.DefaultIdentity
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		fmt.Println(doc)
		return nil
	}
	out, err := renderer.Render(doc)
	if err != nil {
		fmt.Println(doc)
		return nil
	}
	fmt.Print(out)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
