package erasure

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"metaboliq/internal/block"
	"metaboliq/internal/config"
	"metaboliq/internal/journal"
)

type fixture struct {
	jrnl   *journal.Journal
	store  *block.Store
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j, err := journal.New("")
	if err != nil {
		t.Fatalf("journal.New: %v", err)
	}
	s := block.NewStore(j, nil)
	return &fixture{jrnl: j, store: s, engine: NewEngine(s, j, 2000)}
}

func (f *fixture) append(t *testing.T, class block.Class, text string, tags ...string) block.Block {
	t.Helper()
	b, err := f.store.Append(1, block.Draft{Class: class, Tags: tags, Content: block.Content{Text: text}})
	if err != nil {
		t.Fatalf("append %s block: %v", class, err)
	}
	return b
}

func TestEraseByIDLeavesSummary(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity")
	a := f.append(t, block.ClassAssistant, strings.Repeat("x", 400))
	b := f.append(t, block.ClassTool, strings.Repeat("y", 400))

	res, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID, b.ID}, Reason: "stale scratch"})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if len(res.Erased) != 2 {
		t.Fatalf("erased = %v, want 2 ids", res.Erased)
	}
	if res.Freed <= 0 {
		t.Fatalf("freed = %d, want > 0", res.Freed)
	}
	if res.Summary == nil {
		t.Fatal("expected a summary block")
	}
	if res.Summary.Class != block.ClassTool {
		t.Fatalf("summary class = %s, want tool", res.Summary.Class)
	}
	if !res.Summary.HasTag("erasure") {
		t.Fatal("summary block missing erasure tag")
	}
	if !strings.Contains(res.Summary.Content.Text, "stale scratch") {
		t.Fatalf("summary text missing reason: %q", res.Summary.Content.Text)
	}

	// Erased ids are gone, summary is live.
	if _, err := f.store.Get(a.ID); !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("Get(erased) err = %v, want ErrNotFound", err)
	}
	if _, err := f.store.Get(res.Summary.ID); err != nil {
		t.Fatalf("Get(summary) err = %v", err)
	}
}

func TestEraseProtectedRejectsWholeCall(t *testing.T) {
	f := newFixture(t)
	sys := f.append(t, block.ClassSystem, "identity")
	tool := f.append(t, block.ClassTool, "result")

	before := f.store.Len()
	_, err := f.engine.Erase(2, Request{IDs: []block.ID{sys.ID, tool.ID}, Reason: "cleanup"})
	if !errors.Is(err, ErrProtected) {
		t.Fatalf("err = %v, want ErrProtected", err)
	}
	if f.store.Len() != before {
		t.Fatalf("store length changed on rejected call: %d -> %d", before, f.store.Len())
	}
	if _, err := f.store.Get(tool.ID); err != nil {
		t.Fatal("erasable target was swept despite rejection")
	}
}

func TestEraseUserBlockRejected(t *testing.T) {
	f := newFixture(t)
	u := f.append(t, block.ClassUser, "the task")

	_, err := f.engine.Erase(2, Request{IDs: []block.ID{u.ID}, Reason: "shrink"})
	if !errors.Is(err, ErrProtected) {
		t.Fatalf("err = %v, want ErrProtected", err)
	}
}

func TestEraseUnsafeDurable(t *testing.T) {
	f := newFixture(t)
	d, err := f.store.Append(1, block.Draft{
		Class:   block.ClassAssistant,
		Content: block.Content{Text: "important finding"},
		Durable: true,
	})
	if err != nil {
		t.Fatalf("append durable: %v", err)
	}

	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{d.ID}, Reason: "shrink"}); !errors.Is(err, ErrUnsafe) {
		t.Fatalf("err = %v, want ErrUnsafe", err)
	}

	// Once persisted the same request succeeds.
	if err := f.store.MarkPersisted(d.ID); err != nil {
		t.Fatalf("MarkPersisted: %v", err)
	}
	if _, err := f.engine.Erase(3, Request{IDs: []block.ID{d.ID}, Reason: "shrink"}); err != nil {
		t.Fatalf("Erase after persist: %v", err)
	}
}

func TestDropOfDurableAlwaysUnsafe(t *testing.T) {
	f := newFixture(t)
	d, err := f.store.Append(1, block.Draft{
		Class:   block.ClassTool,
		Content: block.Content{Text: "durable result"},
		Durable: true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := f.store.MarkPersisted(d.ID); err != nil {
		t.Fatalf("MarkPersisted: %v", err)
	}

	// Even persisted durable content cannot be dropped without a
	// summary; only the summarize strategy may remove it.
	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{d.ID}, Reason: "x", Strategy: StrategyDrop}); !errors.Is(err, ErrUnsafe) {
		t.Fatalf("err = %v, want ErrUnsafe", err)
	}
	if _, err := f.engine.Erase(3, Request{IDs: []block.ID{d.ID}, Reason: "x"}); err != nil {
		t.Fatalf("summarize erase: %v", err)
	}
}

func TestEraseAbsentIDsSkipped(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, block.ClassTool, "result")

	res, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: "cleanup"})
	if err != nil {
		t.Fatalf("first erase: %v", err)
	}
	if len(res.Erased) != 1 {
		t.Fatalf("erased = %v", res.Erased)
	}

	// Repeating the request is a no-op, not an error.
	res, err = f.engine.Erase(3, Request{IDs: []block.ID{a.ID}, Reason: "cleanup"})
	if err != nil {
		t.Fatalf("repeat erase: %v", err)
	}
	if len(res.Erased) != 0 {
		t.Fatalf("repeat erased = %v, want none", res.Erased)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Reason != "absent" {
		t.Fatalf("skipped = %v, want one absent record", res.Skipped)
	}
	if res.Summary != nil {
		t.Fatal("no-op erase should not append a summary block")
	}
}

func TestEraseByTag(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassTool, "keep me", "finding")
	s1 := f.append(t, block.ClassTool, "scratch one", "scratch")
	s2 := f.append(t, block.ClassAssistant, "scratch two", "scratch")

	res, err := f.engine.Erase(2, Request{Tag: "scratch", Reason: "scratch sweep"})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	want := map[block.ID]bool{s1.ID: true, s2.ID: true}
	if len(res.Erased) != 2 || !want[res.Erased[0]] || !want[res.Erased[1]] {
		t.Fatalf("erased = %v, want %v", res.Erased, want)
	}
}

func TestEraseByRangeResolvedAtCallTime(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity") // position 0, protected
	b1 := f.append(t, block.ClassTool, "one")  // position 1
	b2 := f.append(t, block.ClassTool, "two")  // position 2
	f.append(t, block.ClassTool, "three") // position 3

	res, err := f.engine.Erase(2, Request{Range: &Range{Start: 1, End: 2}, Reason: "mid sweep"})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if len(res.Erased) != 2 || res.Erased[0] != b1.ID || res.Erased[1] != b2.ID {
		t.Fatalf("erased = %v, want [%d %d]", res.Erased, b1.ID, b2.ID)
	}
}

func TestEraseRangeCoveringProtectedRejects(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity")
	f.append(t, block.ClassTool, "one")

	if _, err := f.engine.Erase(2, Request{Range: &Range{Start: 0, End: 1}, Reason: "sweep"}); !errors.Is(err, ErrProtected) {
		t.Fatalf("err = %v, want ErrProtected", err)
	}
}

func TestEraseDropStrategySkipsSummary(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, block.ClassTool, "noise")

	res, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: "noise", Strategy: StrategyDrop})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if res.Summary != nil {
		t.Fatal("drop strategy must not append a summary block")
	}
	if f.store.Len() != 0 {
		t.Fatalf("store length = %d, want 0", f.store.Len())
	}
}

func TestEraseNoSelector(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Erase(2, Request{Reason: "nothing"}); !errors.Is(err, ErrNoSelector) {
		t.Fatalf("err = %v, want ErrNoSelector", err)
	}
}

func TestSummaryRecordsRetainedHandles(t *testing.T) {
	f := newFixture(t)
	h, err := f.store.Append(1, block.Draft{
		Class: block.ClassTool,
		Content: block.Content{Handle: &block.HandleRef{
			HandleID: "h-123", Kind: "table", SHA256: "deadbeef", Size: 4096,
		}},
	})
	if err != nil {
		t.Fatalf("append handle block: %v", err)
	}

	res, err := f.engine.Erase(2, Request{IDs: []block.ID{h.ID}, Reason: "done with table"})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	text := res.Summary.Content.Text
	if !strings.Contains(text, "h-123") || !strings.Contains(text, "deadbeef") {
		t.Fatalf("summary missing retained handle keys: %q", text)
	}
}

func TestSummaryCapApplied(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.store, f.jrnl, 40)
	a := f.append(t, block.ClassTool, strings.Repeat("z", 500))

	res, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: strings.Repeat("r", 200)})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if got := len(res.Summary.Content.Text); got > 40 {
		t.Fatalf("summary length = %d, want <= 40", got)
	}
}

func TestSummaryCapKeepsMultibyteReasonValid(t *testing.T) {
	f := newFixture(t)
	f.engine = NewEngine(f.store, f.jrnl, 40)
	a := f.append(t, block.ClassTool, strings.Repeat("z", 500))

	// Two bytes per rune; a byte-offset cut would land mid-rune and the
	// summary block would be rejected as binary after the sweep.
	res, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: strings.Repeat("α", 60)})
	if err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if res.Summary == nil {
		t.Fatal("expected a summary block")
	}
	text := res.Summary.Content.Text
	if !utf8.ValidString(text) {
		t.Fatalf("summary text is not valid UTF-8: %q", text)
	}
	if len(text) > 40 {
		t.Fatalf("summary length = %d, want <= 40", len(text))
	}
	if _, err := f.store.Get(a.ID); !errors.Is(err, block.ErrNotFound) {
		t.Fatal("target survived a successful erase")
	}
	if got := countKind(f.jrnl, journal.KindErasure); got != 1 {
		t.Fatalf("erasure journal entries = %d, want 1", got)
	}
}

func TestSummaryFailureLeavesTargetsLive(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, block.ClassTool, "scratch")

	// A closed journal makes the summary append fail. The targets must
	// still be live: a sweep is never allowed to outrun its summary.
	if err := f.jrnl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: "doomed"}); err == nil {
		t.Fatal("expected erase to fail on a closed journal")
	}
	if _, err := f.store.Get(a.ID); err != nil {
		t.Fatalf("target gone after failed erase: %v", err)
	}
}

func TestErasedContentRecoverableFromJournal(t *testing.T) {
	f := newFixture(t)
	const marker = "salient finding 97531"
	a := f.append(t, block.ClassAssistant, "conclusion: "+marker)

	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID}, Reason: "stale"}); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := f.store.Get(a.ID); !errors.Is(err, block.ErrNotFound) {
		t.Fatal("target survived erase")
	}
	var recorded bool
	for _, e := range f.jrnl.Entries() {
		if e.Kind == journal.KindBlockAppend && strings.Contains(string(e.Payload), marker) {
			recorded = true
		}
	}
	if !recorded {
		t.Fatal("erased text is not recorded in any journal entry")
	}
}

func TestJournalSingleEntryPerOperation(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, block.ClassTool, "one")
	b := f.append(t, block.ClassTool, "two")

	before := countKind(f.jrnl, journal.KindErasure)
	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{a.ID, b.ID}, Reason: "sweep"}); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if got := countKind(f.jrnl, journal.KindErasure) - before; got != 1 {
		t.Fatalf("erasure journal entries = %d, want 1", got)
	}
}

func TestRejectionIsJournaled(t *testing.T) {
	f := newFixture(t)
	u := f.append(t, block.ClassUser, "the task")

	before := countKind(f.jrnl, journal.KindErasure)
	if _, err := f.engine.Erase(2, Request{IDs: []block.ID{u.ID}, Reason: "shrink"}); !errors.Is(err, ErrProtected) {
		t.Fatalf("err = %v, want ErrProtected", err)
	}
	if got := countKind(f.jrnl, journal.KindErasure) - before; got != 1 {
		t.Fatalf("rejection journal entries = %d, want 1", got)
	}
}

func countKind(j *journal.Journal, kind journal.Kind) int {
	n := 0
	for _, e := range j.Entries() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestOldestFirstSkipsProtectedAndUnsafe(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity")
	f.append(t, block.ClassUser, "task")
	d, _ := f.store.Append(1, block.Draft{Class: block.ClassAssistant, Content: block.Content{Text: "durable"}, Durable: true})
	t1 := f.append(t, block.ClassTool, strings.Repeat("a", 400))
	t2 := f.append(t, block.ClassTool, strings.Repeat("b", 400))

	ids := OldestFirst{}.SelectTargets(f.store.Snapshot(), 150)
	for _, id := range ids {
		if id == d.ID {
			t.Fatal("policy selected unsafe durable block")
		}
	}
	if len(ids) == 0 || ids[0] != t1.ID {
		t.Fatalf("ids = %v, want oldest erasable %d first", ids, t1.ID)
	}
	_ = t2
}

func TestOldestFirstStopsWhenEnoughFreed(t *testing.T) {
	f := newFixture(t)
	a := f.append(t, block.ClassTool, strings.Repeat("a", 400)) // ~100 tokens
	f.append(t, block.ClassTool, strings.Repeat("b", 400))

	ids := OldestFirst{}.SelectTargets(f.store.Snapshot(), 50)
	if len(ids) != 1 || ids[0] != a.ID {
		t.Fatalf("ids = %v, want just [%d]", ids, a.ID)
	}
}

func TestTagPriorityPrefersConfiguredTags(t *testing.T) {
	f := newFixture(t)
	keep := f.append(t, block.ClassTool, strings.Repeat("k", 400), "finding")
	scratch := f.append(t, block.ClassTool, strings.Repeat("s", 400), "scratch")

	p := TagPriority{EraseFirst: []string{"scratch"}}
	ids := p.SelectTargets(f.store.Snapshot(), 50)
	if len(ids) != 1 || ids[0] != scratch.ID {
		t.Fatalf("ids = %v, want [%d] before %d", ids, scratch.ID, keep.ID)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	if _, err := PolicyFromConfig(config.ErasureConfig{Policy: "oldest_first"}); err != nil {
		t.Fatalf("oldest_first: %v", err)
	}
	if _, err := PolicyFromConfig(config.ErasureConfig{Policy: "tag_priority"}); err != nil {
		t.Fatalf("tag_priority: %v", err)
	}
	if _, err := PolicyFromConfig(config.ErasureConfig{Policy: "lifo"}); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestCollectReclaimsAndSummarizes(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity")
	f.append(t, block.ClassTool, strings.Repeat("a", 800))
	f.append(t, block.ClassTool, strings.Repeat("b", 800))

	res, err := f.engine.Collect(2, OldestFirst{}, 150, "budget pressure")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res == nil || len(res.Erased) == 0 {
		t.Fatal("expected collection to erase something")
	}
	if res.Summary == nil {
		t.Fatal("collection should leave a summary block")
	}
}

func TestCollectNothingErasable(t *testing.T) {
	f := newFixture(t)
	f.append(t, block.ClassSystem, "identity")
	f.append(t, block.ClassUser, "task")

	res, err := f.engine.Collect(2, OldestFirst{}, 100, "budget pressure")
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if res != nil {
		t.Fatalf("res = %+v, want nil when nothing is erasable", res)
	}
}
