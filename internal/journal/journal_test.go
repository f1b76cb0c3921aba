package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestAppendAssignsStrictlyIncreasingSeq(t *testing.T) {
	j, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var last int64
	for i := 0; i < 10; i++ {
		e, err := j.Append(i, KindModelAction, map[string]any{"i": i})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if e.Seq <= last {
			t.Fatalf("seq %d not strictly increasing after %d", e.Seq, last)
		}
		last = e.Seq
	}
}

func TestEntriesAreNeverMutated(t *testing.T) {
	j, _ := New("")
	j.Append(1, KindBlockAppend, map[string]any{"id": 1})
	j.Append(2, KindErasure, map[string]any{"id": 2})

	before := j.Entries()
	// Mutating the returned slice must not affect the journal.
	before[0].Step = 999
	before[0].Kind = KindTerminal

	after := j.Entries()
	if after[0].Step != 1 || after[0].Kind != KindBlockAppend {
		t.Error("journal entry was mutated through a reader copy")
	}
	if j.Len() != 2 {
		t.Errorf("Len = %d, want 2", j.Len())
	}
}

func TestConcurrentAppendsNeverShareSeq(t *testing.T) {
	j, _ := New("")

	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			if _, err := j.Append(i, KindToolResult, map[string]any{"i": i}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for _, e := range j.Entries() {
		if seen[e.Seq] {
			t.Fatalf("duplicate seq %d", e.Seq)
		}
		seen[e.Seq] = true
	}
	if len(seen) != n {
		t.Errorf("got %d unique seqs, want %d", len(seen), n)
	}
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	j.Append(1, KindModelAction, map[string]any{"action": "message"})
	j.Append(1, KindBudgetBreach, map[string]any{"state": "soft"})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open journal file: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d is not a valid entry: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("got %d lines, want 2", lines)
	}
}

func TestAppendAfterCloseFails(t *testing.T) {
	j, _ := New("")
	j.Close()
	if _, err := j.Append(1, KindError, nil); err != ErrClosed {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestTail(t *testing.T) {
	j, _ := New("")
	for i := 0; i < 5; i++ {
		j.Append(i, KindModelAction, i)
	}

	tail := j.Tail(2)
	if len(tail) != 2 {
		t.Fatalf("Tail(2) returned %d entries", len(tail))
	}
	if tail[0].Seq != 4 || tail[1].Seq != 5 {
		t.Errorf("Tail returned seqs %d,%d, want 4,5", tail[0].Seq, tail[1].Seq)
	}

	if got := j.Tail(100); len(got) != 5 {
		t.Errorf("Tail(100) returned %d entries, want 5", len(got))
	}
	if got := j.Tail(0); got != nil {
		t.Errorf("Tail(0) should be nil, got %v", got)
	}
}
