package shape

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFixture(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

func TestDetectKind(t *testing.T) {
	cases := []struct {
		path string
		want Kind
	}{
		{"main.go", KindTree},
		{"config.json", KindMap},
		{"config.YAML", KindMap},
		{"data.csv", KindTable},
		{"data.tsv", KindTable},
		{"image.png", KindBlob},
		{"notes", KindBlob},
	}
	for _, tc := range cases {
		if got := DetectKind(tc.path); got != tc.want {
			t.Errorf("DetectKind(%q) = %s, want %s", tc.path, got, tc.want)
		}
	}
}

func TestLoadIssuesHandleNotContent(t *testing.T) {
	l := NewLayer()
	path := writeFixture(t, "notes.txt", "hello world")

	h, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.ID == "" || h.SHA256 == "" {
		t.Fatalf("handle missing identity: %+v", h)
	}
	if h.Size != 11 {
		t.Fatalf("size = %d, want 11", h.Size)
	}
	if h.Kind != KindBlob {
		t.Fatalf("kind = %s, want blob", h.Kind)
	}

	// Two loads of the same file get distinct handles, same digest.
	h2, err := l.Load(path)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if h2.ID == h.ID {
		t.Fatal("handle ids must be unique per load")
	}
	if h2.SHA256 != h.SHA256 {
		t.Fatal("same content should hash identically")
	}
}

func TestUnknownHandle(t *testing.T) {
	l := NewLayer()
	if _, err := l.Outline("nope"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("Outline err = %v, want ErrUnknownHandle", err)
	}
	if _, err := l.Select("nope", "func:x"); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("Select err = %v, want ErrUnknownHandle", err)
	}
}

const goFixture = `package demo

type Widget struct {
	Name string
}

func Greet(name string) string {
	return "hi " + name
}

func helper() int { return 1 }
`

func TestTreeOutlineAndSelect(t *testing.T) {
	l := NewLayer()
	h, err := l.Load(writeFixture(t, "demo.go", goFixture))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outline, err := l.Outline(h.ID)
	if err != nil {
		t.Fatalf("Outline: %v", err)
	}
	want := map[string]any{
		"summary":   "tree",
		"package":   "demo",
		"functions": []string{"Greet", "helper"},
		"types":     []string{"Widget"},
	}
	if diff := cmp.Diff(want, outline); diff != "" {
		t.Fatalf("outline mismatch (-want +got):\n%s", diff)
	}

	src, err := l.Select(h.ID, "func:Greet")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	text := src.(string)
	if !strings.HasPrefix(text, "func Greet(") || !strings.Contains(text, "hi") {
		t.Fatalf("selected source = %q", text)
	}

	if _, err := l.Select(h.ID, "func:Missing"); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("missing func err = %v, want ErrSectionNotFound", err)
	}
	if _, err := l.Select(h.ID, 42); !errors.Is(err, ErrBadSelector) {
		t.Fatalf("bad selector err = %v, want ErrBadSelector", err)
	}
}

func TestTreeReplaceAndSave(t *testing.T) {
	l := NewLayer()
	path := writeFixture(t, "demo.go", goFixture)
	h, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	replacement := "func helper() int { return 2 }"
	h2, err := l.Replace(h.ID, "func:helper", replacement)
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if !h2.Dirty {
		t.Fatal("handle should be dirty after replace")
	}
	if h2.SHA256 == h.SHA256 {
		t.Fatal("digest should change after replace")
	}

	// Disk unchanged until Save.
	onDisk, _ := os.ReadFile(path)
	if strings.Contains(string(onDisk), "return 2") {
		t.Fatal("replace must not touch disk before Save")
	}

	h3, err := l.Save(h.ID)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if h3.Dirty {
		t.Fatal("handle should be clean after save")
	}
	onDisk, _ = os.ReadFile(path)
	if !strings.Contains(string(onDisk), "return 2") {
		t.Fatalf("saved content missing replacement: %s", onDisk)
	}
	if !strings.Contains(string(onDisk), "func Greet(") {
		t.Fatal("replace clobbered unrelated declarations")
	}
}

func TestMapSelectAndReplace(t *testing.T) {
	l := NewLayer()
	path := writeFixture(t, "cfg.json", `{"server":{"port":8080,"hosts":["a","b"]}}`)
	h, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outline, err := l.Outline(h.ID)
	if err != nil {
		t.Fatalf("Outline: %v", err)
	}
	if outline["summary"] != "map" {
		t.Fatalf("summary = %v", outline["summary"])
	}

	v, err := l.Select(h.ID, []any{"server", "hosts", 1})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if v != "b" {
		t.Fatalf("value = %v, want b", v)
	}

	if _, err := l.Select(h.ID, []any{"server", "missing"}); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("missing key err = %v, want ErrSectionNotFound", err)
	}

	if _, err := l.Replace(h.ID, []any{"server", "port"}, 9090); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	v, err = l.Select(h.ID, []any{"server", "port"})
	if err != nil {
		t.Fatalf("Select after replace: %v", err)
	}
	if v.(float64) != 9090 {
		t.Fatalf("port = %v, want 9090", v)
	}
}

func TestYAMLMap(t *testing.T) {
	l := NewLayer()
	h, err := l.Load(writeFixture(t, "cfg.yaml", "name: demo\nitems:\n  - one\n  - two\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, err := l.Select(h.ID, []any{"items", 0})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if v != "one" {
		t.Fatalf("value = %v, want one", v)
	}
}

func TestTableOutlineSelectReplace(t *testing.T) {
	l := NewLayer()
	path := writeFixture(t, "data.csv", "name,score\nalice,10\nbob,20\n")
	h, err := l.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outline, err := l.Outline(h.ID)
	if err != nil {
		t.Fatalf("Outline: %v", err)
	}
	if outline["row_count"] != 2 {
		t.Fatalf("row_count = %v, want 2", outline["row_count"])
	}

	v, err := l.Select(h.ID, []any{1, "score"})
	if err != nil {
		t.Fatalf("Select by name: %v", err)
	}
	if v != "20" {
		t.Fatalf("value = %v, want 20", v)
	}
	v, err = l.Select(h.ID, []any{0, 0})
	if err != nil {
		t.Fatalf("Select by index: %v", err)
	}
	if v != "alice" {
		t.Fatalf("value = %v, want alice", v)
	}

	if _, err := l.Replace(h.ID, []any{0, "score"}, 15); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	v, _ = l.Select(h.ID, []any{0, "score"})
	if v != "15" {
		t.Fatalf("value = %v, want 15", v)
	}

	if _, err := l.Select(h.ID, []any{9, 0}); !errors.Is(err, ErrSectionNotFound) {
		t.Fatalf("out of range err = %v, want ErrSectionNotFound", err)
	}
	if _, err := l.Select(h.ID, []any{0}); !errors.Is(err, ErrBadSelector) {
		t.Fatalf("short selector err = %v, want ErrBadSelector", err)
	}
}

func TestBlobIsOpaque(t *testing.T) {
	l := NewLayer()
	h, err := l.Load(writeFixture(t, "raw.bin", "\x00\x01\x02binary"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	outline, err := l.Outline(h.ID)
	if err != nil {
		t.Fatalf("Outline: %v", err)
	}
	if outline["summary"] != "blob" {
		t.Fatalf("summary = %v", outline["summary"])
	}
	if outline["sha256"] == "" {
		t.Fatal("blob outline missing digest")
	}

	if _, err := l.Select(h.ID, []any{0}); !errors.Is(err, ErrBlobOpaque) {
		t.Fatalf("Select err = %v, want ErrBlobOpaque", err)
	}
	if _, err := l.Replace(h.ID, []any{0}, "x"); !errors.Is(err, ErrBlobOpaque) {
		t.Fatalf("Replace err = %v, want ErrBlobOpaque", err)
	}

	// Binary previews never include a head sample.
	prev, err := l.Preview(h.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if _, ok := prev["head"]; ok {
		t.Fatal("binary preview leaked a head sample")
	}
}

func TestPreviewTextHeadCapped(t *testing.T) {
	l := NewLayer()
	h, err := l.Load(writeFixture(t, "big.txt", strings.Repeat("a", 4000)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	prev, err := l.Preview(h.ID)
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	head, ok := prev["head"].(string)
	if !ok {
		t.Fatal("text preview missing head sample")
	}
	if len(head) > PreviewHeadBytes {
		t.Fatalf("head length = %d, want <= %d", len(head), PreviewHeadBytes)
	}
}
