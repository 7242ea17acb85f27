package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNormalizeGMCode(t *testing.T) {
	cat := New()
	cat.Add(Descriptor{Key: "G0", Response: "ok"})

	if d := cat.Lookup("g0"); d == nil {
		t.Fatalf("expected lowercase g0 to resolve to G0 entry")
	}
	if d := cat.Lookup("G0"); d == nil || d.Response != "ok" {
		t.Fatalf("expected G0 lookup to find descriptor")
	}
}

func TestConsoleAndHostKeysAreVerbatim(t *testing.T) {
	cat := New()
	cat.Add(Descriptor{Key: "ls", Response: ""})
	cat.Add(Descriptor{Key: "$I", Instant: true})

	if cat.Lookup("LS") != nil {
		t.Fatalf("console commands must match verbatim, not case-insensitively")
	}
	if cat.Lookup("ls") == nil {
		t.Fatalf("expected exact-case console command to resolve")
	}
	if cat.Lookup("$i") != nil {
		t.Fatalf("host commands must match verbatim")
	}
}

func TestEffectiveDelayFloor(t *testing.T) {
	d := Descriptor{TimeMS: 10}
	if got := d.EffectiveDelayMS(); got != 100 {
		t.Fatalf("expected 100ms floor, got %d", got)
	}

	d2 := Descriptor{TimeMS: 500}
	if got := d2.EffectiveDelayMS(); got != 500 {
		t.Fatalf("expected 500ms passthrough, got %d", got)
	}

	d3 := Descriptor{}
	if got := d3.EffectiveDelayMS(); got != 100 {
		t.Fatalf("expected default 100ms when time_ms absent, got %d", got)
	}
}

func TestInstantPrefixes(t *testing.T) {
	cat := New()
	cat.Add(Descriptor{Key: "?", Instant: true})
	cat.Add(Descriptor{Key: "$I", Instant: true})
	cat.Add(Descriptor{Key: "ls", Instant: false})

	prefixes := cat.InstantPrefixes()
	if _, ok := prefixes["?"]; !ok {
		t.Errorf("expected ? in instant prefixes")
	}
	if _, ok := prefixes["$I"]; !ok {
		t.Errorf("expected $I in instant prefixes")
	}
	if _, ok := prefixes["ls"]; ok {
		t.Errorf("did not expect ls in instant prefixes")
	}
}

func TestLoadFromJSON(t *testing.T) {
	cat, err := Load("testdata/commands.json")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cat.Len() == 0 {
		t.Fatalf("expected non-empty catalog")
	}
	if d := cat.Lookup("version"); d == nil || d.Response == "" {
		t.Fatalf("expected version descriptor with a response")
	}
	if d := cat.Lookup("?"); d == nil || !d.Instant || !d.DebugOutputOnly {
		t.Fatalf("expected ? to be instant and debug-logged")
	}
}

func TestLoadRejectsWhitespaceInstantKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	doc := `{"commands": [{"key": "bad key", "instant": true}]}`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected Load to reject an instant descriptor with whitespace in its key")
	}
}

func TestLoadMissingFileIsError(t *testing.T) {
	if _, err := Load("testdata/does-not-exist.json"); err == nil {
		t.Fatalf("expected error for missing catalog file")
	}
}
