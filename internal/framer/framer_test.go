package framer

import (
	"reflect"
	"testing"
)

type fakeInstants map[string]struct{}

func (f fakeInstants) InstantPrefixes() map[string]struct{} { return f }

func newTestFramer() *Framer {
	return New(fakeInstants{
		"?":  {},
		"$G": {},
		"!":  {},
	}, 0)
}

func TestLineTerminatedCommand(t *testing.T) {
	f := newTestFramer()

	toks, err := f.Feed([]byte("G0 X1 Y2\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !reflect.DeepEqual(toks, []string{"G0 X1 Y2"}) {
		t.Errorf("got %v", toks)
	}
}

func TestCRIsIgnored(t *testing.T) {
	f := newTestFramer()

	toks, err := f.Feed([]byte("G0 X1\r\n"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !reflect.DeepEqual(toks, []string{"G0 X1"}) {
		t.Errorf("got %v", toks)
	}
}

func TestInstantFiresWithoutNewline(t *testing.T) {
	f := newTestFramer()

	toks, err := f.Feed([]byte("?"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !reflect.DeepEqual(toks, []string{"?"}) {
		t.Errorf("got %v", toks)
	}
}

func TestInstantMultiByteToken(t *testing.T) {
	f := newTestFramer()

	// feed byte by byte to verify it doesn't fire early on "$"
	toks, err := f.Feed([]byte("$"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(toks) != 0 {
		t.Fatalf("expected no token yet, got %v", toks)
	}

	toks, err = f.Feed([]byte("G"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if !reflect.DeepEqual(toks, []string{"$G"}) {
		t.Errorf("got %v", toks)
	}
}

func TestMultipleTokensInOneChunk(t *testing.T) {
	f := newTestFramer()

	toks, err := f.Feed([]byte("G0 X1\nG1 Y2\n?"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"G0 X1", "G1 Y2", "?"}
	if !reflect.DeepEqual(toks, want) {
		t.Errorf("got %v want %v", toks, want)
	}
}

func TestOrderingPreservedAcrossInstantAndLineCommands(t *testing.T) {
	f := newTestFramer()

	toks, err := f.Feed([]byte("!G0 X1\n!"))
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	want := []string{"!", "G0 X1", "!"}
	if !reflect.DeepEqual(toks, want) {
		t.Errorf("got %v want %v", toks, want)
	}
}

func TestOverlongLineIsRejected(t *testing.T) {
	f := New(fakeInstants{}, 8)

	_, err := f.Feed([]byte("0123456789"))
	if err == nil {
		t.Fatalf("expected overlong-line error")
	}
}
