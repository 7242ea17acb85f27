// Copyright 2015-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package framer turns a raw byte stream from a connection into
// discrete command tokens, the way pkg/minicli's input reader turns a
// line-oriented stream into complete commands before they ever reach
// the trie-based lookup. Two framing rules apply here instead of one:
// most commands are newline-terminated text; a small set of
// instant host commands (those the catalog marks instant, such as "?"
// and "$I") take effect
// the moment their exact byte sequence appears, with no newline at
// all.
package framer

import (
	"fmt"
)

// InstantSet reports whether a token is an instant command taking
// effect without a newline. internal/catalog.Catalog satisfies this.
type InstantSet interface {
	InstantPrefixes() map[string]struct{}
}

// Framer accumulates bytes from a connection and yields complete
// command tokens as they become recognizable.
type Framer struct {
	instants map[string]struct{}
	maxLen   int

	buf []byte
}

// New builds a Framer that recognizes the instant tokens in set.
// maxLen bounds how large a single buffered, not-yet-terminated line
// may grow before Feed returns an error (a crude guard against a
// client that never sends a newline).
func New(set InstantSet, maxLen int) *Framer {
	if maxLen <= 0 {
		maxLen = 4096
	}
	return &Framer{instants: set.InstantPrefixes(), maxLen: maxLen}
}

// Feed appends newly read bytes and returns every complete command
// token they produced, in arrival order. CR bytes are dropped
// entirely; they are not significant framing characters in this
// protocol. An instant token fires as soon as its exact bytes have
// accumulated, even mid-buffer, without waiting for a newline.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	var tokens []string

	for _, b := range chunk {
		if b == '\r' {
			continue
		}

		if b == '\n' {
			if len(f.buf) > 0 {
				tokens = append(tokens, string(f.buf))
				f.buf = f.buf[:0]
			}
			continue
		}

		f.buf = append(f.buf, b)

		if tok, ok := f.matchInstant(); ok {
			tokens = append(tokens, tok)
			f.buf = f.buf[:0]
			continue
		}

		if len(f.buf) > f.maxLen {
			f.buf = f.buf[:0]
			return tokens, fmt.Errorf("line exceeds %d bytes without termination", f.maxLen)
		}
	}

	return tokens, nil
}

// matchInstant reports whether the current buffer exactly equals one
// of the registered instant tokens.
func (f *Framer) matchInstant() (string, bool) {
	s := string(f.buf)
	if _, ok := f.instants[s]; ok {
		return s, true
	}
	return "", false
}

// Pending returns the bytes accumulated so far for an as-yet
// unterminated line, for diagnostics.
func (f *Framer) Pending() []byte {
	return f.buf
}
