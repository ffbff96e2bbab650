// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package history keeps the append-only, cursor-navigable log of completion
// states for one exploration session. History spans a single "explore this
// completion" session: starting a new completion or leaving the exploration
// discards it.
package history

import (
	"errors"

	"github.com/traylinx/branchlens/internal/completion"
)

// NoSplice marks an entry recorded from a fresh model completion rather
// than a splice.
const NoSplice = -1

// ErrAtBoundary reports a navigation step past either end of the log. It is
// feedback, not a failure; the cursor does not move.
var ErrAtBoundary = errors.New("history: no entry in that direction")

// ErrEmpty reports navigation or reads on an empty history.
var ErrEmpty = errors.New("history: empty")

// Entry is one recorded completion state. SplicedIndex is the step that was
// replaced to produce this state, or NoSplice for entry 0.
type Entry struct {
	Sequence     completion.TokenSequence
	SplicedIndex int
}

// History is an append-only log with a movable cursor. Not safe for
// concurrent use; the owning session serializes access.
type History struct {
	entries []Entry
	cursor  int
}

// New returns an empty history.
func New() *History {
	return &History{cursor: -1}
}

// Record appends a new state and moves the cursor to it.
func (h *History) Record(seq completion.TokenSequence, splicedIndex int) {
	h.entries = append(h.entries, Entry{Sequence: seq, SplicedIndex: splicedIndex})
	h.cursor = len(h.entries) - 1
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	return len(h.entries)
}

// Cursor returns the current cursor position, -1 when empty.
func (h *History) Cursor() int {
	return h.cursor
}

// Current returns the entry at the cursor.
func (h *History) Current() (Entry, error) {
	if len(h.entries) == 0 {
		return Entry{}, ErrEmpty
	}
	return h.entries[h.cursor], nil
}

// Move shifts the cursor by delta (-1 or +1) and returns the entry there.
// At either boundary the cursor stays put and ErrAtBoundary is returned.
func (h *History) Move(delta int) (Entry, error) {
	if len(h.entries) == 0 {
		return Entry{}, ErrEmpty
	}
	next := h.cursor + delta
	if next < 0 || next >= len(h.entries) {
		return Entry{}, ErrAtBoundary
	}
	h.cursor = next
	return h.entries[h.cursor], nil
}

// Clear discards all entries and resets the cursor.
func (h *History) Clear() {
	h.entries = nil
	h.cursor = -1
}
