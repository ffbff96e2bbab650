// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session owns the per-document exploration state and orchestrates
// the completion provider, splice engine, and history into the operation set
// the host surface exposes. A Session is an explicit value per document;
// nothing here is process-global.
package session

import (
	"errors"
	"strings"
	"sync"

	"github.com/traylinx/branchlens/internal/completion"
	"github.com/traylinx/branchlens/internal/history"
)

// NoInspection is the inspect index when no token is under alternative
// inspection.
const NoInspection = -1

// ErrNoTokenAtPosition reports a position that does not land inside any
// step's text range. This arises from ordinary UI races and is feedback,
// not a failure.
var ErrNoTokenAtPosition = errors.New("no completion token at that position")

// ErrInvalidAlternative reports an alternative index outside the inspected
// step's list.
var ErrInvalidAlternative = errors.New("no such alternative")

// ErrOriginalChoice reports selection of alternative 0, which is the token
// already in place; choosing it is a no-op.
var ErrOriginalChoice = errors.New("alternative 0 is the original token")

// ErrEmptyCompletion reports a completion whose text is empty or all
// whitespace.
var ErrEmptyCompletion = errors.New("no completion received")

// Session is the mutable exploration state for one document. It is owned by
// the Controller: the splice engine, probability model, and provider adapter
// never touch it directly. The mutex serializes operations so a second
// mutating operation cannot start while one is in flight.
type Session struct {
	ID string

	mu              sync.Mutex
	stage           Stage
	originalContent string
	current         completion.TokenSequence
	dismissed       []bool
	inspectIndex    int
	hist            *history.History
}

// NewSession creates an idle session for one document.
func NewSession(id string) *Session {
	return &Session{
		ID:           id,
		stage:        StageIdle,
		inspectIndex: NoInspection,
		hist:         history.New(),
	}
}

// Stage returns the session's current stage.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Document returns the full document text as the host should currently
// display it: the captured original content plus, while exploring, the
// completion at the history cursor.
func (s *Session) Document() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.documentLocked()
}

func (s *Session) documentLocked() string {
	if s.stage == StageIdle {
		return s.originalContent
	}
	return s.originalContent + s.current.Text
}

// View builds the derived render state for the session. It is a pure
// function of session state; the host redraws from it after every
// operation.
func (s *Session) View() completion.View {
	s.mu.Lock()
	defer s.mu.Unlock()

	view := completion.View{
		Stage:           s.stage.String(),
		CompletionStart: len(s.originalContent),
		HistoryIndex:    s.hist.Cursor(),
		HistoryLength:   s.hist.Len(),
	}
	if s.stage == StageIdle {
		return view
	}
	view.CompletionText = s.current.Text
	view.Highlights = completion.BuildHighlights(s.current, s.dismissed, s.inspectIndex)
	if s.stage == StageAlternativesView && s.inspectIndex >= 0 && s.inspectIndex < len(s.current.Steps) {
		view.Alternatives = s.current.Steps[s.inspectIndex].Alternatives
	}
	return view
}

// resetExploration clears everything that belongs to the current
// exploration session.
func (s *Session) resetExploration() {
	s.hist.Clear()
	s.current = completion.TokenSequence{}
	s.dismissed = nil
	s.inspectIndex = NoInspection
}

// adopt installs a sequence as the one on display, resetting per-token
// flags to match its step count.
func (s *Session) adopt(seq completion.TokenSequence) {
	s.current = seq
	s.dismissed = make([]bool, len(seq.Steps))
	s.inspectIndex = NoInspection
}

// isBlank reports whether a completion text carries no visible content.
func isBlank(text string) bool {
	return strings.TrimSpace(text) == ""
}
