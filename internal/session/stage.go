// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import "errors"

// Stage is the phase of the exploration workflow. Exactly one stage is
// active per session; every operation declares the stages it may run in and
// is rejected elsewhere with ErrStageViolation.
type Stage int

const (
	// StageIdle: no completion is being explored. The only legal operation
	// is requesting a fresh completion.
	StageIdle Stage = iota
	// StageEntropyView: a completion is inserted and its token uncertainty
	// is visualized. Alternatives can be requested, history navigated, and
	// the completion accepted or dismissed.
	StageEntropyView
	// StageAlternativesView: one token's alternatives are on display. The
	// user picks one or cancels back to the entropy view.
	StageAlternativesView
)

// String returns the wire name of the stage.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageEntropyView:
		return "entropy_view"
	case StageAlternativesView:
		return "alternatives_view"
	default:
		return "unknown"
	}
}

// ErrStageViolation rejects an operation invoked in a stage that does not
// allow it. Always a no-op with user feedback, never a crash.
var ErrStageViolation = errors.New("cannot perform this action now")

// allowed returns nil when the session's stage is in the operation's
// allowed set.
func (s *Session) allowed(stages ...Stage) error {
	for _, stage := range stages {
		if s.stage == stage {
			return nil
		}
	}
	return ErrStageViolation
}
