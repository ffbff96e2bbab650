// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package completion defines the immutable data model for one explored
// completion: an ordered sequence of token steps, each carrying probability
// metadata and a ranked list of alternative tokens.
package completion

import (
	"fmt"
	"strings"
)

// Preview is the lazily generated continuation for an inspected alternative:
// the single-line tail text that would follow the alternative token, the
// steps backing it, and a short natural-language explanation of the change.
type Preview struct {
	Text        string      `json:"text"`
	Steps       []TokenStep `json:"steps,omitempty"`
	Explanation string      `json:"explanation"`
}

// Alternative is one candidate token at a step. Preview stays nil until the
// user inspects the step; nil is an expected state, not an error.
type Alternative struct {
	Token   string   `json:"token"`
	LogProb float64  `json:"logprob"`
	Preview *Preview `json:"preview,omitempty"`
}

// TokenStep is one generated token plus its probability metadata.
// Alternatives are sorted descending by log-probability and deduplicated by
// whitespace-insensitive equality; element 0 is always the chosen token.
type TokenStep struct {
	TextOffset   int           `json:"text_offset"`
	Token        string        `json:"token"`
	LogProb      float64       `json:"logprob"`
	Entropy      float64       `json:"entropy"`
	Alternatives []Alternative `json:"top_logprobs"`
}

// TokenSequence is one completion: the prompt the model saw, the model used,
// the completion text, and the per-token steps. Values are immutable once
// recorded in history; splicing produces a new TokenSequence.
type TokenSequence struct {
	Prompt  string      `json:"prompt"`
	ModelID string      `json:"model_id"`
	Text    string      `json:"text"`
	Steps   []TokenStep `json:"steps"`
}

// Validate checks the structural invariants: offsets start at zero, each
// step begins where the previous one ended, and the concatenated step tokens
// equal the completion text.
func (s TokenSequence) Validate() error {
	offset := 0
	var b strings.Builder
	for i, step := range s.Steps {
		if step.TextOffset != offset {
			return fmt.Errorf("step %d: text offset %d, want %d", i, step.TextOffset, offset)
		}
		offset += len(step.Token)
		b.WriteString(step.Token)
	}
	if b.String() != s.Text {
		return fmt.Errorf("step tokens do not concatenate to completion text")
	}
	if s.Text != "" && len(s.Steps) == 0 {
		return fmt.Errorf("non-empty text with no steps")
	}
	return nil
}

// StepIndexAt resolves a completion-text offset to the step whose token
// covers it. Returns false when the offset lands outside every step.
func (s TokenSequence) StepIndexAt(offset int) (int, bool) {
	for i, step := range s.Steps {
		if offset >= step.TextOffset && offset < step.TextOffset+len(step.Token) {
			return i, true
		}
	}
	return 0, false
}

// CloneSteps returns a shallow copy of the step slice so callers can build a
// new sequence without aliasing the original's backing array.
func CloneSteps(steps []TokenStep) []TokenStep {
	out := make([]TokenStep, len(steps))
	copy(out, steps)
	return out
}

// Flatten concatenates the token text of the given steps.
func Flatten(steps []TokenStep) string {
	var b strings.Builder
	for _, step := range steps {
		b.WriteString(step.Token)
	}
	return b.String()
}

// RebaseOffsets returns a copy of steps with text offsets rewritten to run
// contiguously from base. Used when grafting steps into a new sequence.
func RebaseOffsets(steps []TokenStep, base int) []TokenStep {
	out := make([]TokenStep, len(steps))
	offset := base
	for i, step := range steps {
		out[i] = step
		out[i].TextOffset = offset
		offset += len(step.Token)
	}
	return out
}
