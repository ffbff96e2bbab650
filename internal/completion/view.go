// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package completion

import (
	"math"

	"github.com/traylinx/branchlens/internal/probability"
)

// MaxEmphasisLevel is the top of the visual-weight scale for token
// highlights. Level 0 renders as no highlight at all.
const MaxEmphasisLevel = 4

// TokenHighlight tells the host to render one token range with a visual
// weight. Offsets are relative to the start of the completion text.
type TokenHighlight struct {
	StepIndex int  `json:"step_index"`
	Start     int  `json:"start"`
	End       int  `json:"end"`
	Emphasis  int  `json:"emphasis"`
	Dismissed bool `json:"dismissed"`
	Inspected bool `json:"inspected"`
}

// View is the derived render state for a session. Hosts draw it however
// their UI toolkit requires; branchlens never owns decoration objects.
type View struct {
	Stage           string           `json:"stage"`
	CompletionText  string           `json:"completion_text"`
	CompletionStart int              `json:"completion_start"`
	Highlights      []TokenHighlight `json:"highlights"`
	HistoryIndex    int              `json:"history_index"`
	HistoryLength   int              `json:"history_length"`
	Alternatives    []Alternative    `json:"alternatives,omitempty"`
}

// EmphasisLevel buckets a step's entropy into the 0..MaxEmphasisLevel visual
// scale via perplexity. Values below 1.2 round down to 0 to keep low-noise
// tokens unhighlighted.
func EmphasisLevel(entropy float64) int {
	level := probability.Perplexity(entropy) - 1
	if level < 0.2 {
		return 0
	}
	if level > MaxEmphasisLevel {
		return MaxEmphasisLevel
	}
	return int(math.Round(level))
}

// BuildHighlights computes the per-token highlight list for a sequence.
// dismissed is parallel to seq.Steps; inspectIndex is the step currently
// under alternative inspection, or -1. Token ranges stop at an embedded
// newline so a highlight never spans a line break.
func BuildHighlights(seq TokenSequence, dismissed []bool, inspectIndex int) []TokenHighlight {
	highlights := make([]TokenHighlight, 0, len(seq.Steps))
	for i, step := range seq.Steps {
		end := step.TextOffset + len(step.Token)
		for j, r := range step.Token {
			if r == '\n' {
				end = step.TextOffset + j
				break
			}
		}
		h := TokenHighlight{
			StepIndex: i,
			Start:     step.TextOffset,
			End:       end,
			Emphasis:  EmphasisLevel(step.Entropy),
			Inspected: i == inspectIndex,
		}
		if i < len(dismissed) && dismissed[i] {
			h.Dismissed = true
			h.Emphasis = 0
		}
		highlights = append(highlights, h)
	}
	return highlights
}
