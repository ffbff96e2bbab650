// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package splice implements the token-splice and tail-reconciliation engine.
// Given a completion, a step index, and a replacement token, it keeps the
// causally unaffected prefix, regenerates the remainder from the splice
// point, and reconciles the regenerated tail against the original tail so
// that unchanged downstream tokens keep their original probability metadata.
package splice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"

	"github.com/traylinx/branchlens/internal/completion"
	"github.com/traylinx/branchlens/internal/provider"
)

// ErrInvalidIndex reports a step index outside the original sequence.
var ErrInvalidIndex = errors.New("splice: step index out of range")

// Completer is the slice of the provider the engine needs.
type Completer interface {
	Complete(ctx context.Context, req provider.CompletionRequest) ([]provider.Choice, error)
}

// Config tunes tail regeneration. Moderate temperature and several
// candidates diversify the resample pool so one candidate is likely to land
// near the original tail.
type Config struct {
	Model       string
	MaxTokens   int
	Candidates  int
	Temperature float64
	TopK        int
	LogProbs    int
	Stop        []string
}

// Engine performs splices against a completion provider.
type Engine struct {
	completer Completer
	cfg       Config
}

// NewEngine creates a splice engine. Zero config fields fall back to the
// reference resampling parameters.
func NewEngine(completer Completer, cfg Config) *Engine {
	if cfg.Candidates <= 0 {
		cfg.Candidates = 10
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.2
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.LogProbs <= 0 {
		cfg.LogProbs = 5
	}
	if len(cfg.Stop) == 0 {
		cfg.Stop = provider.DefaultStop
	}
	return &Engine{completer: completer, cfg: cfg}
}

// Splice replaces the token at index with replacement, regenerates the rest
// of the completion, and returns a new TokenSequence. replacementTail is the
// precomputed preview continuation for the chosen alternative; it may be
// empty. The original sequence is never mutated.
func (e *Engine) Splice(ctx context.Context, original completion.TokenSequence, index int, replacement string, replacementTail []completion.TokenStep) (completion.TokenSequence, error) {
	if index < 0 || index >= len(original.Steps) {
		return completion.TokenSequence{}, fmt.Errorf("%w: %d of %d steps", ErrInvalidIndex, index, len(original.Steps))
	}

	replaced := original.Steps[index]
	splicePos := replaced.TextOffset
	textBefore := original.Text[:splicePos]
	replacementTailText := completion.Flatten(replacementTail)

	// The original tail to reconcile against starts at the first newline at
	// or after the end of the replaced token plus the preview continuation:
	// only whole lines below the edited line are candidates for reuse, the
	// edited line itself is always regenerated.
	tailSearchFrom := splicePos + len(replaced.Token)
	tailText, tailSteps := originalTail(original, tailSearchFrom)

	prompt := original.Prompt + textBefore + replacement + replacementTailText
	choices, err := e.completer.Complete(ctx, provider.CompletionRequest{
		Prompt:      prompt,
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Stop:        e.cfg.Stop,
		Temperature: e.cfg.Temperature,
		TopK:        e.cfg.TopK,
		LogProbs:    e.cfg.LogProbs,
		N:           e.cfg.Candidates,
	})
	if err != nil {
		return completion.TokenSequence{}, fmt.Errorf("regenerate tail: %w", err)
	}
	if len(choices) == 0 {
		return completion.TokenSequence{}, errors.New("splice: provider returned no candidates")
	}

	var selected provider.Choice
	if tailText == "" {
		// Replacement ends the document: nothing to reconcile, keep the
		// freshly generated continuation verbatim.
		selected = choices[0]
	} else {
		selected = closestChoice(choices, tailText)
		selected.Steps = inheritMetadata(selected.Steps, tailSteps)
	}

	newSteps := completion.CloneSteps(original.Steps[:index])

	replacementStep := replaced
	replacementStep.Token = replacement
	newSteps = append(newSteps, replacementStep)

	base := splicePos + len(replacement)
	newSteps = append(newSteps, completion.RebaseOffsets(replacementTail, base)...)
	base += len(replacementTailText)
	newSteps = append(newSteps, completion.RebaseOffsets(selected.Steps, base)...)

	result := completion.TokenSequence{
		Prompt:  original.Prompt,
		ModelID: original.ModelID,
		Text:    textBefore + replacement + replacementTailText + selected.Text,
		Steps:   newSteps,
	}
	if err := result.Validate(); err != nil {
		return completion.TokenSequence{}, fmt.Errorf("spliced sequence invalid: %w", err)
	}
	return result, nil
}

// originalTail returns the tail text starting at the first newline at or
// after from, plus the steps whose tokens fall inside it. An empty tail
// means the edit reaches the end of the document.
func originalTail(seq completion.TokenSequence, from int) (string, []completion.TokenStep) {
	if from > len(seq.Text) {
		return "", nil
	}
	newlinePos := strings.IndexByte(seq.Text[from:], '\n')
	if newlinePos == -1 {
		return "", nil
	}
	tailStart := from + newlinePos
	var tailSteps []completion.TokenStep
	for _, step := range seq.Steps {
		if step.TextOffset >= tailStart {
			tailSteps = append(tailSteps, step)
		}
	}
	return seq.Text[tailStart:], tailSteps
}

// closestChoice picks the candidate whose text has the minimum Levenshtein
// distance to the original tail. When every distance is large this is still
// the best available approximation; the splice proceeds regardless.
func closestChoice(choices []provider.Choice, tailText string) provider.Choice {
	dmp := diffmatchpatch.New()
	best := 0
	bestDist := -1
	for i, choice := range choices {
		diffs := dmp.DiffMain(tailText, choice.Text, false)
		dist := dmp.DiffLevenshtein(diffs)
		log.Debugf("splice: candidate %d distance %d", i, dist)
		if bestDist == -1 || dist < bestDist {
			best = i
			bestDist = dist
		}
	}
	return choices[best]
}

// inheritMetadata walks the candidate steps and the original tail steps in
// lockstep; wherever the token text matches exactly, the original step's
// probability metadata replaces the freshly sampled values so unedited code
// is not presented as resampled. Mismatched steps keep their fresh metadata.
func inheritMetadata(candidate, original []completion.TokenStep) []completion.TokenStep {
	out := completion.CloneSteps(candidate)
	for i := range out {
		if i >= len(original) {
			break
		}
		if out[i].Token != original[i].Token {
			continue
		}
		out[i].LogProb = original[i].LogProb
		out[i].Entropy = original[i].Entropy
		out[i].Alternatives = original[i].Alternatives
	}
	return out
}
