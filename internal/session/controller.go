// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/traylinx/branchlens/internal/completion"
	"github.com/traylinx/branchlens/internal/history"
	"github.com/traylinx/branchlens/internal/probability"
	"github.com/traylinx/branchlens/internal/provider"
)

// Provider is the slice of the completion backend the controller needs.
type Provider interface {
	Complete(ctx context.Context, req provider.CompletionRequest) ([]provider.Choice, error)
	Explain(ctx context.Context, existingCode, change string) (string, error)
}

// Splicer produces a new sequence with one token replaced and the tail
// regenerated and reconciled.
type Splicer interface {
	Splice(ctx context.Context, original completion.TokenSequence, index int, replacement string, replacementTail []completion.TokenStep) (completion.TokenSequence, error)
}

// Config carries the generation parameters the controller passes to the
// provider.
type Config struct {
	Model             string
	MaxTokens         int
	AlternativeBudget int
	Stop              []string
}

// Controller implements the host-facing operation set over a Session. All
// state mutations happen here, and only after the awaited provider call
// succeeds, so a failure never leaves a session partially updated.
type Controller struct {
	provider Provider
	splicer  Splicer
	cfg      Config
}

// NewController wires a controller. Zero Stop falls back to the default
// blank-line / code-fence stop set.
func NewController(p Provider, splicer Splicer, cfg Config) *Controller {
	if len(cfg.Stop) == 0 {
		cfg.Stop = provider.DefaultStop
	}
	return &Controller{provider: p, splicer: splicer, cfg: cfg}
}

// RequestCompletion captures the document as the prompt, requests the
// primary completion (deterministic: temperature 0, top_k 1), seeds history
// with it, and enters the entropy view. Prior history, if any exploration
// was abandoned mid-way, is discarded.
func (c *Controller) RequestCompletion(ctx context.Context, s *Session, document string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageIdle); err != nil {
		return err
	}

	choices, err := c.provider.Complete(ctx, provider.CompletionRequest{
		Prompt:      document,
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Stop:        c.cfg.Stop,
		Temperature: 0,
		TopK:        1,
		N:           1,
	})
	if err != nil {
		return fmt.Errorf("request completion: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(choices) == 0 {
		return ErrEmptyCompletion
	}
	choice := choices[0]
	if isBlank(choice.Text) {
		return ErrEmptyCompletion
	}

	seq := completion.TokenSequence{
		Prompt:  document,
		ModelID: c.cfg.Model,
		Text:    choice.Text,
		Steps:   choice.Steps,
	}
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("provider sequence invalid: %w", err)
	}

	s.originalContent = document
	s.resetExploration()
	s.hist.Record(seq, history.NoSplice)
	s.adopt(seq)
	s.stage = StageEntropyView
	log.Infof("session %s: completion of %d steps inserted", s.ID, len(seq.Steps))
	return nil
}

// RequestAlternatives resolves offset (relative to the completion text) to a
// step, fills previews for up to the alternative budget of that step's
// alternatives, and enters the alternatives view. Preview fills run
// concurrently with collect-all semantics: one failed fill logs and leaves
// that alternative's preview unset without failing the rest.
func (c *Controller) RequestAlternatives(ctx context.Context, s *Session, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageEntropyView); err != nil {
		return err
	}

	idx, ok := s.current.StepIndexAt(offset)
	if !ok {
		return ErrNoTokenAtPosition
	}
	step := s.current.Steps[idx]
	if len(step.Alternatives) > 1 && step.Alternatives[1].Preview != nil {
		// Already filled on an earlier visit; just reopen the view.
		s.inspectIndex = idx
		s.stage = StageAlternativesView
		return nil
	}

	budget := probability.AlternativeBudget(c.cfg.AlternativeBudget, len(step.Alternatives)-1)
	log.Debugf("session %s: filling %d alternative previews for step %d (entropy %.3f)",
		s.ID, budget, idx, step.Entropy)

	previews := c.fillPreviews(ctx, s.current, idx, budget)
	if ctx.Err() != nil {
		// Caller invalidated the request; discard everything untouched.
		return ctx.Err()
	}

	// Attach the previews to a fresh copy of the step's alternatives; the
	// sequence recorded in history stays as it was.
	steps := completion.CloneSteps(s.current.Steps)
	alts := make([]completion.Alternative, len(step.Alternatives))
	copy(alts, step.Alternatives)
	for altIdx, preview := range previews {
		if preview != nil {
			alts[altIdx].Preview = preview
		}
	}
	steps[idx].Alternatives = alts
	s.current = completion.TokenSequence{
		Prompt:  s.current.Prompt,
		ModelID: s.current.ModelID,
		Text:    s.current.Text,
		Steps:   steps,
	}
	s.inspectIndex = idx
	s.stage = StageAlternativesView
	return nil
}

// ChooseAlternative splices the inspected step's chosen alternative into the
// sequence, records the result, and returns to the entropy view. Index 0 is
// the original token and is rejected as a no-op.
func (c *Controller) ChooseAlternative(ctx context.Context, s *Session, altIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageAlternativesView); err != nil {
		return err
	}

	idx := s.inspectIndex
	if idx < 0 || idx >= len(s.current.Steps) {
		return ErrNoTokenAtPosition
	}
	step := s.current.Steps[idx]
	if altIndex < 0 || altIndex >= len(step.Alternatives) {
		return ErrInvalidAlternative
	}
	if altIndex == 0 {
		return ErrOriginalChoice
	}

	alt := step.Alternatives[altIndex]
	var previewSteps []completion.TokenStep
	if alt.Preview != nil {
		previewSteps = alt.Preview.Steps
	}

	newSeq, err := c.splicer.Splice(ctx, s.current, idx, alt.Token, previewSteps)
	if err != nil {
		return fmt.Errorf("use alternative: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.hist.Record(newSeq, idx)
	s.adopt(newSeq)
	s.stage = StageEntropyView
	log.Infof("session %s: spliced alternative %d at step %d", s.ID, altIndex, idx)
	return nil
}

// CancelAlternatives leaves the alternatives view without choosing,
// marking the inspected token dismissed so it is no longer emphasized.
// History is untouched.
func (c *Controller) CancelAlternatives(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageAlternativesView); err != nil {
		return err
	}
	if s.inspectIndex >= 0 && s.inspectIndex < len(s.dismissed) {
		s.dismissed[s.inspectIndex] = true
	}
	s.inspectIndex = NoInspection
	s.stage = StageEntropyView
	return nil
}

// Accept finalizes the completion on display into the document and ends the
// exploration session.
func (c *Controller) Accept(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageEntropyView); err != nil {
		return err
	}
	s.originalContent += s.current.Text
	s.resetExploration()
	s.stage = StageIdle
	log.Infof("session %s: completion accepted", s.ID)
	return nil
}

// Dismiss discards the exploration entirely, restoring the document to the
// content captured when the completion was requested.
func (c *Controller) Dismiss(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageEntropyView); err != nil {
		return err
	}
	s.resetExploration()
	s.stage = StageIdle
	log.Infof("session %s: completion dismissed", s.ID)
	return nil
}

// GoToHistory moves the history cursor by delta (-1 previous, +1 next) and
// puts that snapshot on display without calling the model. At either
// boundary it is a no-op with feedback.
func (c *Controller) GoToHistory(s *Session, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.allowed(StageEntropyView); err != nil {
		return err
	}
	entry, err := s.hist.Move(delta)
	if err != nil {
		return err
	}
	s.adopt(entry.Sequence)
	return nil
}

// fillPreviews generates preview continuations for alternatives 1..budget of
// the given step, concurrently, best effort. The returned map holds only
// the successful fills.
func (c *Controller) fillPreviews(ctx context.Context, seq completion.TokenSequence, stepIdx, budget int) map[int]*completion.Preview {
	step := seq.Steps[stepIdx]

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		previews = make(map[int]*completion.Preview, budget)
	)
	for i := 0; i < budget; i++ {
		altIdx := i + 1
		if altIdx >= len(step.Alternatives) {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			preview, err := c.fillPreview(ctx, seq, stepIdx, altIdx)
			if err != nil {
				log.Warnf("preview fill for alternative %d failed: %v", altIdx, err)
				return
			}
			mu.Lock()
			previews[altIdx] = preview
			mu.Unlock()
		}()
	}
	wg.Wait()
	return previews
}

// fillPreview builds one alternative's preview: a single-line continuation
// generated from the document up to the step with the alternative token
// substituted, plus a chat-model explanation of the semantic delta.
func (c *Controller) fillPreview(ctx context.Context, seq completion.TokenSequence, stepIdx, altIdx int) (*completion.Preview, error) {
	step := seq.Steps[stepIdx]
	alt := step.Alternatives[altIdx]

	text := alt.Token
	var tailSteps []completion.TokenStep
	if !strings.Contains(alt.Token, "\n") {
		prefix := seq.Text[:step.TextOffset]
		choices, err := c.provider.Complete(ctx, provider.CompletionRequest{
			Prompt:      seq.Prompt + prefix + alt.Token,
			Model:       c.cfg.Model,
			MaxTokens:   c.cfg.MaxTokens,
			Stop:        []string{"\n"},
			Temperature: 0,
			TopK:        1,
			N:           1,
		})
		if err != nil {
			return nil, err
		}
		if len(choices) == 0 {
			return nil, ErrEmptyCompletion
		}
		tail, steps := firstLine(choices[0])
		text = alt.Token + tail
		tailSteps = steps
	}
	// A newline-bearing alternative gets no continuation: the preview is
	// the token itself.

	explanation, err := c.explainChange(ctx, seq, step, text)
	if err != nil {
		// Best effort: the preview is still useful without prose.
		log.Warnf("explanation for alternative %d failed: %v", altIdx, err)
		explanation = ""
	}

	return &completion.Preview{Text: text, Steps: tailSteps, Explanation: explanation}, nil
}

// firstLine truncates a choice to the text before its first newline and the
// steps that exactly cover that text. Steps that straddle the cut are
// dropped so flattened preview steps always match the preview tail.
func firstLine(choice provider.Choice) (string, []completion.TokenStep) {
	text := choice.Text
	if pos := strings.IndexByte(text, '\n'); pos != -1 {
		text = text[:pos]
	}
	var steps []completion.TokenStep
	covered := 0
	for _, step := range completion.RebaseOffsets(choice.Steps, 0) {
		if step.TextOffset+len(step.Token) > len(text) {
			break
		}
		steps = append(steps, step)
		covered = step.TextOffset + len(step.Token)
	}
	if covered != len(text) {
		// The steps do not tile the truncated text; better no steps than
		// inconsistent ones.
		return text, nil
	}
	return text, steps
}

// explainChange asks the chat model what substituting altText on the
// current line would do.
func (c *Controller) explainChange(ctx context.Context, seq completion.TokenSequence, step completion.TokenStep, altText string) (string, error) {
	lineStart := 0
	if prev := strings.LastIndexByte(seq.Text[:step.TextOffset], '\n'); prev != -1 {
		lineStart = prev + 1
	}
	lineEnd := len(seq.Text)
	if next := strings.IndexByte(seq.Text[step.TextOffset:], '\n'); next != -1 {
		lineEnd = step.TextOffset + next
	}

	codeToLineEnd := seq.Prompt + seq.Text[:lineEnd]
	altLine := seq.Text[lineStart:step.TextOffset] + altText
	return c.provider.Explain(ctx, codeToLineEnd, altLine)
}
