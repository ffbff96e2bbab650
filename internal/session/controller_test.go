// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/branchlens/internal/completion"
	"github.com/traylinx/branchlens/internal/history"
	"github.com/traylinx/branchlens/internal/provider"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []provider.CompletionRequest

	complete func(req provider.CompletionRequest) ([]provider.Choice, error)
	explain  func(existingCode, change string) (string, error)
}

func (f *fakeProvider) Complete(_ context.Context, req provider.CompletionRequest) ([]provider.Choice, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.complete(req)
}

func (f *fakeProvider) Explain(_ context.Context, existingCode, change string) (string, error) {
	if f.explain == nil {
		return "explained", nil
	}
	return f.explain(existingCode, change)
}

func (f *fakeProvider) completionCalls() []provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.CompletionRequest(nil), f.requests...)
}

type fakeSplicer struct {
	result completion.TokenSequence
	err    error

	gotIndex       int
	gotReplacement string
	gotTail        []completion.TokenStep
}

func (f *fakeSplicer) Splice(_ context.Context, _ completion.TokenSequence, index int, replacement string, tail []completion.TokenStep) (completion.TokenSequence, error) {
	f.gotIndex = index
	f.gotReplacement = replacement
	f.gotTail = tail
	if f.err != nil {
		return completion.TokenSequence{}, f.err
	}
	return f.result, nil
}

// choiceOf builds a provider choice from contiguous tokens, giving each
// token itself as its only alternative.
func choiceOf(tokens ...string) provider.Choice {
	var (
		steps  []completion.TokenStep
		offset int
		text   strings.Builder
	)
	for _, tok := range tokens {
		steps = append(steps, completion.TokenStep{
			TextOffset:   offset,
			Token:        tok,
			LogProb:      -0.1,
			Alternatives: []completion.Alternative{{Token: tok, LogProb: -0.1}},
		})
		offset += len(tok)
		text.WriteString(tok)
	}
	return provider.Choice{Text: text.String(), Steps: steps}
}

func staticCompleter(choice provider.Choice) func(provider.CompletionRequest) ([]provider.Choice, error) {
	return func(provider.CompletionRequest) ([]provider.Choice, error) {
		return []provider.Choice{choice}, nil
	}
}

func newTestController(p Provider, sp Splicer) *Controller {
	return NewController(p, sp, Config{
		Model:             "test-model",
		MaxTokens:         64,
		AlternativeBudget: 4,
	})
}

func TestRequestCompletion_EntersEntropyView(t *testing.T) {
	fp := &fakeProvider{complete: staticCompleter(choiceOf("x", " = ", "1"))}
	ctl := newTestController(fp, &fakeSplicer{})
	s := NewSession("s1")

	err := ctl.RequestCompletion(context.Background(), s, "let ")
	require.NoError(t, err)

	assert.Equal(t, StageEntropyView, s.Stage())
	assert.Equal(t, "let x = 1", s.Document())

	view := s.View()
	assert.Equal(t, "entropy_view", view.Stage)
	assert.Equal(t, 1, view.HistoryLength)
	assert.Equal(t, 0, view.HistoryIndex)
	assert.Equal(t, len("let "), view.CompletionStart)

	calls := fp.completionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "let ", calls[0].Prompt)
	assert.Zero(t, calls[0].Temperature)
	assert.Equal(t, 1, calls[0].TopK)
	assert.Equal(t, 1, calls[0].N)
}

func TestRequestCompletion_BlankResultStaysIdle(t *testing.T) {
	fp := &fakeProvider{complete: staticCompleter(provider.Choice{
		Text:  "  \n\t",
		Steps: []completion.TokenStep{{Token: "  \n\t", Alternatives: []completion.Alternative{{Token: "  \n\t", LogProb: -0.1}}}},
	})}
	ctl := newTestController(fp, &fakeSplicer{})
	s := NewSession("s1")

	err := ctl.RequestCompletion(context.Background(), s, "doc")
	require.ErrorIs(t, err, ErrEmptyCompletion)
	assert.Equal(t, StageIdle, s.Stage())
	assert.Equal(t, "doc", s.Document())
}

func TestRequestCompletion_ProviderErrorStaysIdle(t *testing.T) {
	boom := errors.New("backend down")
	fp := &fakeProvider{complete: func(provider.CompletionRequest) ([]provider.Choice, error) {
		return nil, boom
	}}
	ctl := newTestController(fp, &fakeSplicer{})
	s := NewSession("s1")

	err := ctl.RequestCompletion(context.Background(), s, "doc")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StageIdle, s.Stage())
}

func TestStageGating(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProvider{complete: staticCompleter(choiceOf("a"))}
	ctl := newTestController(fp, &fakeSplicer{})

	t.Run("idle rejects everything but a completion request", func(t *testing.T) {
		s := NewSession("s1")
		assert.ErrorIs(t, ctl.RequestAlternatives(ctx, s, 0), ErrStageViolation)
		assert.ErrorIs(t, ctl.ChooseAlternative(ctx, s, 1), ErrStageViolation)
		assert.ErrorIs(t, ctl.CancelAlternatives(s), ErrStageViolation)
		assert.ErrorIs(t, ctl.Accept(s), ErrStageViolation)
		assert.ErrorIs(t, ctl.Dismiss(s), ErrStageViolation)
		assert.ErrorIs(t, ctl.GoToHistory(s, -1), ErrStageViolation)
		assert.Equal(t, StageIdle, s.Stage())
	})

	t.Run("entropy view rejects a second completion request", func(t *testing.T) {
		s := NewSession("s2")
		require.NoError(t, ctl.RequestCompletion(ctx, s, "doc"))
		assert.ErrorIs(t, ctl.RequestCompletion(ctx, s, "doc"), ErrStageViolation)
		assert.ErrorIs(t, ctl.ChooseAlternative(ctx, s, 1), ErrStageViolation)
		assert.ErrorIs(t, ctl.CancelAlternatives(s), ErrStageViolation)
	})
}

// inspectableChoice is a two-token completion whose first token carries four
// ranked alternatives besides itself.
func inspectableChoice() provider.Choice {
	choice := choiceOf("+", " b")
	choice.Steps[0].Entropy = 1.2
	choice.Steps[0].Alternatives = []completion.Alternative{
		{Token: "+", LogProb: -0.3},
		{Token: "-", LogProb: -1.6},
		{Token: "*", LogProb: -2.4},
		{Token: "/", LogProb: -3.1},
		{Token: "\n", LogProb: -3.9},
	}
	return choice
}

func sessionInEntropyView(t *testing.T, fp *fakeProvider, ctl *Controller) *Session {
	t.Helper()
	s := NewSession("s")
	require.NoError(t, ctl.RequestCompletion(context.Background(), s, "a "))
	return s
}

func TestRequestAlternatives_FillsPreviews(t *testing.T) {
	fp := &fakeProvider{}
	fp.complete = func(req provider.CompletionRequest) ([]provider.Choice, error) {
		if req.TopK == 1 && len(req.Stop) == 1 && req.Stop[0] == "\n" {
			// Single-line continuation for an alternative preview.
			return []provider.Choice{choiceOf(" c", "\n")}, nil
		}
		return []provider.Choice{inspectableChoice()}, nil
	}
	ctl := newTestController(fp, &fakeSplicer{})
	s := sessionInEntropyView(t, fp, ctl)

	require.NoError(t, ctl.RequestAlternatives(context.Background(), s, 0))
	assert.Equal(t, StageAlternativesView, s.Stage())

	view := s.View()
	require.Len(t, view.Alternatives, 5)
	assert.Nil(t, view.Alternatives[0].Preview, "the original token needs no preview")
	for i := 1; i <= 3; i++ {
		require.NotNil(t, view.Alternatives[i].Preview, "alternative %d", i)
		assert.Equal(t, view.Alternatives[i].Token+" c", view.Alternatives[i].Preview.Text)
		assert.Equal(t, "explained", view.Alternatives[i].Preview.Explanation)
	}

	// The newline alternative gets no continuation call; its preview is the
	// token itself.
	require.NotNil(t, view.Alternatives[4].Preview)
	assert.Equal(t, "\n", view.Alternatives[4].Preview.Text)
	assert.Empty(t, view.Alternatives[4].Preview.Steps)
}

func TestRequestAlternatives_SecondVisitSkipsRefill(t *testing.T) {
	fp := &fakeProvider{}
	fp.complete = func(req provider.CompletionRequest) ([]provider.Choice, error) {
		if len(req.Stop) == 1 && req.Stop[0] == "\n" {
			return []provider.Choice{choiceOf(" c")}, nil
		}
		return []provider.Choice{inspectableChoice()}, nil
	}
	ctl := newTestController(fp, &fakeSplicer{})
	s := sessionInEntropyView(t, fp, ctl)

	require.NoError(t, ctl.RequestAlternatives(context.Background(), s, 0))
	filled := len(fp.completionCalls())

	require.NoError(t, ctl.CancelAlternatives(s))
	require.NoError(t, ctl.RequestAlternatives(context.Background(), s, 0))

	assert.Equal(t, filled, len(fp.completionCalls()), "previews must not be regenerated")
	assert.Equal(t, StageAlternativesView, s.Stage())
}

func TestRequestAlternatives_PartialFailureKeepsTheRest(t *testing.T) {
	fp := &fakeProvider{}
	fp.complete = func(req provider.CompletionRequest) ([]provider.Choice, error) {
		switch {
		case len(req.Stop) != 1 || req.Stop[0] != "\n":
			return []provider.Choice{inspectableChoice()}, nil
		case strings.HasSuffix(req.Prompt, "*") || strings.HasSuffix(req.Prompt, "/"):
			return nil, errors.New("rate limited")
		default:
			return []provider.Choice{choiceOf(" c")}, nil
		}
	}
	ctl := newTestController(fp, &fakeSplicer{})
	s := sessionInEntropyView(t, fp, ctl)

	err := ctl.RequestAlternatives(context.Background(), s, 0)
	require.NoError(t, err, "one failed preview must not fail the request")

	view := s.View()
	require.Len(t, view.Alternatives, 5)
	assert.NotNil(t, view.Alternatives[1].Preview)
	assert.Nil(t, view.Alternatives[2].Preview)
	assert.Nil(t, view.Alternatives[3].Preview)
	assert.NotNil(t, view.Alternatives[4].Preview)
}

func TestRequestAlternatives_NoTokenAtPosition(t *testing.T) {
	fp := &fakeProvider{complete: staticCompleter(inspectableChoice())}
	ctl := newTestController(fp, &fakeSplicer{})
	s := sessionInEntropyView(t, fp, ctl)

	err := ctl.RequestAlternatives(context.Background(), s, 99)
	require.ErrorIs(t, err, ErrNoTokenAtPosition)
	assert.Equal(t, StageEntropyView, s.Stage())
}

func TestRequestAlternatives_ExplanationFailureKeepsPreview(t *testing.T) {
	fp := &fakeProvider{explain: func(string, string) (string, error) {
		return "", errors.New("chat model unavailable")
	}}
	fp.complete = func(req provider.CompletionRequest) ([]provider.Choice, error) {
		if len(req.Stop) == 1 && req.Stop[0] == "\n" {
			return []provider.Choice{choiceOf(" c")}, nil
		}
		return []provider.Choice{inspectableChoice()}, nil
	}
	ctl := newTestController(fp, &fakeSplicer{})
	s := sessionInEntropyView(t, fp, ctl)

	require.NoError(t, ctl.RequestAlternatives(context.Background(), s, 0))

	view := s.View()
	require.NotNil(t, view.Alternatives[1].Preview)
	assert.Equal(t, "- c", view.Alternatives[1].Preview.Text)
	assert.Empty(t, view.Alternatives[1].Preview.Explanation)
}

func sessionInAlternativesView(t *testing.T, sp Splicer) (*Session, *Controller) {
	t.Helper()
	fp := &fakeProvider{}
	fp.complete = func(req provider.CompletionRequest) ([]provider.Choice, error) {
		if len(req.Stop) == 1 && req.Stop[0] == "\n" {
			return []provider.Choice{choiceOf(" c")}, nil
		}
		return []provider.Choice{inspectableChoice()}, nil
	}
	ctl := newTestController(fp, sp)
	s := sessionInEntropyView(t, fp, ctl)
	require.NoError(t, ctl.RequestAlternatives(context.Background(), s, 0))
	return s, ctl
}

func TestChooseAlternative_SplicesAndRecords(t *testing.T) {
	spliced := completion.TokenSequence{
		Prompt: "a ", ModelID: "test-model", Text: "- c",
		Steps: []completion.TokenStep{
			{TextOffset: 0, Token: "-", Alternatives: []completion.Alternative{{Token: "-", LogProb: -1.6}}},
			{TextOffset: 1, Token: " c", Alternatives: []completion.Alternative{{Token: " c", LogProb: -0.1}}},
		},
	}
	sp := &fakeSplicer{result: spliced}
	s, ctl := sessionInAlternativesView(t, sp)

	require.NoError(t, ctl.ChooseAlternative(context.Background(), s, 1))

	assert.Equal(t, StageEntropyView, s.Stage())
	assert.Equal(t, "a - c", s.Document())
	assert.Equal(t, 0, sp.gotIndex)
	assert.Equal(t, "-", sp.gotReplacement)

	view := s.View()
	assert.Equal(t, 2, view.HistoryLength)
	assert.Equal(t, 1, view.HistoryIndex)
}

func TestChooseAlternative_OriginalIsRejected(t *testing.T) {
	s, ctl := sessionInAlternativesView(t, &fakeSplicer{})

	err := ctl.ChooseAlternative(context.Background(), s, 0)
	require.ErrorIs(t, err, ErrOriginalChoice)
	assert.Equal(t, StageAlternativesView, s.Stage())
	assert.Equal(t, 1, s.View().HistoryLength)
}

func TestChooseAlternative_OutOfRange(t *testing.T) {
	s, ctl := sessionInAlternativesView(t, &fakeSplicer{})

	err := ctl.ChooseAlternative(context.Background(), s, 17)
	require.ErrorIs(t, err, ErrInvalidAlternative)
	assert.Equal(t, StageAlternativesView, s.Stage())
}

func TestChooseAlternative_SpliceFailureKeepsState(t *testing.T) {
	boom := errors.New("resample failed")
	s, ctl := sessionInAlternativesView(t, &fakeSplicer{err: boom})

	err := ctl.ChooseAlternative(context.Background(), s, 1)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, StageAlternativesView, s.Stage())
	assert.Equal(t, "a + b", s.Document())
	assert.Equal(t, 1, s.View().HistoryLength)
}

func TestCancelAlternatives_DismissesToken(t *testing.T) {
	s, ctl := sessionInAlternativesView(t, &fakeSplicer{})

	require.NoError(t, ctl.CancelAlternatives(s))
	assert.Equal(t, StageEntropyView, s.Stage())

	view := s.View()
	assert.Equal(t, 1, view.HistoryLength, "cancel must not touch history")
	require.NotEmpty(t, view.Highlights)
	first := view.Highlights[0]
	assert.True(t, first.Dismissed)
	assert.Equal(t, 0, first.Emphasis)
}

func TestAccept_FinalizesDocument(t *testing.T) {
	fp := &fakeProvider{complete: staticCompleter(choiceOf("x", " = ", "1"))}
	ctl := newTestController(fp, &fakeSplicer{})
	s := NewSession("s1")
	require.NoError(t, ctl.RequestCompletion(context.Background(), s, "let "))

	require.NoError(t, ctl.Accept(s))
	assert.Equal(t, StageIdle, s.Stage())
	assert.Equal(t, "let x = 1", s.Document())
	assert.Equal(t, 0, s.View().HistoryLength)
}

func TestDismiss_RestoresDocument(t *testing.T) {
	fp := &fakeProvider{complete: staticCompleter(choiceOf("x"))}
	ctl := newTestController(fp, &fakeSplicer{})
	s := NewSession("s1")
	require.NoError(t, ctl.RequestCompletion(context.Background(), s, "let "))

	require.NoError(t, ctl.Dismiss(s))
	assert.Equal(t, StageIdle, s.Stage())
	assert.Equal(t, "let ", s.Document())
}

func TestGoToHistory_NavigatesWithoutModelCalls(t *testing.T) {
	spliced := completion.TokenSequence{
		Prompt: "a ", ModelID: "test-model", Text: "- c",
		Steps: []completion.TokenStep{
			{TextOffset: 0, Token: "- c", Alternatives: []completion.Alternative{{Token: "- c", LogProb: -0.1}}},
		},
	}
	s, ctl := sessionInAlternativesView(t, &fakeSplicer{result: spliced})

	require.NoError(t, ctl.ChooseAlternative(context.Background(), s, 1))
	assert.Equal(t, "a - c", s.Document())

	require.NoError(t, ctl.GoToHistory(s, -1))
	assert.Equal(t, "a + b", s.Document())
	assert.Equal(t, 0, s.View().HistoryIndex)

	// Past the oldest snapshot: feedback, no state change.
	err := ctl.GoToHistory(s, -1)
	require.ErrorIs(t, err, history.ErrAtBoundary)
	assert.Equal(t, "a + b", s.Document())

	require.NoError(t, ctl.GoToHistory(s, 1))
	assert.Equal(t, "a - c", s.Document())

	err = ctl.GoToHistory(s, 1)
	require.ErrorIs(t, err, history.ErrAtBoundary)
	assert.Equal(t, "a - c", s.Document())
}
