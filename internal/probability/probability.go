// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package probability implements the pure token-distribution math used by
// branchlens: whitespace-insensitive deduplication of alternative tokens,
// renormalization of truncated top-K distributions, and Shannon entropy.
package probability

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

// Alternative is one candidate token with its log-probability.
type Alternative struct {
	Token   string  `json:"token"`
	LogProb float64 `json:"logprob"`
}

// DefaultAlternativeBudget is the number of alternatives offered for
// inspection at a step. Earlier experiments derived this from perplexity;
// the shipped behavior is a fixed policy value.
const DefaultAlternativeBudget = 4

// normalizeToken strips all whitespace from a token so that spellings which
// differ only by surrounding or embedded whitespace collapse to one key.
func normalizeToken(token string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, token)
}

// DedupeAlternatives merges alternatives whose text differs only by
// whitespace, summing their probability mass. The surviving display spelling
// is the first-seen raw token of each group. The result is sorted descending
// by merged probability and expressed in log space.
//
// Raw model output frequently offers near-duplicates ("foo" vs " foo") that
// are the same completion semantically and would inflate entropy otherwise.
func DedupeAlternatives(alts []Alternative) []Alternative {
	if len(alts) == 0 {
		return nil
	}

	type group struct {
		token string
		prob  float64
		order int
	}

	groups := make(map[string]*group, len(alts))
	var keys []string
	for i, alt := range alts {
		key := normalizeToken(alt.Token)
		if g, ok := groups[key]; ok {
			g.prob += math.Exp(alt.LogProb)
			continue
		}
		groups[key] = &group{token: alt.Token, prob: math.Exp(alt.LogProb), order: i}
		keys = append(keys, key)
	}

	merged := make([]Alternative, 0, len(keys))
	for _, key := range keys {
		g := groups[key]
		merged = append(merged, Alternative{Token: g.token, LogProb: math.Log(g.prob)})
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LogProb > merged[j].LogProb
	})
	return merged
}

// Renormalize rescales the (possibly truncated top-K) list so its
// probabilities sum to one, treating the list as the entire distribution.
// Entropy computed afterwards covers only the observed alternatives, not the
// full vocabulary; displayed perplexity values depend on exactly this
// approximation.
func Renormalize(alts []Alternative) []Alternative {
	if len(alts) == 0 {
		return nil
	}
	var total float64
	for _, alt := range alts {
		total += math.Exp(alt.LogProb)
	}
	out := make([]Alternative, len(alts))
	for i, alt := range alts {
		out[i] = Alternative{Token: alt.Token, LogProb: math.Log(math.Exp(alt.LogProb) / total)}
	}
	return out
}

// Entropy returns the Shannon entropy (natural log) of the given
// alternatives. Callers pass renormalized entries; a single-entry
// distribution yields zero.
func Entropy(alts []Alternative) float64 {
	var sum float64
	for _, alt := range alts {
		p := math.Exp(alt.LogProb)
		if p <= 0 {
			continue
		}
		sum -= p * math.Log(p)
	}
	if sum < 0 {
		sum = 0
	}
	return sum
}

// Perplexity converts entropy to perplexity. The view model buckets this
// into visual emphasis levels.
func Perplexity(entropy float64) float64 {
	return math.Exp(entropy)
}

// AlternativeBudget returns how many alternatives to fill for a step.
// The budget is a tunable policy value, not an entropy-derived law; it is
// clamped to the number of alternatives actually available beyond the
// chosen token.
func AlternativeBudget(configured, available int) int {
	if configured <= 0 {
		configured = DefaultAlternativeBudget
	}
	if configured > available {
		return available
	}
	return configured
}
