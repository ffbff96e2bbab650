// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package probability

import (
	"fmt"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genAlternatives builds a distribution of alternatives with random
// log-probabilities and token spellings drawn from a small pool so that
// whitespace-variant collisions actually occur.
func genAlternatives() gopter.Gen {
	tokenGen := gen.OneConstOf("a", " a", "a ", "b", " b", "foo", "foo ", "\tfoo", "bar")
	return gen.SliceOf(gopter.CombineGens(
		tokenGen,
		gen.Float64Range(-10, -0.01),
	).Map(func(vals []interface{}) Alternative {
		return Alternative{Token: vals[0].(string), LogProb: vals[1].(float64)}
	}))
}

func TestProperty_DedupeIdempotent(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("dedupe(dedupe(x)) == dedupe(x)", prop.ForAll(
		func(alts []Alternative) bool {
			once := DedupeAlternatives(alts)
			twice := DedupeAlternatives(once)
			if len(once) != len(twice) {
				return false
			}
			for i := range once {
				if once[i].Token != twice[i].Token {
					return false
				}
				if math.Abs(once[i].LogProb-twice[i].LogProb) > 1e-9 {
					return false
				}
			}
			return true
		},
		genAlternatives(),
	))

	properties.TestingRun(t)
}

func TestProperty_RenormalizeMassIsOne(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("renormalized probabilities sum to 1", prop.ForAll(
		func(alts []Alternative) bool {
			if len(alts) == 0 {
				return Renormalize(alts) == nil
			}
			var total float64
			for _, alt := range Renormalize(alts) {
				total += math.Exp(alt.LogProb)
			}
			return math.Abs(total-1.0) < 1e-9
		},
		genAlternatives(),
	))

	properties.TestingRun(t)
}

func TestProperty_EntropyBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("0 <= entropy <= ln(K) after dedupe+renormalize", prop.ForAll(
		func(alts []Alternative) bool {
			merged := Renormalize(DedupeAlternatives(alts))
			if len(merged) == 0 {
				return true
			}
			h := Entropy(merged)
			if h < -1e-12 {
				return false
			}
			// ln(K) is the maximum, reached only for equiprobable entries.
			return h <= math.Log(float64(len(merged)))+1e-9
		},
		genAlternatives(),
	))

	properties.Property("entropy is zero iff one distinct alternative survives", prop.ForAll(
		func(n int) bool {
			// n whitespace-variants of the same token always collapse to one
			// entry, whose entropy must be exactly zero.
			variants := []string{"tok", " tok", "tok ", "\ttok"}
			alts := make([]Alternative, n)
			for i := range alts {
				alts[i] = Alternative{Token: variants[i%len(variants)], LogProb: float64(-1 - i)}
			}
			merged := Renormalize(DedupeAlternatives(alts))
			if len(merged) != 1 {
				return false
			}
			return Entropy(merged) == 0
		},
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestProperty_BudgetClamped(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property(fmt.Sprintf("budget never exceeds available and defaults to %d", DefaultAlternativeBudget), prop.ForAll(
		func(configured, available int) bool {
			budget := AlternativeBudget(configured, available)
			if budget > available {
				return false
			}
			if configured <= 0 {
				return budget == min(DefaultAlternativeBudget, available)
			}
			return budget == min(configured, available)
		},
		gen.IntRange(-2, 12),
		gen.IntRange(0, 12),
	))

	properties.TestingRun(t)
}
