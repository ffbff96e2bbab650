// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts prompt tokens for context-window budgeting. It uses
// the cl100k BPE vocabulary; the count is a budgeting estimate, not a
// guarantee of the provider's own tokenization.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter builds a counter. When the vocabulary cannot be loaded it
// falls back to a bytes/4 heuristic instead of failing.
func NewTokenCounter() *TokenCounter {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		log.Warnf("tokenizer unavailable, falling back to heuristic counting: %v", err)
		return &TokenCounter{}
	}
	return &TokenCounter{codec: codec}
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		return len(text) / 4
	}
	ids, _, err := tc.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
