// Copyright 2026 The branchlens Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"errors"

	"github.com/traylinx/branchlens/internal/history"
)

// Notice is a user-visible feedback string for an expected, recoverable
// condition. Every rejected operation maps to exactly one notice so hosts
// can surface it verbatim.
type Notice string

// NoticeFor translates the expected operation errors into their feedback
// strings. The second return is false for unexpected failures, which
// callers should treat as real errors.
func NoticeFor(err error) (Notice, bool) {
	switch {
	case errors.Is(err, ErrStageViolation):
		return "Cannot perform this action now.", true
	case errors.Is(err, ErrEmptyCompletion):
		return "No completion received.", true
	case errors.Is(err, ErrNoTokenAtPosition):
		return "No completion token at that position.", true
	case errors.Is(err, ErrInvalidAlternative):
		return "No such alternative.", true
	case errors.Is(err, ErrOriginalChoice):
		return "That is already the chosen token.", true
	case errors.Is(err, history.ErrAtBoundary):
		return "No more snapshots in that direction.", true
	default:
		return "", false
	}
}
