// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package agent

import (
	"strings"
	"unicode/utf8"
)

// flushBuffer coalesces streamed text so the action stream carries a few
// markdown frames per logical message instead of one frame per token.
// The run loop drains it on an interval timer; add drains it once the
// rune threshold is crossed.
type flushBuffer struct {
	limit int
	buf   strings.Builder
	runes int
}

func newFlushBuffer(limit int) *flushBuffer {
	if limit <= 0 {
		limit = 50
	}
	return &flushBuffer{limit: limit}
}

// add appends text and returns the buffered content when the threshold
// is reached.
func (b *flushBuffer) add(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	b.buf.WriteString(text)
	b.runes += utf8.RuneCountInString(text)
	if b.runes < b.limit {
		return "", false
	}
	return b.drain()
}

// drain returns and clears the buffered content.
func (b *flushBuffer) drain() (string, bool) {
	if b.buf.Len() == 0 {
		return "", false
	}
	out := b.buf.String()
	b.buf.Reset()
	b.runes = 0
	return out, true
}
