// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package assembler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts tokens for budget accounting.
type tokenCounter interface {
	Count(text string) int
}

// TokenCounter counts with the model's tiktoken encoding.
type TokenCounter struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var (
	encodingMu    sync.Mutex
	encodingCache = make(map[string]*tiktoken.Tiktoken)
)

// NewTokenCounter resolves the encoding for a model, falling back to
// cl100k_base for models tiktoken does not know. Encodings are cached
// per model.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingMu.Lock()
	defer encodingMu.Unlock()

	if enc, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: enc}, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("resolving token encoding: %w", err)
		}
	}

	encodingCache[model] = enc
	return &TokenCounter{encoding: enc}, nil
}

// Count returns the token count for text.
func (c *TokenCounter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.encoding.Encode(text, nil, nil))
}

// estimator approximates four characters per token. It stands in when no
// encoding can be resolved, so assembly keeps working offline.
type estimator struct{}

func (estimator) Count(text string) int {
	return len(text) / 4
}

// counterForModel returns the best counter available for the model.
func counterForModel(model string) tokenCounter {
	tc, err := NewTokenCounter(model)
	if err != nil {
		slog.Warn("Token encoding unavailable, estimating sizes", "model", model, "error", err)
		return estimator{}
	}
	return tc
}
