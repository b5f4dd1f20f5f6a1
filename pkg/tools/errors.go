// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tools

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an invocation failure. The engine retries timeout
// and transient kinds within the descriptor's retry budget and never
// retries the rest. Exhausted transient retries surface as permanent.
type ErrorKind string

const (
	ErrValidation ErrorKind = "validation"
	ErrPermission ErrorKind = "permission"
	ErrTimeout    ErrorKind = "timeout"
	ErrTransient  ErrorKind = "transient"
	ErrPermanent  ErrorKind = "permanent"
	ErrCancelled  ErrorKind = "cancelled"
)

// Error is a classified tool invocation failure.
type Error struct {
	Kind         ErrorKind
	Tool         string
	InvocationID string
	Err          error
}

func (e *Error) Error() string {
	if e.InvocationID != "" {
		return fmt.Sprintf("tool %s [%s] %s: %v", e.Tool, e.InvocationID, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s %s: %v", e.Tool, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a classification. Handlers return these to steer
// the retry loop; anything unclassified is treated as transient.
func NewError(kind ErrorKind, tool string, err error) *Error {
	return &Error{Kind: kind, Tool: tool, Err: err}
}

// Transient marks err as retryable.
func Transient(err error) *Error {
	return &Error{Kind: ErrTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) *Error {
	return &Error{Kind: ErrPermanent, Err: err}
}

// KindOf extracts the classification from err. Context errors map to
// timeout and cancelled; anything else defaults to transient so the
// descriptor's retry policy governs it.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return ErrTransient
}

// retryable reports whether the engine may attempt the call again.
func retryable(kind ErrorKind) bool {
	return kind == ErrTransient || kind == ErrTimeout
}
