// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import "fmt"

// Failure kinds recorded in history entries. Tool failures reuse the
// classification of pkg/tools; these cover the orchestrator's own sources.
const (
	KindValidation = "validation"
	KindPermission = "permission"
	KindTimeout    = "timeout"
	KindCancelled  = "cancelled"
	KindModel      = "model"
	KindInternal   = "internal"
)

// SessionError is a classified orchestration failure carrying where it
// happened. User-visible failures render as markdown with a short human
// reason; the structured error stays in logs and history.
type SessionError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *SessionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Action, e.Message)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

func sessionErr(component, action, message string, err error) *SessionError {
	return &SessionError{Component: component, Action: action, Message: message, Err: err}
}
