// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/observability"
)

// Invocation carries the caller's identity for one tool call. ID is
// generated when empty. IdempotencyKey is only meaningful for
// non-idempotent tools; a completed invocation with the same key is
// replayed from record instead of re-executed.
type Invocation struct {
	ID             string
	TenantID       string
	SessionID      string
	StepIndex      int
	IdempotencyKey string

	// Policy, when set, gates the call. Tools outside the allow list fail
	// with a permission error.
	Policy *config.TenantPolicyConfig
}

// Result is a settled tool invocation.
type Result struct {
	InvocationID string
	Tool         string
	Output       json.RawMessage
	Attempts     int
	Duration     time.Duration

	// Replayed is true when the result was served from a completed record
	// matched by idempotency key.
	Replayed bool
}

// InvocationStatus is the lifecycle state of an invocation record.
type InvocationStatus string

const (
	StatusRunning   InvocationStatus = "running"
	StatusCompleted InvocationStatus = "completed"
	StatusFailed    InvocationStatus = "failed"

	// StatusAbandoned marks an invocation whose handler did not
	// acknowledge cancellation within the grace period. Replay treats
	// abandoned invocations as never having run and reissues them.
	StatusAbandoned InvocationStatus = "abandoned"
)

// InvocationRecord is a snapshot of one invocation's outcome.
type InvocationRecord struct {
	ID          string           `json:"id"`
	Tool        string           `json:"tool"`
	TenantID    string           `json:"tenant_id,omitempty"`
	SessionID   string           `json:"session_id,omitempty"`
	StepIndex   int              `json:"step_index"`
	Key         string           `json:"key,omitempty"`
	Status      InvocationStatus `json:"status"`
	Output      json.RawMessage  `json:"output,omitempty"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	ErrorMsg    string           `json:"error_msg,omitempty"`
	Attempts    int              `json:"attempts"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
}

type invocation struct {
	InvocationRecord

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (inv *invocation) settle() {
	inv.once.Do(func() { close(inv.done) })
}

// Invoke executes a registered tool. Inputs are validated against the
// descriptor's input schema before anything runs; transient and timeout
// failures are retried within the descriptor's retry budget; calls to
// non-idempotent tools are serialised per (session, tool).
func (r *Registry) Invoke(ctx context.Context, name string, inputs map[string]any, inv Invocation) (*Result, error) {
	entry, ok := r.entry(name)
	if !ok {
		return nil, &Error{Kind: ErrPermanent, Tool: name, Err: fmt.Errorf("not registered")}
	}
	if inv.Policy != nil && !inv.Policy.AllowsTool(name) {
		return nil, &Error{Kind: ErrPermission, Tool: name, Err: fmt.Errorf("not permitted by tenant policy")}
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	if err := r.validateInputs(entry, inputs); err != nil {
		return nil, &Error{Kind: ErrValidation, Tool: name, InvocationID: inv.ID, Err: err}
	}

	tracer := observability.GetTracer("priam.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolInvocation,
		trace.WithAttributes(
			attribute.String(observability.AttrToolName, name),
			attribute.String(observability.AttrInvocationID, inv.ID),
			attribute.String(observability.AttrSessionID, inv.SessionID),
		),
	)
	defer span.End()

	d := entry.Descriptor

	if !d.Idempotent {
		if res, ok := r.replay(name, inv); ok {
			span.SetAttributes(attribute.Bool("tool.replayed", true))
			span.SetStatus(codes.Ok, "replayed")
			return res, nil
		}

		unlock := r.serialize(inv.SessionID, name)
		defer unlock()

		// A concurrent call with the same key may have completed while we
		// waited for the serial lock.
		if res, ok := r.replay(name, inv); ok {
			span.SetAttributes(attribute.Bool("tool.replayed", true))
			span.SetStatus(codes.Ok, "replayed")
			return res, nil
		}
	}

	if err := r.sem.Acquire(ctx, d.Weight()); err != nil {
		return nil, &Error{Kind: ErrCancelled, Tool: name, InvocationID: inv.ID, Err: err}
	}
	defer r.sem.Release(d.Weight())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	rec := r.begin(name, inv, cancel)

	start := time.Now()
	out, attempts, runErr := r.run(runCtx, entry, inputs)
	duration := time.Since(start)

	if metrics := observability.GetGlobalMetrics(); metrics != nil {
		metrics.RecordToolInvocation(ctx, name, duration, attempts-1, runErr)
	}

	if runErr != nil {
		kind := KindOf(runErr)
		r.fail(rec, kind, runErr, attempts)
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(kind))
		slog.Warn("Tool invocation failed",
			"tool", name,
			"invocation_id", inv.ID,
			"kind", kind,
			"attempts", attempts,
			"error", runErr)
		return nil, &Error{Kind: kind, Tool: name, InvocationID: inv.ID, Err: runErr}
	}

	raw, err := json.Marshal(out)
	if err != nil {
		r.fail(rec, ErrPermanent, err, attempts)
		span.RecordError(err)
		span.SetStatus(codes.Error, "unencodable output")
		return nil, &Error{Kind: ErrPermanent, Tool: name, InvocationID: inv.ID, Err: fmt.Errorf("encoding output: %w", err)}
	}

	r.complete(rec, raw, attempts)
	span.SetAttributes(attribute.Int("tool.attempts", attempts))
	span.SetStatus(codes.Ok, "")

	return &Result{
		InvocationID: inv.ID,
		Tool:         name,
		Output:       raw,
		Attempts:     attempts,
		Duration:     duration,
	}, nil
}

// run drives the retry loop. It returns the attempts consumed alongside
// the handler output or the final classified error.
func (r *Registry) run(ctx context.Context, entry *ToolEntry, inputs map[string]any) (map[string]any, int, error) {
	d := entry.Descriptor

	var lastErr error
	for attempt := 1; attempt <= d.Retry.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.Timeout)
		out, err := entry.Handler.Call(attemptCtx, inputs)
		cancel()

		if err == nil {
			return out, attempt, nil
		}

		// The surrounding context going away means the caller or Cancel
		// gave up, not that the attempt timed out.
		if ctx.Err() != nil {
			return nil, attempt, fmt.Errorf("invocation cancelled: %w", context.Canceled)
		}

		lastErr = err
		kind := KindOf(err)
		if !retryable(kind) {
			return nil, attempt, err
		}
		if attempt == d.Retry.MaxAttempts {
			break
		}

		delay := backoffDelay(d.Retry, attempt, rand.Float64())
		slog.Debug("Retrying tool after failure",
			"tool", d.Name,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return nil, attempt, fmt.Errorf("invocation cancelled: %w", context.Canceled)
		case <-time.After(delay):
		}
	}

	if KindOf(lastErr) == ErrTransient {
		return nil, d.Retry.MaxAttempts, &Error{
			Kind: ErrPermanent,
			Tool: d.Name,
			Err:  fmt.Errorf("retries exhausted after %d attempts: %w", d.Retry.MaxAttempts, lastErr),
		}
	}
	return nil, d.Retry.MaxAttempts, lastErr
}

// Cancel signals a running invocation and waits for acknowledgement up to
// the grace deadline. Unacknowledged invocations are marked abandoned so
// replay can detect and reissue them. Cancelling a settled invocation is
// a no-op.
func (r *Registry) Cancel(invocationID string) error {
	r.recmu.Lock()
	rec, ok := r.records[invocationID]
	if !ok {
		r.recmu.Unlock()
		return fmt.Errorf("invocation '%s' not found", invocationID)
	}
	if rec.Status != StatusRunning {
		r.recmu.Unlock()
		return nil
	}
	cancel := rec.cancel
	done := rec.done
	r.recmu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(r.cancelGrace):
	}

	r.recmu.Lock()
	if rec.Status == StatusRunning {
		rec.Status = StatusAbandoned
		rec.CompletedAt = time.Now()
		slog.Warn("Tool invocation abandoned",
			"tool", rec.Tool,
			"invocation_id", rec.ID,
			"grace", r.cancelGrace)
	}
	r.recmu.Unlock()
	return nil
}

// Record returns a snapshot of an invocation's outcome.
func (r *Registry) Record(invocationID string) (InvocationRecord, bool) {
	r.recmu.Lock()
	defer r.recmu.Unlock()

	rec, ok := r.records[invocationID]
	if !ok {
		return InvocationRecord{}, false
	}
	return rec.InvocationRecord, true
}

// PruneRecords drops settled invocation records older than maxAge and
// returns how many were removed. Running invocations are kept.
func (r *Registry) PruneRecords(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.recmu.Lock()
	defer r.recmu.Unlock()

	pruned := 0
	for id, rec := range r.records {
		if rec.Status == StatusRunning || rec.CompletedAt.After(cutoff) {
			continue
		}
		if rec.Key != "" {
			key := dedupeKey(rec.SessionID, rec.Tool, rec.Key)
			if r.dedupe[key] == id {
				delete(r.dedupe, key)
			}
		}
		delete(r.records, id)
		pruned++
	}
	return pruned
}

func (r *Registry) validateInputs(entry *ToolEntry, inputs map[string]any) error {
	if entry.schema == nil {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	// Round-trip through JSON so the validator sees plain decoded values.
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encoding inputs: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decoding inputs: %w", err)
	}
	if err := entry.schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

func (r *Registry) replay(tool string, inv Invocation) (*Result, bool) {
	if inv.IdempotencyKey == "" {
		return nil, false
	}

	r.recmu.Lock()
	defer r.recmu.Unlock()

	id, ok := r.dedupe[dedupeKey(inv.SessionID, tool, inv.IdempotencyKey)]
	if !ok {
		return nil, false
	}
	rec, ok := r.records[id]
	if !ok || rec.Status != StatusCompleted {
		return nil, false
	}

	return &Result{
		InvocationID: rec.ID,
		Tool:         rec.Tool,
		Output:       rec.Output,
		Attempts:     rec.Attempts,
		Duration:     rec.CompletedAt.Sub(rec.StartedAt),
		Replayed:     true,
	}, true
}

func (r *Registry) serialize(sessionID, tool string) func() {
	key := sessionID + "\x00" + tool

	r.recmu.Lock()
	lock, ok := r.serial[key]
	if !ok {
		lock = &sync.Mutex{}
		r.serial[key] = lock
	}
	r.recmu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func (r *Registry) begin(tool string, inv Invocation, cancel context.CancelFunc) *invocation {
	rec := &invocation{
		InvocationRecord: InvocationRecord{
			ID:        inv.ID,
			Tool:      tool,
			TenantID:  inv.TenantID,
			SessionID: inv.SessionID,
			StepIndex: inv.StepIndex,
			Key:       inv.IdempotencyKey,
			Status:    StatusRunning,
			StartedAt: time.Now(),
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.recmu.Lock()
	r.records[inv.ID] = rec
	if inv.IdempotencyKey != "" {
		r.dedupe[dedupeKey(inv.SessionID, tool, inv.IdempotencyKey)] = inv.ID
	}
	r.recmu.Unlock()

	return rec
}

func (r *Registry) complete(rec *invocation, output json.RawMessage, attempts int) {
	r.recmu.Lock()
	if rec.Status == StatusRunning {
		rec.Status = StatusCompleted
		rec.Output = output
		rec.Attempts = attempts
		rec.CompletedAt = time.Now()
	}
	r.recmu.Unlock()
	rec.settle()
}

func (r *Registry) fail(rec *invocation, kind ErrorKind, err error, attempts int) {
	r.recmu.Lock()
	if rec.Status == StatusRunning {
		rec.Status = StatusFailed
		rec.ErrorKind = kind
		rec.ErrorMsg = err.Error()
		rec.Attempts = attempts
		rec.CompletedAt = time.Now()
	}
	r.recmu.Unlock()
	rec.settle()
}

func dedupeKey(sessionID, tool, key string) string {
	return sessionID + "\x00" + tool + "\x00" + key
}

// backoffDelay computes the sleep before the next attempt: exponential in
// the attempt number, scaled by up to 10% random jitter, clamped to the
// policy maximum. randomValue is injected for deterministic tests.
func backoffDelay(p RetryPolicy, attempt int, randomValue float64) time.Duration {
	base := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	jitter := base * 0.1 * randomValue
	total := base + jitter
	if p.MaxDelay > 0 && total > float64(p.MaxDelay) {
		total = float64(p.MaxDelay)
	}
	return time.Duration(total)
}
