package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
)

// newTestRegistry registers a single tool named "probe" backed by handler.
func newTestRegistry(t *testing.T, handler Handler, mut func(*config.ToolConfig), exec config.ToolExecutionConfig) *Registry {
	t.Helper()

	src := newStubSource("builtin").add("probe", &Binding{Handler: handler})
	r := NewRegistry(exec)
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}

	catalog := map[string]*config.ToolConfig{
		"probe": toolConfig(func(c *config.ToolConfig) {
			c.Retry = &config.ToolRetryConfig{
				MaxAttempts: 3,
				BaseDelay:   config.Duration(time.Millisecond),
				MaxDelay:    config.Duration(5 * time.Millisecond),
			}
			if mut != nil {
				mut(c)
			}
		}),
	}
	if err := r.LoadCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	return r
}

func kindOfInvokeErr(t *testing.T, err error) ErrorKind {
	t.Helper()
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *tools.Error, got %T: %v", err, err)
	}
	return te.Kind
}

func TestInvokeSuccess(t *testing.T) {
	r := newTestRegistry(t, noopHandler(map[string]any{"answer": 42}), nil, execConfig())

	res, err := r.Invoke(context.Background(), "probe", map[string]any{}, Invocation{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Tool != "probe" || res.InvocationID == "" {
		t.Errorf("unexpected result identity: %+v", res)
	}
	if res.Attempts != 1 || res.Replayed {
		t.Errorf("expected single fresh attempt, got attempts=%d replayed=%v", res.Attempts, res.Replayed)
	}
	if string(res.Output) != `{"answer":42}` {
		t.Errorf("unexpected output: %s", res.Output)
	}

	rec, ok := r.Record(res.InvocationID)
	if !ok {
		t.Fatal("expected invocation record")
	}
	if rec.Status != StatusCompleted {
		t.Errorf("expected completed record, got %s", rec.Status)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(execConfig())

	_, err := r.Invoke(context.Background(), "ghost", nil, Invocation{})
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrPermanent {
		t.Errorf("expected permanent, got %s", kind)
	}
}

func TestInvokeValidatesInputs(t *testing.T) {
	r := newTestRegistry(t, noopHandler(nil), func(c *config.ToolConfig) {
		c.InputSchema = map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		}
	}, execConfig())

	_, err := r.Invoke(context.Background(), "probe", map[string]any{}, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrValidation {
		t.Errorf("expected validation, got %s", kind)
	}

	_, err = r.Invoke(context.Background(), "probe", map[string]any{"query": 7}, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected type mismatch to fail validation")
	}

	if _, err := r.Invoke(context.Background(), "probe", map[string]any{"query": "ok"}, Invocation{SessionID: "s1"}); err != nil {
		t.Errorf("valid inputs rejected: %v", err)
	}
}

func TestInvokePolicyDenied(t *testing.T) {
	r := newTestRegistry(t, noopHandler(nil), nil, execConfig())

	policy := &config.TenantPolicyConfig{AllowedTools: []string{"something_else"}}
	_, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1", Policy: policy})
	if err == nil {
		t.Fatal("expected permission error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrPermission {
		t.Errorf("expected permission, got %s", kind)
	}
}

func TestInvokeRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, Transient(fmt.Errorf("flaky"))
		}
		return map[string]any{"ok": true}, nil
	})

	r := newTestRegistry(t, handler, nil, execConfig())
	res, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if calls.Load() != 3 {
		t.Errorf("expected handler called 3 times, got %d", calls.Load())
	}
}

func TestInvokeExhaustedTransientIsPermanent(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("unclassified failure")
	})

	r := newTestRegistry(t, handler, nil, execConfig())
	_, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrPermanent {
		t.Errorf("expected exhausted transient to report permanent, got %s", kind)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}

	rec, _ := r.Record(invocationIDFrom(t, err))
	if rec.Status != StatusFailed || rec.ErrorKind != ErrPermanent {
		t.Errorf("unexpected record: status=%s kind=%s", rec.Status, rec.ErrorKind)
	}
}

func invocationIDFrom(t *testing.T, err error) string {
	t.Helper()
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("expected *tools.Error, got %v", err)
	}
	return te.InvocationID
}

func TestInvokePermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, Permanent(fmt.Errorf("bad request"))
	})

	r := newTestRegistry(t, handler, nil, execConfig())
	_, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected permanent error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrPermanent {
		t.Errorf("expected permanent, got %s", kind)
	}
	if calls.Load() != 1 {
		t.Errorf("expected a single attempt, got %d", calls.Load())
	}
}

func TestInvokeTimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := newTestRegistry(t, handler, func(c *config.ToolConfig) {
		c.Timeout = config.Duration(10 * time.Millisecond)
		c.Retry.MaxAttempts = 2
	}, execConfig())

	_, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrTimeout {
		t.Errorf("expected timeout, got %s", kind)
	}
	if calls.Load() != 2 {
		t.Errorf("expected timeout to be retried once, got %d attempts", calls.Load())
	}
}

func TestInvokeCallerCancelled(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := newTestRegistry(t, handler, nil, execConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := r.Invoke(ctx, "probe", nil, Invocation{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrCancelled {
		t.Errorf("expected cancelled, got %s", kind)
	}
}

func TestInvokeIdempotencyReplay(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		return map[string]any{"call": calls.Add(1)}, nil
	})

	r := newTestRegistry(t, handler, nil, execConfig())
	inv := Invocation{SessionID: "s1", IdempotencyKey: "po-create-1"}

	first, err := r.Invoke(context.Background(), "probe", nil, inv)
	if err != nil {
		t.Fatalf("first Invoke failed: %v", err)
	}

	second, err := r.Invoke(context.Background(), "probe", nil, inv)
	if err != nil {
		t.Fatalf("second Invoke failed: %v", err)
	}
	if !second.Replayed {
		t.Error("expected second invocation to replay from record")
	}
	if second.InvocationID != first.InvocationID {
		t.Errorf("expected original invocation id %s, got %s", first.InvocationID, second.InvocationID)
	}
	if string(second.Output) != string(first.Output) {
		t.Errorf("replayed output mismatch: %s vs %s", second.Output, first.Output)
	}
	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, got %d", calls.Load())
	}

	// A different session with the same key executes fresh.
	other, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s2", IdempotencyKey: "po-create-1"})
	if err != nil {
		t.Fatalf("cross-session Invoke failed: %v", err)
	}
	if other.Replayed {
		t.Error("idempotency keys must be scoped per session")
	}
}

func TestInvokeFailureNotReplayed(t *testing.T) {
	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, Permanent(fmt.Errorf("first call fails"))
		}
		return map[string]any{"ok": true}, nil
	})

	r := newTestRegistry(t, handler, nil, execConfig())
	inv := Invocation{SessionID: "s1", IdempotencyKey: "retry-after-failure"}

	if _, err := r.Invoke(context.Background(), "probe", nil, inv); err == nil {
		t.Fatal("expected first invocation to fail")
	}

	res, err := r.Invoke(context.Background(), "probe", nil, inv)
	if err != nil {
		t.Fatalf("second Invoke failed: %v", err)
	}
	if res.Replayed {
		t.Error("failed invocations must not satisfy idempotency replay")
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls.Load())
	}
}

func TestInvokeSerialisesNonIdempotent(t *testing.T) {
	var inflight, peak atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return map[string]any{}, nil
	})

	r := newTestRegistry(t, handler, nil, execConfig())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1"}); err != nil {
				t.Errorf("Invoke failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("expected serialised execution per (session, tool), peak was %d", peak.Load())
	}
}

func TestInvokeSemaphoreBoundsConcurrency(t *testing.T) {
	var inflight, peak atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		cur := inflight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		return map[string]any{}, nil
	})

	exec := config.ToolExecutionConfig{MaxConcurrent: 1, CancelGrace: config.Duration(time.Second)}
	r := newTestRegistry(t, handler, func(c *config.ToolConfig) {
		c.Idempotent = config.BoolPtr(true)
	}, exec)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sess := fmt.Sprintf("s%d", n)
			if _, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: sess}); err != nil {
				t.Errorf("Invoke failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if peak.Load() != 1 {
		t.Errorf("expected pool of 1 to bound concurrency, peak was %d", peak.Load())
	}
}

func TestCancelCooperative(t *testing.T) {
	started := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := newTestRegistry(t, handler, nil, execConfig())

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "probe", nil, Invocation{ID: "inv-cancel", SessionID: "s1"})
		errCh <- err
	}()

	<-started
	if err := r.Cancel("inv-cancel"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	err := <-errCh
	if err == nil {
		t.Fatal("expected cancelled invocation to error")
	}
	if kind := kindOfInvokeErr(t, err); kind != ErrCancelled {
		t.Errorf("expected cancelled, got %s", kind)
	}

	rec, ok := r.Record("inv-cancel")
	if !ok {
		t.Fatal("expected invocation record")
	}
	if rec.Status != StatusFailed || rec.ErrorKind != ErrCancelled {
		t.Errorf("unexpected record: status=%s kind=%s", rec.Status, rec.ErrorKind)
	}

	// Cancelling a settled invocation is a no-op.
	if err := r.Cancel("inv-cancel"); err != nil {
		t.Errorf("Cancel on settled invocation failed: %v", err)
	}
}

func TestCancelAbandonsUnresponsiveHandler(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return nil, ctx.Err()
	})

	exec := config.ToolExecutionConfig{MaxConcurrent: 16, CancelGrace: config.Duration(20 * time.Millisecond)}
	r := newTestRegistry(t, handler, func(c *config.ToolConfig) {
		c.Timeout = config.Duration(time.Minute)
	}, exec)

	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(context.Background(), "probe", nil, Invocation{ID: "inv-stuck", SessionID: "s1"})
		errCh <- err
	}()

	<-started
	if err := r.Cancel("inv-stuck"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	rec, ok := r.Record("inv-stuck")
	if !ok {
		t.Fatal("expected invocation record")
	}
	if rec.Status != StatusAbandoned {
		t.Errorf("expected abandoned after grace, got %s", rec.Status)
	}

	close(release)
	if err := <-errCh; err == nil {
		t.Error("expected invocation to report cancellation")
	}

	// The abandoned marker survives the handler's late return.
	rec, _ = r.Record("inv-stuck")
	if rec.Status != StatusAbandoned {
		t.Errorf("expected abandoned to stick, got %s", rec.Status)
	}
}

func TestCancelUnknownInvocation(t *testing.T) {
	r := NewRegistry(execConfig())
	if err := r.Cancel("nope"); err == nil {
		t.Error("expected error for unknown invocation")
	}
}

func TestPruneRecords(t *testing.T) {
	handler := noopHandler(map[string]any{})
	r := newTestRegistry(t, handler, nil, execConfig())

	res, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	if pruned := r.PruneRecords(time.Hour); pruned != 0 {
		t.Errorf("expected fresh record to survive, pruned %d", pruned)
	}
	if pruned := r.PruneRecords(0); pruned != 1 {
		t.Errorf("expected 1 pruned record, got %d", pruned)
	}
	if _, ok := r.Record(res.InvocationID); ok {
		t.Error("expected record to be gone")
	}

	// The dedupe index is cleared with it.
	again, err := r.Invoke(context.Background(), "probe", nil, Invocation{SessionID: "s1", IdempotencyKey: "k1"})
	if err != nil {
		t.Fatalf("Invoke after prune failed: %v", err)
	}
	if again.Replayed {
		t.Error("expected pruned key to execute fresh")
	}
}

func TestBackoffDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second}

	tests := []struct {
		attempt int
		random  float64
		want    time.Duration
	}{
		{attempt: 1, random: 0, want: 100 * time.Millisecond},
		{attempt: 1, random: 1, want: 110 * time.Millisecond},
		{attempt: 2, random: 0, want: 200 * time.Millisecond},
		{attempt: 3, random: 0, want: 400 * time.Millisecond},
		{attempt: 10, random: 0, want: 5 * time.Second},
	}

	for _, tt := range tests {
		if got := backoffDelay(policy, tt.attempt, tt.random); got != tt.want {
			t.Errorf("backoffDelay(attempt=%d, random=%v) = %v, want %v", tt.attempt, tt.random, got, tt.want)
		}
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "classified", err: Permanent(fmt.Errorf("x")), want: ErrPermanent},
		{name: "wrapped classified", err: fmt.Errorf("outer: %w", Transient(fmt.Errorf("x"))), want: ErrTransient},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrTimeout},
		{name: "canceled", err: context.Canceled, want: ErrCancelled},
		{name: "unclassified", err: fmt.Errorf("boom"), want: ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
