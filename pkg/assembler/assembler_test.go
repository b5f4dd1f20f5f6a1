package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/memory"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

type stubTier struct {
	tier    memory.Tier
	results []memory.Scored
	err     error
}

func (s *stubTier) Tier() memory.Tier { return s.tier }

func (s *stubTier) Put(ctx context.Context, scope session.Key, item memory.Item) error {
	return nil
}

func (s *stubTier) Get(ctx context.Context, scope session.Key, key string) (*memory.Item, error) {
	return nil, nil
}

func (s *stubTier) Search(ctx context.Context, scope session.Key, query string, k int) ([]memory.Scored, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubTier) Delete(ctx context.Context, scope session.Key, key string) error { return nil }
func (s *stubTier) Clear(ctx context.Context, scope session.Key) error              { return nil }
func (s *stubTier) Close() error                                                    { return nil }

// memService builds a service whose runtime tier returns the scripted
// results. SimilarityWeight 1 with everything else zero makes the final
// score equal the scripted similarity.
func memService(results []memory.Scored, err error) *memory.Service {
	cache := &stubTier{tier: memory.TierCache}
	runtime := &stubTier{tier: memory.TierRuntime, results: results, err: err}
	return memory.NewService(cache, runtime, nil, memory.Ranking{SimilarityWeight: 1})
}

type stubSource struct {
	name     string
	bindings map[string]*tools.Binding
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Discover(ctx context.Context) error { return nil }

func (s *stubSource) Resolve(handler string) (*tools.Binding, bool) {
	b, ok := s.bindings[handler]
	return b, ok
}

func (s *stubSource) Handlers() []string {
	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *stubSource) Close() error { return nil }

func newToolRegistry(t *testing.T, names ...string) *tools.Registry {
	t.Helper()

	src := &stubSource{name: "builtin", bindings: make(map[string]*tools.Binding)}
	catalog := make(map[string]*config.ToolConfig)
	for _, name := range names {
		src.bindings[name] = &tools.Binding{
			Handler: tools.HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{}, nil
			}),
			Description: "stub " + name,
		}
		c := &config.ToolConfig{}
		c.SetDefaults()
		catalog[name] = c
	}

	r := tools.NewRegistry(config.ToolExecutionConfig{MaxConcurrent: 4, CancelGrace: config.Duration(time.Second)})
	if err := r.RegisterSource(src); err != nil {
		t.Fatalf("RegisterSource failed: %v", err)
	}
	if err := r.LoadCatalog(context.Background(), catalog); err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	return r
}

func agentsFixture() map[string]*config.AgentConfig {
	executor := &config.AgentConfig{
		Name:        "task_executor",
		Description: "Executes plan steps",
		Model:       "mock",
		Tools:       []string{"order_search"},
		Delegates:   []string{"result_synthesizer"},
		Context:     &config.ContextConfig{MaxTurns: 2},
	}
	executor.SetDefaults()

	synth := &config.AgentConfig{
		Name:        "result_synthesizer",
		Description: "Writes the final answer",
		Model:       "mock",
	}
	synth.SetDefaults()

	return map[string]*config.AgentConfig{
		"task_executor":      executor,
		"result_synthesizer": synth,
	}
}

func modelsFixture() map[string]*config.ModelConfig {
	return map[string]*config.ModelConfig{
		"mock": {Type: config.ModelTypeMock, Model: "mock-1"},
	}
}

func newSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := session.New(session.Key{TenantID: "acme", SessionID: "s1"})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}
	return sess
}

func scored(key, value string, score float64, age time.Duration, pinned bool) memory.Scored {
	return memory.Scored{
		Item: memory.Item{
			Key:       key,
			Value:     value,
			Pinned:    pinned,
			CreatedAt: time.Now().Add(-age),
		},
		Score: score,
		Tier:  memory.TierRuntime,
	}
}

func TestAssembleWindowAndAttachments(t *testing.T) {
	sess := newSession(t)

	old := session.UserText(0, "old question", nil)
	old.Pinned = true
	sess.Append(old)
	sess.Append(session.AgentMarkdown(0, "task_executor", "old answer"))
	sess.Append(session.UserText(0, "second question", nil))
	sess.Append(session.AgentMarkdown(0, "task_executor", "second answer"))

	trigger := session.UserText(1, "find acme orders", nil)
	trigger.Pinned = true
	sess.Append(trigger)

	// Non-conversational entries stay out of the window.
	sess.Append(session.AgentProgress(1, "task_executor", "Searching..."))
	sess.Append(session.ToolCall(1, "task_executor", "order_search", "inv-1", map[string]any{"query": "acme"}))
	sess.Append(session.ToolResult(0, "order_search", "inv-0", json.RawMessage(`{"count":0}`), ""))
	sess.Append(session.ToolResult(1, "order_search", "inv-1", json.RawMessage(`{"count":2}`), ""))

	mem := memService([]memory.Scored{
		{Item: memory.Item{Key: "fact", Value: "acme prefers rail freight", CreatedAt: time.Now()}, Score: 0.9, Tier: memory.TierRuntime},
	}, nil)

	a := New(agentsFixture(), modelsFixture(), mem, newToolRegistry(t, "order_search", "echo"))
	step := session.PlanStep{Index: 1, Title: "Search orders", AgentName: "task_executor"}

	b, err := a.Assemble(context.Background(), sess, "task_executor", step, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	// Window of 2 plus the pinned first message.
	if len(b.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d: %+v", len(b.Turns), b.Turns)
	}
	if b.Turns[0].Text != "old question" || b.Turns[1].Text != "second answer" || b.Turns[2].Text != "find acme orders" {
		t.Errorf("unexpected window contents: %q %q %q", b.Turns[0].Text, b.Turns[1].Text, b.Turns[2].Text)
	}
	if b.TriggerID == "" || b.Turns[2].ID != b.TriggerID {
		t.Errorf("expected trigger to be the last turn, got trigger=%q", b.TriggerID)
	}

	if len(b.StepResults) != 1 || string(b.StepResults[0].ToolOutput) != `{"count":2}` {
		t.Errorf("expected only the current step's tool result, got %+v", b.StepResults)
	}

	if len(b.Tools) != 1 || b.Tools[0].Name != "order_search" {
		t.Errorf("expected agent allowlist to filter tools, got %+v", b.Tools)
	}

	if len(b.Peers) != 1 || b.Peers[0].Name != "result_synthesizer" || b.Peers[0].Description != "Writes the final answer" {
		t.Errorf("unexpected roster: %+v", b.Peers)
	}

	if len(b.Memory) != 1 || b.Memory[0].Item.Key != "fact" {
		t.Errorf("unexpected memory attachment: %+v", b.Memory)
	}

	if b.TokenCount <= 0 || b.Budget != 8192 {
		t.Errorf("unexpected accounting: tokens=%d budget=%d", b.TokenCount, b.Budget)
	}
}

func TestAssembleStepResultsScopedToRequest(t *testing.T) {
	sess := newSession(t)

	// A finished earlier request left step-0 tool traffic behind.
	sess.Append(session.UserText(0, "first request", nil))
	sess.Append(session.ToolResult(0, "order_search", "inv-old", json.RawMessage(`{"count":9}`), ""))
	sess.Append(session.WorkflowFinished(0))

	// The new request reuses step index 0.
	sess.Append(session.UserText(0, "second request", nil))
	sess.Append(session.ToolResult(0, "order_search", "inv-new", json.RawMessage(`{"count":1}`), ""))

	a := New(agentsFixture(), modelsFixture(), nil, nil)
	b, err := a.Assemble(context.Background(), sess, "task_executor", session.PlanStep{Index: 0, Title: "Search"}, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if len(b.StepResults) != 1 || b.StepResults[0].InvocationID != "inv-new" {
		t.Errorf("expected only the current request's result, got %+v", b.StepResults)
	}
}

func TestAssembleKeepsFormExchange(t *testing.T) {
	sess := newSession(t)

	trigger := session.UserText(0, "create a PO from this pdf", nil)
	trigger.Pinned = true
	sess.Append(trigger)

	form := &protocol.Form{ID: "f1", Title: "Review PO", Fields: []protocol.Field{}}
	sess.Append(session.FormRequest(0, "task_executor", form))
	reply := &protocol.FormReply{ID: "f1", Values: map[string]any{"supplier": "S1"}}
	sess.Append(session.UserFormReply(0, reply))

	// Enough chatter to push the exchange outside a window of 2.
	sess.Append(session.AgentMarkdown(0, "task_executor", "noted"))
	sess.Append(session.AgentMarkdown(0, "task_executor", "working"))
	sess.Append(session.AgentMarkdown(0, "task_executor", "almost there"))

	a := New(agentsFixture(), modelsFixture(), nil, nil)
	step := session.PlanStep{Index: 0, Title: "Create PO", AgentName: "task_executor"}

	b, err := a.Assemble(context.Background(), sess, "task_executor", step, nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	var kinds []session.MessageKind
	for _, turn := range b.Turns {
		kinds = append(kinds, turn.Kind)
	}

	if !containsKind(kinds, session.KindFormRequest) || !containsKind(kinds, session.KindUserFormReply) {
		t.Errorf("expected the step's form exchange to survive windowing, got %v", kinds)
	}
	if !containsKind(kinds, session.KindUserText) {
		t.Errorf("expected the triggering message to survive windowing, got %v", kinds)
	}
}

func containsKind(kinds []session.MessageKind, want session.MessageKind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

func TestAssembleMemoryDegradesOnError(t *testing.T) {
	sess := newSession(t)
	sess.Append(session.UserText(0, "hello", nil))

	mem := memService(nil, fmt.Errorf("tier offline"))
	a := New(agentsFixture(), modelsFixture(), mem, nil)

	b, err := a.Assemble(context.Background(), sess, "task_executor", session.PlanStep{Index: 0, Title: "Answer"}, nil)
	if err != nil {
		t.Fatalf("Assemble should degrade, got %v", err)
	}
	if len(b.Memory) != 0 {
		t.Errorf("expected no memory on tier failure, got %+v", b.Memory)
	}
}

func TestAssembleUnknownAgent(t *testing.T) {
	a := New(agentsFixture(), modelsFixture(), nil, nil)
	_, err := a.Assemble(context.Background(), newSession(t), "ghost", session.PlanStep{}, nil)
	if err == nil {
		t.Fatal("expected error for unknown agent")
	}
}

func TestAssemblePolicyIntersection(t *testing.T) {
	registry := newToolRegistry(t, "order_search", "echo")
	a := New(agentsFixture(), modelsFixture(), nil, registry)
	sess := newSession(t)
	sess.Append(session.UserText(0, "hi", nil))

	policy := &config.TenantPolicyConfig{AllowedTools: []string{"echo"}}

	// Executor allows only order_search; the tenant allows only echo.
	b, err := a.Assemble(context.Background(), sess, "task_executor", session.PlanStep{Index: 0, Title: "t"}, policy)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(b.Tools) != 0 {
		t.Errorf("expected empty intersection, got %+v", b.Tools)
	}

	// The synthesizer has no allowlist and inherits the policy set.
	b, err = a.Assemble(context.Background(), sess, "result_synthesizer", session.PlanStep{Index: 0, Title: "t"}, policy)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(b.Tools) != 1 || b.Tools[0].Name != "echo" {
		t.Errorf("expected policy set, got %+v", b.Tools)
	}
}

func TestEnforceBudgetDropOrder(t *testing.T) {
	long := strings.Repeat("a", 40)  // 10 estimated tokens
	short := strings.Repeat("b", 20) // 5 estimated tokens

	makeBundle := func() *Bundle {
		return &Bundle{
			AgentName: "task_executor",
			TriggerID: "trig",
			Turns: []session.Message{
				{ID: "t0", Kind: session.KindAgentMarkdown, Text: long},
				{ID: "trig", Kind: session.KindUserText, Text: short},
				{ID: "t2", Kind: session.KindAgentMarkdown, Text: short, Pinned: true},
			},
			Memory: []memory.Scored{
				scored("k0", long, 0.9, 3*time.Hour, false),
				scored("k2", long, 0.8, 5*time.Hour, true),
				scored("k1", short, 0.5, time.Hour, false),
			},
		}
	}
	// Costs under the estimator: turns 13+8+8, memory 10+10+5, total 54.

	a := New(nil, nil, nil, nil)

	tests := []struct {
		name       string
		budget     int
		wantTokens int
		wantMemory []string
		wantTurns  []string
	}{
		{
			name:       "fits untouched",
			budget:     54,
			wantTokens: 54,
			wantMemory: []string{"k0", "k2", "k1"},
			wantTurns:  []string{"t0", "trig", "t2"},
		},
		{
			name:       "oldest unpinned memory goes first",
			budget:     50,
			wantTokens: 44,
			wantMemory: []string{"k2", "k1"},
			wantTurns:  []string{"t0", "trig", "t2"},
		},
		{
			name:       "then remaining memory by score",
			budget:     30,
			wantTokens: 29,
			wantMemory: []string{},
			wantTurns:  []string{"t0", "trig", "t2"},
		},
		{
			name:       "then oldest droppable turn",
			budget:     20,
			wantTokens: 16,
			wantMemory: []string{},
			wantTurns:  []string{"trig", "t2"},
		},
		{
			name:       "protected content survives any budget",
			budget:     1,
			wantTokens: 16,
			wantMemory: []string{},
			wantTurns:  []string{"trig", "t2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := makeBundle()
			b.Budget = tt.budget
			a.enforceBudget(b, estimator{}, 5)

			if b.TokenCount != tt.wantTokens {
				t.Errorf("TokenCount = %d, want %d", b.TokenCount, tt.wantTokens)
			}

			var memKeys []string
			for _, m := range b.Memory {
				memKeys = append(memKeys, m.Item.Key)
			}
			if !equalStrings(memKeys, tt.wantMemory) {
				t.Errorf("memory = %v, want %v", memKeys, tt.wantMemory)
			}

			var turnIDs []string
			for _, turn := range b.Turns {
				turnIDs = append(turnIDs, turn.ID)
			}
			if !equalStrings(turnIDs, tt.wantTurns) {
				t.Errorf("turns = %v, want %v", turnIDs, tt.wantTurns)
			}
		})
	}
}

func equalStrings(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestEstimatorCount(t *testing.T) {
	if got := (estimator{}).Count("abcdefgh"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	if got := (estimator{}).Count(""); got != 0 {
		t.Errorf("Count of empty = %d, want 0", got)
	}
}
