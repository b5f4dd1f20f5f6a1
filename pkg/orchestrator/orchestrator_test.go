// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kadirpekel/priam/pkg/agent"
	"github.com/kadirpekel/priam/pkg/assembler"
	"github.com/kadirpekel/priam/pkg/checkpoint"
	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/eventbus"
	"github.com/kadirpekel/priam/pkg/llms"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

const waitTimeout = 5 * time.Second

// ============================================================================
// Harness
// ============================================================================

type stubSource struct {
	bindings map[string]*tools.Binding
}

func (s *stubSource) Name() string                       { return "builtin" }
func (s *stubSource) Discover(ctx context.Context) error { return nil }
func (s *stubSource) Close() error                       { return nil }

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

func newToolRegistry(t *testing.T, handlers map[string]tools.Handler) *tools.Registry {
	t.Helper()

	src := &stubSource{bindings: make(map[string]*tools.Binding)}
	catalog := make(map[string]*config.ToolConfig)
	for name, handler := range handlers {
		src.bindings[name] = &tools.Binding{Handler: handler, Description: "stub " + name}
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

func testConfig(mutate func(*config.Config)) *config.Config {
	cfg := &config.Config{
		Models: map[string]*config.ModelConfig{
			"mock": {Type: config.ModelTypeMock, Model: "mock-1"},
		},
		Agents: map[string]*config.AgentConfig{
			"input_validator": {Name: "input_validator", Model: "mock"},
			"task_planner":    {Name: "task_planner", Model: "mock"},
			"task_executor":   {Name: "task_executor", Model: "mock", Tools: []string{"order_search", "create_po"}},
			"helper":          {Name: "helper", Model: "mock"},
			"human_reviewer":  {Name: "human_reviewer", Model: "mock"},
		},
		Tools: map[string]*config.ToolConfig{
			"order_search": {},
			"create_po":    {},
		},
		Workflows: map[string]*config.WorkflowConfig{
			"default": {
				Planner:        "task_planner",
				Executor:       "task_executor",
				MaxStepRetries: 1,
				OnFailure:      config.FailureRetry,
			},
		},
		Permissions: map[string]*config.TenantPolicyConfig{
			"default": {},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg.SetDefaults()
	return cfg
}

type harness struct {
	orc  *Orchestrator
	mock *llms.MockProvider
	cps  *checkpoint.Manager
	key  session.Key
}

func newHarness(t *testing.T, cfg *config.Config, handlers map[string]tools.Handler) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(nil)
	}

	mock := llms.NewMockProvider("mock-1")
	models := llms.NewModelRegistry()
	if err := models.RegisterModel("mock", mock); err != nil {
		t.Fatalf("RegisterModel failed: %v", err)
	}

	registry := newToolRegistry(t, handlers)
	cps := checkpoint.NewManager(checkpoint.NewMemoryStore())

	orc, err := New(Deps{
		Config:      cfg,
		Runner:      agent.NewRunner(models),
		Assembler:   assembler.New(cfg.Agents, cfg.Models, nil, registry),
		Tools:       registry,
		Checkpoints: cps,
		Bus:         eventbus.New(),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orc.Shutdown(ctx)
	})

	return &harness{
		orc:  orc,
		mock: mock,
		cps:  cps,
		key:  session.Key{TenantID: "acme", SessionID: "s1"},
	}
}

func (h *harness) attach(t *testing.T) *eventbus.Subscription {
	t.Helper()
	sub, err := h.orc.Attach(context.Background(), h.key)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	return sub
}

func (h *harness) deliver(t *testing.T, ev *protocol.ClientEvent) {
	t.Helper()
	if err := h.orc.Deliver(context.Background(), h.key, ev); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
}

func (h *harness) send(t *testing.T, text string) {
	h.deliver(t, &protocol.ClientEvent{
		Kind:    protocol.ClientUserMessage,
		Message: &protocol.UserMessagePayload{Text: text},
	})
}

func (h *harness) reply(t *testing.T, formID string, values map[string]any) {
	h.deliver(t, &protocol.ClientEvent{
		Kind:  protocol.ClientFormReply,
		Reply: &protocol.FormReply{ID: formID, Values: values},
	})
}

func (h *harness) cancel(t *testing.T) {
	h.deliver(t, &protocol.ClientEvent{
		Kind:    protocol.ClientControl,
		Control: &protocol.ControlPayload{Action: protocol.ControlCancel},
	})
}

// sess returns the resident session, or nil after destruction.
func (h *harness) sess() *session.Session {
	h.orc.mu.Lock()
	defer h.orc.mu.Unlock()
	if r, ok := h.orc.residents[h.key]; ok {
		return r.sess
	}
	return nil
}

func (h *harness) waitState(t *testing.T, want session.State) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s := h.sess(); s != nil && s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	state := session.State("gone")
	if s := h.sess(); s != nil {
		state = s.State()
	}
	t.Fatalf("session never reached %s (stuck at %s)", want, state)
}

func nextFrame(t *testing.T, sub *eventbus.Subscription) *protocol.Envelope {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed while awaiting frame")
		}
		return ev.Envelope
	case <-time.After(waitTimeout):
		t.Fatal("timed out awaiting frame")
	}
	return nil
}

// collectUntil reads frames until pred matches, returning everything read
// including the matching frame.
func collectUntil(t *testing.T, sub *eventbus.Subscription, pred func(*protocol.Envelope) bool) []*protocol.Envelope {
	t.Helper()
	var frames []*protocol.Envelope
	for {
		env := nextFrame(t, sub)
		frames = append(frames, env)
		if pred(env) {
			return frames
		}
	}
}

func waitFinish(t *testing.T, sub *eventbus.Subscription) []*protocol.Envelope {
	t.Helper()
	return collectUntil(t, sub, func(env *protocol.Envelope) bool {
		return env.IsWorkflowFinish()
	})
}

func waitMarkdown(t *testing.T, sub *eventbus.Subscription, substr string) {
	t.Helper()
	collectUntil(t, sub, func(env *protocol.Envelope) bool {
		return env.Type == protocol.EventMarkdown && strings.Contains(markdownText(env), substr)
	})
}

func waitForm(t *testing.T, sub *eventbus.Subscription) *protocol.Form {
	t.Helper()
	var form *protocol.Form
	collectUntil(t, sub, func(env *protocol.Envelope) bool {
		form = formFrame(env)
		return form != nil
	})
	return form
}

func markdownText(env *protocol.Envelope) string {
	var text string
	_ = json.Unmarshal(env.Payload, &text)
	return text
}

func formFrame(env *protocol.Envelope) *protocol.Form {
	data := interactionFrame(env)
	if data == nil || len(data.Form) == 0 {
		return nil
	}
	var form protocol.Form
	if err := json.Unmarshal(data.Form, &form); err != nil {
		return nil
	}
	return &form
}

func interactionFrame(env *protocol.Envelope) *protocol.UIInteractionData {
	if env.Type != protocol.EventComponent {
		return nil
	}
	var cp protocol.ComponentPayload
	if err := json.Unmarshal(env.Payload, &cp); err != nil || cp.Component != protocol.ComponentUIInteraction {
		return nil
	}
	var data protocol.UIInteractionData
	if err := json.Unmarshal(cp.Data, &data); err != nil {
		return nil
	}
	return &data
}

func hasMarkdown(frames []*protocol.Envelope, substr string) bool {
	for _, env := range frames {
		if env.Type == protocol.EventMarkdown && strings.Contains(markdownText(env), substr) {
			return true
		}
	}
	return false
}

func historyKinds(s *session.Session) []session.MessageKind {
	var kinds []session.MessageKind
	for _, msg := range s.History() {
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

func countingHandler(calls *atomic.Int32, out map[string]any) tools.Handler {
	return tools.HandlerFunc(func(ctx context.Context, args map[string]any) (map[string]any, error) {
		calls.Add(1)
		return out, nil
	})
}

func toolTurn(calls ...llms.ToolCall) llms.MockResponse {
	return llms.MockResponse{ToolCalls: calls}
}

func finishTurn(output string) llms.MockResponse {
	return toolTurn(llms.ToolCall{ID: "fin", Name: "finish_step", Args: map[string]any{"output": output}})
}

func failTurn(reason string) llms.MockResponse {
	return toolTurn(llms.ToolCall{ID: "fail", Name: "fail_step", Args: map[string]any{"reason": reason}})
}

func planTurn(titles ...string) llms.MockResponse {
	steps := make([]string, 0, len(titles))
	for _, title := range titles {
		steps = append(steps, `{"title":`+jsonString(title)+`}`)
	}
	return llms.MockResponse{Text: `{"steps":[` + strings.Join(steps, ",") + `]}`}
}

func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// ============================================================================
// Scenarios
// ============================================================================

func TestRequestRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.send(t, "what can you do")
	frames := waitFinish(t, sub)

	if !hasMarkdown(frames, "echo:") {
		t.Errorf("expected an echoed markdown reply, got %d frames", len(frames))
	}
	h.waitState(t, session.StateTerminal)

	cp, err := h.cps.LoadLatest(context.Background(), h.key)
	if err != nil || cp == nil {
		t.Fatalf("expected a checkpoint, got cp=%v err=%v", cp, err)
	}
	if cp.State != session.StateTerminal || cp.Version == 0 {
		t.Errorf("unexpected final checkpoint: state=%s version=%d", cp.State, cp.Version)
	}
	if len(cp.Plan) != 1 || cp.Plan[0].Status != session.StepDone {
		t.Errorf("expected one completed step, got %+v", cp.Plan)
	}
}

func TestValidatorRejectionReturnsToIdle(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Workflows["default"].Validator = "input_validator"
	})
	h := newHarness(t, cfg, nil)
	sub := h.attach(t)

	h.mock.Enqueue(llms.MockResponse{Text: `{"verdict":"reject","reason":"Out of scope."}`})

	h.send(t, "do something forbidden")
	waitMarkdown(t, sub, "Out of scope.")
	h.waitState(t, session.StateIdle)

	if got := h.sess().PlanLen(); got != 0 {
		t.Errorf("rejected request must not plan, got %d steps", got)
	}
}

func TestToolBatchCommitsCallsBeforeResults(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil, map[string]tools.Handler{
		"order_search": countingHandler(&calls, map[string]any{"count": 2}),
	})
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Search orders"),
		toolTurn(llms.ToolCall{ID: "c1", Name: "order_search", Args: map[string]any{"query": "acme"}}),
		finishTurn("found 2 orders"),
	)

	h.send(t, "find acme orders")
	waitFinish(t, sub)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected 1 tool execution, got %d", got)
	}

	var callIdx, resultIdx = -1, -1
	var callID, resultID string
	for i, msg := range h.sess().History() {
		switch msg.Kind {
		case session.KindToolCall:
			callIdx, callID = i, msg.InvocationID
		case session.KindToolResult:
			resultIdx, resultID = i, msg.InvocationID
			if string(msg.ToolOutput) != `{"count":2}` {
				t.Errorf("unexpected tool output %s", msg.ToolOutput)
			}
		}
	}
	if callIdx < 0 || resultIdx < 0 || callIdx >= resultIdx {
		t.Fatalf("expected tool call committed before its result, got call=%d result=%d", callIdx, resultIdx)
	}
	if callID == "" || callID != resultID {
		t.Errorf("call and result must share an invocation id, got %q vs %q", callID, resultID)
	}
}

func TestApprovalGateSuspendsThenRuns(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Permissions["default"] = &config.TenantPolicyConfig{ApprovalTools: []string{"create_po"}}
	})
	var calls atomic.Int32
	h := newHarness(t, cfg, map[string]tools.Handler{
		"create_po": countingHandler(&calls, map[string]any{"po": "PO-1"}),
	})
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Create the purchase order"),
		toolTurn(llms.ToolCall{ID: "c1", Name: "create_po", Args: map[string]any{"supplier": "S1"}}),
		finishTurn("created PO-1"),
	)

	h.send(t, "create a PO for supplier S1")
	form := waitForm(t, sub)

	if !strings.HasPrefix(form.Title, "Approval required") {
		t.Errorf("unexpected approval form title %q", form.Title)
	}
	if got := calls.Load(); got != 0 {
		t.Fatalf("gated tool ran before approval: %d calls", got)
	}
	h.waitState(t, session.StateAwaitingHuman)

	cp, _ := h.cps.LoadLatest(context.Background(), h.key)
	if cp == nil || cp.PendingForm == nil || cp.PendingForm.Purpose != session.FormPurposeApproval {
		t.Fatalf("suspension must checkpoint the pending approval, got %+v", cp)
	}
	if len(cp.PendingForm.Resume) == 0 {
		t.Error("approval checkpoint must carry the suspended batch")
	}

	h.reply(t, form.ID, map[string]any{"action": "approve"})
	waitFinish(t, sub)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected the approved batch to run once, got %d", got)
	}
}

func TestApprovalDenialSkipsBatch(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Permissions["default"] = &config.TenantPolicyConfig{ApprovalTools: []string{"create_po"}}
	})
	var calls atomic.Int32
	h := newHarness(t, cfg, map[string]tools.Handler{
		"create_po": countingHandler(&calls, nil),
	})
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Create the purchase order"),
		toolTurn(llms.ToolCall{ID: "c1", Name: "create_po", Args: map[string]any{"supplier": "S1"}}),
		finishTurn("understood, not creating the PO"),
	)

	h.send(t, "create a PO")
	form := waitForm(t, sub)
	h.reply(t, form.ID, map[string]any{"action": "deny", "comments": "wrong supplier"})
	waitFinish(t, sub)

	if got := calls.Load(); got != 0 {
		t.Errorf("denied batch must never run, got %d calls", got)
	}

	var denied bool
	for _, msg := range h.sess().History() {
		if msg.Kind == session.KindToolCall {
			t.Error("denied batch must not commit tool calls")
		}
		if msg.Kind == session.KindSystemNote && strings.Contains(msg.Text, "denied") {
			denied = true
		}
	}
	if !denied {
		t.Errorf("expected a denial note in history, kinds: %v", historyKinds(h.sess()))
	}
}

func TestFormSuspendAndResume(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Collect the supplier"),
		toolTurn(llms.ToolCall{ID: "f1", Name: "request_form", Args: map[string]any{
			"form": map[string]any{
				"title": "Supplier needed",
				"fields": []any{
					map[string]any{"type": "text", "key": "supplier", "label": "Supplier", "required": true},
				},
			},
		}}),
	)

	h.send(t, "create a PO from this request")
	form := waitForm(t, sub)
	h.waitState(t, session.StateAwaitingHuman)

	// A stale reply and a new message both bounce without disturbing the
	// suspension.
	before := len(h.sess().History())
	h.reply(t, "not-the-form", map[string]any{"supplier": "S1"})
	waitMarkdown(t, sub, "no longer pending")
	h.send(t, "are you there?")
	waitMarkdown(t, sub, "pending form")
	if got := len(h.sess().History()); got != before {
		t.Errorf("rejected frames must not touch history: %d -> %d", before, got)
	}
	if h.sess().State() != session.StateAwaitingHuman {
		t.Fatalf("session left suspension: %s", h.sess().State())
	}

	// A missing required field is rejected too.
	h.reply(t, form.ID, map[string]any{})
	waitMarkdown(t, sub, "not accepted")

	h.mock.Enqueue(finishTurn("PO drafted for S1"))
	h.reply(t, form.ID, map[string]any{"supplier": "S1"})
	waitFinish(t, sub)

	kinds := historyKinds(h.sess())
	var sawRequest, sawReply bool
	for _, k := range kinds {
		switch k {
		case session.KindFormRequest:
			sawRequest = true
		case session.KindUserFormReply:
			sawReply = true
		}
	}
	if !sawRequest || !sawReply {
		t.Errorf("expected the form exchange in history, got %v", kinds)
	}
}

func TestCancelDuringRunReturnsToIdle(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Slow work"),
		llms.MockResponse{Text: "working...", Delay: 10 * time.Second},
	)

	h.send(t, "do the slow thing")
	h.waitState(t, session.StateExecuting)
	h.cancel(t)

	waitMarkdown(t, sub, "Cancelled.")
	h.waitState(t, session.StateIdle)

	var noted bool
	for _, msg := range h.sess().History() {
		if msg.Kind == session.KindSystemNote && msg.ErrorKind == KindCancelled {
			noted = true
		}
	}
	if !noted {
		t.Error("expected a cancelled note in history")
	}

	// The session stays usable.
	h.send(t, "hello again")
	frames := waitFinish(t, sub)
	if !hasMarkdown(frames, "echo:") {
		t.Error("expected the next request to complete normally")
	}
}

func TestFailedStepRetriesThenAborts(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Fetch the data"),
		failTurn("upstream returned nothing"),
		failTurn("upstream still empty"),
	)

	h.send(t, "fetch it")
	frames := waitFinish(t, sub)

	if !hasMarkdown(frames, "aborted") {
		t.Error("expected an abort explanation")
	}
	h.waitState(t, session.StateTerminal)

	plan := h.sess().Plan()
	if len(plan) != 1 || plan[0].Status != session.StepFailed {
		t.Errorf("expected the step to end failed, got %+v", plan)
	}
	if plan[0].Attempts != 2 {
		t.Errorf("expected 2 attempts (original + retry), got %d", plan[0].Attempts)
	}
}

func TestReviewDecisionSkip(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		wf := c.Workflows["default"]
		wf.Reviewer = "human_reviewer"
		wf.OnFailure = config.FailureReview
	})
	h := newHarness(t, cfg, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Fetch the data"),
		failTurn("source unavailable"),
	)

	h.send(t, "fetch it")
	form := waitForm(t, sub)

	var hasAction bool
	for _, field := range form.Fields {
		if field.Key == protocol.ReviewActionKey {
			hasAction = true
		}
	}
	if !hasAction {
		t.Fatalf("expected the review form, got %+v", form)
	}

	h.reply(t, form.ID, map[string]any{protocol.ReviewActionKey: protocol.ReviewSkip, protocol.ReviewCommentsKey: "not critical"})
	waitFinish(t, sub)

	plan := h.sess().Plan()
	if len(plan) != 1 || plan[0].Status != session.StepSkipped {
		t.Errorf("expected the step skipped, got %+v", plan)
	}
}

func TestResumeReissuesDanglingToolCall(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, nil, map[string]tools.Handler{
		"order_search": countingHandler(&calls, map[string]any{"count": 7}),
	})

	// A previous process committed a tool call and crashed before its
	// result landed.
	sess, err := session.New(h.key)
	if err != nil {
		t.Fatal(err)
	}
	trigger := session.UserText(0, "find orders", nil)
	trigger.Pinned = true
	sess.Append(trigger)
	sess.SetPlan([]session.PlanStep{{Title: "Search orders", AgentName: "task_executor"}})
	if err := sess.SetStepStatus(0, session.StepRunning); err != nil {
		t.Fatal(err)
	}
	sess.Append(session.ToolCall(0, "task_executor", "order_search", "inv-42", map[string]any{"query": "acme"}))
	sess.SetState(session.StateExecuting, 0)
	if _, err := h.cps.Save(context.Background(), checkpoint.Snapshot(sess)); err != nil {
		t.Fatal(err)
	}

	sub := h.attach(t)
	h.mock.Enqueue(finishTurn("found 7 orders"))
	if err := h.orc.ResumeAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFinish(t, sub)

	if got := calls.Load(); got != 1 {
		t.Errorf("expected the dangling call re-issued once, got %d", got)
	}
	var settled bool
	for _, msg := range h.sess().History() {
		if msg.Kind == session.KindToolResult && msg.InvocationID == "inv-42" {
			settled = true
			if string(msg.ToolOutput) != `{"count":7}` {
				t.Errorf("unexpected replayed output %s", msg.ToolOutput)
			}
		}
	}
	if !settled {
		t.Error("expected a result for the dangling invocation id")
	}
}

func TestOptionsQueryAnsweredWhileSuspended(t *testing.T) {
	h := newHarness(t, nil, nil)

	h.orc.Options().Register("suppliers", OptionsProviderFunc(
		func(ctx context.Context, req OptionsRequest) ([]protocol.FieldOption, bool, error) {
			if req.Term != "ac" || req.TenantID != "acme" {
				t.Errorf("unexpected request %+v", req)
			}
			return []protocol.FieldOption{{Value: "s1", Label: "Acme Supplies"}}, true, nil
		}))

	sub := h.attach(t)
	h.mock.Enqueue(
		planTurn("Collect the supplier"),
		toolTurn(llms.ToolCall{ID: "f1", Name: "request_form", Args: map[string]any{
			"form": map[string]any{
				"title": "Pick a supplier",
				"fields": []any{
					map[string]any{
						"type": "select", "key": "supplier", "label": "Supplier",
						"async":      true,
						"dataSource": map[string]any{"provider": "suppliers", "minChars": 2},
					},
				},
			},
		}}),
	)

	h.send(t, "order from a supplier")
	form := waitForm(t, sub)
	before := len(h.sess().History())

	// Below min_chars: an empty answer, no lookup.
	h.deliver(t, &protocol.ClientEvent{Kind: protocol.ClientOptionsQuery, Query: &protocol.OptionsQuery{
		FormID: form.ID, FieldKey: "supplier", Term: "a",
	}})
	var data *protocol.UIInteractionData
	collectUntil(t, sub, func(env *protocol.Envelope) bool {
		data = interactionFrame(env)
		return data != nil && data.FieldKey == "supplier"
	})
	if len(data.Results) != 0 {
		t.Errorf("expected no results below min_chars, got %+v", data.Results)
	}

	h.deliver(t, &protocol.ClientEvent{Kind: protocol.ClientOptionsQuery, Query: &protocol.OptionsQuery{
		FormID: form.ID, FieldKey: "supplier", Term: "ac",
	}})
	collectUntil(t, sub, func(env *protocol.Envelope) bool {
		data = interactionFrame(env)
		return data != nil && len(data.Results) > 0
	})
	if data.Results[0].Label != "Acme Supplies" || data.FormID != form.ID || data.FieldKey != "supplier" {
		t.Errorf("unexpected results frame %+v", data)
	}
	if data.HasMore == nil || !*data.HasMore {
		t.Error("expected hasMore to survive the round trip")
	}

	if h.sess().State() != session.StateAwaitingHuman {
		t.Errorf("options queries must not leave suspension, state %s", h.sess().State())
	}
	if got := len(h.sess().History()); got != before {
		t.Errorf("options traffic must not enter history: %d -> %d", before, got)
	}
}

func TestFormTimeoutRecovers(t *testing.T) {
	cfg := testConfig(func(c *config.Config) {
		c.Workflows["default"].FormTimeout = config.Duration(time.Millisecond)
	})
	h := newHarness(t, cfg, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Collect input"),
		toolTurn(llms.ToolCall{ID: "f1", Name: "request_form", Args: map[string]any{
			"form": map[string]any{
				"fields": []any{map[string]any{"type": "text", "key": "note", "label": "Note"}},
			},
		}}),
	)

	h.send(t, "ask me something")
	waitForm(t, sub)
	h.waitState(t, session.StateAwaitingHuman)

	time.Sleep(20 * time.Millisecond)
	h.mock.Enqueue(finishTurn("proceeding without the note"))
	if got := h.orc.ExpireForms(context.Background()); got != 1 {
		t.Fatalf("expected 1 expired form, got %d", got)
	}
	waitFinish(t, sub)

	var timedOut bool
	for _, msg := range h.sess().History() {
		if msg.Kind == session.KindSystemNote && msg.ErrorKind == KindTimeout {
			timedOut = true
		}
	}
	if !timedOut {
		t.Error("expected a timeout note in history")
	}
}

func TestDelegateRebindsStep(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Summarise the report"),
		toolTurn(llms.ToolCall{ID: "d1", Name: "delegate", Args: map[string]any{
			"agent": "helper", "inputs": map[string]any{"note": "use bullet points"},
		}}),
		finishTurn("summary done"),
	)

	h.send(t, "summarise this")
	waitFinish(t, sub)

	plan := h.sess().Plan()
	if len(plan) != 1 || plan[0].AgentName != "helper" {
		t.Errorf("expected the step rebound to helper, got %+v", plan)
	}
	if plan[0].Inputs["note"] != "use bullet points" {
		t.Errorf("expected delegation inputs merged, got %+v", plan[0].Inputs)
	}
	if plan[0].Status != session.StepDone {
		t.Errorf("expected the delegated step done, got %s", plan[0].Status)
	}
}

func TestDestroyIdleReapsSessionState(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.send(t, "quick one")
	waitFinish(t, sub)
	h.waitState(t, session.StateTerminal)

	if got := h.orc.DestroyIdle(context.Background(), 0); got != 1 {
		t.Fatalf("expected 1 destroyed session, got %d", got)
	}
	if got := h.orc.ResidentCount(); got != 0 {
		t.Errorf("expected no residents, got %d", got)
	}
	cp, err := h.cps.LoadLatest(context.Background(), h.key)
	if err != nil || cp != nil {
		t.Errorf("expected checkpoints dropped, got cp=%v err=%v", cp, err)
	}
}

func TestAttachReplaysPendingForm(t *testing.T) {
	h := newHarness(t, nil, nil)
	sub := h.attach(t)

	h.mock.Enqueue(
		planTurn("Collect input"),
		toolTurn(llms.ToolCall{ID: "f1", Name: "request_form", Args: map[string]any{
			"form": map[string]any{
				"fields": []any{map[string]any{"type": "text", "key": "note", "label": "Note"}},
			},
		}}),
	)

	h.send(t, "ask me")
	form := waitForm(t, sub)
	sub.Unsubscribe()

	// A client attaching later sees the outstanding form again.
	sub2 := h.attach(t)
	replayed := waitForm(t, sub2)
	if replayed.ID != form.ID {
		t.Errorf("expected the same form replayed, got %q want %q", replayed.ID, form.ID)
	}
}
