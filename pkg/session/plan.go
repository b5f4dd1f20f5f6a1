// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package session

import "fmt"

// StepStatus is the lifecycle state of one plan step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepAwaitingUser StepStatus = "awaiting_user"
	StepDone         StepStatus = "done"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
)

// Terminal reports whether the status is final. Terminal steps are
// immutable.
func (s StepStatus) Terminal() bool {
	return s == StepDone || s == StepFailed || s == StepSkipped
}

// PlanStep is one unit of work in the plan, bound to a single agent.
type PlanStep struct {
	Index     int            `json:"index"`
	Title     string         `json:"title"`
	AgentName string         `json:"agent_name"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Status    StepStatus     `json:"status"`
	OutputRef string         `json:"output_ref,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
}

// SetPlan replaces the plan. Steps are renumbered and reset to pending
// unless they already carry a status.
func (s *Session) SetPlan(steps []PlanStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan := make([]PlanStep, len(steps))
	copy(plan, steps)
	for i := range plan {
		plan[i].Index = i
		if plan[i].Status == "" {
			plan[i].Status = StepPending
		}
	}
	s.plan = plan
	s.lastActive = s.clock()
}

// Plan returns a copy of the plan.
func (s *Session) Plan() []PlanStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PlanStep, len(s.plan))
	copy(out, s.plan)
	return out
}

// PlanLen returns the number of plan steps.
func (s *Session) PlanLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plan)
}

// StepAt returns a copy of the step at index.
func (s *Session) StepAt(index int) (PlanStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.plan) {
		return PlanStep{}, fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	return s.plan[index], nil
}

// SetStepStatus transitions one step. Terminal steps are immutable, and at
// most one step may be running at a time.
func (s *Session) SetStepStatus(index int, status StepStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	step := &s.plan[index]
	if step.Status.Terminal() {
		return fmt.Errorf("step %d is %s and immutable", index, step.Status)
	}
	if status == StepRunning {
		for i := range s.plan {
			if i != index && s.plan[i].Status == StepRunning {
				return fmt.Errorf("step %d is already running", i)
			}
		}
	}
	step.Status = status
	s.lastActive = s.clock()
	return nil
}

// SetStepOutput records the output reference of a finishing step.
func (s *Session) SetStepOutput(index int, outputRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	s.plan[index].OutputRef = outputRef
	return nil
}

// RebindStepAgent changes the agent of a non-terminal step (delegation).
func (s *Session) RebindStepAgent(index int, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	if s.plan[index].Status.Terminal() {
		return fmt.Errorf("step %d is %s and immutable", index, s.plan[index].Status)
	}
	s.plan[index].AgentName = agentName
	return nil
}

// MergeStepInputs overlays inputs onto a non-terminal step. A delegating
// agent uses this to hand context to the delegate.
func (s *Session) MergeStepInputs(index int, inputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	if s.plan[index].Status.Terminal() {
		return fmt.Errorf("step %d is %s and immutable", index, s.plan[index].Status)
	}
	if len(inputs) == 0 {
		return nil
	}
	if s.plan[index].Inputs == nil {
		s.plan[index].Inputs = make(map[string]any, len(inputs))
	}
	for k, v := range inputs {
		s.plan[index].Inputs[k] = v
	}
	return nil
}

// BumpStepAttempts increments the retry counter of a step and returns the
// new value.
func (s *Session) BumpStepAttempts(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return 0, fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	s.plan[index].Attempts++
	return s.plan[index].Attempts, nil
}

// RunningStep returns the index of the running step, or -1.
func (s *Session) RunningStep() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.plan {
		if s.plan[i].Status == StepRunning {
			return i
		}
	}
	return -1
}

// ResetStepForRetry returns a failed-in-flight step to pending so recovery
// can re-run it. Only non-terminal steps can be reset.
func (s *Session) ResetStepForRetry(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.plan) {
		return fmt.Errorf("step %d out of range (plan has %d steps)", index, len(s.plan))
	}
	if s.plan[index].Status.Terminal() {
		return fmt.Errorf("step %d is %s and immutable", index, s.plan[index].Status)
	}
	s.plan[index].Status = StepPending
	return nil
}
