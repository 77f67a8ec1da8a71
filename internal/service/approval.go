package service

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

// PendingApproval is a parked tool call waiting for a viewer's decision. It
// resolves at most once.
type PendingApproval struct {
	ToolName    string
	CallID      string
	Input       json.RawMessage
	RequestedAt time.Time

	reply chan provider.ApprovalDecision
	once  sync.Once
}

func newPendingApproval(req provider.ApprovalRequest) *PendingApproval {
	return &PendingApproval{
		ToolName:    req.ToolName,
		CallID:      req.CallID,
		Input:       req.Input,
		RequestedAt: time.Now(),
		reply:       make(chan provider.ApprovalDecision, 1),
	}
}

func (p *PendingApproval) resolve(d provider.ApprovalDecision) bool {
	resolved := false
	p.once.Do(func() {
		p.reply <- d
		resolved = true
	})
	return resolved
}

// ApproveRequest is a viewer's allow decision.
type ApproveRequest struct {
	CallID       string
	AlwaysAllow  bool
	UpdatedInput json.RawMessage
	// Answers fills in the "answers" field of the tool input, which is how
	// question-asking tools receive the user's replies.
	Answers map[string]string
}

func (o *Orchestrator) Approve(taskID string, req ApproveRequest) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	t.mu.Lock()
	p := t.pending
	if p == nil || p.CallID != req.CallID {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, req.CallID)
	}
	t.pending = nil
	if req.AlwaysAllow {
		t.preApproved[p.ToolName] = struct{}{}
	}
	t.mu.Unlock()

	input := req.UpdatedInput
	if len(req.Answers) > 0 {
		merged, err := withAnswers(input, p.Input, req.Answers)
		if err != nil {
			o.logger.Warn("could not attach answers to tool input", "task", taskID, "call", p.CallID, "err", err)
		} else {
			input = merged
		}
	}

	if !p.resolve(provider.Allow(input)) {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, req.CallID)
	}
	return nil
}

func (o *Orchestrator) Deny(taskID, callID, message string) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	t.mu.Lock()
	p := t.pending
	if p == nil || p.CallID != callID {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, callID)
	}
	t.pending = nil
	t.mu.Unlock()

	if message == "" {
		message = "denied by user"
	}
	if !p.resolve(provider.Deny(message)) {
		return fmt.Errorf("%w: %s", ErrNoPendingApproval, callID)
	}
	return nil
}

func withAnswers(updated, original json.RawMessage, answers map[string]string) (json.RawMessage, error) {
	base := updated
	if len(base) == 0 {
		base = original
	}
	fields := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &fields); err != nil {
			return nil, err
		}
	}
	fields["answers"] = answers
	return json.Marshal(fields)
}

// approver builds the approval callback handed to the adapter for one run.
func (o *Orchestrator) approver(t *Task) provider.ApprovalFunc {
	return func(ctx context.Context, req provider.ApprovalRequest) (decision provider.ApprovalDecision, err error) {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("approval bridge panicked", "task", t.ID(), "tool", req.ToolName, "panic", r, "stack", string(debug.Stack()))
				decision, err = provider.Deny("approval failed"), nil
			}
		}()

		p, parked := o.park(t, req)
		if !parked {
			return provider.Allow(nil), nil
		}

		select {
		case decision = <-p.reply:
		case <-ctx.Done():
			t.mu.Lock()
			if t.pending == p {
				t.pending = nil
			}
			t.mu.Unlock()
			// Claim the once so a racing Approve reports no pending approval.
			p.resolve(provider.ApprovalDecision{})
			return provider.Deny("run cancelled"), nil
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		if t.status == domain.TaskStatusWaitingForApproval {
			o.setStatusLocked(t, domain.TaskStatusRunning)
		}
		return decision, nil
	}
}

// park records the pending approval and announces it. It reports false when
// the tool is pre-approved for this task.
func (o *Orchestrator) park(t *Task, req provider.ApprovalRequest) (*PendingApproval, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.preApproved[req.ToolName]; ok {
		return nil, false
	}

	p := newPendingApproval(req)
	if prev := t.pending; prev != nil {
		prev.resolve(provider.Deny("superseded by a newer approval request"))
	}
	t.pending = p

	if t.status == domain.TaskStatusStarting {
		o.setStatusLocked(t, domain.TaskStatusRunning)
	}
	o.setStatusLocked(t, domain.TaskStatusWaitingForApproval)
	o.router.PushEvent(t.id, domain.NewToolApprovalEvent(t.id, req.ToolName, req.CallID, req.Input))
	return p, true
}
