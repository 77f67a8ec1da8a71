package service

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

// Task is the orchestrator's record of one agent conversation. Every field
// is guarded by mu and mutated only by the Orchestrator.
type Task struct {
	mu sync.Mutex

	id             string
	provider       string
	workingDir     string
	permissionMode string
	model          string

	status    domain.TaskStatus
	lastError string

	// started is set once a run has created a provider-side conversation, so
	// the next prompt resumes it.
	started bool
	cancel  context.CancelFunc
	runSeq  uint64

	pending     *PendingApproval
	preApproved map[string]struct{}
	commands    []string

	costUSD float64
	turns   int

	createdAt  time.Time
	updatedAt  time.Time
	finishedAt time.Time
}

func newTask(id string, req CreateTaskRequest, now time.Time) *Task {
	return &Task{
		id:             id,
		provider:       req.Provider,
		workingDir:     req.WorkingDir,
		permissionMode: req.PermissionMode,
		model:          req.Model,
		status:         domain.TaskStatusIdle,
		preApproved:    make(map[string]struct{}),
		createdAt:      now,
		updatedAt:      now,
	}
}

func (t *Task) ID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Task) Status() domain.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// setStatusLocked applies a transition from the status table. Invalid
// transitions are rejected and reported.
func (t *Task) setStatusLocked(to domain.TaskStatus) error {
	if t.status == to {
		return nil
	}
	if !domain.CanTransition(t.status, to) {
		return domain.NewInvalidTransitionError(t.status, to)
	}
	t.status = to
	t.updatedAt = time.Now()
	if to.IsTerminal() {
		t.finishedAt = t.updatedAt
	}
	return nil
}

type ApprovalView struct {
	ToolName    string
	CallID      string
	Input       json.RawMessage
	RequestedAt time.Time
}

// Snapshot is a consistent copy of a task's state.
type Snapshot struct {
	ID             string
	Provider       string
	WorkingDir     string
	PermissionMode string
	Model          string
	Status         domain.TaskStatus
	Error          string
	Pending        *ApprovalView
	PreApproved    []string
	Commands       []string
	CostUSD        float64
	Turns          int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     time.Time
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Task) snapshotLocked() Snapshot {
	s := Snapshot{
		ID:             t.id,
		Provider:       t.provider,
		WorkingDir:     t.workingDir,
		PermissionMode: t.permissionMode,
		Model:          t.model,
		Status:         t.status,
		Error:          t.lastError,
		Commands:       slices.Clone(t.commands),
		CostUSD:        t.costUSD,
		Turns:          t.turns,
		CreatedAt:      t.createdAt,
		UpdatedAt:      t.updatedAt,
		FinishedAt:     t.finishedAt,
	}
	if p := t.pending; p != nil {
		s.Pending = &ApprovalView{
			ToolName:    p.ToolName,
			CallID:      p.CallID,
			Input:       p.Input,
			RequestedAt: p.RequestedAt,
		}
	}
	for name := range t.preApproved {
		s.PreApproved = append(s.PreApproved, name)
	}
	slices.Sort(s.PreApproved)
	return s
}
