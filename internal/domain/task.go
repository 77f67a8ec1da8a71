package domain

import (
	"errors"
	"fmt"
	"slices"
)

type TaskStatus string

const (
	TaskStatusIdle               TaskStatus = "idle"
	TaskStatusStarting           TaskStatus = "starting"
	TaskStatusRunning            TaskStatus = "running"
	TaskStatusWaitingForApproval TaskStatus = "waiting_for_approval"
	TaskStatusCompleted          TaskStatus = "completed"
	TaskStatusError              TaskStatus = "error"
	TaskStatusInterrupted        TaskStatus = "interrupted"

	// TaskStatusHistory is reported to viewers of an id the registry does not
	// know; only a transcript exists for it.
	TaskStatusHistory TaskStatus = "history"
)

func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal reports whether a run has ended in this status.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusError, TaskStatusInterrupted:
		return true
	default:
		return false
	}
}

// IsBusy reports whether a run is in flight, which rules out a new prompt.
func (s TaskStatus) IsBusy() bool {
	switch s {
	case TaskStatusStarting, TaskStatusRunning, TaskStatusWaitingForApproval:
		return true
	default:
		return false
	}
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
)

func NewInvalidTransitionError(from, to TaskStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

var validTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusIdle:               {TaskStatusStarting},
	TaskStatusStarting:           {TaskStatusRunning, TaskStatusError, TaskStatusInterrupted},
	TaskStatusRunning:            {TaskStatusWaitingForApproval, TaskStatusCompleted, TaskStatusError, TaskStatusInterrupted},
	TaskStatusWaitingForApproval: {TaskStatusRunning, TaskStatusCompleted, TaskStatusError, TaskStatusInterrupted},
	TaskStatusCompleted:          {TaskStatusStarting},
	TaskStatusError:              {TaskStatusStarting},
	TaskStatusInterrupted:        {TaskStatusStarting},
}

func CanTransition(from, to TaskStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}
