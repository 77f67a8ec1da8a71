package provider

import (
	"context"
	"encoding/json"

	"github.com/ricochet1k/taskrelay/internal/domain"
)

// Adapter is the capability an agent backend exposes to the rest of the
// system. The router and orchestrator depend only on this interface.
type Adapter interface {
	Name() string

	// Run starts one prompt against the agent. Messages are produced lazily
	// through the returned Stream; cancellation is the context.
	Run(ctx context.Context, opts RunOptions) (*Stream, error)

	// GetMessages reads the persisted transcript, newest-first window ending
	// at opts.Before, returned in ascending index order.
	GetMessages(ctx context.Context, taskID string, opts PageOptions) (Page, error)

	// TranscriptPath resolves the on-disk transcript. It returns "" with a
	// nil error when the adapter knows of no transcript for taskID.
	TranscriptPath(ctx context.Context, taskID string) (string, error)

	// NormalizeLine turns one transcript line into a message. It must be
	// pure: the poll loop calls it with the entry lock held.
	NormalizeLine(line []byte, indexHint int) (domain.Message, bool)
}

type ApprovalRequest struct {
	ToolName string
	CallID   string
	Input    json.RawMessage
}

// ApprovalDecision has two outcomes: allow (optionally with rewritten input)
// or deny with a message for the agent.
type ApprovalDecision struct {
	Allow        bool
	UpdatedInput json.RawMessage
	Message      string
}

func Allow(updatedInput json.RawMessage) ApprovalDecision {
	return ApprovalDecision{Allow: true, UpdatedInput: updatedInput}
}

func Deny(message string) ApprovalDecision {
	return ApprovalDecision{Message: message}
}

type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)

type RunOptions struct {
	Prompt string

	// TaskID is the id the task currently has. With Resume set it names the
	// provider conversation to continue.
	TaskID string
	Resume bool

	WorkingDir     string
	PermissionMode string
	Model          string

	Approve     ApprovalFunc
	OnReasoning func(fragment string)
	OnCommands  func(commands []string)
}

// RequestApproval calls the approval callback, treating a missing one as an
// automatic allow.
func (o RunOptions) RequestApproval(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	if o.Approve == nil {
		return Allow(nil), nil
	}
	return o.Approve(ctx, req)
}

func (o RunOptions) Reasoning(fragment string) {
	if o.OnReasoning != nil && fragment != "" {
		o.OnReasoning(fragment)
	}
}

func (o RunOptions) Commands(commands []string) {
	if o.OnCommands != nil {
		o.OnCommands(commands)
	}
}

type RunResult struct {
	// ProviderTaskID is set when the provider issued its own id for the
	// conversation. It may equal the id the run started with.
	ProviderTaskID string
	CostUSD        float64
	Turns          int
}

type PageOptions struct {
	Before *int
	Limit  int
}

// SubTask is a delegated agent invocation found in a transcript.
type SubTask struct {
	ToolUseID   string `json:"toolUseId"`
	Description string `json:"description,omitempty"`
	Index       int    `json:"index"`
}

type Page struct {
	Messages      []domain.Message
	HasMore       bool
	OldestIndex   int
	TotalMessages int
	Tasks         []SubTask
}
