package acp

import (
	"context"
	"strings"
	"sync"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
)

// run turns the session updates of one prompt into messages. Text and
// thought chunks are buffered and flushed as one assistant message whenever
// a tool call interrupts them or the prompt ends.
type run struct {
	ctx     context.Context
	adapter *Adapter
	taskID  string
	opts    provider.RunOptions

	mu       sync.Mutex
	emit     provider.EmitFunc
	textBuf  strings.Builder
	thinkBuf strings.Builder
	resolved map[string]bool
	err      error
}

func newRun(ctx context.Context, a *Adapter, taskID string, opts provider.RunOptions, emit provider.EmitFunc) *run {
	return &run{
		ctx:      ctx,
		adapter:  a,
		taskID:   taskID,
		opts:     opts,
		emit:     emit,
		resolved: make(map[string]bool),
	}
}

func (r *run) emitErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *run) send(msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendLocked(msg)
}

func (r *run) sendLocked(msg domain.Message) {
	if r.err != nil {
		return
	}
	if store := r.adapter.store; store != nil {
		if err := store.AppendMessage(r.taskID, msg); err != nil {
			r.adapter.logger.Warn("transcript append failed", "task", r.taskID, "err", err)
		}
	}
	r.err = r.emit(msg)
}

func (r *run) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

func (r *run) flushLocked() {
	var parts []domain.ContentPart
	if r.thinkBuf.Len() > 0 {
		parts = append(parts, domain.ThinkingPart(r.thinkBuf.String()))
		r.thinkBuf.Reset()
	}
	if r.textBuf.Len() > 0 {
		parts = append(parts, domain.TextPart(r.textBuf.String()))
		r.textBuf.Reset()
	}
	if len(parts) > 0 {
		r.sendLocked(domain.NewMessage(domain.RoleAssistant, parts...))
	}
}

func (r *run) text(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.textBuf.WriteString(s)
}

func (r *run) thought(s string) {
	r.opts.Reasoning(s)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thinkBuf.WriteString(s)
}

func (r *run) toolCall(tc toolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	r.sendLocked(domain.NewMessage(domain.RoleAssistant, domain.ToolUsePart(tc.name(), tc.id, tc.input)))
	r.resultLocked(tc)
}

func (r *run) toolUpdate(tc toolCall) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resultLocked(tc)
}

// resultLocked emits the tool result once the call reaches a final status.
func (r *run) resultLocked(tc toolCall) {
	if tc.id == "" || r.resolved[tc.id] {
		return
	}
	if tc.status != "completed" && tc.status != "failed" {
		return
	}
	r.resolved[tc.id] = true
	r.flushLocked()
	r.sendLocked(domain.NewMessage(domain.RoleUser, domain.ToolResultPart(tc.id, tc.output, tc.status == "failed")))
}

// approve asks the approval callback. It runs without the lock held since
// the decision may take arbitrarily long.
func (r *run) approve(tc toolCall) (provider.ApprovalDecision, error) {
	r.flush()
	return r.opts.RequestApproval(r.ctx, provider.ApprovalRequest{
		ToolName: tc.name(),
		CallID:   tc.id,
		Input:    tc.input,
	})
}

// denied records the refusal so the viewer sees why the tool did not run.
func (r *run) denied(callID, message string) {
	if message == "" {
		message = "denied"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if callID != "" {
		if r.resolved[callID] {
			return
		}
		r.resolved[callID] = true
	}
	r.sendLocked(domain.NewMessage(domain.RoleUser, domain.ToolResultPart(callID, message, true)))
}
