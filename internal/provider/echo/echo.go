// Package echo is a deterministic adapter. It repeats the prompt back and
// can be steered into reasoning, tool approval and failure paths with
// prompt prefixes, which makes it the workhorse of end-to-end tests.
//
// Prompt forms:
//
//	think: <text>         reasoning fragments, then a thinking message
//	tool:<name> <text>    asks for approval before "running" the tool
//	fail: <text>          the run ends with an error
//	anything else         "Echo: <prompt>"
package echo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

const Name = "echo"

var SlashCommands = []string{"/think", "/tool", "/fail"}

type Config struct {
	Store *transcript.Store

	// Delay is slept before each emitted item, observing cancellation.
	Delay time.Duration

	// NewID issues the provider task id of a fresh conversation.
	NewID func() string

	Logger *slog.Logger
}

type Adapter struct {
	store  *transcript.Store
	delay  time.Duration
	newID  func() string
	logger *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "echo-" + uuid.NewString() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		store:  cfg.Store,
		delay:  cfg.Delay,
		newID:  cfg.NewID,
		logger: cfg.Logger.With("provider", Name),
	}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.Stream, error) {
	id := opts.TaskID
	if !opts.Resume || id == "" {
		id = a.newID()
	}
	if err := transcript.ValidateTaskID(id); err != nil {
		return nil, err
	}

	return provider.NewStream(ctx, func(ctx context.Context, emit provider.EmitFunc) (provider.RunResult, error) {
		result := provider.RunResult{ProviderTaskID: id, Turns: 1}
		r := &run{adapter: a, id: id, opts: opts, emit: emit}
		opts.Commands(SlashCommands)
		return result, r.respond(ctx)
	}), nil
}

type run struct {
	adapter *Adapter
	id      string
	opts    provider.RunOptions
	emit    provider.EmitFunc
}

func (r *run) wait(ctx context.Context) error {
	if r.adapter.delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(r.adapter.delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *run) send(ctx context.Context, msg domain.Message) error {
	if err := r.wait(ctx); err != nil {
		return err
	}
	if r.adapter.store != nil {
		if err := r.adapter.store.AppendMessage(r.id, msg); err != nil {
			r.adapter.logger.Warn("transcript append failed", "task", r.id, "err", err)
		}
	}
	return r.emit(msg)
}

func (r *run) respond(ctx context.Context) error {
	prompt := r.opts.Prompt
	if err := r.send(ctx, domain.NewTextMessage(domain.RoleUser, prompt)); err != nil {
		return err
	}

	switch {
	case strings.HasPrefix(prompt, "think:"):
		return r.think(ctx, strings.TrimSpace(strings.TrimPrefix(prompt, "think:")))
	case strings.HasPrefix(prompt, "tool:"):
		name, text, _ := strings.Cut(strings.TrimPrefix(prompt, "tool:"), " ")
		return r.tool(ctx, name, strings.TrimSpace(text))
	case strings.HasPrefix(prompt, "fail:"):
		if err := r.wait(ctx); err != nil {
			return err
		}
		return errors.New(strings.TrimSpace(strings.TrimPrefix(prompt, "fail:")))
	default:
		return r.send(ctx, domain.NewTextMessage(domain.RoleAssistant, "Echo: "+prompt))
	}
}

func (r *run) think(ctx context.Context, text string) error {
	for _, word := range strings.Fields(text) {
		if err := r.wait(ctx); err != nil {
			return err
		}
		r.opts.Reasoning(word + " ")
	}
	return r.send(ctx, domain.NewMessage(domain.RoleAssistant,
		domain.ThinkingPart(text),
		domain.TextPart("Echo: "+text),
	))
}

type toolInput struct {
	Text string `json:"text"`
}

func (r *run) tool(ctx context.Context, name, text string) error {
	callID := "call-" + uuid.NewString()
	input, err := json.Marshal(toolInput{Text: text})
	if err != nil {
		return err
	}

	decision, err := r.opts.RequestApproval(ctx, provider.ApprovalRequest{
		ToolName: name,
		CallID:   callID,
		Input:    input,
	})
	if err != nil {
		return err
	}

	if !decision.Allow {
		reason := decision.Message
		if reason == "" {
			reason = "denied"
		}
		return r.send(ctx, domain.NewMessage(domain.RoleAssistant,
			domain.ToolResultPart(callID, reason, true),
		))
	}

	if len(decision.UpdatedInput) > 0 {
		var updated toolInput
		if err := json.Unmarshal(decision.UpdatedInput, &updated); err == nil {
			input = decision.UpdatedInput
			text = updated.Text
		}
	}
	if err := r.send(ctx, domain.NewMessage(domain.RoleAssistant,
		domain.ToolUsePart(name, callID, input),
	)); err != nil {
		return err
	}
	if err := r.send(ctx, domain.NewMessage(domain.RoleUser,
		domain.ToolResultPart(callID, text, false),
	)); err != nil {
		return err
	}
	return r.send(ctx, domain.NewTextMessage(domain.RoleAssistant, "Echo: "+text))
}

func (a *Adapter) GetMessages(ctx context.Context, taskID string, opts provider.PageOptions) (provider.Page, error) {
	if a.store == nil {
		return provider.Paginate(nil, opts), nil
	}
	return a.store.Page(taskID, opts)
}

func (a *Adapter) TranscriptPath(ctx context.Context, taskID string) (string, error) {
	if a.store == nil {
		return "", nil
	}
	return a.store.Path(taskID)
}

func (a *Adapter) NormalizeLine(line []byte, indexHint int) (domain.Message, bool) {
	return transcript.NormalizeLine(line, indexHint)
}
