// Package claude drives the Claude Code CLI in print mode. Output is the
// CLI's stream-json protocol; tool permission prompts travel over the same
// stdio as control requests. Transcripts are the CLI's own session files.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/circuit"
	"github.com/ricochet1k/taskrelay/internal/provider/process"
)

const Name = "claude"

var ErrNoResult = errors.New("claude exited without a result")

type Config struct {
	// Command defaults to "claude" on PATH.
	Command string
	// ExtraArgs are appended to every invocation.
	ExtraArgs   []string
	Environment map[string]string

	// ProjectsDir defaults to ~/.claude/projects.
	ProjectsDir string

	// StopTimeout bounds how long a cancelled CLI gets to exit.
	StopTimeout time.Duration

	Breaker *circuit.Breaker
	Logger  *slog.Logger
}

type Adapter struct {
	command     string
	extraArgs   []string
	env         map[string]string
	projectsDir string
	stopTimeout time.Duration
	breaker     *circuit.Breaker
	logger      *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.ProjectsDir == "" {
		cfg.ProjectsDir = DefaultProjectsDir()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.Breaker == nil {
		cfg.Breaker = circuit.NewBreaker(3, 30*time.Second)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		command:     cfg.Command,
		extraArgs:   cfg.ExtraArgs,
		env:         cfg.Environment,
		projectsDir: cfg.ProjectsDir,
		stopTimeout: cfg.StopTimeout,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger.With("provider", Name),
	}
}

func (a *Adapter) Name() string { return Name }

// buildArgs assembles the print-mode invocation. The prompt itself goes to
// stdin as a stream-json user message.
func buildArgs(opts provider.RunOptions, extra []string) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if opts.Resume && opts.TaskID != "" {
		args = append(args, "--resume", opts.TaskID)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	return append(args, extra...)
}

func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.Stream, error) {
	if err := a.breaker.Check(); err != nil {
		return nil, err
	}

	proc, err := process.Start(ctx, process.Config{
		Command:     a.command,
		Args:        buildArgs(opts, a.extraArgs),
		WorkingDir:  opts.WorkingDir,
		Environment: a.env,
		Logger:      a.logger,
	})
	if err != nil {
		a.breaker.RecordFailure()
		return nil, err
	}

	r := &run{adapter: a, proc: proc, opts: opts, stdin: proc.Stdin()}
	if err := r.writeJSON(userInput{
		Type:    "user",
		Message: inputMessage{Role: "user", Content: opts.Prompt},
	}); err != nil {
		_ = proc.Kill()
		_ = proc.Wait()
		a.breaker.RecordFailure()
		return nil, fmt.Errorf("send prompt: %w", err)
	}

	return provider.NewStream(ctx, r.consume), nil
}

type userInput struct {
	Type    string       `json:"type"`
	Message inputMessage `json:"message"`
}

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type controlResponse struct {
	Type     string          `json:"type"`
	Response controlEnvelope `json:"response"`
}

type controlEnvelope struct {
	Subtype   string             `json:"subtype"`
	RequestID string             `json:"request_id"`
	Response  permissionDecision `json:"response"`
}

type permissionDecision struct {
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updatedInput,omitempty"`
	Message      string          `json:"message,omitempty"`
}

type run struct {
	adapter *Adapter
	proc    *process.Manager
	opts    provider.RunOptions

	mu    sync.Mutex
	stdin io.WriteCloser
}

func (r *run) writeJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err = r.stdin.Write(append(b, '\n'))
	return err
}

func (r *run) closeStdin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.stdin.Close()
}

func (r *run) consume(ctx context.Context, emit provider.EmitFunc) (provider.RunResult, error) {
	a := r.adapter
	result := provider.RunResult{}
	if r.opts.Resume {
		result.ProviderTaskID = r.opts.TaskID
	}

	// The CLI does not echo stream-json input back.
	if err := emit(domain.NewTextMessage(domain.RoleUser, r.opts.Prompt)); err != nil {
		return result, r.stop(err)
	}

	// Reaping the process closes stdout, which unblocks the scanner even if
	// a grandchild still holds the pipe.
	defer context.AfterFunc(ctx, func() { _ = r.proc.Wait() })()

	var (
		finished bool
		runErr   error
	)
	scanner := bufio.NewScanner(r.proc.Stdout())
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line, ok := ParseLine(scanner.Bytes())
		if !ok {
			continue
		}
		if id := line.SessionID(); id != "" {
			result.ProviderTaskID = id
		}

		switch {
		case line.IsInit():
			r.opts.Commands(line.SlashCommands())
		case line.Type == LineStreamEvent:
			if frag, ok := line.ThinkingDelta(); ok {
				r.opts.Reasoning(frag)
			}
		case line.Type == LineControlRequest:
			if err := r.answerPermission(ctx, line); err != nil {
				return result, r.stop(err)
			}
		case line.Type == LineResult:
			res := line.Result()
			result.CostUSD = res.CostUSD
			result.Turns = res.Turns
			if res.IsError {
				runErr = errors.New(res.Text)
			}
			finished = true
			r.closeStdin()
		default:
			if msg, ok := line.Message(0); ok {
				if err := emit(msg); err != nil {
					return result, r.stop(err)
				}
			}
		}
	}

	waitErr := r.proc.Wait()
	switch {
	case ctx.Err() != nil:
		return result, ctx.Err()
	case scanner.Err() != nil:
		a.breaker.RecordFailure()
		return result, fmt.Errorf("read claude output: %w", scanner.Err())
	case !finished:
		a.breaker.RecordFailure()
		if waitErr != nil {
			return result, fmt.Errorf("%w: %v", ErrNoResult, waitErr)
		}
		return result, ErrNoResult
	}
	a.breaker.RecordSuccess()
	return result, runErr
}

// stop ends the process after the consumer went away and returns cause.
func (r *run) stop(cause error) error {
	_ = r.proc.Stop(r.adapter.stopTimeout)
	return cause
}

func (r *run) answerPermission(ctx context.Context, line Line) error {
	req, ok := line.PermissionRequest()
	if !ok {
		r.adapter.logger.Debug("ignoring control request", "subtype", line.Raw.Get("request.subtype").String())
		return nil
	}

	decision, err := r.opts.RequestApproval(ctx, provider.ApprovalRequest{
		ToolName: req.ToolName,
		CallID:   req.ToolUseID,
		Input:    req.Input,
	})
	if err != nil {
		return err
	}

	answer := permissionDecision{Behavior: "deny", Message: decision.Message}
	if decision.Allow {
		answer = permissionDecision{Behavior: "allow", UpdatedInput: decision.UpdatedInput}
		if len(answer.UpdatedInput) == 0 {
			answer.UpdatedInput = req.Input
		}
		if len(answer.UpdatedInput) == 0 {
			answer.UpdatedInput = json.RawMessage("{}")
		}
	} else if answer.Message == "" {
		answer.Message = "denied"
	}

	return r.writeJSON(controlResponse{
		Type: "control_response",
		Response: controlEnvelope{
			Subtype:   "success",
			RequestID: req.RequestID,
			Response:  answer,
		},
	})
}
