// Package openai talks to the OpenAI Responses API. A task is a chain of
// stored responses: the first response id names the task and each follow-up
// continues from the last response recorded in the transcript.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

const (
	Name         = "openai"
	DefaultModel = "gpt-5-mini"

	metaLastResponse = "last_response"
)

var (
	ErrNoAPIKey       = errors.New("openai api key is required")
	ErrNoResponseID   = errors.New("openai stream ended before a response id")
	ErrResponseFailed = errors.New("openai response failed")
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Instructions is sent as the system prompt of every request.
	Instructions string
	// ReasoningSummary asks reasoning models for a streamed summary.
	ReasoningSummary bool
	MaxRetries       int

	Store  *transcript.Store
	Logger *slog.Logger
}

type Adapter struct {
	client           openai.Client
	model            string
	instructions     string
	reasoningSummary bool
	store            *transcript.Store
	logger           *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Adapter{
		client:           openai.NewClient(opts...),
		model:            cfg.Model,
		instructions:     cfg.Instructions,
		reasoningSummary: cfg.ReasoningSummary,
		store:            cfg.Store,
		logger:           cfg.Logger.With("provider", Name),
	}, nil
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) params(opts provider.RunOptions, previous string) responses.ResponseNewParams {
	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(opts.Prompt)},
		Store: openai.Bool(true),
	}
	if a.instructions != "" {
		params.Instructions = openai.String(a.instructions)
	}
	if previous != "" {
		params.PreviousResponseID = openai.String(previous)
	}
	if a.reasoningSummary {
		params.Reasoning = shared.ReasoningParam{Summary: shared.ReasoningSummaryAuto}
	}
	return params
}

func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.Stream, error) {
	var taskID, previous string
	if opts.Resume && opts.TaskID != "" {
		if err := transcript.ValidateTaskID(opts.TaskID); err != nil {
			return nil, err
		}
		taskID = opts.TaskID
		previous = taskID
		if a.store != nil {
			if last, err := a.store.Meta(taskID, metaLastResponse); err == nil && last != "" {
				previous = last
			}
		}
	}

	params := a.params(opts, previous)
	return provider.NewStream(ctx, func(ctx context.Context, emit provider.EmitFunc) (provider.RunResult, error) {
		r := &run{adapter: a, taskID: taskID, emit: emit}
		result, err := r.stream(ctx, opts, params)
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		return result, err
	}), nil
}

// run holds one streamed response. Messages produced before the response
// id is known are written to the transcript once it arrives.
type run struct {
	adapter *Adapter
	taskID  string
	emit    provider.EmitFunc
	pending []domain.Message
}

func (r *run) send(msg domain.Message) error {
	if r.taskID == "" {
		r.pending = append(r.pending, msg)
	} else {
		r.persist(msg)
	}
	return r.emit(msg)
}

func (r *run) persist(msg domain.Message) {
	if r.adapter.store == nil {
		return
	}
	if err := r.adapter.store.AppendMessage(r.taskID, msg); err != nil {
		r.adapter.logger.Warn("transcript append failed", "task", r.taskID, "err", err)
	}
}

func (r *run) identify(responseID string) {
	if r.taskID == "" {
		if err := transcript.ValidateTaskID(responseID); err != nil {
			r.adapter.logger.Warn("response id unusable as task id", "id", responseID)
			return
		}
		r.taskID = responseID
		for _, msg := range r.pending {
			r.persist(msg)
		}
		r.pending = nil
	}
	if r.adapter.store != nil {
		if err := r.adapter.store.AppendMeta(r.taskID, map[string]string{metaLastResponse: responseID}); err != nil {
			r.adapter.logger.Warn("transcript meta append failed", "task", r.taskID, "err", err)
		}
	}
}

func (r *run) stream(ctx context.Context, opts provider.RunOptions, params responses.ResponseNewParams) (provider.RunResult, error) {
	result := provider.RunResult{ProviderTaskID: r.taskID}
	if err := r.send(domain.NewTextMessage(domain.RoleUser, opts.Prompt)); err != nil {
		return result, err
	}

	var (
		text      strings.Builder
		reasoning strings.Builder
		failure   error
		seenID    bool
	)
	stream := r.adapter.client.Responses.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "response.created", "response.in_progress":
			if id := event.Response.ID; id != "" && !seenID {
				seenID = true
				r.identify(id)
				result.ProviderTaskID = r.taskID
			}
		case "response.output_text.delta":
			text.WriteString(event.Delta)
		case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
			reasoning.WriteString(event.Delta)
			opts.Reasoning(event.Delta)
		case "response.completed":
			result.Turns = 1
		case "response.failed", "response.incomplete":
			msg := event.Response.Error.Message
			if msg == "" {
				msg = string(event.Response.Status)
			}
			failure = fmt.Errorf("%w: %s", ErrResponseFailed, msg)
		case "error":
			failure = fmt.Errorf("%w: %s", ErrResponseFailed, event.Message)
		}
	}

	var parts []domain.ContentPart
	if reasoning.Len() > 0 {
		parts = append(parts, domain.ThinkingPart(reasoning.String()))
	}
	if text.Len() > 0 {
		parts = append(parts, domain.TextPart(text.String()))
	}
	if len(parts) > 0 {
		if err := r.send(domain.NewMessage(domain.RoleAssistant, parts...)); err != nil {
			return result, err
		}
	}

	if err := stream.Err(); err != nil {
		return result, err
	}
	if failure != nil {
		return result, failure
	}
	if result.ProviderTaskID == "" {
		return result, ErrNoResponseID
	}
	return result, nil
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
