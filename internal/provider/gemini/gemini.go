// Package gemini runs tasks against the Gemini API. The API holds no
// conversation state, so every prompt resends the transcript as history.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

const (
	Name         = "gemini"
	DefaultModel = "gemini-2.5-flash"
)

var (
	ErrNoAPIKey = errors.New("gemini api key is required")
	ErrNoStore  = errors.New("gemini needs a transcript store")
	ErrBlocked  = errors.New("gemini blocked the prompt")
)

type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	SystemInstruction string
	// IncludeThoughts streams thought summaries as reasoning.
	IncludeThoughts bool

	Store  *transcript.Store
	NewID  func() string
	Logger *slog.Logger
}

type Adapter struct {
	client            *genai.Client
	model             string
	systemInstruction string
	includeThoughts   bool
	store             *transcript.Store
	newID             func() string
	logger            *slog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "gemini-" + uuid.NewString() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Adapter{
		client:            client,
		model:             cfg.Model,
		systemInstruction: cfg.SystemInstruction,
		includeThoughts:   cfg.IncludeThoughts,
		store:             cfg.Store,
		newID:             cfg.NewID,
		logger:            cfg.Logger.With("provider", Name),
	}, nil
}

func (a *Adapter) Name() string { return Name }

// history rebuilds the conversation from stored messages. Thoughts and
// tool parts are not replayed.
func history(msgs []domain.Message) []*genai.Content {
	var out []*genai.Content
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		role := genai.RoleUser
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(text, role))
	}
	return out
}

func (a *Adapter) config() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if a.systemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(a.systemInstruction, genai.RoleUser)
	}
	if a.includeThoughts {
		cfg.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	return cfg
}

func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.Stream, error) {
	id := opts.TaskID
	var prior []domain.Message
	if opts.Resume && id != "" {
		if err := transcript.ValidateTaskID(id); err != nil {
			return nil, err
		}
		msgs, err := a.store.ReadAll(id)
		var corrupt *transcript.CorruptionError
		if err != nil && !errors.As(err, &corrupt) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read history: %w", err)
		}
		prior = msgs
	} else {
		id = a.newID()
	}

	model := a.model
	if opts.Model != "" {
		model = opts.Model
	}

	return provider.NewStream(ctx, func(ctx context.Context, emit provider.EmitFunc) (provider.RunResult, error) {
		result := provider.RunResult{ProviderTaskID: id}
		send := func(msg domain.Message) error {
			if err := a.store.AppendMessage(id, msg); err != nil {
				a.logger.Warn("transcript append failed", "task", id, "err", err)
			}
			return emit(msg)
		}

		if err := send(domain.NewTextMessage(domain.RoleUser, opts.Prompt)); err != nil {
			return result, err
		}

		contents := append(history(prior), genai.NewContentFromText(opts.Prompt, genai.RoleUser))
		var text, thoughts strings.Builder
		var streamErr error
		for resp, err := range a.client.Models.GenerateContentStream(ctx, model, contents, a.config()) {
			if err != nil {
				streamErr = err
				break
			}
			if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
				streamErr = fmt.Errorf("%w: %s", ErrBlocked, fb.BlockReason)
				break
			}
			for _, cand := range resp.Candidates {
				if cand.Content == nil {
					continue
				}
				for _, part := range cand.Content.Parts {
					if part == nil || part.Text == "" {
						continue
					}
					if part.Thought {
						thoughts.WriteString(part.Text)
						opts.Reasoning(part.Text)
					} else {
						text.WriteString(part.Text)
					}
				}
			}
		}

		var parts []domain.ContentPart
		if thoughts.Len() > 0 {
			parts = append(parts, domain.ThinkingPart(thoughts.String()))
		}
		if text.Len() > 0 {
			parts = append(parts, domain.TextPart(text.String()))
		}
		if len(parts) > 0 {
			if err := send(domain.NewMessage(domain.RoleAssistant, parts...)); err != nil {
				return result, err
			}
		}

		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if streamErr != nil {
			return result, streamErr
		}
		result.Turns = 1
		return result, nil
	}), nil
}

func (a *Adapter) GetMessages(ctx context.Context, taskID string, opts provider.PageOptions) (provider.Page, error) {
	return a.store.Page(taskID, opts)
}

func (a *Adapter) TranscriptPath(ctx context.Context, taskID string) (string, error) {
	return a.store.Path(taskID)
}

func (a *Adapter) NormalizeLine(line []byte, indexHint int) (domain.Message, bool) {
	return transcript.NormalizeLine(line, indexHint)
}
