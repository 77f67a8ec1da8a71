// Package acp drives agents that speak the Agent Client Protocol over stdio.
// One agent process serves a task across prompts and exits after sitting idle.
package acp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sync"
	"time"

	acpsdk "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/provider/circuit"
	"github.com/ricochet1k/taskrelay/internal/provider/process"
	"github.com/ricochet1k/taskrelay/internal/provider/transcript"
)

const (
	DefaultName        = "acp"
	DefaultIdleTimeout = 10 * time.Minute

	metaSessionKey = "acp_session"
)

var (
	ErrNoCommand = errors.New("acp command not configured")
	ErrBusy      = errors.New("acp agent is already running a prompt")
	ErrClosed    = errors.New("acp adapter closed")
)

// Transport is the stdio of one agent.
type Transport struct {
	Stdin  io.Writer
	Stdout io.Reader
	Close  func() error
}

// DialFunc starts an agent. The context bounds the agent's lifetime, not
// just the dial.
type DialFunc func(ctx context.Context, workingDir string) (*Transport, error)

type Config struct {
	// Name is the provider name; several ACP agents can be registered
	// under different names.
	Name        string
	Command     string
	Args        []string
	Environment map[string]string
	MCPServers  []MCPServer

	Store *transcript.Store

	IdleTimeout time.Duration
	StopTimeout time.Duration

	// Dial replaces process spawning, mainly for tests.
	Dial DialFunc

	Breaker *circuit.Breaker
	Logger  *slog.Logger
}

type Adapter struct {
	name        string
	store       *transcript.Store
	mcpServers  []MCPServer
	idleTimeout time.Duration
	stopTimeout time.Duration
	dial        DialFunc
	breaker     *circuit.Breaker
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[string]*agentConn
}

var _ provider.Adapter = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
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
	for _, s := range cfg.MCPServers {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("mcp server %q: %w", s.Name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		name:        cfg.Name,
		store:       cfg.Store,
		mcpServers:  cfg.MCPServers,
		idleTimeout: cfg.IdleTimeout,
		stopTimeout: cfg.StopTimeout,
		dial:        cfg.Dial,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger.With("provider", cfg.Name),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*agentConn),
	}
	if a.dial == nil {
		if cfg.Command == "" {
			cancel()
			return nil, ErrNoCommand
		}
		a.dial = a.spawner(cfg.Command, cfg.Args, cfg.Environment)
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) spawner(command string, args []string, env map[string]string) DialFunc {
	return func(ctx context.Context, workingDir string) (*Transport, error) {
		proc, err := process.Start(ctx, process.Config{
			Command:     command,
			Args:        args,
			WorkingDir:  workingDir,
			Environment: maps.Clone(env),
			Logger:      a.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to start acp agent: %w", err)
		}
		return &Transport{
			Stdin:  proc.Stdin(),
			Stdout: proc.Stdout(),
			Close:  func() error { return proc.Stop(a.stopTimeout) },
		}, nil
	}
}

// Close stops every agent process.
func (a *Adapter) Close() error {
	a.cancel()
	a.mu.Lock()
	conns := make([]*agentConn, 0, len(a.conns))
	for id, ac := range a.conns {
		conns = append(conns, ac)
		delete(a.conns, id)
	}
	a.mu.Unlock()
	for _, ac := range conns {
		ac.close()
	}
	return nil
}

// agentConn is one live agent process and its ACP session.
type agentConn struct {
	taskID    string
	sessionID acpsdk.SessionId
	transport *Transport
	conn      *acpsdk.ClientSideConnection
	client    *client
	loadable  bool

	busy bool
	idle *time.Timer

	closeOnce sync.Once
}

func (ac *agentConn) close() {
	ac.closeOnce.Do(func() {
		if ac.idle != nil {
			ac.idle.Stop()
		}
		if ac.transport.Close != nil {
			_ = ac.transport.Close()
		}
	})
}

func (ac *agentConn) dead() bool {
	select {
	case <-ac.conn.Done():
		return true
	default:
		return false
	}
}

func (a *Adapter) workingDir(dir string) string {
	if dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// connect starts an agent and completes the ACP handshake.
func (a *Adapter) connect(ctx context.Context, workingDir string) (*agentConn, error) {
	if a.ctx.Err() != nil {
		return nil, ErrClosed
	}
	transport, err := a.dial(a.ctx, workingDir)
	if err != nil {
		return nil, err
	}

	cl := &client{workingDir: workingDir}
	ac := &agentConn{
		transport: transport,
		client:    cl,
		conn:      acpsdk.NewClientSideConnection(cl, transport.Stdin, transport.Stdout),
	}

	resp, err := ac.conn.Initialize(ctx, acpsdk.InitializeRequest{
		ProtocolVersion: acpsdk.ProtocolVersionNumber,
		ClientCapabilities: acpsdk.ClientCapabilities{
			Fs: acpsdk.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	})
	if err != nil {
		ac.close()
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	ac.loadable = resp.AgentCapabilities.LoadSession
	return ac, nil
}

func (a *Adapter) openSession(ctx context.Context, ac *agentConn, workingDir, resumeID string) error {
	servers, err := toSDK(a.mcpServers)
	if err != nil {
		return err
	}

	if resumeID != "" && ac.loadable {
		// Replayed history arrives while no run is current and is dropped.
		_, err := ac.conn.LoadSession(ctx, acpsdk.LoadSessionRequest{
			SessionId:  acpsdk.SessionId(resumeID),
			Cwd:        workingDir,
			McpServers: servers,
		})
		if err == nil {
			ac.sessionID = acpsdk.SessionId(resumeID)
			return nil
		}
		a.logger.Warn("load session failed, starting a new one", "session", resumeID, "err", err)
	}

	resp, err := ac.conn.NewSession(ctx, acpsdk.NewSessionRequest{
		Cwd:        workingDir,
		McpServers: servers,
	})
	if err != nil {
		return fmt.Errorf("new session failed: %w", err)
	}
	ac.sessionID = resp.SessionId
	return nil
}

// acquire returns a live connection for the task, starting an agent when
// none is running. A fresh conversation is keyed by its ACP session id.
func (a *Adapter) acquire(ctx context.Context, opts provider.RunOptions) (*agentConn, error) {
	resume := opts.Resume && opts.TaskID != ""
	if resume {
		a.mu.Lock()
		ac := a.conns[opts.TaskID]
		switch {
		case ac == nil:
		case ac.busy:
			a.mu.Unlock()
			return nil, ErrBusy
		case ac.dead():
			delete(a.conns, opts.TaskID)
			ac.close()
		default:
			ac.busy = true
			if ac.idle != nil {
				ac.idle.Stop()
			}
			a.mu.Unlock()
			return ac, nil
		}
		a.mu.Unlock()
	}

	workingDir := a.workingDir(opts.WorkingDir)
	ac, err := a.connect(ctx, workingDir)
	if err != nil {
		return nil, err
	}

	var previous string
	if resume && a.store != nil {
		previous, _ = a.store.Meta(opts.TaskID, metaSessionKey)
	}
	if err := a.openSession(ctx, ac, workingDir, previous); err != nil {
		ac.close()
		return nil, err
	}

	switch {
	case resume:
		ac.taskID = opts.TaskID
	case transcript.ValidateTaskID(string(ac.sessionID)) == nil:
		ac.taskID = string(ac.sessionID)
	default:
		ac.taskID = "acp-" + uuid.NewString()
	}
	if a.store != nil {
		if err := a.store.AppendMeta(ac.taskID, map[string]string{metaSessionKey: string(ac.sessionID)}); err != nil {
			a.logger.Warn("transcript meta append failed", "task", ac.taskID, "err", err)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if old := a.conns[ac.taskID]; old != nil && old != ac {
		old.close()
	}
	ac.busy = true
	a.conns[ac.taskID] = ac
	return ac, nil
}

// release parks the connection until the next prompt or the idle timeout.
func (a *Adapter) release(ac *agentConn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ac.busy = false
	if a.conns[ac.taskID] != ac {
		return
	}
	ac.idle = time.AfterFunc(a.idleTimeout, func() {
		a.mu.Lock()
		if a.conns[ac.taskID] != ac || ac.busy {
			a.mu.Unlock()
			return
		}
		delete(a.conns, ac.taskID)
		a.mu.Unlock()
		a.logger.Debug("closing idle agent", "task", ac.taskID)
		ac.close()
	})
}

// drop discards a connection that no longer answers.
func (a *Adapter) drop(ac *agentConn) {
	a.mu.Lock()
	if a.conns[ac.taskID] == ac {
		delete(a.conns, ac.taskID)
	}
	a.mu.Unlock()
	ac.close()
}

// LiveAgents is the number of agent processes currently held.
func (a *Adapter) LiveAgents() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}

func (a *Adapter) Run(ctx context.Context, opts provider.RunOptions) (*provider.Stream, error) {
	if err := a.breaker.Check(); err != nil {
		return nil, err
	}
	ac, err := a.acquire(ctx, opts)
	if err != nil {
		if !errors.Is(err, ErrBusy) {
			a.breaker.RecordFailure()
		}
		return nil, err
	}

	return provider.NewStream(ctx, func(ctx context.Context, emit provider.EmitFunc) (provider.RunResult, error) {
		r := newRun(ctx, a, ac.taskID, opts, emit)
		ac.client.setCurrent(r)
		defer ac.client.setCurrent(nil)

		result := provider.RunResult{ProviderTaskID: ac.taskID}
		r.send(domain.NewTextMessage(domain.RoleUser, opts.Prompt))

		stop, err := a.prompt(ctx, ac, opts.Prompt)
		r.flush()
		if err != nil {
			return result, err
		}
		a.release(ac)
		a.breaker.RecordSuccess()
		result.Turns = 1

		if err := r.emitErr(); err != nil {
			return result, err
		}
		switch stop {
		case "end_turn", "max_tokens", "max_turn_requests", "":
			return result, nil
		case "cancelled":
			return result, context.Canceled
		default:
			return result, fmt.Errorf("agent stopped: %s", stop)
		}
	}), nil
}

type promptResult struct {
	resp acpsdk.PromptResponse
	err  error
}

// prompt sends one prompt and waits for its stop reason. When ctx ends the
// agent is asked to cancel; an agent that does not stop in time is killed.
func (a *Adapter) prompt(ctx context.Context, ac *agentConn, text string) (string, error) {
	pctx, cancel := context.WithCancel(a.ctx)
	defer cancel()

	done := make(chan promptResult, 1)
	go func() {
		resp, err := ac.conn.Prompt(pctx, acpsdk.PromptRequest{
			SessionId: ac.sessionID,
			Prompt:    []acpsdk.ContentBlock{acpsdk.TextBlock(text)},
		})
		done <- promptResult{resp, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			a.drop(ac)
			a.breaker.RecordFailure()
			return "", fmt.Errorf("prompt failed: %w", res.err)
		}
		return string(res.resp.StopReason), nil
	case <-ctx.Done():
	}

	if err := ac.conn.Cancel(context.WithoutCancel(ctx), acpsdk.CancelNotification{SessionId: ac.sessionID}); err != nil {
		a.logger.Debug("cancel notification failed", "task", ac.taskID, "err", err)
	}
	timer := time.NewTimer(a.stopTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err == nil {
			a.release(ac)
			return "", ctx.Err()
		}
	case <-timer.C:
		a.logger.Warn("agent ignored cancel, stopping it", "task", ac.taskID)
	}
	a.drop(ac)
	return "", ctx.Err()
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
