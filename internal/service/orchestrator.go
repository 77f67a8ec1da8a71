package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ricochet1k/taskrelay/internal/domain"
	"github.com/ricochet1k/taskrelay/internal/provider"
	"github.com/ricochet1k/taskrelay/internal/router"
)

var (
	ErrTaskNotFound       = errors.New("task not found")
	ErrTaskExists         = errors.New("task already exists")
	ErrTaskBusy           = errors.New("session is busy")
	ErrNoPendingApproval  = errors.New("no matching pending approval")
	ErrCapacity           = errors.New("too many active tasks")
	ErrProviderNotFound   = errors.New("provider not found")
	ErrOrchestratorClosed = errors.New("orchestrator is shutting down")
)

const (
	DefaultMaxTasks      = 16
	DefaultIdleTTL       = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// MessageRouter is the part of the router the orchestrator drives.
type MessageRouter interface {
	SetMode(taskID string, mode router.Mode)
	PushMessage(taskID string, msg domain.Message) (domain.Message, error)
	PushEvent(taskID string, ev domain.Event)
	TransitionToPoll(ctx context.Context, taskID string) error
	Remap(oldID, newID string) error
	Evict(taskID string)
	SubscriberCount(taskID string) int
	Page(taskID string, opts provider.PageOptions) (provider.Page, bool)
}

// Adapters resolves provider adapters and records which adapter owns which
// task id.
type Adapters interface {
	provider.Lookup
	Get(name string) (provider.Adapter, error)
	Bind(taskID, name string)
	Rebind(oldID, newID string)
	Unbind(taskID string)
}

type Config struct {
	Registry *Registry
	Router   MessageRouter
	Adapters Adapters

	DefaultProvider string
	// MaxTasks bounds tasks that have not reached a terminal status. Zero
	// or less disables the limit.
	MaxTasks      int
	IdleTTL       time.Duration
	SweepInterval time.Duration

	NewID  func() string
	Now    func() time.Time
	Logger *slog.Logger
}

type Orchestrator struct {
	registry *Registry
	router   MessageRouter
	adapters Adapters

	defaultProvider string
	maxTasks        int
	idleTTL         time.Duration
	sweepInterval   time.Duration
	newID           func() string
	now             func() time.Time
	logger          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Orchestrator {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:        cfg.Registry,
		router:          cfg.Router,
		adapters:        cfg.Adapters,
		defaultProvider: cfg.DefaultProvider,
		maxTasks:        cfg.MaxTasks,
		idleTTL:         cfg.IdleTTL,
		sweepInterval:   cfg.SweepInterval,
		newID:           cfg.NewID,
		now:             cfg.Now,
		logger:          cfg.Logger.With("component", "orchestrator"),
		ctx:             ctx,
		cancel:          cancel,
	}
}

type CreateTaskRequest struct {
	Prompt         string
	Provider       string
	WorkingDir     string
	PermissionMode string
	Model          string
}

// CreateTask registers an idle task and, when a prompt is given, submits it.
func (o *Orchestrator) CreateTask(ctx context.Context, req CreateTaskRequest) (Snapshot, error) {
	if o.ctx.Err() != nil {
		return Snapshot{}, ErrOrchestratorClosed
	}
	if req.Provider == "" {
		req.Provider = o.defaultProvider
	}
	if _, err := o.adapters.Get(req.Provider); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrProviderNotFound, req.Provider)
	}

	t := newTask(o.newID(), req, o.now())
	if err := o.registry.AddWithin(t, o.maxTasks); err != nil {
		return Snapshot{}, err
	}
	o.adapters.Bind(t.id, req.Provider)
	o.logger.Info("task created", "task", t.id, "provider", req.Provider)

	if req.Prompt != "" {
		if err := o.Submit(ctx, t.id, req.Prompt); err != nil {
			return t.Snapshot(), err
		}
	}
	return t.Snapshot(), nil
}

// Submit starts a run for prompt. It fails with ErrTaskBusy while a run is
// in flight.
func (o *Orchestrator) Submit(ctx context.Context, taskID, prompt string) error {
	if o.ctx.Err() != nil {
		return ErrOrchestratorClosed
	}
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	adapter, err := o.adapters.Get(t.Snapshot().Provider)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderNotFound, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.IsBusy() {
		return ErrTaskBusy
	}
	if !domain.CanTransition(t.status, domain.TaskStatusStarting) {
		return domain.NewInvalidTransitionError(t.status, domain.TaskStatusStarting)
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	t.cancel = cancel
	t.runSeq++
	t.lastError = ""
	t.pending = nil

	opts := provider.RunOptions{
		Prompt:         prompt,
		TaskID:         t.id,
		Resume:         t.started,
		WorkingDir:     t.workingDir,
		PermissionMode: t.permissionMode,
		Model:          t.model,
		Approve:        o.approver(t),
		OnReasoning: func(fragment string) {
			o.router.PushEvent(t.ID(), domain.NewThinkingDeltaEvent(t.ID(), fragment))
		},
		OnCommands: func(commands []string) {
			t.mu.Lock()
			defer t.mu.Unlock()
			t.commands = append([]string(nil), commands...)
			o.router.PushEvent(t.id, domain.NewSlashCommandsEvent(t.id, commands))
		},
	}

	o.router.SetMode(t.id, router.ModePush)
	o.setStatusLocked(t, domain.TaskStatusStarting)
	o.logger.Info("run starting", "task", t.id, "resume", opts.Resume)

	o.wg.Add(1)
	go o.run(runCtx, cancel, t, t.runSeq, adapter, opts)
	return nil
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, t *Task, seq uint64, adapter provider.Adapter, opts provider.RunOptions) {
	defer o.wg.Done()
	defer cancel()

	var result provider.RunResult
	stream, err := adapter.Run(ctx, opts)
	if err == nil {
		t.mu.Lock()
		if t.runSeq == seq && t.status == domain.TaskStatusStarting {
			o.setStatusLocked(t, domain.TaskStatusRunning)
		}
		t.mu.Unlock()

		for stream.Next() {
			msg := stream.Current()
			if _, perr := o.router.PushMessage(t.ID(), msg); perr != nil {
				o.logger.Warn("message dropped", "task", t.ID(), "err", perr)
			}
		}
		err = stream.Err()
		result = stream.Result()
	}
	o.finish(t, seq, result, err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}

// finish records the outcome of a run. A provider-issued id is adopted
// before the terminal status becomes visible, and the router switches to
// transcript tailing last.
//
// A run superseded by a later Submit (seq no longer current) only adds its
// usage. The task's status, cancel func and router mode belong to the newer
// run.
func (o *Orchestrator) finish(t *Task, seq uint64, result provider.RunResult, runErr error) {
	oldID := t.ID()
	renamed, routed := false, true
	if newID := result.ProviderTaskID; newID != "" && newID != oldID {
		renamed, routed = o.remap(oldID, newID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.costUSD += result.CostUSD
	t.turns += result.Turns
	if result.ProviderTaskID != "" {
		t.started = true
	}
	if t.runSeq != seq {
		o.logger.Info("superseded run finished", "task", t.id, "err", runErr)
		return
	}
	t.cancel = nil
	t.pending = nil

	// The router entry stays under the old id when its remap failed.
	routerID := t.id
	if !routed {
		routerID = oldID
	}

	wasInterrupted := t.status == domain.TaskStatusInterrupted
	var next domain.TaskStatus
	switch {
	case wasInterrupted:
		next = domain.TaskStatusInterrupted
		if runErr != nil && !isCancellation(runErr) {
			o.logger.Warn("run failed after interrupt", "task", t.id, "err", runErr)
		}
	case runErr != nil && isCancellation(runErr):
		next = domain.TaskStatusInterrupted
	case runErr != nil:
		next = domain.TaskStatusError
		t.lastError = runErr.Error()
		o.logger.Warn("run failed", "task", t.id, "err", runErr)
	default:
		next = domain.TaskStatusCompleted
	}

	if t.status != next {
		if err := t.setStatusLocked(next); err != nil {
			o.logger.Error("status change rejected", "task", t.id, "err", err)
		}
	}
	if renamed || !wasInterrupted {
		var ev domain.Event
		if renamed {
			ev = domain.NewRenamedStatusEvent(t.id, t.status, t.lastError)
		} else {
			ev = domain.NewStatusEvent(t.id, t.status, t.lastError)
		}
		o.router.PushEvent(routerID, ev)
	}

	if err := o.router.TransitionToPoll(context.Background(), routerID); err != nil {
		o.logger.Warn("transition to poll failed", "task", t.id, "router_id", routerID, "err", err)
	}
	o.logger.Info("run finished", "task", t.id, "status", t.status, "turns", result.Turns, "cost_usd", result.CostUSD)
}

// remap moves a task to the id its provider issued, in the order registry,
// router, adapter binding. routed reports whether the router entry moved
// with it.
func (o *Orchestrator) remap(oldID, newID string) (renamed, routed bool) {
	if err := o.registry.Rename(oldID, newID); err != nil {
		o.logger.Warn("task rename failed", "task", oldID, "new_id", newID, "err", err)
		return false, true
	}
	routed = true
	if err := o.router.Remap(oldID, newID); err != nil {
		o.logger.Warn("router remap failed", "task", oldID, "new_id", newID, "err", err)
		routed = false
	}
	o.adapters.Rebind(oldID, newID)
	o.logger.Info("task renamed", "task", oldID, "new_id", newID)
	return true, routed
}

// setStatusLocked changes the status and broadcasts it. Callers hold t.mu.
func (o *Orchestrator) setStatusLocked(t *Task, to domain.TaskStatus) {
	if t.status == to {
		return
	}
	if err := t.setStatusLocked(to); err != nil {
		o.logger.Error("status change rejected", "task", t.id, "err", err)
		return
	}
	o.router.PushEvent(t.id, domain.NewStatusEvent(t.id, to, t.lastError))
}

// Interrupt cancels the active run. It is a no-op for tasks without one.
func (o *Orchestrator) Interrupt(taskID string) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	t.mu.Lock()
	if !t.status.IsBusy() {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.pending = nil
	o.setStatusLocked(t, domain.TaskStatusInterrupted)
	id := t.id
	t.mu.Unlock()

	o.logger.Info("task interrupted", "task", id)
	if cancel != nil {
		cancel()
	}
	return nil
}

// Delete interrupts the task and forgets it.
func (o *Orchestrator) Delete(taskID string) error {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err := o.Interrupt(taskID); err != nil {
		return err
	}
	o.evict(t.ID())
	return nil
}

func (o *Orchestrator) evict(id string) {
	o.registry.Remove(id)
	o.router.Evict(id)
	o.adapters.Unbind(id)
	o.logger.Info("task evicted", "task", id)
}

func (o *Orchestrator) Get(taskID string) (Snapshot, error) {
	t, ok := o.registry.Get(taskID)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return t.Snapshot(), nil
}

func (o *Orchestrator) List() []Snapshot {
	tasks := o.registry.List()
	out := make([]Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// Messages pages a task's history from the router cache, falling back to the
// adapter's transcript.
func (o *Orchestrator) Messages(ctx context.Context, taskID string, opts provider.PageOptions) (provider.Page, error) {
	id := o.registry.Resolve(taskID)
	if page, ok := o.router.Page(id, opts); ok {
		return page, nil
	}
	a := o.adapters.ForTask(ctx, id)
	if a == nil {
		return provider.Paginate(nil, opts), nil
	}
	return a.GetMessages(ctx, id, opts)
}

// Shutdown cancels every run and waits for them to finish.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
