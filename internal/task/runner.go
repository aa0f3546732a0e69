package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/labhub-core/internal/process"
)

// Domain errors for the task package.
var (
	// ErrRunnerClosed is returned when starting a task on a closed runner.
	ErrRunnerClosed = errors.New("task: runner closed")

	// ErrPanic wraps a panic recovered from a task.
	ErrPanic = errors.New("task: panic")

	// ErrStopped is reported by a process task that was hard-terminated.
	ErrStopped = errors.New("task: stopped")
)

// Func is the body of a goroutine task. Stoppable tasks must return soon
// after ctx is cancelled; that is the only stop signal they receive.
type Func func(ctx context.Context) error

// Kind distinguishes goroutine tasks from subprocess tasks.
type Kind string

const (
	KindGoroutine Kind = "goroutine"
	KindProcess   Kind = "process"
)

// Logger defines the logging interface for the runner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Handle is a started task.
type Handle struct {
	id        uint64
	name      string
	kind      Kind
	stoppable bool
	started   time.Time

	cancel context.CancelFunc
	proc   *process.Process
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Name returns the task name.
func (h *Handle) Name() string { return h.name }

// Kind returns whether the task is a goroutine or a subprocess.
func (h *Handle) Kind() Kind { return h.kind }

// Stoppable reports whether Stop can reach the task.
func (h *Handle) Stoppable() bool { return h.stoppable }

// Started returns when the task was started.
func (h *Handle) Started() time.Time { return h.started }

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task returns or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) finish(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Info describes a registered task.
type Info struct {
	Name      string    `json:"name"`
	Kind      Kind      `json:"kind"`
	Stoppable bool      `json:"stoppable"`
	Started   time.Time `json:"started"`
}

// Option configures a task.
type Option func(*Handle)

// NotStoppable starts a goroutine task whose context ignores Stop and
// runner shutdown. Such a task runs until it returns on its own.
func NotStoppable() Option {
	return func(h *Handle) { h.stoppable = false }
}

// Runner starts and tracks named background tasks for one owner.
//
// Lookup is by name: Stop reaches the first registered task with that
// name. Tasks deregister themselves when they return.
//
// Every task context derives from the runner's context, and a child
// runner's context derives from its parent's, so closing a runner
// cancels every stoppable task beneath it.
type Runner struct {
	owner  string
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger

	processGrace time.Duration
	observer     func(owner string, running int)

	mu     sync.Mutex
	tasks  []*Handle
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a runner whose tasks stop when ctx is cancelled.
func New(ctx context.Context, owner string) *Runner {
	rctx, cancel := context.WithCancel(ctx)
	return &Runner{
		owner:  owner,
		ctx:    rctx,
		cancel: cancel,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the runner.
func (r *Runner) SetLogger(logger Logger) {
	r.logger = logger
}

// SetObserver registers a callback invoked with the task count whenever
// it changes.
func (r *Runner) SetObserver(fn func(owner string, running int)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

// SetProcessGrace sets the SIGTERM grace period used when closing
// process tasks.
func (r *Runner) SetProcessGrace(d time.Duration) {
	r.processGrace = d
}

// Owner returns the name of the owning component.
func (r *Runner) Owner() string { return r.owner }

// Context returns the runner's context.
func (r *Runner) Context() context.Context { return r.ctx }

// Run starts fn in a new goroutine under name.
func (r *Runner) Run(name string, fn Func, opts ...Option) (*Handle, error) {
	h := &Handle{
		name:      name,
		kind:      KindGoroutine,
		stoppable: true,
		started:   time.Now(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	var ctx context.Context
	if h.stoppable {
		ctx, h.cancel = context.WithCancel(r.ctx)
	} else {
		ctx = context.WithoutCancel(r.ctx)
		h.cancel = func() {}
	}

	if err := r.register(h); err != nil {
		h.cancel()
		return nil, err
	}

	go func() {
		defer r.wg.Done()
		err := r.invoke(ctx, name, fn)
		h.cancel()
		r.deregister(h)
		h.finish(err)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("task failed", "owner", r.owner, "task", name, "error", err)
		} else {
			r.logger.Debug("task finished", "owner", r.owner, "task", name)
		}
	}()

	return h, nil
}

func (r *Runner) invoke(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w in %s: %v", ErrPanic, name, p)
		}
	}()
	return fn(ctx)
}

// RunProcess starts a subprocess task under name. Stop hard-terminates it;
// Close terminates it gracefully.
func (r *Runner) RunProcess(name string, cfg process.Config) (*Handle, error) {
	if cfg.Name == "" {
		cfg.Name = name
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = r.processGrace
	}
	proc := process.New(cfg)
	proc.SetLogger(r.logger)

	h := &Handle{
		name:      name,
		kind:      KindProcess,
		stoppable: true,
		started:   time.Now(),
		proc:      proc,
		cancel:    func() {},
		done:      make(chan struct{}),
	}

	if err := r.register(h); err != nil {
		return nil, err
	}

	if err := proc.Start(r.ctx); err != nil {
		r.deregister(h)
		h.finish(err)
		r.wg.Done()
		return nil, err
	}

	go func() {
		defer r.wg.Done()
		<-proc.Done()
		err := proc.ExitErr()
		if proc.Status() == process.StatusKilled {
			err = fmt.Errorf("%w: %s", ErrStopped, name)
		}
		r.deregister(h)
		h.finish(err)
	}()

	return h, nil
}

func (r *Runner) register(h *Handle) error {
	r.mu.Lock()
	if r.closed || r.ctx.Err() != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunnerClosed, r.owner)
	}
	r.nextID++
	h.id = r.nextID
	r.tasks = append(r.tasks, h)
	r.wg.Add(1)
	n, obs := len(r.tasks), r.observer
	r.mu.Unlock()

	r.logger.Debug("task started", "owner", r.owner, "task", h.name, "kind", h.kind)
	if obs != nil {
		obs(r.owner, n)
	}
	return nil
}

// deregister removes h by identity; it is a no-op if Stop got there first.
func (r *Runner) deregister(h *Handle) {
	r.mu.Lock()
	removed := false
	for i, t := range r.tasks {
		if t.id == h.id {
			r.tasks = append(r.tasks[:i], r.tasks[i+1:]...)
			removed = true
			break
		}
	}
	n, obs := len(r.tasks), r.observer
	r.mu.Unlock()

	if removed && obs != nil {
		obs(r.owner, n)
	}
}

// Stop signals and deregisters the first task registered under name.
// Goroutine tasks have their context cancelled; process tasks are killed.
// Returns false if no such task is registered.
func (r *Runner) Stop(name string) bool {
	r.mu.Lock()
	var h *Handle
	for _, t := range r.tasks {
		if t.name == name {
			h = t
			break
		}
	}
	r.mu.Unlock()

	if h == nil {
		return false
	}

	r.deregister(h)
	r.signal(h, false)
	r.logger.Info("task stopped", "owner", r.owner, "task", name)
	return true
}

func (r *Runner) signal(h *Handle, graceful bool) {
	if h.proc == nil {
		h.cancel()
		return
	}
	var err error
	if graceful {
		err = h.proc.Terminate()
	} else {
		err = h.proc.Kill()
	}
	if err != nil {
		r.logger.Warn("terminating process task", "owner", r.owner, "task", h.name, "error", err)
	}
}

// Get returns the first task registered under name.
func (r *Runner) Get(name string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}

// Running reports whether a task is registered under name.
func (r *Runner) Running(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Tasks describes the registered tasks in start order.
func (r *Runner) Tasks() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, len(r.tasks))
	for i, t := range r.tasks {
		out[i] = Info{Name: t.name, Kind: t.kind, Stoppable: t.stoppable, Started: t.started}
	}
	return out
}

// Len returns the number of registered tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Child returns a runner scoped beneath r. Closing r (or cancelling its
// context) cancels every task of the child.
func (r *Runner) Child(owner string) *Runner {
	c := New(r.ctx, r.owner+"/"+owner)
	c.logger = r.logger
	c.processGrace = r.processGrace
	r.mu.Lock()
	c.observer = r.observer
	r.mu.Unlock()
	return c
}

// Wait blocks until every task started so far has returned, or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every task and rejects new ones, then waits for the tasks
// to return or ctx to be done. Tasks started with NotStoppable are not
// waited for.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	tasks := append([]*Handle(nil), r.tasks...)
	r.mu.Unlock()

	r.cancel()
	for _, h := range tasks {
		if h.proc != nil {
			r.signal(h, true)
		}
	}

	for _, h := range tasks {
		if !h.stoppable {
			continue
		}
		if err := h.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return nil
}
