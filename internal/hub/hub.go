package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/labhub-core/internal/history"
	"github.com/nerrad567/labhub-core/internal/metrics"
	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/sequencer"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/task"
	"github.com/nerrad567/labhub-core/internal/telemetry"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

// Logger defines the logging interface used by the hub.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options holds hub behaviour settings.
type Options struct {
	// HistoryLength bounds every undo buffer of the graph.
	HistoryLength int

	// LockPollInterval is the CheckLock polling period when blocking.
	LockPollInterval time.Duration

	// AtomicActuation makes Actuate roll back on failure.
	AtomicActuation bool

	// Rebroadcast emits actuate events to the broadcaster.
	Rebroadcast bool

	// Sequencer timing.
	Sequencer sequencer.Config

	// Algorithm and AlgorithmParams are the Optimize defaults.
	Algorithm       string
	AlgorithmParams map[string]any

	// SamplerRetention is how many finished samplers stay inspectable.
	SamplerRetention int

	// ProcessGrace is the SIGTERM grace period of process tasks.
	ProcessGrace time.Duration
}

// DefaultOptions returns the settings used when none are given.
func DefaultOptions() Options {
	return Options{
		HistoryLength:    history.DefaultLength,
		LockPollInterval: 100 * time.Millisecond,
		Rebroadcast:      true,
		Sequencer: sequencer.Config{
			CycleTime:    sequencer.DefaultCycleTime,
			SyncInterval: sequencer.DefaultSyncInterval,
		},
		Algorithm:        sampler.AlgorithmGrid,
		SamplerRetention: 32,
	}
}

// SnapshotStore persists hub snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, hub string, snap state.Snapshot) error
	LoadSnapshot(ctx context.Context, hub string) (state.Snapshot, error)
}

// Option configures a hub at construction.
type Option func(*Hub)

// WithLogger sets the hub logger; it is passed on to the runner,
// sequencer and watchdogs.
func WithLogger(l Logger) Option { return func(h *Hub) { h.logger = l } }

// WithBroadcaster sets the event sink.
func WithBroadcaster(b telemetry.Broadcaster) Option { return func(h *Hub) { h.emit = b } }

// WithStore sets the snapshot store used by Save and Load.
func WithStore(s SnapshotStore) Option { return func(h *Hub) { h.store = s } }

// WithAlgorithms replaces the optimization algorithm registry.
func WithAlgorithms(r *sampler.Registry) Option { return func(h *Hub) { h.algorithms = r } }

// WithRecorders adds recorders to every sampler the hub creates.
func WithRecorders(rs ...sampler.Recorder) Option {
	return func(h *Hub) { h.recorders = append(h.recorders, rs...) }
}

// Hub is the root of an actuation graph.
type Hub struct {
	name       string
	opts       Options
	logger     Logger
	emit       telemetry.Broadcaster
	store      SnapshotStore
	algorithms *sampler.Registry
	recorders  []sampler.Recorder
	runner     *task.Runner
	sequencer  *sequencer.Sequencer
	history    *history.Buffer[state.State]

	mu          sync.RWMutex
	state       state.State
	rng         state.Range
	things      map[string]*Thing
	watchdogs   map[string]*watchdog.Watchdog
	experiments map[string]sampler.Experiment
	samplers    map[string]*sampler.Sampler
	finished    []string
}

// New creates an empty hub. Background tasks it starts are children of ctx.
func New(ctx context.Context, name string, opts Options, options ...Option) *Hub {
	def := DefaultOptions()
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = def.HistoryLength
	}
	if opts.LockPollInterval <= 0 {
		opts.LockPollInterval = def.LockPollInterval
	}
	if opts.Algorithm == "" {
		opts.Algorithm = def.Algorithm
	}
	if opts.SamplerRetention <= 0 {
		opts.SamplerRetention = def.SamplerRetention
	}

	h := &Hub{
		name:        name,
		opts:        opts,
		logger:      noopLogger{},
		emit:        telemetry.Nop{},
		state:       state.State{},
		rng:         state.Range{},
		things:      make(map[string]*Thing),
		watchdogs:   make(map[string]*watchdog.Watchdog),
		experiments: make(map[string]sampler.Experiment),
		samplers:    make(map[string]*sampler.Sampler),
	}
	for _, o := range options {
		o(h)
	}
	if h.algorithms == nil {
		h.algorithms = sampler.NewRegistry()
	}

	h.history = history.New(opts.HistoryLength, state.State.Copy, equalState, h.replay)

	h.runner = task.New(ctx, name)
	h.runner.SetLogger(h.logger)
	h.runner.SetObserver(metrics.SetRunningTasks)
	if opts.ProcessGrace > 0 {
		h.runner.SetProcessGrace(opts.ProcessGrace)
	}

	h.sequencer = sequencer.New(h, h.runner, opts.Sequencer)
	h.sequencer.SetLogger(h.logger)
	h.sequencer.SetBroadcaster(h.emit)
	return h
}

// Name returns the hub name.
func (h *Hub) Name() string { return h.name }

// Options returns the hub settings.
func (h *Hub) Options() Options { return h.opts }

// Runner returns the task runner owning the hub's background tasks.
func (h *Hub) Runner() *task.Runner { return h.runner }

// AddThing declares a thing and records its knob ranges and initial values.
func (h *Hub) AddThing(ctx context.Context, cfg ThingConfig) (*Thing, error) {
	if cfg.Name == "" {
		return nil, errors.New("hub: thing name is required")
	}
	t, err := newThing(h, cfg)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if _, ok := h.things[cfg.Name]; ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrThingExists, cfg.Name)
	}
	h.things[cfg.Name] = t
	for _, spec := range cfg.Knobs {
		if spec.Min != nil || spec.Max != nil {
			h.rng.Set(cfg.Name, spec.Name, spec.Bounds())
		}
	}
	h.mu.Unlock()

	initial := t.State()
	if len(initial) > 0 {
		for name, v := range initial {
			t.knobs[name].history.Add(ctx, v)
		}
		t.history.Add(ctx, initial)
		h.record(ctx, cfg.Name, initial)
	}

	h.logger.Info("thing added", "hub", h.name, "thing", cfg.Name, "knobs", len(cfg.Knobs))
	return t, nil
}

// RemoveThing drops a thing with its state, range and waveforms.
func (h *Hub) RemoveThing(ctx context.Context, name string) error {
	h.mu.Lock()
	t, ok := h.things[name]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrThingNotFound, name)
	}
	delete(h.things, name)
	delete(h.state, name)
	delete(h.rng, name)
	h.mu.Unlock()

	if err := h.sequencer.RemoveThing(ctx, name); err != nil {
		h.logger.Warn("rebuilding sequence after removal", "hub", h.name, "thing", name, "error", err)
	}
	if err := t.Close(); err != nil {
		h.logger.Warn("closing thing driver", "hub", h.name, "thing", name, "error", err)
	}
	h.logger.Info("thing removed", "hub", h.name, "thing", name)
	return nil
}

// RemoveKnob drops one knob of a thing with its state, range entries and
// waveform.
func (h *Hub) RemoveKnob(ctx context.Context, thing, knob string) error {
	t, ok := h.Thing(thing)
	if !ok {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thing)
	}
	k, ok := t.Knob(knob)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrKnobNotFound, thing, knob)
	}
	name := k.spec.Name

	t.mu.Lock()
	delete(t.knobs, name)
	delete(t.state, name)
	for display, real := range t.display {
		if real == name {
			delete(t.display, display)
		}
	}
	t.mu.Unlock()

	h.mu.Lock()
	if sub, ok := h.state[thing]; ok {
		delete(sub, name)
		if len(sub) == 0 {
			delete(h.state, thing)
		}
	}
	h.rng.Delete(thing, name)
	h.mu.Unlock()

	if err := h.sequencer.SetWaveform(ctx, thing, name, nil); err != nil {
		h.logger.Warn("rebuilding sequence after removal", "hub", h.name, "thing", thing, "knob", name, "error", err)
	}
	return nil
}

// Thing returns the named thing.
func (h *Hub) Thing(name string) (*Thing, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.things[name]
	return t, ok
}

// Things returns the things sorted by name.
func (h *Hub) Things() []*Thing {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Thing, 0, len(h.things))
	for _, t := range h.things {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Connect connects every thing, stopping at the first failure.
func (h *Hub) Connect(ctx context.Context) error {
	for _, t := range h.Things() {
		if err := t.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// State returns a copy of the composite state.
func (h *Hub) State() state.State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Copy()
}

// Range returns a copy of the knob bounds.
func (h *Hub) Range() state.Range {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rng.Copy()
}

// SetRange changes the bounds of a knob.
func (h *Hub) SetRange(thing, knob string, b state.Bounds) error {
	t, ok := h.Thing(thing)
	if !ok {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thing)
	}
	k, ok := t.Knob(knob)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrKnobNotFound, thing, knob)
	}
	if b.Finite() && *b.Min > *b.Max {
		return fmt.Errorf("%w: %s.%s min above max", ErrInvalidKnob, thing, knob)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b.Min == nil && b.Max == nil {
		h.rng.Delete(thing, k.spec.Name)
		return nil
	}
	h.rng.Set(thing, k.spec.Name, b.Copy())
	return nil
}

// record writes a thing's updated values into the hub state and, outside
// a Hub.Actuate batch, appends the result to the hub history.
func (h *Hub) record(ctx context.Context, thing string, sub state.Sub) {
	h.mu.Lock()
	h.state.Merge(state.State{thing: sub})
	snapshot := h.state.Copy()
	h.mu.Unlock()

	if !inBatch(ctx, h) {
		h.history.Add(ctx, snapshot)
	}
}

// Undo restores the previous hub state through Actuate.
func (h *Hub) Undo(ctx context.Context) error {
	if err := h.history.Undo(ctx); err != nil {
		return err
	}
	h.emitState(ctx, telemetry.EventUndo)
	return nil
}

// Redo reapplies the hub state undone last.
func (h *Hub) Redo(ctx context.Context) error {
	if err := h.history.Redo(ctx); err != nil {
		return err
	}
	h.emitState(ctx, telemetry.EventRedo)
	return nil
}

// HistoryLen returns the number of recorded hub states.
func (h *Hub) HistoryLen() int { return h.history.Len() }

// History returns the recorded hub states, oldest first.
func (h *Hub) History() []state.State { return h.history.Entries() }

func (h *Hub) replay(ctx context.Context, entry state.State) error {
	diff := state.Diff(entry, h.State())
	if diff.Empty() {
		return nil
	}
	return h.Actuate(ctx, diff)
}

func (h *Hub) emitActuate(ctx context.Context, name, thing string, sub state.Sub) {
	if !h.opts.Rebroadcast {
		return
	}
	h.emit.Emit(ctx, telemetry.Event{
		Name:    name,
		Hub:     h.name,
		Time:    time.Now(),
		Payload: telemetry.ActuatePayload{Thing: thing, State: sub.Copy()},
	})
}

func (h *Hub) emitState(ctx context.Context, name string) {
	h.emit.Emit(ctx, telemetry.Event{
		Name:    name,
		Hub:     h.name,
		Time:    time.Now(),
		Payload: h.State(),
	})
}

// Close stops the sequencer and every background task, then releases
// the drivers.
func (h *Hub) Close(ctx context.Context) error {
	var errs []error
	if err := h.sequencer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping sequencer: %w", err))
	}
	if err := h.runner.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping tasks: %w", err))
	}
	for _, t := range h.Things() {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", t.name, err))
		}
	}
	return errors.Join(errs...)
}
