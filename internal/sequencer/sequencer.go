package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/labhub-core/internal/metrics"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/task"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

// Phase is the lifecycle position of a sequencer.
type Phase string

const (
	Idle    Phase = "idle"
	Armed   Phase = "armed"
	Running Phase = "running"
)

// Defaults used when a Config leaves a field unset.
const (
	DefaultCycleTime    = time.Second
	DefaultSyncInterval = 10 * time.Millisecond
)

// Task names registered on the sequencer's runner.
const (
	taskLoop    = "loop"
	taskSync    = "sync"
	taskPublish = "publish"
)

// timestepBuffer is how many timestep events may wait for a slow
// broadcaster before the loop starts dropping them.
const timestepBuffer = 64

// Domain errors for the sequencer package.
var (
	ErrNoWaveforms     = errors.New("sequencer: no waveforms")
	ErrInvalidWaveform = errors.New("sequencer: invalid waveform")
	ErrNotArmed        = errors.New("sequencer: not armed")
	ErrRunning         = errors.New("sequencer: already running")
)

// Point is one waveform breakpoint. Time is a fraction of the cycle in [0,1).
type Point struct {
	Time  float64 `json:"time" yaml:"time"`
	Value any     `json:"value" yaml:"value"`
}

// Step is one entry of a prepared timeline: wait Delay, then apply State.
type Step struct {
	Delay time.Duration `json:"delay"`
	At    time.Duration `json:"at"`
	State state.State   `json:"state"`
}

// Actuator is the hub surface driven by the sync task.
type Actuator interface {
	Name() string
	Actuate(ctx context.Context, st state.State) error
	State() state.State
}

// Logger defines the logging interface for the sequencer.
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

// Config holds sequencer timing.
type Config struct {
	CycleTime    time.Duration
	SyncInterval time.Duration
}

// Status is a point-in-time view of a sequencer.
type Status struct {
	Phase     Phase         `json:"phase"`
	CycleTime time.Duration `json:"cycle_time"`
	Steps     []Step        `json:"steps,omitempty"`
	Step      int           `json:"step"`
	Cycles    int           `json:"cycles"`
}

// Sequencer owns the waveforms of one hub and plays them.
type Sequencer struct {
	target Actuator
	runner *task.Runner
	emit   telemetry.Broadcaster
	logger Logger

	mu           sync.Mutex
	cycle        time.Duration
	syncInterval time.Duration
	waveforms    map[string]map[string][]Point
	steps        []Step
	phase        Phase
	step         int
	cycles       int
	goal         state.State
	changed      chan struct{}
	timesteps    chan telemetry.Event
	tasks        *task.Runner
}

// New creates an Idle sequencer whose tasks run beneath runner.
func New(target Actuator, runner *task.Runner, cfg Config) *Sequencer {
	if cfg.CycleTime <= 0 {
		cfg.CycleTime = DefaultCycleTime
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	return &Sequencer{
		target:       target,
		runner:       runner,
		emit:         telemetry.Nop{},
		logger:       noopLogger{},
		cycle:        cfg.CycleTime,
		syncInterval: cfg.SyncInterval,
		waveforms:    make(map[string]map[string][]Point),
		phase:        Idle,
		changed:      make(chan struct{}, 1),
		timesteps:    make(chan telemetry.Event, timestepBuffer),
	}
}

// SetLogger sets the logger for the sequencer.
func (s *Sequencer) SetLogger(logger Logger) { s.logger = logger }

// SetBroadcaster sets the event sink for timestep and sequence updates.
func (s *Sequencer) SetBroadcaster(b telemetry.Broadcaster) { s.emit = b }

// SetWaveform declares or replaces the waveform of one knob. Points are
// sorted by time. An empty list removes the waveform.
func (s *Sequencer) SetWaveform(ctx context.Context, thing, knob string, points []Point) error {
	for _, p := range points {
		if p.Time < 0 || p.Time >= 1 {
			return fmt.Errorf("%w: %s.%s point at %v outside [0,1)", ErrInvalidWaveform, thing, knob, p.Time)
		}
	}
	sorted := append([]Point(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	s.mu.Lock()
	if len(sorted) == 0 {
		delete(s.waveforms[thing], knob)
		if len(s.waveforms[thing]) == 0 {
			delete(s.waveforms, thing)
		}
	} else {
		if s.waveforms[thing] == nil {
			s.waveforms[thing] = make(map[string][]Point)
		}
		s.waveforms[thing][knob] = sorted
	}
	s.mu.Unlock()

	return s.Invalidate(ctx)
}

// RemoveThing drops every waveform of thing.
func (s *Sequencer) RemoveThing(ctx context.Context, thing string) error {
	s.mu.Lock()
	_, ok := s.waveforms[thing]
	delete(s.waveforms, thing)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Invalidate(ctx)
}

// Waveforms returns a copy of the declared waveforms.
func (s *Sequencer) Waveforms() map[string]map[string][]Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string][]Point, len(s.waveforms))
	for thing, knobs := range s.waveforms {
		out[thing] = make(map[string][]Point, len(knobs))
		for knob, pts := range knobs {
			out[thing][knob] = append([]Point(nil), pts...)
		}
	}
	return out
}

// SetCycleTime changes the cycle period and rebuilds a prepared timeline.
func (s *Sequencer) SetCycleTime(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("sequencer: cycle time must be positive, got %v", d)
	}
	s.mu.Lock()
	s.cycle = d
	s.mu.Unlock()
	return s.Invalidate(ctx)
}

// CycleTime returns the cycle period.
func (s *Sequencer) CycleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Phase returns the lifecycle phase.
func (s *Sequencer) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Steps returns a copy of the prepared timeline.
func (s *Sequencer) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copySteps(s.steps)
}

// Status returns a snapshot of the sequencer.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Phase:     s.phase,
		CycleTime: s.cycle,
		Steps:     copySteps(s.steps),
		Step:      s.step,
		Cycles:    s.cycles,
	}
}

// Target returns the state most recently published by the loop.
func (s *Sequencer) Target() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goal.Copy()
}

// Prepare builds the timeline from the current waveforms and arms the
// sequencer. Preparing an armed sequencer rebuilds it.
func (s *Sequencer) Prepare(ctx context.Context) ([]Step, error) {
	s.mu.Lock()
	if s.phase == Running {
		s.mu.Unlock()
		return nil, ErrRunning
	}
	steps, err := build(s.waveforms, s.cycle)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.steps = steps
	s.phase = Armed
	s.step = 0
	s.mu.Unlock()

	s.logger.Info("sequence prepared", "hub", s.target.Name(), "steps", len(steps))
	s.emitUpdate(ctx, steps)
	return copySteps(steps), nil
}

// Invalidate rebuilds the timeline after a waveform or cycle change. An
// idle sequencer has nothing to rebuild. A running loop picks up the new
// timeline at the start of its next cycle.
func (s *Sequencer) Invalidate(ctx context.Context) error {
	s.mu.Lock()
	if s.phase == Idle {
		s.mu.Unlock()
		return nil
	}
	steps, err := build(s.waveforms, s.cycle)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.steps = steps
	s.mu.Unlock()

	s.emitUpdate(ctx, steps)
	return nil
}

// Start launches the loop, sync and publish tasks and returns immediately.
func (s *Sequencer) Start(ctx context.Context) error {
	tasks, err := s.begin()
	if err != nil {
		return err
	}

	for name, fn := range map[string]task.Func{taskSync: s.syncLoop, taskPublish: s.publishLoop} {
		if _, err := tasks.Run(name, fn); err != nil {
			_ = tasks.Close(ctx)
			s.end(tasks)
			return err
		}
	}
	if _, err := tasks.Run(taskLoop, func(ctx context.Context) error {
		// The loop only returns once ctx is done, which also ends the
		// sibling tasks, so the sequencer is Idle from here on.
		defer s.end(tasks)
		deadline := time.Now()
		for {
			var err error
			if deadline, err = s.cycleOnce(ctx, deadline); err != nil {
				return err
			}
		}
	}); err != nil {
		_ = tasks.Close(ctx)
		s.end(tasks)
		return err
	}

	s.logger.Info("sequencer started", "hub", s.target.Name())
	return nil
}

// RunOnce plays the timeline exactly once with a sync task alongside,
// makes a final sync pass and returns to Idle. Stop or cancelling ctx
// interrupts it.
func (s *Sequencer) RunOnce(ctx context.Context) error {
	tasks, err := s.begin()
	if err != nil {
		return err
	}
	defer s.end(tasks)

	h, err := tasks.Run(taskLoop, func(tctx context.Context) error {
		tctx, cancel := context.WithCancel(tctx)
		defer cancel()
		unhook := context.AfterFunc(ctx, cancel)
		defer unhook()

		syncCtx, stopSync := context.WithCancel(tctx)
		defer stopSync()

		g, gctx := errgroup.WithContext(syncCtx)
		g.Go(func() error {
			defer stopSync()
			_, err := s.cycleOnce(gctx, time.Now())
			return err
		})
		g.Go(func() error { return s.publishLoop(gctx) })
		g.Go(func() error {
			err := s.syncLoop(gctx)
			if errors.Is(err, context.Canceled) && tctx.Err() == nil {
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}
		return s.syncOnce(tctx)
	})
	if err != nil {
		return err
	}
	return h.Wait(context.WithoutCancel(ctx))
}

// Stop cancels the running tasks, waits for them and returns to Idle.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	tasks := s.tasks
	s.mu.Unlock()
	if tasks == nil {
		return nil
	}

	err := tasks.Close(ctx)
	s.end(tasks)
	s.logger.Info("sequencer stopped", "hub", s.target.Name())
	return err
}

func (s *Sequencer) begin() (*task.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case Running:
		return nil, ErrRunning
	case Idle:
		return nil, ErrNotArmed
	}
	s.tasks = s.runner.Child("sequencer")
	s.phase = Running
	s.step = 0
	s.cycles = 0
	return s.tasks, nil
}

func (s *Sequencer) end(tasks *task.Runner) {
	s.mu.Lock()
	if s.tasks == tasks {
		s.tasks = nil
		s.phase = Idle
	}
	s.mu.Unlock()
}

// cycleOnce walks the timeline once against absolute deadlines, starting
// from the deadline the previous cycle ended on, and returns where this
// cycle ends. Chaining the returned deadline keeps the period at exactly
// the cycle time whatever the per-step work costs.
func (s *Sequencer) cycleOnce(ctx context.Context, deadline time.Time) (time.Time, error) {
	s.mu.Lock()
	steps := s.steps
	s.mu.Unlock()

	for i, st := range steps {
		deadline = deadline.Add(st.Delay)
		if err := sleepUntil(ctx, deadline); err != nil {
			return deadline, err
		}
		if late := time.Since(deadline); late > 0 {
			metrics.ObserveStepLateness(s.target.Name(), late)
		}

		s.mu.Lock()
		s.goal = st.State.Copy()
		s.step = i
		s.mu.Unlock()
		s.notify()

		s.publish(telemetry.Event{
			Name:    telemetry.EventTimestep,
			Hub:     s.target.Name(),
			Time:    time.Now(),
			Payload: map[string]any{"step": i, "at": st.At.Seconds(), "state": st.State},
		})
	}

	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
	return deadline, nil
}

// publish hands ev to publishLoop without blocking the timing loop.
func (s *Sequencer) publish(ev telemetry.Event) {
	select {
	case s.timesteps <- ev:
	default:
		s.logger.Debug("timestep event dropped", "hub", ev.Hub)
	}
}

// publishLoop forwards timestep events to the broadcaster. Events still
// queued when ctx ends are flushed before it returns.
func (s *Sequencer) publishLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-s.timesteps:
			s.emit.Emit(ctx, ev)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-s.timesteps:
					s.emit.Emit(flush, ev)
				default:
					return nil
				}
			}
		}
	}
}

func (s *Sequencer) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// syncLoop reconciles the live state with the target until ctx is done.
func (s *Sequencer) syncLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-s.changed:
		}
		if err := s.syncOnce(ctx); err != nil {
			s.logger.Warn("sequencer sync failed", "hub", s.target.Name(), "error", err)
		}
	}
}

// syncOnce actuates the part of the target that differs from live state.
func (s *Sequencer) syncOnce(ctx context.Context) error {
	goal := s.Target()
	if goal.Empty() {
		return nil
	}
	diff := state.Diff(goal, s.target.State())
	if diff.Empty() {
		return nil
	}
	return s.target.Actuate(ctx, diff)
}

func (s *Sequencer) emitUpdate(ctx context.Context, steps []Step) {
	s.emit.Emit(ctx, telemetry.Event{
		Name:    telemetry.EventSequenceUpdate,
		Hub:     s.target.Name(),
		Time:    time.Now(),
		Payload: copySteps(steps),
	})
}

func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func copySteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, st := range steps {
		out[i] = Step{Delay: st.Delay, At: st.At, State: st.State.Copy()}
	}
	return out
}
