// Package sampler runs optimization and servo sessions against a hub.
//
// A Sampler binds a target sub-state (the knobs to vary), an experiment
// returning a scalar cost, and a pluggable Algorithm that decides which
// points to try. Every trial point is actuated through the hub's normal
// path; the sampler only records what happened.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/labhub-core/internal/metrics"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

// Domain errors for the sampler package.
var (
	// ErrUnknownAlgorithm is returned when no algorithm is registered under a name.
	ErrUnknownAlgorithm = errors.New("sampler: unknown algorithm")

	// ErrUnbounded is returned when an algorithm needs bounds a knob lacks.
	ErrUnbounded = errors.New("sampler: knob has no range")

	// ErrEmptyState is returned when a session has no knobs to vary.
	ErrEmptyState = errors.New("sampler: empty state")

	// ErrInvalidParams is returned when algorithm params cannot be decoded.
	ErrInvalidParams = errors.New("sampler: invalid params")

	// ErrPanic wraps a panic raised by an algorithm or experiment.
	ErrPanic = errors.New("sampler: panic")
)

// Experiment measures the apparatus after a point was actuated and
// returns its cost. Lower is better.
type Experiment func(ctx context.Context, point state.State) (float64, error)

// Target is the hub surface a sampler drives.
type Target interface {
	Name() string
	Actuate(ctx context.Context, st state.State) error
	Range() state.Range
}

// Algorithm chooses trial points and calls back into the sampler to
// evaluate them. Run returns when the search is done or ctx is cancelled.
type Algorithm interface {
	Run(ctx context.Context, s *Sampler) error
}

// Record is one evaluated point.
type Record struct {
	Point state.State `json:"point"`
	Cost  float64     `json:"cost"`
	Time  time.Time   `json:"time"`
}

// Recorder persists evaluated points.
type Recorder interface {
	RecordPoint(ctx context.Context, info Info, rec Record) error
}

// Finisher is implemented by recorders that also want the final session
// info once Run returns.
type Finisher interface {
	FinishRun(ctx context.Context, info Info) error
}

// Dimension is one varied knob.
type Dimension struct {
	Thing  string
	Knob   string
	Bounds state.Bounds
}

// Info describes a session.
type Info struct {
	ID         string         `json:"id"`
	Hub        string         `json:"hub"`
	Experiment string         `json:"experiment"`
	Algorithm  string         `json:"algorithm"`
	Params     map[string]any `json:"params,omitempty"`
	Active     bool           `json:"active"`
	Points     int            `json:"points"`
	Started    time.Time      `json:"started"`
	Finished   time.Time      `json:"finished,omitzero"`
	Error      string         `json:"error,omitempty"`
	Best       *Record        `json:"best,omitempty"`
}

// Config assembles a session.
type Config struct {
	State          state.State
	ExperimentName string
	Experiment     Experiment
	AlgorithmName  string
	Params         map[string]any
	Algorithm      Algorithm
	Recorders      []Recorder
	Broadcaster    telemetry.Broadcaster
}

// Sampler is one optimization session.
type Sampler struct {
	id         string
	target     Target
	state      state.State
	experiment Experiment
	expName    string
	algorithm  Algorithm
	algName    string
	params     map[string]any
	recorders  []Recorder
	emit       telemetry.Broadcaster

	mu       sync.RWMutex
	history  []Record
	active   bool
	started  time.Time
	finished time.Time
	err      error
}

// New creates an inactive session against target.
func New(target Target, cfg Config) (*Sampler, error) {
	if cfg.State.Empty() {
		return nil, ErrEmptyState
	}
	if cfg.Experiment == nil {
		return nil, errors.New("sampler: experiment is required")
	}
	if cfg.Algorithm == nil {
		return nil, fmt.Errorf("%w: nil algorithm", ErrUnknownAlgorithm)
	}
	emit := cfg.Broadcaster
	if emit == nil {
		emit = telemetry.Nop{}
	}
	return &Sampler{
		id:         uuid.NewString(),
		target:     target,
		state:      cfg.State.Copy(),
		experiment: cfg.Experiment,
		expName:    cfg.ExperimentName,
		algorithm:  cfg.Algorithm,
		algName:    cfg.AlgorithmName,
		params:     cfg.Params,
		recorders:  cfg.Recorders,
		emit:       emit,
	}, nil
}

// ID returns the session identifier.
func (s *Sampler) ID() string { return s.id }

// State returns the sub-state the session varies, with its initial values.
func (s *Sampler) State() state.State { return s.state.Copy() }

// Dimensions lists the varied knobs in sorted order with their bounds.
func (s *Sampler) Dimensions() []Dimension {
	rng := s.target.Range()
	var dims []Dimension
	for _, thing := range s.state.Things() {
		for _, knob := range s.state[thing].Keys() {
			b, _ := rng.Get(thing, knob)
			dims = append(dims, Dimension{Thing: thing, Knob: knob, Bounds: b})
		}
	}
	return dims
}

// Run executes the algorithm. The session is inactive again when Run
// returns, whatever the outcome; history gathered so far is kept.
func (s *Sampler) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	s.active = true
	s.started = time.Now()
	s.mu.Unlock()

	s.emitEvent(ctx, telemetry.EventSamplerStart, telemetry.SamplerPayload{ID: s.id, Experiment: s.expName})

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, p)
		}
		s.mu.Lock()
		s.active = false
		s.finished = time.Now()
		s.err = err
		s.mu.Unlock()

		info := s.Info()
		for _, r := range s.recorders {
			f, ok := r.(Finisher)
			if !ok {
				continue
			}
			if ferr := f.FinishRun(context.WithoutCancel(ctx), info); ferr != nil {
				err = errors.Join(err, fmt.Errorf("recording run: %w", ferr))
			}
		}

		payload := telemetry.SamplerPayload{ID: s.id, Experiment: s.expName}
		if best, ok := s.Best(); ok {
			payload.Point = flatten(best.Point)
			payload.Cost = best.Cost
		}
		if err != nil {
			payload.Error = err.Error()
		}
		s.emitEvent(context.WithoutCancel(ctx), telemetry.EventSamplerComplete, payload)
	}()

	return s.algorithm.Run(ctx, s)
}

// Evaluate actuates point through the target, measures its cost and
// appends it to the history. Driver and experiment errors are returned
// unmodified.
func (s *Sampler) Evaluate(ctx context.Context, point state.State) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.target.Actuate(ctx, point); err != nil {
		return 0, err
	}
	cost, err := s.experiment(ctx, point)
	if err != nil {
		return 0, err
	}

	rec := Record{Point: point.Copy(), Cost: cost, Time: time.Now()}
	s.mu.Lock()
	s.history = append(s.history, rec)
	s.mu.Unlock()

	metrics.RecordSamplerEvaluation(s.target.Name(), s.expName)
	info := s.Info()
	for _, r := range s.recorders {
		if err := r.RecordPoint(ctx, info, rec); err != nil {
			return cost, fmt.Errorf("recording point: %w", err)
		}
	}
	s.emitEvent(ctx, telemetry.EventSamplerPoint, telemetry.SamplerPayload{
		ID:         s.id,
		Experiment: s.expName,
		Point:      flatten(point),
		Cost:       cost,
	})
	return cost, nil
}

// EvaluateNormalized evaluates the point whose coordinates, one per
// dimension in [0,1], are scaled into the knob ranges.
func (s *Sampler) EvaluateNormalized(ctx context.Context, x []float64) (float64, error) {
	point, err := s.Denormalize(x)
	if err != nil {
		return 0, err
	}
	return s.Evaluate(ctx, point)
}

// Denormalize maps unit coordinates to a state using the knob ranges.
func (s *Sampler) Denormalize(x []float64) (state.State, error) {
	dims := s.Dimensions()
	if len(x) != len(dims) {
		return nil, fmt.Errorf("sampler: got %d coordinates for %d dimensions", len(x), len(dims))
	}
	point := state.State{}
	for i, d := range dims {
		if !d.Bounds.Finite() {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnbounded, d.Thing, d.Knob)
		}
		point.Set(d.Thing, d.Knob, d.Bounds.Denormalize(x[i]))
	}
	return point, nil
}

// History returns copies of the evaluated points, oldest first.
func (s *Sampler) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.history))
	for i, r := range s.history {
		out[i] = Record{Point: r.Point.Copy(), Cost: r.Cost, Time: r.Time}
	}
	return out
}

// Best returns the lowest-cost record.
func (s *Sampler) Best() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return Record{}, false
	}
	best := s.history[0]
	for _, r := range s.history[1:] {
		if r.Cost < best.Cost {
			best = r
		}
	}
	return Record{Point: best.Point.Copy(), Cost: best.Cost, Time: best.Time}, true
}

// Active reports whether Run is in progress.
func (s *Sampler) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Err returns the error Run finished with.
func (s *Sampler) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Info returns a summary of the session.
func (s *Sampler) Info() Info {
	s.mu.RLock()
	info := Info{
		ID:         s.id,
		Hub:        s.target.Name(),
		Experiment: s.expName,
		Algorithm:  s.algName,
		Params:     s.params,
		Active:     s.active,
		Points:     len(s.history),
		Started:    s.started,
		Finished:   s.finished,
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	s.mu.RUnlock()

	if best, ok := s.Best(); ok {
		info.Best = &best
	}
	return info
}

func (s *Sampler) emitEvent(ctx context.Context, name string, payload telemetry.SamplerPayload) {
	s.emit.Emit(ctx, telemetry.Event{
		Name:    name,
		Hub:     s.target.Name(),
		Time:    time.Now(),
		Payload: payload,
	})
}

// flatten renders a state as "thing.knob" keys for event payloads.
func flatten(st state.State) map[string]any {
	out := make(map[string]any)
	for thing, sub := range st {
		for knob, v := range sub {
			out[thing+"."+knob] = v
		}
	}
	return out
}
