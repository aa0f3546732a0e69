// Package watchdog implements periodic safety monitors.
//
// A Watchdog reads one signal channel through a Sensor and compares it
// with a threshold. While the signal is on the safe side the watchdog is
// Locked; otherwise it is Reacting and may run a corrective Reaction
// (re-lock a laser, close a shutter). Watchdogs do not block actuation
// themselves: the hub consults them as a gate before risky sequences.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is the derived condition of a watchdog.
type State string

const (
	Locked   State = "locked"
	Reacting State = "reacting"
)

// DefaultInterval is the polling interval used when none is configured.
const DefaultInterval = time.Second

// ErrNoSensor is returned by Check when the watchdog has no sensor.
var ErrNoSensor = errors.New("watchdog: no sensor")

// Sensor reads the monitored channel.
type Sensor interface {
	Read(ctx context.Context, channel string) (float64, error)
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func(ctx context.Context, channel string) (float64, error)

// Read calls f.
func (f SensorFunc) Read(ctx context.Context, channel string) (float64, error) {
	return f(ctx, channel)
}

// Reaction is run by Monitor when a check finds the watchdog Reacting.
type Reaction func(ctx context.Context, w *Watchdog) error

// Config describes a watchdog.
type Config struct {
	Name      string
	Channel   string
	Threshold float64

	// Below selects "reacting while value < threshold"; by default the
	// watchdog reacts while value > threshold.
	Below bool

	Interval time.Duration
}

// Status is a point-in-time view of a watchdog.
type Status struct {
	Name      string    `json:"name"`
	Channel   string    `json:"channel"`
	Threshold float64   `json:"threshold"`
	Enabled   bool      `json:"enabled"`
	State     State     `json:"state"`
	Value     float64   `json:"value"`
	Trips     int       `json:"trips"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
}

// Logger defines the logging interface for watchdogs.
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

// Watchdog monitors one channel against a threshold.
type Watchdog struct {
	cfg      Config
	sensor   Sensor
	reaction Reaction
	logger   Logger
	onChange func(w *Watchdog, prev, next State)

	mu        sync.RWMutex
	enabled   bool
	state     State
	value     float64
	trips     int
	checkedAt time.Time
}

// New creates an enabled, Locked watchdog.
func New(cfg Config, sensor Sensor) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Channel
	}
	return &Watchdog{
		cfg:     cfg,
		sensor:  sensor,
		logger:  noopLogger{},
		enabled: true,
		state:   Locked,
	}
}

// SetLogger sets the logger for the watchdog.
func (w *Watchdog) SetLogger(logger Logger) { w.logger = logger }

// SetReaction sets the corrective action run by Monitor.
func (w *Watchdog) SetReaction(r Reaction) { w.reaction = r }

// OnChange registers a callback for Locked/Reacting transitions.
func (w *Watchdog) OnChange(fn func(w *Watchdog, prev, next State)) { w.onChange = fn }

// Name returns the watchdog name.
func (w *Watchdog) Name() string { return w.cfg.Name }

// Channel returns the monitored channel.
func (w *Watchdog) Channel() string { return w.cfg.Channel }

// Threshold returns the trip threshold.
func (w *Watchdog) Threshold() float64 { return w.cfg.Threshold }

// Interval returns the polling interval.
func (w *Watchdog) Interval() time.Duration { return w.cfg.Interval }

// Enable switches the watchdog on or off. A disabled watchdog is ignored
// by the hub's lock check but keeps its last state.
func (w *Watchdog) Enable(on bool) {
	w.mu.Lock()
	w.enabled = on
	w.mu.Unlock()
}

// Enabled reports whether the watchdog is switched on.
func (w *Watchdog) Enabled() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.enabled
}

// State returns the state found by the last check.
func (w *Watchdog) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Value returns the last value read.
func (w *Watchdog) Value() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.value
}

// Status returns a snapshot of the watchdog.
func (w *Watchdog) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Status{
		Name:      w.cfg.Name,
		Channel:   w.cfg.Channel,
		Threshold: w.cfg.Threshold,
		Enabled:   w.enabled,
		State:     w.state,
		Value:     w.value,
		Trips:     w.trips,
		CheckedAt: w.checkedAt,
	}
}

// Check reads the sensor and updates the state.
// Returns true if the watchdog is Locked. A failed read counts as Reacting.
func (w *Watchdog) Check(ctx context.Context) (bool, error) {
	if w.sensor == nil {
		w.transition(Reacting, w.Value())
		return false, fmt.Errorf("%w: %s", ErrNoSensor, w.cfg.Name)
	}

	v, err := w.sensor.Read(ctx, w.cfg.Channel)
	if err != nil {
		w.transition(Reacting, w.Value())
		return false, fmt.Errorf("reading %s: %w", w.cfg.Channel, err)
	}

	next := Locked
	if w.tripped(v) {
		next = Reacting
	}
	w.transition(next, v)
	return next == Locked, nil
}

func (w *Watchdog) tripped(v float64) bool {
	if w.cfg.Below {
		return v < w.cfg.Threshold
	}
	return v > w.cfg.Threshold
}

func (w *Watchdog) transition(next State, v float64) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.value = v
	w.checkedAt = time.Now()
	if prev != next && next == Reacting {
		w.trips++
	}
	w.mu.Unlock()

	if prev != next {
		w.logger.Info("watchdog state changed",
			"watchdog", w.cfg.Name,
			"from", prev,
			"to", next,
			"value", v,
		)
		if w.onChange != nil {
			w.onChange(w, prev, next)
		}
	}
}

// React runs the corrective action, if any.
func (w *Watchdog) React(ctx context.Context) error {
	if w.reaction == nil {
		return nil
	}
	return w.reaction(ctx, w)
}

// Monitor checks the watchdog every interval while enabled and runs the
// reaction whenever a check finds it Reacting. It returns when ctx is done.
func (w *Watchdog) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if !w.Enabled() {
			continue
		}

		locked, err := w.Check(ctx)
		if err != nil {
			w.logger.Warn("watchdog check failed", "watchdog", w.cfg.Name, "error", err)
		}
		if locked {
			continue
		}
		if err := w.React(ctx); err != nil {
			w.logger.Error("watchdog reaction failed", "watchdog", w.cfg.Name, "error", err)
		}
	}
}
