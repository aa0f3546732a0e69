package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/sampler"
	"github.com/nerrad567/labhub-core/internal/state"
)

func TestOptimize_UnknownExperiment(t *testing.T) {
	b := newBench(t, Options{})
	_, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "missing", OptimizeOptions{})
	if !errors.Is(err, ErrExperimentNotFound) {
		t.Errorf("Optimize() error = %v, want %v", err, ErrExperimentNotFound)
	}
}

func TestOptimize_DisablesWatchdogsDuringRun(t *testing.T) {
	b := newBench(t, Options{AlgorithmParams: map[string]any{"steps": 3}})
	w := addLockWatchdog(t, b.hub, &photodiode{v: 1})

	var enabledDuring []bool
	b.hub.AddExperiment("align", func(ctx context.Context, point state.State) (float64, error) {
		enabledDuring = append(enabledDuring, w.Enabled())
		x, _ := point.Get("stage", "x")
		f, _ := state.ToFloat(x)
		return (f - 10) * (f - 10), nil
	})

	s, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "align", OptimizeOptions{})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	for i, on := range enabledDuring {
		if on {
			t.Errorf("watchdog enabled during evaluation %d", i)
		}
	}
	if !w.Enabled() {
		t.Error("watchdog not re-enabled after session")
	}
	if got := len(s.History()); got != 3 {
		t.Errorf("len(History()) = %d, want 3", got)
	}
	if got := value(b.hub, "stage", "x"); got != 10.0 {
		t.Errorf("stage.x = %v, want best point 10", got)
	}
	if _, ok := b.hub.Sampler(s.ID()); !ok {
		t.Error("finished sampler not retained")
	}
}

func TestOptimize_FailingAlgorithmReenablesWatchdogs(t *testing.T) {
	b := newBench(t, Options{})
	w := addLockWatchdog(t, b.hub, &photodiode{v: 1})

	boom := errors.New("fit diverged")
	b.hub.Algorithms().Register("broken", func(map[string]any) (sampler.Algorithm, error) {
		return algorithmFunc(func(ctx context.Context, s *sampler.Sampler) error {
			if _, err := s.Evaluate(ctx, state.State{"stage": {"x": 1.0}}); err != nil {
				return err
			}
			return boom
		}), nil
	})
	b.hub.AddExperiment("align", func(context.Context, state.State) (float64, error) { return 0, nil })

	s, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "align", OptimizeOptions{Algorithm: "broken"})
	if !errors.Is(err, boom) {
		t.Fatalf("Optimize() error = %v, want %v", err, boom)
	}
	if !w.Enabled() {
		t.Error("watchdog left disabled after failure")
	}
	if s.Active() {
		t.Error("sampler still active after failure")
	}
	if got := len(s.History()); got != 1 {
		t.Errorf("partial history length = %d, want 1", got)
	}
}

func TestOptimize_PanickingAlgorithmReenablesWatchdogs(t *testing.T) {
	b := newBench(t, Options{})
	w := addLockWatchdog(t, b.hub, &photodiode{v: 1})
	b.hub.Algorithms().Register("panicky", func(map[string]any) (sampler.Algorithm, error) {
		return algorithmFunc(func(context.Context, *sampler.Sampler) error { panic("nan cost") }), nil
	})
	b.hub.AddExperiment("align", func(context.Context, state.State) (float64, error) { return 0, nil })

	_, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "align", OptimizeOptions{Algorithm: "panicky"})
	if !errors.Is(err, sampler.ErrPanic) {
		t.Errorf("Optimize() error = %v, want %v", err, sampler.ErrPanic)
	}
	if !w.Enabled() {
		t.Error("watchdog left disabled after panic")
	}
}

func TestOptimize_ThreadedTerminate(t *testing.T) {
	b := newBench(t, Options{})
	w := addLockWatchdog(t, b.hub, &photodiode{v: 1})

	started := make(chan struct{})
	b.hub.Algorithms().Register("servo", func(map[string]any) (sampler.Algorithm, error) {
		return algorithmFunc(func(ctx context.Context, s *sampler.Sampler) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}), nil
	})
	b.hub.AddExperiment("align", func(context.Context, state.State) (float64, error) { return 0, nil })

	s, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "align",
		OptimizeOptions{Threaded: true, Algorithm: "servo"})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	<-started
	if w.Enabled() {
		t.Error("watchdog enabled while threaded session runs")
	}
	if len(b.hub.Samplers()) != 1 {
		t.Errorf("Samplers() = %d, want 1", len(b.hub.Samplers()))
	}

	if err := b.hub.Terminate(s.ID()); err != nil {
		t.Fatalf("Terminate() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for s.Active() || !w.Enabled() {
		select {
		case <-deadline:
			t.Fatal("session did not wind down after Terminate")
		case <-time.After(2 * time.Millisecond):
		}
	}
	if !errors.Is(s.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", s.Err())
	}
	if err := b.hub.Terminate(s.ID()); !errors.Is(err, ErrSamplerNotFound) {
		t.Errorf("Terminate() again error = %v, want %v", err, ErrSamplerNotFound)
	}
}

func TestOptimize_Retention(t *testing.T) {
	b := newBench(t, Options{SamplerRetention: 2, AlgorithmParams: map[string]any{"steps": 2}})
	b.hub.AddExperiment("flat", func(context.Context, state.State) (float64, error) { return 0, nil })

	var ids []string
	for range 3 {
		s, err := b.hub.Optimize(context.Background(), state.State{"stage": {"x": 0.0}}, "flat", OptimizeOptions{})
		if err != nil {
			t.Fatalf("Optimize() error = %v", err)
		}
		ids = append(ids, s.ID())
	}
	if _, ok := b.hub.Sampler(ids[0]); ok {
		t.Error("oldest sampler still retained")
	}
	if got := len(b.hub.Samplers()); got != 2 {
		t.Errorf("len(Samplers()) = %d, want 2", got)
	}
}

type algorithmFunc func(ctx context.Context, s *sampler.Sampler) error

func (f algorithmFunc) Run(ctx context.Context, s *sampler.Sampler) error { return f(ctx, s) }

