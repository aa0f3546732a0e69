package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/sequencer"
	"github.com/nerrad567/labhub-core/internal/state"
)

func TestHub_SequenceRunOnce(t *testing.T) {
	b := newBench(t, Options{Sequencer: sequencer.Config{CycleTime: 40 * time.Millisecond, SyncInterval: time.Millisecond}})
	ctx := context.Background()

	if err := b.hub.SetWaveform(ctx, "laser", "Power (W)", []Point{{Time: 0, Value: 1.0}, {Time: 0.5, Value: 2.0}}); err != nil {
		t.Fatalf("SetWaveform(laser) error = %v", err)
	}
	if err := b.hub.SetWaveform(ctx, "stage", "x", []Point{{Time: 0.25, Value: 3.0}}); err != nil {
		t.Fatalf("SetWaveform(stage) error = %v", err)
	}

	seq := b.hub.Sequencer()
	steps, err := seq.Prepare(ctx)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	if _, ok := steps[0].State["laser"]["power"]; !ok {
		t.Errorf("steps[0] = %v, want display name translated to power", steps[0].State)
	}

	if err := seq.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	want := state.State{"laser": {"power": 2.0}, "stage": {"x": 3.0}}
	for thing, sub := range want {
		for knob, v := range sub {
			if got := value(b.hub, thing, knob); got != v {
				t.Errorf("%s.%s = %v, want %v", thing, knob, got, v)
			}
		}
	}
}

func TestHub_SetWaveformUnknown(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	if err := b.hub.SetWaveform(ctx, "pump", "rate", nil); !errors.Is(err, ErrThingNotFound) {
		t.Errorf("SetWaveform(pump) error = %v, want %v", err, ErrThingNotFound)
	}
	if err := b.hub.SetWaveform(ctx, "laser", "mode", nil); !errors.Is(err, ErrKnobNotFound) {
		t.Errorf("SetWaveform(laser.mode) error = %v, want %v", err, ErrKnobNotFound)
	}
}

func TestHub_RemoveKnobDropsWaveform(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	if err := b.hub.SetWaveform(ctx, "laser", "power", []Point{{Time: 0, Value: 1.0}, {Time: 0.5, Value: 2.0}}); err != nil {
		t.Fatalf("SetWaveform(power) error = %v", err)
	}
	if err := b.hub.SetWaveform(ctx, "laser", "shutter", []Point{{Time: 0.25, Value: true}}); err != nil {
		t.Fatalf("SetWaveform(shutter) error = %v", err)
	}
	if err := b.hub.RemoveKnob(ctx, "laser", "power"); err != nil {
		t.Fatalf("RemoveKnob() error = %v", err)
	}

	if _, ok := b.hub.Sequencer().Waveforms()["laser"]["power"]; ok {
		t.Error("laser.power waveform still declared")
	}
	steps, err := b.hub.Sequencer().Prepare(ctx)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("len(steps) = %d, want 1", len(steps))
	}
	for _, st := range steps {
		if _, ok := st.State["laser"]["power"]; ok {
			t.Errorf("step %v still drives laser.power", st.State)
		}
	}
}
