package apparatus

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/driver"
	"github.com/nerrad567/labhub-core/internal/hub"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

func buildBench(t *testing.T, deps Deps) *hub.Hub {
	t.Helper()
	def, err := Load(filepath.Join("testdata", "bench.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h, err := def.Build(context.Background(), deps)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func TestBuild(t *testing.T) {
	h := buildBench(t, Deps{})

	if h.Name() != "bench" {
		t.Errorf("Name() = %q, want %q", h.Name(), "bench")
	}
	if got := h.Sequencer().CycleTime(); got != 2*time.Second {
		t.Errorf("CycleTime() = %v, want 2s", got)
	}
	if got, _ := h.State().Get("laser", "power"); got != 1.5 {
		t.Errorf("laser.power = %v, want initial 1.5", got)
	}
	b, ok := h.Range().Get("stage", "x")
	if !ok || !b.Finite() {
		t.Errorf("stage.x bounds = %+v, %v; want finite", b, ok)
	}
	if wf := h.Sequencer().Waveforms(); len(wf["laser"]["power"]) != 2 {
		t.Errorf("Waveforms() = %v, want two laser.power points", wf)
	}
	if _, ok := h.Watchdog("overpower"); !ok {
		t.Error("Watchdog(overpower) missing")
	}
	if !h.Runner().Running("watchdog:overpower") {
		t.Error("overpower monitor not running")
	}
	if exps := h.Experiments(); len(exps) != 1 || exps[0] != "align" {
		t.Errorf("Experiments() = %v, want [align]", exps)
	}
}

func TestBuild_WatchdogReaction(t *testing.T) {
	h := buildBench(t, Deps{})
	ctx := context.Background()

	locked, err := h.CheckLock(ctx, false)
	if err != nil || !locked {
		t.Fatalf("CheckLock() = %v, %v; want locked", locked, err)
	}

	if err := h.Actuate(ctx, state.State{"laser": {"power": 4.5}}); err != nil {
		t.Fatalf("Actuate() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if v, _ := h.State().Get("laser", "shutter"); v == true {
			break
		}
		select {
		case <-deadline:
			t.Fatal("overpower reaction never closed the shutter")
		case <-time.After(10 * time.Millisecond):
		}
	}

	w, _ := h.Watchdog("overpower")
	if w.State() != watchdog.Reacting {
		t.Errorf("overpower State() = %q, want %q", w.State(), watchdog.Reacting)
	}
}

func TestBuild_QuadraticExperiment(t *testing.T) {
	h := buildBench(t, Deps{})

	s, err := h.Optimize(context.Background(), state.State{"stage": {"x": 0.0, "y": 0.0}}, "align",
		hub.OptimizeOptions{Params: map[string]any{"steps": 5}})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	best, ok := s.Best()
	if !ok || best.Cost != 0 {
		t.Errorf("Best() = %+v, %v; want cost 0", best, ok)
	}
	if x, _ := h.State().Get("stage", "x"); x != 0.5 {
		t.Errorf("stage.x = %v, want 0.5 after settling on best", x)
	}
}

func TestBuild_MQTTSensor(t *testing.T) {
	def := &Definition{
		Hub:       "bench",
		Watchdogs: []WatchdogDef{{Name: "lock", Channel: "pd0", Threshold: 0.5, Below: true}},
	}

	if _, err := def.Build(context.Background(), Deps{}); !errors.Is(err, ErrNoSignals) {
		t.Fatalf("Build() without signals error = %v, want %v", err, ErrNoSignals)
	}

	signals := watchdog.NewSignalCache("bench", 0)
	h, err := def.Build(context.Background(), Deps{Signals: signals})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	signals.Store("pd0", 0.2)
	if locked, _ := h.CheckLock(context.Background(), false); locked {
		t.Error("CheckLock() = true with pd0 below threshold")
	}
	signals.Store("pd0", 0.9)
	if locked, _ := h.CheckLock(context.Background(), false); !locked {
		t.Error("CheckLock() = false with pd0 above threshold")
	}
}

func TestBuild_UnknownDriver(t *testing.T) {
	def := &Definition{
		Hub:    "bench",
		Things: []ThingDef{{Name: "laser", Driver: "gpib"}},
	}
	if _, err := def.Build(context.Background(), Deps{}); !errors.Is(err, driver.ErrUnknownKind) {
		t.Errorf("Build() error = %v, want %v", err, driver.ErrUnknownKind)
	}
}

func TestBuild_CustomDriverKind(t *testing.T) {
	reg := driver.NewRegistry()
	var built driver.Deps
	reg.Register("scope", func(deps driver.Deps, _ map[string]any) (driver.Driver, error) {
		built = deps
		return driver.NewVirtual(driver.VirtualParams{}), nil
	})

	def := &Definition{
		Hub:    "bench",
		Things: []ThingDef{{Name: "scope", Driver: "scope", Knobs: []KnobDef{{Name: "gain", Initial: 1.0}}}},
	}
	h, err := def.Build(context.Background(), Deps{Drivers: reg})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Close(context.Background()) })

	if built.Hub != "bench" || built.Thing != "scope" {
		t.Errorf("factory deps = %+v, want hub bench thing scope", built)
	}
}

func TestBuild_Process(t *testing.T) {
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skipf("sleep not available: %v", err)
	}

	def := &Definition{
		Hub:       "bench",
		Processes: []ProcessDef{{Name: "camera", Binary: sleep, Args: []string{"30"}}},
	}
	h, err := def.Build(context.Background(), Deps{Options: hub.Options{ProcessGrace: 100 * time.Millisecond}})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if !h.Runner().Running("camera") {
		t.Error("camera process not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if h.Runner().Running("camera") {
		t.Error("camera process still registered after Close")
	}
}

func TestKnobSensor(t *testing.T) {
	h := buildBench(t, Deps{})
	s := KnobSensor{Hub: h}
	ctx := context.Background()

	tests := []struct {
		channel string
		want    float64
		wantErr bool
	}{
		{channel: "laser.power", want: 1.5},
		{channel: "stage.x", want: 0},
		{channel: "laser.shutter", wantErr: true},
		{channel: "laser.missing", wantErr: true},
		{channel: "laser", wantErr: true},
	}
	for _, tt := range tests {
		got, err := s.Read(ctx, tt.channel)
		if (err != nil) != tt.wantErr {
			t.Errorf("Read(%q) error = %v, wantErr %v", tt.channel, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("Read(%q) = %v, want %v", tt.channel, got, tt.want)
		}
	}
}
