package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/driver"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

func ptr(v float64) *float64 { return &v }

type bench struct {
	hub   *Hub
	laser *driver.Virtual
	stage *driver.Virtual
}

func newBench(t *testing.T, opts Options, options ...Option) *bench {
	t.Helper()
	ctx := context.Background()
	b := &bench{
		laser: driver.NewVirtual(driver.VirtualParams{}),
		stage: driver.NewVirtual(driver.VirtualParams{}),
	}
	b.hub = New(ctx, "bench", opts, options...)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.hub.Close(cctx)
	})

	if _, err := b.hub.AddThing(ctx, ThingConfig{
		Name:   "laser",
		Driver: b.laser,
		Knobs: []KnobSpec{
			{Name: "power", DisplayName: "Power (W)", Min: ptr(0), Max: ptr(5), Initial: 0.0},
			{Name: "shutter", Initial: false},
		},
	}); err != nil {
		t.Fatalf("AddThing(laser) error = %v", err)
	}
	if _, err := b.hub.AddThing(ctx, ThingConfig{
		Name:   "stage",
		Driver: b.stage,
		Knobs:  []KnobSpec{{Name: "x", Min: ptr(-10), Max: ptr(10), Initial: 0.0}},
	}); err != nil {
		t.Fatalf("AddThing(stage) error = %v", err)
	}
	if err := b.hub.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return b
}

func value(h *Hub, thing, knob string) any {
	v, _ := h.State().Get(thing, knob)
	return v
}

func TestHub_ActuateWritesThrough(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	target := state.State{
		"laser": {"power": 2.5, "shutter": true},
		"stage": {"x": -3.0},
	}
	if err := b.hub.Actuate(ctx, target); err != nil {
		t.Fatalf("Actuate() error = %v", err)
	}

	for thing, sub := range target {
		th, _ := b.hub.Thing(thing)
		for knob, want := range sub {
			if got := value(b.hub, thing, knob); got != want {
				t.Errorf("hub state %s.%s = %v, want %v", thing, knob, got, want)
			}
			if got := th.State()[knob]; got != want {
				t.Errorf("thing state %s.%s = %v, want %v", thing, knob, got, want)
			}
			k, _ := th.Knob(knob)
			if got := k.Value(); got != want {
				t.Errorf("knob %s.%s = %v, want %v", thing, knob, got, want)
			}
		}
	}

	calls := b.laser.Calls()
	if len(calls) != 1 || calls[0]["power"] != 2.5 || calls[0]["shutter"] != true {
		t.Errorf("laser driver calls = %v", calls)
	}
}

func TestHub_ActuateSkipsUnknownNames(t *testing.T) {
	b := newBench(t, Options{})

	err := b.hub.Actuate(context.Background(), state.State{
		"cryostat": {"temp": 4.0},
		"laser":    {"power": 1.0, "wavelength": 780.0},
	})
	if err != nil {
		t.Fatalf("Actuate() error = %v, want nil", err)
	}
	if got := value(b.hub, "laser", "power"); got != 1.0 {
		t.Errorf("laser.power = %v, want 1", got)
	}
	if _, ok := b.hub.State()["cryostat"]; ok {
		t.Error("unknown thing appeared in hub state")
	}
	if _, ok := b.laser.Calls()[0]["wavelength"]; ok {
		t.Error("unknown knob reached the driver")
	}
}

func TestThing_TranslatesAndDropsNil(t *testing.T) {
	b := newBench(t, Options{})
	laser, _ := b.hub.Thing("laser")

	if err := laser.Actuate(context.Background(), state.Sub{"Power (W)": 3.0, "shutter": nil}); err != nil {
		t.Fatalf("Actuate() error = %v", err)
	}

	calls := b.laser.Calls()
	if len(calls) != 1 {
		t.Fatalf("driver calls = %d, want 1", len(calls))
	}
	if calls[0]["power"] != 3.0 {
		t.Errorf("driver power = %v, want 3", calls[0]["power"])
	}
	if _, ok := calls[0]["shutter"]; ok {
		t.Error("nil shutter reached the driver")
	}
	if got := value(b.hub, "laser", "shutter"); got != false {
		t.Errorf("shutter = %v, want unchanged false", got)
	}
}

func TestThing_KnobCommand(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, "bench", Options{})
	var got []any
	boom := errors.New("dac fault")
	th, err := h.AddThing(ctx, ThingConfig{
		Name: "dac",
		Knobs: []KnobSpec{
			{Name: "ch0", Command: func(_ context.Context, v any) error {
				if v == -1.0 {
					return boom
				}
				got = append(got, v)
				return nil
			}},
			{Name: "ch1"},
		},
	})
	if err != nil {
		t.Fatalf("AddThing() error = %v", err)
	}

	if err := th.Actuate(ctx, state.Sub{"ch0": 1.5, "ch1": 2.0}); err != nil {
		t.Fatalf("Actuate() error = %v", err)
	}
	if len(got) != 1 || got[0] != 1.5 {
		t.Errorf("commanded = %v, want [1.5]", got)
	}

	err = th.Actuate(ctx, state.Sub{"ch0": -1.0, "ch1": 3.0})
	if !errors.Is(err, boom) {
		t.Fatalf("Actuate() error = %v, want %v", err, boom)
	}
	st := th.State()
	if st["ch0"] != 1.5 || st["ch1"] != 3.0 {
		t.Errorf("state = %v, want ch0 kept at 1.5 and ch1 applied", st)
	}
}

func TestHub_PartialFailureKeepsEarlierThings(t *testing.T) {
	b := newBench(t, Options{})
	boom := errors.New("stage limit switch")
	b.stage.FailNext(boom)

	err := b.hub.Actuate(context.Background(), state.State{
		"laser": {"power": 4.0},
		"stage": {"x": 9.0},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Actuate() error = %v, want %v", err, boom)
	}
	if got := value(b.hub, "laser", "power"); got != 4.0 {
		t.Errorf("laser.power = %v, want 4 (no rollback)", got)
	}
	if got := value(b.hub, "stage", "x"); got != 0.0 {
		t.Errorf("stage.x = %v, want 0", got)
	}
}

func TestHub_AtomicActuationRollsBack(t *testing.T) {
	b := newBench(t, Options{AtomicActuation: true})
	ctx := context.Background()

	if err := b.hub.Actuate(ctx, state.State{"laser": {"power": 1.0}}); err != nil {
		t.Fatalf("Actuate() error = %v", err)
	}
	boom := errors.New("stage limit switch")
	b.stage.FailNext(boom)

	err := b.hub.Actuate(ctx, state.State{
		"laser": {"power": 4.0},
		"stage": {"x": 9.0},
	})
	if !errors.Is(err, boom) || !errors.Is(err, ErrRolledBack) {
		t.Fatalf("Actuate() error = %v, want %v and %v", err, boom, ErrRolledBack)
	}
	if got := value(b.hub, "laser", "power"); got != 1.0 {
		t.Errorf("laser.power = %v, want rolled back to 1", got)
	}
	calls := b.laser.Calls()
	if last := calls[len(calls)-1]; last["power"] != 1.0 {
		t.Errorf("last laser call = %v, want power 1", last)
	}
}

func TestHub_AtomicActuationNeedsPriorValues(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, "bench", Options{AtomicActuation: true})
	laser := driver.NewVirtual(driver.VirtualParams{})
	if _, err := h.AddThing(ctx, ThingConfig{
		Name:   "laser",
		Driver: laser,
		Knobs:  []KnobSpec{{Name: "power", Initial: 0.0}, {Name: "focus"}},
	}); err != nil {
		t.Fatalf("AddThing() error = %v", err)
	}
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := h.Actuate(ctx, state.State{"laser": {"power": 2.0, "focus": 1.0}})
	if !errors.Is(err, ErrNoPriorValue) {
		t.Fatalf("Actuate() error = %v, want %v", err, ErrNoPriorValue)
	}
	if n := len(laser.Calls()); n != 0 {
		t.Errorf("driver calls = %d, want 0", n)
	}
	if got := value(h, "laser", "power"); got != 0.0 {
		t.Errorf("laser.power = %v, want 0", got)
	}

	if err := h.Actuate(ctx, state.State{"laser": {"power": 2.0}}); err != nil {
		t.Errorf("Actuate(power only) error = %v", err)
	}
}

func TestHub_AtomicActuationRestoresFailingThing(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, "bench", Options{AtomicActuation: true})
	rig := driver.NewVirtual(driver.VirtualParams{})
	boom := errors.New("shutter jammed")
	if _, err := h.AddThing(ctx, ThingConfig{
		Name:   "rig",
		Driver: rig,
		Knobs: []KnobSpec{
			{Name: "x", Initial: 0.0},
			{Name: "z", Initial: 0.0, Command: func(context.Context, any) error { return boom }},
		},
	}); err != nil {
		t.Fatalf("AddThing() error = %v", err)
	}
	if err := h.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	err := h.Actuate(ctx, state.State{"rig": {"x": 5.0, "z": 1.0}})
	if !errors.Is(err, boom) || !errors.Is(err, ErrRolledBack) {
		t.Fatalf("Actuate() error = %v, want %v and %v", err, boom, ErrRolledBack)
	}
	if got := value(h, "rig", "x"); got != 0.0 {
		t.Errorf("rig.x = %v, want restored to 0", got)
	}
	if got := value(h, "rig", "z"); got != 0.0 {
		t.Errorf("rig.z = %v, want 0", got)
	}
	calls := rig.Calls()
	if len(calls) != 2 {
		t.Fatalf("driver calls = %v, want forward and restore", calls)
	}
	if calls[0]["x"] != 5.0 || calls[1]["x"] != 0.0 {
		t.Errorf("driver calls = %v, want x 5 then 0", calls)
	}
}

func TestHub_UndoRedo(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	for _, p := range []float64{1, 2} {
		if err := b.hub.Actuate(ctx, state.State{"laser": {"power": p}}); err != nil {
			t.Fatalf("Actuate(%v) error = %v", p, err)
		}
	}

	steps := []struct {
		op   func(context.Context) error
		name string
		want float64
	}{
		{op: b.hub.Undo, name: "undo", want: 1},
		{op: b.hub.Undo, name: "undo", want: 0},
		{op: b.hub.Redo, name: "redo", want: 1},
		{op: b.hub.Redo, name: "redo", want: 2},
		{op: b.hub.Redo, name: "redo at head", want: 2},
	}
	for i, s := range steps {
		if err := s.op(ctx); err != nil {
			t.Fatalf("step %d %s error = %v", i, s.name, err)
		}
		if got := value(b.hub, "laser", "power"); got != s.want {
			t.Errorf("step %d %s: power = %v, want %v", i, s.name, got, s.want)
		}
	}
	if got := b.laser.Calls()[len(b.laser.Calls())-1]["power"]; got != 2.0 {
		t.Errorf("driver last power = %v, want replay through driver", got)
	}
}

func TestHub_AddAfterUndoTruncatesRedo(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	_ = b.hub.Actuate(ctx, state.State{"stage": {"x": 1.0}})
	_ = b.hub.Actuate(ctx, state.State{"stage": {"x": 2.0}})
	_ = b.hub.Undo(ctx)
	_ = b.hub.Actuate(ctx, state.State{"stage": {"x": 5.0}})
	_ = b.hub.Redo(ctx)

	if got := value(b.hub, "stage", "x"); got != 5.0 {
		t.Errorf("stage.x = %v, want 5 (redo tail discarded)", got)
	}
}

func TestHistory_BoundedAndDeduplicated(t *testing.T) {
	b := newBench(t, Options{HistoryLength: 4})
	ctx := context.Background()

	for i := range 10 {
		_ = b.hub.Actuate(ctx, state.State{"stage": {"x": float64(i)}})
	}
	stage, _ := b.hub.Thing("stage")
	x, _ := stage.Knob("x")
	for _, n := range []Node{b.hub, stage, x} {
		if got := n.HistoryLen(); got != 4 {
			t.Errorf("%s HistoryLen() = %d, want 4", n.Name(), got)
		}
	}

	before := b.hub.HistoryLen()
	_ = b.hub.Actuate(ctx, state.State{"stage": {"x": 9.0}})
	if got := b.hub.HistoryLen(); got != before {
		t.Errorf("HistoryLen() after repeating state = %d, want %d", got, before)
	}
}

func TestKnobAndThingUndo(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()
	laser, _ := b.hub.Thing("laser")
	power, _ := laser.Knob("power")

	_ = power.Actuate(ctx, 1.0)
	_ = power.Actuate(ctx, 2.0)
	_ = laser.Actuate(ctx, state.Sub{"shutter": true})

	if err := power.Undo(ctx); err != nil {
		t.Fatalf("knob Undo() error = %v", err)
	}
	if got := power.Value(); got != 1.0 {
		t.Errorf("power = %v after knob undo, want 1", got)
	}
	if got := value(b.hub, "laser", "shutter"); got != true {
		t.Errorf("shutter = %v, knob undo must not touch siblings", got)
	}

	if err := laser.Undo(ctx); err != nil {
		t.Fatalf("thing Undo() error = %v", err)
	}
	if got := value(b.hub, "laser", "power"); got != 2.0 {
		t.Errorf("power = %v after thing undo, want 2", got)
	}
	if got := value(b.hub, "laser", "shutter"); got != true {
		t.Errorf("shutter = %v after thing undo, want true", got)
	}
}

func TestHub_Resolve(t *testing.T) {
	b := newBench(t, Options{})

	tests := []struct {
		thing, knob string
		want        string
		wantErr     error
	}{
		{want: "bench"},
		{thing: "laser", want: "laser"},
		{thing: "laser", knob: "Power (W)", want: "power"},
		{thing: "pump", wantErr: ErrThingNotFound},
		{thing: "laser", knob: "mode", wantErr: ErrKnobNotFound},
	}
	for _, tt := range tests {
		n, err := b.hub.Resolve(tt.thing, tt.knob)
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("Resolve(%q, %q) error = %v, want %v", tt.thing, tt.knob, err, tt.wantErr)
			continue
		}
		if err == nil && n.Name() != tt.want {
			t.Errorf("Resolve(%q, %q) = %q, want %q", tt.thing, tt.knob, n.Name(), tt.want)
		}
	}
}

func TestHub_AddThingValidation(t *testing.T) {
	ctx := context.Background()
	h := New(ctx, "bench", Options{})

	tests := []struct {
		name    string
		cfg     ThingConfig
		wantErr error
	}{
		{name: "duplicate knob", cfg: ThingConfig{Name: "a", Knobs: []KnobSpec{{Name: "x"}, {Name: "x"}}}, wantErr: ErrInvalidKnob},
		{name: "display shadows knob", cfg: ThingConfig{Name: "a", Knobs: []KnobSpec{{Name: "x"}, {Name: "y", DisplayName: "x"}}}, wantErr: ErrInvalidKnob},
		{name: "inverted range", cfg: ThingConfig{Name: "a", Knobs: []KnobSpec{{Name: "x", Min: ptr(2), Max: ptr(1)}}}, wantErr: ErrInvalidKnob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.AddThing(ctx, tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("AddThing() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	_, _ = h.AddThing(ctx, ThingConfig{Name: "a"})
	if _, err := h.AddThing(ctx, ThingConfig{Name: "a"}); !errors.Is(err, ErrThingExists) {
		t.Errorf("second AddThing() error = %v, want %v", err, ErrThingExists)
	}
}

func TestThing_KnobRemovedMidActuation(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()
	laser, _ := b.hub.Thing("laser")

	resolved := laser.resolve(state.Sub{"power": 3.0, "shutter": true})
	if err := b.hub.RemoveKnob(ctx, "laser", "power"); err != nil {
		t.Fatalf("RemoveKnob() error = %v", err)
	}
	batch, commanded := partition(resolved)
	if len(batch) != 2 || len(commanded) != 0 {
		t.Fatalf("partition() = %v, %v, want both knobs batched", batch, commanded)
	}
	laser.apply(ctx, resolved)

	if _, ok := laser.State()["power"]; ok {
		t.Error("removed knob written back to thing state")
	}
	if got := value(b.hub, "laser", "shutter"); got != true {
		t.Errorf("laser.shutter = %v, want true", got)
	}
}

func TestHub_RemovePurgesStateAndRange(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()

	if err := b.hub.RemoveKnob(ctx, "laser", "power"); err != nil {
		t.Fatalf("RemoveKnob() error = %v", err)
	}
	if _, ok := b.hub.State().Get("laser", "power"); ok {
		t.Error("laser.power still in state")
	}
	if _, ok := b.hub.Range().Get("laser", "power"); ok {
		t.Error("laser.power still in range")
	}

	if err := b.hub.RemoveThing(ctx, "stage"); err != nil {
		t.Fatalf("RemoveThing() error = %v", err)
	}
	if _, ok := b.hub.State()["stage"]; ok {
		t.Error("stage still in state")
	}
	if _, ok := b.hub.Range()["stage"]; ok {
		t.Error("stage still in range")
	}
	if err := b.hub.RemoveThing(ctx, "stage"); !errors.Is(err, ErrThingNotFound) {
		t.Errorf("RemoveThing() again error = %v, want %v", err, ErrThingNotFound)
	}
}

func TestHub_EmitsActuateEvents(t *testing.T) {
	var mu sync.Mutex
	var got []telemetry.Event
	emit := telemetry.Func(func(_ context.Context, ev telemetry.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	b := newBench(t, Options{Rebroadcast: true}, WithBroadcaster(emit))

	_ = b.hub.Actuate(context.Background(), state.State{"laser": {"power": 1.0}})
	_ = b.hub.Undo(context.Background())

	mu.Lock()
	defer mu.Unlock()
	var names []string
	for _, ev := range got {
		names = append(names, ev.Name)
	}
	want := []string{telemetry.EventActuate, telemetry.EventActuate, telemetry.EventUndo}
	if len(names) != len(want) {
		t.Fatalf("events = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, names[i], want[i])
		}
	}
	p, ok := got[0].Payload.(telemetry.ActuatePayload)
	if !ok || p.Thing != "laser" || p.State["power"] != 1.0 {
		t.Errorf("actuate payload = %#v", got[0].Payload)
	}
}

func TestThing_Refresh(t *testing.T) {
	b := newBench(t, Options{})
	ctx := context.Background()
	stage, _ := b.hub.Thing("stage")

	_ = stage.Actuate(ctx, state.Sub{"x": 7.0})
	read, err := stage.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if read["x"] != 7.0 {
		t.Errorf("Refresh() x = %v, want 7", read["x"])
	}
}

func TestHub_SetRange(t *testing.T) {
	b := newBench(t, Options{})

	if err := b.hub.SetRange("stage", "x", state.NewBounds(-1, 1)); err != nil {
		t.Fatalf("SetRange() error = %v", err)
	}
	x, _ := b.hub.Thing("stage")
	k, _ := x.Knob("x")
	if got := k.Bounds(); *got.Min != -1 || *got.Max != 1 {
		t.Errorf("Bounds() = [%v, %v], want [-1, 1]", *got.Min, *got.Max)
	}
	if err := b.hub.SetRange("stage", "x", state.NewBounds(2, 1)); !errors.Is(err, ErrInvalidKnob) {
		t.Errorf("SetRange(inverted) error = %v, want %v", err, ErrInvalidKnob)
	}
}
