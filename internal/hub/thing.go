package hub

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/labhub-core/internal/driver"
	"github.com/nerrad567/labhub-core/internal/history"
	"github.com/nerrad567/labhub-core/internal/metrics"
	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

// ThingConfig declares a thing.
type ThingConfig struct {
	Name   string
	Driver driver.Driver
	Params map[string]any
	Knobs  []KnobSpec
}

// Thing is one device: a set of knobs actuated through a driver.
type Thing struct {
	name   string
	hub    *Hub
	driver driver.Driver
	params map[string]any

	mu        sync.RWMutex
	knobs     map[string]*Knob
	display   map[string]string
	state     state.Sub
	connected bool
	history   *history.Buffer[state.Sub]
}

func newThing(h *Hub, cfg ThingConfig) (*Thing, error) {
	t := &Thing{
		name:    cfg.Name,
		hub:     h,
		driver:  cfg.Driver,
		params:  cfg.Params,
		knobs:   make(map[string]*Knob, len(cfg.Knobs)),
		display: make(map[string]string),
		state:   state.Sub{},
	}
	t.history = history.New(h.opts.HistoryLength, state.Sub.Copy, equalSub, t.replay)

	for _, spec := range cfg.Knobs {
		if spec.Name == "" {
			return nil, fmt.Errorf("%w: %s has a knob without a name", ErrInvalidKnob, cfg.Name)
		}
		if _, ok := t.knobs[spec.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate knob %s.%s", ErrInvalidKnob, cfg.Name, spec.Name)
		}
		if spec.DisplayName != "" && spec.DisplayName != spec.Name {
			if _, ok := t.display[spec.DisplayName]; ok {
				return nil, fmt.Errorf("%w: duplicate display name %q on %s", ErrInvalidKnob, spec.DisplayName, cfg.Name)
			}
			t.display[spec.DisplayName] = spec.Name
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return nil, fmt.Errorf("%w: %s.%s min above max", ErrInvalidKnob, cfg.Name, spec.Name)
		}
		t.knobs[spec.Name] = newKnob(t, spec, h.opts.HistoryLength)
		if spec.Initial != nil {
			t.state[spec.Name] = state.CopyValue(spec.Initial)
		}
	}
	for name := range t.display {
		if _, ok := t.knobs[name]; ok {
			return nil, fmt.Errorf("%w: display name %q shadows a knob of %s", ErrInvalidKnob, name, cfg.Name)
		}
	}
	return t, nil
}

// Name returns the thing name.
func (t *Thing) Name() string { return t.name }

// Hub returns the owning hub.
func (t *Thing) Hub() *Hub { return t.hub }

// Params returns the driver parameters the thing was declared with.
func (t *Thing) Params() map[string]any { return t.params }

// Driver returns the bound driver, which may be nil.
func (t *Thing) Driver() driver.Driver { return t.driver }

// Knob returns the knob with the given name or display name.
func (t *Thing) Knob(name string) (*Knob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if k, ok := t.knobs[name]; ok {
		return k, true
	}
	if real, ok := t.display[name]; ok {
		return t.knobs[real], true
	}
	return nil, false
}

// Knobs returns the knobs sorted by name.
func (t *Thing) Knobs() []*Knob {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Knob, 0, len(t.knobs))
	for _, k := range t.knobs {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].spec.Name < out[j].spec.Name })
	return out
}

// State returns a copy of the last actuated knob values.
func (t *Thing) State() state.Sub {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.Copy()
}

// Connected reports whether Connect succeeded.
func (t *Thing) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Connect opens the driver. A thing without a driver is always connected.
func (t *Thing) Connect(ctx context.Context) error {
	if t.driver != nil {
		if err := t.driver.Connect(ctx); err != nil {
			return fmt.Errorf("connecting %s: %w", t.name, err)
		}
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Close releases the driver if it holds resources.
func (t *Thing) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	if c, ok := t.driver.(driver.Closer); ok {
		return c.Close()
	}
	return nil
}

// Actuate drives the thing to sub.
//
// Nil values are dropped, display names are translated and unknown knobs
// are logged and skipped. Knobs without their own Command go to the
// driver in one call; the others are commanded one at a time after it.
// On success the values are written through to knobs, thing and hub.
// Driver errors are returned unmodified and are not retried.
func (t *Thing) Actuate(ctx context.Context, sub state.Sub) error {
	_, err := t.actuate(ctx, sub)
	return err
}

// actuate is Actuate that also returns the values that reached the
// apparatus. On error that is the partial set recorded before the
// failure; a failed driver call counts as applying nothing.
func (t *Thing) actuate(ctx context.Context, sub state.Sub) (state.Sub, error) {
	resolved := t.resolve(sub)
	if len(resolved) == 0 {
		return nil, nil
	}

	batch, commanded := partition(resolved)
	start := time.Now()
	applied := map[string]target{}

	if len(batch) > 0 && t.driver != nil {
		if err := t.driver.Actuate(ctx, map[string]any(values(batch))); err != nil {
			metrics.RecordActuation(t.hub.name, t.name, time.Since(start), false)
			return nil, fmt.Errorf("actuating %s: %w", t.name, err)
		}
	}
	for name, tg := range batch {
		applied[name] = tg
	}

	names := make([]string, 0, len(commanded))
	for name := range commanded {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		tg := commanded[name]
		if err := tg.knob.spec.Command(ctx, tg.value); err != nil {
			metrics.RecordActuation(t.hub.name, t.name, time.Since(start), false)
			t.apply(ctx, applied)
			return values(applied), fmt.Errorf("commanding %s.%s: %w", t.name, name, err)
		}
		applied[name] = tg
	}

	metrics.RecordActuation(t.hub.name, t.name, time.Since(start), true)
	t.apply(ctx, applied)
	t.hub.emitActuate(ctx, telemetry.EventActuate, t.name, values(applied))
	return values(applied), nil
}

// target is a resolved knob and the value asked of it.
type target struct {
	knob  *Knob
	value any
}

// resolve maps sub onto knobs by canonical name, dropping nil values and
// translating display names.
func (t *Thing) resolve(sub state.Sub) map[string]target {
	out := map[string]target{}
	for name, v := range sub.DropNil() {
		k, ok := t.Knob(name)
		if !ok {
			t.hub.logger.Warn("skipping unknown knob", "hub", t.hub.name, "thing", t.name, "knob", name)
			continue
		}
		out[k.spec.Name] = target{knob: k, value: v}
	}
	return out
}

func partition(resolved map[string]target) (batch, commanded map[string]target) {
	batch, commanded = map[string]target{}, map[string]target{}
	for name, tg := range resolved {
		if tg.knob.spec.Command != nil {
			commanded[name] = tg
		} else {
			batch[name] = tg
		}
	}
	return batch, commanded
}

func values(targets map[string]target) state.Sub {
	out := make(state.Sub, len(targets))
	for name, tg := range targets {
		out[name] = state.CopyValue(tg.value)
	}
	return out
}

// prior returns the recorded value of every known knob sub names, and
// the names of those with no value yet, sorted.
func (t *Thing) prior(sub state.Sub) (state.Sub, []string) {
	current := t.State()
	previous := state.Sub{}
	var missing []string
	for name := range sub.DropNil() {
		k, ok := t.Knob(name)
		if !ok {
			continue
		}
		if v, ok := current[k.spec.Name]; ok {
			previous[k.spec.Name] = v
		} else {
			missing = append(missing, k.spec.Name)
		}
	}
	sort.Strings(missing)
	return previous, missing
}

// Update records sub as the thing's current values without actuating,
// writing through knob values and hub state and appending to each
// node's history. Unknown knobs are skipped.
func (t *Thing) Update(ctx context.Context, sub state.Sub) {
	t.apply(ctx, t.resolve(sub))
}

// apply writes resolved through to the thing, its knobs and the hub. A
// knob removed since it was resolved is left out.
func (t *Thing) apply(ctx context.Context, resolved map[string]target) {
	t.mu.Lock()
	kept := make(map[string]target, len(resolved))
	for name, tg := range resolved {
		if t.knobs[name] != tg.knob {
			continue
		}
		t.state[name] = state.CopyValue(tg.value)
		kept[name] = tg
	}
	snapshot := t.state.Copy()
	t.mu.Unlock()
	if len(kept) == 0 {
		return
	}

	for _, tg := range kept {
		tg.knob.set(ctx, tg.value)
	}
	t.history.Add(ctx, snapshot)
	t.hub.record(ctx, t.name, values(kept))
}

// Refresh reads every knob that can be read, through its Query or the
// driver's, and records the values.
func (t *Thing) Refresh(ctx context.Context) (state.Sub, error) {
	querier, _ := t.driver.(driver.Querier)
	read := state.Sub{}
	for _, k := range t.Knobs() {
		var (
			v   any
			err error
		)
		switch {
		case k.spec.Query != nil:
			v, err = k.spec.Query(ctx)
		case querier != nil:
			v, err = querier.Query(ctx, k.spec.Name)
		default:
			continue
		}
		if err != nil {
			return read, fmt.Errorf("querying %s.%s: %w", t.name, k.spec.Name, err)
		}
		read[k.spec.Name] = v
	}
	t.Update(ctx, read)
	return read, nil
}

// Undo restores the previous state of this thing.
func (t *Thing) Undo(ctx context.Context) error { return t.history.Undo(ctx) }

// Redo reapplies the state undone last.
func (t *Thing) Redo(ctx context.Context) error { return t.history.Redo(ctx) }

// HistoryLen returns the number of recorded states.
func (t *Thing) HistoryLen() int { return t.history.Len() }

// History returns the recorded states, oldest first.
func (t *Thing) History() []state.Sub { return t.history.Entries() }

// SetWaveform declares the waveform played on knob by the hub sequencer.
func (t *Thing) SetWaveform(ctx context.Context, knob string, points []Point) error {
	k, ok := t.Knob(knob)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrKnobNotFound, t.name, knob)
	}
	return t.hub.sequencer.SetWaveform(ctx, t.name, k.spec.Name, points)
}

func (t *Thing) replay(ctx context.Context, entry state.Sub) error {
	diff := state.Diff(state.State{t.name: entry}, state.State{t.name: t.State()})
	if diff.Empty() {
		return nil
	}
	return t.Actuate(ctx, diff[t.name])
}
