package hub

import (
	"context"
	"fmt"
	"sync"

	"github.com/nerrad567/labhub-core/internal/history"
	"github.com/nerrad567/labhub-core/internal/state"
)

// KnobSpec declares one knob of a thing.
//
// Command and Query are optional per-knob accessors. A knob with a
// Command is actuated through it instead of through the thing's driver.
type KnobSpec struct {
	Name        string
	DisplayName string
	Min         *float64
	Max         *float64
	Initial     any
	Command     func(ctx context.Context, value any) error
	Query       func(ctx context.Context) (any, error)
}

// Bounds returns the declared limits.
func (s KnobSpec) Bounds() state.Bounds {
	return state.Bounds{Min: s.Min, Max: s.Max}.Copy()
}

// Knob is one scalar parameter of a thing.
type Knob struct {
	spec  KnobSpec
	thing *Thing

	mu      sync.RWMutex
	value   any
	history *history.Buffer[any]
}

func newKnob(t *Thing, spec KnobSpec, length int) *Knob {
	k := &Knob{spec: spec, thing: t, value: state.CopyValue(spec.Initial)}
	k.history = history.New(length, state.CopyValue, state.Equal, k.replay)
	return k
}

// Name returns the knob name.
func (k *Knob) Name() string { return k.spec.Name }

// DisplayName returns the operator-facing name, or the name if unset.
func (k *Knob) DisplayName() string {
	if k.spec.DisplayName != "" {
		return k.spec.DisplayName
	}
	return k.spec.Name
}

// Thing returns the owning thing.
func (k *Knob) Thing() *Thing { return k.thing }

// Value returns the last actuated value.
func (k *Knob) Value() any {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return state.CopyValue(k.value)
}

// Bounds returns the knob's current range on the hub.
func (k *Knob) Bounds() state.Bounds {
	b, _ := k.thing.hub.Range().Get(k.thing.name, k.spec.Name)
	return b
}

// Actuate sets the knob through its thing's actuation path.
func (k *Knob) Actuate(ctx context.Context, v any) error {
	return k.thing.Actuate(ctx, state.Sub{k.spec.Name: v})
}

// Refresh reads the knob through its Query and records the result.
func (k *Knob) Refresh(ctx context.Context) (any, error) {
	if k.spec.Query == nil {
		return k.Value(), nil
	}
	v, err := k.spec.Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying %s.%s: %w", k.thing.name, k.spec.Name, err)
	}
	k.thing.Update(ctx, state.Sub{k.spec.Name: v})
	return v, nil
}

// Undo restores the previous value of this knob.
func (k *Knob) Undo(ctx context.Context) error { return k.history.Undo(ctx) }

// Redo reapplies the value undone last.
func (k *Knob) Redo(ctx context.Context) error { return k.history.Redo(ctx) }

// HistoryLen returns the number of recorded values.
func (k *Knob) HistoryLen() int { return k.history.Len() }

// History returns the recorded values, oldest first.
func (k *Knob) History() []any { return k.history.Entries() }

func (k *Knob) set(ctx context.Context, v any) {
	k.mu.Lock()
	k.value = state.CopyValue(v)
	k.mu.Unlock()
	k.history.Add(ctx, v)
}

func (k *Knob) replay(ctx context.Context, v any) error {
	if state.Equal(v, k.Value()) {
		return nil
	}
	return k.Actuate(ctx, v)
}
