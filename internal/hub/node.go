package hub

import (
	"context"
	"fmt"

	"github.com/nerrad567/labhub-core/internal/state"
)

// Node is any level of the graph with its own undo history.
type Node interface {
	Name() string
	Undo(ctx context.Context) error
	Redo(ctx context.Context) error
	HistoryLen() int
}

var (
	_ Node = (*Hub)(nil)
	_ Node = (*Thing)(nil)
	_ Node = (*Knob)(nil)
)

// Resolve finds the node addressed by thing and knob. Empty names stop
// the descent: ("", "") is the hub, ("laser", "") the thing.
func (h *Hub) Resolve(thing, knob string) (Node, error) {
	if thing == "" {
		return h, nil
	}
	t, ok := h.Thing(thing)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrThingNotFound, thing)
	}
	if knob == "" {
		return t, nil
	}
	k, ok := t.Knob(knob)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrKnobNotFound, thing, knob)
	}
	return k, nil
}

func equalSub(a, b state.Sub) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !state.Equal(av, bv) {
			return false
		}
	}
	return true
}

func equalState(a, b state.State) bool {
	if len(a) != len(b) {
		return false
	}
	for thing, as := range a {
		bs, ok := b[thing]
		if !ok || !equalSub(as, bs) {
			return false
		}
	}
	return true
}

// batchKey marks a context as part of one Hub.Actuate call, during which
// thing updates do not record hub history individually.
type batchKey struct {
	hub *Hub
}

func withBatch(ctx context.Context, h *Hub) context.Context {
	return context.WithValue(ctx, batchKey{hub: h}, true)
}

func inBatch(ctx context.Context, h *Hub) bool {
	v, _ := ctx.Value(batchKey{hub: h}).(bool)
	return v
}
