package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
)

// Snapshot captures the persisted fields of every knob: value, bounds
// and display name.
func (h *Hub) Snapshot() state.Snapshot {
	rng := h.Range()
	snap := state.Snapshot{}
	for _, t := range h.Things() {
		knobs := make(map[string]state.KnobSnapshot)
		for _, k := range t.Knobs() {
			b, _ := rng.Get(t.name, k.spec.Name)
			knobs[k.spec.Name] = state.KnobSnapshot{
				State:       k.Value(),
				Min:         b.Min,
				Max:         b.Max,
				DisplayName: k.spec.DisplayName,
			}
		}
		snap[t.name] = knobs
	}
	return snap
}

// Restore applies a snapshot: recorded bounds replace the current ones
// and recorded values are actuated. Unknown things and knobs are skipped.
func (h *Hub) Restore(ctx context.Context, snap state.Snapshot) error {
	for thing, knobs := range snap.Range() {
		for knob, b := range knobs {
			if err := h.SetRange(thing, knob, b); err != nil {
				h.logger.Warn("skipping snapshot range", "hub", h.name, "thing", thing, "knob", knob, "error", err)
			}
		}
	}
	if err := h.Actuate(ctx, snap.State()); err != nil {
		return err
	}
	h.emitState(ctx, telemetry.EventLoad)
	return nil
}

// Save writes the current snapshot to the store.
func (h *Hub) Save(ctx context.Context) error {
	if h.store == nil {
		return ErrNoStore
	}
	start := time.Now()
	if err := h.store.SaveSnapshot(ctx, h.name, h.Snapshot()); err != nil {
		return fmt.Errorf("saving %s: %w", h.name, err)
	}
	h.logger.Info("hub saved", "hub", h.name, "duration", time.Since(start))
	return nil
}

// Load reads the stored snapshot and restores it.
func (h *Hub) Load(ctx context.Context) error {
	if h.store == nil {
		return ErrNoStore
	}
	snap, err := h.store.LoadSnapshot(ctx, h.name)
	if err != nil {
		return fmt.Errorf("loading %s: %w", h.name, err)
	}
	return h.Restore(ctx, snap)
}
