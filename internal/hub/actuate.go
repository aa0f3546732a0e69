package hub

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/labhub-core/internal/state"
)

// Actuate drives the apparatus to st, one thing at a time in name order.
//
// Unknown things are logged and skipped. The first driver error stops
// the call and is returned; things actuated before it keep their new
// values unless Options.AtomicActuation is set, in which case the call
// behaves like ActuateAtomic. The resulting hub state is recorded in the
// hub history once per call.
func (h *Hub) Actuate(ctx context.Context, st state.State) error {
	if h.opts.AtomicActuation {
		return h.ActuateAtomic(ctx, st)
	}
	_, err := h.actuate(ctx, st)
	return err
}

// ActuateAtomic is Actuate with rollback: if any thing fails, the knobs
// it had already reached and the things actuated before it are driven
// back to their previous values, in reverse order, and the error wraps
// ErrRolledBack. Rollback is best effort; a failing rollback is joined
// to the returned error.
//
// Every knob named must already have a recorded value, from its Initial
// or a Refresh, or nothing is actuated and ErrNoPriorValue is returned.
func (h *Hub) ActuateAtomic(ctx context.Context, st state.State) error {
	for _, name := range st.Things() {
		t, ok := h.Thing(name)
		if !ok {
			continue
		}
		if _, missing := t.prior(st[name]); len(missing) > 0 {
			return fmt.Errorf("%w: %s %s", ErrNoPriorValue, name, strings.Join(missing, ", "))
		}
	}

	applied, err := h.actuate(ctx, st)
	if err == nil {
		return nil
	}

	bctx := withBatch(ctx, h)
	var rollbackErrs []error
	for i := len(applied) - 1; i >= 0; i-- {
		a := applied[i]
		if len(a.previous) == 0 {
			continue
		}
		if rerr := a.thing.Actuate(bctx, a.previous); rerr != nil {
			h.logger.Error("rollback failed", "hub", h.name, "thing", a.thing.name, "error", rerr)
			rollbackErrs = append(rollbackErrs, fmt.Errorf("rolling back %s: %w", a.thing.name, rerr))
		}
	}
	h.history.Add(ctx, h.State())

	return errors.Join(append([]error{fmt.Errorf("%w: %w", ErrRolledBack, err)}, rollbackErrs...)...)
}

// appliedThing is a thing touched by an actuation and the values its
// touched knobs held before.
type appliedThing struct {
	thing    *Thing
	previous state.Sub
}

// actuate walks st in thing order. The failing thing, if it reached any
// knob before failing, is the last entry, its previous narrowed to the
// knobs it reached.
func (h *Hub) actuate(ctx context.Context, st state.State) ([]appliedThing, error) {
	bctx := withBatch(ctx, h)
	var (
		applied []appliedThing
		err     error
	)
	for _, name := range st.Things() {
		t, ok := h.Thing(name)
		if !ok {
			h.logger.Warn("skipping unknown thing", "hub", h.name, "thing", name)
			continue
		}

		previous, _ := t.prior(st[name])
		reached, aerr := t.actuate(bctx, st[name])
		if aerr != nil {
			err = aerr
			partial := state.Sub{}
			for knob := range reached {
				if v, ok := previous[knob]; ok {
					partial[knob] = v
				}
			}
			if len(partial) > 0 {
				applied = append(applied, appliedThing{thing: t, previous: partial})
			}
			break
		}
		applied = append(applied, appliedThing{thing: t, previous: previous})
	}

	if len(applied) > 0 || err != nil {
		h.history.Add(ctx, h.State())
	}
	return applied, err
}
