package sampler

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
)

// Reader reads a named signal channel.
type Reader interface {
	Read(ctx context.Context, channel string) (float64, error)
}

// SensorExperiment measures a signal channel after an optional settle
// time. With maximize set the cost is the negated reading, so that the
// lowest cost is the strongest signal.
func SensorExperiment(r Reader, channel string, maximize bool, settle time.Duration) Experiment {
	return func(ctx context.Context, _ state.State) (float64, error) {
		if settle > 0 {
			t := time.NewTimer(settle)
			select {
			case <-ctx.Done():
				t.Stop()
				return 0, ctx.Err()
			case <-t.C:
			}
		}
		v, err := r.Read(ctx, channel)
		if err != nil {
			return 0, fmt.Errorf("reading %s: %w", channel, err)
		}
		if maximize {
			return -v, nil
		}
		return v, nil
	}
}

// QuadraticExperiment returns the squared distance between the numeric
// values of a point and center. Knobs absent from center are ignored.
// It needs no hardware and is used to exercise virtual apparatus.
func QuadraticExperiment(center state.State) Experiment {
	center = center.Copy()
	return func(_ context.Context, point state.State) (float64, error) {
		var cost float64
		for thing, sub := range point {
			for knob, v := range sub {
				c, ok := center.Get(thing, knob)
				if !ok {
					continue
				}
				x, okx := state.ToFloat(v)
				y, oky := state.ToFloat(c)
				if !okx || !oky {
					return 0, fmt.Errorf("sampler: %s.%s is not numeric", thing, knob)
				}
				cost += (x - y) * (x - y)
			}
		}
		return cost, nil
	}
}
