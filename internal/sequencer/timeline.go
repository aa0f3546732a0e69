package sequencer

import (
	"sort"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
)

// build merges waveforms into a timeline over one cycle.
//
// Every distinct point time becomes a step carrying the full combined
// state: each knob takes the value of its latest point at or before that
// time, wrapping to its final point when the step precedes its first.
// The first delay spans the wrap from the last step back to the first,
// so delays sum to cycle.
func build(waveforms map[string]map[string][]Point, cycle time.Duration) ([]Step, error) {
	seen := make(map[time.Duration]struct{})
	var times []time.Duration
	for _, knobs := range waveforms {
		for _, pts := range knobs {
			for _, p := range pts {
				at := time.Duration(p.Time * float64(cycle))
				if _, ok := seen[at]; ok {
					continue
				}
				seen[at] = struct{}{}
				times = append(times, at)
			}
		}
	}
	if len(times) == 0 {
		return nil, ErrNoWaveforms
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	steps := make([]Step, len(times))
	for i, at := range times {
		combined := state.State{}
		for thing, knobs := range waveforms {
			for knob, pts := range knobs {
				if len(pts) == 0 {
					continue
				}
				combined.Set(thing, knob, valueAt(pts, at, cycle))
			}
		}

		delay := cycle - (times[len(times)-1] - times[0])
		if i > 0 {
			delay = at - times[i-1]
		}
		steps[i] = Step{Delay: delay, At: at, State: combined}
	}
	return steps, nil
}

// valueAt returns the value of the latest point not after at. Points are
// sorted by time.
func valueAt(pts []Point, at, cycle time.Duration) any {
	v := pts[len(pts)-1].Value
	for _, p := range pts {
		if time.Duration(p.Time*float64(cycle)) > at {
			break
		}
		v = p.Value
	}
	return v
}
