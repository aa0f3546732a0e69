package hub

import (
	"context"
	"fmt"

	"github.com/nerrad567/labhub-core/internal/sequencer"
)

// Point is one waveform breakpoint.
type Point = sequencer.Point

// Sequencer returns the hub's waveform sequencer.
func (h *Hub) Sequencer() *sequencer.Sequencer { return h.sequencer }

// SetWaveform declares the waveform of thing.knob.
func (h *Hub) SetWaveform(ctx context.Context, thing, knob string, points []Point) error {
	t, ok := h.Thing(thing)
	if !ok {
		return fmt.Errorf("%w: %s", ErrThingNotFound, thing)
	}
	return t.SetWaveform(ctx, knob, points)
}
