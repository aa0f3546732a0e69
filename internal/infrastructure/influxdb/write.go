package influxdb

import (
	"context"
	"time"

	"github.com/nerrad567/labhub-core/internal/state"
	"github.com/nerrad567/labhub-core/internal/telemetry"
	"github.com/nerrad567/labhub-core/internal/watchdog"
)

// Measurement names.
const (
	MeasurementKnob     = "knob"
	MeasurementSampler  = "sampler"
	MeasurementWatchdog = "watchdog"
)

// WriteKnob records a numeric knob value. Booleans are written as 0/1;
// other non-numeric values are skipped.
func (c *Client) WriteKnob(hub, thing, knob string, value any, at time.Time) {
	v, ok := numeric(value)
	if !ok {
		return
	}
	c.writePoint(MeasurementKnob,
		map[string]string{"hub": hub, "thing": thing, "knob": knob},
		map[string]any{"value": v},
		at)
}

// WriteSamplerPoint records one evaluated point of a sampler run.
// point is keyed "thing.knob".
func (c *Client) WriteSamplerPoint(hub, experiment, run string, cost float64, point map[string]any, at time.Time) {
	fields := map[string]any{"cost": cost}
	for k, v := range point {
		if f, ok := numeric(v); ok {
			fields[k] = f
		}
	}
	c.writePoint(MeasurementSampler,
		map[string]string{"hub": hub, "experiment": experiment, "run": run},
		fields,
		at)
}

// WriteWatchdog records a watchdog reading.
func (c *Client) WriteWatchdog(hub, name string, value float64, locked bool, at time.Time) {
	c.writePoint(MeasurementWatchdog,
		map[string]string{"hub": hub, "watchdog": name},
		map[string]any{"value": value, "locked": locked},
		at)
}

// Emit records the measurable part of a hub event.
func (c *Client) Emit(_ context.Context, ev telemetry.Event) {
	switch p := ev.Payload.(type) {
	case telemetry.ActuatePayload:
		if ev.Name != telemetry.EventActuate {
			return
		}
		for knob, v := range p.State {
			c.WriteKnob(ev.Hub, p.Thing, knob, v, ev.Time)
		}
	case state.State:
		// undo, redo and load carry the whole hub state
		for thing, sub := range p {
			for knob, v := range sub {
				c.WriteKnob(ev.Hub, thing, knob, v, ev.Time)
			}
		}
	case telemetry.SamplerPayload:
		if ev.Name != telemetry.EventSamplerPoint {
			return
		}
		c.WriteSamplerPoint(ev.Hub, p.Experiment, p.ID, p.Cost, p.Point, ev.Time)
	case telemetry.WatchdogPayload:
		c.WriteWatchdog(ev.Hub, p.Name, p.Value, p.To == string(watchdog.Locked), ev.Time)
	}
}

func numeric(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return state.ToFloat(v)
}
