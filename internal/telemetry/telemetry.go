// Package telemetry carries hub events to remote viewers and recorders.
//
// The hub emits named events with a payload; what happens next is up to
// the sinks wired in at startup (MQTT, WebSocket, InfluxDB, SQLite
// history). Only event names and payload shapes are part of the contract.
package telemetry

import (
	"context"
	"time"
)

// Event names emitted by the hub and its components.
const (
	EventActuate         = "actuate"
	EventUndo            = "undo"
	EventRedo            = "redo"
	EventSequenceUpdate  = "sequence update"
	EventTimestep        = "timestep"
	EventSamplerStart    = "sampler start"
	EventSamplerPoint    = "sampler point"
	EventSamplerComplete = "sampler complete"
	EventWatchdog        = "watchdog"
	EventLoad            = "load"
)

// Event is one notification from a hub.
type Event struct {
	Name    string    `json:"event"`
	Hub     string    `json:"hub"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// Broadcaster receives hub events. Implementations must not block the
// caller for long: Emit runs on actuation and timing paths.
type Broadcaster interface {
	Emit(ctx context.Context, ev Event)
}

// Func adapts a function to Broadcaster.
type Func func(ctx context.Context, ev Event)

// Emit calls f.
func (f Func) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// Nop discards every event.
type Nop struct{}

// Emit does nothing.
func (Nop) Emit(context.Context, Event) {}

type multi []Broadcaster

// Multi fans an event out to every non-nil broadcaster in order.
func Multi(bs ...Broadcaster) Broadcaster {
	var out multi
	for _, b := range bs {
		if b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (m multi) Emit(ctx context.Context, ev Event) {
	for _, b := range m {
		b.Emit(ctx, ev)
	}
}

// ActuatePayload is the payload of actuate, undo and redo events.
type ActuatePayload struct {
	Thing string         `json:"thing"`
	State map[string]any `json:"state"`
}

// WatchdogPayload is the payload of watchdog events.
type WatchdogPayload struct {
	Name  string  `json:"name"`
	From  string  `json:"from"`
	To    string  `json:"to"`
	Value float64 `json:"value"`
}

// SamplerPayload is the payload of sampler events.
type SamplerPayload struct {
	ID         string             `json:"id"`
	Experiment string             `json:"experiment"`
	Point      map[string]any     `json:"point,omitempty"`
	Cost       float64            `json:"cost,omitempty"`
	Error      string             `json:"error,omitempty"`
	Normalized map[string]float64 `json:"normalized,omitempty"`
}
