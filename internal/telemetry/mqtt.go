package telemetry

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/nerrad567/labhub-core/internal/infrastructure/mqtt"
)

// Publisher is the subset of the MQTT client used by MQTTSink.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger is what MQTTSink reports failures to.
type Logger interface {
	Warn(msg string, args ...any)
}

type discard struct{}

func (discard) Warn(string, ...any) {}

// retainedEvents describe the hub's current condition rather than a
// moment in time, so the broker keeps the latest one for late subscribers.
var retainedEvents = map[string]bool{
	EventSequenceUpdate:  true,
	EventSamplerComplete: true,
	EventLoad:            true,
}

// MQTTSink publishes each event as JSON on labhub/event/{hub}/{event}.
// Events are dropped while the broker is unreachable.
type MQTTSink struct {
	pub     Publisher
	qos     byte
	topics  mqtt.Topics
	log     Logger
	dropped atomic.Int64
}

// NewMQTTSink creates a sink publishing at qos.
func NewMQTTSink(pub Publisher, qos byte) *MQTTSink {
	return &MQTTSink{pub: pub, qos: qos, log: discard{}}
}

// SetLogger sets the logger.
func (s *MQTTSink) SetLogger(l Logger) { s.log = l }

// Dropped returns how many events were not published.
func (s *MQTTSink) Dropped() int64 { return s.dropped.Load() }

// Emit publishes ev.
func (s *MQTTSink) Emit(_ context.Context, ev Event) {
	if !s.pub.IsConnected() {
		s.dropped.Add(1)
		return
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.dropped.Add(1)
		s.log.Warn("encoding event", "event", ev.Name, "error", err)
		return
	}
	topic := s.topics.Event(ev.Hub, ev.Name)
	if err := s.pub.Publish(topic, body, s.qos, retainedEvents[ev.Name]); err != nil {
		s.dropped.Add(1)
		s.log.Warn("publishing event", "topic", topic, "error", err)
	}
}
