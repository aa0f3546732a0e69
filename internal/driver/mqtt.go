package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/labhub-core/internal/infrastructure/mqtt"
)

// KindMQTT is the registry kind of the MQTT command driver.
const KindMQTT = "mqtt"

// MQTTParams configures an MQTT command driver.
type MQTTParams struct {
	// Topic overrides the default labhub/command/{hub}/{thing} topic.
	Topic string `mapstructure:"topic"`
	QoS   int    `mapstructure:"qos"`
}

// Command is the payload published for each actuation.
type Command struct {
	ID        string         `json:"id"`
	Hub       string         `json:"hub"`
	Thing     string         `json:"thing"`
	State     map[string]any `json:"state"`
	Timestamp time.Time      `json:"timestamp"`
}

// MQTT forwards actuations to a remote driver over the broker.
// Delivery is at the QoS level configured; no acknowledgement is awaited.
type MQTT struct {
	pub   Publisher
	hub   string
	thing string
	topic string
	qos   byte
}

// NewMQTT creates a driver publishing to the thing's command topic.
func NewMQTT(pub Publisher, hub, thing string, params MQTTParams) (*MQTT, error) {
	if pub == nil {
		return nil, fmt.Errorf("%w: mqtt driver requires a broker connection", ErrInvalidParams)
	}
	if params.QoS < 0 || params.QoS > 2 {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidParams, params.QoS)
	}
	topic := params.Topic
	if topic == "" {
		topic = mqtt.Topics{}.Command(hub, thing)
	}
	return &MQTT{pub: pub, hub: hub, thing: thing, topic: topic, qos: byte(params.QoS)}, nil
}

func newMQTTFromParams(deps Deps, params map[string]any) (Driver, error) {
	p := MQTTParams{QoS: 1}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return NewMQTT(deps.MQTT, deps.Hub, deps.Thing, p)
}

// Topic returns the command topic.
func (m *MQTT) Topic() string { return m.topic }

// Connect fails unless the broker connection is up.
func (m *MQTT) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.pub.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Actuate publishes a Command carrying state.
func (m *MQTT) Actuate(ctx context.Context, state map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(Command{
		ID:        uuid.NewString(),
		Hub:       m.hub,
		Thing:     m.thing,
		State:     state,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}
	return m.pub.Publish(m.topic, payload, m.qos, false)
}
