package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/labhub-core/internal/infrastructure/mqtt"
)

// ErrNoReading is returned when a channel has not reported recently.
var ErrNoReading = errors.New("watchdog: no reading")

// Subscriber is the subset of the MQTT client used by SignalCache.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

type reading struct {
	value float64
	at    time.Time
}

// SignalCache keeps the latest value published on each sensor topic of a
// hub and serves them as a Sensor.
//
// Payloads are either a bare number ("0.93") or JSON {"value": 0.93}.
type SignalCache struct {
	hub    string
	maxAge time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	readings map[string]reading
}

// NewSignalCache creates a cache for hub. Readings older than maxAge are
// reported as missing; zero keeps readings forever.
func NewSignalCache(hub string, maxAge time.Duration) *SignalCache {
	return &SignalCache{
		hub:      hub,
		maxAge:   maxAge,
		now:      time.Now,
		readings: make(map[string]reading),
	}
}

// Subscribe starts listening on every sensor topic of the hub.
func (c *SignalCache) Subscribe(sub Subscriber) error {
	return sub.Subscribe(mqtt.Topics{}.AllSensors(c.hub), 0, c.handle)
}

func (c *SignalCache) handle(topic string, payload []byte) error {
	channel := topic[strings.LastIndex(topic, "/")+1:]
	v, err := parseReading(payload)
	if err != nil {
		return fmt.Errorf("sensor %s: %w", channel, err)
	}
	c.Store(channel, v)
	return nil
}

// Store records a reading for channel.
func (c *SignalCache) Store(channel string, v float64) {
	c.mu.Lock()
	c.readings[channel] = reading{value: v, at: c.now()}
	c.mu.Unlock()
}

// Read returns the latest reading of channel.
func (c *SignalCache) Read(_ context.Context, channel string) (float64, error) {
	c.mu.RLock()
	r, ok := c.readings[channel]
	c.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoReading, channel)
	}
	if c.maxAge > 0 && c.now().Sub(r.at) > c.maxAge {
		return 0, fmt.Errorf("%w: %s stale since %s", ErrNoReading, channel, r.at.Format(time.RFC3339))
	}
	return r.value, nil
}

func parseReading(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var msg struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("unparseable reading %q", s)
	}
	if msg.Value == nil {
		return 0, errors.New("reading has no value")
	}
	return *msg.Value, nil
}
