package mqtt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger the client uses.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MessageHandler receives one message. Handlers run on paho's goroutines
// and must not block; a returned error is logged.
type MessageHandler func(topic string, payload []byte) error

type route struct {
	qos     byte
	handler MessageHandler
}

// Client is a lab's broker connection. It is safe for concurrent use.
// Subscriptions are replayed after every reconnect.
type Client struct {
	paho     pahomqtt.Client
	cfg      config.MQTTConfig
	lab      string
	online   atomic.Bool
	connects atomic.Int64

	mu     sync.RWMutex
	routes map[string]route
	logger Logger
	onUp   func()
	onDown func(error)
}

// Connect dials the broker and announces lab as online. Paho keeps
// reconnecting in the background after the first successful connect.
func Connect(cfg config.MQTTConfig, lab string) (*Client, error) {
	c := newClient(cfg, lab)

	opts := buildClientOptions(cfg, lab)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.connected() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.log().Warn("MQTT reconnecting", "broker", cfg.Broker.Host, "lab", lab)
	})

	c.paho = pahomqtt.NewClient(opts)
	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.paho.Disconnect(0)
		return nil, fmt.Errorf("%w: no answer from %s:%d within %v",
			ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	c.online.Store(true)
	return c, nil
}

func newClient(cfg config.MQTTConfig, lab string) *Client {
	return &Client{
		cfg:    cfg,
		lab:    lab,
		routes: make(map[string]route),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for connection and handler problems.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

// SetOnConnect registers fn to run after every connect, including the first.
func (c *Client) SetOnConnect(fn func()) {
	c.mu.Lock()
	c.onUp = fn
	c.mu.Unlock()
}

// SetOnDisconnect registers fn to run when the connection drops.
func (c *Client) SetOnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDown = fn
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

func (c *Client) connected() {
	c.online.Store(true)
	n := c.connects.Add(1)

	c.mu.RLock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	fn := c.onUp
	c.mu.RUnlock()

	for topic, r := range routes {
		c.paho.Subscribe(topic, r.qos, c.dispatch(r.handler))
	}
	c.paho.Publish(Topics{}.Status(c.lab), c.QoS(), true,
		presence(StatusOnline, "", c.lab, c.cfg.Broker.ClientID))

	if n > 1 {
		c.log().Info("MQTT reconnected", "lab", c.lab, "subscriptions", len(routes))
	}
	if fn != nil {
		fn()
	}
}

func (c *Client) lost(err error) {
	c.online.Store(false)
	c.mu.RLock()
	fn := c.onDown
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// Close publishes the lab's offline presence and disconnects.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.paho.Publish(Topics{}.Status(c.lab), c.QoS(), true,
			presence(StatusOffline, reasonShutdown, c.lab, c.cfg.Broker.ClientID))
		token.WaitTimeout(ackTimeout)
	}
	c.paho.Disconnect(disconnectQuiesce)
	c.online.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected reports the last known connection state.
func (c *Client) IsConnected() bool {
	if c == nil || c.paho == nil {
		return false
	}
	return c.online.Load() && c.paho.IsConnected()
}

// QoS returns the configured default QoS.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS)
}

// Publish sends payload to topic and waits for the broker's acknowledgement.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(c.paho.Publish(topic, qos, retained, payload)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe routes messages matching topic (wildcards allowed) to handler.
// Subscribing to the same topic again replaces the handler.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(c.paho.Subscribe(topic, qos, c.dispatch(handler))); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops a subscription made with Subscribe. Messages already
// in flight may still be delivered.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	c.mu.Lock()
	delete(c.routes, topic)
	c.mu.Unlock()
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := wait(c.paho.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Subscriptions returns the subscribed topic patterns, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (c *Client) dispatch(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.log().Error("MQTT handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.log().Warn("MQTT message rejected", "topic", msg.Topic(), "error", err)
		}
	}
}

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return nil
}

func wait(token pahomqtt.Token) error {
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("no acknowledgement within %v", ackTimeout)
	}
	return token.Error()
}
