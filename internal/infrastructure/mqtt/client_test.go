package mqtt

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Command", topics.Command("bench", "laser"), "labhub/command/bench/laser"},
		{"Ack", topics.Ack("bench", "laser"), "labhub/ack/bench/laser"},
		{"State", topics.State("bench", "laser"), "labhub/state/bench/laser"},
		{"Event", topics.Event("bench", "actuate"), "labhub/event/bench/actuate"},
		{"EventWithSpace", topics.Event("bench", "sequence update"), "labhub/event/bench/sequence_update"},
		{"Sensor", topics.Sensor("bench", "pd0"), "labhub/sensor/bench/pd0"},
		{"Status", topics.Status("lab-001"), "labhub/system/lab-001/status"},
		{"StatusEscaped", topics.Status("lab/1"), "labhub/system/lab_1/status"},
		{"AllEvents", topics.AllEvents("bench"), "labhub/event/bench/+"},
		{"AllSensors", topics.AllSensors("bench"), "labhub/sensor/bench/+"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:    config.MQTTBrokerConfig{Host: "broker.lab", Port: 8883, TLS: true, ClientID: "labhub-test"},
		Auth:      config.MQTTAuthConfig{Username: "hub", Password: "secret"},
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 2, MaxDelay: 30},
	}

	opts := buildClientOptions(cfg, "lab-001")

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://broker.lab:8883" {
		t.Errorf("Servers = %v, want [ssl://broker.lab:8883]", opts.Servers)
	}
	if opts.ClientID != "labhub-test" {
		t.Errorf("ClientID = %q, want %q", opts.ClientID, "labhub-test")
	}
	if opts.Username != "hub" {
		t.Errorf("Username = %q, want %q", opts.Username, "hub")
	}
	if opts.TLSConfig == nil || opts.TLSConfig.ServerName != "broker.lab" {
		t.Errorf("TLSConfig = %+v, want ServerName broker.lab", opts.TLSConfig)
	}
	if opts.ConnectRetryInterval != 2*time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 2s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != 30*time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 30s", opts.MaxReconnectInterval)
	}
}

func TestBuildClientOptions_ClampsReconnect(t *testing.T) {
	opts := buildClientOptions(config.MQTTConfig{
		Broker:    config.MQTTBrokerConfig{Host: "localhost", Port: 1883},
		Reconnect: config.MQTTReconnectConfig{InitialDelay: 0, MaxDelay: 0},
	}, "lab-001")

	if opts.Servers[0].String() != "tcp://localhost:1883" {
		t.Errorf("Servers[0] = %v, want tcp://localhost:1883", opts.Servers[0])
	}
	if opts.ConnectRetryInterval != time.Second {
		t.Errorf("ConnectRetryInterval = %v, want 1s", opts.ConnectRetryInterval)
	}
	if opts.MaxReconnectInterval != time.Second {
		t.Errorf("MaxReconnectInterval = %v, want 1s", opts.MaxReconnectInterval)
	}
}

func TestBuildClientOptions_Will(t *testing.T) {
	opts := buildClientOptions(config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{Host: "localhost", Port: 1883, ClientID: "labhub-test"},
	}, "lab-001")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "labhub/system/lab-001/status" {
		t.Errorf("WillTopic = %q, want %q", opts.WillTopic, "labhub/system/lab-001/status")
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("will retained=%v qos=%d, want retained qos 1", opts.WillRetained, opts.WillQos)
	}

	var p Presence
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload %s: %v", opts.WillPayload, err)
	}
	if p.Status != StatusOffline || p.Reason != reasonUnexpected || p.Lab != "lab-001" || p.ClientID != "labhub-test" {
		t.Errorf("will presence = %+v", p)
	}
}

func TestPresence_OmitsEmptyReason(t *testing.T) {
	var raw map[string]any
	if err := json.Unmarshal(presence(StatusOnline, "", "lab-001", "c1"), &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["reason"]; ok {
		t.Errorf("online presence has reason: %v", raw)
	}
	if raw["status"] != StatusOnline {
		t.Errorf("status = %v, want %q", raw["status"], StatusOnline)
	}
}

func TestClient_WithoutBroker(t *testing.T) {
	c := newClient(config.MQTTConfig{QoS: 1}, "lab-001")
	noop := func(string, []byte) error { return nil }

	if c.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
	if c.QoS() != 1 {
		t.Errorf("QoS() = %d, want 1", c.QoS())
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"publish empty topic", c.Publish("", nil, 1, false), ErrInvalidTopic},
		{"publish qos 3", c.Publish("labhub/x", nil, 3, false), ErrInvalidQoS},
		{"publish oversize", c.Publish("labhub/x", make([]byte, maxPayloadSize+1), 1, false), ErrPublishFailed},
		{"publish disconnected", c.Publish("labhub/x", nil, 1, false), ErrNotConnected},
		{"subscribe nil handler", c.Subscribe("labhub/x", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("labhub/x", 1, noop), ErrNotConnected},
		{"unsubscribe empty", c.Unsubscribe(""), ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("error = %v, want %v", tt.err, tt.want)
			}
		})
	}

	if got := c.Subscriptions(); len(got) != 0 {
		t.Errorf("Subscriptions() = %v, want none after failed subscribe", got)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v, want nil", err)
	}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	warns, errs []string
}

func (l *recordingLogger) Info(string, ...any)        {}
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.warns = append(l.warns, msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.errs = append(l.errs, msg) }

func TestDispatch_RecoversAndLogs(t *testing.T) {
	c := newClient(config.MQTTConfig{}, "lab-001")
	log := &recordingLogger{}
	c.SetLogger(log)

	var got string
	c.dispatch(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})(nil, fakeMessage{topic: "labhub/sensor/bench/pd0", payload: []byte("0.5")})
	if got != "labhub/sensor/bench/pd0=0.5" {
		t.Errorf("handler saw %q", got)
	}

	c.dispatch(func(string, []byte) error { return errors.New("bad reading") })(nil, fakeMessage{topic: "t"})
	c.dispatch(func(string, []byte) error { panic("boom") })(nil, fakeMessage{topic: "t"})

	if len(log.warns) != 1 {
		t.Errorf("warnings = %v, want 1", log.warns)
	}
	if len(log.errs) != 1 {
		t.Errorf("errors = %v, want 1", log.errs)
	}
}
