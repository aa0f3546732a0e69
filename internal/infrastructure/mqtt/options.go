package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/labhub-core/internal/infrastructure/config"
)

const (
	connectTimeout    = 10 * time.Second
	ackTimeout        = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // ms

	maxQoS         = 2
	maxPayloadSize = 1 << 20
)

// Presence values published on the lab status topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"

	reasonShutdown   = "graceful_shutdown"
	reasonUnexpected = "unexpected_disconnect"
)

// Presence is the retained payload on labhub/system/{lab}/status.
type Presence struct {
	Status    string    `json:"status"`
	Lab       string    `json:"lab"`
	ClientID  string    `json:"client_id"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func presence(status, reason, lab, clientID string) []byte {
	data, _ := json.Marshal(Presence{
		Status:    status,
		Lab:       lab,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Truncate(time.Second),
	})
	return data
}

// buildClientOptions maps the broker config onto paho options, including
// the lab's will message.
func buildClientOptions(cfg config.MQTTConfig, lab string) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	initial := time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	maxDelay := time.Duration(cfg.Reconnect.MaxDelay) * time.Second
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	opts.SetConnectRetryInterval(initial)
	opts.SetMaxReconnectInterval(maxDelay)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: cfg.Broker.Host,
		})
	}

	// QoS 1 so the offline notice survives a congested broker.
	opts.SetBinaryWill(Topics{}.Status(lab), presence(StatusOffline, reasonUnexpected, lab, cfg.Broker.ClientID), 1, true)
	return opts
}
