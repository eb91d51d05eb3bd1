package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-replay/internal/infrastructure/config"
)

const (
	connectTimeout  = 10 * time.Second
	opTimeout       = 5 * time.Second // publish, subscribe and unsubscribe acks
	keepAlive       = 60 * time.Second
	disconnectGrace = 1000 // ms
	maxQoS          = 2
)

// clientOptions maps the mqtt config section onto paho options. The Last
// Will marks the bridge offline on its health topic if the process dies.
func clientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetBinaryWill(healthTopic(), presence("offline", cfg.Broker.ClientID, "unexpected_disconnect"), 1, true)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	return opts
}

// presenceStatus is the retained payload on the health topic that the
// client manages itself: online on connect, offline on Close or via the Will.
type presenceStatus struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

func presence(status, clientID, reason string) []byte {
	data, _ := json.Marshal(presenceStatus{status, clientID, reason, time.Now().UTC().Format(time.RFC3339)}) //nolint:errcheck // strings only
	return data
}

func healthTopic() string {
	return Topics{}.BridgeHealth(ProtocolP20HD)
}
