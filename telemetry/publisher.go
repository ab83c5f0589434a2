// Package telemetry bridges cell updates onto an MQTT broker so external
// tooling can observe live readings without touching the bus.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/perimetric/cansense/cell"
	"github.com/perimetric/cansense/config"
	"github.com/perimetric/cansense/logging"
)

const (
	topicPrefix = "cansense"

	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	keepAlive         = 60 * time.Second
	disconnectQuiesce = 1000 // milliseconds
)

// reading is the JSON payload published per update.
type reading struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher publishes cell updates as retained state topics:
//
//	cansense/<device>/<cell>
type Publisher struct {
	client pahomqtt.Client
	log    *logging.Logger
	qos    byte
}

// New connects to the broker described by cfg. It blocks up to the connect
// timeout and fails rather than queueing silently.
func New(cfg config.MQTTConfig, log *logging.Logger) (*Publisher, error) {
	if log == nil {
		log = logging.Default()
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetKeepAlive(keepAlive).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("telemetry: connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to %s: %w", cfg.Broker, err)
	}

	return &Publisher{
		client: client,
		log:    log.With("component", "telemetry"),
		qos:    byte(cfg.QoS),
	}, nil
}

// Publish sends one reading. Errors are logged, not returned: telemetry is
// best-effort and must never stall a cell callback chain.
func (p *Publisher) Publish(device, name string, value any, ts time.Time) {
	payload, err := json.Marshal(reading{Value: value, Timestamp: ts})
	if err != nil {
		p.log.Error("marshal reading", "device", device, "cell", name, "err", err)
		return
	}
	topic := fmt.Sprintf("%s/%s/%s", topicPrefix, device, name)
	// Retained so late subscribers see the last known state.
	token := p.client.Publish(topic, p.qos, true, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			p.log.Warn("publish failed", "topic", topic, "err", token.Error())
		}
	}()
}

// Close disconnects from the broker after a short quiesce.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}

// Watch registers a cell callback that publishes every update under
// <device>/<name>. It returns the callback handle for removal.
func Watch[T any](p *Publisher, device, name string, c *cell.Cell[T]) cell.CallbackHandle {
	return c.AddCallback(func(v T, ts time.Time) {
		p.Publish(device, name, v, ts)
	})
}
