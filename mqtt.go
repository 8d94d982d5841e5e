package hearth

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the broker-side ingestion bridge.
type MQTTConfig struct {
	// Broker is the broker URL, e.g. "tcp://localhost:1883". Required.
	Broker string `yaml:"broker"`
	// Topic is the subscription topic, typically a wildcard like
	// "home/+/telemetry". Required.
	Topic string `yaml:"topic"`
	// ClientID identifies this subscriber to the broker.
	// Default: "hearth".
	ClientID string `yaml:"client_id"`
	// QoS for the subscription. Default: 1.
	QoS byte `yaml:"qos"`
	// Username and Password are optional broker credentials.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTIngest subscribes to a broker topic and feeds each payload into
// the store through the normal submission path. Payloads are record
// JSON, a single object or an array; a payload that fails validation is
// logged and dropped, the subscription stays up.
type MQTTIngest struct {
	db     *DB
	client mqtt.Client
	topic  string
	qos    byte
	log    zerolog.Logger
}

// StartMQTTIngest connects to the broker and subscribes. The client
// retries the initial connect and reconnects on its own; records posted
// while disconnected are the devices' problem, which is why they post
// trailing buffers of recent data.
func StartMQTTIngest(db *DB, cfg MQTTConfig) (*MQTTIngest, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, fmt.Errorf("mqtt: broker and topic are required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "hearth"
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}

	in := &MQTTIngest{
		db:    db,
		topic: cfg.Topic,
		qos:   cfg.QoS,
		log:   db.log.With().Str("component", "mqtt").Logger(),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if tok := c.Subscribe(in.topic, in.qos, in.handle); tok.Wait() && tok.Error() != nil {
			in.log.Error().Err(tok.Error()).Str("topic", in.topic).Msg("subscribe failed")
			return
		}
		in.log.Info().Str("topic", in.topic).Msg("subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		in.log.Warn().Err(err).Msg("connection lost")
	})

	in.client = mqtt.NewClient(opts)
	if tok := in.client.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, fmt.Errorf("mqtt: connect: %w", tok.Error())
	}
	return in, nil
}

func (in *MQTTIngest) handle(_ mqtt.Client, msg mqtt.Message) {
	if err := in.db.SubmitJSON(msg.Payload()); err != nil {
		in.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("payload rejected")
	}
}

// Close unsubscribes and disconnects, allowing in-flight work a short
// grace period.
func (in *MQTTIngest) Close() {
	if tok := in.client.Unsubscribe(in.topic); tok.Wait() && tok.Error() != nil {
		in.log.Warn().Err(tok.Error()).Msg("unsubscribe failed")
	}
	in.client.Disconnect(250)
}
