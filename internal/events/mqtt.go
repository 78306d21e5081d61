package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// Enabled reports whether a broker is set
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// MQTTPublisher publishes each event to "<prefix>/<device_id>/<type>"
type MQTTPublisher struct {
	client mqtt.Client
	prefix string
	qos    byte
}

// NewMQTTPublisher connects to the broker
func NewMQTTPublisher(cfg MQTTConfig) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("MQTT connected to %s", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("MQTT connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) {
		log.Warn("MQTT connect to %s still pending, retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return newMQTTPublisher(client, cfg.TopicPrefix, cfg.QoS), nil
}

func newMQTTPublisher(client mqtt.Client, prefix string, qos byte) *MQTTPublisher {
	if prefix == "" {
		prefix = "driveguard"
	}
	return &MQTTPublisher{client: client, prefix: strings.TrimRight(prefix, "/"), qos: qos}
}

// Topic returns the topic an event is published to
func (p *MQTTPublisher) Topic(e Event) string {
	return fmt.Sprintf("%s/%s/%s", p.prefix, e.DeviceID, e.Type)
}

// Publish sends the event without waiting for broker acknowledgement
func (p *MQTTPublisher) Publish(_ context.Context, e Event) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("mqtt not connected")
	}
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	token := p.client.Publish(p.Topic(e), p.qos, false, payload)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Warn("MQTT publish failed: %v", token.Error())
		}
	}()
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
