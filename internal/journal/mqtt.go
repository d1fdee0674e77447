package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// MQTTConfig configures an [MQTTPublisher].
type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string

	// QoS is the publish quality of service, 0 to 2.
	QoS byte

	// PublishTimeout bounds each publish. Zero means 5s.
	PublishTimeout time.Duration
}

// tokenPublisher is the part of paho.Client the publisher needs.
type tokenPublisher interface {
	Publish(topic string, qos byte, retained bool, payload any) paho.Token
}

// MQTTPublisher sends entries as JSON to <prefix>/<session>/<kind>.
type MQTTPublisher struct {
	client  tokenPublisher
	prefix  string
	qos     byte
	timeout time.Duration
	close   func()
}

var _ Publisher = (*MQTTPublisher)(nil)

// DialMQTT connects to the broker and returns a publisher. The client
// reconnects on its own after a lost connection.
func DialMQTT(cfg MQTTConfig) (*MQTTPublisher, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("journal: mqtt broker url must not be empty")
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "nell-journal"
	}
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		slog.Warn("journal: mqtt connection lost", "error", err)
	})

	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("journal: mqtt connect: %w", token.Error())
	}
	p := newMQTTPublisher(client, cfg)
	p.close = func() { client.Disconnect(250) }
	return p, nil
}

func newMQTTPublisher(client tokenPublisher, cfg MQTTConfig) *MQTTPublisher {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "nell"
	}
	return &MQTTPublisher{client: client, prefix: prefix, qos: cfg.QoS, timeout: timeout}
}

// Topic returns the topic an entry is published to.
func (p *MQTTPublisher) Topic(e Entry) string {
	return p.prefix + "/" + e.SessionID + "/" + string(e.Kind)
}

// Publish implements [Publisher].
func (p *MQTTPublisher) Publish(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: encode entry: %w", err)
	}
	token := p.client.Publish(p.Topic(e), p.qos, false, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("journal: mqtt publish: %w", err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("journal: mqtt publish: timed out after %s", p.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}
