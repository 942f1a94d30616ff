// Package events publishes verification outcomes to interested consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// DefaultTopic receives verification events when no topic is configured.
const DefaultTopic = "face-verify/verifications"

// VerificationEvent is the payload published after each user verification.
type VerificationEvent struct {
	Type            string    `json:"type"`
	RequestID       string    `json:"request_id"`
	UserID          string    `json:"user_id"`
	Passed          bool      `json:"passed"`
	MatchedCount    int       `json:"matched_count"`
	TotalCount      int       `json:"total_count"`
	MatchPercentage float64   `json:"match_percentage"`
	Incomplete      bool      `json:"incomplete"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// Publisher delivers verification events.
type Publisher interface {
	PublishVerification(ctx context.Context, event VerificationEvent) error
	Close()
}

// Nop discards every event.
type Nop struct{}

// PublishVerification does nothing.
func (Nop) PublishVerification(context.Context, VerificationEvent) error { return nil }

// Close does nothing.
func (Nop) Close() {}

// MQTTPublisher publishes events as JSON with QoS 1.
type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewMQTTPublisher wraps an already connected client.
func NewMQTTPublisher(client mqtt.Client, topic string, logger *zap.Logger) *MQTTPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &MQTTPublisher{client: client, topic: topic, timeout: 5 * time.Second, logger: logger.Named("mqtt_publisher")}
}

// ConnectMQTT connects to broker with automatic reconnects.
func ConnectMQTT(broker, clientID string, logger *zap.Logger) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().AddBroker(broker).SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("connected to MQTT broker", zap.String("broker", broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("lost connection to MQTT broker", zap.String("broker", broker), zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("connect to MQTT broker %s: timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", broker, err)
	}
	return client, nil
}

// PublishVerification serialises event and waits for the broker to
// acknowledge it, bounded by ctx and the publisher timeout.
func (p *MQTTPublisher) PublishVerification(ctx context.Context, event VerificationEvent) error {
	if event.Type == "" {
		event.Type = "verification.completed"
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	token := p.client.Publish(p.topic, 1, false, payload)
	if !token.WaitTimeout(timeout) {
		return errors.New("mqtt publish timed out")
	}
	if err := token.Error(); err != nil {
		return err
	}
	p.logger.Debug("verification event published", zap.String("request_id", event.RequestID), zap.String("topic", p.topic))
	return nil
}

// Close disconnects from the broker, allowing in-flight messages 250ms.
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}
