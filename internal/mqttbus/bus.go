// Package mqttbus connects the server to an MQTT broker. Field devices
// publish ticket submissions to per-building topics; the server publishes
// offline queue events for dashboards and kiosks.
package mqttbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// SubmissionTopicFilter matches maintdesk/buildings/<building>/tickets.
	SubmissionTopicFilter = "maintdesk/buildings/+/tickets"
	EventsTopic           = "maintdesk/queue/events"

	connectTimeout = 10 * time.Second
	qosAtLeastOnce = byte(1)
)

// Message is a publish received from a device.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler is invoked for each received submission.
type Handler func(context.Context, Message)

// Options configures the broker connection.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// Bus is a connected MQTT client.
type Bus struct {
	client  mqtt.Client
	logger  *slog.Logger
	ctx     context.Context
	handler atomic.Value // stores Handler
}

// Dial connects to the broker and subscribes to device submissions. ctx is
// passed to the handler for every message and should live as long as the bus.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (*Bus, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("mqtt broker url required")
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("maintdesk-server-%d", time.Now().UnixNano())
	}

	b := &Bus{logger: logger.With("component", "mqttbus"), ctx: ctx}
	b.handler.Store(Handler(func(context.Context, Message) {}))

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			b.logger.Warn("mqtt connection lost", "error", err)
		})

	b.client = mqtt.NewClient(clientOpts)

	if err := b.connect(ctx, opts.BrokerURL, connectTimeout); err != nil {
		return nil, err
	}

	b.logger.Info("mqtt connected", "broker", opts.BrokerURL, "client_id", opts.ClientID)
	return b, nil
}

// connect waits for the initial connection. On timeout or cancellation the
// client is disconnected so it stops retrying in the background.
func (b *Bus) connect(ctx context.Context, broker string, timeout time.Duration) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(timeout):
		b.client.Disconnect(0)
		return fmt.Errorf("mqtt connect %s: timed out", broker)
	case <-ctx.Done():
		b.client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", broker, err)
	}
	return nil
}

// onConnect subscribes on every (re)connect so subscriptions survive broker restarts.
func (b *Bus) onConnect(c mqtt.Client) {
	token := c.Subscribe(SubmissionTopicFilter, qosAtLeastOnce, func(_ mqtt.Client, m mqtt.Message) {
		h := b.handler.Load().(Handler)
		h(b.ctx, Message{Topic: m.Topic(), Payload: m.Payload()})
	})
	if !token.WaitTimeout(connectTimeout) {
		b.logger.Error("mqtt subscribe timed out", "topic", SubmissionTopicFilter)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("mqtt subscribe failed", "topic", SubmissionTopicFilter, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", SubmissionTopicFilter)
}

// SetSubmissionHandler installs the function invoked for each device submission.
func (b *Bus) SetSubmissionHandler(h Handler) {
	if h == nil {
		h = func(context.Context, Message) {}
	}
	b.handler.Store(h)
}

// Publish sends payload to topic at QoS 1.
func (b *Bus) Publish(topic string, payload []byte) error {
	token := b.client.Publish(topic, qosAtLeastOnce, false, payload)
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects, allowing in-flight work a short grace period.
func (b *Bus) Close() {
	b.client.Disconnect(250)
	b.logger.Info("mqtt disconnected")
}

// BuildingFromTopic extracts the building id from a submission topic.
func BuildingFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != "maintdesk" || parts[1] != "buildings" || parts[3] != "tickets" {
		return "", false
	}
	if strings.TrimSpace(parts[2]) == "" {
		return "", false
	}
	return parts[2], true
}

// SubmissionTopic returns the topic a device publishes to for building.
func SubmissionTopic(building string) string {
	return fmt.Sprintf("maintdesk/buildings/%s/tickets", building)
}
