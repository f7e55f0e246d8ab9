package mqttbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maintdesk/go-ticket-server/internal/model"
)

func TestBuildingFromTopic(t *testing.T) {
	tests := []struct {
		topic    string
		building string
		ok       bool
	}{
		{"maintdesk/buildings/hq-3/tickets", "hq-3", true},
		{SubmissionTopic("annex"), "annex", true},
		{"maintdesk/buildings//tickets", "", false},
		{"maintdesk/buildings/hq-3/photos", "", false},
		{"maintdesk/queue/events", "", false},
		{"other/buildings/hq-3/tickets", "", false},
		{"maintdesk/buildings/hq-3/tickets/extra", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			building, ok := BuildingFromTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.building, building)
		})
	}
}

func TestDialRequiresBrokerURL(t *testing.T) {
	_, err := Dial(context.Background(), Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

type capturePublisher struct {
	topics   []string
	payloads [][]byte
	err      error
}

func (c *capturePublisher) Publish(topic string, payload []byte) error {
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload)
	return c.err
}

func TestNotifierPublishesQueueEvents(t *testing.T) {
	pub := &capturePublisher{}
	n := NewNotifier(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	sub := model.QueuedSubmission{TemporaryID: "tmp-1", Payload: model.TicketPayload{BuildingID: "b-1"}}
	n.Enqueued(sub, 3)
	n.Delivered(sub, model.Ticket{ID: "88"})
	n.Flushed(model.FlushResult{Synced: 1, Failed: 2}, 2, time.Second)

	require.Len(t, pub.payloads, 3)
	for _, topic := range pub.topics {
		assert.Equal(t, EventsTopic, topic)
	}

	var queued, delivered, flushed model.QueueEvent
	require.NoError(t, json.Unmarshal(pub.payloads[0], &queued))
	require.NoError(t, json.Unmarshal(pub.payloads[1], &delivered))
	require.NoError(t, json.Unmarshal(pub.payloads[2], &flushed))

	assert.Equal(t, "submission.queued", queued.Type)
	require.NotNil(t, queued.Pending)
	assert.Equal(t, 3, *queued.Pending)
	assert.Equal(t, "b-1", queued.BuildingID)
	assert.True(t, fixed.Equal(queued.Timestamp))

	assert.Equal(t, "submission.delivered", delivered.Type)
	assert.Equal(t, "88", delivered.TicketID)
	assert.Nil(t, delivered.Pending)

	assert.Equal(t, "queue.flushed", flushed.Type)
	assert.Equal(t, 1, flushed.Synced)
	assert.Equal(t, 2, flushed.Failed)
	require.NotNil(t, flushed.Pending)
	assert.Equal(t, 2, *flushed.Pending)
}

func TestNotifierSwallowsPublishErrors(t *testing.T) {
	pub := &capturePublisher{err: errors.New("not connected")}
	n := NewNotifier(pub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		n.Flushed(model.FlushResult{}, 0, 0)
	})
	assert.Len(t, pub.topics, 1)
}

type fakeToken struct {
	done     chan struct{}
	finished bool
	err      error
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.finished }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

func pendingToken() *fakeToken { return &fakeToken{done: make(chan struct{})} }

func finishedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), finished: true, err: err}
	close(t.done)
	return t
}

type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connect      mqtt.Token
	subscribe    mqtt.Token
	disconnected bool
}

func (c *fakeClient) Connect() mqtt.Token { return c.connect }

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return c.subscribe }

func TestConnectTimeoutDisconnectsClient(t *testing.T) {
	client := &fakeClient{connect: pendingToken()}
	b := &Bus{client: client, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	err := b.connect(context.Background(), "tcp://broker:1883", 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.True(t, client.disconnected)
}

func TestConnectCancelledDisconnectsClient(t *testing.T) {
	client := &fakeClient{connect: pendingToken()}
	b := &Bus{client: client, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.connect(ctx, "tcp://broker:1883", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.True(t, client.disconnected)
}

func TestConnectReportsBrokerError(t *testing.T) {
	client := &fakeClient{connect: finishedToken(errors.New("not authorized"))}
	b := &Bus{client: client, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	err := b.connect(context.Background(), "tcp://broker:1883", time.Minute)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not authorized")
	assert.False(t, client.disconnected)
}

func TestOnConnectLogsSubscriptionOutcome(t *testing.T) {
	tests := []struct {
		name  string
		token *fakeToken
		want  string
	}{
		{"subscribed", finishedToken(nil), "mqtt subscribed"},
		{"timeout", pendingToken(), "mqtt subscribe timed out"},
		{"refused", finishedToken(errors.New("not authorized")), "mqtt subscribe failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			b := &Bus{logger: slog.New(slog.NewTextHandler(&buf, nil))}
			b.onConnect(&fakeClient{subscribe: tt.token})

			assert.Contains(t, buf.String(), tt.want)
			if tt.want != "mqtt subscribed" {
				assert.NotContains(t, buf.String(), "mqtt subscribed")
			}
		})
	}
}
