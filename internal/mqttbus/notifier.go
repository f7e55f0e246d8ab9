package mqttbus

import (
	"encoding/json"
	"log/slog"
	"time"

	"maintdesk/go-ticket-server/internal/model"
)

// Publisher sends a raw payload to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Notifier turns offline queue callbacks into QueueEvent messages.
type Notifier struct {
	pub    Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewNotifier(pub Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{pub: pub, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

func (n *Notifier) Enqueued(sub model.QueuedSubmission, pending int) {
	n.publish(model.QueueEvent{
		Type:        "submission.queued",
		TemporaryID: sub.TemporaryID,
		BuildingID:  sub.Payload.BuildingID,
		Pending:     &pending,
	})
}

func (n *Notifier) Delivered(sub model.QueuedSubmission, ticket model.Ticket) {
	n.publish(model.QueueEvent{
		Type:        "submission.delivered",
		TemporaryID: sub.TemporaryID,
		TicketID:    ticket.ID,
		BuildingID:  sub.Payload.BuildingID,
	})
}

func (n *Notifier) Flushed(res model.FlushResult, pending int, _ time.Duration) {
	n.publish(model.QueueEvent{
		Type:    "queue.flushed",
		Synced:  res.Synced,
		Failed:  res.Failed,
		Pending: &pending,
	})
}

func (n *Notifier) publish(evt model.QueueEvent) {
	evt.Timestamp = n.now()
	payload, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("encode queue event", "type", evt.Type, "error", err)
		return
	}
	if err := n.pub.Publish(EventsTopic, payload); err != nil {
		n.logger.Warn("publish queue event failed", "type", evt.Type, "error", err)
	}
}
