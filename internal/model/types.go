package model

import "time"

// TicketStatus is the lifecycle state of a maintenance ticket.
type TicketStatus string

const (
	StatusAwaitingReview TicketStatus = "awaiting_review"
	StatusInProgress     TicketStatus = "in_progress"
	StatusWaitingVendor  TicketStatus = "waiting_contractor"
	StatusDone           TicketStatus = "done"
)

// TicketPayload carries the fields needed to create a ticket remotely.
type TicketPayload struct {
	BuildingID  string       `json:"building_id"`
	UserID      string       `json:"user_id"`
	Location    string       `json:"location"`
	Description string       `json:"description"`
	PhotoURLs   []string     `json:"photo_urls,omitempty"`
	Status      TicketStatus `json:"status,omitempty"`
}

// WithDefaults returns a copy with the status defaulted to awaiting review.
func (p TicketPayload) WithDefaults() TicketPayload {
	if p.Status == "" {
		p.Status = StatusAwaitingReview
	}
	if p.PhotoURLs == nil {
		p.PhotoURLs = []string{}
	}
	return p
}

// Ticket is a maintenance ticket as stored by the remote ticket store.
type Ticket struct {
	ID          string       `json:"id"`
	BuildingID  string       `json:"building_id"`
	UserID      string       `json:"user_id"`
	Location    string       `json:"location"`
	Description string       `json:"description"`
	PhotoURLs   []string     `json:"photo_urls"`
	Status      TicketStatus `json:"status"`
	ExternalRef string       `json:"external_ref,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// QueuedSubmission is a ticket creation waiting for delivery to the remote store.
type QueuedSubmission struct {
	TemporaryID string        `json:"temporary_id"`
	Payload     TicketPayload `json:"payload"`
	QueuedAt    time.Time     `json:"queued_at"`
	Attempts    int           `json:"attempts,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// OptimisticTicket renders the submission as a not-yet-confirmed ticket.
func (q QueuedSubmission) OptimisticTicket() Ticket {
	p := q.Payload.WithDefaults()
	return Ticket{
		ID:          q.TemporaryID,
		BuildingID:  p.BuildingID,
		UserID:      p.UserID,
		Location:    p.Location,
		Description: p.Description,
		PhotoURLs:   p.PhotoURLs,
		Status:      StatusAwaitingReview,
		CreatedAt:   q.QueuedAt,
	}
}

// SubmitResult is either a server-confirmed ticket or a pending optimistic one.
type SubmitResult struct {
	Ticket      Ticket `json:"ticket"`
	Pending     bool   `json:"pending"`
	TemporaryID string `json:"temporary_id,omitempty"`
}

// FlushResult counts the outcome of one flush pass.
type FlushResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// SyncRun records a completed flush pass.
type SyncRun struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Trigger    string    `json:"trigger"`
}

// QueueEvent is published on the event bus when the queue changes.
type QueueEvent struct {
	Type        string    `json:"type"`
	TemporaryID string    `json:"temporary_id,omitempty"`
	TicketID    string    `json:"ticket_id,omitempty"`
	BuildingID  string    `json:"building_id,omitempty"`
	Synced      int       `json:"synced,omitempty"`
	Failed      int       `json:"failed,omitempty"`
	Pending     *int      `json:"pending,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
