// Package remote talks to the hosted Postgres database that holds the
// authoritative ticket records.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"maintdesk/go-ticket-server/internal/model"
)

// ErrNotConfigured is returned by Connect when no DSN is provided.
var ErrNotConfigured = errors.New("remote ticket store not configured")

const (
	defaultPageSize = 500
	pageTimeout     = 5 * time.Second
)

// Connect opens a pooled connection to the remote ticket store.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, ErrNotConfigured
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)

	return db, nil
}

// TicketRepository creates and lists tickets in the remote store.
type TicketRepository struct {
	db *sql.DB
}

func NewTicketRepository(db *sql.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

// EnsureSchema creates the tickets table when missing.
func (r *TicketRepository) EnsureSchema(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS tickets (
		id BIGSERIAL PRIMARY KEY,
		building_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		photo_urls JSONB NOT NULL DEFAULT '[]'::jsonb,
		status TEXT NOT NULL DEFAULT 'awaiting_review',
		external_ref TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure tickets table: %w", err)
	}
	return nil
}

// PingContext reports whether the remote store answers.
func (r *TicketRepository) PingContext(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// CreateTicket inserts a ticket and returns it with the server-assigned id and timestamp.
func (r *TicketRepository) CreateTicket(ctx context.Context, payload model.TicketPayload) (model.Ticket, error) {
	payload = payload.WithDefaults()

	photos, err := json.Marshal(payload.PhotoURLs)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("encode photo urls: %w", err)
	}

	query := `
		INSERT INTO tickets (building_id, user_id, location, description, photo_urls, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, status, created_at
	`

	var (
		id     int64
		status string
		t      = model.Ticket{
			BuildingID:  payload.BuildingID,
			UserID:      payload.UserID,
			Location:    payload.Location,
			Description: payload.Description,
			PhotoURLs:   payload.PhotoURLs,
		}
	)
	err = r.db.QueryRowContext(ctx, query,
		payload.BuildingID, payload.UserID, payload.Location, payload.Description, string(photos), string(payload.Status),
	).Scan(&id, &status, &t.CreatedAt)
	if err != nil {
		return model.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}

	t.ID = strconv.FormatInt(id, 10)
	t.Status = model.TicketStatus(status)
	return t, nil
}

// TicketFilter narrows ListTickets.
type TicketFilter struct {
	BuildingID string
	// Limit caps the total number of tickets returned. Zero means no cap.
	Limit int
	// PageSize is the number of rows fetched per round trip.
	PageSize int
}

// ListTickets returns tickets newest first. Rows are fetched in keyset pages,
// each under its own timeout, so large buildings never hit the backend
// statement timeout in a single query.
func (r *TicketRepository) ListTickets(ctx context.Context, filter TicketFilter) ([]model.Ticket, error) {
	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	query := `
		SELECT id, building_id, user_id, location, description, photo_urls, status, external_ref, created_at
		FROM tickets
		WHERE ($1 = '' OR building_id = $1) AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`

	tickets := []model.Ticket{}
	var cursor int64
	for {
		want := pageSize
		if filter.Limit > 0 && filter.Limit-len(tickets) < want {
			want = filter.Limit - len(tickets)
		}
		if want <= 0 {
			break
		}

		page, last, err := r.fetchPage(ctx, query, filter.BuildingID, cursor, int64(want))
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, page...)
		if len(page) < want {
			break
		}
		cursor = last
	}

	return tickets, nil
}

func (r *TicketRepository) fetchPage(ctx context.Context, query, buildingID string, cursor, limit int64) ([]model.Ticket, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, pageTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, buildingID, cursor, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query tickets: %w", err)
	}
	defer rows.Close()

	var (
		page []model.Ticket
		last int64
	)
	for rows.Next() {
		var (
			id          int64
			photos      []byte
			status      string
			externalRef sql.NullString
			t           model.Ticket
		)
		if err := rows.Scan(&id, &t.BuildingID, &t.UserID, &t.Location, &t.Description, &photos, &status, &externalRef, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan ticket: %w", err)
		}
		if len(photos) > 0 {
			if err := json.Unmarshal(photos, &t.PhotoURLs); err != nil {
				return nil, 0, fmt.Errorf("decode photo urls of ticket %d: %w", id, err)
			}
		}
		if t.PhotoURLs == nil {
			t.PhotoURLs = []string{}
		}
		t.ID = strconv.FormatInt(id, 10)
		t.Status = model.TicketStatus(status)
		t.ExternalRef = externalRef.String
		page = append(page, t)
		last = id
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tickets: %w", err)
	}

	return page, last, nil
}
