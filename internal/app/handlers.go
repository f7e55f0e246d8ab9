package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"maintdesk/go-ticket-server/internal/model"
	"maintdesk/go-ticket-server/internal/offlinequeue"
	"maintdesk/go-ticket-server/internal/remote"
)

const maxBodyBytes = 1 << 20

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	mux.HandleFunc("/api/tickets", a.handleTickets)
	mux.HandleFunc("/api/queue", a.handleQueue)
	mux.HandleFunc("/api/queue/flush", a.handleFlush)
	mux.HandleFunc("/api/queue/history", a.handleHistory)
	mux.HandleFunc("/api/queue/export", a.handleExportQueue)
	mux.HandleFunc("/api/connectivity", a.handleConnectivity)
	mux.HandleFunc("/api/config", a.handleConfig)
	return mux
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.queue == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTickets(w, r)
	case http.MethodPost:
		a.submitTicket(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *App) submitTicket(w http.ResponseWriter, r *http.Request) {
	if a.queue == nil {
		http.Error(w, "queue not initialized", http.StatusServiceUnavailable)
		return
	}

	var payload model.TicketPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := offlinequeue.Validate(payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res := a.queue.Submit(r.Context(), payload)
	a.observeSubmit(res)

	status := http.StatusCreated
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res, a)
}

func (a *App) listTickets(w http.ResponseWriter, r *http.Request) {
	if a.tickets == nil {
		http.Error(w, "remote store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 1000 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	tickets, err := a.tickets.ListTickets(ctx, remote.TicketFilter{
		BuildingID: strings.TrimSpace(r.URL.Query().Get("building_id")),
		Limit:      limit,
	})
	if err != nil {
		a.logger.Error("failed to list tickets", "error", err)
		http.Error(w, "remote store unavailable", http.StatusServiceUnavailable)
		return
	}

	response := struct {
		Tickets []model.Ticket `json:"tickets"`
	}{Tickets: tickets}
	writeJSON(w, http.StatusOK, response, a)
}

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.queue == nil {
		http.Error(w, "queue not initialized", http.StatusServiceUnavailable)
		return
	}

	entries := a.queue.Inspect(r.Context())
	response := struct {
		Pending int                      `json:"pending"`
		Entries []model.QueuedSubmission `json:"entries"`
	}{Pending: len(entries), Entries: entries}
	writeJSON(w, http.StatusOK, response, a)
}

func (a *App) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.queue == nil {
		http.Error(w, "queue not initialized", http.StatusServiceUnavailable)
		return
	}

	res, err := a.flush(r.Context(), "manual")
	if err != nil {
		http.Error(w, "flush failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res, a)
}

func (a *App) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.history == nil {
		http.Error(w, "store not initialized", http.StatusServiceUnavailable)
		return
	}

	limit := 25
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= 500 {
				limit = parsed
			}
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	runs, err := a.history.RecentSyncRuns(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load sync history", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	response := struct {
		Runs []model.SyncRun `json:"runs"`
	}{Runs: runs}
	writeJSON(w, http.StatusOK, response, a)
}

func (a *App) handleExportQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.queue == nil {
		http.Error(w, "queue not initialized", http.StatusServiceUnavailable)
		return
	}

	entries := a.queue.Inspect(r.Context())

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=maintdesk_pending_tickets.csv")

	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	if err := csvWriter.Write([]string{
		"temporary_id",
		"queued_at",
		"building_id",
		"user_id",
		"location",
		"description",
		"photo_urls",
		"attempts",
		"last_error",
	}); err != nil {
		a.logger.Error("export: failed to write header", "error", err)
		return
	}

	for _, e := range entries {
		row := []string{
			e.TemporaryID,
			e.QueuedAt.UTC().Format(time.RFC3339),
			e.Payload.BuildingID,
			e.Payload.UserID,
			e.Payload.Location,
			e.Payload.Description,
			strings.Join(e.Payload.PhotoURLs, " "),
			strconv.Itoa(e.Attempts),
			e.LastError,
		}
		if err := csvWriter.Write(row); err != nil {
			a.logger.Error("export: failed to write row", "error", err)
			return
		}
	}
}

func (a *App) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	online := true
	if a.online != nil {
		online = a.online.Online()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": online}, a)
}

func (a *App) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := map[string]any{
		"http_port":      a.cfg.HTTPPort,
		"metrics_port":   a.cfg.MetricsPort,
		"database_path":  a.cfg.DatabasePath,
		"queue_backend":  a.cfg.QueueBackend,
		"remote":         a.cfg.RemoteDSN != "",
		"mqtt_broker":    a.cfg.MQTTBroker,
		"submit_timeout": a.cfg.SubmitTimeout.String(),
		"probe_interval": a.cfg.ProbeInterval.String(),
		"mdns":           a.cfg.MDNS,
		"log_level":      a.cfg.LogLevel,
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active}, a)
}

func writeJSON(w http.ResponseWriter, status int, v any, a *App) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		a.logger.Error("failed to encode response", "error", err)
	}
}
