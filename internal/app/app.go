package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"maintdesk/go-ticket-server/internal/config"
	"maintdesk/go-ticket-server/internal/connectivity"
	"maintdesk/go-ticket-server/internal/metrics"
	"maintdesk/go-ticket-server/internal/model"
	"maintdesk/go-ticket-server/internal/mqttbus"
	"maintdesk/go-ticket-server/internal/offlinequeue"
	"maintdesk/go-ticket-server/internal/remote"
	"maintdesk/go-ticket-server/internal/store"
)

// ticketLister lists confirmed tickets from the remote store.
type ticketLister interface {
	ListTickets(ctx context.Context, filter remote.TicketFilter) ([]model.Ticket, error)
}

// syncHistory records flush passes.
type syncHistory interface {
	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	RecentSyncRuns(ctx context.Context, limit int) ([]model.SyncRun, error)
}

// App wires together the maintdesk services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store   *store.Store
	queue   *offlinequeue.Queue
	tickets ticketLister
	history syncHistory
	online  offlinequeue.Connectivity
	metrics *metrics.Metrics
	bus     *mqttbus.Bus
	mdns    *zeroconf.Server

	// flushes tracks background flush passes so storage outlives them.
	flushes   sync.WaitGroup
	flushMu   sync.Mutex
	flushStop bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	a.history = db

	defer func() {
		if cerr := a.store.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	storage, closeStorage, err := a.openQueueStorage(ctx)
	if err != nil {
		return err
	}
	defer closeStorage()

	remoteDB, err := remote.Connect(a.cfg.RemoteDSN)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := remoteDB.Close(); cerr != nil {
			a.logger.Error("close remote store", "error", cerr)
		}
	}()
	repo := a.prepareRemote(ctx, remoteDB)
	a.tickets = repo

	monitor := connectivity.NewMonitor(repo, a.cfg.ProbeInterval, a.cfg.ProbeTimeout, a.logger)
	a.online = monitor

	registry := metrics.NewRegistry()
	a.metrics = metrics.New(registry)

	listeners := multiListener{a.metrics}
	if a.cfg.MQTTBroker != "" {
		bus, err := mqttbus.Dial(ctx, mqttbus.Options{
			BrokerURL: a.cfg.MQTTBroker,
			ClientID:  a.cfg.MQTTClientID,
			Username:  a.cfg.MQTTUsername,
			Password:  a.cfg.MQTTPassword,
		}, a.logger)
		if err != nil {
			return err
		}
		a.bus = bus
		defer a.bus.Close()
		listeners = append(listeners, mqttbus.NewNotifier(bus, a.logger))
	}

	a.queue = offlinequeue.New(storage, repo, monitor, offlinequeue.Options{
		Logger:        a.logger,
		SubmitTimeout: a.cfg.SubmitTimeout,
		Listener:      listeners,
	})

	pending := a.queue.Pending(ctx)
	a.metrics.SetPending(pending)
	a.logger.Info("offline queue loaded", "pending", pending, "backend", a.cfg.QueueBackend)

	if a.bus != nil {
		a.bus.SetSubmissionHandler(a.handleDeviceSubmission)
	}

	// Registered after the storage closers so it runs before them.
	defer a.waitFlushes()

	a.watchConnectivity(ctx, monitor)
	go func() {
		_ = monitor.Run(ctx)
	}()
	if pending > 0 {
		a.goFlush(ctx, "startup")
	}

	errCh := make(chan error, 2)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsServer *http.Server
	if a.cfg.MetricsPort > 0 {
		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           metrics.Handler(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()

		if metricsServer != nil {
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		a.logger.Info("http server stopped")
		return nil
	}

	select {
	case <-ctx.Done():
		return shutdown()
	case err := <-errCh:
		_ = shutdown()
		return err
	}
}

// shutdownTimeout leaves in-flight submissions room to finish their remote call.
func (a *App) shutdownTimeout() time.Duration {
	return max(5*time.Second, a.cfg.SubmitTimeout+time.Second)
}

// watchConnectivity flushes the queue whenever the remote store comes back.
func (a *App) watchConnectivity(ctx context.Context, monitor *connectivity.Monitor) {
	monitor.OnChange(func(online bool) {
		if online {
			a.goFlush(ctx, "reconnect")
		}
	})
}

// goFlush runs a flush pass in the background. Passes started after
// waitFlushes has been called are dropped.
func (a *App) goFlush(ctx context.Context, trigger string) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	if a.flushStop {
		return
	}
	a.flushes.Add(1)
	go func() {
		defer a.flushes.Done()
		_, _ = a.flush(ctx, trigger)
	}()
}

// waitFlushes blocks until background flush passes have written their results.
func (a *App) waitFlushes() {
	a.flushMu.Lock()
	a.flushStop = true
	a.flushMu.Unlock()
	a.flushes.Wait()
}

func (a *App) openQueueStorage(ctx context.Context) (offlinequeue.Storage, func(), error) {
	if a.cfg.QueueBackend != config.BackendRedis {
		return a.store, func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := store.DialRedis(dialCtx, a.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	a.logger.Info("offline queue stored in redis", "prefix", a.cfg.RedisKeyPrefix)

	closeFn := func() {
		if err := client.Close(); err != nil {
			a.logger.Error("close redis", "error", err)
		}
	}
	return store.NewRedisStorage(client, a.cfg.RedisKeyPrefix), closeFn, nil
}

// prepareRemote ensures the tickets table exists. A remote store that is down
// at startup is not fatal; submissions queue until it answers.
func (a *App) prepareRemote(ctx context.Context, db *sql.DB) *remote.TicketRepository {
	repo := remote.NewTicketRepository(db)

	schemaCtx, cancel := context.WithTimeout(ctx, a.cfg.SubmitTimeout)
	defer cancel()

	if err := repo.EnsureSchema(schemaCtx); err != nil {
		a.logger.Warn("remote store unavailable at startup", "error", err)
	}
	return repo
}

// flush runs one flush pass and records it in the sync history.
func (a *App) flush(ctx context.Context, trigger string) (model.FlushResult, error) {
	started := time.Now().UTC()

	res, err := a.queue.Flush(ctx)
	if err != nil {
		a.logger.Error("flush failed", "trigger", trigger, "error", err)
	}
	if res.Synced+res.Failed == 0 {
		return res, err
	}

	if a.history != nil {
		run := model.SyncRun{
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
			Synced:     res.Synced,
			Failed:     res.Failed,
			Trigger:    trigger,
		}
		recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if rerr := a.history.RecordSyncRun(recCtx, run); rerr != nil {
			a.logger.Error("failed to record sync run", "error", rerr)
		}
	}
	if err != nil {
		return res, err
	}

	a.logger.Info("sync pass complete", "trigger", trigger, "synced", res.Synced, "failed", res.Failed)
	return res, nil
}

func (a *App) handleDeviceSubmission(ctx context.Context, msg mqttbus.Message) {
	building, ok := mqttbus.BuildingFromTopic(msg.Topic)
	if !ok {
		a.logger.Warn("ignoring publish on unexpected topic", "topic", msg.Topic)
		return
	}

	var payload model.TicketPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		a.logger.Warn("device submission decode failed", "topic", msg.Topic, "error", err)
		return
	}

	if payload.BuildingID != "" && payload.BuildingID != building {
		a.logger.Warn("device submission building mismatch, using topic", "topic", msg.Topic, "payload_building", payload.BuildingID)
	}
	payload.BuildingID = building

	if err := offlinequeue.Validate(payload); err != nil {
		a.logger.Warn("device submission rejected", "topic", msg.Topic, "error", err)
		return
	}

	res := a.queue.Submit(ctx, payload)
	a.observeSubmit(res)
	a.logger.Info("device submission accepted", "building", building, "ticket", res.Ticket.ID, "pending", res.Pending)
}

func (a *App) observeSubmit(res model.SubmitResult) {
	if a.metrics != nil {
		a.metrics.ObserveSubmit(res)
	}
}

// multiListener fans queue callbacks out to several listeners.
type multiListener []offlinequeue.Listener

func (m multiListener) Enqueued(sub model.QueuedSubmission, pending int) {
	for _, l := range m {
		l.Enqueued(sub, pending)
	}
}

func (m multiListener) Delivered(sub model.QueuedSubmission, ticket model.Ticket) {
	for _, l := range m {
		l.Delivered(sub, ticket)
	}
}

func (m multiListener) Flushed(res model.FlushResult, pending int, elapsed time.Duration) {
	for _, l := range m {
		l.Flushed(res, pending, elapsed)
	}
}
