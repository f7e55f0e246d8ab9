// Package offlinequeue buffers ticket submissions that could not reach the
// remote ticket store and delivers them once connectivity returns.
//
// The queue is a JSON list persisted under a single storage key. Every
// read-modify-write of that list happens under one mutex, so concurrent
// submissions never overwrite each other's appends. Storages shared between
// processes implement Updater and Locker so that the same holds across
// replicas.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"maintdesk/go-ticket-server/internal/model"
)

// StorageKey is the key holding the serialized queue.
const StorageKey = "offline_ticket_queue"

// DefaultSubmitTimeout bounds every remote create attempt.
const DefaultSubmitTimeout = 10 * time.Second

// FlushLockName names the cross-process flush lock.
const FlushLockName = "offline_ticket_queue_flush"

// ErrInvalidPayload is returned by Validate for submissions the remote store would reject.
var ErrInvalidPayload = errors.New("invalid ticket payload")

// Storage is a persistent key/value store for the serialized queue.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Updater is implemented by storages that several processes share. Update
// reads key, passes the value to fn and writes fn's result only if the key
// was not modified in between, retrying fn otherwise. A nil result removes
// the key. fn may run more than once.
type Updater interface {
	Update(ctx context.Context, key string, fn func(current []byte, found bool) ([]byte, error)) error
}

// Locker is implemented by storages that several processes share, so that
// only one of them flushes at a time. Locks expire after ttl unless refreshed.
type Locker interface {
	TryLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, name, token string, ttl time.Duration) error
	Unlock(ctx context.Context, name, token string) error
}

// TicketCreator inserts a ticket into the remote store and returns the stored record.
type TicketCreator interface {
	CreateTicket(ctx context.Context, payload model.TicketPayload) (model.Ticket, error)
}

// Connectivity reports whether the remote store is believed reachable.
type Connectivity interface {
	Online() bool
}

// Listener observes queue changes. Callbacks run synchronously and must not
// call back into the queue.
type Listener interface {
	Enqueued(sub model.QueuedSubmission, pending int)
	Delivered(sub model.QueuedSubmission, ticket model.Ticket)
	Flushed(result model.FlushResult, pending int, elapsed time.Duration)
}

// Options tunes a Queue. Zero values select defaults.
type Options struct {
	Logger        *slog.Logger
	SubmitTimeout time.Duration
	Now           func() time.Time
	Listener      Listener
}

// Queue is the offline submission queue. Construct one per process with New.
type Queue struct {
	storage  Storage
	creator  TicketCreator
	conn     Connectivity
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time
	listener Listener

	// mu serializes read-modify-write of the persisted list.
	mu sync.Mutex
	// flushMu allows one flush pass at a time.
	flushMu sync.Mutex
}

// New constructs a queue over the given collaborators. conn may be nil, in
// which case every submission attempts the network first.
func New(storage Storage, creator TicketCreator, conn Connectivity, opts Options) *Queue {
	q := &Queue{
		storage:  storage,
		creator:  creator,
		conn:     conn,
		logger:   opts.Logger,
		timeout:  opts.SubmitTimeout,
		now:      opts.Now,
		listener: opts.Listener,
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("component", "offlinequeue")
	if q.timeout <= 0 {
		q.timeout = DefaultSubmitTimeout
	}
	if q.now == nil {
		q.now = func() time.Time { return time.Now().UTC() }
	}
	if q.listener == nil {
		q.listener = nopListener{}
	}
	return q
}

// Validate reports whether payload carries the fields every ticket needs.
func Validate(payload model.TicketPayload) error {
	var missing []string
	if strings.TrimSpace(payload.BuildingID) == "" {
		missing = append(missing, "building_id")
	}
	if strings.TrimSpace(payload.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(payload.Description) == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidPayload, strings.Join(missing, ", "))
	}
	return nil
}

// Submit creates the ticket remotely, or queues it when offline or when the
// remote call fails or times out. It always returns a renderable ticket.
func (q *Queue) Submit(ctx context.Context, payload model.TicketPayload) model.SubmitResult {
	payload = payload.WithDefaults()

	if q.conn != nil && !q.conn.Online() {
		q.logger.Info("offline, queueing submission", "building", payload.BuildingID)
		return q.submitPending(ctx, payload)
	}

	ticket, err := q.create(ctx, payload)
	if err == nil {
		q.logger.Info("ticket created", "ticket", ticket.ID, "building", ticket.BuildingID)
		return model.SubmitResult{Ticket: ticket}
	}

	q.logger.Warn("remote create failed, queueing submission", "building", payload.BuildingID, "error", err)
	return q.submitPending(ctx, payload)
}

func (q *Queue) submitPending(ctx context.Context, payload model.TicketPayload) model.SubmitResult {
	// The caller's deadline may already be spent on the remote attempt.
	sub, err := q.Enqueue(context.WithoutCancel(ctx), payload)
	if err != nil {
		q.logger.Error("submission not persisted, it will not survive a restart", "temporary_id", sub.TemporaryID, "error", err)
	}
	return model.SubmitResult{
		Ticket:      sub.OptimisticTicket(),
		Pending:     true,
		TemporaryID: sub.TemporaryID,
	}
}

// Enqueue appends payload to the persisted queue. The returned submission is
// populated even when persisting fails.
func (q *Queue) Enqueue(ctx context.Context, payload model.TicketPayload) (model.QueuedSubmission, error) {
	now := q.now()
	sub := model.QueuedSubmission{
		Payload:  payload.WithDefaults(),
		QueuedAt: now,
	}

	var pending int
	_, err := q.mutate(ctx, func(entries []model.QueuedSubmission) []model.QueuedSubmission {
		sub.TemporaryID = uniqueTemporaryID(now, entries)
		pending = len(entries) + 1
		return append(entries, sub)
	})
	if err != nil {
		if sub.TemporaryID == "" {
			sub.TemporaryID = newTemporaryID(now)
		}
		return sub, fmt.Errorf("persist queue: %w", err)
	}

	q.logger.Info("submission queued", "temporary_id", sub.TemporaryID, "building", sub.Payload.BuildingID, "pending", pending)
	q.listener.Enqueued(sub, pending)
	return sub, nil
}

// Flush attempts delivery of every queued submission. Delivered entries are
// removed; failed ones stay queued for the next pass. Entries enqueued while
// the pass runs are kept untouched. When ctx ends mid-pass the untried
// entries are left as they were and ctx's error is returned with the partial
// result. If another process holds the flush lock, Flush returns an empty
// result without delivering anything.
func (q *Queue) Flush(ctx context.Context) (model.FlushResult, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	if err := ctx.Err(); err != nil {
		return model.FlushResult{}, err
	}

	lease, ok, err := q.acquireFlushLease(ctx)
	if err != nil {
		return model.FlushResult{}, fmt.Errorf("acquire flush lock: %w", err)
	}
	if !ok {
		q.logger.Debug("flush already running in another process")
		return model.FlushResult{}, nil
	}
	defer lease.release()

	started := q.now()

	q.mu.Lock()
	snapshot, err := q.load(ctx)
	q.mu.Unlock()
	if err != nil {
		return model.FlushResult{}, fmt.Errorf("read queue: %w", err)
	}
	if len(snapshot) == 0 {
		return model.FlushResult{}, nil
	}

	delivered := make(map[string]struct{}, len(snapshot))
	failed := make(map[string]string)
	var interrupted error

	for _, sub := range snapshot {
		if err := ctx.Err(); err != nil {
			interrupted = err
			break
		}
		if err := lease.refresh(ctx); err != nil {
			interrupted = fmt.Errorf("flush lock lost: %w", err)
			break
		}
		ticket, err := q.create(ctx, sub.Payload)
		if err != nil {
			if ctx.Err() != nil {
				interrupted = ctx.Err()
				break
			}
			q.logger.Warn("queued submission not delivered", "temporary_id", sub.TemporaryID, "attempts", sub.Attempts+1, "error", err)
			failed[sub.TemporaryID] = err.Error()
			continue
		}
		delivered[sub.TemporaryID] = struct{}{}
		q.logger.Info("queued submission delivered", "temporary_id", sub.TemporaryID, "ticket", ticket.ID)
		q.listener.Delivered(sub, ticket)
	}

	result := model.FlushResult{Synced: len(delivered), Failed: len(failed)}

	remaining, err := q.mutate(context.WithoutCancel(ctx), func(current []model.QueuedSubmission) []model.QueuedSubmission {
		kept := make([]model.QueuedSubmission, 0, len(current))
		for _, sub := range current {
			if _, ok := delivered[sub.TemporaryID]; ok {
				continue
			}
			if reason, ok := failed[sub.TemporaryID]; ok {
				sub.Attempts++
				sub.LastError = reason
			}
			kept = append(kept, sub)
		}
		return kept
	})
	if err != nil {
		return result, fmt.Errorf("persist queue: %w", err)
	}

	elapsed := q.now().Sub(started)
	q.logger.Info("flush finished", "synced", result.Synced, "failed", result.Failed, "pending", len(remaining), "elapsed", elapsed)
	q.listener.Flushed(result, len(remaining), elapsed)

	if interrupted != nil {
		q.logger.Warn("flush interrupted", "untried", len(snapshot)-result.Synced-result.Failed, "error", interrupted)
		return result, interrupted
	}
	return result, nil
}

// Inspect returns a snapshot of the queued submissions in enqueue order.
func (q *Queue) Inspect(ctx context.Context) []model.QueuedSubmission {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries, err := q.load(ctx)
	if err != nil {
		q.logger.Error("read queue", "error", err)
		return []model.QueuedSubmission{}
	}
	return entries
}

// Pending returns the number of queued submissions.
func (q *Queue) Pending(ctx context.Context) int {
	return len(q.Inspect(ctx))
}

// create calls the remote store bounded by the submit timeout. The bound holds
// even when the creator ignores its context.
func (q *Queue) create(ctx context.Context, payload model.TicketPayload) (model.Ticket, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	type result struct {
		ticket model.Ticket
		err    error
	}
	done := make(chan result, 1)
	go func() {
		ticket, err := q.creator.CreateTicket(ctx, payload)
		done <- result{ticket: ticket, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return model.Ticket{}, fmt.Errorf("create ticket: %w", r.err)
		}
		return r.ticket, nil
	case <-ctx.Done():
		return model.Ticket{}, fmt.Errorf("create ticket: %w", ctx.Err())
	}
}

// load reads the persisted list. An unparseable value is discarded and the
// queue treated as empty.
func (q *Queue) load(ctx context.Context) ([]model.QueuedSubmission, error) {
	raw, ok, err := q.storage.Get(ctx, StorageKey)
	if err != nil {
		return nil, err
	}
	entries, corrupted := q.decode(raw, ok)
	if corrupted {
		if rerr := q.storage.Remove(ctx, StorageKey); rerr != nil {
			q.logger.Error("remove corrupted queue value", "error", rerr)
		}
	}
	return entries, nil
}

// mutate applies fn to the persisted list and stores the result. When the
// storage is an Updater the change is atomic across processes as well.
func (q *Queue) mutate(ctx context.Context, fn func([]model.QueuedSubmission) []model.QueuedSubmission) ([]model.QueuedSubmission, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u, ok := q.storage.(Updater); ok {
		var next []model.QueuedSubmission
		err := u.Update(ctx, StorageKey, func(current []byte, found bool) ([]byte, error) {
			entries, _ := q.decode(current, found)
			next = fn(entries)
			return encode(next)
		})
		if err != nil {
			return nil, err
		}
		return next, nil
	}

	entries, err := q.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	next := fn(entries)
	raw, err := encode(next)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		err = q.storage.Remove(ctx, StorageKey)
	} else {
		err = q.storage.Set(ctx, StorageKey, raw)
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (q *Queue) decode(raw []byte, found bool) (entries []model.QueuedSubmission, corrupted bool) {
	if !found || len(raw) == 0 {
		return []model.QueuedSubmission{}, false
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		q.logger.Warn("discarding corrupted queue value", "bytes", len(raw), "error", err)
		return []model.QueuedSubmission{}, true
	}
	if entries == nil {
		entries = []model.QueuedSubmission{}
	}
	return entries, false
}

// encode returns nil for an empty list so the key is removed.
func encode(entries []model.QueuedSubmission) ([]byte, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode queue: %w", err)
	}
	return raw, nil
}

type flushLease struct {
	locker Locker
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

// acquireFlushLease takes the cross-process flush lock when the storage
// provides one. The lock outlives one remote call and is refreshed before
// each delivery.
func (q *Queue) acquireFlushLease(ctx context.Context) (*flushLease, bool, error) {
	locker, ok := q.storage.(Locker)
	if !ok {
		return &flushLease{}, true, nil
	}
	lease := &flushLease{
		locker: locker,
		token:  uuid.NewString(),
		ttl:    2*q.timeout + 5*time.Second,
		logger: q.logger,
	}
	acquired, err := locker.TryLock(ctx, FlushLockName, lease.token, lease.ttl)
	if err != nil || !acquired {
		return nil, false, err
	}
	return lease, true, nil
}

func (l *flushLease) refresh(ctx context.Context) error {
	if l.locker == nil {
		return nil
	}
	return l.locker.RefreshLock(ctx, FlushLockName, l.token, l.ttl)
}

func (l *flushLease) release() {
	if l.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.locker.Unlock(ctx, FlushLockName, l.token); err != nil {
		l.logger.Warn("release flush lock", "error", err)
	}
}

func newTemporaryID(now time.Time) string {
	return fmt.Sprintf("tmp-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}

func uniqueTemporaryID(now time.Time, entries []model.QueuedSubmission) string {
	for {
		id := newTemporaryID(now)
		clash := false
		for _, e := range entries {
			if e.TemporaryID == id {
				clash = true
				break
			}
		}
		if !clash {
			return id
		}
	}
}

type nopListener struct{}

func (nopListener) Enqueued(model.QueuedSubmission, int)           {}
func (nopListener) Delivered(model.QueuedSubmission, model.Ticket) {}
func (nopListener) Flushed(model.FlushResult, int, time.Duration)  {}
