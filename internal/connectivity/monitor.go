// Package connectivity tracks whether the remote ticket store is reachable
// and announces online/offline transitions.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultInterval = 15 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Pinger is anything that can cheaply confirm the remote store answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Monitor probes a Pinger periodically. It starts out online so the first
// submission tries the network before any probe has run.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	online atomic.Bool

	mu          sync.Mutex
	subscribers []func(online bool)
}

// NewMonitor constructs a monitor. Non-positive durations select defaults.
func NewMonitor(pinger Pinger, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "connectivity"),
	}
	m.online.Store(true)
	return m
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn to run on every transition. fn runs on the probing
// goroutine and should hand long work off.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// Check probes once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.pinger.PingContext(probeCtx)
	if err != nil {
		m.logger.Debug("probe failed", "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Set records a state observed by other means, such as a failed request.
func (m *Monitor) Set(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	if online {
		m.logger.Info("remote store reachable")
	} else {
		m.logger.Warn("remote store unreachable")
	}

	m.mu.Lock()
	subs := append([]func(bool){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Run probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
