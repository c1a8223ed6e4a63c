// Package netmon is the single source of truth for connectivity.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remindly/remindly/internal/metrics"
)

// Monitor tracks whether the network is reachable and fans transitions
// out to subscribers. Constructed once at process start and injected
// into everything that needs connectivity, never ambient global state.
type Monitor struct {
	mu          sync.Mutex
	online      bool
	subscribers map[int]func(bool)
	nextID      int

	probeURL string
	client   *http.Client
	logger   *zap.Logger
}

// Config holds probe settings.
type Config struct {
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// New creates a monitor that assumes the initial state given by
// initialOnline. Platform connectivity events arrive either through
// Run's periodic probe or through SetOnline.
func New(cfg Config, initialOnline bool, logger *zap.Logger) *Monitor {
	timeout := cfg.ProbeTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	m := &Monitor{
		online:      initialOnline,
		subscribers: make(map[int]func(bool)),
		probeURL:    cfg.ProbeURL,
		client:      &http.Client{Timeout: timeout},
		logger:      logger,
	}
	metrics.SetOnline(initialOnline)
	return m
}

// IsOnline reports the last observed connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a callback invoked on every transition. The
// current state is replayed immediately, so a late subscriber never
// holds a stale view. The returned func unsubscribes.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = fn
	current := m.online
	m.mu.Unlock()

	m.invoke(fn, current)

	return func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}
}

// SetOnline records a connectivity transition and notifies subscribers
// synchronously. No-op when the state is unchanged.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	metrics.SetOnline(online)
	m.logger.Info("connectivity changed", zap.Bool("online", online))

	for _, fn := range subs {
		m.invoke(fn, online)
	}
}

// invoke isolates subscriber faults: one panicking callback must not
// prevent the others from being notified.
func (m *Monitor) invoke(fn func(bool), online bool) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("connectivity subscriber panicked",
				zap.Any("panic", rec),
			)
		}
	}()
	fn(online)
}

// Run probes the configured endpoint until ctx is cancelled, feeding
// transitions into SetOnline. Probe errors mean offline; any response,
// even a 5xx, means the network path is up.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if m.probeURL == "" {
		m.logger.Warn("no probe URL configured, connectivity is event-driven only")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
