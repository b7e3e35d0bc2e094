package asr

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Gauge is the subset of prometheus.Gauge the manager reports live keepalive
// timers through.
type Gauge interface {
	Inc()
	Dec()
}

type ManagerConfig struct {
	Dialer            Dialer
	Options           Options
	KeepAliveInterval time.Duration
	KeepAliveGauge    Gauge
	Logger            *slog.Logger
}

// Manager owns exactly one backend stream and its keepalive ticker. A manager
// is opened at most once; reconnecting means building a new one.
type Manager struct {
	cfg    ManagerConfig
	events chan Event
	done   chan struct{}

	mu            sync.Mutex
	handle        Handle
	dialed        bool
	dialFailed    bool
	closed        bool
	keepAliveStop chan struct{}
	timerStarts   int
	timerStops    int
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		events: make(chan Event),
		done:   make(chan struct{}),
	}
}

// Events delivers stream events in order. It is closed when the stream ends,
// when the dial fails, or by Close on a manager that was never opened. Once
// Close returns, remaining events are drained internally and never sent.
func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.dialed {
		return ErrAlreadyOpened
	}
	m.dialed = true

	h, err := m.cfg.Dialer.Dial(ctx, m.cfg.Options)
	if err != nil {
		m.dialFailed = true
		close(m.events)
		return err
	}
	m.handle = h
	go m.pump(h)
	return nil
}

// Send forwards one audio chunk. It fails with ErrNotOpen unless the stream is
// Open; callers decide whether that warrants a reconnect.
func (m *Manager) Send(chunk []byte) error {
	m.mu.Lock()
	if m.readyStateLocked() != Open {
		m.mu.Unlock()
		return ErrNotOpen
	}
	h := m.handle
	m.mu.Unlock()
	return h.Send(chunk)
}

func (m *Manager) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyStateLocked()
}

func (m *Manager) readyStateLocked() ReadyState {
	switch {
	case m.closed, m.dialFailed:
		return Closed
	case m.handle == nil:
		return Opening
	default:
		return m.handle.ReadyState()
	}
}

// Close cancels the keepalive ticker, detaches event delivery and finishes the
// stream. It is synchronous and idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopKeepAliveLocked()
	close(m.done)
	h := m.handle
	if !m.dialed {
		close(m.events)
	}
	m.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.Finish()
}

// KeepAliveStats reports how many keepalive tickers this manager started and
// cancelled. Both are at most one.
func (m *Manager) KeepAliveStats() (started, stopped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timerStarts, m.timerStops
}

func (m *Manager) pump(h Handle) {
	defer close(m.events)
	for ev := range h.Events() {
		m.observe(h, ev)
		select {
		case <-m.done:
			continue
		default:
		}
		select {
		case m.events <- ev:
		case <-m.done:
		}
	}
	// The handle may end without a closed event on abrupt failures.
	m.mu.Lock()
	m.stopKeepAliveLocked()
	m.mu.Unlock()
}

func (m *Manager) observe(h Handle, ev Event) {
	switch ev.Type {
	case EventOpened:
		m.mu.Lock()
		if !m.closed {
			m.startKeepAliveLocked(h)
		}
		m.mu.Unlock()
	case EventClosed:
		m.mu.Lock()
		m.stopKeepAliveLocked()
		m.mu.Unlock()
	case EventError, EventWarning:
		m.cfg.Logger.Debug("asr stream event", "type", ev.Type, "info", ev.Info, "error", ev.Err)
	}
}

func (m *Manager) startKeepAliveLocked(h Handle) {
	if m.timerStarts > 0 {
		return
	}
	m.timerStarts++
	stop := make(chan struct{})
	m.keepAliveStop = stop
	if m.cfg.KeepAliveGauge != nil {
		m.cfg.KeepAliveGauge.Inc()
	}

	ticker := time.NewTicker(m.cfg.KeepAliveInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				select {
				case <-stop:
					return
				default:
				}
				if err := h.KeepAlive(); err != nil {
					m.cfg.Logger.Debug("asr keepalive failed", "error", err)
				}
			}
		}
	}()
}

func (m *Manager) stopKeepAliveLocked() {
	if m.keepAliveStop == nil {
		return
	}
	close(m.keepAliveStop)
	m.keepAliveStop = nil
	m.timerStops++
	if m.cfg.KeepAliveGauge != nil {
		m.cfg.KeepAliveGauge.Dec()
	}
}

// MetadataJSON returns the raw metadata payload, falling back to a JSON string
// of the info text when the backend sent nothing structured.
func (e Event) MetadataJSON() json.RawMessage {
	if len(e.Raw) > 0 {
		return e.Raw
	}
	b, _ := json.Marshal(e.Info)
	return b
}
