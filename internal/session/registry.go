// Package session tracks live relay sessions for listing, idle expiry and
// shutdown.
package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateConnecting   State = "connecting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var ErrNotFound = errors.New("session not found")

type Session struct {
	ID             string    `json:"session_id"`
	RemoteAddr     string    `json:"remote_addr,omitempty"`
	State          State     `json:"state"`
	Reconnects     int       `json:"reconnects"`
	Turns          int       `json:"turns"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	s      Session
	cancel context.CancelFunc
}

// Registry holds one entry per live connection. Entries are removed when the
// connection's run loop exits, so Wait returns once every session is torn down.
type Registry struct {
	mu                sync.RWMutex
	sessions          map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session)
	wg                sync.WaitGroup
}

func NewRegistry(inactivityTimeout time.Duration) *Registry {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Registry{
		sessions:          make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (r *Registry) SetExpireHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Register adds a connecting session. cancel is invoked by the janitor and by
// CancelAll; the caller must Unregister when its run loop exits.
func (r *Registry) Register(remoteAddr string, cancel context.CancelFunc) Session {
	now := time.Now().UTC()
	s := Session{
		ID:             uuid.NewString(),
		RemoteAddr:     remoteAddr,
		State:          StateConnecting,
		StartedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = &entry{s: s, cancel: cancel}
	r.wg.Add(1)
	return s
}

func (r *Registry) Unregister(sessionID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	delete(r.sessions, sessionID)
	e.s.State = StateClosed
	e.s.LastActivityAt = time.Now().UTC()
	r.wg.Done()
	return e.s, nil
}

func (r *Registry) Get(sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.s, nil
}

// List returns a snapshot of live sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) SetState(sessionID string, state State) error {
	return r.update(sessionID, func(s *Session) { s.State = state })
}

// Touch records inbound client activity.
func (r *Registry) Touch(sessionID string) error {
	return r.update(sessionID, func(s *Session) { s.LastActivityAt = time.Now().UTC() })
}

func (r *Registry) AddReconnect(sessionID string) error {
	return r.update(sessionID, func(s *Session) { s.Reconnects++ })
}

func (r *Registry) AddTurn(sessionID string) error {
	return r.update(sessionID, func(s *Session) { s.Turns++ })
}

func (r *Registry) update(sessionID string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	fn(&e.s)
	return nil
}

// CancelAll cancels every live session. Use Wait to block until they exit.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, e := range r.sessions {
		cancels = append(cancels, e.cancel)
	}
	r.mu.RUnlock()
	for _, cancel := range cancels {
		if cancel != nil {
			cancel()
		}
	}
}

// Wait blocks until every registered session has been unregistered or ctx
// is done.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.expireInactive()
			}
		}
	}()
}

func (r *Registry) expireInactive() {
	now := time.Now().UTC()
	var (
		expired []Session
		cancels []context.CancelFunc
	)

	r.mu.Lock()
	for _, e := range r.sessions {
		if e.s.State == StateClosed {
			continue
		}
		if now.Sub(e.s.LastActivityAt) < r.inactivityTimeout {
			continue
		}
		e.s.State = StateClosed
		expired = append(expired, e.s)
		cancels = append(cancels, e.cancel)
	}
	hook := r.onExpire
	r.mu.Unlock()

	for i, s := range expired {
		if cancels[i] != nil {
			cancels[i]()
		}
		if hook != nil {
			hook(s)
		}
	}
}
