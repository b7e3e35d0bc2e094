package asr

import (
	"context"
	"errors"
	"sync"
)

// MockDialer is a local fallback used when no ASR credentials are configured.
// Tests also drive its handles directly.
type MockDialer struct {
	// AutoOpen makes new handles emit opened as soon as they are dialed.
	AutoOpen bool
	// TranscriptEvery emits a final transcript after this many chunks; zero
	// disables it.
	TranscriptEvery int
	Transcript      string
	// Reject, when set, makes the n-th dial (zero-based) fail with error+closed
	// instead of opening.
	Reject func(n int) bool

	mu      sync.Mutex
	handles []*MockHandle
}

func NewMockDialer() *MockDialer {
	return &MockDialer{AutoOpen: true, TranscriptEvery: 8, Transcript: "simulated voice input"}
}

func (d *MockDialer) Dial(_ context.Context, _ Options) (Handle, error) {
	d.mu.Lock()
	n := len(d.handles)
	h := &MockHandle{
		events:          make(chan Event, 256),
		transcriptEvery: d.TranscriptEvery,
		transcript:      d.Transcript,
	}
	d.handles = append(d.handles, h)
	autoOpen, reject := d.AutoOpen, d.Reject
	d.mu.Unlock()

	switch {
	case reject != nil && reject(n):
		h.Fail(errors.New("mock dial rejected"))
	case autoOpen:
		h.Open()
	}
	return h, nil
}

func (d *MockDialer) Handles() []*MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*MockHandle(nil), d.handles...)
}

// Last returns the most recently dialed handle, or nil.
func (d *MockDialer) Last() *MockHandle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}

type MockHandle struct {
	mu              sync.Mutex
	state           ReadyState
	events          chan Event
	eventsClosed    bool
	sent            [][]byte
	keepAlives      int
	finished        bool
	transcriptEvery int
	transcript      string
}

func (h *MockHandle) Send(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Open {
		return ErrNotOpen
	}
	h.sent = append(h.sent, append([]byte(nil), chunk...))
	if h.transcriptEvery > 0 && len(h.sent)%h.transcriptEvery == 0 {
		h.emitLocked(Event{Type: EventTranscript, Text: h.transcript, IsFinal: true, SpeechFinal: true})
	}
	return nil
}

func (h *MockHandle) KeepAlive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Open {
		return ErrNotOpen
	}
	h.keepAlives++
	return nil
}

func (h *MockHandle) Finish() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = true
	h.state = Closed
	h.emitLocked(Event{Type: EventClosed})
	return nil
}

func (h *MockHandle) ReadyState() ReadyState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *MockHandle) Events() <-chan Event { return h.events }

// Open moves the handle to Open and emits opened.
func (h *MockHandle) Open() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Opening {
		return
	}
	h.state = Open
	h.emitLocked(Event{Type: EventOpened})
}

// Fail emits error then closed, as a stream that could not be established or
// was dropped by the server.
func (h *MockHandle) Fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == Closed {
		return
	}
	h.state = Closed
	h.emitLocked(Event{Type: EventError, Info: "mock failure", Err: err})
	h.emitLocked(Event{Type: EventClosed})
}

// SetReadyState changes readiness without emitting anything, as a socket that
// went away before its close event was delivered.
func (h *MockHandle) SetReadyState(s ReadyState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
}

// Emit delivers ev unless the event stream already ended. It reports whether
// the event was queued.
func (h *MockHandle) Emit(ev Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.emitLocked(ev)
}

func (h *MockHandle) emitLocked(ev Event) bool {
	if h.eventsClosed {
		return false
	}
	queued := false
	select {
	case h.events <- ev:
		queued = true
	default:
	}
	// The stream ends on closed even if the event itself did not fit.
	if ev.Type == EventClosed {
		h.eventsClosed = true
		close(h.events)
	}
	return queued
}

func (h *MockHandle) Sent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.sent...)
}

func (h *MockHandle) KeepAlives() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keepAlives
}

func (h *MockHandle) Finished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finished
}
