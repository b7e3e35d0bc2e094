package asr

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"github.com/ent0n29/voicerelay/internal/reliability"
)

const defaultDeepgramHost = "api.deepgram.com"

type DeepgramConfig struct {
	APIKey string
	// WSBaseURL overrides the live endpoint; empty or the public host selects
	// the SDK default.
	WSBaseURL string
}

// DeepgramDialer opens Deepgram live transcription streams through the
// Deepgram Go SDK callback client.
type DeepgramDialer struct {
	cfg DeepgramConfig
}

func NewDeepgramDialer(cfg DeepgramConfig) *DeepgramDialer {
	return &DeepgramDialer{cfg: cfg}
}

// Dial returns immediately with a handle in Opening; the SDK connects in the
// background and its outcome arrives as opened or error+closed.
func (d *DeepgramDialer) Dial(ctx context.Context, opts Options) (Handle, error) {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return nil, errors.New("deepgram api key is required")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	h := newDeepgramHandle(cancel)
	clientOptions := &interfaces.ClientOptions{
		APIKey: d.cfg.APIKey,
		Host:   deepgramHost(d.cfg.WSBaseURL),
	}
	conn, err := client.NewWebSocketUsingCallback(streamCtx, "", clientOptions, transcriptionOptions(opts), &deepgramReceiver{h: h})
	if err != nil {
		cancel()
		return nil, reliability.NewBackendError("deepgram", 0, err)
	}
	h.conn = conn
	go h.connect()
	return h, nil
}

func transcriptionOptions(opts Options) *interfaces.LiveTranscriptionOptions {
	o := &interfaces.LiveTranscriptionOptions{
		Model:       opts.Model,
		Language:    opts.Language,
		SmartFormat: opts.SmartFormat,
		Encoding:    opts.Encoding,
		SampleRate:  opts.SampleRate,
	}
	// Raw encodings need a channel count; containerised audio is detected.
	if opts.Encoding != "" {
		o.Channels = 1
	}
	return o
}

// deepgramHost reduces a websocket base URL to the host the SDK expects.
func deepgramHost(base string) string {
	base = strings.TrimSpace(base)
	if u, err := url.Parse(base); err == nil && u.Host != "" {
		base = u.Host
	}
	base = strings.TrimRight(base, "/")
	if strings.EqualFold(base, defaultDeepgramHost) {
		return ""
	}
	return base
}

type deepgramHandle struct {
	state      atomic.Int32
	events     chan Event
	cancel     context.CancelFunc
	conn       *client.WSCallback
	openOnce   sync.Once
	finishOnce sync.Once

	mu           sync.Mutex
	finished     bool
	eventsClosed bool
}

func newDeepgramHandle(cancel context.CancelFunc) *deepgramHandle {
	h := &deepgramHandle{
		events: make(chan Event, 256),
		cancel: cancel,
	}
	h.state.Store(int32(Opening))
	return h
}

func (h *deepgramHandle) ReadyState() ReadyState { return ReadyState(h.state.Load()) }

func (h *deepgramHandle) Events() <-chan Event { return h.events }

func (h *deepgramHandle) Send(chunk []byte) error {
	if h.ReadyState() != Open {
		return ErrNotOpen
	}
	if _, err := h.conn.Write(chunk); err != nil {
		// A failed write leaves the stream unusable; surface it so the next
		// chunk triggers a reconnect.
		h.emit(Event{Type: EventError, Info: "stream write failed", Err: reliability.NewBackendError("deepgram", 0, err)})
		h.closeEvents()
		return err
	}
	return nil
}

func (h *deepgramHandle) KeepAlive() error {
	if h.ReadyState() != Open {
		return ErrNotOpen
	}
	return h.conn.KeepAlive()
}

// Finish asks the server to flush and close. The SDK call runs in the
// background; closed follows once it returns.
func (h *deepgramHandle) Finish() error {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return nil
	}
	h.finished = true
	wasOpen := h.ReadyState() == Open
	if h.ReadyState() != Closed {
		h.state.Store(int32(Closing))
	}
	h.mu.Unlock()

	if !wasOpen {
		// connect observes the cancellation and closes the handle.
		h.cancel()
		return nil
	}
	go func() {
		h.finishConn()
		h.closeEvents()
	}()
	return nil
}

func (h *deepgramHandle) finishConn() {
	h.finishOnce.Do(func() {
		h.conn.Finish()
		h.cancel()
	})
}

func (h *deepgramHandle) connect() {
	ok := h.conn.Connect()

	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()

	switch {
	case finished:
		if ok {
			h.finishConn()
		}
		h.closeEvents()
	case !ok:
		h.emit(Event{
			Type: EventError,
			Info: "connect failed",
			Err:  reliability.NewBackendError("deepgram", 0, errors.New("connect asr websocket failed")),
		})
		h.closeEvents()
	default:
		h.markOpen()
	}
}

// markOpen moves Opening to Open once, whichever of Connect and the open
// callback gets there first.
func (h *deepgramHandle) markOpen() {
	h.openOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.eventsClosed || !h.state.CompareAndSwap(int32(Opening), int32(Open)) {
			return
		}
		h.events <- Event{Type: EventOpened}
	})
}

func (h *deepgramHandle) emit(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.eventsClosed {
		return
	}
	h.events <- ev
}

func (h *deepgramHandle) closeEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Store(int32(Closed))
	if h.eventsClosed {
		return
	}
	h.eventsClosed = true
	h.events <- Event{Type: EventClosed}
	close(h.events)
}

// deepgramReceiver implements msginterfaces.LiveMessageCallback and turns SDK
// callbacks into handle events.
type deepgramReceiver struct {
	h *deepgramHandle
}

func (r *deepgramReceiver) Open(*msginterfaces.OpenResponse) error {
	r.h.markOpen()
	return nil
}

func (r *deepgramReceiver) Message(mr *msginterfaces.MessageResponse) error {
	text := ""
	if len(mr.Channel.Alternatives) > 0 {
		text = mr.Channel.Alternatives[0].Transcript
	}
	raw, _ := json.Marshal(mr)
	r.h.emit(Event{Type: EventTranscript, Text: text, IsFinal: mr.IsFinal, SpeechFinal: mr.SpeechFinal, Raw: raw})
	return nil
}

func (r *deepgramReceiver) Metadata(md *msginterfaces.MetadataResponse) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	r.h.emit(Event{Type: EventMetadata, Raw: raw})
	return nil
}

func (r *deepgramReceiver) SpeechStarted(*msginterfaces.SpeechStartedResponse) error { return nil }

func (r *deepgramReceiver) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error { return nil }

func (r *deepgramReceiver) Close(*msginterfaces.CloseResponse) error {
	r.h.closeEvents()
	return nil
}

func (r *deepgramReceiver) Error(er *msginterfaces.ErrorResponse) error {
	info := "stream error"
	if raw, err := json.Marshal(er); err == nil {
		var msg deepgramMessage
		if json.Unmarshal(raw, &msg) == nil {
			info = firstNonEmpty(msg.ErrMsg, msg.Description, msg.Message, msg.ErrCode, info)
		}
	}
	r.h.emit(Event{Type: EventError, Info: info, Err: reliability.NewBackendError("deepgram", 0, errors.New(info))})
	return nil
}

func (r *deepgramReceiver) UnhandledEvent(data []byte) error {
	if ev, ok := parseDeepgramMessage(data); ok {
		r.h.emit(ev)
	}
	return nil
}

type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
	Variant     string `json:"variant"`
	ErrCode     string `json:"err_code"`
	ErrMsg      string `json:"err_msg"`
}

// parseDeepgramMessage decodes frames the SDK routes to UnhandledEvent, such
// as warnings and legacy error payloads.
func parseDeepgramMessage(data []byte) (Event, bool) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{Type: EventWarning, Info: "unparseable asr message"}, true
	}
	raw := json.RawMessage(append([]byte(nil), data...))

	switch msg.Type {
	case "Results":
		text := ""
		if len(msg.Channel.Alternatives) > 0 {
			text = msg.Channel.Alternatives[0].Transcript
		}
		return Event{Type: EventTranscript, Text: text, IsFinal: msg.IsFinal, SpeechFinal: msg.SpeechFinal, Raw: raw}, true
	case "Metadata":
		return Event{Type: EventMetadata, Raw: raw}, true
	case "Warning":
		return Event{Type: EventWarning, Info: firstNonEmpty(msg.Description, msg.Message, msg.Variant)}, true
	case "Error":
		return Event{Type: EventError, Info: firstNonEmpty(msg.Description, msg.Message, msg.Variant)}, true
	case "SpeechStarted", "UtteranceEnd":
		return Event{}, false
	}
	if msg.ErrCode != "" || msg.ErrMsg != "" {
		return Event{Type: EventError, Info: firstNonEmpty(msg.ErrMsg, msg.ErrCode)}, true
	}
	return Event{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
