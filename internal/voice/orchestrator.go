package voice

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ent0n29/voicerelay/internal/asr"
	"github.com/ent0n29/voicerelay/internal/completion"
	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/memory"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/policy"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/reliability"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/transport"
)

type Config struct {
	ASROptions           asr.Options
	KeepAliveInterval    time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	MaxReconnectFailures int
	// MinHealthyStream is how long a stream must stay open, absent any
	// transcript or metadata, before its death stops counting as a failure.
	MinHealthyStream time.Duration
	BackendTimeout   time.Duration
	HistoryMaxTurns  int
	TurnPolicy       string
}

const (
	memorySaveTimeout  = 2 * time.Second
	serialQueueSize    = 32
	errorCodeASRFailed = "asr_unavailable"
)

// Orchestrator relays one client connection through ASR, completion and
// synthesis. It holds no per-session state; RunConnection owns that.
type Orchestrator struct {
	cfg       Config
	sessions  *session.Registry
	dialer    asr.Dialer
	completer completion.Invoker
	synth     Synthesizer
	store     memory.Store
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewOrchestrator(
	cfg Config,
	sessions *session.Registry,
	dialer asr.Dialer,
	completer completion.Invoker,
	synth Synthesizer,
	store memory.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 10 * time.Second
	}
	if cfg.MaxReconnectFailures <= 0 {
		cfg.MaxReconnectFailures = 5
	}
	if cfg.MinHealthyStream <= 0 {
		cfg.MinHealthyStream = 2 * time.Second
	}
	if cfg.BackendTimeout <= 0 {
		cfg.BackendTimeout = 60 * time.Second
	}
	if cfg.TurnPolicy != config.TurnPolicySerialize {
		cfg.TurnPolicy = config.TurnPolicyInterleave
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		dialer:    dialer,
		completer: completer,
		synth:     synth,
		store:     store,
		metrics:   metrics,
		logger:    logger,
	}
}

// RunConnection drives one client connection until the client disconnects,
// ctx is cancelled or the ASR reconnect breaker trips. The channel is closed
// on return.
func (o *Orchestrator) RunConnection(ctx context.Context, ch transport.Channel, remoteAddr string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := o.sessions.Register(remoteAddr, cancel)
	defer func() { _, _ = o.sessions.Unregister(s.ID) }()

	o.metrics.ActiveSessions.Inc()
	defer o.metrics.ActiveSessions.Dec()
	o.metrics.SessionEvents.WithLabelValues("started").Inc()

	r := &runner{
		o:       o,
		id:      s.ID,
		ch:      ch,
		log:     o.logger.With("session_id", s.ID),
		conv:    NewConversation(o.cfg.HistoryMaxTurns),
		closed:  make(chan struct{}),
		wakeups: make(chan *asr.Manager),
		policy: reliability.ReconnectPolicy{
			BackoffBase: o.cfg.ReconnectBackoffBase,
			BackoffMax:  o.cfg.ReconnectBackoffMax,
			MaxFailures: o.cfg.MaxReconnectFailures,
		},
	}
	r.log.Info("session started", "remote_addr", remoteAddr)
	err := r.run(ctx)
	r.log.Info("session ended", "turns", r.seq, "error", err)
	o.metrics.SessionEvents.WithLabelValues("ended").Inc()
	return err
}

type turnCycle struct {
	seq     uint64
	text    string
	started time.Time
}

// runner is the state of one session. Fields below the divider are owned by
// the run loop goroutine; turn cycles only touch conv, ch and closed.
type runner struct {
	o      *Orchestrator
	id     string
	ch     transport.Channel
	log    *slog.Logger
	conv   *Conversation
	closed chan struct{}
	ctx    context.Context

	state     session.State
	asr       *asr.Manager
	asrEvents <-chan asr.Event
	asrOpened bool
	// asrOpenedAt and asrProductive decide whether the current stream counts
	// as healthy once it dies.
	asrOpenedAt   time.Time
	asrProductive bool
	policy        reliability.ReconnectPolicy
	backoff       *time.Timer
	wakeups       chan *asr.Manager
	lastErr       error
	seq           uint64
	queue         chan turnCycle
}

func (r *runner) run(ctx context.Context) error {
	r.ctx = ctx
	defer r.teardown()

	if r.o.cfg.TurnPolicy == config.TurnPolicySerialize {
		r.queue = make(chan turnCycle, serialQueueSize)
		go r.serialWorker()
	}

	r.setState(session.StateConnecting)
	r.open(ctx, r.newManager())

	frames := r.ch.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ch.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := r.handleFrame(ctx, f); err != nil {
				return err
			}
		case ev, ok := <-r.asrEvents:
			if !ok {
				r.asrEvents = nil
				continue
			}
			r.handleASREvent(ev)
		case m := <-r.wakeups:
			if m == r.asr {
				r.backoff = nil
				r.open(ctx, m)
			}
		}
	}
}

func (r *runner) teardown() {
	close(r.closed)
	r.closeASR()
	r.setState(session.StateClosed)
	_ = r.ch.Close()
}

func (r *runner) setState(st session.State) {
	if r.state == st {
		return
	}
	r.state = st
	_ = r.o.sessions.SetState(r.id, st)
	r.o.metrics.SessionEvents.WithLabelValues(string(st)).Inc()
}

func (r *runner) newManager() *asr.Manager {
	m := asr.NewManager(asr.ManagerConfig{
		Dialer:            r.o.dialer,
		Options:           r.o.cfg.ASROptions,
		KeepAliveInterval: r.o.cfg.KeepAliveInterval,
		KeepAliveGauge:    r.o.metrics.KeepAliveTimers,
		Logger:            r.log,
	})
	r.asr = m
	r.asrEvents = m.Events()
	r.asrOpened = false
	r.asrOpenedAt = time.Time{}
	r.asrProductive = false
	return m
}

func (r *runner) open(ctx context.Context, m *asr.Manager) {
	if err := m.Open(ctx); err != nil {
		r.lastErr = err
		r.o.metrics.ProviderErrors.WithLabelValues("asr", "dial").Inc()
		r.log.Warn("asr open failed", "error", err)
	}
}

// closeASR releases the current manager: backoff timer, keepalive ticker,
// event delivery and the stream itself.
func (r *runner) closeASR() {
	if r.backoff != nil {
		r.backoff.Stop()
		r.backoff = nil
	}
	if r.asr == nil {
		return
	}
	_ = r.asr.Close()
	r.asr = nil
	r.asrEvents = nil
}

func (r *runner) handleFrame(ctx context.Context, f transport.Frame) error {
	_ = r.o.sessions.Touch(r.id)
	r.o.metrics.WSMessages.WithLabelValues("in", f.Kind.String()).Inc()

	switch f.Kind {
	case transport.FrameBinary:
		return r.handleAudio(ctx, f.Data)
	case transport.FrameText:
		if _, err := protocol.DecodeClientText(f.Data); err != nil {
			r.o.metrics.SessionEvents.WithLabelValues("malformed_frame").Inc()
			r.log.Warn("dropping client frame", "error", err)
		}
	}
	return nil
}

func (r *runner) handleAudio(ctx context.Context, chunk []byte) error {
	switch r.asr.ReadyState() {
	case asr.Open:
		if err := r.asr.Send(chunk); err != nil {
			r.o.metrics.AudioChunks.WithLabelValues("send_failed").Inc()
			r.log.Debug("asr send failed", "error", err)
			return nil
		}
		r.o.metrics.AudioChunks.WithLabelValues("forwarded").Inc()
	case asr.Opening:
		r.o.metrics.AudioChunks.WithLabelValues("dropped_opening").Inc()
	default:
		r.o.metrics.AudioChunks.WithLabelValues("dropped_reconnect").Inc()
		return r.reconnect(ctx)
	}
	return nil
}

// reconnect replaces a dead stream. The old manager is fully released before
// the new one exists; the new one is opened immediately or after backoff.
func (r *runner) reconnect(ctx context.Context) error {
	if r.streamWasHealthy() {
		r.policy.Healthy()
	} else {
		r.policy.Failed()
		r.o.metrics.ASRReconnects.WithLabelValues("failed").Inc()
	}
	r.closeASR()

	if r.policy.Tripped() {
		return r.fail()
	}

	r.setState(session.StateReconnecting)
	_ = r.o.sessions.AddReconnect(r.id)
	r.o.metrics.ASRReconnects.WithLabelValues("started").Inc()

	m := r.newManager()
	delay := r.policy.NextDelay()
	r.log.Info("asr stream reconnecting", "failures", r.policy.Failures(), "delay", delay)
	if delay <= 0 {
		r.open(ctx, m)
		return nil
	}
	closed := r.closed
	wakeups := r.wakeups
	r.backoff = time.AfterFunc(delay, func() {
		select {
		case wakeups <- m:
		case <-closed:
		}
	})
	return nil
}

// streamWasHealthy reports whether the dying stream did useful work: it
// delivered a transcript or metadata, or stayed open for MinHealthyStream.
// A stream that opens and dies straight away counts as a failure.
func (r *runner) streamWasHealthy() bool {
	if !r.asrOpened {
		return false
	}
	return r.asrProductive || time.Since(r.asrOpenedAt) >= r.o.cfg.MinHealthyStream
}

func (r *runner) fail() error {
	cause := r.lastErr
	if cause == nil {
		cause = errors.New("stream never opened")
	}
	err := &reliability.AsrStreamError{Failures: r.policy.Failures(), Err: cause}
	r.o.metrics.ASRReconnects.WithLabelValues("breaker_tripped").Inc()
	r.log.Error("asr reconnect breaker tripped", "error", err)

	if payload, encErr := protocol.EncodeError(errorCodeASRFailed, "asr", err.Error()); encErr == nil {
		r.sendText(payload)
	}
	return err
}

func (r *runner) handleASREvent(ev asr.Event) {
	switch ev.Type {
	case asr.EventOpened:
		if r.state == session.StateReconnecting {
			r.o.metrics.ASRReconnects.WithLabelValues("opened").Inc()
		}
		r.asrOpened = true
		r.asrOpenedAt = time.Now()
		r.lastErr = nil
		r.setState(session.StateActive)
		r.log.Info("asr stream opened")
	case asr.EventTranscript:
		r.asrProductive = true
		if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
			return
		}
		r.startCycle(ev.Text)
	case asr.EventMetadata:
		r.asrProductive = true
		payload, err := protocol.EncodeMetadata(ev.MetadataJSON())
		if err != nil {
			r.log.Warn("encode asr metadata", "error", err)
			return
		}
		r.sendText(payload)
	case asr.EventWarning:
		r.log.Warn("asr stream warning", "info", ev.Info)
	case asr.EventError:
		if ev.Err != nil {
			r.lastErr = ev.Err
		} else {
			r.lastErr = errors.New(ev.Info)
		}
		category := "stream"
		if be, ok := reliability.AsBackendError(ev.Err); ok {
			category = be.Category
		}
		r.o.metrics.ProviderErrors.WithLabelValues("asr", category).Inc()
		r.log.Warn("asr stream error", "info", ev.Info, "error", ev.Err)
	case asr.EventClosed:
		r.o.metrics.SessionEvents.WithLabelValues("asr_closed").Inc()
		r.log.Info("asr stream closed")
	}
}

// startCycle records the user turn immediately and schedules the rest of the
// cycle according to the turn policy.
func (r *runner) startCycle(text string) {
	r.seq++
	c := turnCycle{seq: r.seq, text: text, started: time.Now()}
	r.conv.AppendUser(text)
	r.archive(c.seq, completion.RoleUser, text)
	r.log.Debug("final transcript", "seq", c.seq, "text", policy.ForLog(text))

	if r.queue == nil {
		go r.runCycle(c)
		return
	}
	select {
	case r.queue <- c:
	default:
		r.o.metrics.TurnCycles.WithLabelValues("dropped_backlog").Inc()
		r.log.Warn("turn queue full, dropping cycle", "seq", c.seq)
	}
}

func (r *runner) serialWorker() {
	for {
		select {
		case <-r.closed:
			return
		case c := <-r.queue:
			r.runCycle(c)
		}
	}
}

// runCycle runs completion then synthesis on a context detached from the
// session, so a disconnect never cancels a backend call mid-flight; results
// that arrive after teardown are dropped.
func (r *runner) runCycle(c turnCycle) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.o.cfg.BackendTimeout)
	defer cancel()
	log := r.log.With("seq", c.seq)

	reply, err := r.o.completer.Complete(ctx, r.conv.Snapshot())
	if err == nil && strings.TrimSpace(reply) == "" {
		err = reliability.NewBackendError("completion", 0, errors.New("empty reply"))
	}
	if err != nil {
		r.cycleFailed(log, "completion", err)
		return
	}
	if r.isClosed() {
		r.o.metrics.TurnCycles.WithLabelValues("discarded").Inc()
		return
	}
	r.conv.AppendAssistant(reply)
	r.archive(c.seq, completion.RoleAssistant, reply)
	_ = r.o.sessions.AddTurn(r.id)
	r.o.metrics.ObserveStage(observability.StageCompletion, time.Since(c.started))

	payload, err := protocol.EncodeReply(reply)
	if err != nil || !r.sendText(payload) {
		r.o.metrics.TurnCycles.WithLabelValues("discarded").Inc()
		return
	}

	synthStart := time.Now()
	audio, err := r.o.synth.Synthesize(ctx, reply)
	if err != nil {
		r.cycleFailed(log, "synthesis", err)
		return
	}
	if r.isClosed() || !r.sendBinary(audio) {
		r.o.metrics.TurnCycles.WithLabelValues("discarded").Inc()
		return
	}
	r.o.metrics.ObserveStage(observability.StageSynthesis, time.Since(synthStart))
	r.o.metrics.ObserveStage(observability.StageTurnTotal, time.Since(c.started))
	r.o.metrics.TurnCycles.WithLabelValues("completed").Inc()
	log.Debug("turn cycle completed", "reply", policy.ForLog(reply), "audio_bytes", len(audio))
}

func (r *runner) cycleFailed(log *slog.Logger, stage string, err error) {
	service, category, retryable := stage, "unknown", false
	if be, ok := reliability.AsBackendError(err); ok {
		service, category, retryable = be.Service, be.Category, be.Retryable()
	}
	r.o.metrics.ProviderErrors.WithLabelValues(service, category).Inc()
	r.o.metrics.TurnCycles.WithLabelValues(stage + "_failed").Inc()
	r.o.metrics.Indicate(stage + "_failed")
	log.Warn("turn cycle aborted", "stage", stage, "category", category, "retryable", retryable, "error", err)
}

func (r *runner) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

func (r *runner) sendText(payload []byte) bool {
	if err := r.ch.SendText(payload); err != nil {
		r.log.Debug("drop outbound text frame", "error", err)
		return false
	}
	r.o.metrics.WSMessages.WithLabelValues("out", "text").Inc()
	return true
}

func (r *runner) sendBinary(payload []byte) bool {
	if err := r.ch.SendBinary(payload); err != nil {
		r.log.Debug("drop outbound audio frame", "error", err)
		return false
	}
	r.o.metrics.WSMessages.WithLabelValues("out", "binary").Inc()
	return true
}

// archive saves a turn best-effort; the live conversation never depends on it.
func (r *runner) archive(seq uint64, role completion.Role, text string) {
	if r.o.store == nil {
		return
	}
	rec := memory.TurnRecord{
		SessionID: r.id,
		Seq:       seq,
		Role:      string(role),
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), memorySaveTimeout)
		defer cancel()
		if err := r.o.store.SaveTurn(ctx, rec); err != nil {
			r.o.metrics.SessionEvents.WithLabelValues("archive_save_failed").Inc()
			r.log.Debug("archive turn failed", "error", err)
		}
	}()
}
