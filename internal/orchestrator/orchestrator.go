// Package orchestrator wires the transcript engine, patience controller,
// and relay deduplicator into one conversation session.
//
// The orchestrator is the single entry point for inbound transport events
// ([Orchestrator.Dispatch]) and the subscription surface for observers. All
// engine state lives behind one mutex: events are processed strictly in
// arrival order with no reentrancy, and scheduler callbacks (the engine's
// fallback timers) re-enter through the same lock. Observers are read-only
// downstream consumers — their callbacks run synchronously during dispatch
// and must not call back into the orchestrator.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attunelabs/attune/internal/engine"
	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/internal/patience"
	"github.com/attunelabs/attune/internal/relay"
	"github.com/attunelabs/attune/internal/sched"
	"github.com/attunelabs/attune/pkg/realtime"
	"github.com/attunelabs/attune/pkg/transcript"
)

// UpdateType classifies observer callbacks.
type UpdateType string

const (
	// UpdatePartial carries a message whose text is still growing.
	UpdatePartial UpdateType = "partial"

	// UpdateFinal carries a message whose text is committed.
	UpdateFinal UpdateType = "final"

	// UpdateStatus carries a session status change (connected, degraded…).
	UpdateStatus UpdateType = "status"

	// UpdateError carries an upstream session failure.
	UpdateError UpdateType = "error"
)

// Update is one observer notification.
type Update struct {
	Type UpdateType

	// Message is set for partial and final updates.
	Message *transcript.Message

	// Status is set for status updates.
	Status string

	// Err is the error description for error updates.
	Err string
}

// Config bundles the per-session tuning passed down to the engine and the
// patience controller.
type Config struct {
	Engine   engine.Config
	Patience patience.Config
}

// Option is a functional option for configuring an [Orchestrator].
type Option func(*Orchestrator)

// WithScheduler injects the timer scheduler shared by the engine and the
// patience controller. Tests pass a virtual-time implementation.
func WithScheduler(s sched.Scheduler) Option {
	return func(o *Orchestrator) { o.clock = s }
}

// WithMetrics injects the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSessionID overrides the generated session id. Primarily for tests and
// for resuming a known session after a process restart.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// Orchestrator coordinates one conversation session. Safe for concurrent
// use: every entry point serialises on one mutex.
type Orchestrator struct {
	sessionID string
	clock     sched.Scheduler
	metrics   *observe.Metrics

	mu       sync.Mutex
	engine   *engine.Engine
	patience *patience.Controller
	dedup    *relay.Deduplicator
	seq      transcript.Sequencer

	// messages is the session transcript in emission order; index maps a
	// turn id to its position for upserts.
	messages []transcript.Message
	index    map[string]int

	subs     map[int]func(Update)
	diags    map[int]func(realtime.ConversationEvent)
	nextSub  int
	nextDiag int
}

// New creates an Orchestrator for one session. Finalized turns are forwarded
// to b (guarded by the relay deduplicator); recomputed silence thresholds go
// to sink.
func New(cfg Config, b relay.Broadcaster, sink patience.ThresholdSink, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessionID: uuid.NewString(),
		clock:     sched.Wall{},
		index:     make(map[string]int),
		subs:      make(map[int]func(Update)),
		diags:     make(map[int]func(realtime.ConversationEvent)),
	}
	for _, opt := range opts {
		opt(o)
	}

	engOpts := []engine.Option{engine.WithScheduler(&lockedScheduler{inner: o.clock, mu: &o.mu})}
	patOpts := []patience.Option{patience.WithClock(o.clock)}
	relOpts := []relay.Option{}
	if o.metrics != nil {
		engOpts = append(engOpts, engine.WithMetrics(o.metrics))
		patOpts = append(patOpts, patience.WithMetrics(o.metrics))
		relOpts = append(relOpts, relay.WithMetrics(o.metrics))
	}

	o.engine = engine.New(cfg.Engine, (*engineListener)(o), engOpts...)
	o.patience = patience.New(cfg.Patience, sink, patOpts...)
	o.dedup = relay.New(o.sessionID, b, relOpts...)
	return o
}

// SessionID returns the session identifier used on the broadcast boundary.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// DispatchRaw classifies one raw upstream payload and dispatches it.
// Malformed payloads are logged and dropped.
func (o *Orchestrator) DispatchRaw(data []byte) {
	ev, err := realtime.Classify(data)
	if err != nil {
		slog.Warn("dropping malformed upstream payload", "err", err)
		return
	}
	o.Dispatch(ev)
}

// Dispatch feeds one classified event through the engine. Events are
// processed strictly in call order; Dispatch never runs reentrantly.
func (o *Orchestrator) Dispatch(ev realtime.ConversationEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()

	start := time.Now()

	for _, fn := range o.diags {
		fn(ev)
	}

	if ev.Kind == realtime.EventUnknown {
		return
	}
	if o.metrics != nil {
		o.metrics.RecordEvent(context.Background(), string(ev.Kind))
	}

	o.engine.Handle(ev)

	switch ev.Kind {
	case realtime.EventSessionFailed:
		o.notify(Update{Type: UpdateError, Err: ev.ErrorMessage})
	case realtime.EventSessionExpired:
		o.notify(Update{Type: UpdateError, Err: "session expired"})
	}

	if o.metrics != nil {
		o.metrics.RecordDispatch(context.Background(), string(ev.Kind), time.Since(start))
	}
}

// Reconfigure applies new engine and patience tuning to the running session.
// Used by the config hot-reload path; transport settings are not covered.
func (o *Orchestrator) Reconfigure(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.engine.SetConfig(cfg.Engine)
	o.patience.SetConfig(cfg.Patience)
	slog.Info("session reconfigured")
}

// SetStatus publishes a session status change (used by the transport
// adapter for connect/disconnect notifications).
func (o *Orchestrator) SetStatus(status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notify(Update{Type: UpdateStatus, Status: status})
}

// Subscribe registers an observer callback and returns its unsubscribe
// function. Callbacks run synchronously during dispatch, in unspecified
// order relative to other subscribers.
func (o *Orchestrator) Subscribe(fn func(Update)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	if o.metrics != nil {
		o.metrics.Subscribers.Add(context.Background(), 1)
	}

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if _, ok := o.subs[id]; !ok {
			return
		}
		delete(o.subs, id)
		if o.metrics != nil {
			o.metrics.Subscribers.Add(context.Background(), -1)
		}
	}
}

// SubscribeDiagnostics registers a secondary listener that receives every
// classified event, including unknown kinds, independent of the transcript
// stream.
func (o *Orchestrator) SubscribeDiagnostics(fn func(realtime.ConversationEvent)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id := o.nextDiag
	o.nextDiag++
	o.diags[id] = fn

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.diags, id)
	}
}

// Snapshot returns a copy of the session transcript, ordered by the
// (timestamp, sequence) sort law.
func (o *Orchestrator) Snapshot() []transcript.Message {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]transcript.Message, len(o.messages))
	copy(out, o.messages)
	transcript.SortMessages(out)
	return out
}

// notify fans an update out to all subscribers. Caller holds o.mu.
func (o *Orchestrator) notify(u Update) {
	for _, fn := range o.subs {
		fn(u)
	}
}

// upsert creates or updates the message for turn t and returns a pointer to
// the stored entry. Caller holds o.mu.
func (o *Orchestrator) upsert(t engine.Turn) *transcript.Message {
	if i, ok := o.index[t.ID]; ok {
		m := &o.messages[i]
		if !m.Pending {
			// Finalized text is immutable; a re-announcement only serves
			// the relay layer.
			return m
		}
		m.Text = t.Text
		m.Pending = !t.Finalized
		return m
	}

	m := transcript.Message{
		ID:         uuid.NewString(),
		Role:       t.Role,
		Text:       t.Text,
		Channel:    transcript.ChannelVoice,
		Timestamp:  t.StartedAt,
		SequenceID: o.seq.Next(),
		Pending:    !t.Finalized,
	}
	o.index[t.ID] = len(o.messages)
	o.messages = append(o.messages, m)
	return &o.messages[len(o.messages)-1]
}

// ── engine.Listener implementation ─────────────────────────────────────────

// engineListener adapts Orchestrator to [engine.Listener] without exporting
// the callback methods on the orchestrator's own API surface. The engine
// invokes these synchronously inside Dispatch, so o.mu is already held.
type engineListener Orchestrator

var _ engine.Listener = (*engineListener)(nil)

func (l *engineListener) TurnStarted(t engine.Turn) {
	o := (*Orchestrator)(l)
	// The previous turn's relay record would otherwise block this turn's
	// item id from ever being forwarded again after a process restart.
	o.dedup.Clear(t.Role)
	slog.Debug("turn started", "role", string(t.Role), "turn_id", t.ID)
}

func (l *engineListener) TurnPartial(t engine.Turn) {
	o := (*Orchestrator)(l)
	m := o.upsert(t)
	cp := *m
	o.notify(Update{Type: UpdatePartial, Message: &cp})
}

func (l *engineListener) TurnFinalized(t engine.Turn, reason engine.FinalizeReason) {
	o := (*Orchestrator)(l)
	m := o.upsert(t)
	m.Pending = false
	cp := *m

	o.notify(Update{Type: UpdateFinal, Message: &cp})

	// Relay to the broadcast boundary; the deduplicator absorbs duplicate
	// announcements and logs the missing-item-id degradation path. Errors
	// are already logged and must not disturb local state.
	_ = o.dedup.Relay(context.Background(), t.Role, t.ItemID, t.Text, true, t.StartedAt)

	// Feed the patience detectors and push any threshold change to the
	// transport sink.
	ended := t.EndedAt
	if ended.IsZero() {
		ended = o.clock.Now()
	}
	o.patience.Record(t.Role, patience.Utterance{
		Duration:  ended.Sub(t.StartedAt),
		WordCount: cp.WordCount(),
		EndedAt:   ended,
	})

	if o.metrics != nil {
		o.metrics.RecordTurnFinalized(context.Background(), string(t.Role), string(reason), ended.Sub(t.StartedAt))
	}
	slog.Info("turn finalized",
		"role", string(t.Role),
		"reason", string(reason),
		"turn_id", t.ID,
		"item_id", t.ItemID,
		"chars", len(t.Text),
	)
}

// ── locked scheduler ───────────────────────────────────────────────────────

// lockedScheduler wraps a scheduler so timer callbacks re-enter the
// orchestrator's serialisation domain: the engine's fallback timers must not
// race a concurrent Dispatch.
type lockedScheduler struct {
	inner sched.Scheduler
	mu    *sync.Mutex
}

func (s *lockedScheduler) AfterFunc(d time.Duration, fn func()) sched.Timer {
	return s.inner.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		fn()
	})
}

func (s *lockedScheduler) Now() time.Time { return s.inner.Now() }
