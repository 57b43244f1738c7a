// Package engine assembles a correctly-ordered, deduplicated transcript from
// the asynchronous, sometimes out-of-order event stream of a realtime
// speech/response service.
//
// The engine owns one [turnState] per role (user, assistant) and drives each
// through Idle → Listening → PendingTranscription → Finalizing → Finalized.
// It resolves the documented upstream races — empty completions, a response
// starting before the audio commit, item-created arriving before the
// completion it correlates, and duplicate completions — and holds assistant
// events back in a FIFO queue while a user turn is unresolved so observers
// always see turns in logical order.
//
// The engine is strictly single-writer: every state transition happens inside
// [Engine.Handle], driven by one discrete event. Timers go through the
// injected [sched.Scheduler]; the caller is responsible for making timer
// callbacks re-enter Handle's serialisation domain (the orchestrator wraps
// the scheduler so callbacks take its dispatch lock).
//
// This package lives under internal/ because it encapsulates
// application-private processing logic and is not intended to be imported by
// external code.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/internal/sched"
	"github.com/attunelabs/attune/pkg/realtime"
	"github.com/attunelabs/attune/pkg/transcript"
)

const (
	// defaultFallbackTimeout bounds how long a user turn may stay
	// unresolved after speech stops before a placeholder finalization
	// fires.
	defaultFallbackTimeout = 5 * time.Second

	// defaultFallbackSentinel is the placeholder text for a turn that
	// never resolved to real text.
	defaultFallbackSentinel = "[inaudible]"

	// defaultFailureSentinel is the placeholder text for a turn whose
	// upstream transcription failed outright.
	defaultFailureSentinel = "[transcription unavailable]"
)

// Listener receives turn lifecycle callbacks. Callbacks fire synchronously
// inside [Engine.Handle]; implementations must not call back into the engine.
type Listener interface {
	// TurnStarted fires when a role begins a new turn. The previous turn's
	// relay bookkeeping for that role should be cleared here.
	TurnStarted(t Turn)

	// TurnPartial fires whenever a turn's best-known text grows.
	TurnPartial(t Turn)

	// TurnFinalized fires when a turn's text is committed. It can fire more
	// than once for the same Turn.ID when a late completion attaches a
	// correlation id after a forced finalization — the text never changes,
	// and relay-level dedup keyed by item id keeps delivery exactly-once.
	TurnFinalized(t Turn, reason FinalizeReason)
}

// Config tunes engine behaviour. The zero value gets sensible defaults.
type Config struct {
	// BargeIn allows a new user turn to interrupt a streaming assistant
	// turn. When false the assistant stream continues and the user turn is
	// not preempted.
	BargeIn bool

	// FallbackTimeout is the window after speech_stopped in which the turn
	// must resolve before a placeholder finalization fires.
	FallbackTimeout time.Duration

	// FallbackSentinel is the text committed by a fallback finalization
	// that saw no deltas.
	FallbackSentinel string

	// FailureSentinel is the text committed when upstream transcription
	// fails.
	FailureSentinel string
}

func (c *Config) applyDefaults() {
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = defaultFallbackTimeout
	}
	if c.FallbackSentinel == "" {
		c.FallbackSentinel = defaultFallbackSentinel
	}
	if c.FailureSentinel == "" {
		c.FailureSentinel = defaultFailureSentinel
	}
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithScheduler injects the timer scheduler. Tests pass a virtual-time
// implementation; the default is the wall clock.
func WithScheduler(s sched.Scheduler) Option {
	return func(e *Engine) { e.clock = s }
}

// WithMetrics injects the metrics instance used for race-guard and buffering
// instrumentation. The default records nothing.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// queuedEvent is one assistant-originated event held back while a user turn
// is unresolved. seq preserves arrival order for diagnostics.
type queuedEvent struct {
	seq uint64
	ev  realtime.ConversationEvent
}

// Engine is the transcript synchronization core. Not safe for concurrent use
// on its own — the orchestrator serialises all Handle calls and timer
// callbacks behind one lock.
type Engine struct {
	cfg      Config
	clock    sched.Scheduler
	listener Listener
	metrics  *observe.Metrics

	user      *turnState
	assistant *turnState

	queue  []queuedEvent
	bufSeq uint64
}

// New creates an Engine delivering lifecycle callbacks to listener.
func New(cfg Config, listener Listener, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:       cfg,
		clock:     sched.Wall{},
		listener:  listener,
		user:      newTurnState(transcript.RoleUser),
		assistant: newTurnState(transcript.RoleAssistant),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetConfig replaces the engine tuning. Takes effect for subsequent events;
// an already-armed fallback timer keeps its original deadline.
func (e *Engine) SetConfig(cfg Config) {
	cfg.applyDefaults()
	e.cfg = cfg
}

// QueueDepth returns the number of assistant events currently held back.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// UserPending reports whether the user turn is awaiting resolution.
func (e *Engine) UserPending() bool { return e.user.pending }

// Handle processes one classified upstream event. Events must be delivered
// in transport-arrival order; the engine manufactures logical order itself.
func (e *Engine) Handle(ev realtime.ConversationEvent) {
	switch ev.Kind {
	case realtime.EventSpeechStarted:
		e.handleSpeechStarted()

	case realtime.EventSpeechStopped:
		e.handleSpeechStopped()

	case realtime.EventAudioCommitted:
		e.handleAudioCommitted(ev)

	case realtime.EventTranscriptionDelta:
		e.handleTranscriptionDelta(ev)

	case realtime.EventTranscriptionCompleted:
		e.handleTranscriptionCompleted(ev)

	case realtime.EventTranscriptionFailed:
		e.handleTranscriptionFailed(ev)

	case realtime.EventResponseCreated:
		e.handleResponseCreated(ev)

	case realtime.EventResponseDelta, realtime.EventResponseDone, realtime.EventItemTruncated:
		if e.holdBack(ev) {
			return
		}
		e.handleAssistantEvent(ev)

	case realtime.EventItemCreated:
		e.handleItemCreated(ev)

	case realtime.EventSessionFailed, realtime.EventSessionExpired:
		e.flushAll(ev)

	case realtime.EventUnknown:
		// Forward compatibility: unknown kinds are no-ops.
	}
}

// ── User turn handling ─────────────────────────────────────────────────────

func (e *Engine) handleSpeechStarted() {
	// Barge-in: user speech interrupts a streaming assistant turn. The
	// assistant's buffered partial text is flushed as final and marked
	// interrupted.
	if e.assistant.active() {
		if !e.cfg.BargeIn {
			slog.Debug("speech started during assistant turn, barge-in disabled")
		} else {
			e.truncateAssistant()
		}
	}

	// A brief pause inside an active turn is a continuation, not a new
	// turn. The active-turn flag is tracked here, not re-derived from
	// downstream state.
	if e.user.active() {
		slog.Debug("speech resumed inside active user turn", "phase", e.user.phase.String())
		e.user.cancelFallback()
		e.user.phase = PhaseListening
		e.user.pending = false
		return
	}

	e.user.start(e.clock.Now())
	e.listener.TurnStarted(e.user.snapshot())
}

func (e *Engine) handleSpeechStopped() {
	if e.user.phase != PhaseListening {
		slog.Debug("speech_stopped outside listening phase", "phase", e.user.phase.String())
		return
	}

	// The pending flag must be set synchronously, before any audio-commit
	// event arrives: it is the authoritative signal the assistant-turn-start
	// handler consults to avoid finalizing an empty user turn.
	e.user.markPending()
	e.scheduleFallback()
}

func (e *Engine) handleAudioCommitted(ev realtime.ConversationEvent) {
	if !e.user.pending {
		return
	}
	if ev.ItemID != "" && e.user.itemID == "" {
		e.user.itemID = ev.ItemID
	}
	// The commit restarts the resolution window: transcription is now
	// actually running upstream.
	e.scheduleFallback()
}

func (e *Engine) handleTranscriptionDelta(ev realtime.ConversationEvent) {
	switch e.user.phase {
	case PhaseFinalized:
		// Late fragment for an already-committed turn. Finalized text is
		// immutable; drop it.
		e.recordRaceGuard("late_delta")
		return

	case PhaseIdle:
		// Delta before its turn-start signal (reordered arrival). Open a
		// turn so the text is not lost.
		e.user.start(e.clock.Now())
		e.listener.TurnStarted(e.user.snapshot())
	}

	if ev.ItemID != "" && e.user.itemID == "" {
		e.user.itemID = ev.ItemID
	}
	merged := Merge(e.user.text, ev.Delta)
	if merged == e.user.text {
		return
	}
	e.user.text = merged
	e.user.deltaCount++
	e.listener.TurnPartial(e.user.snapshot())
}

func (e *Engine) handleTranscriptionCompleted(ev realtime.ConversationEvent) {
	if strings.TrimSpace(ev.Transcript) == "" {
		// Empty-completion race: the upstream sometimes emits a completion
		// with no text before the real one. It never finalizes and never
		// clears the pending flag.
		e.recordRaceGuard("empty_completion")
		slog.Debug("ignoring empty transcription completion", "item_id", ev.ItemID)
		return
	}

	switch e.user.phase {
	case PhaseFinalized:
		e.handleLateCompletion(ev)
		return

	case PhaseIdle:
		// Completion with no open turn (start signal lost, e.g. across a
		// transport reconnect). Open and commit in one step.
		e.user.start(e.clock.Now())
		e.listener.TurnStarted(e.user.snapshot())
	}

	if ev.ItemID != "" {
		e.user.itemID = ev.ItemID
	}
	e.finalizeUser(ev.Transcript, FinalizeCompleted)
}

// handleLateCompletion resolves the item-created-before-completion and
// duplicate-completion races. The previous turn was already committed (for
// example forced from buffered deltas when the response started); dedup is
// keyed by item id, not the local finalized flag, so a late completion still
// relays exactly once and a duplicate relays never.
func (e *Engine) handleLateCompletion(ev realtime.ConversationEvent) {
	if ev.ItemID == "" || e.user.itemID == ev.ItemID {
		e.recordRaceGuard("duplicate_completion")
		slog.Debug("duplicate completion for finalized turn", "item_id", ev.ItemID)
		return
	}
	if e.user.itemID != "" {
		// A completion for some other item while this role's slot is
		// already correlated — nothing useful to attach it to.
		e.recordRaceGuard("orphan_completion")
		slog.Warn("completion for unknown item", "item_id", ev.ItemID, "have", e.user.itemID)
		return
	}

	// The forced finalization ran without a correlation id, so it was never
	// relayed. Attach the id and re-announce; the committed text is
	// immutable, only delivery bookkeeping changes.
	e.user.itemID = ev.ItemID
	e.recordRaceGuard("late_completion")
	e.listener.TurnFinalized(e.user.snapshot(), FinalizeCompleted)
}

func (e *Engine) handleTranscriptionFailed(ev realtime.ConversationEvent) {
	if !e.user.active() {
		slog.Debug("transcription failure with no active user turn", "code", ev.ErrorCode)
		return
	}
	if ev.ItemID != "" && e.user.itemID == "" {
		e.user.itemID = ev.ItemID
	}
	slog.Warn("upstream transcription failed",
		"code", ev.ErrorCode,
		"message", ev.ErrorMessage,
		"item_id", e.user.itemID,
	)
	e.user.unresolved = true
	e.finalizeUser(e.cfg.FailureSentinel, FinalizeFailed)
}

// scheduleFallback (re)arms the user turn's placeholder-finalization timer.
func (e *Engine) scheduleFallback() {
	e.user.cancelFallback()
	e.user.fallback = e.clock.AfterFunc(e.cfg.FallbackTimeout, e.fallbackFinalize)
}

// fallbackFinalize fires when a pending user turn never resolved. With
// buffered deltas it commits the best-effort text; with none it commits the
// placeholder and flags the turn unresolved.
func (e *Engine) fallbackFinalize() {
	if !e.user.pending {
		return
	}
	if e.user.deltaCount > 0 {
		slog.Warn("fallback finalization from buffered deltas", "item_id", e.user.itemID)
		e.finalizeUser(e.user.text, FinalizeFallback)
		return
	}
	slog.Warn("fallback finalization with no transcript", "item_id", e.user.itemID)
	e.user.unresolved = true
	e.finalizeUser(e.cfg.FallbackSentinel, FinalizeFallback)
}

// finalizeUser commits the user turn and drains any held-back assistant
// events through the normal handling path, in original arrival order.
func (e *Engine) finalizeUser(text string, reason FinalizeReason) {
	e.user.finalize(text, e.clock.Now())
	e.listener.TurnFinalized(e.user.snapshot(), reason)
	e.drain()
}

// ── Assistant turn handling ────────────────────────────────────────────────

func (e *Engine) handleResponseCreated(ev realtime.ConversationEvent) {
	if e.user.pending {
		// Response-before-commit race: the authoritative "did the user say
		// something" signal is the pending flag set at speech_stopped, not
		// a commit timer that may not have arrived yet. Never conclude
		// "no user input, safe to finalize empty" here.
		if e.user.deltaCount > 0 {
			// Deltas already accumulated: the other role starting is the
			// finalization trigger. Commit the buffered text, then let
			// this event proceed.
			e.recordRaceGuard("response_before_completion")
			e.finalizeUser(e.user.text, FinalizeForced)
		} else {
			// Nothing accumulated yet. Hold this event until the user turn
			// resolves via completion, failure, or the fallback timer.
			e.recordRaceGuard("response_before_commit")
			e.holdBack(ev)
			return
		}
	}

	if e.assistant.active() {
		// A new response superseding a streaming one: flush what we have.
		e.truncateAssistant()
	}

	e.assistant.start(e.clock.Now())
	if ev.ItemID != "" {
		e.assistant.itemID = ev.ItemID
	}
	e.listener.TurnStarted(e.assistant.snapshot())
}

// handleAssistantEvent processes response_delta, response_done, and
// item_truncated once past the hold-back gate.
func (e *Engine) handleAssistantEvent(ev realtime.ConversationEvent) {
	switch ev.Kind {
	case realtime.EventResponseDelta:
		e.handleResponseDelta(ev)
	case realtime.EventResponseDone:
		e.handleResponseDone()
	case realtime.EventItemTruncated:
		if e.assistant.active() {
			e.truncateAssistant()
		}
	}
}

func (e *Engine) handleResponseDelta(ev realtime.ConversationEvent) {
	if !e.assistant.active() {
		// Delta without a created signal: open a turn rather than lose
		// text.
		e.assistant.start(e.clock.Now())
		e.listener.TurnStarted(e.assistant.snapshot())
	}
	if ev.ItemID != "" && e.assistant.itemID == "" {
		e.assistant.itemID = ev.ItemID
	}
	merged := Merge(e.assistant.text, ev.Delta)
	if merged == e.assistant.text {
		return
	}
	e.assistant.text = merged
	e.assistant.deltaCount++
	e.listener.TurnPartial(e.assistant.snapshot())
}

func (e *Engine) handleResponseDone() {
	if !e.assistant.active() {
		slog.Debug("response done with no active assistant turn")
		return
	}
	if e.assistant.deltaCount == 0 && e.assistant.text == "" {
		// A response that produced no text (cancelled before the first
		// token). Nothing to show; release the slot.
		slog.Debug("assistant response finished without text")
		e.assistant.phase = PhaseIdle
		return
	}
	e.assistant.finalize(e.assistant.text, e.clock.Now())
	e.listener.TurnFinalized(e.assistant.snapshot(), FinalizeCompleted)
}

// truncateAssistant flushes a streaming assistant turn's partial text as
// final and marks it interrupted.
func (e *Engine) truncateAssistant() {
	e.assistant.interrupted = true
	e.assistant.finalize(e.assistant.text, e.clock.Now())
	e.listener.TurnFinalized(e.assistant.snapshot(), FinalizeTruncated)
}

// ── Correlation and session teardown ───────────────────────────────────────

func (e *Engine) handleItemCreated(ev realtime.ConversationEvent) {
	switch transcript.Role(ev.ItemRole) {
	case transcript.RoleUser:
		e.attachItemID(e.user, ev.ItemID)

	case transcript.RoleAssistant:
		if e.holdBack(ev) {
			return
		}
		e.attachItemID(e.assistant, ev.ItemID)

	default:
		slog.Debug("item created with unrecognised role", "role", ev.ItemRole)
	}
}

// attachItemID records the correlation id on a role's current turn. When the
// id arrives after a forced finalization that could not be relayed (no id at
// commit time), the turn is re-announced so the relay layer can deliver it.
func (e *Engine) attachItemID(t *turnState, itemID string) {
	if itemID == "" || t.itemID != "" {
		return
	}
	t.itemID = itemID

	if t.phase == PhaseFinalized {
		e.recordRaceGuard("item_created_after_finalize")
		e.listener.TurnFinalized(t.snapshot(), FinalizeCompleted)
	}
}

// flushAll commits whatever is in flight when the upstream session dies, so
// observers are never left with an indefinitely pending turn.
func (e *Engine) flushAll(ev realtime.ConversationEvent) {
	slog.Warn("upstream session ended",
		"kind", string(ev.Kind),
		"code", ev.ErrorCode,
		"message", ev.ErrorMessage,
	)

	// Anything queued belongs to a response that will never resume; discard
	// before finalizing the user turn so the post-finalize drain cannot
	// replay it into a dangling assistant turn.
	if n := len(e.queue); n > 0 {
		slog.Debug("discarding queued assistant events after session end", "count", n)
		if e.metrics != nil {
			e.metrics.BufferedEvents.Add(context.Background(), int64(-n))
		}
		e.queue = nil
	}

	if e.assistant.active() {
		e.truncateAssistant()
	}

	if e.user.active() {
		if e.user.deltaCount > 0 {
			e.finalizeUser(e.user.text, FinalizeForced)
		} else {
			e.user.unresolved = true
			e.finalizeUser(e.cfg.FailureSentinel, FinalizeFailed)
		}
	}
}

// ── Hold-back queue ────────────────────────────────────────────────────────

// holdBack enqueues assistant-originated events while the user turn is
// unresolved, preserving arrival order, and reports whether it did so.
func (e *Engine) holdBack(ev realtime.ConversationEvent) bool {
	if !e.user.pending {
		return false
	}
	e.bufSeq++
	e.queue = append(e.queue, queuedEvent{seq: e.bufSeq, ev: ev})
	if e.metrics != nil {
		e.metrics.BufferedEvents.Add(context.Background(), 1)
	}
	return true
}

// drain reprocesses held-back events in FIFO order through the normal
// handling path. Runs after every user finalization; stops early if a drained
// event re-opens a pending user turn (it cannot today, but the guard keeps
// the loop obviously bounded).
func (e *Engine) drain() {
	for len(e.queue) > 0 && !e.user.pending {
		q := e.queue[0]
		e.queue = e.queue[1:]
		if e.metrics != nil {
			e.metrics.BufferedEvents.Add(context.Background(), -1)
		}
		e.Handle(q.ev)
	}
}

func (e *Engine) recordRaceGuard(kind string) {
	if e.metrics != nil {
		e.metrics.RecordRaceGuard(context.Background(), kind)
	}
}
