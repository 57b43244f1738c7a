package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/attunelabs/attune/internal/sched"
	"github.com/attunelabs/attune/pkg/transcript"
)

// Phase is the finalization state of one turn.
type Phase int

const (
	// PhaseIdle — no turn in progress for this role.
	PhaseIdle Phase = iota

	// PhaseListening — the role is actively producing speech or text.
	PhaseListening

	// PhasePendingTranscription — speech ended but the authoritative text
	// has not yet resolved. Only meaningful for the user role.
	PhasePendingTranscription

	// PhaseFinalizing — a finalization trigger fired and text is being
	// committed.
	PhaseFinalizing

	// PhaseFinalized — text committed and immutable. The state resets to
	// PhaseIdle on the next turn-start signal for this role.
	PhaseFinalized
)

// String returns the phase name for logs.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhasePendingTranscription:
		return "pending_transcription"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// FinalizeReason records which trigger committed a turn's text.
type FinalizeReason string

const (
	// FinalizeCompleted — an authoritative completion event arrived.
	FinalizeCompleted FinalizeReason = "completed"

	// FinalizeForced — the other role's turn started while delta text had
	// accumulated, so the buffered text was committed as-is.
	FinalizeForced FinalizeReason = "forced"

	// FinalizeFallback — the fallback timer expired with no resolution;
	// the turn carries a placeholder and is flagged unresolved.
	FinalizeFallback FinalizeReason = "fallback"

	// FinalizeFailed — upstream transcription failed; the turn carries a
	// sentinel so observers see a degraded-but-visible entry.
	FinalizeFailed FinalizeReason = "failed"

	// FinalizeTruncated — the turn was cut short by barge-in or an
	// upstream truncation event; the buffered partial text was flushed
	// as final.
	FinalizeTruncated FinalizeReason = "truncated"
)

// Turn is an immutable snapshot of one turn's state, handed to the engine's
// [Listener]. The engine never shares its mutable state.
type Turn struct {
	// ID is a stable identifier assigned at turn start. Listeners use it to
	// upsert: two callbacks with the same ID describe the same turn.
	ID string

	// Role is the turn's owner.
	Role transcript.Role

	// ItemID is the upstream correlation id, empty until known.
	ItemID string

	// Text is the best-known text so far (final once Finalized is true).
	Text string

	// Finalized reports whether Text is committed and immutable.
	Finalized bool

	// Pending reports whether speech has ended but text has not resolved.
	Pending bool

	// Unresolved marks a fallback finalization that never saw real text.
	Unresolved bool

	// Interrupted marks a turn cut short by barge-in or truncation.
	Interrupted bool

	// DeltaCount is the number of delta fragments merged so far.
	DeltaCount int

	// StartedAt is the turn's start time — the timestamp observers sort by.
	StartedAt time.Time

	// EndedAt is the finalization time; zero until finalized.
	EndedAt time.Time
}

// turnState is the engine's mutable per-role state. One instance exists per
// role; it is recycled (reset) rather than reallocated between turns.
type turnState struct {
	role transcript.Role

	id          string
	itemID      string
	text        string
	phase       Phase
	pending     bool
	unresolved  bool
	interrupted bool
	deltaCount  int
	startedAt   time.Time
	endedAt     time.Time

	// fallback is the pending fallback-finalize timer, nil when none is
	// scheduled. Cancelled the moment any resolving event arrives.
	fallback sched.Timer
}

func newTurnState(role transcript.Role) *turnState {
	return &turnState{role: role, phase: PhaseIdle}
}

// active reports whether a non-finalized turn exists for this role.
func (t *turnState) active() bool {
	return t.phase == PhaseListening || t.phase == PhasePendingTranscription || t.phase == PhaseFinalizing
}

// start begins a new turn at the given time, resetting all per-turn state.
// The caller must have handled the previous turn (finalized or idle).
func (t *turnState) start(at time.Time) {
	t.id = uuid.NewString()
	t.itemID = ""
	t.text = ""
	t.phase = PhaseListening
	t.pending = false
	t.unresolved = false
	t.interrupted = false
	t.deltaCount = 0
	t.startedAt = at
	t.endedAt = time.Time{}
	t.cancelFallback()
}

// markPending transitions Listening → PendingTranscription. The pending flag
// is the authoritative "speech ended, text unresolved" signal consulted by
// the other role's turn-start handler; it must be set synchronously here,
// before any commit event arrives.
func (t *turnState) markPending() {
	t.phase = PhasePendingTranscription
	t.pending = true
}

// finalize commits text and moves the turn to PhaseFinalized. The pending
// flag clears; the turn stays in PhaseFinalized (retaining its id and item
// id for late correlation) until the next start call.
func (t *turnState) finalize(text string, at time.Time) {
	t.phase = PhaseFinalizing
	t.text = text
	t.pending = false
	t.endedAt = at
	t.phase = PhaseFinalized
	t.cancelFallback()
}

// cancelFallback stops any scheduled fallback timer. Idempotent.
func (t *turnState) cancelFallback() {
	if t.fallback != nil {
		t.fallback.Stop()
		t.fallback = nil
	}
}

// snapshot returns an immutable copy for listeners.
func (t *turnState) snapshot() Turn {
	return Turn{
		ID:          t.id,
		Role:        t.role,
		ItemID:      t.itemID,
		Text:        t.text,
		Finalized:   t.phase == PhaseFinalized,
		Pending:     t.pending,
		Unresolved:  t.unresolved,
		Interrupted: t.interrupted,
		DeltaCount:  t.deltaCount,
		StartedAt:   t.startedAt,
		EndedAt:     t.endedAt,
	}
}
