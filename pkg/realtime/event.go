// Package realtime defines the closed event vocabulary Attune consumes from a
// remote realtime speech/response service, and the classifier that decodes
// raw wire payloads into it.
//
// The upstream service emits loosely-structured JSON events over a WebSocket.
// Rather than letting duck-typed payload access spread through the engine,
// every payload is decoded exactly once at the ingestion boundary into a
// [ConversationEvent] — a tagged union with a fixed set of kinds. Event types
// the classifier does not recognise map to [EventUnknown] and are dropped by
// the caller, which keeps the engine forward compatible with protocol
// additions.
package realtime

// EventKind enumerates the conversation event types the engine understands.
type EventKind string

const (
	// EventUnknown marks a payload whose type is not part of the closed set.
	// Unknown events are no-ops everywhere.
	EventUnknown EventKind = ""

	// EventSpeechStarted — server-side VAD detected the user speaking.
	EventSpeechStarted EventKind = "speech_started"

	// EventSpeechStopped — server-side VAD detected the user falling silent.
	EventSpeechStopped EventKind = "speech_stopped"

	// EventAudioCommitted — the input audio buffer was committed for
	// transcription. May arrive after the response has already started.
	EventAudioCommitted EventKind = "audio_committed"

	// EventTranscriptionDelta — incremental partial text for the user turn.
	EventTranscriptionDelta EventKind = "transcription_delta"

	// EventTranscriptionCompleted — authoritative final text for the user
	// turn. An empty transcript here is a documented upstream race, not a
	// real completion.
	EventTranscriptionCompleted EventKind = "transcription_completed"

	// EventTranscriptionFailed — upstream speech-to-text failed (rate limit,
	// transient provider error).
	EventTranscriptionFailed EventKind = "transcription_failed"

	// EventResponseCreated — the assistant started generating a response.
	EventResponseCreated EventKind = "response_created"

	// EventResponseDelta — incremental partial text of the assistant's
	// spoken response.
	EventResponseDelta EventKind = "response_delta"

	// EventResponseDone — the assistant response finished.
	EventResponseDone EventKind = "response_done"

	// EventItemCreated — a conversation item was allocated upstream. May
	// arrive before the completion event that references the same item.
	EventItemCreated EventKind = "item_created"

	// EventItemTruncated — an in-flight item was cut short (barge-in).
	EventItemTruncated EventKind = "item_truncated"

	// EventSessionFailed — the upstream session reported a fatal error.
	EventSessionFailed EventKind = "session_failed"

	// EventSessionExpired — the upstream session reached its lifetime limit.
	EventSessionExpired EventKind = "session_expired"
)

// ConversationEvent is the decoded form of one upstream payload. Only the
// fields relevant to the event's Kind are populated; everything else is the
// zero value.
type ConversationEvent struct {
	// Kind is the event discriminator.
	Kind EventKind

	// ItemID is the upstream correlation identifier, when the payload
	// carries one. It doubles as the idempotency key for relay dedup.
	ItemID string

	// Delta is the incremental text fragment for delta events.
	Delta string

	// Transcript is the final text for transcription_completed events.
	Transcript string

	// ItemRole is the owning role reported by item_created events
	// ("user" or "assistant").
	ItemRole string

	// ErrorCode and ErrorMessage describe failure events
	// (transcription_failed, session_failed).
	ErrorCode    string
	ErrorMessage string
}
