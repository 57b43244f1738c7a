package realtime

import (
	"encoding/json"
	"fmt"
)

// Upstream wire type names. These follow the OpenAI Realtime API protocol;
// other providers with compatible event vocabularies can be bridged by a
// transport adapter that renames types before classification.
const (
	wireSpeechStarted          = "input_audio_buffer.speech_started"
	wireSpeechStopped          = "input_audio_buffer.speech_stopped"
	wireAudioCommitted         = "input_audio_buffer.committed"
	wireTranscriptionDelta     = "conversation.item.input_audio_transcription.delta"
	wireTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	wireTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	wireResponseCreated        = "response.created"
	wireResponseDelta          = "response.audio_transcript.delta"
	wireResponseDeltaGA        = "response.output_audio_transcript.delta"
	wireResponseDone           = "response.done"
	wireItemCreated            = "conversation.item.created"
	wireItemTruncated          = "conversation.item.truncated"
	wireErrorEvent             = "error"
	wireSessionExpired         = "session.expired"
)

// wireEvent mirrors the subset of upstream payload fields the engine cares
// about. Unknown fields are ignored by encoding/json, which is exactly the
// forward-compatibility behaviour we want at this boundary.
type wireEvent struct {
	Type       string     `json:"type"`
	ItemID     string     `json:"item_id,omitempty"`
	Delta      string     `json:"delta,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Item       *wireItem  `json:"item,omitempty"`
	Error      *wireError `json:"error,omitempty"`
}

// wireItem is the nested "item" object of conversation.item.created.
type wireItem struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
}

// wireError is the nested error object carried by "error" and
// transcription-failed events:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type wireError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Classify decodes one raw upstream payload into a [ConversationEvent].
//
// A payload whose type is outside the closed set yields Kind ==
// [EventUnknown] and a nil error — only malformed JSON is an error. Classify
// never inspects payloads twice: all duck typing ends here.
func Classify(data []byte) (ConversationEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return ConversationEvent{}, fmt.Errorf("realtime: decode event: %w", err)
	}
	return classifyWire(&w), nil
}

func classifyWire(w *wireEvent) ConversationEvent {
	switch w.Type {
	case wireSpeechStarted:
		return ConversationEvent{Kind: EventSpeechStarted, ItemID: w.ItemID}

	case wireSpeechStopped:
		return ConversationEvent{Kind: EventSpeechStopped, ItemID: w.ItemID}

	case wireAudioCommitted:
		return ConversationEvent{Kind: EventAudioCommitted, ItemID: w.ItemID}

	case wireTranscriptionDelta:
		return ConversationEvent{Kind: EventTranscriptionDelta, ItemID: w.ItemID, Delta: w.Delta}

	case wireTranscriptionCompleted:
		return ConversationEvent{Kind: EventTranscriptionCompleted, ItemID: w.ItemID, Transcript: w.Transcript}

	case wireTranscriptionFailed:
		ev := ConversationEvent{Kind: EventTranscriptionFailed, ItemID: w.ItemID}
		if w.Error != nil {
			ev.ErrorCode = w.Error.Code
			ev.ErrorMessage = w.Error.Message
		}
		return ev

	case wireResponseCreated:
		return ConversationEvent{Kind: EventResponseCreated, ItemID: w.ItemID}

	case wireResponseDelta, wireResponseDeltaGA:
		return ConversationEvent{Kind: EventResponseDelta, ItemID: w.ItemID, Delta: w.Delta}

	case wireResponseDone:
		return ConversationEvent{Kind: EventResponseDone, ItemID: w.ItemID}

	case wireItemCreated:
		ev := ConversationEvent{Kind: EventItemCreated, ItemID: w.ItemID}
		if w.Item != nil {
			if ev.ItemID == "" {
				ev.ItemID = w.Item.ID
			}
			ev.ItemRole = w.Item.Role
		}
		return ev

	case wireItemTruncated:
		return ConversationEvent{Kind: EventItemTruncated, ItemID: w.ItemID}

	case wireErrorEvent:
		ev := ConversationEvent{Kind: EventSessionFailed}
		if w.Error != nil {
			ev.ErrorCode = w.Error.Code
			ev.ErrorMessage = w.Error.Message
		}
		return ev

	case wireSessionExpired:
		return ConversationEvent{Kind: EventSessionExpired}

	default:
		return ConversationEvent{Kind: EventUnknown}
	}
}
