// Package transcript defines the observer-facing transcript types shared
// across Attune packages.
//
// A [Message] is the atomic unit delivered to observers: one finalized or
// in-progress utterance attributed to a single role. Messages carry a
// composite sort key — the turn's start time plus a per-process sequence
// number — that forms a total order over every message a session ever
// produces. These types form the lingua franca between the engine, the relay
// boundary, and the fan-out hub; they live here to avoid circular imports.
package transcript

import (
	"slices"
	"strings"
	"time"
)

// Role identifies which side of the conversation produced an utterance.
type Role string

const (
	// RoleUser is the human speaker.
	RoleUser Role = "user"

	// RoleAssistant is the remote model's spoken response.
	RoleAssistant Role = "assistant"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Other returns the opposite role. Useful when one role's turn boundary
// influences the other's state machine.
func (r Role) Other() Role {
	if r == RoleUser {
		return RoleAssistant
	}
	return RoleUser
}

// Channel identifies how a message reached the transcript.
type Channel string

const (
	// ChannelVoice marks messages assembled from the realtime speech feed.
	ChannelVoice Channel = "voice"

	// ChannelText marks messages injected as typed text.
	ChannelText Channel = "text"
)

// Message is a single transcript entry delivered to observers.
type Message struct {
	// ID uniquely identifies this message (UUID).
	ID string

	// Role is the speaker: user or assistant.
	Role Role

	// Text is the utterance content. Immutable once the message is final.
	Text string

	// Channel records the message's origin.
	Channel Channel

	// Timestamp is the START time of the turn that produced this message,
	// not the arrival time of any individual event. Using the turn start
	// keeps multi-delta turns grouped when messages are sorted.
	Timestamp time.Time

	// SequenceID is a per-process monotonic counter breaking timestamp ties.
	SequenceID uint64

	// Pending is true while the turn is still streaming; false once final.
	Pending bool
}

// WordCount returns the number of whitespace-separated words in the message
// text. Feeds the patience controller's short-fragment detector.
func (m Message) WordCount() int {
	return len(strings.Fields(m.Text))
}

// SortMessages orders msgs ascending by (Timestamp, SequenceID) in place.
// Because SequenceID is unique per process the order is total: two distinct
// messages never compare equal.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, Compare)
}

// Compare returns a negative value when a sorts before b, positive when
// after, and zero only when a and b are the same message.
func Compare(a, b Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}
	switch {
	case a.SequenceID < b.SequenceID:
		return -1
	case a.SequenceID > b.SequenceID:
		return 1
	default:
		return 0
	}
}
