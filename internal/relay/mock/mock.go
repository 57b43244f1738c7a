// Package mock provides a recording [relay.Broadcaster] test double.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/attunelabs/attune/internal/relay"
	"github.com/attunelabs/attune/pkg/transcript"
)

// Compile-time assertion that Broadcaster satisfies the relay interface.
var _ relay.Broadcaster = (*Broadcaster)(nil)

// Call records the arguments of one Broadcast invocation.
type Call struct {
	SessionID string
	Role      transcript.Role
	Text      string
	IsFinal   bool
	Timestamp time.Time
	ItemID    string
}

// Broadcaster records every Broadcast call and returns Err (nil by default).
// Safe for concurrent use.
type Broadcaster struct {
	mu    sync.Mutex
	calls []Call

	// Err, when non-nil, is returned from every Broadcast call.
	Err error
}

// Broadcast implements [relay.Broadcaster].
func (b *Broadcaster) Broadcast(_ context.Context, sessionID string, role transcript.Role, text string, isFinal bool, timestamp time.Time, itemID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, Call{
		SessionID: sessionID,
		Role:      role,
		Text:      text,
		IsFinal:   isFinal,
		Timestamp: timestamp,
		ItemID:    itemID,
	})
	return b.Err
}

// Calls returns a copy of all recorded calls.
func (b *Broadcaster) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Reset clears recorded calls.
func (b *Broadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}
