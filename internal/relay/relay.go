// Package relay forwards finalized turns to the broadcast boundary exactly
// once per correlation id.
//
// The upstream service can deliver duplicate completions, and the engine can
// legitimately re-announce a turn when a correlation id arrives late. The
// deduplicator absorbs both: each role holds one live [Record] at a time,
// keyed by the upstream item id, and a second relay attempt for the same id
// is a no-op. The record is cleared when the role's next turn starts, so
// state never grows with conversation length.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/pkg/transcript"
)

// Broadcaster is the fan-out collaborator that delivers a finalized or
// partial turn to every subscriber of a session. Implementations must
// themselves be idempotent on (itemID, role) so that an engine instance
// restart cannot double-deliver.
type Broadcaster interface {
	Broadcast(ctx context.Context, sessionID string, role transcript.Role, text string, isFinal bool, timestamp time.Time, itemID string) error
}

// Record is the live dedup entry for one role.
type Record struct {
	Role      transcript.Role
	ItemID    string
	RelayedAt time.Time
}

// Deduplicator guards the Broadcaster with per-role, per-item-id
// idempotency. Single-writer like the rest of the engine; the orchestrator
// serialises calls.
type Deduplicator struct {
	sessionID string
	broadcast Broadcaster
	metrics   *observe.Metrics

	// records holds at most one live entry per role.
	records map[transcript.Role]Record
}

// Option is a functional option for configuring a [Deduplicator].
type Option func(*Deduplicator)

// WithMetrics injects the metrics instance for dedup/drop counters.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Deduplicator) { d.metrics = m }
}

// New creates a Deduplicator forwarding to b for the given session.
func New(sessionID string, b Broadcaster, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		sessionID: sessionID,
		broadcast: b,
		records:   make(map[transcript.Role]Record, 2),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Relay forwards one finalized turn to the broadcast boundary.
//
// A missing item id is a monitored silent-degradation path: the local
// transcript still updates (the caller already emitted the message), but
// nothing can be deduplicated without a key, so the relay is skipped and
// logged as an error. An id already relayed for this role is a no-op. A
// broadcast failure is caught and logged — retry policy belongs to the
// broadcast collaborator, and local turn state must never be corrupted by a
// delivery problem.
func (d *Deduplicator) Relay(ctx context.Context, role transcript.Role, itemID, text string, isFinal bool, timestamp time.Time) error {
	if itemID == "" {
		observe.Logger(ctx).Error("relay skipped: finalized turn has no item id",
			"session_id", d.sessionID,
			"role", string(role),
		)
		if d.metrics != nil {
			d.metrics.RecordRelayDropped(ctx, "missing_item_id")
		}
		return fmt.Errorf("relay: missing item id for role %s", role)
	}

	if rec, ok := d.records[role]; ok && rec.ItemID == itemID {
		slog.Debug("relay suppressed: item already forwarded",
			"session_id", d.sessionID,
			"role", string(role),
			"item_id", itemID,
		)
		if d.metrics != nil {
			d.metrics.RecordRelayDeduplicated(ctx, string(role))
		}
		return nil
	}

	if err := d.broadcast.Broadcast(ctx, d.sessionID, role, text, isFinal, timestamp, itemID); err != nil {
		observe.Logger(ctx).Error("broadcast failed",
			"session_id", d.sessionID,
			"role", string(role),
			"item_id", itemID,
			"err", err,
		)
		if d.metrics != nil {
			d.metrics.RecordRelayDropped(ctx, "broadcast_error")
		}
		return fmt.Errorf("relay: broadcast: %w", err)
	}

	// Record only after a successful forward so a transient failure can be
	// retried by a later re-announcement.
	d.records[role] = Record{Role: role, ItemID: itemID, RelayedAt: timestamp}
	return nil
}

// Clear drops the live record for role. Called when the role's next turn
// starts so the new turn relays independently.
func (d *Deduplicator) Clear(role transcript.Role) {
	delete(d.records, role)
}

// Seen reports whether itemID is the live relayed entry for role.
func (d *Deduplicator) Seen(role transcript.Role, itemID string) bool {
	rec, ok := d.records[role]
	return ok && rec.ItemID == itemID
}
