// Package hub fans transcript updates out to observer WebSocket clients.
//
// The hub is the broadcast boundary of a session: finalized turns arrive
// through [Hub.Broadcast] (guarded upstream by the relay deduplicator, and
// once more here so a restarted engine instance cannot double-deliver),
// while partial text, status changes, and errors arrive through the Publish
// methods. Every connected observer receives the same ordered stream;
// clients connecting with ?diagnostics=1 additionally receive one frame per
// classified upstream event.
//
// New subscribers are backfilled with the most recent finalized messages so
// a late-joining observer sees conversation context immediately.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/attunelabs/attune/internal/observe"
	"github.com/attunelabs/attune/internal/relay"
	"github.com/attunelabs/attune/pkg/realtime"
	"github.com/attunelabs/attune/pkg/transcript"
)

// Defaults applied by [Config.applyDefaults].
const (
	defaultWriteTimeout = 5 * time.Second
	defaultHistory      = 50
)

// subscriber channel headroom beyond the history backfill.
const channelSlack = 32

// Event is the wire envelope delivered to observer clients.
type Event struct {
	// Type is one of "message", "status", "error", "diagnostic".
	Type string `json:"type"`

	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Final     bool      `json:"final,omitempty"`
	ItemID    string    `json:"item_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Status is set on status frames (connected, reconnecting…).
	Status string `json:"status,omitempty"`

	// Error is set on error frames.
	Error string `json:"error,omitempty"`

	// EventKind is set on diagnostic frames.
	EventKind string `json:"event_kind,omitempty"`
}

// Config configures a [Hub].
type Config struct {
	// MaxSubscribers bounds concurrently connected observers. Zero means
	// unlimited.
	MaxSubscribers int

	// WriteTimeout bounds a single frame write to one client.
	WriteTimeout time.Duration

	// History is the number of finalized messages replayed to a new
	// subscriber.
	History int
}

func (c *Config) applyDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.History < 0 {
		c.History = defaultHistory
	}
}

// Compile-time assertion that the hub can serve as the relay boundary.
var _ relay.Broadcaster = (*Hub)(nil)

// subscriber is one connected observer. Events are handed off through ch;
// the connection goroutine drains it and owns the actual socket writes.
type subscriber struct {
	ch          chan Event
	diagnostics bool
}

// Hub is the observer fan-out. Safe for concurrent use.
type Hub struct {
	cfg     Config
	metrics *observe.Metrics

	mu      sync.Mutex
	subs    map[int]*subscriber
	nextID  int
	closed  bool
	history []Event

	// seen holds the last finalized item id broadcast per role, mirroring
	// the relay's idempotency key so a replayed Broadcast is a no-op.
	seen map[transcript.Role]string
}

// Option is a functional option for configuring a [Hub].
type Option func(*Hub)

// WithMetrics injects the metrics instance for the subscriber gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// New creates a Hub.
func New(cfg Config, opts ...Option) *Hub {
	cfg.applyDefaults()
	h := &Hub{
		cfg:  cfg,
		subs: make(map[int]*subscriber),
		seen: make(map[transcript.Role]string, 2),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serving reports whether the hub accepts new subscribers. Used by the
// readiness probe.
func (h *Hub) Serving() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.closed
}

// SubscriberCount returns the number of currently connected observers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every observer and rejects future connections.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Broadcast implements [relay.Broadcaster]: one finalized turn is fanned out
// to every observer. A repeated call with the role's live item id is a no-op
// so a restarted engine instance replaying its last completion cannot
// double-deliver.
func (h *Hub) Broadcast(ctx context.Context, sessionID string, role transcript.Role, text string, isFinal bool, timestamp time.Time, itemID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("hub: closed")
	}
	if isFinal && itemID != "" && h.seen[role] == itemID {
		slog.Debug("broadcast suppressed: item already delivered",
			"session_id", sessionID,
			"role", string(role),
			"item_id", itemID,
		)
		return nil
	}

	ev := Event{
		Type:      "message",
		SessionID: sessionID,
		Role:      string(role),
		Text:      text,
		Final:     isFinal,
		ItemID:    itemID,
		Timestamp: timestamp,
	}
	h.fanout(ev)

	if isFinal {
		if itemID != "" {
			h.seen[role] = itemID
		}
		h.remember(ev)
	}
	return nil
}

// PublishPartial delivers an in-progress message revision to observers.
// Partials are not recorded in history; only finalized text is worth
// replaying to late joiners.
func (h *Hub) PublishPartial(sessionID string, m transcript.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.fanout(Event{
		Type:      "message",
		SessionID: sessionID,
		Role:      string(m.Role),
		Text:      m.Text,
		Final:     false,
		MessageID: m.ID,
		Timestamp: m.Timestamp,
	})
}

// PublishStatus delivers a session status change to observers.
func (h *Hub) PublishStatus(sessionID, status string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.fanout(Event{
		Type:      "status",
		SessionID: sessionID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}

// PublishError delivers an upstream session failure to observers.
func (h *Hub) PublishError(sessionID, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.fanout(Event{
		Type:      "error",
		SessionID: sessionID,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	})
}

// PublishDiagnostic delivers one classified upstream event to diagnostics
// subscribers only.
func (h *Hub) PublishDiagnostic(sessionID string, ev realtime.ConversationEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	frame := Event{
		Type:      "diagnostic",
		SessionID: sessionID,
		EventKind: string(ev.Kind),
		ItemID:    ev.ItemID,
		Timestamp: time.Now().UTC(),
	}
	for id, sub := range h.subs {
		if !sub.diagnostics {
			continue
		}
		h.send(id, sub, frame)
	}
}

// fanout delivers ev to every subscriber. Caller holds h.mu.
func (h *Hub) fanout(ev Event) {
	for id, sub := range h.subs {
		h.send(id, sub, ev)
	}
}

// send enqueues ev for one subscriber, dropping the subscriber when its
// queue is full: a consumer that cannot keep up must not stall the session.
// Caller holds h.mu.
func (h *Hub) send(id int, sub *subscriber, ev Event) {
	select {
	case sub.ch <- ev:
	default:
		slog.Warn("dropping slow observer", "subscriber_id", id)
		close(sub.ch)
		delete(h.subs, id)
		if h.metrics != nil {
			h.metrics.Subscribers.Add(context.Background(), -1)
		}
	}
}

// remember appends a finalized event to the replay history. Caller holds
// h.mu.
func (h *Hub) remember(ev Event) {
	if h.cfg.History == 0 {
		return
	}
	if len(h.history) == h.cfg.History {
		copy(h.history, h.history[1:])
		h.history = h.history[:len(h.history)-1]
	}
	h.history = append(h.history, ev)
}

// register adds a subscriber, backfilling its queue with the replay history.
func (h *Hub) register(diagnostics bool) (int, *subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, nil, fmt.Errorf("hub: closed")
	}
	if h.cfg.MaxSubscribers > 0 && len(h.subs) >= h.cfg.MaxSubscribers {
		return 0, nil, fmt.Errorf("hub: subscriber limit %d reached", h.cfg.MaxSubscribers)
	}

	sub := &subscriber{
		ch:          make(chan Event, h.cfg.History+channelSlack),
		diagnostics: diagnostics,
	}
	for _, ev := range h.history {
		sub.ch <- ev
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	if h.metrics != nil {
		h.metrics.Subscribers.Add(context.Background(), 1)
	}
	return id, sub, nil
}

// unregister removes a subscriber if it is still registered. Safe to call
// after the hub already dropped it.
func (h *Hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	close(sub.ch)
	delete(h.subs, id)
	if h.metrics != nil {
		h.metrics.Subscribers.Add(context.Background(), -1)
	}
}

// Handle upgrades the request to a WebSocket and streams events until the
// client disconnects, the hub closes, or the subscriber falls behind.
// Register it on a mux at the observer endpoint (e.g. GET /ws).
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("observer accept failed", "err", err)
		return
	}

	id, sub, err := h.register(r.URL.Query().Get("diagnostics") == "1")
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer h.unregister(id)

	slog.Info("observer connected", "subscriber_id", id, "remote", r.RemoteAddr)

	// The read side only watches for the client closing the connection;
	// observers never send frames.
	readCtx := conn.CloseRead(r.Context())

	for {
		select {
		case <-readCtx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev, ok := <-sub.ch:
			if !ok {
				// Dropped by the hub (slow consumer or shutdown).
				conn.Close(websocket.StatusTryAgainLater, "write queue overflow")
				return
			}
			if err := h.writeEvent(conn, ev); err != nil {
				slog.Debug("observer write failed", "subscriber_id", id, "err", err)
				conn.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// writeEvent sends one frame with the configured write timeout.
func (h *Hub) writeEvent(conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
