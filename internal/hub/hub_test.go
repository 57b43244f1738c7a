package hub_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/attunelabs/attune/internal/hub"
	"github.com/attunelabs/attune/pkg/realtime"
	"github.com/attunelabs/attune/pkg/transcript"
)

// ── Helpers ────────────────────────────────────────────────────────────────

func startHub(t *testing.T, cfg hub.Config) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.New(cfg)
	srv := httptest.NewServer(http.HandlerFunc(h.Handle))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Close)
	return h, srv
}

// dialObserver connects an observer client. query is appended verbatim
// (e.g. "?diagnostics=1").
func dialObserver(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial observer: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) hub.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

// waitForSubscribers blocks until the hub reports n connected observers.
// Accept runs asynchronously to Dial returning, so tests must sync here
// before broadcasting.
func waitForSubscribers(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for h.SubscriberCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count = %d, want %d", h.SubscriberCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func broadcast(t *testing.T, h *hub.Hub, role transcript.Role, text, itemID string) {
	t.Helper()
	if err := h.Broadcast(context.Background(), "sess_1", role, text, true, time.Now(), itemID); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
}

// ── Tests ──────────────────────────────────────────────────────────────────

func TestBroadcastReachesObserver(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	broadcast(t, h, transcript.RoleUser, "hello there", "item_1")

	ev := readEvent(t, conn)
	if ev.Type != "message" || !ev.Final {
		t.Errorf("event = %+v, want final message", ev)
	}
	if ev.Text != "hello there" || ev.Role != "user" || ev.ItemID != "item_1" {
		t.Errorf("event fields = %+v", ev)
	}
	if ev.SessionID != "sess_1" {
		t.Errorf("session_id = %q", ev.SessionID)
	}
}

func TestBroadcastIdempotentOnItemID(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	broadcast(t, h, transcript.RoleUser, "hello", "item_1")
	broadcast(t, h, transcript.RoleUser, "hello", "item_1")
	broadcast(t, h, transcript.RoleUser, "next turn", "item_2")

	first := readEvent(t, conn)
	second := readEvent(t, conn)
	if first.ItemID != "item_1" || second.ItemID != "item_2" {
		t.Errorf("delivered items = %q, %q; want item_1 then item_2", first.ItemID, second.ItemID)
	}
}

func TestRolesDeduplicateIndependently(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	broadcast(t, h, transcript.RoleUser, "question", "item_1")
	broadcast(t, h, transcript.RoleAssistant, "answer", "item_1")

	if got := readEvent(t, conn).Role; got != "user" {
		t.Errorf("first role = %q", got)
	}
	if got := readEvent(t, conn).Role; got != "assistant" {
		t.Errorf("second role = %q, want same item id delivered for the other role", got)
	}
}

func TestHistoryBackfillsLateJoiner(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{History: 10})

	broadcast(t, h, transcript.RoleUser, "first", "item_1")
	broadcast(t, h, transcript.RoleAssistant, "second", "item_2")

	conn := dialObserver(t, srv, "")
	if got := readEvent(t, conn).Text; got != "first" {
		t.Errorf("backfill[0] = %q", got)
	}
	if got := readEvent(t, conn).Text; got != "second" {
		t.Errorf("backfill[1] = %q", got)
	}
}

func TestHistoryCapDropsOldest(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{History: 2})

	broadcast(t, h, transcript.RoleUser, "one", "item_1")
	broadcast(t, h, transcript.RoleUser, "two", "item_2")
	broadcast(t, h, transcript.RoleUser, "three", "item_3")

	conn := dialObserver(t, srv, "")
	if got := readEvent(t, conn).Text; got != "two" {
		t.Errorf("backfill[0] = %q, want oldest entry evicted", got)
	}
	if got := readEvent(t, conn).Text; got != "three" {
		t.Errorf("backfill[1] = %q", got)
	}
}

func TestPartialNotReplayedToLateJoiner(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{History: 10})

	h.PublishPartial("sess_1", transcript.Message{
		ID: "msg_1", Role: transcript.RoleUser, Text: "typing…", Pending: true,
	})
	broadcast(t, h, transcript.RoleUser, "typed it all", "item_1")

	conn := dialObserver(t, srv, "")
	ev := readEvent(t, conn)
	if ev.Text != "typed it all" || !ev.Final {
		t.Errorf("backfill = %+v, want only the finalized message", ev)
	}
}

func TestPartialDeliveredLive(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	h.PublishPartial("sess_1", transcript.Message{
		ID: "msg_1", Role: transcript.RoleAssistant, Text: "so far", Pending: true,
	})

	ev := readEvent(t, conn)
	if ev.Final || ev.Text != "so far" || ev.MessageID != "msg_1" {
		t.Errorf("event = %+v, want non-final partial", ev)
	}
}

func TestStatusAndErrorFrames(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	h.PublishStatus("sess_1", "reconnecting")
	h.PublishError("sess_1", "session expired")

	if ev := readEvent(t, conn); ev.Type != "status" || ev.Status != "reconnecting" {
		t.Errorf("status frame = %+v", ev)
	}
	if ev := readEvent(t, conn); ev.Type != "error" || ev.Error != "session expired" {
		t.Errorf("error frame = %+v", ev)
	}
}

func TestDiagnosticsOnlyForOptedInClients(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	plain := dialObserver(t, srv, "")
	diag := dialObserver(t, srv, "?diagnostics=1")
	waitForSubscribers(t, h, 2)

	h.PublishDiagnostic("sess_1", realtime.ConversationEvent{
		Kind:   realtime.EventSpeechStarted,
		ItemID: "item_1",
	})
	broadcast(t, h, transcript.RoleUser, "hello", "item_1")

	// The diagnostics client sees the diagnostic frame first.
	ev := readEvent(t, diag)
	if ev.Type != "diagnostic" || ev.EventKind != string(realtime.EventSpeechStarted) {
		t.Errorf("diagnostic frame = %+v", ev)
	}
	if ev := readEvent(t, diag); ev.Type != "message" {
		t.Errorf("next diag frame = %+v", ev)
	}

	// The plain client sees only the message.
	if ev := readEvent(t, plain); ev.Type != "message" {
		t.Errorf("plain client frame = %+v, want diagnostic skipped", ev)
	}
}

func TestSubscriberLimit(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{MaxSubscribers: 1})
	dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	// The second connection is accepted at the HTTP layer, then closed by
	// the hub with a try-again status.
	over := dialObserver(t, srv, "")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := over.Read(ctx); err == nil {
		t.Fatal("read on over-limit connection succeeded, want close")
	}
	if h.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want limit enforced", h.SubscriberCount())
	}
}

func TestCloseDisconnectsObservers(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{})
	conn := dialObserver(t, srv, "")
	waitForSubscribers(t, h, 1)

	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("read after Close succeeded, want connection closed")
	}
	if h.Serving() {
		t.Error("Serving() = true after Close")
	}
	if err := h.Broadcast(context.Background(), "sess_1", transcript.RoleUser, "late", true, time.Now(), "item_9"); err == nil {
		t.Error("Broadcast after Close returned nil")
	}
}

func TestBroadcastWithoutSubscribersRecordsHistory(t *testing.T) {
	t.Parallel()

	h, srv := startHub(t, hub.Config{History: 5})
	broadcast(t, h, transcript.RoleUser, "unseen", "item_1")

	conn := dialObserver(t, srv, "")
	if got := readEvent(t, conn).Text; got != "unseen" {
		t.Errorf("backfill = %q", got)
	}
}
