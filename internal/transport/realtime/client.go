// Package realtime maintains the websocket connection to the upstream
// realtime speech service.
//
// The client owns the connection lifecycle: dial with authentication, push
// the initial session configuration, pump every inbound frame to the
// dispatcher, and reconnect with exponential backoff when the link drops.
// It never interprets payloads beyond framing — classification and all turn
// logic live downstream of the dispatcher.
//
// The client is also the delivery side of the adaptive patience loop: it
// implements the threshold sink and pushes recomputed silence windows into
// the remote session configuration via session.update.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/attunelabs/attune/internal/patience"
)

// Default reconnection parameters.
const (
	defaultMaxAttempts    = 10
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Session status values published through the dispatcher.
const (
	StatusConnected    = "connected"
	StatusReconnecting = "reconnecting"
	StatusDisconnected = "disconnected"
)

// Dispatcher receives every raw upstream frame plus connection status
// changes. Implemented by the orchestrator.
type Dispatcher interface {
	DispatchRaw(data []byte)
	SetStatus(status string)
}

// Config configures a [Client].
type Config struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string

	// APIKey is sent as a Bearer token.
	APIKey string

	// Model is appended as the model query parameter when non-empty.
	Model string

	// TranscriptionModel selects the input-audio transcription model pushed
	// in the initial session.update. Empty keeps the upstream default.
	TranscriptionModel string

	// MaxAttempts bounds consecutive failed reconnection attempts.
	// Zero retries forever.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry, doubling each
	// attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts < 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
}

// Compile-time assertion that Client is a usable threshold sink.
var _ patience.ThresholdSink = (*Client)(nil)

// Client is the upstream websocket transport. Safe for concurrent use.
type Client struct {
	cfg      Config
	dispatch Dispatcher

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// threshold is the most recently requested silence window; re-applied
	// to every new connection so a reconnect does not reset patience.
	threshold time.Duration
}

// New creates a Client delivering frames to d.
func New(cfg Config, d Dispatcher) *Client {
	cfg.applyDefaults()
	return &Client{cfg: cfg, dispatch: d}
}

// Connected reports whether the upstream link is currently established.
// Used by the health endpoint.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Run connects and pumps frames until ctx is cancelled or reconnection gives
// up. A clean shutdown returns nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.dispatch.SetStatus(StatusDisconnected)
			return fmt.Errorf("transport: connect: %w", err)
		}

		c.setConn(conn)
		c.dispatch.SetStatus(StatusConnected)

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		if ctx.Err() != nil {
			conn.Close(websocket.StatusNormalClosure, "shutting down")
			return nil
		}

		slog.Warn("upstream connection lost", "err", err)
		c.dispatch.SetStatus(StatusReconnecting)
	}
}

// dial attempts the initial connection and, on failure, retries with
// exponential backoff up to the configured attempt budget.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	backoff := c.cfg.InitialBackoff
	var lastErr error

	for attempt := 1; c.cfg.MaxAttempts == 0 || attempt <= c.cfg.MaxAttempts; attempt++ {
		conn, err := c.dialOnce(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("upstream reconnected", "attempt", attempt)
			}
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		slog.Warn("upstream connection attempt failed",
			"attempt", attempt,
			"max_attempts", c.cfg.MaxAttempts,
			"backoff", backoff,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > c.cfg.MaxBackoff {
			backoff = c.cfg.MaxBackoff
		}
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// dialOnce performs a single dial plus the initial session configuration.
func (c *Client) dialOnce(ctx context.Context) (*websocket.Conn, error) {
	wsURL := c.cfg.URL
	if c.cfg.Model != "" {
		wsURL = fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.Model)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, err
	}

	if err := c.sendInitialUpdate(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("session update: %w", err)
	}
	return conn, nil
}

// readLoop pumps frames to the dispatcher until the connection fails.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.dispatch.DispatchRaw(data)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = conn != nil
}

// ── Outgoing protocol messages ─────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	TurnDetection           *turnDetectionParams `json:"turn_detection,omitempty"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type turnDetectionParams struct {
	Type              string `json:"type"`
	SilenceDurationMs int64  `json:"silence_duration_ms"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type createItemMessage struct {
	Type string   `json:"type"`
	Item wireItem `json:"item"`
}

type wireItem struct {
	Type    string     `json:"type"`
	Role    string     `json:"role"`
	Content []wirePart `json:"content"`
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// sendInitialUpdate configures the fresh session: transcription model and,
// when a threshold was already computed before a reconnect, the silence
// window.
func (c *Client) sendInitialUpdate(ctx context.Context, conn *websocket.Conn) error {
	params := sessionParams{}
	if c.cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: c.cfg.TranscriptionModel}
	}

	c.mu.Lock()
	threshold := c.threshold
	c.mu.Unlock()
	if threshold > 0 {
		params.TurnDetection = &turnDetectionParams{
			Type:              "server_vad",
			SilenceDurationMs: threshold.Milliseconds(),
		}
	}

	return writeJSON(ctx, conn, sessionUpdateMessage{Type: "session.update", Session: params})
}

// SetSilenceThreshold implements [patience.ThresholdSink]: the recomputed
// window is pushed into the remote turn detector. Called while disconnected
// the value is retained and applied on the next connection.
func (c *Client) SetSilenceThreshold(d time.Duration) {
	c.mu.Lock()
	c.threshold = d
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return
	}

	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			TurnDetection: &turnDetectionParams{
				Type:              "server_vad",
				SilenceDurationMs: d.Milliseconds(),
			},
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := writeJSON(ctx, conn, msg); err != nil {
		// Non-fatal: the read loop will notice a dead connection and
		// reconnect; the retained threshold is re-applied then.
		slog.Warn("failed to push silence threshold", "threshold", d, "err", err)
	}
}

// SendText injects a typed text message into the upstream conversation and
// asks the model to respond. Used for the text side channel alongside voice.
func (c *Client) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	msg := createItemMessage{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:    "message",
			Role:    "user",
			Content: []wirePart{{Type: "input_text", Text: text}},
		},
	}
	if err := writeJSON(ctx, conn, msg); err != nil {
		return fmt.Errorf("transport: send text: %w", err)
	}
	if err := writeJSON(ctx, conn, map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("transport: request response: %w", err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text websocket message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
