// Package config provides the configuration schema, loader, and hot-reload
// watcher for the Attune transcript service.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"
)

// LogLevel controls log verbosity for the Attune server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Duration wraps time.Duration so YAML values can be written in the usual Go
// notation ("700ms", "5s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"700ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration structure for Attune.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Engine   EngineConfig   `yaml:"engine"`
	Patience PatienceConfig `yaml:"patience"`
	Hub      HubConfig      `yaml:"hub"`
}

// ServerConfig holds network and logging settings for the observer-facing
// server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the realtime speech service the engine consumes.
type UpstreamConfig struct {
	// URL is the websocket endpoint of the realtime service
	// (e.g., "wss://api.openai.com/v1/realtime").
	URL string `yaml:"url"`

	// APIKey authenticates against the upstream service.
	APIKey string `yaml:"api_key"`

	// Model selects the realtime model (appended as a query parameter).
	Model string `yaml:"model"`

	// TranscriptionModel selects the input-audio transcription model pushed
	// in the session configuration. Leave empty for the upstream default.
	TranscriptionModel string `yaml:"transcription_model"`

	// Reconnect tunes the automatic reconnection loop.
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the exponential-backoff reconnection loop for the
// upstream websocket.
type ReconnectConfig struct {
	// MaxAttempts bounds consecutive failed attempts before giving up.
	// Zero means retry forever.
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the delay before the first retry. Default 1s.
	InitialBackoff Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential growth. Default 30s.
	MaxBackoff Duration `yaml:"max_backoff"`
}

// EngineConfig tunes turn finalization behaviour.
type EngineConfig struct {
	// BargeIn allows user speech to interrupt a streaming assistant turn.
	BargeIn bool `yaml:"barge_in"`

	// FallbackTimeout bounds how long a turn may stay unresolved after
	// speech stops before a placeholder finalization fires. Default 5s.
	FallbackTimeout Duration `yaml:"fallback_timeout"`

	// FallbackSentinel is the placeholder committed when no transcript ever
	// arrived. Default "[inaudible]".
	FallbackSentinel string `yaml:"fallback_sentinel"`

	// FailureSentinel is the placeholder committed when upstream
	// transcription fails. Default "[transcription unavailable]".
	FailureSentinel string `yaml:"failure_sentinel"`
}

// PatienceConfig tunes the adaptive silence threshold. All values optional;
// zero takes the built-in default.
type PatienceConfig struct {
	BaseSilence Duration `yaml:"base_silence"`
	MinSilence  Duration `yaml:"min_silence"`
	MaxSilence  Duration `yaml:"max_silence"`

	ShortFragmentBonus   Duration `yaml:"short_fragment_bonus"`
	RapidSuccessionBonus Duration `yaml:"rapid_succession_bonus"`
	EngagementBonus      Duration `yaml:"engagement_bonus"`
}

// HubConfig tunes the observer fan-out hub.
type HubConfig struct {
	// MaxSubscribers bounds concurrent observer connections. Zero means
	// unlimited.
	MaxSubscribers int `yaml:"max_subscribers"`

	// WriteTimeout bounds one delivery to one subscriber. Default 5s.
	WriteTimeout Duration `yaml:"write_timeout"`

	// History is how many finalized messages a newly connected observer
	// receives as backfill. Default 50.
	History int `yaml:"history"`
}
