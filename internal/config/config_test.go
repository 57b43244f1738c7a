package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":8080"
  log_level: info
upstream:
  url: wss://api.openai.com/v1/realtime
  api_key: sk-test
  model: gpt-4o-realtime-preview
  reconnect:
    max_attempts: 10
    initial_backoff: 1s
    max_backoff: 30s
engine:
  barge_in: true
  fallback_timeout: 5s
patience:
  base_silence: 700ms
  min_silence: 500ms
  max_silence: 1500ms
hub:
  max_subscribers: 64
  write_timeout: 5s
  history: 50
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()

	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader() error = %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Upstream.Model != "gpt-4o-realtime-preview" {
		t.Errorf("model = %q", cfg.Upstream.Model)
	}
	if got := cfg.Engine.FallbackTimeout.Std(); got != 5*time.Second {
		t.Errorf("fallback_timeout = %v, want 5s", got)
	}
	if got := cfg.Patience.BaseSilence.Std(); got != 700*time.Millisecond {
		t.Errorf("base_silence = %v, want 700ms", got)
	}
	if !cfg.Engine.BargeIn {
		t.Error("barge_in = false")
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
upstream:
  url: wss://example.com
  tyop: oops
`))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestLoadFromReaderRejectsBadDuration(t *testing.T) {
	t.Parallel()

	_, err := LoadFromReader(strings.NewReader(`
upstream:
  url: wss://example.com
engine:
  fallback_timeout: banana
`))
	if err == nil {
		t.Fatal("malformed duration accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config passes",
			mutate:  func(*Config) {},
			wantErr: "",
		},
		{
			name:    "missing upstream url",
			mutate:  func(c *Config) { c.Upstream.URL = "" },
			wantErr: "upstream.url is required",
		},
		{
			name:    "non-websocket upstream url",
			mutate:  func(c *Config) { c.Upstream.URL = "https://api.openai.com" },
			wantErr: "must be a ws:// or wss://",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "tls missing key file",
			mutate:  func(c *Config) { c.Server.TLS = &TLSConfig{CertFile: "cert.pem"} },
			wantErr: "server.tls requires both",
		},
		{
			name:    "inverted patience clamp",
			mutate:  func(c *Config) { c.Patience.MinSilence = Duration(2 * time.Second) },
			wantErr: "patience.min_silence",
		},
		{
			name:    "negative patience bonus",
			mutate:  func(c *Config) { c.Patience.EngagementBonus = Duration(-time.Second) },
			wantErr: "patience.engagement_bonus",
		},
		{
			name: "backoff inversion",
			mutate: func(c *Config) {
				c.Upstream.Reconnect.InitialBackoff = Duration(time.Minute)
				c.Upstream.Reconnect.MaxBackoff = Duration(time.Second)
			},
			wantErr: "initial_backoff",
		},
		{
			name:    "negative hub history",
			mutate:  func(c *Config) { c.Hub.History = -1 },
			wantErr: "hub.history",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config invalid: %v", err)
			}
			tc.mutate(cfg)

			err = Validate(cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Validate() error = %q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

// Validation failures accumulate instead of stopping at the first one.
func TestValidateJoinsErrors(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Server: ServerConfig{LogLevel: "loud"},
		Hub:    HubConfig{MaxSubscribers: -1},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	for _, want := range []string{"upstream.url", "server.log_level", "hub.max_subscribers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLogLevelLevel(t *testing.T) {
	t.Parallel()

	cases := map[LogLevel]string{
		LogDebug:       "DEBUG",
		LogInfo:        "INFO",
		LogWarn:        "WARN",
		LogError:       "ERROR",
		LogLevel(""):   "INFO",
		LogLevel("xx"): "INFO",
	}
	for in, want := range cases {
		if got := in.Level().String(); got != want {
			t.Errorf("%q.Level() = %s, want %s", in, got, want)
		}
	}
}
