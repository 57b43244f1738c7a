package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Upstream
	if cfg.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	} else if !strings.HasPrefix(cfg.Upstream.URL, "ws://") && !strings.HasPrefix(cfg.Upstream.URL, "wss://") {
		errs = append(errs, fmt.Errorf("upstream.url %q must be a ws:// or wss:// endpoint", cfg.Upstream.URL))
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; the upstream service will likely reject the connection")
	}
	if cfg.Upstream.Reconnect.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("upstream.reconnect.max_attempts %d must not be negative", cfg.Upstream.Reconnect.MaxAttempts))
	}
	if ib, mb := cfg.Upstream.Reconnect.InitialBackoff.Std(), cfg.Upstream.Reconnect.MaxBackoff.Std(); ib > 0 && mb > 0 && ib > mb {
		errs = append(errs, fmt.Errorf("upstream.reconnect.initial_backoff %v exceeds max_backoff %v", ib, mb))
	}

	// Engine
	if d := cfg.Engine.FallbackTimeout.Std(); d < 0 {
		errs = append(errs, fmt.Errorf("engine.fallback_timeout %v must not be negative", d))
	} else if d > 0 && d < time.Second {
		slog.Warn("engine.fallback_timeout is very short; turns may finalize before transcription completes",
			"fallback_timeout", d,
		)
	}

	// Patience: min ≤ base ≤ max when all three are set.
	p := cfg.Patience
	if p.MinSilence > 0 && p.MaxSilence > 0 && p.MinSilence > p.MaxSilence {
		errs = append(errs, fmt.Errorf("patience.min_silence %v exceeds max_silence %v", p.MinSilence.Std(), p.MaxSilence.Std()))
	}
	if p.BaseSilence > 0 && p.MaxSilence > 0 && p.BaseSilence > p.MaxSilence {
		errs = append(errs, fmt.Errorf("patience.base_silence %v exceeds max_silence %v", p.BaseSilence.Std(), p.MaxSilence.Std()))
	}
	for name, d := range map[string]Duration{
		"patience.base_silence":           p.BaseSilence,
		"patience.min_silence":            p.MinSilence,
		"patience.max_silence":            p.MaxSilence,
		"patience.short_fragment_bonus":   p.ShortFragmentBonus,
		"patience.rapid_succession_bonus": p.RapidSuccessionBonus,
		"patience.engagement_bonus":       p.EngagementBonus,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %v must not be negative", name, d.Std()))
		}
	}

	// Hub
	if cfg.Hub.MaxSubscribers < 0 {
		errs = append(errs, fmt.Errorf("hub.max_subscribers %d must not be negative", cfg.Hub.MaxSubscribers))
	}
	if cfg.Hub.History < 0 {
		errs = append(errs, fmt.Errorf("hub.history %d must not be negative", cfg.Hub.History))
	}

	return errors.Join(errs...)
}
