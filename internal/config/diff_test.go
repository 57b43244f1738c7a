package config

import (
	"testing"
	"time"
)

func baseConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":8080", LogLevel: LogInfo},
		Upstream: UpstreamConfig{
			URL:    "wss://example.com/realtime",
			APIKey: "sk-test",
		},
		Engine: EngineConfig{BargeIn: true, FallbackTimeout: Duration(5 * time.Second)},
		Patience: PatienceConfig{
			BaseSilence: Duration(700 * time.Millisecond),
			MaxSilence:  Duration(1500 * time.Millisecond),
		},
	}
}

func TestDiffEmpty(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	if d := Diff(old, new); !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = LogDebug

	d := Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != LogDebug {
		t.Errorf("diff = %+v, want log level change to debug", d)
	}
	if d.PatienceChanged || d.EngineChanged {
		t.Error("unrelated sections flagged")
	}
}

func TestDiffPatience(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Patience.BaseSilence = Duration(900 * time.Millisecond)

	d := Diff(old, new)
	if !d.PatienceChanged {
		t.Fatalf("diff = %+v, want patience change", d)
	}
	if got := d.NewPatience.BaseSilence.Std(); got != 900*time.Millisecond {
		t.Errorf("new base_silence = %v", got)
	}
}

func TestDiffEngine(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Engine.BargeIn = false

	d := Diff(old, new)
	if !d.EngineChanged || d.NewEngine.BargeIn {
		t.Errorf("diff = %+v, want engine change with barge-in off", d)
	}
}

// Restart-only settings must never appear in the diff.
func TestDiffIgnoresTransportChanges(t *testing.T) {
	t.Parallel()

	old, new := baseConfig(), baseConfig()
	new.Upstream.URL = "wss://other.example.com/realtime"
	new.Server.ListenAddr = ":9090"

	if d := Diff(old, new); !d.Empty() {
		t.Errorf("diff = %+v, want restart-only changes ignored", d)
	}
}
