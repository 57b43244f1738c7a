package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport and
// server settings require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PatienceChanged is true when any adaptive-silence tuning knob moved.
	PatienceChanged bool
	NewPatience     PatienceConfig

	// EngineChanged is true when barge-in or the fallback tuning moved.
	EngineChanged bool
	NewEngine     EngineConfig
}

// Empty reports whether the diff carries no hot-reloadable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PatienceChanged && !d.EngineChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Patience != new.Patience {
		d.PatienceChanged = true
		d.NewPatience = new.Patience
	}

	if old.Engine != new.Engine {
		d.EngineChanged = true
		d.NewEngine = new.Engine
	}

	return d
}
