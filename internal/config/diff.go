package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TransportChanged is informational: transport values other than the
	// timeout are resolved on every round and need no action.
	TransportChanged bool

	// RestartRequired lists the sections whose changes only apply after a
	// restart.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.TransportChanged = !reflect.DeepEqual(old.Transport, new.Transport)

	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if old.Transport.Timeout != new.Transport.Timeout {
		d.RestartRequired = append(d.RestartRequired, "transport.timeout")
	}
	if old.Chat != new.Chat {
		d.RestartRequired = append(d.RestartRequired, "chat")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	return d
}
