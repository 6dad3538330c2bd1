package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only the log level is applied live; every other change is reported in
// RestartRequired so the caller can tell the operator.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists the top-level sections whose changes take
	// effect only after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"backend", old.Backend, new.Backend},
		{"link", old.Link, new.Link},
		{"capture", old.Capture, new.Capture},
		{"playback", old.Playback, new.Playback},
		{"report", old.Report, new.Report},
		{"media", old.Media, new.Media},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
