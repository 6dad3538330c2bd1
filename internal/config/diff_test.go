package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/callwire/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone must not require restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.ListenAddr = ":1"
	new.Backend.BaseURL = "http://other"
	new.Report.PollInterval = 5 * time.Second
	off := false
	new.Media.Video = &off

	d := config.Diff(old, new)
	want := []string{"server", "backend", "report", "media"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false")
	}
}
