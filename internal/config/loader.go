package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvBackendURL  = "CALLWIRE_BACKEND_URL"
	EnvAudioInURL  = "CALLWIRE_AUDIO_IN_URL"
	EnvAudioOutURL = "CALLWIRE_AUDIO_OUT_URL"
	EnvLogLevel    = "CALLWIRE_LOG_LEVEL"
	EnvListenAddr  = "CALLWIRE_LISTEN_ADDR"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with environment overrides and defaults applied. An empty path
// loads defaults and the environment only.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := &Config{}
		return finish(cfg)
	}
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

// LoadFromReader decodes a YAML config from r, overlays the environment,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnv(cfg, os.Getenv)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. With no
// arguments it loads ".env" from the working directory. A missing file is
// not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("config: environment file loaded", "path", f)
	}
	return nil
}

// ApplyEnv overrides cfg with the CALLWIRE_* variables returned by getenv.
// Empty variables are ignored.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Backend.BaseURL, EnvBackendURL)
	set(&cfg.Backend.AudioInURL, EnvAudioInURL)
	set(&cfg.Backend.AudioOutURL, EnvAudioOutURL)
	set(&cfg.Server.ListenAddr, EnvListenAddr)
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	errs = append(errs, validateURL("backend.base_url", cfg.Backend.BaseURL, "http", "https"))
	errs = append(errs, validateURL("backend.audio_in_url", cfg.Backend.AudioInURL, "ws", "wss"))
	errs = append(errs, validateURL("backend.audio_out_url", cfg.Backend.AudioOutURL, "ws", "wss"))

	// Link
	if cfg.Link.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("link.retry_delay %v must not be negative", cfg.Link.RetryDelay))
	}
	if cfg.Link.SendBuffer < 0 {
		errs = append(errs, fmt.Errorf("link.send_buffer %d must not be negative", cfg.Link.SendBuffer))
	}
	if !cfg.Link.ReconnectEnabled() {
		slog.Warn("config: link.reconnect is disabled; a dropped socket ends streaming until restart")
	}

	// Capture
	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("capture.block_size %d must not be negative", cfg.Capture.BlockSize))
	}

	// Playback
	if cfg.Playback.Format != "" && !cfg.Playback.Format.IsValid() {
		errs = append(errs, fmt.Errorf("playback.format %q is invalid; valid values: auto, wav, mp3, opus, pcm16", cfg.Playback.Format))
	}
	if ch := cfg.Playback.PCMChannels; ch < 0 || ch > 2 {
		errs = append(errs, fmt.Errorf("playback.pcm_channels %d is out of range [1, 2]", ch))
	}
	if cfg.Playback.PCMSampleRate < 0 || cfg.Playback.OutputSampleRate < 0 {
		errs = append(errs, errors.New("playback sample rates must not be negative"))
	}
	if cfg.Playback.OutputBuffer < 0 {
		errs = append(errs, fmt.Errorf("playback.output_buffer %v must not be negative", cfg.Playback.OutputBuffer))
	}

	// Report
	if cfg.Report.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("report.poll_interval %v must not be negative", cfg.Report.PollInterval))
	}

	return errors.Join(errs...)
}

// validateURL returns nil for an empty value; defaults fill it later.
func validateURL(field, raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s %q: %w", field, raw, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s %q must be an absolute %s URL", field, raw, schemes[0])
}
