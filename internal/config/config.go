// Package config provides the configuration schema, loader and file watcher
// for the callwire client.
package config

import (
	"time"

	"github.com/MrWong99/callwire/pkg/audio/codec"
)

// LogLevel controls log verbosity.
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

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = "127.0.0.1:8090"
	DefaultBaseURL          = "http://localhost:8000"
	DefaultAudioInURL       = "ws://localhost:8000/ws/audio_in"
	DefaultAudioOutURL      = "ws://localhost:8000/ws/audio_file"
	DefaultRetryDelay       = time.Second
	DefaultSendBuffer       = 8
	DefaultCaptureRate      = 16000
	DefaultBlockSize        = 4096
	DefaultPCMSampleRate    = 24000
	DefaultOutputSampleRate = 48000
	DefaultOutputBuffer     = 100 * time.Millisecond
	DefaultPollInterval     = 2 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Backend  BackendConfig  `yaml:"backend"`
	Link     LinkConfig     `yaml:"link"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Report   ReportConfig   `yaml:"report"`
	Media    MediaConfig    `yaml:"media"`
}

// ServerConfig holds the local control surface and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the control server (e.g. "127.0.0.1:8090").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It is the only setting applied on reload.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig locates the voice backend.
type BackendConfig struct {
	// BaseURL is the HTTP root of the call endpoints.
	BaseURL string `yaml:"base_url"`

	// AudioInURL is the WebSocket endpoint receiving microphone frames.
	AudioInURL string `yaml:"audio_in_url"`

	// AudioOutURL is the WebSocket endpoint delivering playback audio.
	AudioOutURL string `yaml:"audio_out_url"`
}

// LinkConfig tunes the socket state machine.
type LinkConfig struct {
	// Reconnect enables redialing of dropped sockets. Nil means true.
	Reconnect *bool `yaml:"reconnect"`

	// RetryDelay is the fixed wait before a redial.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// SendBuffer is the number of outbound frames queued per socket.
	SendBuffer int `yaml:"send_buffer"`
}

// ReconnectEnabled reports the effective reconnect setting.
func (l LinkConfig) ReconnectEnabled() bool { return l.Reconnect == nil || *l.Reconnect }

// CaptureConfig selects and shapes the microphone stream.
type CaptureConfig struct {
	SampleRate int `yaml:"sample_rate"`
	BlockSize  int `yaml:"block_size"`

	// Device names the input device. Empty selects the system default.
	Device string `yaml:"device"`
}

// PlaybackConfig describes inbound chunks and the local output device.
type PlaybackConfig struct {
	// Format is the audio-out chunk encoding.
	Format codec.Format `yaml:"format"`

	// PCMSampleRate and PCMChannels describe raw PCM16 chunks.
	PCMSampleRate int `yaml:"pcm_sample_rate"`
	PCMChannels   int `yaml:"pcm_channels"`

	// OutputSampleRate is the rate the speaker is opened at.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputBuffer is the speaker buffer length.
	OutputBuffer time.Duration `yaml:"output_buffer"`
}

// ReportConfig tunes the post-call report job.
type ReportConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MediaConfig lists the local tracks requested at call start.
type MediaConfig struct {
	// Video requests a video track. Nil means true.
	Video *bool `yaml:"video"`
}

// VideoEnabled reports the effective video setting.
func (m MediaConfig) VideoEnabled() bool { return m.Video == nil || *m.Video }

// ApplyDefaults fills every zero value with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Backend.BaseURL == "" {
		cfg.Backend.BaseURL = DefaultBaseURL
	}
	if cfg.Backend.AudioInURL == "" {
		cfg.Backend.AudioInURL = DefaultAudioInURL
	}
	if cfg.Backend.AudioOutURL == "" {
		cfg.Backend.AudioOutURL = DefaultAudioOutURL
	}
	if cfg.Link.RetryDelay == 0 {
		cfg.Link.RetryDelay = DefaultRetryDelay
	}
	if cfg.Link.SendBuffer == 0 {
		cfg.Link.SendBuffer = DefaultSendBuffer
	}
	if cfg.Capture.SampleRate == 0 {
		cfg.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Capture.BlockSize == 0 {
		cfg.Capture.BlockSize = DefaultBlockSize
	}
	if cfg.Playback.Format == "" {
		cfg.Playback.Format = codec.FormatAuto
	}
	if cfg.Playback.PCMSampleRate == 0 {
		cfg.Playback.PCMSampleRate = DefaultPCMSampleRate
	}
	if cfg.Playback.PCMChannels == 0 {
		cfg.Playback.PCMChannels = 1
	}
	if cfg.Playback.OutputSampleRate == 0 {
		cfg.Playback.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Playback.OutputBuffer == 0 {
		cfg.Playback.OutputBuffer = DefaultOutputBuffer
	}
	if cfg.Report.PollInterval == 0 {
		cfg.Report.PollInterval = DefaultPollInterval
	}
}
