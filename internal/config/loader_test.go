package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/callwire/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "invalid log level",
			yaml:    "server:\n  log_level: bananas\n",
			wantErr: "server.log_level",
		},
		{
			name:    "base url without scheme",
			yaml:    "backend:\n  base_url: localhost:8000\n",
			wantErr: "backend.base_url",
		},
		{
			name:    "audio-in with http scheme",
			yaml:    "backend:\n  audio_in_url: http://localhost/ws\n",
			wantErr: "backend.audio_in_url",
		},
		{
			name:    "audio-out relative",
			yaml:    "backend:\n  audio_out_url: /ws/audio_file\n",
			wantErr: "backend.audio_out_url",
		},
		{
			name:    "negative retry delay",
			yaml:    "link:\n  retry_delay: -1s\n",
			wantErr: "link.retry_delay",
		},
		{
			name:    "negative send buffer",
			yaml:    "link:\n  send_buffer: -3\n",
			wantErr: "link.send_buffer",
		},
		{
			name:    "unknown playback format",
			yaml:    "playback:\n  format: flac\n",
			wantErr: "playback.format",
		},
		{
			name:    "too many channels",
			yaml:    "playback:\n  pcm_channels: 6\n",
			wantErr: "playback.pcm_channels",
		},
		{
			name:    "negative poll interval",
			yaml:    "report:\n  poll_interval: -2s\n",
			wantErr: "report.poll_interval",
		},
		{
			name: "valid secure urls",
			yaml: "backend:\n  base_url: https://a.example\n  audio_in_url: wss://a.example/in\n  audio_out_url: wss://a.example/out\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error should mention %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
playback:
  format: flac
report:
  poll_interval: -1s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "playback.format", "report.poll_interval"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error missing %q: %v", want, err)
		}
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}
