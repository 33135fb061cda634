package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://voice.example
  insecure: true
audio:
  frames_per_buffer: 1024
  device: 2
server:
  workers: 4
log_level: debug
`)
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://voice.example", c.Backend.URL)
	assert.True(t, c.Backend.Insecure)
	assert.Equal(t, 1024, c.Audio.FramesPerBuffer)
	assert.Equal(t, 2, c.Audio.Device)
	assert.Equal(t, 16000, c.Audio.SampleRate, "unset fields keep defaults")
	assert.Equal(t, 4, c.Server.Workers)
	require.NoError(t, c.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Backend.URL, c.Backend.URL)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, "backend:\n  adress: nope\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXLINK_BACKEND_URL", "http://10.0.0.5:9000")
	t.Setenv("VOXLINK_DEVICE", "3")
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:9000", c.Backend.URL)
	assert.Equal(t, 3, c.Audio.Device)
}

func TestStreamEndpoint(t *testing.T) {
	c := Default()
	c.Backend.URL = "https://voice.example/api/"
	got, err := c.StreamEndpoint("abc")
	require.NoError(t, err)
	assert.Equal(t, "wss://voice.example/api/ws?session_id=abc", got)

	c.Backend.StreamURL = "ws://stream.example/live"
	got, err = c.StreamEndpoint("")
	require.NoError(t, err)
	assert.Equal(t, "ws://stream.example/live", got)
}

func TestValidateCollectsErrors(t *testing.T) {
	c := Default()
	c.Audio.SampleRate = 44100
	c.Audio.FramesPerBuffer = 0
	c.Backend.StreamURL = "http://wrong"
	c.Server.CertFile = "cert.pem"
	c.LogLevel = "loud"

	err := c.Validate()
	require.Error(t, err)
	for _, want := range []string{"sample_rate", "frames_per_buffer", "stream_url", "key_file", "loud"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}

func TestDefaultDeviceAndZeroIndex(t *testing.T) {
	c := Default()
	assert.Equal(t, -1, c.Audio.Device)

	c.Audio.Device = 0
	require.NoError(t, c.Validate(), "device 0 is a real index")

	c.Audio.Device = -2
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio.device")

	t.Setenv("VOXLINK_DEVICE", "0")
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0, loaded.Audio.Device)
}

func TestSpeechRequestCarriesVoice(t *testing.T) {
	req := Default().SpeechRequest("hello there")
	assert.Equal(t, "hello there", req.Text)
	assert.Equal(t, "en-US-charles", req.VoiceID)
	assert.Equal(t, "Conversational", req.Style)
	assert.Equal(t, "hi-IN", req.MultiNativeLocale)

	c := writeConfig(t, "voice:\n  style: Narration\n  multi_native_locale: en-GB\n")
	loaded, err := Load(c)
	require.NoError(t, err)
	req = loaded.SpeechRequest("x")
	assert.Equal(t, "Narration", req.Style)
	assert.Equal(t, "en-GB", req.MultiNativeLocale)
	assert.Equal(t, "en-US-charles", req.VoiceID, "unset fields keep defaults")
}
