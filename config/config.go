// Package config loads voxlink settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/bosley/voxlink/api"
)

type Config struct {
	Backend struct {
		URL       string `yaml:"url"`
		StreamURL string `yaml:"stream_url"`
		CACert    string `yaml:"ca_cert"`
		Insecure  bool   `yaml:"insecure"`
		// EndMarker overrides the text sent after the last frame.
		EndMarker string `yaml:"end_marker"`
	} `yaml:"backend"`
	Audio struct {
		SampleRate      int `yaml:"sample_rate"`
		FramesPerBuffer int `yaml:"frames_per_buffer"`
		// Device is an index from -list-devices; -1 selects the default input.
		Device int `yaml:"device"`
	} `yaml:"audio"`
	Session struct {
		File string `yaml:"file"`
	} `yaml:"session"`
	Voice struct {
		ID     string `yaml:"id"`
		Style  string `yaml:"style"`
		Locale string `yaml:"multi_native_locale"`
	} `yaml:"voice"`
	Server struct {
		Addr          string `yaml:"addr"`
		RecordingsDir string `yaml:"recordings_dir"`
		Workers       int    `yaml:"workers"`
		CertFile      string `yaml:"cert_file"`
		KeyFile       string `yaml:"key_file"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

func Default() *Config {
	c := &Config{}
	c.Backend.URL = "http://localhost:8000"
	c.Audio.SampleRate = 16000
	c.Audio.FramesPerBuffer = 4096
	c.Session.File = ".voxlink/session"
	c.Audio.Device = -1
	c.Voice.ID = "en-US-charles"
	c.Voice.Style = "Conversational"
	c.Voice.Locale = "hi-IN"
	c.Server.Addr = ":8000"
	c.Server.RecordingsDir = "recordings"
	c.Server.Workers = 2
	c.LogLevel = "info"
	return c
}

// Load returns the defaults overlaid with filename, if it exists, and then
// with VOXLINK_* variables from the environment or a .env file.
func Load(filename string) (*Config, error) {
	c := Default()
	if filename != "" {
		if err := c.loadFile(filename); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}
	c.applyEnv()
	return c, nil
}

func (c *Config) loadFile(filename string) error {
	file, err := os.Open(filename)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("No config file, using defaults", "path", filename)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", filename, err)
	}
	slog.Debug("Loaded config", "path", filename)
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("VOXLINK_BACKEND_URL"); v != "" {
		c.Backend.URL = v
	}
	if v := os.Getenv("VOXLINK_STREAM_URL"); v != "" {
		c.Backend.StreamURL = v
	}
	if v := os.Getenv("VOXLINK_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("VOXLINK_DEVICE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Audio.Device = n
		} else {
			slog.Warn("Ignoring invalid VOXLINK_DEVICE", "value", v)
		}
	}
}

// StreamEndpoint returns the websocket URL for sessionID. Without an
// explicit stream_url it is derived from the backend URL.
func (c *Config) StreamEndpoint(sessionID string) (string, error) {
	raw := c.Backend.StreamURL
	if raw == "" {
		raw = c.Backend.URL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if c.Backend.StreamURL == "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	}
	if sessionID != "" {
		q := u.Query()
		q.Set("session_id", sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// SpeechRequest builds a text-to-speech request with the configured voice.
func (c *Config) SpeechRequest(text string) api.SpeechRequest {
	return api.SpeechRequest{
		Text:              text,
		VoiceID:           c.Voice.ID,
		Style:             c.Voice.Style,
		MultiNativeLocale: c.Voice.Locale,
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := url.ParseRequestURI(c.Backend.URL); err != nil {
		errs = append(errs, fmt.Errorf("backend.url: %w", err))
	}
	if c.Backend.StreamURL != "" {
		u, err := url.Parse(c.Backend.StreamURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("backend.stream_url: %w", err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("backend.stream_url: scheme must be ws or wss, got %q", u.Scheme))
		}
	}
	if c.Audio.SampleRate != 16000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate: streaming requires 16000, got %d", c.Audio.SampleRate))
	}
	if c.Audio.FramesPerBuffer <= 0 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer must be positive"))
	}
	if c.Audio.Device < -1 {
		errs = append(errs, fmt.Errorf("audio.device must be -1 (default input) or a device index, got %d", c.Audio.Device))
	}
	if c.Server.Workers <= 0 {
		errs = append(errs, fmt.Errorf("server.workers must be positive"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.cert_file and server.key_file must be set together"))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log_level: unknown level %q", level)
}
