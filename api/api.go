// Package api is a client for the backend's request/response endpoints:
// speech generation, clip upload, transcription, echo and the
// conversational agent.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultVoiceID = "en-US-charles"
	defaultTimeout = 60 * time.Second
	uploadField    = "file"
	uploadName     = "recording.wav"
)

// APIError is a non-2xx response. Detail carries the backend's "detail"
// field when present.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// ErrServiceUnavailable is reported when the agent answers with its
// fallback audio instead of a reply.
var ErrServiceUnavailable = errors.New("service unavailable")

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

type SpeechRequest struct {
	Text              string `json:"text"`
	VoiceID           string `json:"voiceId"`
	Style             string `json:"style,omitempty"`
	MultiNativeLocale string `json:"multiNativeLocale,omitempty"`
}

type SpeechResponse struct {
	AudioURL string `json:"audio_url"`
}

type UploadResponse struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

type TranscriptionResponse struct {
	Transcription string `json:"transcription"`
}

type EchoResponse struct {
	AudioURL      string `json:"audio_url"`
	Transcription string `json:"transcription"`
}

type QueryResponse struct {
	AudioURL        string `json:"audio_url"`
	TranscribedText string `json:"transcribed_text"`
	LLMResponse     string `json:"llm_response"`
	Error           string `json:"error,omitempty"`
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatResponse struct {
	QueryResponse
	History []ChatMessage `json:"history"`
}

// GenerateAudio asks for text to be spoken and returns the audio location.
func (c *Client) GenerateAudio(ctx context.Context, req SpeechRequest) (*SpeechResponse, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("no text to speak")
	}
	if req.VoiceID == "" {
		req.VoiceID = DefaultVoiceID
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var out SpeechResponse
	if err := c.do(ctx, "/generate_audio", "application/json", bytes.NewReader(body), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UploadAudio(ctx context.Context, wav []byte) (*UploadResponse, error) {
	var out UploadResponse
	if err := c.upload(ctx, "/upload-audio", wav, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TranscribeFile(ctx context.Context, wav []byte) (*TranscriptionResponse, error) {
	var out TranscriptionResponse
	if err := c.upload(ctx, "/transcribe/file", wav, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Echo transcribes the clip and returns it re-spoken in the default voice.
func (c *Client) Echo(ctx context.Context, wav []byte) (*EchoResponse, error) {
	var out EchoResponse
	if err := c.upload(ctx, "/tts/echo", wav, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentChat sends one spoken turn of the conversation identified by
// sessionID. A fallback reply comes back with ErrServiceUnavailable and a
// response carrying the fallback audio.
func (c *Client) AgentChat(ctx context.Context, sessionID string, wav []byte) (*ChatResponse, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	var out ChatResponse
	if err := c.upload(ctx, "/agent/chat/"+url.PathEscape(sessionID), wav, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return &out, fmt.Errorf("%w: %s", ErrServiceUnavailable, out.Error)
	}
	return &out, nil
}

// LLMQuery is a single stateless spoken question.
func (c *Client) LLMQuery(ctx context.Context, wav []byte) (*QueryResponse, error) {
	var out QueryResponse
	if err := c.upload(ctx, "/llm/query", wav, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return &out, fmt.Errorf("%w: %s", ErrServiceUnavailable, out.Error)
	}
	return &out, nil
}

// ResolveURL turns an audio_url relative to the backend into an absolute one.
func (c *Client) ResolveURL(ref string) string {
	base, err := url.Parse(c.BaseURL + "/")
	if err != nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func (c *Client) upload(ctx context.Context, path string, wav []byte, out any) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile(uploadField, uploadName)
	if err != nil {
		return err
	}
	if _, err := part.Write(wav); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return c.do(ctx, path, writer.FormDataContentType(), &body, out)
}

func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	started := time.Now()
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	slog.Debug("Backend request", "path", path, "status", resp.StatusCode, "elapsed", time.Since(started))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		return apiErr
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response from %s: %w", path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}
