package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBackend(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL + "/")
}

func readUpload(t *testing.T, r *http.Request) []byte {
	t.Helper()
	file, header, err := r.FormFile("file")
	require.NoError(t, err)
	defer file.Close()
	assert.Equal(t, "recording.wav", header.Filename)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	return data
}

func TestGenerateAudio(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_audio", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var req SpeechRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Text)
		assert.Equal(t, DefaultVoiceID, req.VoiceID)
		w.Write([]byte(`{"audio_url":"https://cdn.example/a.wav"}`))
	})

	resp, err := c.GenerateAudio(context.Background(), SpeechRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/a.wav", resp.AudioURL)

	_, err = c.GenerateAudio(context.Background(), SpeechRequest{Text: "  "})
	assert.Error(t, err)
}

func TestUploadAudio(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/upload-audio", r.URL.Path)
		data := readUpload(t, r)
		json.NewEncoder(w).Encode(UploadResponse{Filename: "recording.wav", ContentType: "audio/wav", Size: int64(len(data))})
	})

	resp, err := c.UploadAudio(context.Background(), []byte("RIFF1234"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), resp.Size)
	assert.Equal(t, "recording.wav", resp.Filename)
}

func TestAgentChat(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agent/chat/abc-123", r.URL.Path)
		readUpload(t, r)
		w.Write([]byte(`{
			"audio_url": "https://cdn.example/reply.wav",
			"transcribed_text": "hi",
			"llm_response": "hello!",
			"history": [{"role":"user","content":"hi"},{"role":"assistant","content":"hello!"}]
		}`))
	})

	resp, err := c.AgentChat(context.Background(), "abc-123", []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "hello!", resp.LLMResponse)
	assert.Equal(t, "hi", resp.TranscribedText)
	require.Len(t, resp.History, 2)
	assert.Equal(t, "assistant", resp.History[1].Role)

	_, err = c.AgentChat(context.Background(), "", []byte("RIFF"))
	assert.Error(t, err)
}

func TestAgentChatFallback(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"audio_url":"https://cdn.example/sorry.wav","error":"Service unavailable"}`))
	})

	resp, err := c.AgentChat(context.Background(), "abc", []byte("RIFF"))
	require.ErrorIs(t, err, ErrServiceUnavailable)
	require.NotNil(t, resp)
	assert.Equal(t, "https://cdn.example/sorry.wav", resp.AudioURL)
}

func TestErrorDetail(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Empty transcription"}`))
	})

	_, err := c.Echo(context.Background(), []byte("RIFF"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "Empty transcription", apiErr.Detail)
	assert.Contains(t, err.Error(), "Empty transcription")
}

func TestErrorWithoutDetail(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := c.TranscribeFile(context.Background(), []byte("RIFF"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Empty(t, apiErr.Detail)
}

func TestTranscribeAndQuery(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/transcribe/file":
			w.Write([]byte(`{"transcription":"testing one two"}`))
		case "/llm/query":
			w.Write([]byte(`{"audio_url":"u","transcribed_text":"q","llm_response":"a"}`))
		default:
			http.NotFound(w, r)
		}
	})

	tr, err := c.TranscribeFile(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "testing one two", tr.Transcription)

	q, err := c.LLMQuery(context.Background(), []byte("RIFF"))
	require.NoError(t, err)
	assert.Equal(t, "a", q.LLMResponse)
}

func TestResolveURL(t *testing.T) {
	c := New("http://backend:8000/")
	assert.Equal(t, "http://backend:8000/static/reply.wav", c.ResolveURL("/static/reply.wav"))
	assert.Equal(t, "http://backend:8000/static/reply.wav", c.ResolveURL("static/reply.wav"))
	assert.Equal(t, "https://cdn.example.com/a.wav", c.ResolveURL("https://cdn.example.com/a.wav"))
}

func TestGenerateAudioSendsVoiceStyle(t *testing.T) {
	c := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Conversational", body["style"])
		assert.Equal(t, "hi-IN", body["multiNativeLocale"])
		w.Write([]byte(`{"audio_url":"/static/a.wav"}`))
	})

	_, err := c.GenerateAudio(context.Background(), SpeechRequest{
		Text:              "hello",
		Style:             "Conversational",
		MultiNativeLocale: "hi-IN",
	})
	require.NoError(t, err)
}
