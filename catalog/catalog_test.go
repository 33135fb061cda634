package catalog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bosley/voxlink/audio"
)

const testDay = "20260101"

func writeClip(t *testing.T, path string, samples int) {
	t.Helper()
	clip := audio.Clip{SampleRate: audio.StreamSampleRate, Samples: make([]int16, samples)}
	for i := range clip.Samples {
		clip.Samples[i] = int16(i % 1000)
	}
	data, err := clip.WAV()
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func startCatalog(t *testing.T, dir string) *Catalog {
	t.Helper()
	c, err := New(Config{RecordingsDir: dir, Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		assert.NoError(t, c.Stop())
		cancel()
	})
	return c
}

func recordingCount(c *Catalog, sessionID string) int {
	recs, _ := c.Recordings(sessionID)
	return len(recs)
}

func TestStartIndexesExistingRecordings(t *testing.T) {
	dir := t.TempDir()
	sessionID := uuid.NewString()
	path := filepath.Join(dir, testDay, sessionID, "audio_120000.wav")
	writeClip(t, path, 1600)

	c := startCatalog(t, dir)

	require.Eventually(t, func() bool { return recordingCount(c, sessionID) == 1 }, 2*time.Second, 5*time.Millisecond)

	recs, ok := c.Recordings(sessionID)
	require.True(t, ok)
	rec := recs[0]
	assert.Equal(t, path, rec.Path)
	assert.Equal(t, "audio_120000.wav", rec.File)
	assert.Equal(t, testDay, rec.Day)
	assert.Equal(t, uint32(audio.StreamSampleRate), rec.SampleRate)
	assert.Equal(t, uint16(1), rec.Channels)
	assert.InDelta(t, 0.1, rec.Duration, 0.001)
	assert.Greater(t, rec.Size, int64(1600*2))
}

func TestNewRecordingIsIndexed(t *testing.T) {
	dir := t.TempDir()
	c := startCatalog(t, dir)
	sessionID := uuid.NewString()

	require.NoError(t, os.MkdirAll(filepath.Join(dir, testDay, sessionID), 0755))
	require.Eventually(t, func() bool {
		_, ok := c.Recordings(sessionID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	writeClip(t, filepath.Join(dir, testDay, sessionID, "audio_120000.wav"), 3200)

	require.Eventually(t, func() bool {
		recs, _ := c.Recordings(sessionID)
		return len(recs) == 1 && recs[0].Duration > 0.19
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemovedRecordingIsForgotten(t *testing.T) {
	dir := t.TempDir()
	sessionID := uuid.NewString()
	path := filepath.Join(dir, testDay, sessionID, "audio_120000.wav")
	writeClip(t, path, 1600)

	c := startCatalog(t, dir)
	require.Eventually(t, func() bool { return recordingCount(c, sessionID) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return recordingCount(c, sessionID) == 0 }, 2*time.Second, 5*time.Millisecond)

	// The session stays listed with no recordings.
	_, ok := c.Recordings(sessionID)
	assert.True(t, ok)
}

func TestIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	sessionID := uuid.NewString()
	writeClip(t, filepath.Join(dir, "notes", sessionID, "audio_120000.wav"), 160)
	writeClip(t, filepath.Join(dir, testDay, "not-a-session", "audio_120000.wav"), 160)
	writeClip(t, filepath.Join(dir, testDay, sessionID, "audio_120000.wav.incomplete"), 160)
	writeClip(t, filepath.Join(dir, testDay, sessionID, "audio_120001.wav"), 160)

	c := startCatalog(t, dir)
	require.Eventually(t, func() bool { return recordingCount(c, sessionID) == 1 }, 2*time.Second, 5*time.Millisecond)

	sessions := c.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, sessionID, sessions[0].SessionID)
	assert.Equal(t, 1, sessions[0].Recordings)
	require.NotNil(t, sessions[0].Latest)
	assert.Equal(t, "audio_120001.wav", sessions[0].Latest.File)
}

func TestLocate(t *testing.T) {
	c := &Catalog{config: Config{RecordingsDir: "/data"}}
	id := uuid.NewString()

	tests := []struct {
		path string
		ok   bool
		want location
	}{
		{"/data/" + testDay, true, location{day: testDay}},
		{"/data/" + testDay + "/" + id, true, location{day: testDay, sessionID: id}},
		{"/data/" + testDay + "/" + id + "/a.wav", true, location{day: testDay, sessionID: id, file: "a.wav"}},
		{"/data/" + testDay + "/" + id + "/x/a.wav", false, location{}},
		{"/data/yesterday", false, location{}},
		{"/data/" + testDay + "/bogus", false, location{}},
		{"/elsewhere/" + testDay, false, location{}},
	}
	for _, tt := range tests {
		got, ok := c.locate(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func newHTTPServer(t *testing.T, c *Catalog) *httptest.Server {
	t.Helper()
	r := mux.NewRouter()
	c.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPRoutes(t *testing.T) {
	dir := t.TempDir()
	sessionID := uuid.NewString()
	writeClip(t, filepath.Join(dir, testDay, sessionID, "audio_120000.wav"), 1600)
	writeClip(t, filepath.Join(dir, testDay, sessionID, "audio_120500.wav"), 800)

	c := startCatalog(t, dir)
	require.Eventually(t, func() bool { return recordingCount(c, sessionID) == 2 }, 2*time.Second, 5*time.Millisecond)
	srv := newHTTPServer(t, c)

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, 2, sessions[0].Recordings)
	assert.InDelta(t, 0.15, sessions[0].Duration, 0.001)

	resp, err = http.Get(srv.URL + "/api/sessions/" + sessionID + "/recordings")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recs []Recording
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "audio_120000.wav", recs[0].File)
	assert.Equal(t, "audio_120500.wav", recs[1].File)

	resp, err = http.Get(srv.URL + "/api/sessions/" + uuid.NewString() + "/recordings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsRejectInvalidSession(t *testing.T) {
	c := startCatalog(t, t.TempDir())
	srv := newHTTPServer(t, c)

	resp, err := http.Get(srv.URL + "/api/sessions/bogus/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsStreamNewRecordings(t *testing.T) {
	dir := t.TempDir()
	c := startCatalog(t, dir)
	srv := newHTTPServer(t, c)
	sessionID := uuid.NewString()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + sessionID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return c.subscriberCount(sessionID) == 1 }, 2*time.Second, 5*time.Millisecond)

	path := filepath.Join(dir, testDay, sessionID, "audio_120000.wav")
	writeClip(t, path, 1600)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var event struct {
		Type      string    `json:"type"`
		SessionID string    `json:"session_id"`
		Payload   Recording `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "recording", event.Type)
	assert.Equal(t, sessionID, event.SessionID)
	assert.Equal(t, path, event.Payload.Path)

	conn.Close()
	require.Eventually(t, func() bool { return c.subscriberCount(sessionID) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	c := startCatalog(t, t.TempDir())
	srv := newHTTPServer(t, c)
	sessionID := uuid.NewString()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/sessions/" + sessionID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return c.subscriberCount(sessionID) == 1 }, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a subscriber was connected")
	}
	assert.Equal(t, 0, c.subscriberCount(sessionID))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	// Late subscribers are turned away.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, c.subscriberCount(sessionID))
}
