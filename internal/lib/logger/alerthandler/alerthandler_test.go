package alerthandler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/clipvault/clipvault/internal/lib/logger/alerthandler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedAlert struct {
	Text string `json:"text"`
}

type webhookRecorder struct {
	mu     sync.Mutex
	alerts []capturedAlert
	status int
}

func (r *webhookRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)

	var alert capturedAlert
	_ = json.Unmarshal(body, &alert)

	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()

	if r.status != 0 {
		w.WriteHeader(r.status)
	}
}

func (r *webhookRecorder) captured() []capturedAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedAlert{}, r.alerts...)
}

func newTestLogger(webhookURL string) (*slog.Logger, *bytes.Buffer) {
	var logBuf bytes.Buffer
	inner := slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	return slog.New(alerthandler.New(inner, webhookURL, "[clipvault]")), &logBuf
}

func TestHandle_PostsErrorRecords(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	log, logBuf := newTestLogger(srv.URL)

	log.Error("upload keeps failing", slog.String("event_id", "e1"), slog.Int("tries", 3))

	alerts := recorder.captured()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Text, "[clipvault] ERROR upload keeps failing")
	assert.Contains(t, alerts[0].Text, "event_id=e1")
	assert.Contains(t, alerts[0].Text, "tries=3")
	assert.Contains(t, alerts[0].Text, "alert_id=")

	// The record still reaches the primary handler.
	assert.Contains(t, logBuf.String(), "upload keeps failing")
}

func TestHandle_IgnoresLowerLevels(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	log, logBuf := newTestLogger(srv.URL)

	log.Debug("polling")
	log.Info("clip uploaded")
	log.Warn("upload failed")

	assert.Empty(t, recorder.captured())
	assert.Contains(t, logBuf.String(), "clip uploaded")
}

func TestHandle_CarriesLoggerAttrs(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	log, _ := newTestLogger(srv.URL)

	log.With(slog.String("op", "sweeper.Hard")).Error("events exhausted their retry budget")

	alerts := recorder.captured()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Text, "op=sweeper.Hard")
}

func TestHandle_QualifiesGroupedAttrs(t *testing.T) {
	recorder := &webhookRecorder{}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	log, _ := newTestLogger(srv.URL)

	log.With(slog.String("op", "uploader.Upload")).
		WithGroup("clip").
		With(slog.String("camera", "front")).
		Error("failed to upload clip", slog.String("event_id", "e1"))

	alerts := recorder.captured()
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Text, "op=uploader.Upload")
	assert.Contains(t, alerts[0].Text, "clip.camera=front")
	assert.Contains(t, alerts[0].Text, "clip.event_id=e1")
}

func TestHandle_WebhookFailureIsLoggedNotFatal(t *testing.T) {
	recorder := &webhookRecorder{status: http.StatusBadGateway}
	srv := httptest.NewServer(recorder)
	defer srv.Close()

	log, logBuf := newTestLogger(srv.URL)

	log.Error("upload keeps failing")

	out := logBuf.String()
	assert.Contains(t, out, "upload keeps failing")
	assert.Contains(t, out, "failed to deliver alert to webhook")
	// The delivery failure itself must not loop back into another post.
	assert.Len(t, recorder.captured(), 1)
}

func TestHandle_UnreachableWebhook(t *testing.T) {
	log, logBuf := newTestLogger("http://127.0.0.1:1/hook")

	log.Error("upload keeps failing")

	assert.Contains(t, logBuf.String(), "failed to deliver alert to webhook")
}
