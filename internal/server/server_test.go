package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"humanbrowse/internal/browser/browsertest"
	"humanbrowse/internal/config"
	"humanbrowse/internal/metrics"
	"humanbrowse/internal/service"
	"humanbrowse/internal/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RunsDir = filepath.Join(t.TempDir(), "runs")
	cfg.MinDelayMsBetweenActions = 0

	m := metrics.New()
	reg := session.NewRegistry(&browsertest.Opener{}, session.WithMetrics(m))
	svc := service.New(config.NewLive(cfg), reg, service.WithMetrics(m))
	ts := httptest.NewServer(New(svc, m, zaptest.NewLogger(t)).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(data)) > 0 {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	code, body := doJSON(t, http.MethodGet, ts.URL+"/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRunStepsFlow(t *testing.T) {
	ts := newTestServer(t)

	code, body := doJSON(t, http.MethodPost, ts.URL+"/v1/run_steps", `{
		"steps": [
			{"type": "goto", "url": "https://example.com"},
			{"type": "screenshot", "label": "home"},
			{"type": "pause_for_user", "reason": "confirm"}
		]
	}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "needs_manual_assist", body["status"])
	runID := body["run_id"].(string)
	sessionID := body["session_id"].(string)
	assert.Equal(t, ts.URL+"/runs/"+runID, body["run_url"])
	assert.Equal(t, "confirm", body["message"])

	code, status := doJSON(t, http.MethodGet, ts.URL+"/v1/session_status?session_id="+sessionID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "paused", status["status"])

	code, runs := doJSON(t, http.MethodGet, ts.URL+"/ui/api/runs", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, runs["runs"], 1)

	code, detail := doJSON(t, http.MethodGet, ts.URL+"/ui/api/runs/"+runID, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, detail["steps"], 3)
	assert.NotNil(t, detail["manual_assist"])

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/screenshots/home.png")
	require.NoError(t, err)
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, browsertest.PNG, data)

	code, _ = doJSON(t, http.MethodGet, ts.URL+"/runs/"+runID+"/..%2F..%2Fsecret", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = doJSON(t, http.MethodPost, ts.URL+"/v1/resume", `{"session_id":"`+sessionID+`"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionID, body["session_id"])

	code, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/close_session", `{"session_id":"`+sessionID+`"}`)
	assert.Equal(t, http.StatusOK, code)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	metricsBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(metricsBody), `humanbrowse_runs_total{status="needs_manual_assist"} 1`)
}

func TestErrorMapping(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid step", http.MethodPost, "/v1/run_steps", `{"steps":[{"type":"scroll"}]}`, http.StatusUnprocessableEntity},
		{"unknown step type", http.MethodPost, "/v1/run_steps", `{"steps":[{"type":"teleport"}]}`, http.StatusUnprocessableEntity},
		{"missing steps", http.MethodPost, "/v1/run_steps", `{}`, http.StatusUnprocessableEntity},
		{"malformed body", http.MethodPost, "/v1/run_steps", `{`, http.StatusUnprocessableEntity},
		{"resume unknown", http.MethodPost, "/v1/resume", `{"session_id":"nope"}`, http.StatusNotFound},
		{"resume missing id", http.MethodPost, "/v1/resume", `{}`, http.StatusUnprocessableEntity},
		{"close unknown", http.MethodPost, "/v1/close_session", `{"session_id":"nope"}`, http.StatusNotFound},
		{"status unknown", http.MethodGet, "/v1/session_status?session_id=nope", "", http.StatusNotFound},
		{"status missing id", http.MethodGet, "/v1/session_status", "", http.StatusUnprocessableEntity},
		{"run unknown", http.MethodGet, "/ui/api/runs/nope", "", http.StatusNotFound},
		{"artifact unknown run", http.MethodGet, "/runs/nope/metadata.json", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := doJSON(t, tt.method, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.want, code, body)
			assert.NotEmpty(t, body["detail"])
		})
	}

	code, body := doJSON(t, http.MethodPost, ts.URL+"/v1/run_steps",
		`{"steps":[{"type":"press","key":"a"},{"type":"click"}]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, 1.0, body["index"])
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RunsDir = t.TempDir()
	svc := service.New(config.NewLive(cfg), session.NewRegistry(&browsertest.Opener{}))
	srv := New(svc, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics are not served without a collector")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
