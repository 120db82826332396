package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sanekng/FireGuard/internal/model"
)

func init() {
	retryBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(5 * time.Millisecond) }
}

type fakeDevice struct {
	mu      sync.Mutex
	alerts  []model.AlertIngest
	logs    []model.LogIngest
	failing atomic.Int32
	status  int
}

func (d *fakeDevice) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/alert", func(w http.ResponseWriter, r *http.Request) {
		if d.failing.Add(-1) >= 0 {
			w.WriteHeader(d.status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}
		var body model.AlertIngest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		d.mu.Lock()
		d.alerts = append(d.alerts, body)
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(model.Camera{ID: body.CameraID, Status: body.AlertType})
	})
	mux.HandleFunc("POST /api/logs", func(w http.ResponseWriter, r *http.Request) {
		var body model.LogIngest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		d.mu.Lock()
		d.logs = append(d.logs, body)
		d.mu.Unlock()
		_ = json.NewEncoder(w).Encode(model.Camera{ID: body.CameraID, LastLog: body.Log})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (d *fakeDevice) alertTypes() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.alerts))
	for _, a := range d.alerts {
		out = append(out, a.AlertType)
	}
	return out
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.ExecuteContext(context.Background())
}

func TestAlertCommandDefaultsToFire(t *testing.T) {
	dev := &fakeDevice{}
	srv := dev.server(t)

	require.NoError(t, execute(t, "alert", "--server", srv.URL, "--camera-id", "cam1"))
	require.NoError(t, execute(t, "alert", "normal", "--server", srv.URL, "--camera-id", "cam1"))

	assert.Equal(t, []string{"fire", "normal"}, dev.alertTypes())
	assert.Equal(t, "cam1", dev.alerts[0].CameraID)
}

func TestLogCommandJoinsArgs(t *testing.T) {
	dev := &fakeDevice{}
	srv := dev.server(t)

	require.NoError(t, execute(t, "log", "temp", "41C", "--server", srv.URL, "--camera-id", "cam1"))

	require.Len(t, dev.logs, 1)
	assert.Equal(t, "temp 41C", dev.logs[0].Log)
}

func TestCommandValidation(t *testing.T) {
	t.Setenv("CAMERA_ID", "")
	assert.ErrorContains(t, execute(t, "alert"), "camera-id")
	assert.ErrorContains(t, execute(t, "alert", "--camera-id", "c", "--transport", "carrier-pigeon"), "unknown transport")
	assert.ErrorContains(t, execute(t, "run", "--camera-id", "c", "--interval", "0s"), "interval")
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	dev := &fakeDevice{status: http.StatusServiceUnavailable}
	dev.failing.Store(2)
	srv := dev.server(t)

	require.NoError(t, execute(t, "alert", "--server", srv.URL, "--camera-id", "cam1", "--retries", "3"))
	assert.Equal(t, []string{"fire"}, dev.alertTypes())
}

func TestDeliverStopsOnRejection(t *testing.T) {
	dev := &fakeDevice{status: http.StatusBadRequest}
	dev.failing.Store(1)
	srv := dev.server(t)

	err := execute(t, "alert", "--server", srv.URL, "--camera-id", "ghost", "--retries", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")
	assert.Empty(t, dev.alertTypes())
	assert.Equal(t, int32(0), dev.failing.Load())
}

func TestDeliverGivesUp(t *testing.T) {
	calls := 0
	err := deliver(context.Background(), zerolog.Nop(), 2, "alert", func(context.Context) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, calls)
}

func TestDetectorVerdict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.txt")
	d := &detector{path: path, threshold: 0.5}

	_, _, err := d.verdict()
	assert.ErrorIs(t, err, errNoScore)

	require.NoError(t, os.WriteFile(path, []byte("0.91\n"), 0o644))
	verdict, score, err := d.verdict()
	require.NoError(t, err)
	assert.Equal(t, "fire", verdict)
	assert.InDelta(t, 0.91, score, 1e-9)

	require.NoError(t, os.WriteFile(path, []byte("0.5"), 0o644))
	verdict, _, err = d.verdict()
	require.NoError(t, err)
	assert.Equal(t, model.StatusNormal, verdict)

	require.NoError(t, os.WriteFile(path, []byte("smoke?"), 0o644))
	_, _, err = d.verdict()
	assert.ErrorIs(t, err, errNoScore)
}

type recordingSender struct {
	mu     sync.Mutex
	alerts []string
}

func (s *recordingSender) Log(context.Context, string, string) error { return nil }

func (s *recordingSender) Alert(_ context.Context, _ string, alertType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alertType)
	return nil
}

func (s *recordingSender) Close() {}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}

func TestRunLoopReportsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "score.txt")
	require.NoError(t, os.WriteFile(path, []byte("0.1"), 0o644))

	sender := &recordingSender{}
	opts := &options{cameraID: "cam1", transport: "http", retries: 1}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runLoop(ctx, zerolog.Nop(), sender, &detector{path: path, threshold: 0.5}, opts, 10*time.Millisecond, true)
	}()

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"normal"}, sender.sent())

	require.NoError(t, os.WriteFile(path, []byte("0.8"), 0o644))
	require.Eventually(t, func() bool { return len(sender.sent()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"normal", "fire"}, sender.sent())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run loop did not stop")
	}
}
