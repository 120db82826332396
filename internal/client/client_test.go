package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/hub"
	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/reconciler"
	"github.com/Sanekng/FireGuard/internal/registry"
	"github.com/Sanekng/FireGuard/internal/session"
	"github.com/Sanekng/FireGuard/internal/store"
)

func TestRESTCalls(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	mux := http.NewServeMux()
	record := func(r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
	}
	writeJSON := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("GET /api/cameras", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, []model.Camera{{ID: "b"}, {ID: "a"}})
	})
	mux.HandleFunc("POST /api/cameras", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var f model.CameraFields
		require.NoError(t, json.NewDecoder(r.Body).Decode(&f))
		writeJSON(w, http.StatusCreated, model.Camera{ID: "abc1", Name: f.Name, Lat: *f.Lat, Lng: *f.Lng, Status: model.StatusNormal})
	})
	mux.HandleFunc("PUT /api/cameras/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "camera not found"})
	})
	mux.HandleFunc("DELETE /api/cameras/{id}", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	mux.HandleFunc("POST /api/alert", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		var req model.AlertIngest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, model.Camera{ID: req.CameraID, Status: req.AlertType})
	})
	mux.HandleFunc("POST /api/logs", func(w http.ResponseWriter, r *http.Request) {
		record(r)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Service Unavailable"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	cams, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, cams, 2)

	lat, lng := 42.1, 19.2
	cam, err := c.Create(ctx, model.CameraFields{Name: "Gate", Lat: &lat, Lng: &lng})
	require.NoError(t, err)
	assert.Equal(t, "abc1", cam.ID)
	assert.Equal(t, "Gate", cam.Name)

	name := "x"
	_, err = c.Update(ctx, "abc1", model.CameraPatch{Name: &name})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "camera not found", apiErr.Message)
	assert.False(t, apiErr.Temporary())

	require.NoError(t, c.Delete(ctx, "abc1"))

	cam, err = c.IngestAlert(ctx, "abc1", "smoke")
	require.NoError(t, err)
	assert.Equal(t, "smoke", cam.Status)

	_, err = c.IngestLog(ctx, "abc1", "hello")
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Temporary())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/cameras",
		"POST /api/cameras",
		"PUT /api/cameras/abc1",
		"DELETE /api/cameras/abc1",
		"POST /api/alert",
		"POST /api/logs",
	}, seen)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example"})
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	c, err := New(Config{BaseURL: "https://fire.example:8443/"})
	require.NoError(t, err)
	assert.Equal(t, "wss://fire.example:8443/api/stream", c.StreamURL())

	c, err = New(Config{BaseURL: "http://localhost:4000"})
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:4000/api/stream", c.StreamURL())
}

type streamFixture struct {
	reg  *registry.Service
	subs *trackedSubscriptions
	url  string
}

// trackedSubscriptions remembers the server-side subscribers so a test can
// detach them and force viewers to reconnect.
type trackedSubscriptions struct {
	*registry.Service

	mu   sync.Mutex
	subs []hub.Subscriber
}

func (t *trackedSubscriptions) Subscribe(ctx context.Context, sub hub.Subscriber) ([]model.Camera, error) {
	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()
	return t.Service.Subscribe(ctx, sub)
}

func (t *trackedSubscriptions) detachAll() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, sub := range subs {
		t.Service.Unsubscribe(sub)
	}
}

func newStreamFixture(t *testing.T) *streamFixture {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "cams.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.InitSchema(context.Background()))

	reg := registry.New(st, hub.New(zerolog.Nop()), zerolog.Nop())
	subs := &trackedSubscriptions{Service: reg}

	mux := http.NewServeMux()
	mux.Handle("GET /api/stream", session.NewHandler(subs, session.Options{}, zerolog.Nop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &streamFixture{reg: reg, subs: subs, url: srv.URL}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(20 * time.Millisecond)
}

func TestStreamFollowsAndResyncs(t *testing.T) {
	fx := newStreamFixture(t)
	ctx := context.Background()

	lat, lng := 42.1, 19.2
	gate, err := fx.reg.Create(ctx, model.CameraFields{Name: "Gate", Lat: &lat, Lng: &lng})
	require.NoError(t, err)

	c, err := New(Config{BaseURL: fx.url})
	require.NoError(t, err)

	view := reconciler.New()
	var alerts atomic.Int64
	stream := c.Stream(view, StreamOptions{
		NewBackOff: fastBackOff,
		OnUpdate: func(u Update) {
			if !u.Resynced && u.Event.Kind == events.Alerted && u.Event.ID == gate.ID {
				alerts.Add(1)
			}
		},
	}, zerolog.Nop())

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- stream.Run(runCtx) }()

	require.Eventually(t, func() bool { return view.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = fx.reg.IngestAlert(ctx, gate.ID, "smoke")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return view.Alerted(gate.ID) }, 2*time.Second, 10*time.Millisecond)

	// Dropping every subscriber forces a reconnect; the camera created while
	// the viewer was away must arrive through the new snapshot.
	fx.subs.detachAll()
	lat2 := 43.0
	_, err = fx.reg.Create(ctx, model.CameraFields{Name: "Bridge", Lat: &lat2, Lng: &lng})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return stream.Connects() >= 2 && view.Len() == 2 }, 3*time.Second, 10*time.Millisecond)

	got, ok := view.Get(gate.ID)
	require.True(t, ok)
	assert.Equal(t, "smoke", got.Status)
	assert.True(t, view.Alerted(gate.ID))

	assert.EqualValues(t, 1, alerts.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamGivesUp(t *testing.T) {
	c, err := New(Config{BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)

	stream := c.Stream(reconciler.New(), StreamOptions{
		NewBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Millisecond), 2)
		},
	}, zerolog.Nop())

	err = stream.Run(context.Background())
	assert.Error(t, err)
	assert.EqualValues(t, 0, stream.Connects())
}

func TestStreamBacksOffWhenServerClosesBeforeSnapshot(t *testing.T) {
	var upgrades atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		upgrades.Add(1)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "snapshot unavailable")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	stream := c.Stream(reconciler.New(), StreamOptions{
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.RandomizationFactor = 0
			b.MaxElapsedTime = 0
			return b
		},
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 600*time.Millisecond)
	defer cancel()
	require.NoError(t, stream.Run(ctx))

	// 50, 75, 112, 168, 253ms: at most six connections fit in the window.
	assert.LessOrEqual(t, upgrades.Load(), int64(7))
	assert.GreaterOrEqual(t, upgrades.Load(), int64(2))
	assert.EqualValues(t, 0, stream.Connects())
}

func TestStreamReconnectsWhenServerGoesSilent(t *testing.T) {
	snapshot, err := events.EncodeSnapshot(nil)
	require.NoError(t, err)

	var upgrades atomic.Int64
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		upgrades.Add(1)
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}
		// Hold the socket open without writing, like a peer that lost power.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	stream := c.Stream(reconciler.New(), StreamOptions{
		NewBackOff:  fastBackOff,
		ReadTimeout: 100 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return stream.Connects() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, upgrades.Load(), int64(2))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestStreamAnswersPingsAndStaysConnected(t *testing.T) {
	snapshot, err := events.EncodeSnapshot(nil)
	require.NoError(t, err)

	pongs := make(chan struct{}, 16)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPongHandler(func(string) error {
			select {
			case pongs <- struct{}{}:
			default:
			}
			return nil
		})
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}
		go func() {
			ticker := time.NewTicker(30 * time.Millisecond)
			defer ticker.Stop()
			for range ticker.C {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	stream := c.Stream(reconciler.New(), StreamOptions{
		NewBackOff:  fastBackOff,
		ReadTimeout: 100 * time.Millisecond,
	}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	require.NoError(t, stream.Run(ctx))

	assert.EqualValues(t, 1, stream.Connects(), "pings keep a quiet stream alive")
	assert.NotEmpty(t, pongs)
}
