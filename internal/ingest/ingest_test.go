package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/hub"
	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/mqttbroker"
	"github.com/Sanekng/FireGuard/internal/registry"
)

type call struct {
	kind, id, value string
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls []call
	known map[string]bool
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	return &fakeRegistry{known: known}
}

func (f *fakeRegistry) record(kind, id, value string) (model.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == "" {
		return model.Camera{}, &registry.ValidationError{Field: "cameraId", Reason: "required"}
	}
	if !f.known[id] {
		return model.Camera{}, fmt.Errorf("%s %s: %w", kind, id, registry.ErrNotFound)
	}
	f.calls = append(f.calls, call{kind: kind, id: id, value: value})
	cam := model.Camera{ID: id, Status: model.StatusNormal}
	if kind == "log" {
		cam.LastLog = value
	} else {
		cam.Status = value
		if cam.Status == "" {
			cam.Status = model.DefaultAlertType
		}
	}
	return cam, nil
}

func (f *fakeRegistry) IngestLog(_ context.Context, id, text string) (model.Camera, error) {
	return f.record("log", id, text)
}

func (f *fakeRegistry) IngestAlert(_ context.Context, id, alertType string) (model.Camera, error) {
	return f.record("alert", id, alertType)
}

func (f *fakeRegistry) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []model.IngestionError
}

func (f *fakeRecorder) InsertIngestionError(_ context.Context, e model.IngestionError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

func post(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHTTPLog(t *testing.T) {
	reg := newFakeRegistry("abc1")
	h := NewHandlers(reg, zerolog.Nop())

	rec := post(t, h.Log, `{"cameraId":"abc1","log":"temp 41C"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var cam model.Camera
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cam))
	assert.Equal(t, "temp 41C", cam.LastLog)
	assert.Equal(t, []call{{kind: "log", id: "abc1", value: "temp 41C"}}, reg.snapshot())
}

func TestHTTPAlert(t *testing.T) {
	reg := newFakeRegistry("abc1")
	h := NewHandlers(reg, zerolog.Nop())

	rec := post(t, h.Alert, `{"cameraId":"abc1","alertType":"smoke"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var cam model.Camera
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cam))
	assert.Equal(t, "smoke", cam.Status)
}

func TestHTTPRejections(t *testing.T) {
	reg := newFakeRegistry("abc1")
	h := NewHandlers(reg, zerolog.Nop())

	cases := []struct {
		name    string
		handler http.HandlerFunc
		body    string
	}{
		{"malformed json", h.Log, `{"cameraId":`},
		{"missing id", h.Log, `{"log":"x"}`},
		{"unknown id", h.Alert, `{"cameraId":"nope"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, tc.handler, tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, reg.snapshot())
}

func TestMQTTTopics(t *testing.T) {
	reg := newFakeRegistry("abc1")
	rec := &fakeRecorder{}
	topics := NewTopics(reg, rec, zerolog.Nop())
	ctx := context.Background()

	topics.HandlePublish(ctx, mqttbroker.Message{Topic: LogTopic("abc1"), Payload: []byte(`{"log":"json line"}`)})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: LogTopic("abc1"), Payload: []byte("raw line\n")})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: AlertTopic("abc1"), Payload: []byte(`{"alertType":"smoke"}`)})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: AlertTopic("abc1"), Payload: nil})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: AlertTopic("abc1"), Payload: []byte("flood")})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: EventsTopic("abc1"), Payload: []byte("{}")})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: "other/topic", Payload: []byte("{}")})

	assert.Equal(t, []call{
		{kind: "log", id: "abc1", value: "json line"},
		{kind: "log", id: "abc1", value: "raw line"},
		{kind: "alert", id: "abc1", value: "smoke"},
		{kind: "alert", id: "abc1", value: ""},
		{kind: "alert", id: "abc1", value: "flood"},
	}, reg.snapshot())
	assert.Empty(t, rec.entries)
}

func TestMQTTFailuresAreRecorded(t *testing.T) {
	reg := newFakeRegistry("abc1")
	rec := &fakeRecorder{}
	topics := NewTopics(reg, rec, zerolog.Nop())
	ctx := context.Background()

	topics.HandlePublish(ctx, mqttbroker.Message{Topic: AlertTopic("abc1"), Payload: []byte(`{"alertType":`)})
	topics.HandlePublish(ctx, mqttbroker.Message{Topic: LogTopic("ghost"), Payload: []byte("hi")})

	require.Len(t, rec.entries, 2)
	assert.Equal(t, AlertTopic("abc1"), rec.entries[0].Source)
	assert.Contains(t, rec.entries[0].Error, "decode alert payload")
	assert.Equal(t, LogTopic("ghost"), rec.entries[1].Source)
	assert.Contains(t, rec.entries[1].Error, registry.ErrNotFound.Error())
	assert.Empty(t, reg.snapshot())
}

func TestParseTopic(t *testing.T) {
	id, kind, ok := parseTopic("cameras/abc1/log")
	require.True(t, ok)
	assert.Equal(t, "abc1", id)
	assert.Equal(t, "log", kind)

	for _, bad := range []string{"cameras//log", "cameras/abc1", "cams/abc1/log", "cameras/a/b/log"} {
		_, _, ok := parseTopic(bad)
		assert.False(t, ok, bad)
	}
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]string)
	}
	f.msgs[topic] = append(f.msgs[topic], string(payload))
	return nil
}

func (f *fakePublisher) count(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs[topic])
}

func TestMirrorRepublishesEvents(t *testing.T) {
	h := hub.New(zerolog.Nop())
	pub := &fakePublisher{}
	mirror := NewMirror(h, pub, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mirror.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	h.Broadcast(events.CameraAlerted(model.Camera{ID: "abc1", Status: "smoke"}))
	h.Broadcast(events.CameraRemoved("abc1"))

	require.Eventually(t, func() bool { return pub.count(EventsTopic("abc1")) == 2 }, time.Second, 5*time.Millisecond)

	pub.mu.Lock()
	first, err := events.Decode([]byte(pub.msgs[EventsTopic("abc1")][0]))
	pub.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, events.Alerted, first.Event.Kind)
	assert.Equal(t, "smoke", first.Event.Camera.Status)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror did not stop")
	}
	assert.Equal(t, 0, h.Len())
}

type stalledPublisher struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *stalledPublisher) Publish(string, []byte) error {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return nil
}

func TestMirrorReattachesAfterDrop(t *testing.T) {
	h := hub.New(zerolog.Nop())
	pub := &stalledPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	mirror := NewMirror(h, pub, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	// The first publish stalls, so the one-slot mailbox overflows and the
	// hub drops the mirror.
	h.Broadcast(events.CameraRemoved("a"))
	<-pub.entered
	h.Broadcast(events.CameraRemoved("b"))
	h.Broadcast(events.CameraRemoved("c"))
	assert.Equal(t, 0, h.Len())

	close(pub.release)
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestMirrorStopsWhenHubCloses(t *testing.T) {
	h := hub.New(zerolog.Nop())
	mirror := NewMirror(h, &fakePublisher{}, 8, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		mirror.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)
	h.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("mirror kept running after the hub closed")
	}
	assert.Equal(t, 0, h.Len())
}
