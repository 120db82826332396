package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/model"
	"github.com/Sanekng/FireGuard/internal/mqttbroker"
)

// Topic layout shared by devices and the event mirror.
const (
	TopicPrefix = "cameras"
	topicLog    = "log"
	topicAlert  = "alert"
	topicEvents = "events"
)

const maxRecordedPayload = 4096

// LogTopic returns the topic a device publishes telemetry lines to.
func LogTopic(id string) string { return TopicPrefix + "/" + id + "/" + topicLog }

// AlertTopic returns the topic a device publishes alerts to.
func AlertTopic(id string) string { return TopicPrefix + "/" + id + "/" + topicAlert }

// EventsTopic returns the topic committed events for id are mirrored to.
func EventsTopic(id string) string { return TopicPrefix + "/" + id + "/" + topicEvents }

// ErrorRecorder persists payloads that could not be ingested.
type ErrorRecorder interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// Topics routes MQTT publishes to the registry.
type Topics struct {
	reg     Registry
	errs    ErrorRecorder
	logger  zerolog.Logger
	timeout time.Duration
}

// NewTopics constructs the MQTT ingress. errs may be nil.
func NewTopics(reg Registry, errs ErrorRecorder, logger zerolog.Logger) *Topics {
	return &Topics{
		reg:     reg,
		errs:    errs,
		logger:  logger.With().Str("component", "ingest").Str("transport", "mqtt").Logger(),
		timeout: 2 * time.Second,
	}
}

// HandlePublish is installed as the broker's publish handler. Nothing can be
// answered over MQTT, so failures are logged and recorded.
func (t *Topics) HandlePublish(ctx context.Context, msg mqttbroker.Message) {
	id, kind, ok := parseTopic(msg.Topic)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var err error
	switch kind {
	case topicLog:
		var cam model.Camera
		if cam, err = t.reg.IngestLog(ctx, id, decodeLog(msg.Payload)); err == nil {
			t.logger.Debug().Str("camera", cam.ID).Str("client", msg.ClientID).Msg("log ingested")
		}
	case topicAlert:
		var alertType string
		if alertType, err = decodeAlert(msg.Payload); err == nil {
			_, err = t.reg.IngestAlert(ctx, id, alertType)
		}
	default:
		return
	}

	if err != nil {
		t.logger.Warn().Err(err).Str("topic", msg.Topic).Str("client", msg.ClientID).Msg("mqtt ingest failed")
		t.record(ctx, msg, err)
	}
}

func (t *Topics) record(ctx context.Context, msg mqttbroker.Message, cause error) {
	if t.errs == nil {
		return
	}
	entry := model.IngestionError{
		Source:  msg.Topic,
		Payload: truncate(string(msg.Payload), maxRecordedPayload),
		Error:   cause.Error(),
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if err := t.errs.InsertIngestionError(recCtx, entry); err != nil {
		t.logger.Error().Err(err).Msg("persist ingestion error")
	}
}

// parseTopic splits cameras/{id}/{kind}.
func parseTopic(topic string) (id, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != TopicPrefix || parts[1] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// decodeLog accepts {"log": "..."} or a raw text line.
func decodeLog(payload []byte) string {
	var body struct {
		Log *string `json:"log"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Log != nil {
		return *body.Log
	}
	return strings.TrimSpace(string(payload))
}

// decodeAlert accepts {"alertType": "..."}, a bare alert type, or an empty
// payload (fire).
func decodeAlert(payload []byte) (string, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return "", nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		if !utf8.ValidString(trimmed) || strings.ContainsAny(trimmed, "\r\n") {
			return "", errors.New("alert type must be a single line of text")
		}
		return trimmed, nil
	}

	var req model.AlertIngest
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("decode alert payload: %w", err)
	}
	return req.AlertType, nil
}

func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
