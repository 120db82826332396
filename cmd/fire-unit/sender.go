package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/client"
	"github.com/Sanekng/FireGuard/internal/ingest"
	"github.com/Sanekng/FireGuard/internal/model"
)

// Sender delivers device reports to the server.
type Sender interface {
	Log(ctx context.Context, cameraID, text string) error
	Alert(ctx context.Context, cameraID, alertType string) error
	Close()
}

func newSender(opts *options, logger zerolog.Logger) (Sender, error) {
	switch opts.transport {
	case "mqtt":
		return newMQTTSender(opts.broker, opts.cameraID, logger)
	default:
		c, err := client.New(client.Config{BaseURL: opts.server})
		if err != nil {
			return nil, err
		}
		return &httpSender{client: c}, nil
	}
}

type httpSender struct {
	client *client.Client
}

func (s *httpSender) Log(ctx context.Context, cameraID, text string) error {
	_, err := s.client.IngestLog(ctx, cameraID, text)
	return err
}

func (s *httpSender) Alert(ctx context.Context, cameraID, alertType string) error {
	_, err := s.client.IngestAlert(ctx, cameraID, alertType)
	return err
}

func (s *httpSender) Close() {}

type mqttSender struct {
	client mqtt.Client
}

func newMQTTSender(broker, cameraID string, logger zerolog.Logger) (*mqttSender, error) {
	clientID := fmt.Sprintf("fire-unit-%s-%d", cameraID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetOrderMatters(false).
		SetConnectTimeout(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("mqtt connection lost")
		})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		err := token.Error()
		if err == nil {
			err = errors.New("timed out")
		}
		return nil, fmt.Errorf("connect to broker %s: %w", broker, err)
	}
	logger.Info().Str("broker", broker).Str("client_id", clientID).Msg("connected to MQTT broker")
	return &mqttSender{client: c}, nil
}

func (s *mqttSender) publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	token := s.client.Publish(topic, 1, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *mqttSender) Log(ctx context.Context, cameraID, text string) error {
	return s.publish(ctx, ingest.LogTopic(cameraID), map[string]string{"log": text})
}

func (s *mqttSender) Alert(ctx context.Context, cameraID, alertType string) error {
	body := model.AlertIngest{AlertType: alertType, Timestamp: time.Now().UTC().Format(time.RFC3339Nano)}
	return s.publish(ctx, ingest.AlertTopic(cameraID), body)
}

func (s *mqttSender) Close() {
	s.client.Disconnect(250)
}

var retryBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	return b
}

// deliver runs send until it succeeds, the retry budget is spent, or the
// server rejects the report outright.
func deliver(ctx context.Context, logger zerolog.Logger, retries uint64, what string, send func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		err := send(callCtx)
		if err == nil {
			return nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		logger.Warn().Err(err).Int("attempt", attempt).Str("report", what).Msg("send failed, retrying")
		return err
	}

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(retryBackOff(), retries), ctx))
}
