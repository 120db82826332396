// Package client talks to a FireGuard server: the REST surface for operators
// and device agents, and the event stream for viewers.
package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Sanekng/FireGuard/internal/model"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 429
}

type errorBody struct {
	Error string `json:"error"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client is a REST client for the camera API.
type Client struct {
	HTTP    *resty.Client
	baseURL *url.URL
}

// New constructs a Client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	r := resty.New()
	r.SetBaseURL(base.String())
	r.SetHeader("Accept", "application/json")
	r.SetTimeout(cfg.Timeout)

	return &Client{HTTP: r, baseURL: base}, nil
}

// StreamURL returns the WebSocket URL of the event stream.
func (c *Client) StreamURL() string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/stream"
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := c.HTTP.R().
		SetContext(ctx).
		SetError(&errorBody{})
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		msg := strings.TrimSpace(resp.String())
		if eb, ok := resp.Error().(*errorBody); ok && eb.Error != "" {
			msg = eb.Error
		}
		return &APIError{Status: resp.StatusCode(), Message: msg}
	}
	return nil
}

// List returns every camera, newest first.
func (c *Client) List(ctx context.Context) ([]model.Camera, error) {
	var cams []model.Camera
	if err := c.do(ctx, resty.MethodGet, "/api/cameras", nil, &cams); err != nil {
		return nil, err
	}
	return cams, nil
}

// Create registers a new camera.
func (c *Client) Create(ctx context.Context, fields model.CameraFields) (model.Camera, error) {
	var cam model.Camera
	err := c.do(ctx, resty.MethodPost, "/api/cameras", fields, &cam)
	return cam, err
}

// Update applies a partial update to a camera.
func (c *Client) Update(ctx context.Context, id string, patch model.CameraPatch) (model.Camera, error) {
	var cam model.Camera
	err := c.do(ctx, resty.MethodPut, "/api/cameras/"+url.PathEscape(id), patch, &cam)
	return cam, err
}

// Delete removes a camera.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, resty.MethodDelete, "/api/cameras/"+url.PathEscape(id), nil, nil)
}

// IngestLog posts a telemetry line on behalf of a device.
func (c *Client) IngestLog(ctx context.Context, id, text string) (model.Camera, error) {
	var cam model.Camera
	err := c.do(ctx, resty.MethodPost, "/api/logs", model.LogIngest{CameraID: id, Log: text}, &cam)
	return cam, err
}

// IngestAlert posts an alert on behalf of a device. An empty alertType is
// recorded as fire by the server.
func (c *Client) IngestAlert(ctx context.Context, id, alertType string) (model.Camera, error) {
	var cam model.Camera
	err := c.do(ctx, resty.MethodPost, "/api/alert", model.AlertIngest{CameraID: id, AlertType: alertType}, &cam)
	return cam, err
}

// Status is the body of GET /api/status.
type Status struct {
	Cameras     int    `json:"cameras"`
	Alerting    int    `json:"alerting"`
	Subscribers int    `json:"subscribers"`
	Streams     int64  `json:"streams"`
	MQTTClients int    `json:"mqttClients"`
	Uptime      string `json:"uptime"`
	StartedAt   string `json:"startedAt"`
}

// Status fetches server counters.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, resty.MethodGet, "/api/status", nil, &st)
	return st, err
}
