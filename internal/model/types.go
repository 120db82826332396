package model

import "time"

// StatusNormal is the status of a camera with no active alert.
const StatusNormal = "normal"

// DefaultAlertType is applied when an alert is ingested without a type.
const DefaultAlertType = "fire"

// Camera is a geolocated camera device tracked by the registry.
type Camera struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	Active      bool      `json:"active"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastLog     string    `json:"lastLog,omitempty"`
}

// IsAlert reports whether the camera currently signals an alert.
func (c Camera) IsAlert() bool {
	return c.Status != "" && c.Status != StatusNormal
}

// CameraFields carries the operator-supplied attributes of a new camera.
// Lat and Lng are pointers so a missing coordinate can be told apart from zero.
type CameraFields struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Active      *bool    `json:"active"`
	Status      string   `json:"status"`
}

// CameraPatch is a partial update; nil fields are left unchanged.
type CameraPatch struct {
	Name        *string  `json:"name"`
	Description *string  `json:"description"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	Active      *bool    `json:"active"`
	Status      *string  `json:"status"`
	LastLog     *string  `json:"lastLog"`
}

// Apply merges the non-nil fields of p onto c.
func (p CameraPatch) Apply(c *Camera) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Lat != nil {
		c.Lat = *p.Lat
	}
	if p.Lng != nil {
		c.Lng = *p.Lng
	}
	if p.Active != nil {
		c.Active = *p.Active
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.LastLog != nil {
		c.LastLog = *p.LastLog
	}
}

// Empty reports whether the patch changes nothing.
func (p CameraPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && p.Lat == nil && p.Lng == nil &&
		p.Active == nil && p.Status == nil && p.LastLog == nil
}

// IngestionError captures a device payload that could not be applied.
type IngestionError struct {
	Source    string    `json:"source"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// LogIngest is the body a device agent posts with a telemetry line.
type LogIngest struct {
	CameraID string `json:"cameraId"`
	Log      string `json:"log"`
}

// AlertIngest is the body a device agent posts when it detects a condition.
type AlertIngest struct {
	CameraID  string `json:"cameraId"`
	AlertType string `json:"alertType,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
