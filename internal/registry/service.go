// Package registry owns the camera lifecycle. Every committed change leaves
// through the Service, which publishes exactly one event per successful write.
package registry

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/hub"
	"github.com/Sanekng/FireGuard/internal/model"
)

// Store is the durable camera storage. Update must apply mutate and persist
// the result atomically for the given id.
type Store interface {
	NewID() string
	Insert(ctx context.Context, c model.Camera) (model.Camera, error)
	Get(ctx context.Context, id string) (model.Camera, error)
	Update(ctx context.Context, id string, mutate func(*model.Camera) error) (model.Camera, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]model.Camera, error)
}

// Broadcaster fans events out to attached subscribers.
type Broadcaster interface {
	Attach(hub.Subscriber) error
	Detach(hub.Subscriber) bool
	Broadcast(events.Event) int
}

// Service validates writes, applies them to the store, and publishes them.
// Writes to one id are serialized from commit through broadcast, so events
// for an id leave in commit order.
type Service struct {
	store  Store
	hub    Broadcaster
	logger zerolog.Logger
	now    func() time.Time
	locks  *keyLock
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the time source used for createdAt and updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New constructs a Service.
func New(store Store, b Broadcaster, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		hub:    b,
		logger: logger.With().Str("component", "registry").Logger(),
		now:    time.Now,
		locks:  newKeyLock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// Create validates fields, stores a new camera, and publishes an upsert.
func (s *Service) Create(ctx context.Context, fields model.CameraFields) (model.Camera, error) {
	name := strings.TrimSpace(fields.Name)
	if name == "" {
		return model.Camera{}, invalid("name", "required")
	}
	if fields.Lat == nil {
		return model.Camera{}, invalid("lat", "required")
	}
	if fields.Lng == nil {
		return model.Camera{}, invalid("lng", "required")
	}
	if err := validateCoordinates(fields.Lat, fields.Lng); err != nil {
		return model.Camera{}, err
	}

	active := true
	if fields.Active != nil {
		active = *fields.Active
	}
	status := strings.TrimSpace(fields.Status)
	if status == "" {
		status = model.StatusNormal
	}

	now := s.timestamp()
	cam := model.Camera{
		ID:          s.store.NewID(),
		Name:        name,
		Description: fields.Description,
		Lat:         *fields.Lat,
		Lng:         *fields.Lng,
		Active:      active,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	unlock := s.locks.Lock(cam.ID)
	defer unlock()

	saved, err := s.store.Insert(ctx, cam)
	if err != nil {
		return model.Camera{}, storeError("create camera", cam.ID, err)
	}

	s.publish(events.CameraUpserted(saved))
	s.logger.Info().Str("camera", saved.ID).Str("name", saved.Name).Msg("camera created")
	return saved, nil
}

// Update merges patch onto the camera and publishes an upsert.
func (s *Service) Update(ctx context.Context, id string, patch model.CameraPatch) (model.Camera, error) {
	if err := validateID(id); err != nil {
		return model.Camera{}, err
	}
	if err := validatePatch(patch); err != nil {
		return model.Camera{}, err
	}

	cam, err := s.mutate(ctx, "update camera", id, events.CameraUpserted, func(c *model.Camera) {
		patch.Apply(c)
	})
	if err != nil {
		return model.Camera{}, err
	}

	s.logger.Info().Str("camera", id).Msg("camera updated")
	return cam, nil
}

// Delete removes the camera and publishes its id.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if err := s.store.Delete(ctx, id); err != nil {
		return storeError("delete camera", id, err)
	}

	s.publish(events.CameraRemoved(id))
	s.logger.Info().Str("camera", id).Msg("camera deleted")
	return nil
}

// Get returns one camera.
func (s *Service) Get(ctx context.Context, id string) (model.Camera, error) {
	if err := validateID(id); err != nil {
		return model.Camera{}, err
	}
	cam, err := s.store.Get(ctx, id)
	if err != nil {
		return model.Camera{}, storeError("get camera", id, err)
	}
	return cam, nil
}

// List returns every camera ordered by creation time, newest first.
func (s *Service) List(ctx context.Context) ([]model.Camera, error) {
	cams, err := s.store.List(ctx)
	if err != nil {
		return nil, storeError("list cameras", "", err)
	}
	return cams, nil
}

// IngestLog records the latest telemetry line from a device and publishes an upsert.
func (s *Service) IngestLog(ctx context.Context, id, text string) (model.Camera, error) {
	if err := validateID(id); err != nil {
		return model.Camera{}, invalid("cameraId", "required")
	}

	cam, err := s.mutate(ctx, "ingest log", id, events.CameraUpserted, func(c *model.Camera) {
		c.LastLog = text
	})
	if err != nil {
		return model.Camera{}, err
	}

	s.logger.Debug().Str("camera", id).Msg("device log ingested")
	return cam, nil
}

// IngestAlert sets the camera status to alertType (fire when empty) and
// publishes an alert event.
func (s *Service) IngestAlert(ctx context.Context, id, alertType string) (model.Camera, error) {
	if err := validateID(id); err != nil {
		return model.Camera{}, invalid("cameraId", "required")
	}
	status := strings.TrimSpace(alertType)
	if status == "" {
		status = model.DefaultAlertType
	}

	cam, err := s.mutate(ctx, "ingest alert", id, events.CameraAlerted, func(c *model.Camera) {
		c.Status = status
	})
	if err != nil {
		return model.Camera{}, err
	}

	s.logger.Warn().Str("camera", id).Str("status", status).Msg("alert ingested")
	return cam, nil
}

// Subscribe attaches sub and then reads the snapshot it should start from.
// Every change committed after Subscribe returns is delivered to sub; changes
// committed while the snapshot is read may also be delivered, which is
// harmless because each event carries the full post-commit state.
func (s *Service) Subscribe(ctx context.Context, sub hub.Subscriber) ([]model.Camera, error) {
	if err := s.hub.Attach(sub); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", sub.ID(), err)
	}

	cams, err := s.List(ctx)
	if err != nil {
		s.hub.Detach(sub)
		return nil, err
	}
	return cams, nil
}

// Unsubscribe detaches sub; no further events are delivered to it.
func (s *Service) Unsubscribe(sub hub.Subscriber) {
	s.hub.Detach(sub)
}

// mutate applies a read-modify-write to one camera and publishes the event
// built from the committed state, holding the id's lock throughout.
func (s *Service) mutate(ctx context.Context, op, id string, event func(model.Camera) events.Event, apply func(*model.Camera)) (model.Camera, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	cam, err := s.store.Update(ctx, id, func(c *model.Camera) error {
		apply(c)
		c.UpdatedAt = s.timestamp()
		return nil
	})
	if err != nil {
		return model.Camera{}, storeError(op, id, err)
	}

	s.publish(event(cam))
	return cam, nil
}

func (s *Service) publish(ev events.Event) {
	if s.hub == nil {
		return
	}
	n := s.hub.Broadcast(ev)
	s.logger.Debug().Str("event", string(ev.Kind)).Str("camera", ev.EntityID()).Int("subscribers", n).Msg("event broadcast")
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return invalid("id", "required")
	}
	return nil
}

func validatePatch(p model.CameraPatch) error {
	if p.Empty() {
		return invalid("body", "no fields to update")
	}
	if p.Name != nil && strings.TrimSpace(*p.Name) == "" {
		return invalid("name", "must not be empty")
	}
	if p.Status != nil && strings.TrimSpace(*p.Status) == "" {
		return invalid("status", "must not be empty")
	}
	return validateCoordinates(p.Lat, p.Lng)
}

func validateCoordinates(lat, lng *float64) error {
	if lat != nil {
		if math.IsNaN(*lat) || *lat < -90 || *lat > 90 {
			return invalid("lat", fmt.Sprintf("%v out of range [-90, 90]", *lat))
		}
	}
	if lng != nil {
		if math.IsNaN(*lng) || *lng < -180 || *lng > 180 {
			return invalid("lng", fmt.Sprintf("%v out of range [-180, 180]", *lng))
		}
	}
	return nil
}
