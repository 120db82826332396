// Package events defines the change notifications pushed to viewers and
// their wire envelope on the real-time channel.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/Sanekng/FireGuard/internal/model"
)

// Kind names an event on the wire.
type Kind string

const (
	// Upserted is emitted after a create, update, or log ingestion.
	Upserted Kind = "cameraUpdate"
	// Alerted is emitted after an alert ingestion.
	Alerted Kind = "cameraAlert"
	// Removed is emitted after a delete and carries only the id.
	Removed Kind = "cameraRemoved"
	// Snapshot is the first message on a new stream and carries the full list.
	Snapshot Kind = "snapshot"
)

// Event is a committed change to one camera.
type Event struct {
	Kind   Kind
	Camera model.Camera
	ID     string
}

// CameraUpserted builds an upsert event.
func CameraUpserted(c model.Camera) Event {
	return Event{Kind: Upserted, Camera: c, ID: c.ID}
}

// CameraAlerted builds an alert event.
func CameraAlerted(c model.Camera) Event {
	return Event{Kind: Alerted, Camera: c, ID: c.ID}
}

// CameraRemoved builds a removal event.
func CameraRemoved(id string) Event {
	return Event{Kind: Removed, ID: id}
}

// EntityID returns the id of the camera the event concerns.
func (e Event) EntityID() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Camera.ID
}

// Message is the envelope written on the stream: {"type": ..., "data": ...}.
// Data holds a camera, a bare id string, or for snapshots a list of cameras.
type Message struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode renders the event as a stream message.
func Encode(e Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch e.Kind {
	case Upserted, Alerted:
		data, err = json.Marshal(e.Camera)
	case Removed:
		data, err = json.Marshal(e.ID)
	default:
		return nil, fmt.Errorf("encode event: unknown kind %q", e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.Kind, err)
	}
	return json.Marshal(Message{Type: e.Kind, Data: data})
}

// EncodeSnapshot renders the snapshot message sent on attach.
func EncodeSnapshot(cameras []model.Camera) ([]byte, error) {
	if cameras == nil {
		cameras = []model.Camera{}
	}
	data, err := json.Marshal(cameras)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return json.Marshal(Message{Type: Snapshot, Data: data})
}

// Decoded is a parsed stream message. Exactly one of Event or Snapshot is meaningful.
type Decoded struct {
	Event    Event
	Snapshot []model.Camera
	IsSync   bool
}

// Decode parses a stream message.
func Decode(raw []byte) (Decoded, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Decoded{}, fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case Snapshot:
		var cams []model.Camera
		if err := json.Unmarshal(msg.Data, &cams); err != nil {
			return Decoded{}, fmt.Errorf("decode snapshot: %w", err)
		}
		return Decoded{Snapshot: cams, IsSync: true}, nil
	case Upserted, Alerted:
		var c model.Camera
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return Decoded{}, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if c.ID == "" {
			return Decoded{}, fmt.Errorf("decode %s: missing camera id", msg.Type)
		}
		return Decoded{Event: Event{Kind: msg.Type, Camera: c, ID: c.ID}}, nil
	case Removed:
		var id string
		if err := json.Unmarshal(msg.Data, &id); err != nil {
			return Decoded{}, fmt.Errorf("decode %s: %w", msg.Type, err)
		}
		if id == "" {
			return Decoded{}, fmt.Errorf("decode %s: missing id", msg.Type)
		}
		return Decoded{Event: CameraRemoved(id)}, nil
	default:
		return Decoded{}, fmt.Errorf("decode message: unknown type %q", msg.Type)
	}
}
