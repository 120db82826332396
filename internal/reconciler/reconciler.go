// Package reconciler folds a snapshot and the events that follow it into a
// local, ordered view of the registry.
package reconciler

import (
	"sync"

	"github.com/Sanekng/FireGuard/internal/events"
	"github.com/Sanekng/FireGuard/internal/model"
)

// Change describes what Apply did to the view.
type Change int

const (
	Unchanged Change = iota
	Replaced
	Inserted
	Removed
)

func (c Change) String() string {
	switch c {
	case Replaced:
		return "replaced"
	case Inserted:
		return "inserted"
	case Removed:
		return "removed"
	default:
		return "unchanged"
	}
}

// View is a client-side copy of the registry, newest camera first. It is
// safe for concurrent use.
type View struct {
	mu      sync.RWMutex
	cameras []model.Camera
	alerted map[string]struct{}
	synced  bool
}

// New returns an empty view that has not seen a snapshot yet.
func New() *View {
	return &View{alerted: make(map[string]struct{})}
}

// Load replaces the whole view with snapshot. The snapshot is expected in
// registry order and is kept as given. Alert emphasis survives for cameras
// that are still alerting.
func (v *View) Load(snapshot []model.Camera) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.cameras = append(make([]model.Camera, 0, len(snapshot)), snapshot...)

	alerted := make(map[string]struct{})
	for _, c := range v.cameras {
		if _, ok := v.alerted[c.ID]; ok && c.IsAlert() {
			alerted[c.ID] = struct{}{}
		}
	}
	v.alerted = alerted
	v.synced = true
}

// Apply folds one event into the view.
//
// An upsert or alert for a known id replaces the camera in place. An unknown
// id is inserted at its createdAt position, since the stream may deliver a
// change the snapshot already missed or an event for a camera created after
// it. A removal of an unknown id is a no-op.
func (v *View) Apply(ev events.Event) Change {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch ev.Kind {
	case events.Removed:
		id := ev.EntityID()
		delete(v.alerted, id)
		if i := v.index(id); i >= 0 {
			v.cameras = append(v.cameras[:i], v.cameras[i+1:]...)
			return Removed
		}
		return Unchanged
	case events.Upserted, events.Alerted:
		cam := ev.Camera
		// Devices report "normal" through the alert path too.
		switch {
		case !cam.IsAlert():
			delete(v.alerted, cam.ID)
		case ev.Kind == events.Alerted:
			v.alerted[cam.ID] = struct{}{}
		}

		if i := v.index(cam.ID); i >= 0 {
			v.cameras[i] = cam
			return Replaced
		}
		v.insert(cam)
		return Inserted
	default:
		return Unchanged
	}
}

// insert places cam before the first camera created earlier than it.
func (v *View) insert(cam model.Camera) {
	pos := len(v.cameras)
	for i, c := range v.cameras {
		if cam.CreatedAt.After(c.CreatedAt) {
			pos = i
			break
		}
	}
	v.cameras = append(v.cameras, model.Camera{})
	copy(v.cameras[pos+1:], v.cameras[pos:])
	v.cameras[pos] = cam
}

func (v *View) index(id string) int {
	for i, c := range v.cameras {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Cameras returns a copy of the view in display order.
func (v *View) Cameras() []model.Camera {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return append([]model.Camera(nil), v.cameras...)
}

// Get returns the camera with id, if present.
func (v *View) Get(id string) (model.Camera, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if i := v.index(id); i >= 0 {
		return v.cameras[i], true
	}
	return model.Camera{}, false
}

// Alerted reports whether id received an alert event and has not returned to
// normal since.
func (v *View) Alerted(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.alerted[id]
	return ok
}

// Alerting returns the cameras whose status currently signals an alert.
func (v *View) Alerting() []model.Camera {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []model.Camera
	for _, c := range v.cameras {
		if c.IsAlert() {
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of cameras in the view.
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.cameras)
}

// Synced reports whether a snapshot has been loaded.
func (v *View) Synced() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.synced
}
