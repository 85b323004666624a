package interest

import (
	"math"

	"github.com/worldsync/worldsync/types"
)

type shapeKind int

const (
	shapeNone shapeKind = iota
	shapeSphere
	shapeAABB
)

// WatchedShape is one subscriber's spatial region of interest plus its
// pending delta buffer. All methods go through the owning index's lock;
// bucket membership is only ever mutated by the index's change-processing
// path, so readers never observe a half-moved shape.
type WatchedShape struct {
	index   *SyncIndex
	kind    shapeKind
	center  types.Vec3
	radius  float64
	box     types.AABB
	watched map[bucketKey]bool
	visible map[types.EntityID]bool
	pending map[types.EntityID]bool
	sink    func(Delta)
}

// NewWatch registers a shapeless watch. World-global entities are visible
// immediately; everything else appears once a shape is set.
func (s *SyncIndex) NewWatch(sink func(Delta)) *WatchedShape {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &WatchedShape{
		index:   s,
		watched: map[bucketKey]bool{},
		visible: map[types.EntityID]bool{},
		pending: map[types.EntityID]bool{},
		sink:    sink,
	}
	s.watches[w] = true
	for id := range s.globals {
		w.markAdded(id)
	}
	return w
}

// Close unregisters the watch. No further deltas are emitted.
func (w *WatchedShape) Close() {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	delete(w.index.watches, w)
}

// SetSphere replaces the shape with a sphere.
func (w *WatchedShape) SetSphere(center types.Vec3, radius float64) {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	w.kind = shapeSphere
	w.center = center
	w.radius = radius
	w.retarget()
}

// SetAABB replaces the shape with a box.
func (w *WatchedShape) SetAABB(box types.AABB) {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	w.kind = shapeAABB
	w.box = box
	w.retarget()
}

// Move translates the shape, keeping its kind and extent.
func (w *WatchedShape) Move(center types.Vec3) {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	switch w.kind {
	case shapeSphere:
		w.center = center
	case shapeAABB:
		offset := center.Sub(w.box.Center())
		w.box = types.AABB{Min: w.box.Min.Add(offset), Max: w.box.Max.Add(offset)}
	default:
		return
	}
	w.retarget()
}

// Resize changes a sphere's radius.
func (w *WatchedShape) Resize(radius float64) {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	if w.kind != shapeSphere {
		return
	}
	w.radius = radius
	w.retarget()
}

// Disable drops the shape. Globals stay visible.
func (w *WatchedShape) Disable() {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	w.kind = shapeNone
	w.retarget()
}

// Visible returns a copy of the entities currently inside the interest set.
func (w *WatchedShape) Visible() map[types.EntityID]bool {
	w.index.mu.Lock()
	defer w.index.mu.Unlock()
	out := make(map[types.EntityID]bool, len(w.visible))
	for id := range w.visible {
		out[id] = true
	}
	return out
}

// retarget diffs the full desired bucket set against the currently watched
// set and subscribes/unsubscribes the delta only, so a small movement costs
// boundary buckets rather than the whole range. Caller holds the index lock.
func (w *WatchedShape) retarget() {
	desired := w.desiredBuckets()

	for key := range w.watched {
		if desired[key] {
			continue
		}
		delete(w.watched, key)
		for id := range w.index.buckets[key] {
			if w.index.globals[id] {
				continue
			}
			w.markRemoved(id)
		}
	}
	for key := range desired {
		if w.watched[key] {
			continue
		}
		w.watched[key] = true
		for id := range w.index.buckets[key] {
			w.markAdded(id)
		}
	}
}

func (w *WatchedShape) desiredBuckets() map[bucketKey]bool {
	out := map[bucketKey]bool{}
	size := w.index.bucketSize
	switch w.kind {
	case shapeSphere:
		span := int32(math.Ceil(w.radius / size))
		cb := bucketKey{
			X: int32(math.Floor(w.center.X / size)),
			Y: int32(math.Floor(w.center.Y / size)),
			Z: int32(math.Floor(w.center.Z / size)),
		}
		for dx := -span; dx <= span; dx++ {
			for dy := -span; dy <= span; dy++ {
				for dz := -span; dz <= span; dz++ {
					out[bucketKey{X: cb.X + dx, Y: cb.Y + dy, Z: cb.Z + dz}] = true
				}
			}
		}
	case shapeAABB:
		lo := bucketKey{
			X: int32(math.Floor(w.box.Min.X / size)),
			Y: int32(math.Floor(w.box.Min.Y / size)),
			Z: int32(math.Floor(w.box.Min.Z / size)),
		}
		hi := bucketKey{
			X: int32(math.Floor(w.box.Max.X / size)),
			Y: int32(math.Floor(w.box.Max.Y / size)),
			Z: int32(math.Floor(w.box.Max.Z / size)),
		}
		for x := lo.X; x <= hi.X; x++ {
			for y := lo.Y; y <= hi.Y; y++ {
				for z := lo.Z; z <= hi.Z; z++ {
					out[bucketKey{X: x, Y: y, Z: z}] = true
				}
			}
		}
	}
	return out
}

// markAdded and markRemoved net out: an entity that enters and leaves within
// one flush interval produces no delta entry at all.
func (w *WatchedShape) markAdded(id types.EntityID) {
	if w.visible[id] {
		return
	}
	w.visible[id] = true
	if wasAdded, ok := w.pending[id]; ok && !wasAdded {
		delete(w.pending, id)
		return
	}
	w.pending[id] = true
}

func (w *WatchedShape) markRemoved(id types.EntityID) {
	if !w.visible[id] {
		return
	}
	delete(w.visible, id)
	if added, ok := w.pending[id]; ok && added {
		delete(w.pending, id)
		return
	}
	w.pending[id] = false
}

func (w *WatchedShape) relevantChanges(batch []types.Change) []types.Change {
	var out []types.Change
	for _, change := range batch {
		if w.visible[change.EntityID] {
			out = append(out, change)
			continue
		}
		if _, pending := w.pending[change.EntityID]; pending {
			out = append(out, change)
		}
	}
	return out
}
