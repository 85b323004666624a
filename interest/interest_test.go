package interest_test

import (
	"testing"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/types"
)

type deltaRecorder struct {
	deltas []interest.Delta
}

func (r *deltaRecorder) sink(d interest.Delta) {
	r.deltas = append(r.deltas, d)
}

func newWorld(t *testing.T, bucketSize float64) (*gamestate.Table, *interest.SyncIndex) {
	t.Helper()
	logger := zerolog.Nop()
	table := gamestate.NewTable()
	index := interest.NewSyncIndex(bucketSize, &logger)
	table.AddObserver(index)
	return table, index
}

func positioned(t *testing.T, tick types.Tick, id types.EntityID, at types.Vec3, extra types.Entity) types.Change {
	t.Helper()
	pos, err := codec.Encode(types.PositionComponent{V: at})
	assert.NilError(t, err)
	components := types.Entity{types.CompPosition: pos}
	for name, value := range extra {
		components[name] = value
	}
	return types.Change{Kind: types.ChangeCreate, Tick: tick, EntityID: id, Components: components}
}

func TestShapeMoveAdmitsOnlyNewcomers(t *testing.T) {
	table, index := newWorld(t, 1)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 100, types.Vec3{X: 17}, nil),
		positioned(t, 1, 200, types.Vec3{X: 1, Y: 1}, nil),
	}))
	index.Flush()

	// Only the in-range entity bootstraps in.
	assert.Equal(t, 1, len(rec.deltas))
	assert.Equal(t, 1, len(rec.deltas[0].Entities))
	assert.Assert(t, rec.deltas[0].Entities[200])

	watch.Move(types.Vec3{X: 2})
	index.Flush()

	assert.Equal(t, 2, len(rec.deltas))
	delta := rec.deltas[1]
	assert.Equal(t, 1, len(delta.Entities))
	added, ok := delta.Entities[100]
	assert.Assert(t, ok)
	assert.Assert(t, added)

	assert.Assert(t, watch.Visible()[100])
	assert.Assert(t, watch.Visible()[200])
}

func TestRetargetToSamePlaceIsANoOp(t *testing.T) {
	table, index := newWorld(t, 1)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 200, types.Vec3{X: 1}, nil),
	}))
	index.Flush()
	before := len(rec.deltas)

	watch.Move(types.Vec3{})
	watch.Resize(16)
	index.Flush()

	assert.Equal(t, before, len(rec.deltas))
}

func TestEntityMovingAcrossBucketsChangesMembership(t *testing.T) {
	table, index := newWorld(t, 16)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 7, types.Vec3{X: 1}, nil),
	}))
	index.Flush()
	assert.Assert(t, watch.Visible()[7])

	pos, err := codec.Encode(types.PositionComponent{V: types.Vec3{X: 500}})
	assert.NilError(t, err)
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:       types.ChangeUpdate,
		Tick:       2,
		EntityID:   7,
		Components: types.Entity{types.CompPosition: pos},
	}}))
	index.Flush()

	assert.Assert(t, !watch.Visible()[7])
	last := rec.deltas[len(rec.deltas)-1]
	left, ok := last.Entities[7]
	assert.Assert(t, ok)
	assert.Assert(t, !left)
}

func TestWorldGlobalsAreAlwaysVisible(t *testing.T) {
	table, index := newWorld(t, 16)

	meta, err := codec.Encode(map[string]string{"name": "overworld"})
	assert.NilError(t, err)
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:       types.ChangeCreate,
		Tick:       1,
		EntityID:   1,
		Components: types.Entity{types.CompWorldMetadata: meta},
	}}))

	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	index.Flush()

	assert.Assert(t, watch.Visible()[1])

	// Moving the shape far away never evicts a global.
	watch.SetSphere(types.Vec3{X: 10000}, 1)
	index.Flush()
	assert.Assert(t, watch.Visible()[1])
}

func TestDeleteLeavesTheWatch(t *testing.T) {
	table, index := newWorld(t, 16)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 7, types.Vec3{X: 1}, nil),
	}))
	index.Flush()

	assert.NilError(t, table.Apply([]types.Change{{
		Kind: types.ChangeDelete, Tick: 2, EntityID: 7,
	}}))
	index.Flush()

	assert.Assert(t, !watch.Visible()[7])
	last := rec.deltas[len(rec.deltas)-1]
	left, ok := last.Entities[7]
	assert.Assert(t, ok)
	assert.Assert(t, !left)
}

func TestEnterAndLeaveWithinOneFlushNetsOut(t *testing.T) {
	table, index := newWorld(t, 16)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 7, types.Vec3{X: 1}, nil),
	}))
	assert.NilError(t, table.Apply([]types.Change{{
		Kind: types.ChangeDelete, Tick: 2, EntityID: 7,
	}}))
	index.Flush()

	// The watch never learned about the entity, so nothing is emitted.
	assert.Equal(t, 0, len(rec.deltas))
}

func TestBoxMidpointAnchorsBoxOnlyEntities(t *testing.T) {
	table, index := newWorld(t, 16)
	rec := &deltaRecorder{}
	watch := index.NewWatch(rec.sink)
	watch.SetSphere(types.Vec3{}, 16)

	box, err := codec.Encode(types.BoxComponent{AABB: types.AABB{
		Min: types.Vec3{X: 2, Y: 2, Z: 2},
		Max: types.Vec3{X: 6, Y: 6, Z: 6},
	}})
	assert.NilError(t, err)
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:       types.ChangeCreate,
		Tick:       1,
		EntityID:   7,
		Components: types.Entity{types.CompBox: box},
	}}))
	index.Flush()

	assert.Assert(t, watch.Visible()[7])
}

func TestClassification(t *testing.T) {
	table, index := newWorld(t, 16)

	robot, err := codec.Encode(map[string]string{"model": "digger"})
	assert.NilError(t, err)
	assert.NilError(t, table.Apply([]types.Change{
		positioned(t, 1, 7, types.Vec3{X: 1}, types.Entity{types.CompRobotComponent: robot}),
		positioned(t, 1, 8, types.Vec3{X: 2}, nil),
	}))

	assert.Equal(t, interest.ClassRobot, index.Class(7))
	assert.Equal(t, interest.ClassUnclassified, index.Class(8))
	assert.Equal(t, interest.ClassUnclassified, index.Class(999))
}
