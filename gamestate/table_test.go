package gamestate_test

import (
	"testing"

	"github.com/goccy/go-json"
	"gotest.tools/v3/assert"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/types"
)

func newTableForTest() *gamestate.Table {
	return gamestate.NewTable(
		gamestate.WithIndex("by_position", gamestate.HasComponent(types.CompPosition)),
	)
}

func mustRaw(t *testing.T, value any) json.RawMessage {
	t.Helper()
	bz, err := codec.Encode(value)
	assert.NilError(t, err)
	return bz
}

func TestCreateThenUpdateAddsComponent(t *testing.T) {
	table := newTableForTest()

	err := table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     43,
		EntityID: 7,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "zip"}),
		},
	}})
	assert.NilError(t, err)

	tick, entity, ok := table.Get(7)
	assert.Check(t, ok)
	assert.Equal(t, types.Tick(43), tick)
	label, err := codec.Decode[types.LabelComponent]([]byte(entity[types.CompLabel]))
	assert.NilError(t, err)
	assert.Equal(t, "zip", label.Text)

	err = table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     44,
		EntityID: 7,
		Components: types.Entity{
			types.CompRemoteConnection: mustRaw(t, struct{}{}),
		},
	}})
	assert.NilError(t, err)

	tick, entity, ok = table.Get(7)
	assert.Check(t, ok)
	assert.Equal(t, types.Tick(44), tick)
	assert.Equal(t, 2, len(entity))
}

func TestStaleLoadIsNoOp(t *testing.T) {
	table := newTableForTest()

	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     10,
		EntityID: 1,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "current"}),
		},
	}}))

	// A replayed older write must not roll the entity back.
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     9,
		EntityID: 1,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "stale"}),
		},
	}}))

	tick, entity, ok := table.Get(1)
	assert.Check(t, ok)
	assert.Equal(t, types.Tick(10), tick)
	label, err := codec.Decode[types.LabelComponent]([]byte(entity[types.CompLabel]))
	assert.NilError(t, err)
	assert.Equal(t, "current", label.Text)

	// An equal-tick write is also a no-op.
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     10,
		EntityID: 1,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "same tick"}),
		},
	}}))
	_, entity, _ = table.Get(1)
	label, err = codec.Decode[types.LabelComponent]([]byte(entity[types.CompLabel]))
	assert.NilError(t, err)
	assert.Equal(t, "current", label.Text)
}

func TestDeleteIsTerminal(t *testing.T) {
	table := newTableForTest()

	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     5,
		EntityID: 2,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "doomed"}),
		},
	}}))
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeDelete,
		Tick:     6,
		EntityID: 2,
	}}))

	assert.Check(t, !table.Has(2))
	assert.Equal(t, types.Tick(6), table.CurrentTick())

	// A write at or before the deletion tick never resurrects the entity.
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     6,
		EntityID: 2,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "zombie"}),
		},
	}}))
	assert.Check(t, !table.Has(2))
}

func TestComponentVersionsTrackWrites(t *testing.T) {
	table := newTableForTest()

	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     1,
		EntityID: 3,
		Components: types.Entity{
			types.CompLabel:    mustRaw(t, types.LabelComponent{Text: "a"}),
			types.CompPosition: mustRaw(t, types.PositionComponent{}),
		},
	}}))
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     4,
		EntityID: 3,
		Components: types.Entity{
			types.CompLabel: mustRaw(t, types.LabelComponent{Text: "b"}),
		},
	}}))

	_, version, ok := table.GetWithVersion(3)
	assert.Check(t, ok)
	assert.Equal(t, types.Tick(4), version.Tick)
	assert.Equal(t, types.Tick(4), version.Components[types.CompLabel])
	assert.Equal(t, types.Tick(1), version.Components[types.CompPosition])
	for _, compTick := range version.Components {
		assert.Check(t, compTick <= version.Tick)
	}
}

func TestIndexRecomputedOnChange(t *testing.T) {
	table := newTableForTest()

	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     1,
		EntityID: 9,
		Components: types.Entity{
			types.CompPosition: mustRaw(t, types.PositionComponent{V: types.Vec3{X: 1}}),
		},
	}}))

	ids, err := table.Scan("by_position", gamestate.KeyPresent)
	assert.NilError(t, err)
	assert.Equal(t, 1, len(ids))
	assert.Equal(t, types.EntityID(9), ids[0])

	// Removing the component must remove the entity from the index.
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeUpdate,
		Tick:     2,
		EntityID: 9,
		Removed:  []types.ComponentName{types.CompPosition},
	}}))
	ids, err = table.Scan("by_position", gamestate.KeyPresent)
	assert.NilError(t, err)
	assert.Equal(t, 0, len(ids))

	_, err = table.Scan("no_such_index", gamestate.KeyPresent)
	assert.ErrorIs(t, err, gamestate.ErrUnknownIndex)
}

func TestRoundTripThroughCodec(t *testing.T) {
	table := newTableForTest()
	original := types.Change{
		Kind:     types.ChangeCreate,
		Tick:     77,
		EntityID: 12,
		Components: types.Entity{
			types.CompLabel:    mustRaw(t, types.LabelComponent{Text: "round trip"}),
			types.CompPosition: mustRaw(t, types.PositionComponent{V: types.Vec3{X: 1.5, Y: -2, Z: 0.25}}),
		},
	}
	assert.NilError(t, table.Apply([]types.Change{original}))

	bz, err := codec.Encode(original)
	assert.NilError(t, err)
	decoded, err := codec.Decode[types.Change](bz)
	assert.NilError(t, err)

	fresh := newTableForTest()
	assert.NilError(t, fresh.Apply([]types.Change{decoded}))

	wantTick, wantEntity, _ := table.Get(12)
	gotTick, gotEntity, ok := fresh.Get(12)
	assert.Check(t, ok)
	assert.Equal(t, wantTick, gotTick)
	assert.Equal(t, len(wantEntity), len(gotEntity))
	for name, value := range wantEntity {
		assert.Equal(t, string(value), string(gotEntity[name]))
	}
}

type recordingObserver struct {
	preApply  [][]types.EntityID
	postApply [][]types.Change
	cleared   int
}

func (r *recordingObserver) PreApply(ids []types.EntityID)       { r.preApply = append(r.preApply, ids) }
func (r *recordingObserver) PostApply(changes []types.Change)    { r.postApply = append(r.postApply, changes) }
func (r *recordingObserver) OnClear()                            { r.cleared++ }

func TestObserversFireSynchronously(t *testing.T) {
	table := newTableForTest()
	obs := &recordingObserver{}
	table.AddObserver(obs)

	assert.NilError(t, table.Apply([]types.Change{
		{
			Kind:     types.ChangeCreate,
			Tick:     1,
			EntityID: 4,
			Components: types.Entity{
				types.CompLabel: mustRaw(t, types.LabelComponent{Text: "x"}),
			},
		},
		// Stale change: must be excluded from PostApply.
		{
			Kind:     types.ChangeUpdate,
			Tick:     1,
			EntityID: 4,
			Components: types.Entity{
				types.CompLabel: mustRaw(t, types.LabelComponent{Text: "y"}),
			},
		},
	}))

	assert.Equal(t, 1, len(obs.preApply))
	assert.Equal(t, 1, len(obs.preApply[0]))
	assert.Equal(t, 1, len(obs.postApply))
	assert.Equal(t, 1, len(obs.postApply[0]))

	table.Clear()
	assert.Equal(t, 1, obs.cleared)
	assert.Equal(t, 0, table.Len())
	// Tick survives a clear so stale replays remain no-ops.
	assert.Equal(t, types.Tick(1), table.CurrentTick())
}
