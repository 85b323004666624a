package acl_test

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/worldsync/worldsync/acl"
	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/types"
)

func newViewForTest(t *testing.T) *gamestate.Table {
	t.Helper()
	return gamestate.NewTable(
		gamestate.WithIndex(acl.ProtectionIndex, gamestate.HasComponent(types.CompProtection)),
	)
}

func create(t *testing.T, table *gamestate.Table, id types.EntityID, tick types.Tick, comps map[types.ComponentName]any) {
	t.Helper()
	entity := types.Entity{}
	for name, value := range comps {
		bz, err := codec.Encode(value)
		assert.NilError(t, err)
		entity[name] = bz
	}
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:       types.ChangeCreate,
		Tick:       tick,
		EntityID:   id,
		Components: entity,
	}}))
}

func TestProtectionDeniesOutsiders(t *testing.T) {
	table := newViewForTest(t)
	create(t, table, 1, 1, map[types.ComponentName]any{
		types.CompUserRoles: types.UserRolesComponent{Roles: []string{"builder"}},
	})
	create(t, table, 2, 1, map[types.ComponentName]any{
		types.CompPosition: types.PositionComponent{V: types.Vec3{X: 10}},
		types.CompProtection: types.ProtectionComponent{
			Radius:  5,
			Allowed: types.AclAllowed{"destroy": {"owner"}},
		},
	})

	checker, err := acl.Build(table, acl.Params{
		Actor: 1,
		At:    []types.Vec3{{X: 12}},
	})
	assert.NilError(t, err)

	assert.Check(t, !checker.Can("destroy", acl.CheckArgs{}))
	// Actions the protection does not list fall through to allow.
	assert.Check(t, checker.Can("place", acl.CheckArgs{}))
	// Points outside the protection radius are unaffected.
	assert.Check(t, checker.Can("destroy", acl.CheckArgs{AtPoints: []types.Vec3{{X: 100}}}))
}

func TestAdminAndTeamOverrides(t *testing.T) {
	table := newViewForTest(t)
	create(t, table, 1, 1, map[types.ComponentName]any{
		types.CompUserRoles: types.UserRolesComponent{Roles: []string{acl.AdminRole}},
	})
	create(t, table, 2, 1, map[types.ComponentName]any{
		types.CompTeam: types.TeamComponent{TeamID: 77},
	})
	create(t, table, 3, 1, map[types.ComponentName]any{
		types.CompPosition: types.PositionComponent{V: types.Vec3{}},
		types.CompProtection: types.ProtectionComponent{
			Radius:          5,
			Allowed:         types.AclAllowed{"destroy": {"owner"}},
			TeamID:          77,
			RestoreTimeSecs: 300,
		},
	})

	admin, err := acl.Build(table, acl.Params{Actor: 1, At: []types.Vec3{{}}})
	assert.NilError(t, err)
	assert.Check(t, admin.Can("destroy", acl.CheckArgs{}))

	teammate, err := acl.Build(table, acl.Params{Actor: 2, At: []types.Vec3{{}}})
	assert.NilError(t, err)
	assert.Check(t, teammate.Can("destroy", acl.CheckArgs{}))
	assert.Equal(t, 0.0, teammate.RestoreTimeSecs("destroy"))

	stranger, err := acl.Build(table, acl.Params{Actor: 99, At: []types.Vec3{{}}})
	assert.NilError(t, err)
	assert.Check(t, !stranger.Can("destroy", acl.CheckArgs{}))
	assert.Equal(t, 300.0, stranger.RestoreTimeSecs("destroy"))
}

func TestEntityLocalAclAndTempAllowance(t *testing.T) {
	table := newViewForTest(t)
	create(t, table, 1, 1, map[types.ComponentName]any{
		types.CompUserRoles: types.UserRolesComponent{Roles: []string{"builder"}},
	})
	create(t, table, 5, 1, map[types.ComponentName]any{
		types.CompACL: types.ACLComponent{
			Allowed: types.AclAllowed{"open": {"keyholder"}},
		},
	})

	checker, err := acl.Build(table, acl.Params{
		Actor:       1,
		TempAllowed: map[types.EntityID]bool{6: true},
	})
	assert.NilError(t, err)

	_, entity, ok := table.Get(5)
	assert.Check(t, ok)
	assert.NilError(t, checker.NoteEntityAcl(5, entity))

	assert.Check(t, !checker.Can("open", acl.CheckArgs{Entity: 5}))
	// Entities already slated for restoration are always actionable.
	assert.Check(t, checker.Can("open", acl.CheckArgs{Entity: 6}))
}
