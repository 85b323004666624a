package types

// Well-known component kinds the core itself inspects. Gameplay code is free
// to attach any other component kinds; the core treats those as opaque bytes.
const (
	CompPosition         ComponentName = "position"
	CompBox              ComponentName = "box"
	CompLabel            ComponentName = "label"
	CompRemoteConnection ComponentName = "remote_connection"
	CompRobotComponent   ComponentName = "robot_component"
	CompNPCMetadata      ComponentName = "npc_metadata"
	CompTerrainShard     ComponentName = "terrain_shard"
	CompPlaceableBy      ComponentName = "placed_by"
	CompWorldMetadata    ComponentName = "world_metadata"
	CompACL              ComponentName = "acl_component"
	CompProtection       ComponentName = "protection"
	CompUserRoles        ComponentName = "user_roles"
	CompPlayerBehavior   ComponentName = "player_behavior"
	CompTeam             ComponentName = "player_current_team"
)

// PositionComponent is the spatial anchor used for interest management.
type PositionComponent struct {
	V Vec3 `json:"v"`
}

// BoxComponent gives an entity a spatial extent; its center is used for
// bucketing when no position component is present.
type BoxComponent struct {
	AABB AABB `json:"aabb"`
}

// LabelComponent is a free-form display label.
type LabelComponent struct {
	Text string `json:"text"`
}

// AclAllowed maps an action name to the set of user roles allowed to perform
// it. An empty role list means everyone.
type AclAllowed map[string][]string

// ACLComponent is an entity-local access control list.
type ACLComponent struct {
	Allowed AclAllowed `json:"allowed"`
}

// ProtectionComponent marks an entity as projecting an ACL over a spatial
// region around its position.
type ProtectionComponent struct {
	Radius          float64    `json:"radius"`
	Allowed         AclAllowed `json:"allowed"`
	RestoreTimeSecs float64    `json:"restoreTimeSecs,omitempty"`
	TeamID          EntityID   `json:"teamId,omitempty"`
}

// UserRolesComponent carries role-based overrides for a player entity.
type UserRolesComponent struct {
	Roles []string `json:"roles"`
}

// TeamComponent records a player's current team.
type TeamComponent struct {
	TeamID EntityID `json:"teamId"`
}
