// Package acl evaluates whether an actor may perform an action at a set of
// world points. A Checker is built once per batch per requested domain; it
// snapshots the actor's roles and team plus every protection entity whose
// region overlaps the domain, so individual Can calls are cheap and read no
// live state.
package acl

import (
	"math"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/types"
)

// ProtectionIndex is the secondary-index name the checker scans to find
// protection entities. The owning table must register it with this name.
const ProtectionIndex = "by_protection"

// AdminRole short-circuits every check.
const AdminRole = "admin"

// View is the minimal read surface the builder needs.
type View interface {
	Get(id types.EntityID) (types.Tick, types.Entity, bool)
	Scan(index, key string) ([]types.EntityID, error)
}

// Params describes the domain a Checker covers.
type Params struct {
	Actor types.EntityID
	At    []types.Vec3
	// TempAllowed lists entities already slated for restoration or removal;
	// actions against them are permitted even inside a protected region.
	TempAllowed map[types.EntityID]bool
}

// CheckArgs narrows a single Can call. AtPoints defaults to the domain's
// points when empty.
type CheckArgs struct {
	AtPoints []types.Vec3
	Entity   types.EntityID
}

type protection struct {
	owner           types.EntityID
	pos             types.Vec3
	radius          float64
	allowed         types.AclAllowed
	restoreTimeSecs float64
	teamID          types.EntityID
}

// Checker answers permission questions for one actor over one spatial domain.
type Checker struct {
	actorRoles  map[string]bool
	actorTeam   types.EntityID
	domain      []types.Vec3
	protections []protection
	localAcls   map[types.EntityID]types.AclAllowed
	tempAllowed map[types.EntityID]bool
}

// Build snapshots everything a Checker needs from the view. Protection
// entities are narrowed to those whose radius reaches at least one domain
// point.
func Build(view View, params Params) (*Checker, error) {
	c := &Checker{
		actorRoles:  map[string]bool{},
		domain:      params.At,
		localAcls:   map[types.EntityID]types.AclAllowed{},
		tempAllowed: params.TempAllowed,
	}
	if c.tempAllowed == nil {
		c.tempAllowed = map[types.EntityID]bool{}
	}

	if _, actor, ok := view.Get(params.Actor); ok {
		if raw, ok := actor[types.CompUserRoles]; ok {
			roles, err := codec.Decode[types.UserRolesComponent](raw)
			if err != nil {
				return nil, err
			}
			for _, role := range roles.Roles {
				c.actorRoles[role] = true
			}
		}
		if raw, ok := actor[types.CompTeam]; ok {
			team, err := codec.Decode[types.TeamComponent](raw)
			if err != nil {
				return nil, err
			}
			c.actorTeam = team.TeamID
		}
	}

	ids, err := view.Scan(ProtectionIndex, "present")
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		_, entity, ok := view.Get(id)
		if !ok {
			continue
		}
		raw, ok := entity[types.CompProtection]
		if !ok {
			continue
		}
		prot, err := codec.Decode[types.ProtectionComponent](raw)
		if err != nil {
			return nil, err
		}
		pos, ok := entityPosition(entity)
		if !ok {
			continue
		}
		p := protection{
			owner:           id,
			pos:             pos,
			radius:          prot.Radius,
			allowed:         prot.Allowed,
			restoreTimeSecs: prot.RestoreTimeSecs,
			teamID:          prot.TeamID,
		}
		if overlapsAny(p, params.At) {
			c.protections = append(c.protections, p)
		}
	}
	return c, nil
}

// NoteEntityAcl records an entity-local ACL so Can(action, {Entity: id}) can
// consult it. Called by the resolver for every entity the spec resolved.
func (c *Checker) NoteEntityAcl(id types.EntityID, entity types.Entity) error {
	raw, ok := entity[types.CompACL]
	if !ok {
		return nil
	}
	comp, err := codec.Decode[types.ACLComponent](raw)
	if err != nil {
		return err
	}
	c.localAcls[id] = comp.Allowed
	return nil
}

// Can reports whether the actor may perform the action. Denial sources are
// checked narrowest first: entity-local ACLs, then overlapping protections.
func (c *Checker) Can(action string, args CheckArgs) bool {
	if c.actorRoles[AdminRole] {
		return true
	}
	if args.Entity != 0 {
		if c.tempAllowed[args.Entity] {
			return true
		}
		if allowed, ok := c.localAcls[args.Entity]; ok {
			if roles, listed := allowed[action]; listed {
				return c.holdsAny(roles)
			}
		}
	}

	points := args.AtPoints
	if len(points) == 0 {
		points = c.domain
	}
	for _, p := range c.protections {
		if !overlapsAny(p, points) {
			continue
		}
		roles, listed := p.allowed[action]
		if !listed {
			continue
		}
		if p.teamID != 0 && p.teamID == c.actorTeam {
			continue
		}
		if !c.holdsAny(roles) {
			return false
		}
	}
	return true
}

// RestoreTimeSecs returns how long a restorable action at the domain takes to
// revert. The strictest (largest) overlapping protection wins; trusted actors
// (same team, or any explicit role grant for the action) revert immediately.
func (c *Checker) RestoreTimeSecs(action string) float64 {
	restore := 0.0
	for _, p := range c.protections {
		if p.restoreTimeSecs == 0 {
			continue
		}
		if p.teamID != 0 && p.teamID == c.actorTeam {
			continue
		}
		if roles, listed := p.allowed[action]; listed && c.holdsAny(roles) {
			continue
		}
		restore = math.Max(restore, p.restoreTimeSecs)
	}
	return restore
}

func (c *Checker) holdsAny(roles []string) bool {
	if len(roles) == 0 {
		return true
	}
	for _, role := range roles {
		if c.actorRoles[role] {
			return true
		}
	}
	return false
}

func overlapsAny(p protection, points []types.Vec3) bool {
	for _, pt := range points {
		d := pt.Sub(p.pos)
		if d.X*d.X+d.Y*d.Y+d.Z*d.Z <= p.radius*p.radius {
			return true
		}
	}
	return false
}

func entityPosition(entity types.Entity) (types.Vec3, bool) {
	if raw, ok := entity[types.CompPosition]; ok {
		pos, err := codec.Decode[types.PositionComponent](raw)
		if err == nil {
			return pos.V, true
		}
	}
	if raw, ok := entity[types.CompBox]; ok {
		box, err := codec.Decode[types.BoxComponent](raw)
		if err == nil {
			return box.AABB.Center(), true
		}
	}
	return types.Vec3{}, false
}
