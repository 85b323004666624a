// Package event defines the contract every mutation of world state goes
// through. A handler declares the entities and ids its event involves, the
// engine resolves that declaration into mutation-capable handles, and only
// then does the handler's Apply body run, against its own change-set node,
// so a failure abandons that one event without touching the rest of the
// batch.
package event

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/changeset"
	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/query"
	"github.com/worldsync/worldsync/types"
)

// ErrRollback is the sentinel for an expected, benign abort (insufficient
// permissions, invalid item count, and so on). Handlers wrap it; the batch
// logs at warn level instead of error and discards the change-set.
var ErrRollback = errors.New("event rolled back")

// Rollbackf builds an ErrRollback with context.
func Rollbackf(format string, args ...any) error {
	return eris.Wrap(ErrRollback, fmt.Sprintf(format, args...))
}

// Event is one client-issued mutation request.
type Event struct {
	// ID identifies the event for receipts; sessions derive it from the
	// request envelope.
	ID string `json:"id"`
	// Kind selects the registered handler.
	Kind string `json:"kind"`
	// Actor is the entity on whose behalf the event runs.
	Actor types.EntityID `json:"actor"`
	// Payload is the handler-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the event body into the handler's request type.
func DecodePayload[T any](ev Event) (T, error) {
	return codec.Decode[T](ev.Payload)
}

// Handler executes one event kind.
type Handler interface {
	Name() string
	// Involves is the authoritative declaration of everything the event
	// needs: entities, index lookups, fresh ids, ACL domains. The facts
	// argument carries whatever Prepare derived, or nil.
	Involves(ev Event, facts any) (query.Spec, error)
	// Apply mutates the resolved entities through the context. It must not
	// perform I/O; anything external happens in Prepare.
	Apply(prepared *query.Resolved, ev Event, ctx *Context) error
}

// Preparer is an optional cheap read-only phase used to decide which entities
// the real operation will touch before any id is consumed.
type Preparer interface {
	PrepareInvolves(ev Event) (query.Spec, bool)
	Prepare(prepared *query.Resolved, ev Event) (facts any, err error)
}

// Publish is a side-channel emission (leaderboard records, derived telemetry)
// collected during Apply and delivered after the batch commits.
type Publish struct {
	Topic   string
	Payload any
}

// Context is the mutation surface handed to Apply. All writes go through the
// event's own change-set node.
type Context struct {
	node      *changeset.Node
	publishes []Publish
	deleted   []types.EntityID
}

// Create materializes a brand-new entity from a freshly reserved id.
func (c *Context) Create(id types.EntityID, components types.Entity) error {
	return c.node.Create(id, components)
}

// Delete removes an entity. Deleted ids become temporarily actionable for
// later events in the same batch (restoration allowance).
func (c *Context) Delete(id types.EntityID) error {
	if err := c.node.Delete(id); err != nil {
		return err
	}
	c.deleted = append(c.deleted, id)
	return nil
}

// RemoveComponent drops a component from an entity.
func (c *Context) RemoveComponent(id types.EntityID, name types.ComponentName) error {
	return c.node.RemoveComponent(id, name)
}

// Publish queues a side-channel emission; it is delivered only if the event's
// change-set survives to commit.
func (c *Context) Publish(topic string, payload any) {
	c.publishes = append(c.publishes, Publish{Topic: topic, Payload: payload})
}

// Get reads an entity through the event's speculative view.
func (c *Context) Get(id types.EntityID) (types.Tick, types.Entity, bool) {
	return c.node.Get(id)
}

// SetComponent encodes and buffers one component write.
func SetComponent[T any](ctx *Context, id types.EntityID, name types.ComponentName, value T) error {
	bz, err := codec.Encode(value)
	if err != nil {
		return err
	}
	return ctx.node.SetComponent(id, name, bz)
}

// GetComponent decodes one component from the event's speculative view.
func GetComponent[T any](ctx *Context, id types.EntityID, name types.ComponentName) (T, error) {
	var zero T
	_, entity, ok := ctx.node.Get(id)
	if !ok {
		return zero, eris.Wrapf(changeset.ErrEntityMissing, "entity %d", id)
	}
	raw, ok := entity[name]
	if !ok {
		return zero, eris.Wrapf(changeset.ErrComponentAbsent, "entity %d component %s", id, name)
	}
	return codec.Decode[T](raw)
}
