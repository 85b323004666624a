// Package storage defines the backing-store contract the sync core commits
// through. The core only requires *a* versioned key-value store that can
// reject transactions whose preconditions no longer hold; the redisstore
// subpackage is the production implementation.
package storage

import (
	"context"

	"github.com/worldsync/worldsync/types"
)

// Iff is a version-check precondition on one entity. With no tick recorded it
// asserts bare existence; with a tick it asserts the entity (or one specific
// component) is still at exactly that version. MustNotExist inverts the
// existence assertion for creates.
type Iff struct {
	EntityID     types.EntityID      `json:"entityId"`
	HasTick      bool                `json:"hasTick,omitempty"`
	Tick         types.Tick          `json:"tick,omitempty"`
	Component    types.ComponentName `json:"component,omitempty"`
	MustNotExist bool                `json:"mustNotExist,omitempty"`
}

// Transaction is one independently committable unit: all changes apply or
// none do. Catchups ask the store to report current state for extra ids in
// the resulting change feed regardless of whether they were written.
type Transaction struct {
	Iffs     []Iff            `json:"iffs,omitempty"`
	Changes  []types.Change   `json:"changes"`
	Catchups []types.EntityID `json:"catchups,omitempty"`
}

// Outcome reports the fate of one submitted transaction.
type Outcome struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// Update is one message on a subscription feed. The first message carries
// Bootstrapped=true along with the full current state matching the filter.
type Update struct {
	Bootstrapped bool           `json:"bootstrapped,omitempty"`
	Changes      []types.Change `json:"changes"`
}

// SubscriptionFilter narrows a feed. A nil/empty filter means everything.
type SubscriptionFilter struct {
	Components []types.ComponentName `json:"components,omitempty"`
}

// Store is the replaceable durable backend.
type Store interface {
	Get(ctx context.Context, id types.EntityID) (types.Tick, types.Entity, error)
	GetAll(ctx context.Context, ids []types.EntityID) (map[types.EntityID]types.Entity, error)
	Apply(ctx context.Context, txs []Transaction) ([]Outcome, []types.Change, error)
	Subscribe(ctx context.Context, filter SubscriptionFilter) (<-chan Update, error)
	Close() error
}
