package event_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/event"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/idgen"
	"github.com/worldsync/worldsync/query"
	"github.com/worldsync/worldsync/receipt"
	"github.com/worldsync/worldsync/types"
)

type scriptedHandler struct {
	name     string
	involves func(ev event.Event, facts any) (query.Spec, error)
	apply    func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error
}

func (h *scriptedHandler) Name() string { return h.name }

func (h *scriptedHandler) Involves(ev event.Event, facts any) (query.Spec, error) {
	return h.involves(ev, facts)
}

func (h *scriptedHandler) Apply(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
	return h.apply(prepared, ev, ctx)
}

func newBatch(t *testing.T, table *gamestate.Table, handlers ...event.Handler) (*event.BatchContext, *receipt.History) {
	t.Helper()
	byKind := map[string]event.Handler{}
	for _, h := range handlers {
		byKind[h.Name()] = h
	}
	receipts := receipt.NewHistory(table.CurrentTick(), 5)
	logger := zerolog.Nop()
	return event.NewBatchContext(table, idgen.NewMemoryPool(100), byKind, receipts, &logger), receipts
}

func seedEntity(t *testing.T, table *gamestate.Table, id types.EntityID, label string) {
	t.Helper()
	err := table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     1,
		EntityID: id,
		Components: types.Entity{
			types.CompLabel: mustEncode(t, types.LabelComponent{Text: label}),
		},
	}})
	assert.NilError(t, err)
}

func mustEncode(t *testing.T, v any) []byte {
	t.Helper()
	bz, err := codec.Encode(v)
	assert.NilError(t, err)
	return bz
}

// One failing event in a batch must not drag down a sibling that only read
// the same entity: the sibling's creation still commits on its own.
func TestFailingEventLeavesIndependentSiblingCommitted(t *testing.T) {
	table := gamestate.NewTable()
	seedEntity(t, table, 7, "anchor")

	creator := &scriptedHandler{
		name: "spawn",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{
				"anchor": query.ByID{ID: 7},
				"fresh":  query.NewID{},
			}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			anchor, ok := prepared.Entity("anchor")
			assert.Assert(t, ok)
			fresh := prepared.IDs("fresh")[0]
			return ctx.Create(fresh, types.Entity{
				types.CompLabel: mustEncode(t, types.LabelComponent{Text: "spawned near " + string(anchor.Entity[types.CompLabel])}),
			})
		},
	}
	breaker := &scriptedHandler{
		name: "rename",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{"target": query.ByID{ID: 7}}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			if err := event.SetComponent(ctx, 7, types.CompLabel, types.LabelComponent{Text: "renamed"}); err != nil {
				return err
			}
			panic("handler bug")
		},
	}

	batch, receipts := newBatch(t, table, creator, breaker)
	batch.PrepareAll([]event.Event{
		{ID: "ev-a", Kind: "spawn", Actor: 7},
		{ID: "ev-b", Kind: "rename", Actor: 7},
	})
	assert.Equal(t, 1, batch.NewIDCount())
	assert.NilError(t, batch.ApplyAll(context.Background()))

	txs := batch.Build(2)
	assert.Equal(t, 1, len(txs))
	for _, tx := range txs {
		assert.NilError(t, table.Apply(tx.Changes))
	}

	fresh, ok := receipts.Get("ev-a")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindApplied, fresh.Kind)
	failed, ok := receipts.Get("ev-b")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindFailed, failed.Kind)

	_, anchor, ok := table.Get(7)
	assert.Assert(t, ok)
	label, err := codec.Decode[types.LabelComponent](anchor[types.CompLabel])
	assert.NilError(t, err)
	assert.Equal(t, "anchor", label.Text)

	created := false
	for id := types.EntityID(0); id < 200; id++ {
		if id == 7 {
			continue
		}
		if table.Has(id) {
			created = true
		}
	}
	assert.Assert(t, created)
}

func TestRollbackIsBenign(t *testing.T) {
	table := gamestate.NewTable()
	seedEntity(t, table, 7, "anchor")

	handler := &scriptedHandler{
		name: "guarded",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{"target": query.ByID{ID: 7}}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			return event.Rollbackf("insufficient funds for %d", ev.Actor)
		},
	}

	batch, receipts := newBatch(t, table, handler)
	batch.PrepareAll([]event.Event{{ID: "ev-1", Kind: "guarded", Actor: 7}})
	assert.NilError(t, batch.ApplyAll(context.Background()))
	assert.Equal(t, 0, len(batch.Build(2)))

	r, ok := receipts.Get("ev-1")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindRolledBack, r.Kind)
}

func TestMissingEntityDropsEvent(t *testing.T) {
	table := gamestate.NewTable()

	handler := &scriptedHandler{
		name: "touch",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{"target": query.ByID{ID: 42}}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			t.Fatal("apply must not run for an unresolved event")
			return nil
		},
	}

	batch, receipts := newBatch(t, table, handler)
	batch.PrepareAll([]event.Event{{ID: "ev-1", Kind: "touch"}})
	assert.NilError(t, batch.ApplyAll(context.Background()))
	assert.Equal(t, 0, len(batch.Build(2)))

	r, ok := receipts.Get("ev-1")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindDropped, r.Kind)
}

func TestUnknownKindDropsEvent(t *testing.T) {
	table := gamestate.NewTable()
	batch, receipts := newBatch(t, table)
	batch.PrepareAll([]event.Event{{ID: "ev-1", Kind: "nonsense"}})
	assert.NilError(t, batch.ApplyAll(context.Background()))

	r, ok := receipts.Get("ev-1")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindDropped, r.Kind)
}

func TestPublishesSurviveOnlyWithTheirEvent(t *testing.T) {
	table := gamestate.NewTable()
	seedEntity(t, table, 7, "anchor")

	winner := &scriptedHandler{
		name: "win",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{"target": query.ByID{ID: 7}}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			ctx.Publish("leaderboard.kills", map[string]any{"actor": ev.Actor, "delta": 1})
			return event.SetComponent(ctx, 7, types.CompLabel, types.LabelComponent{Text: "winner"})
		},
	}
	loser := &scriptedHandler{
		name: "lose",
		involves: func(ev event.Event, facts any) (query.Spec, error) {
			return query.Spec{"target": query.ByID{ID: 7}}, nil
		},
		apply: func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
			ctx.Publish("leaderboard.deaths", map[string]any{"actor": ev.Actor, "delta": 1})
			return event.Rollbackf("no")
		},
	}

	batch, _ := newBatch(t, table, winner, loser)
	batch.PrepareAll([]event.Event{
		{ID: "ev-w", Kind: "win", Actor: 3},
		{ID: "ev-l", Kind: "lose", Actor: 4},
	})
	assert.NilError(t, batch.ApplyAll(context.Background()))

	pubs := batch.Publishes()
	assert.Equal(t, 1, len(pubs))
	assert.Equal(t, "leaderboard.kills", pubs[0].Topic)
}

type preparingHandler struct {
	scriptedHandler
	prepared bool
}

func (h *preparingHandler) PrepareInvolves(ev event.Event) (query.Spec, bool) {
	return query.Spec{"anchor": query.ByID{ID: 7}}, true
}

func (h *preparingHandler) Prepare(prepared *query.Resolved, ev event.Event) (any, error) {
	h.prepared = true
	anchor, _ := prepared.Entity("anchor")
	return anchor.ID, nil
}

func TestPreparePhaseFeedsInvolves(t *testing.T) {
	table := gamestate.NewTable()
	seedEntity(t, table, 7, "anchor")

	handler := &preparingHandler{}
	handler.name = "derive"
	handler.involves = func(ev event.Event, facts any) (query.Spec, error) {
		id, ok := facts.(types.EntityID)
		assert.Assert(t, ok)
		return query.Spec{"target": query.ByID{ID: id}}, nil
	}
	handler.apply = func(prepared *query.Resolved, ev event.Event, ctx *event.Context) error {
		return event.SetComponent(ctx, 7, types.CompLabel, types.LabelComponent{Text: "derived"})
	}

	batch, receipts := newBatch(t, table, handler)
	batch.PrepareAll([]event.Event{{ID: "ev-1", Kind: "derive"}})
	assert.NilError(t, batch.ApplyAll(context.Background()))
	assert.Assert(t, handler.prepared)

	r, ok := receipts.Get("ev-1")
	assert.Assert(t, ok)
	assert.Equal(t, receipt.KindApplied, r.Kind)
}
