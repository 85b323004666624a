package event

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/acl"
	"github.com/worldsync/worldsync/changeset"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/idgen"
	"github.com/worldsync/worldsync/query"
	"github.com/worldsync/worldsync/receipt"
	"github.com/worldsync/worldsync/storage"
	"github.com/worldsync/worldsync/types"
)

var ErrUnknownHandler = errors.New("no handler registered for event kind")

type todo struct {
	handler Handler
	ev      Event
	spec    query.Spec
}

// BatchContext orchestrates one tick's worth of events: prepare everything,
// borrow exactly the ids the whole batch needs, run each event against its
// own change-set node, and flatten the survivors into committable
// transactions.
type BatchContext struct {
	table    *gamestate.Table
	forest   *changeset.Forest
	pool     idgen.Pool
	handlers map[string]Handler
	receipts *receipt.History
	logger   *zerolog.Logger

	todos       []todo
	newIDCount  int
	tempAllowed map[types.EntityID]bool
	publishes   []Publish
}

func NewBatchContext(
	table *gamestate.Table,
	pool idgen.Pool,
	handlers map[string]Handler,
	receipts *receipt.History,
	logger *zerolog.Logger,
) *BatchContext {
	return &BatchContext{
		table:       table,
		forest:      changeset.NewForest(table),
		pool:        pool,
		handlers:    handlers,
		receipts:    receipts,
		logger:      logger,
		tempAllowed: map[types.EntityID]bool{},
	}
}

// PrepareAll runs the cheap declaration phase for every pending event. Events
// whose dependencies cannot be resolved are dropped here, before any id is
// consumed; the rest are queued with their involved specification and the
// batch's total fresh-id requirement is summed.
func (b *BatchContext) PrepareAll(events []Event) {
	for _, ev := range events {
		handler, ok := b.handlers[ev.Kind]
		if !ok {
			b.drop(ev, "", eris.Wrap(ErrUnknownHandler, ev.Kind))
			continue
		}

		var facts any
		if preparer, ok := handler.(Preparer); ok {
			if prepSpec, wants := preparer.PrepareInvolves(ev); wants {
				prepared, err := query.ResolveReadonly(prepSpec, b.table)
				if err != nil {
					b.drop(ev, handler.Name(), err)
					continue
				}
				facts, err = preparer.Prepare(prepared, ev)
				if err != nil {
					b.drop(ev, handler.Name(), err)
					continue
				}
			}
		}

		spec, err := handler.Involves(ev, facts)
		if err != nil || spec == nil {
			if err == nil {
				err = eris.Wrap(query.ErrUnresolved, "involves returned no specification")
			}
			b.drop(ev, handler.Name(), err)
			continue
		}

		b.newIDCount += spec.NewIDCount()
		b.todos = append(b.todos, todo{handler: handler, ev: ev, spec: spec})
	}
}

// NewIDCount is the total fresh ids the prepared batch will reserve.
func (b *BatchContext) NewIDCount() int {
	return b.newIDCount
}

// ApplyAll borrows the id loan and runs every prepared event. Each event gets
// a fresh change-set node; a failure abandons that node only. The loan covers
// the whole batch so an aborted borrow fails everything before any partial
// allocation.
func (b *BatchContext) ApplyAll(ctx context.Context) error {
	loan, err := b.pool.Borrow(ctx, b.newIDCount)
	if err != nil {
		return eris.Wrap(err, "id pool loan")
	}

	for _, item := range b.todos {
		b.applyOne(item, loan)
	}
	return nil
}

func (b *BatchContext) applyOne(item todo, loan *idgen.Loan) {
	node := b.forest.NewNode()

	checkerFactory := func(domain query.AclDomain) (*acl.Checker, error) {
		return acl.Build(node, acl.Params{
			Actor:       domain.Actor,
			At:          domain.At,
			TempAllowed: b.tempAllowed,
		})
	}

	prepared, err := query.Resolve(item.spec, node, loan, checkerFactory)
	if err != nil {
		node.Discard()
		b.drop(item.ev, item.handler.Name(), err)
		return
	}

	evCtx := &Context{node: node}
	err = b.runApply(item.handler, prepared, item.ev, evCtx)
	if err != nil {
		node.Discard()
		if eris.Is(err, ErrRollback) {
			b.logger.Warn().
				Str("event", item.ev.ID).
				Str("handler", item.handler.Name()).
				Err(err).
				Msg("event rolled back")
			b.receipts.Record(item.ev.ID, item.handler.Name(), receipt.KindRolledBack, err)
			return
		}
		b.logger.Error().
			Str("event", item.ev.ID).
			Str("handler", item.handler.Name()).
			Interface("eventBody", item.ev).
			Err(err).
			Msg("event handler failed")
		b.receipts.Record(item.ev.ID, item.handler.Name(), receipt.KindFailed, err)
		return
	}

	node.SetHandled(item.handler.Name() + ":" + item.ev.ID)
	for _, id := range evCtx.deleted {
		b.tempAllowed[id] = true
	}
	b.publishes = append(b.publishes, evCtx.publishes...)
	b.receipts.Record(item.ev.ID, item.handler.Name(), receipt.KindApplied, nil)
}

// runApply isolates handler panics: a panicking handler abandons its own
// change-set like any other unexpected failure.
func (b *BatchContext) runApply(handler Handler, prepared *query.Resolved, ev Event, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("handler %s panicked: %v", handler.Name(), r)
		}
	}()
	return handler.Apply(prepared, ev, ctx)
}

// Build flattens the surviving change-sets into transactions at the given
// commit tick.
func (b *BatchContext) Build(commitTick types.Tick) []storage.Transaction {
	return b.forest.Build(commitTick)
}

// Publishes returns the side-channel emissions from applied events.
func (b *BatchContext) Publishes() []Publish {
	return b.publishes
}

// Forest exposes the change-set arena for inspection.
func (b *BatchContext) Forest() *changeset.Forest {
	return b.forest
}

func (b *BatchContext) drop(ev Event, handlerName string, err error) {
	// A resolution miss means the event's preconditions are presumed false
	// for this tick; that is routine, not alarming.
	evt := b.logger.Debug()
	if !eris.Is(err, query.ErrUnresolved) && !eris.Is(err, ErrUnknownHandler) {
		evt = b.logger.Warn()
	}
	evt.Str("event", ev.ID).Str("handler", handlerName).Err(err).Msg("event dropped")
	b.receipts.Record(ev.ID, handlerName, receipt.KindDropped, err)
}

var _ query.View = (*gamestate.Table)(nil)
