// Package receipt keeps track of event outcomes for a number of ticks. A
// receipt records whether an event was applied, rolled back, dropped during
// resolution, or failed unexpectedly, along with any associated errors. A
// dropped or rolled-back event is invisible to the initiating client except
// through the absence of the expected state change; receipts are the audit
// trail that makes those outcomes observable server-side.
package receipt

import (
	"errors"
	"sync"

	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/types"
)

var (
	ErrTickInProgress = errors.New("tick is still in progress")
	ErrTickDiscarded  = errors.New("the requested tick has been discarded due to age")
)

// Kind is the fate of one event.
type Kind string

const (
	KindApplied    Kind = "applied"
	KindRolledBack Kind = "rolledback"
	KindDropped    Kind = "dropped"
	KindFailed     Kind = "failed"
)

// Receipt is the recorded outcome of one event.
type Receipt struct {
	EventID string   `json:"eventId"`
	Handler string   `json:"handler,omitempty"`
	Kind    Kind     `json:"kind"`
	Errs    []string `json:"errs,omitempty"`
}

// History stores receipts for the current tick plus some number of past
// ticks in a ring buffer. Receipts can only be written for the current tick;
// past ticks are read-only.
type History struct {
	mu           sync.RWMutex
	currTick     types.Tick
	ticksToStore uint64
	history      []map[string]Receipt
}

// NewHistory tracks receipts for ticksToStore past ticks plus the current
// one.
func NewHistory(currentTick types.Tick, ticksToStore int) *History {
	ticksToStore++
	h := &History{
		currTick:     currentTick,
		ticksToStore: uint64(ticksToStore),
		history:      make([]map[string]Receipt, ticksToStore),
	}
	for i := range h.history {
		h.history[i] = map[string]Receipt{}
	}
	return h
}

// NextTick advances the history and recycles the oldest slot.
func (h *History) NextTick() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currTick++
	h.history[uint64(h.currTick)%h.ticksToStore] = map[string]Receipt{}
}

// SetTick jumps the history to the given tick, used after state recovery.
func (h *History) SetTick(tick types.Tick) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.currTick = tick
}

// Record sets the outcome for an event in the current tick. Recording again
// replaces the kind and appends the error, which covers the
// applied-then-commit-failed path.
func (h *History) Record(eventID, handler string, kind Kind, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot := h.history[uint64(h.currTick)%h.ticksToStore]
	rec := slot[eventID]
	rec.EventID = eventID
	rec.Handler = handler
	rec.Kind = kind
	if err != nil {
		rec.Errs = append(rec.Errs, err.Error())
	}
	slot[eventID] = rec
}

// Get returns the receipt for an event in the current tick.
func (h *History) Get(eventID string) (Receipt, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.history[uint64(h.currTick)%h.ticksToStore][eventID]
	return rec, ok
}

// ForTick returns all receipts for a completed past tick.
func (h *History) ForTick(tick types.Tick) ([]Receipt, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if tick >= h.currTick {
		return nil, eris.Wrap(ErrTickInProgress, "")
	}
	if uint64(h.currTick-tick) >= h.ticksToStore {
		return nil, eris.Wrap(ErrTickDiscarded, "")
	}
	slot := h.history[uint64(tick)%h.ticksToStore]
	recs := make([]Receipt, 0, len(slot))
	for _, rec := range slot {
		recs = append(recs, rec)
	}
	return recs, nil
}

// Size reports how many tick slots the history holds.
func (h *History) Size() uint64 {
	return h.ticksToStore
}
