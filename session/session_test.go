package session_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/session"
	"github.com/worldsync/worldsync/types"
)

func newSession(cfg session.Config) *session.Session {
	logger := zerolog.Nop()
	return session.New(cfg, &logger)
}

func TestPullDrainsCombined(t *testing.T) {
	s := newSession(session.DefaultConfig())
	s.PushChat(session.Delivery{From: 3, Channel: "global", Text: "hi"})
	s.PushEval(session.Eval{Token: "t1", Code: "1+1"})

	delta := s.Pull(10)
	assert.Equal(t, 1, len(delta.Chat))
	assert.Equal(t, "hi", delta.Chat[0].Text)
	assert.Equal(t, 1, len(delta.Evals))

	// Drained for good.
	again := s.Pull(10)
	assert.Equal(t, 0, len(again.Chat))
	assert.Equal(t, 0, len(again.Evals))
}

func TestPullHonorsCount(t *testing.T) {
	s := newSession(session.DefaultConfig())
	// Feed the ecs buffer through the watch-facing path indirectly: ack and
	// chat paths are covered elsewhere, so use Pull's count semantics on an
	// empty buffer plus chat only.
	for i := 0; i < 3; i++ {
		s.PushChat(session.Delivery{Text: "m"})
	}
	delta := s.Pull(1)
	// Chat always drains fully; only ecs changes are count-limited.
	assert.Equal(t, 3, len(delta.Chat))
	assert.Equal(t, 0, len(delta.ECS))
}

func TestSendHardLimit(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.HardLimitBytes = 16
	s := newSession(cfg)
	s.Attach(func([]byte) error { return nil })

	err := s.Send(context.Background(), strings.Repeat("x", 64))
	assert.ErrorIs(t, err, session.ErrMessageTooLarge)
}

func TestSendSoftLimitBackpressure(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.SoftLimitBytes = 8
	cfg.HardLimitBytes = 1024
	s := newSession(cfg)
	s.Attach(func([]byte) error { return nil })

	err := s.Send(context.Background(), strings.Repeat("x", 32))
	assert.ErrorIs(t, err, session.ErrBackpressure)
}

func TestSendSerializesThroughOneSlot(t *testing.T) {
	s := newSession(session.DefaultConfig())
	var order []string
	release := make(chan struct{})
	started := make(chan struct{})
	s.Attach(func(data []byte) error {
		if len(order) == 0 {
			close(started)
			<-release
		}
		order = append(order, string(data))
		return nil
	})

	done := make(chan error, 1)
	go func() {
		done <- s.Send(context.Background(), "first")
	}()
	<-started

	second := make(chan error, 1)
	go func() {
		second <- s.Send(context.Background(), "second")
	}()

	// The second send cannot enter the write while the first holds the slot.
	select {
	case <-second:
		t.Fatal("second send completed before the first released the slot")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	assert.NilError(t, <-done)
	assert.NilError(t, <-second)
	assert.Equal(t, 2, len(order))
	assert.Equal(t, `"first"`, order[0])
	assert.Equal(t, `"second"`, order[1])
}

func TestSendAbortReleasesWait(t *testing.T) {
	s := newSession(session.DefaultConfig())
	release := make(chan struct{})
	started := make(chan struct{})
	var once bool
	s.Attach(func([]byte) error {
		if !once {
			once = true
			close(started)
			<-release
		}
		return nil
	})

	go func() {
		_ = s.Send(context.Background(), "blocker")
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Send(ctx, "waiter")
	}()
	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	close(release)
}

func TestResumeToken(t *testing.T) {
	s := newSession(session.DefaultConfig())
	s.Ack(types.Tick(42))

	_, err := s.Resume("wrong", func([]byte) error { return nil })
	assert.ErrorIs(t, err, session.ErrBadToken)

	tick, err := s.Resume(s.Token(), func([]byte) error { return nil })
	assert.NilError(t, err)
	assert.Equal(t, types.Tick(42), tick)
}

func TestStaleAfterTTL(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.HeartbeatTTL = 10 * time.Millisecond
	s := newSession(cfg)
	assert.Assert(t, !s.Stale(time.Now()))
	assert.Assert(t, s.Stale(time.Now().Add(time.Second)))
}

func TestClosedSessionRejectsSend(t *testing.T) {
	s := newSession(session.DefaultConfig())
	s.Attach(func([]byte) error { return nil })
	s.Close()
	err := s.Send(context.Background(), "late")
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func newWatchedWorld(t *testing.T) (*gamestate.Table, *interest.SyncIndex) {
	t.Helper()
	logger := zerolog.Nop()
	table := gamestate.NewTable()
	index := interest.NewSyncIndex(8, &logger)
	table.AddObserver(index)
	return table, index
}

func commitEntity(t *testing.T, table *gamestate.Table, id types.EntityID, tick types.Tick, pos types.Vec3) {
	t.Helper()
	posBz, err := codec.Encode(types.PositionComponent{V: pos})
	assert.NilError(t, err)
	assert.NilError(t, table.Apply([]types.Change{{
		Kind:     types.ChangeCreate,
		Tick:     tick,
		EntityID: id,
		Components: types.Entity{
			types.CompPosition: posBz,
		},
	}}))
}

// An entity committed long before the session connects must still reach the
// client: entering a watch emits its snapshot even though no change for it
// is in the flushed batch.
func TestWatchedPreexistingEntityIsPulledAfterBind(t *testing.T) {
	table, index := newWatchedWorld(t)
	commitEntity(t, table, 7, 1, types.Vec3{X: 1})
	index.Flush()

	s := newSession(session.DefaultConfig())
	watch := s.BindWatch(index, table.SnapshotEntity)
	watch.SetSphere(types.Vec3{}, 32)
	index.Flush()

	assert.Assert(t, watch.Visible()[7])
	delta := s.Pull(100)
	assert.Equal(t, 1, len(delta.ECS))
	assert.Equal(t, types.EntityID(7), delta.ECS[0].EntityID)
	assert.Equal(t, types.ChangeCreate, delta.ECS[0].Kind)
	assert.Equal(t, types.Tick(1), delta.ECS[0].Tick)
}

// Leaving a watch by shape movement yields a removal marker, while an entity
// whose batch change already covers it is not duplicated by the catchup.
func TestWatchDepartureEmitsRemovalMarker(t *testing.T) {
	table, index := newWatchedWorld(t)
	commitEntity(t, table, 7, 1, types.Vec3{X: 1})
	index.Flush()

	s := newSession(session.DefaultConfig())
	watch := s.BindWatch(index, table.SnapshotEntity)
	watch.SetSphere(types.Vec3{}, 4)
	index.Flush()
	s.Pull(100)

	watch.Move(types.Vec3{X: 100})
	index.Flush()

	delta := s.Pull(100)
	assert.Equal(t, 1, len(delta.ECS))
	assert.Equal(t, types.ChangeDelete, delta.ECS[0].Kind)
	assert.Equal(t, types.EntityID(7), delta.ECS[0].EntityID)
}

func TestEnteredEntityWithBatchChangeIsNotDuplicated(t *testing.T) {
	table, index := newWatchedWorld(t)

	s := newSession(session.DefaultConfig())
	watch := s.BindWatch(index, table.SnapshotEntity)
	watch.SetSphere(types.Vec3{}, 32)
	index.Flush()

	// The create lands in the same flush interval the entity enters in, so
	// the batch change alone must carry it.
	commitEntity(t, table, 9, 2, types.Vec3{X: 2})
	index.Flush()

	delta := s.Pull(100)
	assert.Equal(t, 1, len(delta.ECS))
	assert.Equal(t, types.ChangeCreate, delta.ECS[0].Kind)
	assert.Equal(t, types.EntityID(9), delta.ECS[0].EntityID)
}
