// Package worldsync is an authoritative world-state synchronization core: a
// versioned entity table, a transactional change-set engine driven by client
// events, spatial interest management, and a streaming session layer, all
// committed through a Redis backing store.
package worldsync

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/worldsync/worldsync/acl"
	"github.com/worldsync/worldsync/event"
	"github.com/worldsync/worldsync/gamestage"
	"github.com/worldsync/worldsync/gamestate"
	"github.com/worldsync/worldsync/idgen"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/leaderboard"
	"github.com/worldsync/worldsync/pool"
	"github.com/worldsync/worldsync/receipt"
	"github.com/worldsync/worldsync/server"
	"github.com/worldsync/worldsync/statsd"
	"github.com/worldsync/worldsync/storage"
	"github.com/worldsync/worldsync/storage/redisstore"
	"github.com/worldsync/worldsync/types"
)

// DefaultHistoricalTicksToStore is how many ticks of receipts are retained.
const DefaultHistoricalTicksToStore = 10

// World owns every subsystem and drives the tick loop. One tick drains the
// event queue, runs the handlers against the in-memory table, commits the
// surviving change sets to the backing store, folds the committed feed back
// into the table, and flushes interest deltas to the attached sessions.
type World struct {
	config    WorldConfig
	namespace string
	logger    zerolog.Logger

	// State
	table *gamestate.Table
	index *interest.SyncIndex
	store storage.Store
	ids   idgen.Pool
	board *leaderboard.Board

	// Intake
	queue    *pool.EventQueue
	handlers map[string]event.Handler
	receipts *receipt.History

	// Networking
	server        *server.Server
	serverOptions []server.Option

	// Lifecycle
	stage          *gamestage.Manager
	shutdownSignal chan struct{}
	stopped        chan struct{}

	// Tick
	tick            *atomic.Uint64
	tickChannel     <-chan time.Time
	tickDoneChannel chan<- uint64
	// addChannelWaitingForNextTick accepts a channel which will be closed
	// after a tick has been completed.
	addChannelWaitingForNextTick chan chan struct{}

	tableOptions []gamestate.Option
}

// NewWorld creates a World using Redis as the backing store. Configuration
// is read from the environment; options override it.
func NewWorld(opts ...WorldOption) (*World, error) {
	cfg, err := loadWorldConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config to start world")
	}

	w := &World{
		config:    cfg,
		namespace: cfg.Namespace,
		logger:    log.Logger,

		queue:    pool.NewEventQueue(),
		handlers: map[string]event.Handler{},

		stage:          gamestage.NewManager(),
		shutdownSignal: make(chan struct{}),
		stopped:        make(chan struct{}),

		tick:                         new(atomic.Uint64),
		addChannelWaitingForNextTick: make(chan chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With().Str("namespace", w.namespace).Logger()

	w.logger.Info().Msgf("Creating a new world in %s mode", w.config.DeployMode)

	store := redisstore.New(redisstore.Options{
		Addr:     w.config.RedisAddress,
		Password: w.config.RedisPassword,
	}, &w.logger)
	w.store = store
	w.ids = idgen.NewRedisPool(store.Client())
	w.board = leaderboard.New(store.Client(), &w.logger)

	tableOpts := append([]gamestate.Option{
		gamestate.WithLogger(&w.logger),
		gamestate.WithIndex(acl.ProtectionIndex, gamestate.HasComponent(types.CompProtection)),
	}, w.tableOptions...)
	w.table = gamestate.NewTable(tableOpts...)
	w.index = interest.NewSyncIndex(w.config.BucketSize, &w.logger)
	w.table.AddObserver(w.index)

	w.receipts = receipt.NewHistory(0, DefaultHistoricalTicksToStore)

	if w.tickChannel == nil {
		w.tickChannel = time.Tick(time.Duration(w.config.TickIntervalMillis) * time.Millisecond) //nolint:staticcheck // its ok.
	}

	if w.config.StatsdAddress != "" {
		tags := []string{
			"worldsync_mode:" + w.config.DeployMode,
			"worldsync_namespace:" + w.namespace,
		}
		if err := statsd.Init(w.config.StatsdAddress, tags); err != nil {
			return nil, eris.Wrap(err, "unable to init statsd")
		}
	} else {
		w.logger.Warn().Msg("statsd is disabled")
	}

	return w, nil
}

// RegisterHandler registers an event handler. All handlers must be registered
// before StartGame is called.
func (w *World) RegisterHandler(h event.Handler) error {
	if w.stage.Current() != gamestage.StagePreStart {
		return errors.New("cannot register handlers after the game has started")
	}
	if _, ok := w.handlers[h.Name()]; ok {
		return eris.Errorf("handler %q is already registered", h.Name())
	}
	w.handlers[h.Name()] = h
	return nil
}

func (w *World) CurrentTick() types.Tick {
	return types.Tick(w.tick.Load())
}

// EnqueueEvent adds an event to the intake queue. It will be executed on the
// next tick.
func (w *World) EnqueueEvent(ev event.Event) {
	w.queue.AddEvent(ev)
}

func (w *World) IsGameLoopRunning() bool {
	return w.stage.Current() == gamestage.StageRunning
}

func (w *World) Interest() *interest.SyncIndex {
	return w.index
}

// SnapshotEntity reports an entity's committed state as a Create-shaped
// change. Sessions use it to materialize entities that entered their watch.
func (w *World) SnapshotEntity(id types.EntityID) (types.Change, bool) {
	return w.table.SnapshotEntity(id)
}

func (w *World) Namespace() string {
	return w.namespace
}

func (w *World) Table() *gamestate.Table {
	return w.table
}

func (w *World) Leaderboard() *leaderboard.Board {
	return w.board
}

func (w *World) Receipts() *receipt.History {
	return w.receipts
}

// doTick performs one game tick: snapshot the event queue, run the handlers,
// commit the surviving change sets, fold the committed feed into the local
// table, and flush interest deltas.
func (w *World) doTick(ctx context.Context) (err error) {
	startTime := time.Now()

	if w.stage.Current() != gamestage.StageRunning &&
		w.stage.Current() != gamestage.StageShuttingDown {
		return eris.Errorf("invalid world state to tick: %s", w.stage.Current())
	}

	defer w.handleTickPanic()

	w.logger.Info().Int("tick", int(w.CurrentTick())).Msg("Tick started")

	events := w.queue.CopyEvents()

	batch := event.NewBatchContext(w.table, w.ids, w.handlers, w.receipts, &w.logger)
	batch.PrepareAll(events)
	if err := batch.ApplyAll(ctx); err != nil {
		return err
	}
	statsd.EmitTickStat(startTime, "events")

	commitStart := time.Now()
	txs := batch.Build(w.CurrentTick() + 1)
	var feed []types.Change
	if len(txs) > 0 {
		outcomes, changes, err := w.store.Apply(ctx, txs)
		if err != nil {
			return eris.Wrap(err, "backing store commit failed")
		}
		for i, outcome := range outcomes {
			if !outcome.OK {
				w.logger.Warn().
					Int("transaction", i).
					Str("reason", outcome.Reason).
					Msg("transaction rejected by backing store")
			}
		}
		feed = changes
	}
	statsd.EmitTickStat(commitStart, "commit")

	if err := w.table.Apply(feed); err != nil {
		return eris.Wrap(err, "failed to fold committed changes into table")
	}

	flushStart := time.Now()
	w.index.Flush()
	statsd.EmitTickStat(flushStart, "flush")

	w.routePublishes(ctx, batch.Publishes())

	w.tick.Add(1)
	w.receipts.NextTick()

	statsd.EmitTickStat(startTime, "full_tick")
	if err := statsd.Client().Count("num_of_events", int64(len(events)), nil, 1); err != nil {
		w.logger.Warn().Msgf("failed to emit count stat:%v", err)
	}
	return nil
}

// routePublishes delivers side-channel emissions collected during the batch.
// Only the leaderboard topic is routed; anything else is a handler bug.
func (w *World) routePublishes(ctx context.Context, publishes []event.Publish) {
	var reqs []leaderboard.RecordRequest
	for _, p := range publishes {
		if p.Topic != leaderboard.Topic {
			w.logger.Warn().Str("topic", p.Topic).Msg("publish to unknown topic dropped")
			continue
		}
		switch v := p.Payload.(type) {
		case leaderboard.RecordRequest:
			reqs = append(reqs, v)
		case *leaderboard.RecordRequest:
			reqs = append(reqs, *v)
		default:
			w.logger.Warn().Msg("leaderboard publish with unexpected payload type dropped")
		}
	}
	if len(reqs) > 0 {
		w.board.Apply(ctx, reqs)
	}
}

// recoverFromStore replays the backing store's current state into the local
// table so a restarted world picks up where the last one stopped.
func (w *World) recoverFromStore(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates, err := w.store.Subscribe(subCtx, storage.SubscriptionFilter{})
	if err != nil {
		return eris.Wrap(err, "failed to subscribe to backing store for recovery")
	}
	select {
	case update, ok := <-updates:
		if !ok {
			return errors.New("backing store feed closed during recovery")
		}
		if err := w.table.Apply(update.Changes); err != nil {
			return eris.Wrap(err, "failed to replay stored state")
		}
		w.tick.Store(uint64(w.table.CurrentTick()))
	case <-ctx.Done():
		return eris.Wrap(ctx.Err(), "recovery interrupted")
	}
	return nil
}

// StartGame starts the world. Each time a message arrives on the tick channel
// a tick is attempted, and an HTTP server (listening on the configured port)
// accepts client sessions. After StartGame is called, RegisterHandler may not
// be called. If StartGame doesn't encounter any errors, it blocks until the
// world is shut down.
func (w *World) StartGame() error {
	ok := w.stage.CompareAndSwap(gamestage.StagePreStart, gamestage.StageStarting)
	if !ok {
		return errors.New("game has already been started")
	}

	if err := w.recoverFromStore(context.Background()); err != nil {
		closeErr := w.store.Close()
		if closeErr != nil {
			return eris.Wrap(err, closeErr.Error())
		}
		return err
	}
	w.receipts.SetTick(w.CurrentTick())

	w.stage.Store(gamestage.StageReady)

	if len(w.handlers) == 0 {
		w.logger.Warn().Msg("No event handlers registered")
	}

	port, err := strconv.ParseUint(w.config.Port, 10, 16)
	if err != nil {
		return eris.Wrapf(err, "invalid port %q", w.config.Port)
	}
	// The configured port goes first so explicit server options win.
	opts := append([]server.Option{server.WithPort(uint(port))}, w.serverOptions...)
	w.server = server.New(w, &w.logger, opts...)

	w.stage.Store(gamestage.StageRunning)

	w.startGameLoop(context.Background(), w.tickChannel, w.tickDoneChannel)
	w.startServer()

	w.handleShutdown()
	<-w.stopped
	return nil
}

func (w *World) startServer() {
	go func() {
		if err := w.server.Serve(); errors.Is(err, http.ErrServerClosed) {
			w.logger.Info().Err(err).Msgf("the server has been closed: %s", eris.ToString(err, true))
		} else if err != nil {
			w.logger.Fatal().Err(err).Msgf("the server has failed: %s", eris.ToString(err, true))
		}
	}()
}

func (w *World) startGameLoop(ctx context.Context, tickStart <-chan time.Time, tickDone chan<- uint64) {
	w.logger.Info().Msg("Game loop started")
	go func() {
		var waitingChs []chan struct{}
	loop:
		for {
			select {
			case _, ok := <-tickStart:
				if !ok {
					panic("tickStart channel has been closed; tick rate is now unbounded.")
				}
				w.tickTheEngine(ctx, tickDone)
				closeAllChannels(waitingChs)
				waitingChs = waitingChs[:0]
			case <-w.shutdownSignal:
				w.drainChannelsWaitingForNextTick()
				closeAllChannels(waitingChs)
				if w.queue.Len() > 0 {
					// immediately tick if the queue is not empty so no
					// pending events are abandoned.
					w.tickTheEngine(ctx, tickDone)
				}
				if tickDone != nil {
					close(tickDone)
				}
				break loop
			case ch := <-w.addChannelWaitingForNextTick:
				waitingChs = append(waitingChs, ch)
			}
		}
		w.stage.Store(gamestage.StageShutDown)
		close(w.stopped)
	}()
}

func (w *World) tickTheEngine(ctx context.Context, tickDone chan<- uint64) {
	currTick := uint64(w.CurrentTick())
	// this is the final point where tick errors bubble up and hit a panic;
	// the real stack trace is in the wrapped error message.
	if err := w.doTick(ctx); err != nil {
		panic(eris.ToString(err, true))
	}
	if tickDone != nil {
		tickDone <- currTick
	}
}

// Shutdown stops the game loop, drains pending events with one final tick,
// and closes the server and the storage connection. It blocks until the
// world has fully stopped.
func (w *World) Shutdown() error {
	w.logger.Info().Msg("Shutting down game loop.")
	ok := w.stage.CompareAndSwap(gamestage.StageRunning, gamestage.StageShuttingDown)
	if !ok {
		current := w.stage.Current()
		if current == gamestage.StageShuttingDown || current == gamestage.StageShutDown {
			// Some other goroutine has already started the shutdown process.
			<-w.stopped
			return nil
		}
		return errors.New("shutdown attempted before the world was started")
	}
	close(w.shutdownSignal)

	// Block until the world has stopped ticking
	<-w.stopped

	if w.server != nil {
		if err := w.server.Shutdown(); err != nil {
			return err
		}
	}

	w.logger.Info().Msg("Successfully shut down game loop.")
	w.logger.Info().Msg("Closing storage connection.")
	if err := w.store.Close(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to close storage connection.")
		return err
	}
	w.logger.Info().Msg("Successfully closed storage connection.")

	return nil
}

func (w *World) handleShutdown() {
	signalChannel := make(chan os.Signal, 1)
	go func() {
		signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
		for sig := range signalChannel {
			if sig == syscall.SIGINT || sig == syscall.SIGTERM {
				if err := w.Shutdown(); err != nil {
					w.logger.Err(err).Msgf("There was an error during shutdown.")
				}
				return
			}
		}
	}()
}

func (w *World) handleTickPanic() {
	if r := recover(); r != nil {
		w.logger.Error().Msgf("Tick %d panicked", w.CurrentTick())
		panic(r)
	}
}

func closeAllChannels(chs []chan struct{}) {
	for _, ch := range chs {
		close(ch)
	}
}

// drainChannelsWaitingForNextTick continually closes any channels that are
// added to the addChannelWaitingForNextTick channel. This is used when the
// world is shut down; it ensures any calls to WaitForNextTick that happen
// after a shutdown will not block.
func (w *World) drainChannelsWaitingForNextTick() {
	go func() {
		for ch := range w.addChannelWaitingForNextTick {
			close(ch)
		}
	}()
}

// WaitForNextTick blocks until at least one game tick has completed. It
// returns true if it successfully waited for a tick. False may be returned
// if the world was shut down while waiting for the next tick to complete.
func (w *World) WaitForNextTick() (success bool) {
	startTick := w.CurrentTick()
	ch := make(chan struct{})
	w.addChannelWaitingForNextTick <- ch
	<-ch
	return w.CurrentTick() > startTick
}
