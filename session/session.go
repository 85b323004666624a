// Package session implements the per-connection streaming layer: each
// connection owns a Session that buffers world changes, chat deliveries and
// eval payloads, and drains them into combined deltas under backpressure.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/interest"
	"github.com/worldsync/worldsync/types"
)

var (
	ErrMessageTooLarge = errors.New("message exceeds the hard send limit")
	ErrBackpressure    = errors.New("send buffer is saturated")
	ErrSessionClosed   = errors.New("session is closed")
	ErrBadToken        = errors.New("reconnect token does not match")
)

// Delivery is one buffered chat message.
type Delivery struct {
	From    types.EntityID `json:"from"`
	Channel string         `json:"channel"`
	Text    string         `json:"text"`
}

// Eval is a token/code pair forwarded to the client for execution.
type Eval struct {
	Token string `json:"token"`
	Code  string `json:"code"`
}

// CombinedDelta is the per-connection outbound unit: entity changes plus any
// buffered chat and eval payloads, drained together.
type CombinedDelta struct {
	ECS   []types.Change `json:"ecs,omitempty"`
	Chat  []Delivery     `json:"chat,omitempty"`
	Evals []Eval         `json:"evals,omitempty"`
}

// Config carries the externally supplied tunables of the session layer.
type Config struct {
	// SoftLimitBytes is the base soft limit on bytes buffered toward the
	// socket. The effective limit shrinks as the pull queue deepens, so
	// heavy talkers throttle before light ones.
	SoftLimitBytes int
	// HardLimitBytes rejects a single message outright.
	HardLimitBytes int
	// HeartbeatInterval is how often heartbeats carry reconnect parameters.
	HeartbeatInterval time.Duration
	// HeartbeatTTL is how long a silent connection survives before the
	// lame-duck notice.
	HeartbeatTTL time.Duration
	// ReconnectBackoff is the hint clients apply between reconnect attempts.
	ReconnectBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		SoftLimitBytes:    256 << 10,
		HardLimitBytes:    1 << 20,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTTL:      45 * time.Second,
		ReconnectBackoff:  2 * time.Second,
	}
}

// WriteFunc delivers one encoded message to the transport.
type WriteFunc func(data []byte) error

// SnapshotFunc produces a Create-shaped change describing an entity's
// current committed state, for catching a watch up on entities that entered
// its view without changing.
type SnapshotFunc func(id types.EntityID) (types.Change, bool)

// Session is one client's streaming state. It outlives a single websocket
// connection: a client reconnecting with the right token resumes the same
// session and replays from its last acknowledged tick.
type Session struct {
	id     uuid.UUID
	token  string
	cfg    Config
	logger *zerolog.Logger

	mu       sync.Mutex
	write    WriteFunc
	watch    *interest.WatchedShape
	snapshot SnapshotFunc
	ecs      []types.Change
	chat     []Delivery
	evals    []Eval
	ackTick  types.Tick
	buffered int
	closed   bool
	lastSeen time.Time

	// sendSlot serializes sends: exactly one in-flight message per
	// connection, so delivery order matches submission order.
	sendSlot chan struct{}
}

func New(cfg Config, logger *zerolog.Logger) *Session {
	id := uuid.New()
	s := &Session{
		id:       id,
		token:    reconnectToken(id),
		cfg:      cfg,
		logger:   logger,
		lastSeen: time.Now(),
		sendSlot: make(chan struct{}, 1),
	}
	s.sendSlot <- struct{}{}
	return s
}

// reconnectToken derives a stable opaque token from the session identity.
func reconnectToken(id uuid.UUID) string {
	sum := xxhash.Sum64String(id.String())
	return strconv.FormatUint(sum, 16)
}

func (s *Session) ID() uuid.UUID { return s.id }
func (s *Session) Token() string { return s.token }

// Resume validates a presented reconnect token and rebinds the transport.
// The caller replays changes from the session's last acked tick.
func (s *Session) Resume(token string, write WriteFunc) (types.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if token != s.token {
		return 0, ErrBadToken
	}
	s.write = write
	s.lastSeen = time.Now()
	return s.ackTick, nil
}

// Attach binds the outbound transport.
func (s *Session) Attach(write WriteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write = write
}

// BindWatch wires the session as the consumer of an interest watch. The
// watch's deltas land in the session's ecs buffer; snapshot supplies current
// state for entities that enter the watch without changing.
func (s *Session) BindWatch(index *interest.SyncIndex, snapshot SnapshotFunc) *interest.WatchedShape {
	watch := index.NewWatch(s.acceptDelta)
	s.mu.Lock()
	s.watch = watch
	s.snapshot = snapshot
	s.mu.Unlock()
	return watch
}

func (s *Session) acceptDelta(delta interest.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	// Changes already carried by the batch cover their entities; entered
	// entities without one need a catchup snapshot, and departed entities
	// without one get a removal marker so the client drops them.
	covered := map[types.EntityID]bool{}
	for _, change := range delta.Changes {
		covered[change.EntityID] = true
	}
	s.ecs = append(s.ecs, delta.Changes...)
	for id, entered := range delta.Entities {
		if covered[id] {
			continue
		}
		if entered {
			if s.snapshot == nil {
				continue
			}
			if change, ok := s.snapshot(id); ok {
				s.ecs = append(s.ecs, change)
			}
			continue
		}
		s.ecs = append(s.ecs, types.Change{Kind: types.ChangeDelete, EntityID: id})
	}
}

// PushChat buffers a chat delivery for the next pull.
func (s *Session) PushChat(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.chat = append(s.chat, d)
	}
}

// PushEval buffers an eval payload for the next pull.
func (s *Session) PushEval(e Eval) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.evals = append(s.evals, e)
	}
}

// Pull drains up to count buffered entity changes plus all buffered chat and
// eval payloads into one combined delta.
func (s *Session) Pull(count int) CombinedDelta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := CombinedDelta{Chat: s.chat, Evals: s.evals}
	s.chat = nil
	s.evals = nil
	if count <= 0 || count >= len(s.ecs) {
		out.ECS = s.ecs
		s.ecs = nil
		return out
	}
	out.ECS = s.ecs[:count:count]
	s.ecs = s.ecs[count:]
	return out
}

// PendingChanges is the current ecs queue depth.
func (s *Session) PendingChanges() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ecs)
}

// Ack records the client's resume cursor.
func (s *Session) Ack(tick types.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackTick = tick
	s.lastSeen = time.Now()
}

func (s *Session) LastAck() types.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackTick
}

// Touch marks the connection live for TTL accounting.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// Stale reports whether the connection has been silent past the TTL.
func (s *Session) Stale(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastSeen) > s.cfg.HeartbeatTTL
}

// softLimit shrinks with queue depth. Caller holds the lock.
func (s *Session) softLimit() int {
	depth := len(s.ecs)/64 + 1
	return s.cfg.SoftLimitBytes / depth
}

// Send encodes and ships one message through the single in-flight slot. A
// message over the hard limit is rejected outright; one that would exceed the
// shrinking soft limit fails with ErrBackpressure and the caller decides
// whether to retry or drop. A cancelled ctx releases the wait.
func (s *Session) Send(ctx context.Context, payload any) error {
	data, err := codec.Encode(payload)
	if err != nil {
		return err
	}
	if len(data) > s.cfg.HardLimitBytes {
		return eris.Wrapf(ErrMessageTooLarge, "%d bytes", len(data))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.buffered+len(data) > s.softLimit() {
		s.mu.Unlock()
		return eris.Wrapf(ErrBackpressure, "%d bytes buffered", s.buffered)
	}
	write := s.write
	s.buffered += len(data)
	s.mu.Unlock()

	if write == nil {
		s.settle(len(data))
		return eris.Wrap(ErrSessionClosed, "no transport attached")
	}

	select {
	case <-ctx.Done():
		s.settle(len(data))
		return eris.Wrap(ctx.Err(), "send aborted")
	case <-s.sendSlot:
	}
	err = write(data)
	s.sendSlot <- struct{}{}
	s.settle(len(data))
	if err != nil {
		return eris.Wrap(err, "write to connection")
	}
	return nil
}

func (s *Session) settle(n int) {
	s.mu.Lock()
	s.buffered -= n
	s.mu.Unlock()
}

// Close tears the session down. Buffers are dropped and the interest watch is
// released.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	watch := s.watch
	s.watch = nil
	s.ecs = nil
	s.chat = nil
	s.evals = nil
	s.mu.Unlock()

	if watch != nil {
		watch.Close()
	}
	s.logger.Debug().Str("session", s.id.String()).Msg("session closed")
}

// Heartbeat is the recurring out-of-band control message carrying the
// parameters a client needs to reconnect idempotently.
func (s *Session) Heartbeat() Control {
	return Control{
		Kind:      ControlHeartbeat,
		SessionID: s.id.String(),
		TTLMillis: s.cfg.HeartbeatTTL.Milliseconds(),
		BackoffMs: s.cfg.ReconnectBackoff.Milliseconds(),
	}
}
