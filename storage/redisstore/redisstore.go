// Package redisstore is the production storage.Store: entity state lives in
// Redis hashes carrying per-component version ticks, transactions are checked
// against their preconditions before any write, and the change feed rides
// Redis pub/sub.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/worldsync/worldsync/codec"
	"github.com/worldsync/worldsync/storage"
	"github.com/worldsync/worldsync/types"
)

var ErrEntityNotFound = errors.New("entity not found in store")

const (
	entityKeyPrefix    = "worldsync:entity:"
	tombstoneKeyPrefix = "worldsync:tombstone:"
	entitySetKey       = "worldsync:entities"
	updatesChannel     = "worldsync:updates"

	fieldTick            = "__tick"
	componentFieldPrefix = "c:"
	versionFieldPrefix   = "v:"

	// applyParallelism bounds concurrent transaction commits. Transactions in
	// one batch touch disjoint entities, so they never contend on keys.
	applyParallelism = 8
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

type Store struct {
	client    *redis.Client
	logger    *zerolog.Logger
	publishMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

func New(options Options, logger *zerolog.Logger) *Store {
	return &Store{
		client: redis.NewClient(&redis.Options{
			Addr:     options.Addr,
			Password: options.Password,
			DB:       options.DB,
		}),
		logger: logger,
	}
}

// Client exposes the underlying connection so sibling subsystems (id pool,
// leaderboard) can share it instead of dialing their own.
func (s *Store) Client() *redis.Client {
	return s.client
}

func entityKey(id types.EntityID) string {
	return entityKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

func tombstoneKey(id types.EntityID) string {
	return tombstoneKeyPrefix + strconv.FormatUint(uint64(id), 10)
}

// Get loads one entity with its tick. A missing entity yields
// ErrEntityNotFound.
func (s *Store) Get(ctx context.Context, id types.EntityID) (types.Tick, types.Entity, error) {
	fields, err := s.client.HGetAll(ctx, entityKey(id)).Result()
	if err != nil {
		return 0, nil, eris.Wrapf(err, "get entity %d", id)
	}
	if len(fields) == 0 {
		return 0, nil, eris.Wrapf(ErrEntityNotFound, "entity %d", id)
	}
	return decodeEntityFields(fields)
}

// GetAll loads a set of entities in one pipeline round trip. Missing ids are
// simply absent from the result.
func (s *Store) GetAll(ctx context.Context, ids []types.EntityID) (map[types.EntityID]types.Entity, error) {
	pipe := s.client.Pipeline()
	cmds := make(map[types.EntityID]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, entityKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "get all entities")
	}
	out := make(map[types.EntityID]types.Entity, len(ids))
	for id, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		_, entity, err := decodeEntityFields(fields)
		if err != nil {
			return nil, err
		}
		out[id] = entity
	}
	return out, nil
}

// Apply commits each transaction independently: its preconditions are checked
// against current store state, and on a mismatch that transaction fails whole
// while the rest of the batch proceeds. Applied changes plus catchup
// snapshots are returned and published on the update feed.
func (s *Store) Apply(ctx context.Context, txs []storage.Transaction) ([]storage.Outcome, []types.Change, error) {
	outcomes := make([]storage.Outcome, len(txs))
	applied := make([][]types.Change, len(txs))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(applyParallelism)
	for i, tx := range txs {
		i, tx := i, tx
		group.Go(func() error {
			changes, reason, err := s.applyOne(groupCtx, tx)
			if err != nil {
				return err
			}
			if reason != "" {
				outcomes[i] = storage.Outcome{Reason: reason}
				return nil
			}
			outcomes[i] = storage.Outcome{OK: true}
			applied[i] = changes
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}

	var feed []types.Change
	for _, changes := range applied {
		feed = append(feed, changes...)
	}
	for _, tx := range txs {
		for _, id := range tx.Catchups {
			snapshot, ok, err := s.snapshot(ctx, id)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				feed = append(feed, snapshot)
			}
		}
	}

	if len(feed) > 0 {
		if err := s.publish(ctx, storage.Update{Changes: feed}); err != nil {
			return nil, nil, err
		}
	}
	return outcomes, feed, nil
}

func (s *Store) applyOne(ctx context.Context, tx storage.Transaction) ([]types.Change, string, error) {
	for _, iff := range tx.Iffs {
		ok, reason, err := s.checkIff(ctx, iff)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			return nil, reason, nil
		}
	}

	var applied []types.Change
	pipe := s.client.TxPipeline()
	for _, change := range tx.Changes {
		stale, err := s.isStale(ctx, change)
		if err != nil {
			return nil, "", err
		}
		if stale {
			continue
		}
		s.queueChange(ctx, pipe, change)
		applied = append(applied, change)
	}
	if len(applied) == 0 {
		return nil, "", nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, "", eris.Wrap(err, "commit transaction")
	}
	return applied, "", nil
}

func (s *Store) checkIff(ctx context.Context, iff storage.Iff) (bool, string, error) {
	key := entityKey(iff.EntityID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, "", eris.Wrapf(err, "check entity %d", iff.EntityID)
	}

	if iff.MustNotExist {
		if exists != 0 {
			return false, fmt.Sprintf("entity %d already exists", iff.EntityID), nil
		}
		tombstoned, err := s.client.Exists(ctx, tombstoneKey(iff.EntityID)).Result()
		if err != nil {
			return false, "", eris.Wrapf(err, "check tombstone %d", iff.EntityID)
		}
		if tombstoned != 0 {
			return false, fmt.Sprintf("entity %d was deleted and cannot return", iff.EntityID), nil
		}
		return true, "", nil
	}

	if exists == 0 {
		return false, fmt.Sprintf("entity %d no longer exists", iff.EntityID), nil
	}
	if !iff.HasTick {
		return true, "", nil
	}

	field := fieldTick
	if iff.Component != "" {
		field = versionFieldPrefix + string(iff.Component)
	}
	raw, err := s.client.HGet(ctx, key, field).Result()
	if err != nil {
		if eris.Is(err, redis.Nil) {
			return false, fmt.Sprintf("entity %d missing version field %s", iff.EntityID, field), nil
		}
		return false, "", eris.Wrapf(err, "read version of entity %d", iff.EntityID)
	}
	current, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return false, "", eris.Wrapf(err, "parse version of entity %d", iff.EntityID)
	}
	if types.Tick(current) != iff.Tick {
		return false, fmt.Sprintf("entity %d moved from tick %d to %d", iff.EntityID, iff.Tick, current), nil
	}
	return true, "", nil
}

// isStale mirrors the table's last-writer-wins rule: a change at or below the
// stored tick, or at or below a deletion tick, is silently skipped.
func (s *Store) isStale(ctx context.Context, change types.Change) (bool, error) {
	raw, err := s.client.HGet(ctx, entityKey(change.EntityID), fieldTick).Result()
	if err == nil {
		current, parseErr := strconv.ParseUint(raw, 10, 64)
		if parseErr != nil {
			return false, eris.Wrapf(parseErr, "parse tick of entity %d", change.EntityID)
		}
		if change.Tick <= types.Tick(current) {
			return true, nil
		}
	} else if !eris.Is(err, redis.Nil) {
		return false, eris.Wrapf(err, "read tick of entity %d", change.EntityID)
	}

	deleted, err := s.client.Get(ctx, tombstoneKey(change.EntityID)).Result()
	if err != nil {
		if eris.Is(err, redis.Nil) {
			return false, nil
		}
		return false, eris.Wrapf(err, "read tombstone of entity %d", change.EntityID)
	}
	deletedTick, err := strconv.ParseUint(deleted, 10, 64)
	if err != nil {
		return false, eris.Wrapf(err, "parse tombstone of entity %d", change.EntityID)
	}
	return change.Tick <= types.Tick(deletedTick), nil
}

func (s *Store) queueChange(ctx context.Context, pipe redis.Pipeliner, change types.Change) {
	key := entityKey(change.EntityID)
	switch change.Kind {
	case types.ChangeCreate, types.ChangeUpdate:
		values := make([]any, 0, 2+len(change.Components)*4)
		values = append(values, fieldTick, strconv.FormatUint(uint64(change.Tick), 10))
		for name, value := range change.Components {
			values = append(values,
				componentFieldPrefix+string(name), string(value),
				versionFieldPrefix+string(name), strconv.FormatUint(uint64(change.Tick), 10),
			)
		}
		pipe.HSet(ctx, key, values...)
		if len(change.Removed) > 0 {
			fields := make([]string, 0, len(change.Removed)*2)
			for _, name := range change.Removed {
				fields = append(fields, componentFieldPrefix+string(name), versionFieldPrefix+string(name))
			}
			pipe.HDel(ctx, key, fields...)
		}
		pipe.SAdd(ctx, entitySetKey, strconv.FormatUint(uint64(change.EntityID), 10))
	case types.ChangeDelete:
		pipe.Del(ctx, key)
		pipe.SRem(ctx, entitySetKey, strconv.FormatUint(uint64(change.EntityID), 10))
		pipe.Set(ctx, tombstoneKey(change.EntityID), strconv.FormatUint(uint64(change.Tick), 10), 0)
	}
}

// snapshot reads current entity state as a create-shaped change for catchup
// reporting.
func (s *Store) snapshot(ctx context.Context, id types.EntityID) (types.Change, bool, error) {
	tick, entity, err := s.Get(ctx, id)
	if err != nil {
		if eris.Is(err, ErrEntityNotFound) {
			return types.Change{}, false, nil
		}
		return types.Change{}, false, err
	}
	return types.Change{
		Kind:       types.ChangeCreate,
		Tick:       tick,
		EntityID:   id,
		Components: entity,
	}, true, nil
}

func (s *Store) publish(ctx context.Context, update storage.Update) error {
	bz, err := codec.Encode(update)
	if err != nil {
		return err
	}
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if err := s.client.Publish(ctx, updatesChannel, bz).Err(); err != nil {
		return eris.Wrap(err, "publish update")
	}
	return nil
}

// Subscribe opens a change feed. The first message carries the full current
// state matching the filter; later messages relay committed changes. The feed
// closes when ctx is cancelled.
func (s *Store) Subscribe(ctx context.Context, filter storage.SubscriptionFilter) (<-chan storage.Update, error) {
	sub := s.client.Subscribe(ctx, updatesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, eris.Wrap(err, "subscribe to updates")
	}

	bootstrap, err := s.bootstrapChanges(ctx, filter)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	out := make(chan storage.Update, 64)
	out <- storage.Update{Bootstrapped: true, Changes: bootstrap}

	go func() {
		defer close(out)
		defer func() {
			_ = sub.Close()
		}()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				update, err := codec.Decode[storage.Update]([]byte(msg.Payload))
				if err != nil {
					s.logger.Error().Err(err).Msg("undecodable update on feed")
					continue
				}
				update.Changes = filterChanges(update.Changes, filter)
				if len(update.Changes) == 0 {
					continue
				}
				select {
				case out <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) bootstrapChanges(ctx context.Context, filter storage.SubscriptionFilter) ([]types.Change, error) {
	members, err := s.client.SMembers(ctx, entitySetKey).Result()
	if err != nil {
		return nil, eris.Wrap(err, "list entities")
	}
	var changes []types.Change
	for _, member := range members {
		raw, err := strconv.ParseUint(member, 10, 64)
		if err != nil {
			return nil, eris.Wrapf(err, "parse entity id %q", member)
		}
		snapshot, ok, err := s.snapshot(ctx, types.EntityID(raw))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if touchesFilter(snapshot, filter) {
			changes = append(changes, snapshot)
		}
	}
	return changes, nil
}

func filterChanges(changes []types.Change, filter storage.SubscriptionFilter) []types.Change {
	if len(filter.Components) == 0 {
		return changes
	}
	out := changes[:0]
	for _, change := range changes {
		if touchesFilter(change, filter) {
			out = append(out, change)
		}
	}
	return out
}

// touchesFilter keeps deletes unconditionally since the deleted entity's
// component set is no longer knowable from the change alone.
func touchesFilter(change types.Change, filter storage.SubscriptionFilter) bool {
	if len(filter.Components) == 0 || change.Kind == types.ChangeDelete {
		return true
	}
	for _, want := range filter.Components {
		if _, ok := change.Components[want]; ok {
			return true
		}
		for _, removed := range change.Removed {
			if removed == want {
				return true
			}
		}
	}
	return false
}

func decodeEntityFields(fields map[string]string) (types.Tick, types.Entity, error) {
	var tick types.Tick
	entity := types.Entity{}
	for field, value := range fields {
		switch {
		case field == fieldTick:
			raw, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return 0, nil, eris.Wrapf(err, "parse entity tick %q", value)
			}
			tick = types.Tick(raw)
		case strings.HasPrefix(field, componentFieldPrefix):
			name := types.ComponentName(strings.TrimPrefix(field, componentFieldPrefix))
			entity[name] = []byte(value)
		}
	}
	return tick, entity, nil
}

func (s *Store) Close() error {
	return eris.Wrap(s.client.Close(), "close redis client")
}
