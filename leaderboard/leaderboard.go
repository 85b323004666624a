// Package leaderboard is the sorted-set side-store. It shares nothing with
// the entity store: records arrive through the event-apply publish path and
// land in Redis sorted sets keyed by category and time window.
package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/worldsync/worldsync/types"
)

// Topic is the publish topic event handlers emit RecordRequests on.
const Topic = "leaderboard"

var (
	ErrUnknownOp     = errors.New("unknown leaderboard op")
	ErrUnknownWindow = errors.New("unknown leaderboard window")
	ErrNotRanked     = errors.New("id is not on the leaderboard")
)

// Op selects how a record folds into the existing score.
type Op string

const (
	// OpIncr adds the amount to the current score.
	OpIncr Op = "INCR"
	// OpLT keeps the lower of the current score and the amount (best lap
	// time style).
	OpLT Op = "LT"
	// OpGT keeps the higher of the two (high score style).
	OpGT Op = "GT"
)

// Window is the time scope of a leaderboard key. Every record lands in all
// three windows; reads pick one.
type Window string

const (
	WindowDaily    Window = "daily"
	WindowThisWeek Window = "thisWeek"
	WindowAllTime  Window = "alltime"
)

var allWindows = []Window{WindowDaily, WindowThisWeek, WindowAllTime}

// Order is the read direction.
type Order string

const (
	OrderAsc  Order = "ASC"
	OrderDesc Order = "DESC"
)

// Entry is one ranked row. Rank is zero-based within the requested order.
//
// Ties are deterministic: equal scores order by the Redis sorted-set member
// ordering, which is lexical ascending for ASC reads and lexical descending
// for DESC reads over the decimal id strings.
type Entry struct {
	ID    types.EntityID `json:"id"`
	Rank  int64          `json:"rank"`
	Value float64        `json:"value"`
}

// RecordRequest is the payload shape the event-apply path publishes.
type RecordRequest struct {
	Category string         `json:"category"`
	Op       Op             `json:"op"`
	ID       types.EntityID `json:"id"`
	Amount   float64        `json:"amount"`
}

type Board struct {
	client *redis.Client
	logger *zerolog.Logger
	now    func() time.Time
}

type Option func(*Board)

// WithClock overrides the window-stamping clock.
func WithClock(now func() time.Time) Option {
	return func(b *Board) {
		b.now = now
	}
}

func New(client *redis.Client, logger *zerolog.Logger, opts ...Option) *Board {
	b := &Board{client: client, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Board) key(category string, window Window) (string, error) {
	switch window {
	case WindowAllTime:
		return "worldsync:lb:" + category + ":alltime", nil
	case WindowDaily:
		return "worldsync:lb:" + category + ":daily:" + b.now().UTC().Format("2006-01-02"), nil
	case WindowThisWeek:
		year, week := b.now().UTC().ISOWeek()
		return fmt.Sprintf("worldsync:lb:%s:week:%d-W%02d", category, year, week), nil
	default:
		return "", eris.Wrap(ErrUnknownWindow, string(window))
	}
}

func member(id types.EntityID) string {
	return strconv.FormatUint(uint64(id), 10)
}

// Record folds one score update into every window of the category.
func (b *Board) Record(ctx context.Context, category string, op Op, id types.EntityID, amount float64) error {
	for _, window := range allWindows {
		key, err := b.key(category, window)
		if err != nil {
			return err
		}
		if err := b.recordOne(ctx, key, op, id, amount); err != nil {
			return eris.Wrapf(err, "record %s %s", category, window)
		}
	}
	return nil
}

func (b *Board) recordOne(ctx context.Context, key string, op Op, id types.EntityID, amount float64) error {
	switch op {
	case OpIncr:
		return b.client.ZIncrBy(ctx, key, amount, member(id)).Err()
	case OpLT, OpGT:
		current, err := b.client.ZScore(ctx, key, member(id)).Result()
		if err != nil && !eris.Is(err, redis.Nil) {
			return err
		}
		absent := eris.Is(err, redis.Nil)
		if !absent {
			if op == OpLT && amount >= current {
				return nil
			}
			if op == OpGT && amount <= current {
				return nil
			}
		}
		return b.client.ZAdd(ctx, key, redis.Z{Score: amount, Member: member(id)}).Err()
	default:
		return eris.Wrap(ErrUnknownOp, string(op))
	}
}

// Apply folds a batch of published record requests, continuing past
// individual failures.
func (b *Board) Apply(ctx context.Context, reqs []RecordRequest) {
	for _, req := range reqs {
		if err := b.Record(ctx, req.Category, req.Op, req.ID, req.Amount); err != nil {
			b.logger.Error().
				Str("category", req.Category).
				Str("op", string(req.Op)).
				Uint64("id", uint64(req.ID)).
				Err(err).
				Msg("leaderboard record failed")
		}
	}
}

// Get returns the top count entries in the requested order.
func (b *Board) Get(ctx context.Context, category string, window Window, order Order, count int64) ([]Entry, error) {
	key, err := b.key(category, window)
	if err != nil {
		return nil, err
	}
	var rows []redis.Z
	if order == OrderDesc {
		rows, err = b.client.ZRevRangeWithScores(ctx, key, 0, count-1).Result()
	} else {
		rows, err = b.client.ZRangeWithScores(ctx, key, 0, count-1).Result()
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read leaderboard %s", category)
	}
	return entriesFrom(rows, 0)
}

// GetNearby returns up to span entries on either side of the given id,
// inclusive.
func (b *Board) GetNearby(ctx context.Context, category string, window Window, order Order, id types.EntityID, span int64) ([]Entry, error) {
	key, err := b.key(category, window)
	if err != nil {
		return nil, err
	}
	rank, err := b.rank(ctx, key, order, id)
	if err != nil {
		return nil, err
	}
	lo := rank - span
	if lo < 0 {
		lo = 0
	}
	hi := rank + span
	var rows []redis.Z
	if order == OrderDesc {
		rows, err = b.client.ZRevRangeWithScores(ctx, key, lo, hi).Result()
	} else {
		rows, err = b.client.ZRangeWithScores(ctx, key, lo, hi).Result()
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read leaderboard %s", category)
	}
	return entriesFrom(rows, lo)
}

// GetAfterScore returns up to count entries strictly past the given score in
// the requested order.
func (b *Board) GetAfterScore(ctx context.Context, category string, window Window, order Order, score float64, count int64) ([]Entry, error) {
	key, err := b.key(category, window)
	if err != nil {
		return nil, err
	}
	exclusive := "(" + strconv.FormatFloat(score, 'f', -1, 64)
	var rows []redis.Z
	if order == OrderDesc {
		rows, err = b.client.ZRevRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Max: exclusive, Min: "-inf", Count: count,
		}).Result()
	} else {
		rows, err = b.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: exclusive, Max: "+inf", Count: count,
		}).Result()
	}
	if err != nil {
		return nil, eris.Wrapf(err, "read leaderboard %s", category)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	firstID, err := strconv.ParseUint(fmt.Sprint(rows[0].Member), 10, 64)
	if err != nil {
		return nil, eris.Wrap(err, "parse leaderboard member")
	}
	baseRank, err := b.rank(ctx, key, order, types.EntityID(firstID))
	if err != nil {
		return nil, err
	}
	return entriesFrom(rows, baseRank)
}

// GetValues reads raw scores for a set of ids. Unranked ids are absent from
// the result.
func (b *Board) GetValues(ctx context.Context, category string, window Window, ids []types.EntityID) (map[types.EntityID]float64, error) {
	key, err := b.key(category, window)
	if err != nil {
		return nil, err
	}
	out := make(map[types.EntityID]float64, len(ids))
	for _, id := range ids {
		score, err := b.client.ZScore(ctx, key, member(id)).Result()
		if err != nil {
			if eris.Is(err, redis.Nil) {
				continue
			}
			return nil, eris.Wrapf(err, "read score of %d", id)
		}
		out[id] = score
	}
	return out, nil
}

func (b *Board) rank(ctx context.Context, key string, order Order, id types.EntityID) (int64, error) {
	var rank int64
	var err error
	if order == OrderDesc {
		rank, err = b.client.ZRevRank(ctx, key, member(id)).Result()
	} else {
		rank, err = b.client.ZRank(ctx, key, member(id)).Result()
	}
	if err != nil {
		if eris.Is(err, redis.Nil) {
			return 0, eris.Wrapf(ErrNotRanked, "id %d", id)
		}
		return 0, eris.Wrapf(err, "rank of %d", id)
	}
	return rank, nil
}

func entriesFrom(rows []redis.Z, baseRank int64) ([]Entry, error) {
	entries := make([]Entry, 0, len(rows))
	for i, row := range rows {
		raw, err := strconv.ParseUint(fmt.Sprint(row.Member), 10, 64)
		if err != nil {
			return nil, eris.Wrap(err, "parse leaderboard member")
		}
		entries = append(entries, Entry{
			ID:    types.EntityID(raw),
			Rank:  baseRank + int64(i),
			Value: row.Score,
		})
	}
	return entries, nil
}
