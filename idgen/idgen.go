// Package idgen hands out entity ids as loans against an externally owned
// counter. Ids are a scarce resource issued by the backing store: a batch
// borrows exactly the count it needs up front, and ids handed out are never
// returned: they are either consumed by created entities or discarded with
// the aborted batch.
package idgen

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/worldsync/worldsync/types"
)

var ErrLoanExhausted = errors.New("id loan exhausted")

// Loan is a contiguous run of reserved ids. Next is not safe for concurrent
// use; a loan belongs to exactly one batch.
type Loan struct {
	next      types.EntityID
	remaining int
}

func (l *Loan) Next() (types.EntityID, error) {
	if l.remaining <= 0 {
		return 0, eris.Wrap(ErrLoanExhausted, "")
	}
	id := l.next
	l.next++
	l.remaining--
	return id, nil
}

func (l *Loan) Remaining() int {
	return l.remaining
}

// Pool issues loans.
type Pool interface {
	Borrow(ctx context.Context, n int) (*Loan, error)
}

const redisCounterKey = "worldsync:next_entity_id"

// RedisPool allocates id runs with a single INCRBY so concurrent shards never
// overlap.
type RedisPool struct {
	client *redis.Client
}

func NewRedisPool(client *redis.Client) *RedisPool {
	return &RedisPool{client: client}
}

func (p *RedisPool) Borrow(ctx context.Context, n int) (*Loan, error) {
	if n == 0 {
		return &Loan{}, nil
	}
	end, err := p.client.IncrBy(ctx, redisCounterKey, int64(n)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "borrow entity ids")
	}
	return &Loan{
		next:      types.EntityID(end) - types.EntityID(n) + 1,
		remaining: n,
	}, nil
}

// MemoryPool is an in-process allocator for tests and single-node setups.
type MemoryPool struct {
	mu   sync.Mutex
	next types.EntityID
}

// NewMemoryPool starts allocating at the given id.
func NewMemoryPool(start types.EntityID) *MemoryPool {
	return &MemoryPool{next: start}
}

func (p *MemoryPool) Borrow(_ context.Context, n int) (*Loan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	loan := &Loan{next: p.next, remaining: n}
	p.next += types.EntityID(n)
	return loan, nil
}
