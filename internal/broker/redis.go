// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/riffbench/riffbench/internal/metrics"
)

const (
	readyKey  = "rb:queue:ready"  // ZSET member=jobID score=notBefore (unix ms)
	leasedKey = "rb:queue:leased" // ZSET member=jobID score=deadline (unix ms)
	tokensKey = "rb:queue:tokens" // HASH jobID -> lease token
)

// claimScript atomically moves the oldest due job from ready to leased and
// records the grant token. Returns the jobID or false.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
redis.call('HSET', KEYS[3], ids[1], ARGV[3])
return ids[1]
`)

// extendScript bumps the lease deadline iff the token still matches.
var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
if redis.call('ZSCORE', KEYS[2], ARGV[1]) == false then return 0 end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// settleScript removes the lease iff the token matches. When ARGV[3] is a
// score the job is re-queued at that time (nack); otherwise it is dropped
// (ack).
var settleScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
end
return 1
`)

// reapScript moves all expired leases back into the ready set.
var reapScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return ids
`)

// RedisBroker is the production Broker backed by a single redis instance.
type RedisBroker struct {
	client   *redis.Client
	leaseTTL time.Duration
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(addr string, leaseTTL time.Duration) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: redis connect %s: %v", ErrUnavailable, addr, err)
	}
	return &RedisBroker{client: client, leaseTTL: leaseTTL}, nil
}

// NewRedisWithClient wraps an existing client; used by tests with miniredis.
func NewRedisWithClient(client *redis.Client, leaseTTL time.Duration) *RedisBroker {
	return &RedisBroker{client: client, leaseTTL: leaseTTL}
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func (b *RedisBroker) wrap(err error) error {
	if err == nil || errors.Is(err, ErrEmpty) || errors.Is(err, ErrLeaseExpired) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func (b *RedisBroker) Enqueue(ctx context.Context, jobID string, notBefore time.Time) error {
	err := b.client.ZAdd(ctx, readyKey, redis.Z{Score: float64(ms(notBefore)), Member: jobID}).Err()
	if err != nil {
		return b.wrap(err)
	}
	if depth, err := b.client.ZCard(ctx, readyKey).Result(); err == nil {
		metrics.BrokerDepth.Set(float64(depth))
	}
	return nil
}

func (b *RedisBroker) Lease(ctx context.Context, workerID string, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	for {
		token := uuid.NewString()
		now := time.Now()
		leaseDeadline := now.Add(b.leaseTTL)
		res, err := claimScript.Run(ctx, b.client,
			[]string{readyKey, leasedKey, tokensKey},
			ms(now), ms(leaseDeadline), token,
		).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, b.wrap(err)
		}
		if jobID, ok := res.(string); ok && jobID != "" {
			return &Lease{JobID: jobID, Token: token, WorkerID: workerID, Deadline: leaseDeadline}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leasePollInterval):
		}
	}
}

func (b *RedisBroker) Extend(ctx context.Context, lease *Lease, deadline time.Time) error {
	res, err := extendScript.Run(ctx, b.client,
		[]string{readyKey, leasedKey, tokensKey},
		lease.JobID, lease.Token, ms(deadline),
	).Int()
	if err != nil {
		return b.wrap(err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	lease.Deadline = deadline
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, lease *Lease) error {
	res, err := settleScript.Run(ctx, b.client,
		[]string{readyKey, leasedKey, tokensKey},
		lease.JobID, lease.Token, "",
	).Int()
	if err != nil {
		return b.wrap(err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *RedisBroker) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	res, err := settleScript.Run(ctx, b.client,
		[]string{readyKey, leasedKey, tokensKey},
		lease.JobID, lease.Token, fmt.Sprintf("%d", ms(time.Now().Add(delay))),
	).Int()
	if err != nil {
		return b.wrap(err)
	}
	if res == 0 {
		return ErrLeaseExpired
	}
	return nil
}

func (b *RedisBroker) ReapExpired(ctx context.Context) ([]string, error) {
	res, err := reapScript.Run(ctx, b.client,
		[]string{readyKey, leasedKey, tokensKey},
		ms(time.Now()),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, b.wrap(err)
	}
	return res, nil
}

var _ Broker = (*RedisBroker)(nil)
