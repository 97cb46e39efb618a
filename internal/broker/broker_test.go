// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func openImpls(t *testing.T, leaseTTL time.Duration) map[string]Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return map[string]Broker{
		"memory": NewMemory(leaseTTL),
		"redis":  NewRedisWithClient(client, leaseTTL),
	}
}

func TestEnqueueLeaseAck(t *testing.T) {
	for name, b := range openImpls(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, "j1", time.Now()))

			lease, err := b.Lease(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.Equal(t, "j1", lease.JobID)
			require.NotEmpty(t, lease.Token)

			// Leased jobs are hidden from other consumers.
			_, err = b.Lease(ctx, "w2", 50*time.Millisecond)
			require.ErrorIs(t, err, ErrEmpty)

			require.NoError(t, b.Ack(ctx, lease))

			// Acked jobs are gone for good.
			_, err = b.Lease(ctx, "w2", 50*time.Millisecond)
			require.ErrorIs(t, err, ErrEmpty)
		})
	}
}

func TestDelayedEnqueueIsInvisibleUntilDue(t *testing.T) {
	for name, b := range openImpls(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, "j1", time.Now().Add(400*time.Millisecond)))

			_, err := b.Lease(ctx, "w1", 50*time.Millisecond)
			require.ErrorIs(t, err, ErrEmpty)

			lease, err := b.Lease(ctx, "w1", 2*time.Second)
			require.NoError(t, err)
			require.Equal(t, "j1", lease.JobID)
		})
	}
}

func TestNackRequeuesAfterDelay(t *testing.T) {
	for name, b := range openImpls(t, time.Minute) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, "j1", time.Now()))

			lease, err := b.Lease(ctx, "w1", time.Second)
			require.NoError(t, err)
			require.NoError(t, b.Nack(ctx, lease, 300*time.Millisecond))

			_, err = b.Lease(ctx, "w1", 50*time.Millisecond)
			require.ErrorIs(t, err, ErrEmpty)

			again, err := b.Lease(ctx, "w1", 2*time.Second)
			require.NoError(t, err)
			require.Equal(t, "j1", again.JobID)
			require.NotEqual(t, lease.Token, again.Token)
		})
	}
}

func TestExtendMovesDeadline(t *testing.T) {
	for name, b := range openImpls(t, 200*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, "j1", time.Now()))

			lease, err := b.Lease(ctx, "w1", time.Second)
			require.NoError(t, err)

			require.NoError(t, b.Extend(ctx, lease, time.Now().Add(time.Minute)))

			// Extended lease survives the original TTL.
			time.Sleep(300 * time.Millisecond)
			reaped, err := b.ReapExpired(ctx)
			require.NoError(t, err)
			require.Empty(t, reaped)
		})
	}
}

func TestReapExpiredMakesJobLeasableAgain(t *testing.T) {
	for name, b := range openImpls(t, 100*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, b.Enqueue(ctx, "j1", time.Now()))

			stale, err := b.Lease(ctx, "w1", time.Second)
			require.NoError(t, err)

			time.Sleep(150 * time.Millisecond)
			reaped, err := b.ReapExpired(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"j1"}, reaped)

			fresh, err := b.Lease(ctx, "w2", time.Second)
			require.NoError(t, err)
			require.Equal(t, "j1", fresh.JobID)

			// The stale holder lost its grant: ack, nack and extend all bounce.
			require.ErrorIs(t, b.Ack(ctx, stale), ErrLeaseExpired)
			require.ErrorIs(t, b.Nack(ctx, stale, 0), ErrLeaseExpired)
			require.ErrorIs(t, b.Extend(ctx, stale, time.Now().Add(time.Minute)), ErrLeaseExpired)

			require.NoError(t, b.Ack(ctx, fresh))
		})
	}
}
