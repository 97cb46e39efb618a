// SPDX-License-Identifier: MIT

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker for tests and single-node dev runs.
// Same at-least-once semantics as the redis implementation, no durability.
type MemoryBroker struct {
	mu       sync.Mutex
	ready    map[string]time.Time // jobID -> notBefore
	leased   map[string]memLease  // jobID -> grant
	leaseTTL time.Duration
}

type memLease struct {
	token    string
	deadline time.Time
}

func NewMemory(leaseTTL time.Duration) *MemoryBroker {
	return &MemoryBroker{
		ready:    make(map[string]time.Time),
		leased:   make(map[string]memLease),
		leaseTTL: leaseTTL,
	}
}

func (b *MemoryBroker) Close() error { return nil }

func (b *MemoryBroker) Enqueue(ctx context.Context, jobID string, notBefore time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready[jobID] = notBefore
	return nil
}

func (b *MemoryBroker) tryClaim(workerID string) *Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var pick string
	var pickAt time.Time
	for id, notBefore := range b.ready {
		if notBefore.After(now) {
			continue
		}
		if pick == "" || notBefore.Before(pickAt) {
			pick, pickAt = id, notBefore
		}
	}
	if pick == "" {
		return nil
	}
	delete(b.ready, pick)
	grant := memLease{token: uuid.NewString(), deadline: now.Add(b.leaseTTL)}
	b.leased[pick] = grant
	return &Lease{JobID: pick, Token: grant.token, WorkerID: workerID, Deadline: grant.deadline}
}

func (b *MemoryBroker) Lease(ctx context.Context, workerID string, maxWait time.Duration) (*Lease, error) {
	deadline := time.Now().Add(maxWait)
	for {
		if l := b.tryClaim(workerID); l != nil {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) Extend(ctx context.Context, lease *Lease, deadline time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	grant, ok := b.leased[lease.JobID]
	if !ok || grant.token != lease.Token {
		return ErrLeaseExpired
	}
	grant.deadline = deadline
	b.leased[lease.JobID] = grant
	lease.Deadline = deadline
	return nil
}

func (b *MemoryBroker) Ack(ctx context.Context, lease *Lease) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	grant, ok := b.leased[lease.JobID]
	if !ok || grant.token != lease.Token {
		return ErrLeaseExpired
	}
	delete(b.leased, lease.JobID)
	return nil
}

func (b *MemoryBroker) Nack(ctx context.Context, lease *Lease, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	grant, ok := b.leased[lease.JobID]
	if !ok || grant.token != lease.Token {
		return ErrLeaseExpired
	}
	delete(b.leased, lease.JobID)
	b.ready[lease.JobID] = time.Now().Add(delay)
	return nil
}

func (b *MemoryBroker) ReapExpired(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	var reaped []string
	for id, grant := range b.leased {
		if grant.deadline.After(now) {
			continue
		}
		delete(b.leased, id)
		b.ready[id] = now
		reaped = append(reaped, id)
	}
	return reaped, nil
}

var _ Broker = (*MemoryBroker)(nil)
