// SPDX-License-Identifier: MIT

// Package broker delivers job handles to workers with at-least-once
// semantics. A lease hides a job from other consumers until its deadline;
// expired leases are reaped back into the ready set.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrEmpty signals no job became ready within the wait window.
	ErrEmpty = errors.New("broker empty")
	// ErrLeaseExpired signals the lease is no longer held by the caller.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrUnavailable wraps broker infrastructure failures.
	ErrUnavailable = errors.New("broker unavailable")
)

// Lease is a time-bounded exclusive right to process one job. The token is
// unique per grant so a stale holder cannot ack a re-leased job.
type Lease struct {
	JobID    string
	Token    string
	WorkerID string
	Deadline time.Time
}

// Broker is the at-least-once delivery contract.
type Broker interface {
	// Enqueue admits a job, visible no earlier than notBefore.
	Enqueue(ctx context.Context, jobID string, notBefore time.Time) error

	// Lease returns one ready job, hidden from other consumers until the
	// lease deadline. Blocks up to maxWait; ErrEmpty when nothing arrived.
	Lease(ctx context.Context, workerID string, maxWait time.Duration) (*Lease, error)

	// Extend moves the lease deadline. ErrLeaseExpired if the grant is gone.
	Extend(ctx context.Context, lease *Lease, deadline time.Time) error

	// Ack removes the job from the broker.
	Ack(ctx context.Context, lease *Lease) error

	// Nack re-queues the job after delay.
	Nack(ctx context.Context, lease *Lease, delay time.Duration) error

	// ReapExpired returns jobs whose lease deadline passed and makes them
	// ready again. Supervisor only.
	ReapExpired(ctx context.Context) ([]string, error)

	Close() error
}

// leasePollInterval is how often blocking Lease calls re-check readiness.
const leasePollInterval = 250 * time.Millisecond
