// SPDX-License-Identifier: MIT

// Package hub multiplexes per-job progress events to subscribers. It is the
// in-process bus between workers and the front door's event streams.
//
// Delivery rules:
//   - Publish never blocks. Each subscriber has a bounded queue (64); when it
//     is full an arriving progress event replaces the newest queued progress
//     event, so a slow reader sees coarser but monotone progress.
//   - Terminal events are never dropped.
//   - A subscriber that does not drain within the lag timeout is detached
//     with a lagged marker on its own stream only.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/model"
	"github.com/riffbench/riffbench/internal/store"
)

const (
	// DefaultBuffer bounds each subscriber queue.
	DefaultBuffer = 64
	// DefaultLagTimeout detaches a subscriber that has not drained.
	DefaultLagTimeout = 30 * time.Second
)

// Token is a shared trip-once cancellation handle for one job.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func newToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Trip requests cancellation. Idempotent.
func (t *Token) Trip() {
	t.once.Do(func() { close(t.ch) })
}

// Done is closed once the token has been tripped.
func (t *Token) Done() <-chan struct{} { return t.ch }

// Tripped reports whether cancellation was requested.
func (t *Token) Tripped() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Subscription is one subscriber stream. Events arrive on C in publish order;
// the channel is closed after a terminal event, a lagged marker, or Close.
type Subscription struct {
	C      <-chan model.Event
	cancel func()
	once   sync.Once
}

// Close detaches the subscriber. Safe to call multiple times.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	mu       sync.Mutex
	queue    []model.Event
	notify   chan struct{}
	out      chan model.Event
	closed   bool
	buffer   int
	lagAfter time.Duration
}

func newSubscriber(buffer int, lagAfter time.Duration) *subscriber {
	return &subscriber{
		notify:   make(chan struct{}, 1),
		out:      make(chan model.Event, 1),
		buffer:   buffer,
		lagAfter: lagAfter,
	}
}

// push enqueues ev without blocking, applying the coalescing policy.
func (s *subscriber) push(ev model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	_, isProgress := ev.(model.ProgressEvent)
	if isProgress && len(s.queue) >= s.buffer {
		// Replace the newest queued progress event; pct is monotone within an
		// attempt so dropping intermediates only coarsens the stream.
		for i := len(s.queue) - 1; i >= 0; i-- {
			if _, ok := s.queue[i].(model.ProgressEvent); ok {
				s.queue[i] = ev
				metrics.IncHubDrop("coalesced")
				s.signalLocked()
				return
			}
		}
		metrics.IncHubDrop("full")
		return
	}
	s.queue = append(s.queue, ev)
	s.signalLocked()
}

func (s *subscriber) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}

func (s *subscriber) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// pump moves queued events to the out channel. It enforces the lag timeout:
// if the reader does not take an event within lagAfter, the subscriber is
// detached with a lagged marker.
func (s *subscriber) pump(ctx context.Context, detach func()) {
	defer close(s.out)
	lagTimer := time.NewTimer(s.lagAfter)
	defer lagTimer.Stop()
	for {
		ev, ok := s.pop()
		if !ok {
			select {
			case <-ctx.Done():
				detach()
				return
			case <-s.notify:
				continue
			}
		}
		if !lagTimer.Stop() {
			select {
			case <-lagTimer.C:
			default:
			}
		}
		lagTimer.Reset(s.lagAfter)
		select {
		case s.out <- ev:
			if isFinal(ev) {
				detach()
				return
			}
		case <-ctx.Done():
			detach()
			return
		case <-lagTimer.C:
			detach()
			metrics.IncHubDrop("lagged")
			// Best effort: the reader may pick up the marker later.
			select {
			case s.out <- model.LaggedEvent{Reason: "subscriber lagged"}:
			default:
			}
			return
		}
	}
}

func isFinal(ev model.Event) bool {
	switch ev.(type) {
	case model.TerminalEvent, model.LaggedEvent:
		return true
	}
	return false
}

type jobTopic struct {
	subs  map[*subscriber]struct{}
	token *Token
}

// Hub is the per-process publish/subscribe bus keyed by job ID.
type Hub struct {
	store      store.Store
	mu         sync.Mutex
	jobs       map[string]*jobTopic
	buffer     int
	lagTimeout time.Duration
}

// New builds a hub over the durable store (used for subscribe snapshots).
func New(st store.Store) *Hub {
	return &Hub{
		store:      st,
		jobs:       make(map[string]*jobTopic),
		buffer:     DefaultBuffer,
		lagTimeout: DefaultLagTimeout,
	}
}

// NewWithOptions is used by tests to shrink buffers and timeouts.
func NewWithOptions(st store.Store, buffer int, lagTimeout time.Duration) *Hub {
	h := New(st)
	h.buffer = buffer
	h.lagTimeout = lagTimeout
	return h
}

func (h *Hub) topic(jobID string, create bool) *jobTopic {
	t, ok := h.jobs[jobID]
	if !ok && create {
		t = &jobTopic{subs: make(map[*subscriber]struct{}), token: newToken()}
		h.jobs[jobID] = t
	}
	return t
}

// Publish fans ev out to all subscribers of jobID. Never blocks.
func (h *Hub) Publish(jobID string, ev model.Event) {
	h.mu.Lock()
	t := h.topic(jobID, false)
	if t == nil {
		h.mu.Unlock()
		return
	}
	subs := make([]*subscriber, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	if _, terminal := ev.(model.TerminalEvent); terminal {
		// The topic is finished; late subscribers resynthesize the terminal
		// from the store snapshot.
		delete(h.jobs, jobID)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribe attaches a stream for jobID. The first event is always a
// snapshot drawn from the durable store; if the job is already terminal the
// terminal event follows immediately and the stream closes.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	job, err := h.store.LoadJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub := newSubscriber(h.buffer, h.lagTimeout)
	pumpCtx, cancelPump := context.WithCancel(ctx)

	detach := func() {
		sub.markClosed()
		h.mu.Lock()
		if t := h.topic(jobID, false); t != nil {
			delete(t.subs, sub)
			if len(t.subs) == 0 && t.token.Tripped() {
				// Keep untripped tokens so a later CancelJob still reaches a
				// running worker; tripped ones are spent.
				delete(h.jobs, jobID)
			}
		}
		h.mu.Unlock()
		metrics.HubSubscribers.Dec()
	}

	sub.push(model.SnapshotEvent{
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
		Attempts: job.Attempts,
	})

	if job.Status.IsTerminal() {
		sub.push(terminalFromJob(job))
	} else {
		h.mu.Lock()
		h.topic(jobID, true).subs[sub] = struct{}{}
		h.mu.Unlock()

		// The job may have finished between the snapshot load and
		// registration; that publish deleted the topic, so the subscriber
		// would wait forever. Re-check and resynthesize the terminal from the
		// store. A duplicate is harmless: the pump stops at the first one.
		if cur, err := h.store.LoadJob(ctx, jobID); err == nil && cur.Status.IsTerminal() {
			sub.push(terminalFromJob(cur))
		}
	}

	metrics.HubSubscribers.Inc()
	go sub.pump(pumpCtx, detach)

	return &Subscription{C: sub.out, cancel: cancelPump}, nil
}

func terminalFromJob(job *model.Job) model.TerminalEvent {
	return model.TerminalEvent{
		Status:      job.Status,
		ResultPath:  job.ResultPath,
		ErrorKind:   job.ErrorKind,
		ErrorDetail: job.ErrorDetail,
	}
}

// CancelToken returns the shared cancellation handle for jobID, creating it
// on first use.
func (h *Hub) CancelToken(jobID string) *Token {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.topic(jobID, true).token
}

// TopicCount reports live topics; tests assert cleanup with it.
func (h *Hub) TopicCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}
