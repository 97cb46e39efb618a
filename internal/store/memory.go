// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/riffbench/riffbench/internal/model"
)

// MemoryStore is an in-memory Store intended for tests and local iteration.
// Not durable; not suitable for production.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]*model.Job
	shootouts map[string]*model.Shootout
	creds     map[string]*model.Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]*model.Job),
		shootouts: make(map[string]*model.Shootout),
		creds:     make(map[string]*model.Credential),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateShootoutAndJob(ctx context.Context, sh *model.Shootout, j *model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[j.JobID]; exists {
		return ErrConflict
	}
	shCopy := *sh
	m.shootouts[sh.ShootoutID] = &shCopy
	m.jobs[j.JobID] = j.Clone()
	return nil
}

func (m *MemoryStore) LoadJob(ctx context.Context, jobID string) (*model.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) LoadShootout(ctx context.Context, shootoutID string) (*model.Shootout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sh, ok := m.shootouts[shootoutID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sh
	return &cp, nil
}

func (m *MemoryStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.Status != model.JobRunning {
		return ErrConflict
	}
	j.Progress = progress
	j.Message = message
	return nil
}

func (m *MemoryStore) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, patch JobPatch) (*model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status.IsTerminal() || j.Status != from {
		return nil, ErrConflict
	}
	j.Status = to
	applyPatch(j, patch)
	return j.Clone(), nil
}

func (m *MemoryStore) ClearJobResult(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if !j.Status.IsTerminal() {
		return ErrConflict
	}
	j.ResultPath = ""
	return nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, ownerID string, filter JobFilter, page Page) ([]*model.Job, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageLimit
	}
	m.mu.RLock()
	var jobs []*model.Job
	for _, j := range m.jobs {
		if j.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, j.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAtUnix != jobs[k].CreatedAtUnix {
			return jobs[i].CreatedAtUnix > jobs[k].CreatedAtUnix
		}
		return jobs[i].JobID < jobs[k].JobID
	})
	if page.Offset >= len(jobs) {
		return nil, nil
	}
	end := page.Offset + page.Limit
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[page.Offset:end], nil
}

func (m *MemoryStore) ScanJobs(ctx context.Context, fn func(*model.Job) error) error {
	m.mu.RLock()
	jobs := make([]*model.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j.Clone())
	}
	m.mu.RUnlock()
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) GetCredential(ctx context.Context, ownerID string) (*model.Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.creds[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) PutCredential(ctx context.Context, cred *model.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	m.creds[cred.OwnerID] = &cp
	return nil
}

func (m *MemoryStore) DeleteCredential(ctx context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.creds[ownerID]; !ok {
		return ErrNotFound
	}
	delete(m.creds, ownerID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
