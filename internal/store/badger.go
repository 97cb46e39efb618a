// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/riffbench/riffbench/internal/model"
)

// BadgerStore persists records in a badger KV:
//   - jobs:      key = "job:<id>"            (JSON)
//   - shootouts: key = "shoot:<id>"          (JSON)
//   - creds:     key = "cred:<owner>"        (JSON)
//   - owner idx: key = "jobidx:<owner>:<id>" (empty value)
//
// Every mutation is a read-modify-write inside one db.Update, which badger
// serializes per key; that is what makes TransitionJob a real CAS.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open badger at %s: %v", ErrUnavailable, path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func jobKey(id string) []byte         { return []byte("job:" + id) }
func shootKey(id string) []byte       { return []byte("shoot:" + id) }
func credKey(owner string) []byte     { return []byte("cred:" + owner) }
func jobIdxKey(owner, id string) []byte {
	return []byte("jobidx:" + owner + ":" + id)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, buf)
}

func (s *BadgerStore) wrap(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *BadgerStore) CreateShootoutAndJob(ctx context.Context, sh *model.Shootout, j *model.Job) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(jobKey(j.JobID)); err == nil {
			return fmt.Errorf("%w: job %s already exists", ErrConflict, j.JobID)
		}
		if err := setJSON(txn, shootKey(sh.ShootoutID), sh); err != nil {
			return err
		}
		if err := setJSON(txn, jobKey(j.JobID), j); err != nil {
			return err
		}
		return txn.Set(jobIdxKey(j.OwnerID, j.JobID), nil)
	})
	return s.wrap(err)
}

func (s *BadgerStore) LoadJob(ctx context.Context, jobID string) (*model.Job, error) {
	var out model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, jobKey(jobID), &out)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &out, nil
}

func (s *BadgerStore) LoadShootout(ctx context.Context, shootoutID string) (*model.Shootout, error) {
	var out model.Shootout
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, shootKey(shootoutID), &out)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &out, nil
}

func (s *BadgerStore) UpdateJobProgress(ctx context.Context, jobID string, progress int, message string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var j model.Job
		if err := getJSON(txn, jobKey(jobID), &j); err != nil {
			return err
		}
		if j.Status != model.JobRunning {
			return ErrConflict
		}
		j.Progress = progress
		j.Message = message
		return setJSON(txn, jobKey(jobID), &j)
	})
	return s.wrap(err)
}

func (s *BadgerStore) TransitionJob(ctx context.Context, jobID string, from, to model.JobStatus, patch JobPatch) (*model.Job, error) {
	var out model.Job
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := getJSON(txn, jobKey(jobID), &out); err != nil {
			return err
		}
		if out.Status.IsTerminal() || out.Status != from {
			return ErrConflict
		}
		out.Status = to
		applyPatch(&out, patch)
		return setJSON(txn, jobKey(jobID), &out)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &out, nil
}

func (s *BadgerStore) ClearJobResult(ctx context.Context, jobID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		var j model.Job
		if err := getJSON(txn, jobKey(jobID), &j); err != nil {
			return err
		}
		if !j.Status.IsTerminal() {
			return ErrConflict
		}
		j.ResultPath = ""
		return setJSON(txn, jobKey(jobID), &j)
	})
	return s.wrap(err)
}

func (s *BadgerStore) ListJobs(ctx context.Context, ownerID string, filter JobFilter, page Page) ([]*model.Job, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageLimit
	}
	var jobs []*model.Job
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("jobidx:" + ownerID + ":")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			jobID := strings.TrimPrefix(key, string(prefix))
			var j model.Job
			if err := getJSON(txn, jobKey(jobID), &j); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue // index ahead of a deleted row
				}
				return err
			}
			if filter.Status != "" && j.Status != filter.Status {
				continue
			}
			jobs = append(jobs, &j)
		}
		return nil
	})
	if err != nil {
		return nil, s.wrap(err)
	}
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

func (s *BadgerStore) ScanJobs(ctx context.Context, fn func(*model.Job) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("job:")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var j model.Job
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &j)
			}); err != nil {
				return err
			}
			if err := fn(&j); err != nil {
				return err
			}
		}
		return nil
	})
	return s.wrap(err)
}

func (s *BadgerStore) GetCredential(ctx context.Context, ownerID string) (*model.Credential, error) {
	var out model.Credential
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, credKey(ownerID), &out)
	})
	if err != nil {
		return nil, s.wrap(err)
	}
	return &out, nil
}

func (s *BadgerStore) PutCredential(ctx context.Context, cred *model.Credential) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, credKey(cred.OwnerID), cred)
	})
	return s.wrap(err)
}

func (s *BadgerStore) DeleteCredential(ctx context.Context, ownerID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		// badger's Delete is a silent no-op for absent keys.
		if _, err := txn.Get(credKey(ownerID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(credKey(ownerID))
	})
	return s.wrap(err)
}

var _ Store = (*BadgerStore)(nil)
