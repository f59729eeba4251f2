package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/trunkline-dev/trunkline/internal/lock"
	"github.com/trunkline-dev/trunkline/internal/util"
)

// FileStore keeps one JSON file per request in a directory. Writers from
// any process serialize on the lock manager's store lock; individual
// files are written atomically so readers never see a torn record.
type FileStore struct {
	dir   string
	locks *lock.Manager

	// now is a test seam.
	now func() time.Time
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, locks *lock.Manager) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}
	return &FileStore{dir: dir, locks: locks, now: time.Now}, nil
}

// Dir returns the directory holding the request files.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *FileStore) load(id string) (*Request, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("corrupt request %s: %w", id, err)
	}
	return &req, nil
}

// loadAll reads every request file. Corrupt files are skipped so one bad
// record cannot wedge the whole queue; Get still surfaces them.
func (s *FileStore) loadAll() ([]*Request, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var reqs []*Request
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		req, err := s.load(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (s *FileStore) save(req *Request) error {
	return util.AtomicWriteJSON(s.path(req.ID), req)
}

// withLock runs fn holding the store lock.
func (s *FileStore) withLock(fn func() error) error {
	return s.locks.WithStoreLock(context.Background(), func() error {
		return fn()
	})
}

// Enqueue implements Store.
func (s *FileStore) Enqueue(source, target, requester string, strategy Strategy) (*Request, error) {
	var req *Request
	err := s.withLock(func() error {
		all, err := s.loadAll()
		if err != nil {
			return err
		}
		for _, existing := range all {
			if existing.SourceBranch == source && existing.TargetBranch == target && !existing.State.Terminal() {
				return fmt.Errorf("%s -> %s: %w", source, target, ErrDuplicateRequest)
			}
		}
		now := s.now().UTC()
		req = &Request{
			ID:           NewID(now),
			SourceBranch: source,
			TargetBranch: target,
			RequesterID:  requester,
			Strategy:     strategy,
			State:        StateQueued,
			SubmittedAt:  now,
		}
		return s.save(req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// PeekNext implements Store.
func (s *FileStore) PeekNext(now time.Time) (*Request, error) {
	var next *Request
	err := s.withLock(func() error {
		all, err := s.loadAll()
		if err != nil {
			return err
		}
		for _, req := range all {
			if !req.Eligible(now) {
				continue
			}
			if next == nil || req.Before(next) {
				next = req
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Get implements Store.
func (s *FileStore) Get(id string) (*Request, error) {
	var req *Request
	err := s.withLock(func() error {
		var err error
		req, err = s.load(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// UpdateState implements Store.
func (s *FileStore) UpdateState(id string, newState State, upd Update) (*Request, error) {
	var req *Request
	err := s.withLock(func() error {
		var err error
		req, err = s.load(id)
		if err != nil {
			return err
		}
		if !CanTransition(req.State, newState) {
			return &InvalidTransitionError{ID: id, From: req.State, To: newState}
		}
		req.State = newState
		req.applyUpdate(upd)
		return s.save(req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// applyUpdate copies the non-nil fields of upd into r.
func (r *Request) applyUpdate(upd Update) {
	if upd.RetryCount != nil {
		r.RetryCount = *upd.RetryCount
	}
	if upd.LastError != nil {
		r.LastError = *upd.LastError
	}
	if upd.ConflictFiles != nil {
		if len(upd.ConflictFiles) == 0 {
			r.ConflictFiles = nil
		} else {
			r.ConflictFiles = upd.ConflictFiles
		}
	}
	if upd.NotBefore != nil {
		r.NotBefore = *upd.NotBefore
	}
	if upd.MergeCommit != nil {
		r.MergeCommit = *upd.MergeCommit
	}
	if upd.CompletedAt != nil {
		r.CompletedAt = upd.CompletedAt
	}
}

// List implements Store.
func (s *FileStore) List(filter State) ([]*Request, error) {
	var reqs []*Request
	err := s.withLock(func() error {
		all, err := s.loadAll()
		if err != nil {
			return err
		}
		for _, req := range all {
			if filter == "" || req.State == filter {
				reqs = append(reqs, req)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].Before(reqs[j]) })
	return reqs, nil
}

// Cancel implements Store.
func (s *FileStore) Cancel(id, requester string) (bool, error) {
	var changed bool
	err := s.withLock(func() error {
		req, err := s.load(id)
		if err != nil {
			return err
		}
		if req.RequesterID != requester {
			return fmt.Errorf("request %s: %w", id, ErrNotRequester)
		}
		switch {
		case req.State.Terminal():
			// Already finished (possibly already canceled). Idempotent.
			return nil
		case req.State == StateQueued || req.State == StateConflictDetected:
			now := s.now().UTC()
			req.State = StateCanceled
			req.CompletedAt = &now
			changed = true
			return s.save(req)
		default:
			// In flight. Record the wish; the scheduler honors it once
			// the current operation completes.
			if req.CancelRequested {
				return nil
			}
			req.CancelRequested = true
			changed = true
			return s.save(req)
		}
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Cleanup implements Store.
func (s *FileStore) Cleanup(olderThan time.Duration) (int, error) {
	removed := 0
	err := s.withLock(func() error {
		all, err := s.loadAll()
		if err != nil {
			return err
		}
		cutoff := s.now().Add(-olderThan)
		for _, req := range all {
			if !req.State.Terminal() {
				continue
			}
			ref := req.SubmittedAt
			if req.CompletedAt != nil {
				ref = *req.CompletedAt
			}
			if ref.After(cutoff) {
				continue
			}
			if err := os.Remove(s.path(req.ID)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Close implements Store. The file backend holds no open resources.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
