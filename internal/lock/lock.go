// Package lock provides the cross-process mutual exclusion primitives for
// the coordinator: a short-lived store lock guarding queue mutations and a
// long-lived integration lock guarding the real merge against the target
// branch. Both are advisory file locks visible to every coordinator process
// sharing the workspace, so correctness never depends on in-memory state.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	// DefaultStoreTimeout bounds store-lock acquisition. Store locks are
	// held only for a single atomic update, so contention clears fast.
	DefaultStoreTimeout = 30 * time.Second

	// DefaultIntegrationTimeout bounds integration-lock acquisition. The
	// holder may be running a full merge and push, so waiters allow for
	// that before giving up and requeueing.
	DefaultIntegrationTimeout = 5 * time.Minute

	// retryDelay is the poll interval while waiting on a held lock.
	retryDelay = 100 * time.Millisecond

	storeLockFile       = "store.lock"
	integrationLockFile = "integration.lock"
)

// TimeoutError reports that a lock could not be acquired within its bound.
// The scheduler treats this as contention, not failure: the request returns
// to the queue with no retry penalty.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring %s after %v", e.Name, e.Timeout)
}

// IsTimeout reports whether err is a lock acquisition timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Token is a held lock. Release is idempotent: releasing an already
// released token is a no-op, not an error.
type Token struct {
	ID   string
	name string

	fl   *flock.Flock
	once sync.Once
}

// Release drops the lock. Safe to call multiple times and on a nil token.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		_ = t.fl.Unlock()
	})
}

// Manager hands out store and integration locks backed by flock files in
// the workspace's locks directory.
type Manager struct {
	dir                string
	storeTimeout       time.Duration
	integrationTimeout time.Duration
}

// NewManager creates a lock manager rooted at dir. Zero timeouts take the
// package defaults.
func NewManager(dir string, storeTimeout, integrationTimeout time.Duration) *Manager {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}
	if integrationTimeout <= 0 {
		integrationTimeout = DefaultIntegrationTimeout
	}
	return &Manager{
		dir:                dir,
		storeTimeout:       storeTimeout,
		integrationTimeout: integrationTimeout,
	}
}

// AcquireStoreLock takes the lock guarding queue store mutation. Hold it
// only for the duration of one atomic update.
func (m *Manager) AcquireStoreLock(ctx context.Context) (*Token, error) {
	return m.acquire(ctx, storeLockFile, m.storeTimeout)
}

// AcquireIntegrationLock takes the global lock guarding the real merge
// against the target branch. At most one holder system-wide.
func (m *Manager) AcquireIntegrationLock(ctx context.Context) (*Token, error) {
	return m.acquire(ctx, integrationLockFile, m.integrationTimeout)
}

func (m *Manager) acquire(ctx context.Context, name string, timeout time.Duration) (*Token, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}

	fl := flock.New(filepath.Join(m.dir, name))

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ok, err := fl.TryLockContext(lockCtx, retryDelay)
	if err != nil {
		// Distinguish our timeout from the caller canceling: a canceled
		// parent context propagates unchanged so shutdown isn't
		// misreported as contention.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &TimeoutError{Name: name, Timeout: timeout}
		}
		return nil, fmt.Errorf("acquiring %s: %w", name, err)
	}
	if !ok {
		return nil, &TimeoutError{Name: name, Timeout: timeout}
	}

	return &Token{ID: uuid.NewString(), name: name, fl: fl}, nil
}

// WithStoreLock acquires the store lock, runs fn, then releases. Use this
// for multi-step read-modify-write operations on the file store.
func (m *Manager) WithStoreLock(ctx context.Context, fn func() error) error {
	tok, err := m.AcquireStoreLock(ctx)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn()
}
