package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresTableName        = "trunkline_requests"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps requests in a single Postgres table, for
// deployments where several coordinator hosts share one queue. Writer
// races are resolved by row locks and a partial unique index instead of
// the file store's advisory lock.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB

	now func() time.Time
}

// NewPostgresStore returns a store connected lazily to dsn. The schema
// is created on first use.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres store requires a DSN")
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open, now: time.Now}, nil
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		schema := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				source_branch TEXT NOT NULL,
				target_branch TEXT NOT NULL,
				requester_id TEXT NOT NULL,
				strategy TEXT NOT NULL,
				state TEXT NOT NULL,
				retry_count INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				conflict_files TEXT NOT NULL DEFAULT '[]',
				submitted_at TIMESTAMPTZ NOT NULL,
				not_before TIMESTAMPTZ,
				cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
				merge_commit TEXT NOT NULL DEFAULT '',
				completed_at TIMESTAMPTZ
			)`, postgresTableName)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		// One open request per (source, target) pair, enforced where the
		// file store scans.
		index := fmt.Sprintf(`
			CREATE UNIQUE INDEX IF NOT EXISTS %s_open_pair
			ON %s (source_branch, target_branch)
			WHERE state NOT IN ('MERGED', 'FAILED', 'MANUAL_REQUIRED', 'CANCELED')`,
			postgresTableName, postgresTableName)
		if _, err := db.ExecContext(ctx, index); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), postgresOperationTimeout)
}

const requestColumns = `id, source_branch, target_branch, requester_id, strategy, state,
	retry_count, last_error, conflict_files, submitted_at, not_before,
	cancel_requested, merge_commit, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		req         Request
		files       string
		notBefore   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&req.ID, &req.SourceBranch, &req.TargetBranch, &req.RequesterID,
		&req.Strategy, &req.State, &req.RetryCount, &req.LastError, &files,
		&req.SubmittedAt, &notBefore, &req.CancelRequested, &req.MergeCommit, &completedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(files), &req.ConflictFiles); err != nil {
		return nil, fmt.Errorf("corrupt conflict_files for %s: %w", req.ID, err)
	}
	if notBefore.Valid {
		req.NotBefore = notBefore.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}

// Enqueue implements Store.
func (s *PostgresStore) Enqueue(source, target, requester string, strategy Strategy) (*Request, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx()
	defer cancel()

	now := s.now().UTC()
	req := &Request{
		ID:           NewID(now),
		SourceBranch: source,
		TargetBranch: target,
		RequesterID:  requester,
		Strategy:     strategy,
		State:        StateQueued,
		SubmittedAt:  now,
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_branch, target_branch, requester_id, strategy, state, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, postgresTableName)
	_, err := s.db.ExecContext(ctx, query, req.ID, source, target, requester, string(strategy), string(req.State), now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return nil, fmt.Errorf("%s -> %s: %w", source, target, ErrDuplicateRequest)
		}
		return nil, err
	}
	return req, nil
}

// PeekNext implements Store.
func (s *PostgresStore) PeekNext(now time.Time) (*Request, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx()
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE state = $1 AND (not_before IS NULL OR not_before <= $2)
		ORDER BY submitted_at, id
		LIMIT 1`, requestColumns, postgresTableName)
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, string(StateQueued), now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return req, err
}

// Get implements Store.
func (s *PostgresStore) Get(id string) (*Request, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx()
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, requestColumns, postgresTableName)
	req, err := scanRequest(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

// getForUpdate loads a row inside tx with a row lock held.
func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Request, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1 FOR UPDATE`, requestColumns, postgresTableName)
	req, err := scanRequest(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

func writeBack(ctx context.Context, tx *sql.Tx, req *Request) error {
	files, err := json.Marshal(req.ConflictFiles)
	if err != nil {
		return err
	}
	if req.ConflictFiles == nil {
		files = []byte("[]")
	}
	var notBefore, completedAt any
	if !req.NotBefore.IsZero() {
		notBefore = req.NotBefore
	}
	if req.CompletedAt != nil {
		completedAt = *req.CompletedAt
	}
	query := fmt.Sprintf(`
		UPDATE %s SET state = $2, retry_count = $3, last_error = $4, conflict_files = $5,
			not_before = $6, cancel_requested = $7, merge_commit = $8, completed_at = $9
		WHERE id = $1`, postgresTableName)
	_, err = tx.ExecContext(ctx, query, req.ID, string(req.State), req.RetryCount,
		req.LastError, string(files), notBefore, req.CancelRequested, req.MergeCommit, completedAt)
	return err
}

// inTx runs fn within a transaction, committing on nil error.
func (s *PostgresStore) inTx(fn func(ctx context.Context, tx *sql.Tx) error) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := opCtx()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// UpdateState implements Store.
func (s *PostgresStore) UpdateState(id string, newState State, upd Update) (*Request, error) {
	var req *Request
	err := s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		var err error
		req, err = getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if !CanTransition(req.State, newState) {
			return &InvalidTransitionError{ID: id, From: req.State, To: newState}
		}
		req.State = newState
		req.applyUpdate(upd)
		return writeBack(ctx, tx, req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// List implements Store.
func (s *PostgresStore) List(filter State) ([]*Request, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx()
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s`, requestColumns, postgresTableName)
	args := []any{}
	if filter != "" {
		query += " WHERE state = $1"
		args = append(args, string(filter))
	}
	query += " ORDER BY submitted_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// Cancel implements Store.
func (s *PostgresStore) Cancel(id, requester string) (bool, error) {
	var changed bool
	err := s.inTx(func(ctx context.Context, tx *sql.Tx) error {
		req, err := getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.RequesterID != requester {
			return fmt.Errorf("request %s: %w", id, ErrNotRequester)
		}
		switch {
		case req.State.Terminal():
			return nil
		case req.State == StateQueued || req.State == StateConflictDetected:
			now := s.now().UTC()
			req.State = StateCanceled
			req.CompletedAt = &now
			changed = true
			return writeBack(ctx, tx, req)
		default:
			if req.CancelRequested {
				return nil
			}
			req.CancelRequested = true
			changed = true
			return writeBack(ctx, tx, req)
		}
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// Cleanup implements Store.
func (s *PostgresStore) Cleanup(olderThan time.Duration) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := opCtx()
	defer cancel()

	cutoff := s.now().UTC().Add(-olderThan)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE state IN ('MERGED', 'FAILED', 'MANUAL_REQUIRED', 'CANCELED')
		  AND COALESCE(completed_at, submitted_at) <= $1`, postgresTableName)
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
