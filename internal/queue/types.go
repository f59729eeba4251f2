// Package queue defines the integration request record, its state machine,
// and the durable stores that hold queued requests.
//
// A request represents one attempt to merge a source branch into a target
// branch. Requests are created by workers via submit, mutated only by the
// coordinator's scheduler, and pruned after a retention window once they
// reach a terminal state.
package queue

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of an integration request.
type State string

const (
	// StateQueued means the request is waiting for the scheduler.
	StateQueued State = "QUEUED"
	// StateConflictCheck means a conflict simulation is in flight.
	StateConflictCheck State = "CONFLICT_CHECK"
	// StateMerging means the real integration is executing under the
	// integration lock. At most one request is in this state system-wide.
	StateMerging State = "MERGING"
	// StateConflictDetected means the simulation found real content
	// conflicts; the request is waiting out its backoff before a retry.
	StateConflictDetected State = "CONFLICT_DETECTED"
	// StateMerged is terminal: the integration landed.
	StateMerged State = "MERGED"
	// StateFailed is terminal: the real merge failed despite a clean
	// simulation. Never retried automatically; the requester resubmits.
	StateFailed State = "FAILED"
	// StateManualRequired is terminal: the conflict retry budget is
	// exhausted and a human must resolve the conflict.
	StateManualRequired State = "MANUAL_REQUIRED"
	// StateCanceled is terminal: withdrawn by its requester.
	StateCanceled State = "CANCELED"
)

// ParseState validates a user-supplied state name.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateQueued, StateConflictCheck, StateMerging, StateConflictDetected,
		StateMerged, StateFailed, StateManualRequired, StateCanceled:
		return State(s), nil
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateMerged, StateFailed, StateManualRequired, StateCanceled:
		return true
	}
	return false
}

// legalTransitions is the full state machine. A transition absent from
// this table is a programming or consistency bug and is rejected by every
// store with ErrInvalidTransition.
var legalTransitions = map[State][]State{
	StateQueued:           {StateConflictCheck, StateCanceled},
	StateConflictCheck:    {StateMerging, StateConflictDetected, StateQueued, StateCanceled},
	StateMerging:          {StateMerged, StateFailed, StateCanceled},
	StateConflictDetected: {StateQueued, StateManualRequired, StateCanceled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Strategy selects how the real integration is executed.
type Strategy string

const (
	StrategyMergeCommit Strategy = "merge_commit"
	StrategySquash      Strategy = "squash"
	StrategyFastForward Strategy = "fast_forward_only"
)

// ParseStrategy validates a user-supplied strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyMergeCommit, StrategySquash, StrategyFastForward:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown merge strategy %q (want merge_commit, squash, or fast_forward_only)", s)
}

// Request is one integration attempt. The store owns the persisted
// representation; the scheduler holds only a transient reference while
// writing the next state back.
type Request struct {
	ID            string    `json:"id"`
	SourceBranch  string    `json:"source_branch"`
	TargetBranch  string    `json:"target_branch"`
	RequesterID   string    `json:"requester_id"`
	Strategy      Strategy  `json:"strategy"`
	State         State     `json:"state"`
	RetryCount    int       `json:"retry_count"`
	LastError     string    `json:"last_error,omitempty"`
	ConflictFiles []string  `json:"conflict_files,omitempty"`
	SubmittedAt   time.Time `json:"submitted_at"`

	// NotBefore delays re-eligibility after a requeue (backoff). Zero
	// means immediately eligible. SubmittedAt is never changed on
	// requeue so a retried request keeps its place in FIFO order.
	NotBefore time.Time `json:"not_before,omitempty"`

	// CancelRequested is set when a cancel arrives while the request is
	// in CONFLICT_CHECK or MERGING; the scheduler honors it once the
	// in-flight operation completes.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	MergeCommit string     `json:"merge_commit,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Eligible reports whether the request may be dequeued at time now.
func (r *Request) Eligible(now time.Time) bool {
	return r.State == StateQueued && !now.Before(r.NotBefore)
}

// Before orders requests FIFO by submission time, breaking timestamp ties
// (clock coarseness) by lexical request ID.
func (r *Request) Before(other *Request) bool {
	if !r.SubmittedAt.Equal(other.SubmittedAt) {
		return r.SubmittedAt.Before(other.SubmittedAt)
	}
	return r.ID < other.ID
}

// NewID returns a time-ordered request ID: nanosecond timestamp plus a
// random hex suffix to disambiguate submissions within the same tick.
func NewID(now time.Time) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", now.UnixNano(), hex.EncodeToString(b[:]))
}

// Sentinel errors shared by all store backends. Callers match these with
// errors.Is rather than inspecting message text.
var (
	// ErrDuplicateRequest rejects a submission whose (source, target)
	// pair already has a non-terminal request in the queue.
	ErrDuplicateRequest = errors.New("an open request for this source and target already exists")

	// ErrNotFound means no request has the given ID.
	ErrNotFound = errors.New("request not found")

	// ErrNotRequester means the cancel came from someone other than the
	// original submitter.
	ErrNotRequester = errors.New("only the original requester may cancel")
)

// InvalidTransitionError reports an attempted illegal state change. It is
// logged loudly by callers and never corrupts the stored record: the store
// leaves the request untouched when returning it.
type InvalidTransitionError struct {
	ID   string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("request %s: illegal transition %s -> %s", e.ID, e.From, e.To)
}

// Update carries the field changes applied alongside a state transition.
// Nil pointer fields are left unchanged.
type Update struct {
	RetryCount    *int
	LastError     *string
	ConflictFiles []string // nil = unchanged; empty slice = clear
	NotBefore     *time.Time
	MergeCommit   *string
	CompletedAt   *time.Time
}

// Store is the durable record of integration requests. All mutating
// operations are atomic with respect to concurrent callers; backends
// serialize writers via the lock manager's store lock (file backend) or
// per-row compare-and-swap (postgres backend).
type Store interface {
	// Enqueue appends a new request in StateQueued and returns it.
	// Fails with ErrDuplicateRequest if an identical (source, target)
	// pair is already non-terminal.
	Enqueue(source, target, requester string, strategy Strategy) (*Request, error)

	// PeekNext returns the oldest eligible StateQueued request at time
	// now, or nil if none. Safe to call concurrently with UpdateState.
	PeekNext(now time.Time) (*Request, error)

	// Get returns the request by ID, or ErrNotFound.
	Get(id string) (*Request, error)

	// UpdateState atomically moves a request to newState and applies
	// upd. Returns ErrNotFound or *InvalidTransitionError on failure;
	// the stored record is unchanged in either case.
	UpdateState(id string, newState State, upd Update) (*Request, error)

	// List returns a snapshot ordered by SubmittedAt ascending (ID
	// tie-break). An empty filter returns all requests.
	List(filter State) ([]*Request, error)

	// Cancel withdraws a request on behalf of requester. From QUEUED or
	// CONFLICT_DETECTED the request moves straight to CANCELED and
	// Cancel returns true. In CONFLICT_CHECK or MERGING the cancel is
	// recorded for the scheduler to honor; the first such call returns
	// true, repeats return false. On a terminal request (including one
	// already canceled) Cancel is an idempotent no-op returning false
	// and a nil error. A cancel from anyone but the submitter fails
	// with ErrNotRequester.
	Cancel(id, requester string) (bool, error)

	// Cleanup removes terminal requests older than olderThan and
	// returns how many were removed. Non-terminal requests are never
	// removed regardless of age.
	Cleanup(olderThan time.Duration) (int, error)

	// Close releases backend resources.
	Close() error
}
