// Package coordinator is the front door for workers: it validates
// submissions, answers status queries, and forwards cancellations to
// the store. The scheduler owns all other state changes.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/trunkline-dev/trunkline/internal/events"
	"github.com/trunkline-dev/trunkline/internal/queue"
)

// BranchChecker answers whether a branch exists, so bad submissions are
// rejected before they occupy a queue slot.
type BranchChecker interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
}

// Coordinator validates and routes worker-facing operations.
type Coordinator struct {
	store    queue.Store
	repo     BranchChecker
	recorder *events.Recorder

	defaultTarget   string
	defaultStrategy queue.Strategy
}

// New wires a coordinator. repo may be nil to skip branch validation
// (used by the HTTP server when the store is remote).
func New(store queue.Store, repo BranchChecker, recorder *events.Recorder, defaultTarget string, defaultStrategy queue.Strategy) *Coordinator {
	return &Coordinator{
		store:           store,
		repo:            repo,
		recorder:        recorder,
		defaultTarget:   defaultTarget,
		defaultStrategy: defaultStrategy,
	}
}

// Submit enqueues a new integration request. Empty target and strategy
// fall back to the workspace defaults.
func (c *Coordinator) Submit(ctx context.Context, source, target, requester, strategy string) (*queue.Request, error) {
	if source == "" {
		return nil, fmt.Errorf("source branch is required")
	}
	if requester == "" {
		return nil, fmt.Errorf("requester is required")
	}
	if target == "" {
		target = c.defaultTarget
	}
	if source == target {
		return nil, fmt.Errorf("source and target are both %q", source)
	}

	strat := c.defaultStrategy
	if strategy != "" {
		var err error
		strat, err = queue.ParseStrategy(strategy)
		if err != nil {
			return nil, err
		}
	}

	if c.repo != nil {
		for _, branch := range []string{source, target} {
			exists, err := c.repo.BranchExists(ctx, branch)
			if err != nil {
				return nil, fmt.Errorf("checking branch %s: %w", branch, err)
			}
			if !exists {
				return nil, fmt.Errorf("branch %q does not exist", branch)
			}
		}
	}

	req, err := c.store.Enqueue(source, target, requester, strat)
	if err != nil {
		return nil, err
	}
	c.recorder.Emit(events.TypeEnqueued, req.ID, map[string]any{
		"source": source, "target": target, "requester": requester,
	})
	return req, nil
}

// Status returns one request by ID.
func (c *Coordinator) Status(id string) (*queue.Request, error) {
	return c.store.Get(id)
}

// List returns requests, optionally filtered to one state name.
func (c *Coordinator) List(stateFilter string) ([]*queue.Request, error) {
	var filter queue.State
	if stateFilter != "" {
		var err error
		filter, err = queue.ParseState(stateFilter)
		if err != nil {
			return nil, err
		}
	}
	return c.store.List(filter)
}

// Anomalies returns requests needing human attention: conflicts past
// their retry budget and merges that failed after a clean check.
func (c *Coordinator) Anomalies() ([]*queue.Request, error) {
	manual, err := c.store.List(queue.StateManualRequired)
	if err != nil {
		return nil, err
	}
	failed, err := c.store.List(queue.StateFailed)
	if err != nil {
		return nil, err
	}
	return append(manual, failed...), nil
}

// Cancel withdraws a request on behalf of requester. The bool reports
// whether this call had any effect; canceling an already-finished
// request is a quiet no-op.
func (c *Coordinator) Cancel(id, requester string) (bool, error) {
	changed, err := c.store.Cancel(id, requester)
	if err != nil || !changed {
		return changed, err
	}
	req, err := c.store.Get(id)
	if err != nil {
		return changed, nil
	}
	if req.State == queue.StateCanceled {
		c.recorder.Emit(events.TypeCanceled, id, map[string]any{"requester": requester})
	} else {
		c.recorder.Emit(events.TypeCanceled, id, map[string]any{
			"requester": requester, "deferred": true,
		})
	}
	return changed, nil
}

// Cleanup prunes terminal requests older than the retention window.
func (c *Coordinator) Cleanup(olderThan time.Duration) (int, error) {
	removed, err := c.store.Cleanup(olderThan)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		c.recorder.Emit(events.TypeCleanup, "", map[string]any{"removed": removed})
	}
	return removed, nil
}
