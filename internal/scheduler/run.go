package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Run drives the processing loop until ctx is canceled. When watchDir
// is non-empty (the file store's queue directory), new request files
// wake the loop immediately; the poll interval is the fallback for
// backoff expiries and missed notifications.
func (s *Scheduler) Run(ctx context.Context, watchDir string) error {
	if err := s.RecoverStale(); err != nil {
		return fmt.Errorf("recovering stale requests: %w", err)
	}

	var wake <-chan fsnotify.Event
	if watchDir != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("create queue watcher: %w", err)
		}
		defer watcher.Close()
		if err := watcher.Add(watchDir); err != nil {
			return fmt.Errorf("watch %s: %w", watchDir, err)
		}
		wake = watcher.Events
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logf("processing loop started")
	for {
		if err := s.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logf("error: %v", err)
		}

		select {
		case <-ctx.Done():
			s.logf("processing loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case ev, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
		}
	}
}

// drain processes requests until the queue has no eligible work.
func (s *Scheduler) drain(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := s.RequeueReady(); err != nil {
			return err
		}
		worked, err := s.ProcessNext(ctx)
		if err != nil {
			return err
		}
		if !worked {
			return nil
		}
	}
}
