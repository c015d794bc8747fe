package visasync

import (
	"context"
	"fmt"
	"sync"

	"visabroker/internal/ga4gh"
	"visabroker/internal/storage"

	"golang.org/x/sync/errgroup"
)

// BulkReport summarizes one batch run. Failed holds the usernames whose
// sync did not complete; their visa sets were cleared and stay empty until
// a later successful sync.
type BulkReport struct {
	Total     int
	Succeeded int
	Failed    []string
}

// SyncAll synchronizes every known user with a bounded worker pool. One
// user's failure is recorded, logged and skipped; it never aborts the batch.
func (e *Engine) SyncAll(ctx context.Context, users storage.UserStore, cache *ga4gh.KeyCache, workers int) (*BulkReport, error) {
	list, err := users.ListWithVisas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if workers <= 0 {
		workers = 1
	}

	report := &BulkReport{Total: len(list)}
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range list {
		user := list[i]
		g.Go(func() error {
			if err := e.SyncUserVisas(ctx, &user, cache); err != nil {
				e.logger.ErrorContext(ctx, "user sync failed", "user", user.Username, "error", err)
				mu.Lock()
				report.Failed = append(report.Failed, user.Username)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			report.Succeeded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	e.logger.InfoContext(ctx, "bulk visa sync complete",
		"total", report.Total, "succeeded", report.Succeeded, "failed", len(report.Failed))
	return report, nil
}
