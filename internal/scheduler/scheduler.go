// Package scheduler runs many sites' jobs concurrently, bounded by a
// counting semaphore the way the teacher bounds its workCh buffer in
// NewCoordinator: a fixed-size buffered channel, not a dedicated semaphore
// type.
package scheduler

import (
	"context"
	"sync"

	"github.com/defacewatch/core/internal/applog"
	"github.com/defacewatch/core/internal/sitejob"
	"github.com/defacewatch/core/internal/store"
)

// Result is one site job's terminal outcome.
type Result struct {
	Site   store.Site
	Status store.JobStatus
	Err    error
}

// Scheduler runs up to maxParallel site jobs at once from a fixed list of
// sitejob.Runners. It has no awareness of URLs; it only composes jobs.
type Scheduler struct {
	maxParallel int
	logger      applog.Logger
}

// New constructs a Scheduler bounded to maxParallel concurrent site jobs
// (default 3 when maxParallel <= 0, per §6's MAX_PARALLEL_SITES default).
func New(maxParallel int, logger applog.Logger) *Scheduler {
	if maxParallel <= 0 {
		maxParallel = 3
	}
	return &Scheduler{maxParallel: maxParallel, logger: logger}
}

// Run starts every Runner in runners, respecting the concurrency bound, and
// returns once all have reached a terminal state. One site's failure never
// cancels or otherwise affects another's job.
func (s *Scheduler) Run(ctx context.Context, runners []*sitejob.Runner, sites []store.Site) []Result {
	sem := make(chan struct{}, s.maxParallel)
	results := make([]Result, len(runners))

	var wg sync.WaitGroup
	for i, r := range runners {
		wg.Add(1)
		go func(i int, r *sitejob.Runner, site store.Site) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[i] = Result{Site: site, Status: store.JobFailed, Err: ctx.Err()}
				return
			}
			defer func() { <-sem }()

			s.logger.Info("site job starting", applog.Int64("site_id", site.SiteID), applog.String("url", site.URL))
			status, err := r.Run(ctx)
			if err != nil {
				s.logger.Error("site job error", applog.Int64("site_id", site.SiteID), applog.Error(err))
			}
			results[i] = Result{Site: site, Status: status, Err: err}
		}(i, r, sites[i])
	}
	wg.Wait()

	return results
}

// AnyFailed reports whether any result reached JobFailed, the CLI's exit
// code 1 condition.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Status == store.JobFailed {
			return true
		}
	}
	return false
}
