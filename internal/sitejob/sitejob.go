// Package sitejob runs one site's crawl, baseline, or compare job from seed
// URL to drain: it owns the Frontier, the worker pool, and the dynamic
// scaling loop, the way the teacher's Coordinator owns visited/wg/workCh for
// a single crawl.
package sitejob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/defacewatch/core/internal/applog"
	"github.com/defacewatch/core/internal/blockrules"
	"github.com/defacewatch/core/internal/canon"
	"github.com/defacewatch/core/internal/config"
	"github.com/defacewatch/core/internal/fetch"
	"github.com/defacewatch/core/internal/frontier"
	"github.com/defacewatch/core/internal/render"
	"github.com/defacewatch/core/internal/store"
	"github.com/defacewatch/core/internal/verdict"
	"github.com/defacewatch/core/internal/worker"
)

const (
	scaleTickInterval  = 2 * time.Second
	scaleUpThreshold   = 100
	scaleDownThreshold = 10
	idleGraceWindow    = 5 * time.Second
	drainTicksRequired = 2
)

// Config bundles everything a Runner needs for one site, mirroring the
// teacher's crawler.Config shape (start point, worker count, collaborators)
// generalized to this system's modes and storage.
type Config struct {
	Site         store.Site
	SiteFolderID int64
	CustSlug     string
	Mode         config.Mode
	NormVersion  string

	MinWorkers int
	MaxWorkers int

	CrawlDelay    time.Duration
	RenderPolicy  render.Policy
	VerdictPolicy verdict.Policy

	Fetcher  fetch.Fetcher
	Renderer render.Renderer
	Store    store.Store
	Snapshot *store.SnapshotWriter
	Logger   applog.Logger
}

// workerHandle pairs a running Worker with the cancel func that stops just
// that worker, so the scaling loop can terminate one excess worker without
// tearing down the whole pool.
type workerHandle struct {
	w      *worker.Worker
	cancel context.CancelFunc
}

// Runner drives a single site job from CreateJob to CompleteJob/FailJob.
type Runner struct {
	cfg       Config
	frontier  *frontier.Frontier
	workers   []*workerHandle
	workerCtx context.Context
	jobID     uuid.UUID

	// fatalErrCh carries a worker's DB_UNAVAILABLE report to scaleAndDrain;
	// buffered by one since only the first fatal error matters.
	fatalErrCh chan error
}

// New validates cfg and constructs the Frontier seeded with the site's URL.
func New(cfg Config) (*Runner, error) {
	if cfg.MinWorkers <= 0 {
		cfg.MinWorkers = 5
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 50
	}

	classifier := blockrules.New()
	canonical, err := canon.Canonicalize(cfg.Site.URL)
	if err != nil {
		return nil, fmt.Errorf("sitejob: canonicalizing seed: %w", err)
	}
	seedURL, err := url.Parse(canonical)
	if err != nil {
		return nil, fmt.Errorf("sitejob: parsing canonicalized seed: %w", err)
	}

	f := frontier.New(seedURL.Hostname(), classifier, frontier.DefaultQueueCapacity)
	return &Runner{cfg: cfg, frontier: f, fatalErrCh: make(chan error, 1)}, nil
}

// reportFatal is passed to every worker as Deps.OnFatalStoreError.
func (r *Runner) reportFatal(err error) {
	select {
	case r.fatalErrCh <- err:
	default:
	}
}

// Run executes the job to completion (or failure), reporting the terminal
// job status. It never returns an error for a failed job; the error return
// is reserved for problems that prevent the job from starting at all.
func (r *Runner) Run(ctx context.Context) (store.JobStatus, error) {
	jobID := uuid.New()
	job := store.CrawlJob{
		JobID:      jobID,
		SiteID:     r.cfg.Site.SiteID,
		CustomerID: r.cfg.Site.CustomerID,
		StartURL:   r.cfg.Site.URL,
		Status:     store.JobRunning,
		StartedAt:  time.Now(),
	}
	if err := r.cfg.Store.CreateJob(ctx, job); err != nil {
		return store.JobFailed, fmt.Errorf("sitejob: creating job: %w", err)
	}

	r.jobID = jobID
	canonical, _ := canon.Canonicalize(r.cfg.Site.URL)
	if _, err := r.frontier.Enqueue(canonical, "", 0); err != nil {
		r.failJob(ctx, jobID, err)
		return store.JobFailed, nil
	}

	var poolCancel context.CancelFunc
	r.workerCtx, poolCancel = context.WithCancel(ctx)
	defer poolCancel()

	for i := 0; i < r.cfg.MinWorkers; i++ {
		r.spawnWorker(i)
	}

	pagesCrawled, fatalErr := r.scaleAndDrain(ctx)

	if fatalErr != nil {
		r.failJob(ctx, jobID, fatalErr)
		return store.JobFailed, nil
	}

	if ctx.Err() != nil {
		r.failJob(ctx, jobID, fmt.Errorf("cancelled"))
		return store.JobFailed, nil
	}

	if err := r.cfg.Store.CompleteJob(ctx, jobID, pagesCrawled); err != nil {
		r.cfg.Logger.Error("complete job failed", applog.String("job_id", jobID.String()), applog.Error(err))
		if errors.Is(err, store.ErrDBUnavailable) {
			r.failJob(ctx, jobID, err)
		}
		return store.JobFailed, nil
	}
	r.logBlockedURLReport(jobID)
	return store.JobCompleted, nil
}

func (r *Runner) spawnWorker(id int) *worker.Worker {
	deps := worker.Deps{
		Frontier:          r.frontier,
		Fetcher:           r.cfg.Fetcher,
		Renderer:          r.cfg.Renderer,
		Store:             r.cfg.Store,
		Snapshot:          r.cfg.Snapshot,
		Logger:            r.cfg.Logger,
		Mode:              r.cfg.Mode,
		CrawlDelay:        r.cfg.CrawlDelay,
		NormVersion:       r.cfg.NormVersion,
		SiteID:            r.cfg.Site.SiteID,
		CustomerID:        r.cfg.Site.CustomerID,
		CustSlug:          r.cfg.CustSlug,
		SiteFolderID:      r.cfg.SiteFolderID,
		JobID:             r.jobID,
		RenderPolicy:      r.cfg.RenderPolicy,
		VerdictPolicy:     r.cfg.VerdictPolicy,
		OnFatalStoreError: r.reportFatal,
	}
	w := worker.New(id, deps)
	workerCtx, cancel := context.WithCancel(r.workerCtx)
	r.workers = append(r.workers, &workerHandle{w: w, cancel: cancel})
	go w.Run(workerCtx)
	r.cfg.Logger.Info("worker spawned", applog.Int("worker", id))
	return w
}

// scaleAndDrain runs the dynamic scaling loop from spec §4.8 step 4 until
// the frontier drains (pendingCount == 0 and every worker idle for two
// consecutive ticks), ctx is cancelled, or a worker reports a fatal
// (DB_UNAVAILABLE) store error, then closes the frontier and returns the
// number of pages processed (CrawlJob.pages_crawled). A non-nil error means
// the job must be marked failed rather than completed.
func (r *Runner) scaleAndDrain(ctx context.Context) (int, error) {
	ticker := time.NewTicker(scaleTickInterval)
	defer ticker.Stop()

	drainTicks := 0
	nextWorkerID := len(r.workers)

	for {
		select {
		case <-ctx.Done():
			r.frontier.Close()
			return r.frontier.ProcessedCount(), nil
		case err := <-r.fatalErrCh:
			r.frontier.Close()
			return r.frontier.ProcessedCount(), err
		case <-ticker.C:
			pending := r.frontier.PendingCount()
			allIdle := r.allWorkersIdle()

			if pending == 0 && allIdle {
				drainTicks++
			} else {
				drainTicks = 0
			}
			if drainTicks >= drainTicksRequired {
				r.frontier.Close()
				return r.frontier.ProcessedCount(), nil
			}

			if pending > scaleUpThreshold && len(r.workers) < r.cfg.MaxWorkers {
				r.spawnWorker(nextWorkerID)
				nextWorkerID++
			} else if pending < scaleDownThreshold && len(r.workers) > r.cfg.MinWorkers {
				r.terminateOneIdleWorker()
			}
		}
	}
}

// terminateOneIdleWorker cancels the first worker that has been idle at
// least idleGraceWindow, per §4.8 step 4's scale-down condition.
func (r *Runner) terminateOneIdleWorker() {
	for i, h := range r.workers {
		if h.w.IdleFor() >= idleGraceWindow {
			h.cancel()
			r.workers = append(r.workers[:i], r.workers[i+1:]...)
			return
		}
	}
}

func (r *Runner) allWorkersIdle() bool {
	for _, h := range r.workers {
		if !h.w.Idle() {
			return false
		}
	}
	return true
}

func (r *Runner) failJob(ctx context.Context, jobID uuid.UUID, cause error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := r.cfg.Store.FailJob(ctx, jobID, msg); err != nil {
		r.cfg.Logger.Error("fail job failed", applog.String("job_id", jobID.String()), applog.Error(err))
	}
}

func (r *Runner) logBlockedURLReport(jobID uuid.UUID) {
	counts := r.frontier.Blocked.Snapshot()
	r.cfg.Logger.Info("BLOCKED URL REPORT",
		applog.String("job_id", jobID.String()),
		applog.Int("tag_page", counts[blockrules.ClassTagPage]),
		applog.Int("author_page", counts[blockrules.ClassAuthorPage]),
		applog.Int("pagination", counts[blockrules.ClassPagination]),
		applog.Int("assets", counts[blockrules.ClassAssets]),
		applog.Int("static", counts[blockrules.ClassStatic]),
		applog.Int("query_param", counts[blockrules.ClassQueryParam]))
}
