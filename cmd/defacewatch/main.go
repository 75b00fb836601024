// Command defacewatch is the defacement-detection crawler's entrypoint: a
// single cobra.Command that loads configuration, wires every collaborator,
// and drives the scheduler across one or many sites, mirroring the
// teacher's flag-parse-then-Coordinator.Crawl shape generalized to a
// multi-site, multi-mode run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/defacewatch/core/internal/applog"
	"github.com/defacewatch/core/internal/config"
	"github.com/defacewatch/core/internal/fetch"
	"github.com/defacewatch/core/internal/render"
	"github.com/defacewatch/core/internal/scheduler"
	"github.com/defacewatch/core/internal/sitejob"
	"github.com/defacewatch/core/internal/store"
	"github.com/defacewatch/core/internal/verdict"
)

const shutdownGrace = 10 * time.Second

// configError marks a failure that occurred before any site work started,
// mapping to exit code 2 rather than the exit code 1 used for job failures.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	os.Exit(run())
}

func run() int {
	var (
		siteID           int64
		custID           int64
		parallel         bool
		maxParallelSites int
	)

	var anyFailed bool
	cmd := &cobra.Command{
		Use:   "defacewatch",
		Short: "Crawl, baseline, or compare sites for defacement indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			failed, err := runMain(cmd.Context(), siteID, custID, parallel, maxParallelSites)
			anyFailed = failed
			return err
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.Flags().Int64Var(&siteID, "siteid", 0, "restrict to one site")
	cmd.Flags().Int64Var(&custID, "custid", 0, "restrict to one customer")
	cmd.Flags().BoolVar(&parallel, "parallel", false, "enable multi-site concurrency")
	cmd.Flags().IntVar(&maxParallelSites, "max_parallel_sites", 0, "override MAX_PARALLEL_SITES")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(os.Stderr, "\nreceived signal %v, shutting down gracefully...\n", sig)
		cancel()
		<-time.After(shutdownGrace)
		fmt.Fprintln(os.Stderr, "shutdown grace period exceeded, forcing exit")
		os.Exit(1)
	}()

	cmd.SetContext(ctx)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if isConfigError(err) {
			return 2
		}
		return 1
	}
	if anyFailed {
		return 1
	}
	return 0
}

func isConfigError(err error) bool {
	_, ok := err.(*configError)
	return ok
}

// runMain wires every collaborator and drives the scheduler. The returned
// bool reports whether any site job ended in store.JobFailed; a non-nil
// error always means wiring failed before any job ran.
func runMain(ctx context.Context, siteID, custID int64, parallel bool, maxParallelSitesFlag int) (bool, error) {
	cfg, err := config.Load()
	if err != nil {
		return false, &configError{fmt.Errorf("loading configuration: %w", err)}
	}

	logger := applog.Must(applog.Config{Level: cfg.LogLevel})
	defer logger.Sync()

	st, err := store.NewPGStore(ctx, store.Config{
		DSN:            cfg.DBDSN,
		PoolSize:       int32(cfg.DBPoolSize),
		AcquireTimeout: cfg.DBSemaphore,
	})
	if err != nil {
		return false, &configError{fmt.Errorf("connecting to store: %w", err)}
	}
	defer st.Close()

	snapshot, err := store.NewSnapshotWriter(cfg.SnapshotsRoot)
	if err != nil {
		return false, &configError{fmt.Errorf("preparing snapshot root: %w", err)}
	}

	fetcher := fetch.New(fetch.Config{
		Timeout:   cfg.RequestTimeout,
		UserAgent: cfg.UserAgent,
	})

	renderPool := render.NewPool(cfg.RenderPoolSize)
	defer renderPool.Close()
	renderCache, err := render.NewCache(cfg.RenderCacheSize, cfg.RenderCacheTTL)
	if err != nil {
		return false, &configError{fmt.Errorf("building render cache: %w", err)}
	}
	renderer := &render.CachedRenderer{Renderer: renderPool, Cache: renderCache}

	renderPolicy := render.DefaultPolicy()
	renderPolicy.GotoTimeout = cfg.JSGotoTimeout
	renderPolicy.StabilityWindow = cfg.JSStabilityTime

	sites, err := st.EnabledSites(ctx, siteID, custID)
	if err != nil {
		return false, &configError{fmt.Errorf("loading enabled sites: %w", err)}
	}
	if len(sites) == 0 {
		logger.Warn("no enabled sites matched the given filters")
		return false, nil
	}

	maxParallelSites := cfg.MaxParallelSites
	if !parallel {
		maxParallelSites = 1
	}
	if maxParallelSitesFlag > 0 {
		maxParallelSites = maxParallelSitesFlag
	}

	runners := make([]*sitejob.Runner, 0, len(sites))
	runnerSites := make([]store.Site, 0, len(sites))
	for i, site := range sites {
		r, err := sitejob.New(sitejob.Config{
			Site:          site,
			SiteFolderID:  int64(i + 1),
			CustSlug:      fmt.Sprintf("cust%d", site.CustomerID),
			Mode:          cfg.CrawlMode,
			NormVersion:   cfg.NormVersion,
			MinWorkers:    cfg.MinWorkers,
			MaxWorkers:    cfg.MaxWorkers,
			CrawlDelay:    cfg.CrawlDelay,
			RenderPolicy:  renderPolicy,
			VerdictPolicy: verdict.DefaultPolicy(),
			Fetcher:       fetcher,
			Renderer:      renderer,
			Store:         st,
			Snapshot:      snapshot,
			Logger:        logger,
		})
		if err != nil {
			logger.Error("skipping site with invalid seed", applog.Int64("site_id", site.SiteID), applog.Error(err))
			continue
		}
		runners = append(runners, r)
		runnerSites = append(runnerSites, site)
	}

	sched := scheduler.New(maxParallelSites, logger)
	results := sched.Run(ctx, runners, runnerSites)

	return scheduler.AnyFailed(results), nil
}
