// Package worker implements the single-URL processing loop that binds the
// frontier, fetcher, render helper, normalizer, hasher, and comparator into
// one worker: dequeue, fetch-or-render, normalize, hash, dispatch by mode,
// parse links, re-enqueue, mark done. Block rules are applied by the
// frontier at enqueue time, so a dequeued task is not classified again here.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/defacewatch/core/internal/applog"
	"github.com/defacewatch/core/internal/config"
	"github.com/defacewatch/core/internal/fetch"
	"github.com/defacewatch/core/internal/frontier"
	"github.com/defacewatch/core/internal/normalize"
	"github.com/defacewatch/core/internal/render"
	"github.com/defacewatch/core/internal/store"
	"github.com/defacewatch/core/internal/verdict"
)

// spaMarkers are the heuristic signals needs_js_rendering looks for in a raw
// HTML body: known SPA root attributes and framework boot hooks.
var spaMarkers = []*regexp.Regexp{
	regexp.MustCompile(`id=["']root["']`),
	regexp.MustCompile(`id=["']app["']`),
	regexp.MustCompile(`ng-app`),
	regexp.MustCompile(`data-reactroot`),
}

// needsJSRendering applies the SPA heuristic from §4.3 step 4: presence of a
// known root marker, or a low ratio of non-script bytes (markup included) to
// <script> element bytes.
func needsJSRendering(body []byte) bool {
	for _, re := range spaMarkers {
		if re.Match(body) {
			return true
		}
	}

	scriptBytes := 0
	for _, m := range regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`).FindAll(body, -1) {
		scriptBytes += len(m)
	}
	if scriptBytes == 0 {
		return false
	}
	textBytes := len(bytes.TrimSpace(body)) - scriptBytes
	if textBytes <= 0 {
		return true
	}
	return float64(textBytes)/float64(scriptBytes) < 0.15
}

// Deps bundles a Worker's collaborators, shared by every worker in a site
// job's pool.
type Deps struct {
	Frontier       *frontier.Frontier
	Fetcher        fetch.Fetcher
	Renderer       render.Renderer
	Store          store.Store
	Snapshot       *store.SnapshotWriter
	Logger         applog.Logger
	Mode           config.Mode
	CrawlDelay     time.Duration
	NormVersion    string
	SiteID         int64
	CustomerID     int64
	CustSlug       string
	SiteFolderID   int64
	JobID          uuid.UUID
	RenderPolicy   render.Policy
	VerdictPolicy  verdict.Policy

	// OnFatalStoreError is called each time a Store call fails with
	// store.ErrDBUnavailable (the site job runner keeps only the first such
	// error), so the site job runner can mark the
	// whole job failed instead of letting it reach completed with writes
	// silently dropped. Nil is safe (no-op); tests that don't care leave it
	// unset.
	OnFatalStoreError func(error)

	// sleep is overridden in tests to skip the real crawl delay.
	sleep func(time.Duration)
}

// Worker processes tasks pulled from one Frontier until it drains or
// receives a terminal sentinel. Safe to run many concurrently against the
// same Deps; each call to Run is one logical worker.
type Worker struct {
	id   int
	deps Deps

	// idle is set while the worker is blocked in Dequeue, for the site job
	// runner's idle-detection in its scaling loop.
	idle atomic.Bool
	// idleSince records when idle last transitioned to true (unix nanos), so
	// the site job runner's scale-down decision can require an idle worker
	// to have been idle for at least its grace window before terminating it.
	idleSince atomic.Int64
}

// New constructs a Worker. id is used only for log lines ([Worker-i]).
func New(id int, deps Deps) *Worker {
	if deps.sleep == nil {
		deps.sleep = time.Sleep
	}
	return &Worker{id: id, deps: deps}
}

// reportFatal forwards err to Deps.OnFatalStoreError when it is a
// connection-level store fault, per §7's DB_UNAVAILABLE handling.
func (w *Worker) reportFatal(err error) {
	if w.deps.OnFatalStoreError != nil && errors.Is(err, store.ErrDBUnavailable) {
		w.deps.OnFatalStoreError(err)
	}
}

// Idle reports whether this worker is currently blocked waiting for work.
func (w *Worker) Idle() bool { return w.idle.Load() }

// IdleFor reports how long this worker has been continuously idle. Zero if
// the worker is not currently idle.
func (w *Worker) IdleFor() time.Duration {
	if !w.idle.Load() {
		return 0
	}
	since := w.idleSince.Load()
	if since == 0 {
		return 0
	}
	return time.Since(time.Unix(0, since))
}

// Run processes tasks until the Frontier closes and drains, or ctx is
// cancelled between tasks (never mid-fetch or mid-render, which honor their
// own timeouts).
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.idle.Store(true)
		w.idleSince.Store(time.Now().UnixNano())
		task, ok := w.deps.Frontier.Dequeue()
		w.idle.Store(false)
		w.idleSince.Store(0)
		if !ok {
			return
		}

		w.processTaskSafely(ctx, task)
	}
}

// processTaskSafely wraps processTask in a recover so a panic in any one
// URL's processing never takes down the worker goroutine; the URL is still
// marked done so the frontier can drain.
func (w *Worker) processTaskSafely(ctx context.Context, task frontier.Task) {
	defer func() {
		if r := recover(); r != nil {
			w.deps.Logger.Error("worker panic",
				applog.Int("worker", w.id),
				applog.String("url", task.URL),
				applog.Any("recover", r))
			w.deps.Frontier.MarkFailed(task.URL)
		}
	}()

	w.processTask(ctx, task)
	w.deps.Frontier.MarkDone(task.URL)
}

func (w *Worker) processTask(ctx context.Context, task frontier.Task) {
	delay := w.deps.CrawlDelay
	if delay <= 0 {
		delay = time.Second
	}
	w.deps.sleep(delay)

	fetchResult, renderArtifact, err := w.fetchOrRender(ctx, task.URL)
	if err != nil {
		w.deps.Logger.Warn("fetch failed",
			applog.Int("worker", w.id), applog.String("url", task.URL), applog.Error(err))
		if fetchResult != nil && w.deps.Mode == config.ModeCrawl {
			w.persistCrawlPage(ctx, task, fetchResult)
		}
		return
	}

	body := fetchResult.Body
	if renderArtifact != nil {
		body = renderArtifact.Body
	}

	text, fp, err := normalize.SemanticNormalize(body)
	if err != nil {
		w.deps.Logger.Warn("normalize failed",
			applog.Int("worker", w.id), applog.String("url", task.URL), applog.Error(err))
		return
	}

	base, _ := url.Parse(task.URL)
	scriptSrcs, _ := normalize.ExtractScriptSrcs(body, base)

	switch w.deps.Mode {
	case config.ModeCrawl:
		w.persistCrawlPage(ctx, task, fetchResult)
	case config.ModeBaseline:
		w.persistBaseline(ctx, task, text, fp, scriptSrcs)
	case config.ModeCompare:
		w.compareAndPersist(ctx, task, text, fp, scriptSrcs)
	}

	links, err := normalize.ExtractURLs(body, base)
	if err != nil {
		w.deps.Logger.Warn("parse failed",
			applog.Int("worker", w.id), applog.String("url", task.URL), applog.Error(err))
		return
	}
	for _, link := range links {
		if _, err := w.deps.Frontier.Enqueue(link, task.URL, task.Depth+1); err != nil {
			w.deps.Logger.Warn("enqueue failed",
				applog.String("url", link), applog.Error(err))
		}
	}
}

// fetchOrRender implements §4.3 steps 4-5: fetch, apply the SPA heuristic,
// and fall through to render when indicated. On render failure it returns
// the pre-render fetch result so callers still have a partial body.
func (w *Worker) fetchOrRender(ctx context.Context, target string) (*fetch.FetchResult, *render.Artifact, error) {
	result, err := w.deps.Fetcher.Fetch(ctx, target)
	if err != nil {
		return result, nil, err
	}
	if result.Classification != fetch.ClassOK {
		return result, nil, nil
	}
	if result.ContentType != "text/html" && result.ContentType != "application/xhtml+xml" {
		return result, nil, nil
	}
	if !needsJSRendering(result.Body) {
		return result, nil, nil
	}
	if w.deps.Renderer == nil {
		return result, nil, nil
	}

	art, err := w.deps.Renderer.Render(ctx, target, w.deps.RenderPolicy)
	if err != nil {
		w.deps.Logger.Warn("render failed, using fetch body",
			applog.String("url", target), applog.Error(err))
		return result, nil, nil
	}
	return result, art, nil
}

func (w *Worker) persistCrawlPage(ctx context.Context, task frontier.Task, fr *fetch.FetchResult) {
	if fr == nil {
		return
	}
	page := store.CrawlPage{
		JobID:          w.deps.JobID,
		SiteID:         w.deps.SiteID,
		URL:            task.URL,
		ParentURL:      task.ParentURL,
		StatusCode:     fr.StatusCode,
		ContentType:    fr.ContentType,
		ContentLength:  int64(len(fr.Body)),
		ResponseTimeMs: fr.ElapsedMs,
		FetchedAt:      time.Now(),
	}
	if err := w.deps.Store.InsertCrawlPage(ctx, page); err != nil {
		w.deps.Logger.Error("persist crawl page failed",
			applog.String("url", task.URL), applog.Error(err))
		w.reportFatal(err)
	}
}

func (w *Worker) persistBaseline(ctx context.Context, task frontier.Task, text string, fp normalize.Fingerprint, scriptSrcs map[string]bool) {
	snapshotPath := ""
	if w.deps.Snapshot != nil {
		srcs := make([]string, 0, len(scriptSrcs))
		for src := range scriptSrcs {
			srcs = append(srcs, src)
		}
		path, err := w.deps.Snapshot.Write(w.deps.CustomerID, w.deps.SiteFolderID, w.deps.CustSlug, text, fp.TagPaths, srcs)
		if err != nil {
			w.deps.Logger.Error("snapshot write failed", applog.String("url", task.URL), applog.Error(err))
		} else {
			snapshotPath = path
		}
	}

	b := store.Baseline{
		SiteID:         w.deps.SiteID,
		URL:            task.URL,
		HTMLHash:       normalize.ContentHash(text),
		StructuralHash: normalize.StructuralHash(fp),
		NormVersion:    w.deps.NormVersion,
		SnapshotPath:   snapshotPath,
	}
	if err := w.deps.Store.UpsertBaseline(ctx, b); err != nil {
		w.deps.Logger.Error("persist baseline failed", applog.String("url", task.URL), applog.Error(err))
		w.reportFatal(err)
	}
}

func (w *Worker) compareAndPersist(ctx context.Context, task frontier.Task, text string, fp normalize.Fingerprint, scriptSrcs map[string]bool) {
	baseline, err := w.deps.Store.GetBaseline(ctx, w.deps.SiteID, task.URL, w.deps.NormVersion)
	if err != nil {
		if errors.Is(err, store.ErrDBUnavailable) {
			w.deps.Logger.Error("get baseline failed", applog.String("url", task.URL), applog.Error(err))
			w.reportFatal(err)
			return
		}
		// NO_BASELINE or any other non-fatal lookup failure: a FAILED
		// verdict, per §7's NO_BASELINE handling.
		v := verdict.Verdict{
			Status:     verdict.StatusFailed,
			Severity:   verdict.SeverityNone,
			DetectedAt: time.Now(),
		}
		w.persistVerdict(ctx, task, v)
		return
	}

	baseText, baseTagPaths, baseScriptSrcList, err := w.deps.Snapshot.Read(baseline.SnapshotPath)
	if err != nil {
		w.deps.Logger.Error("snapshot read failed", applog.String("url", task.URL), applog.Error(err))
		v := verdict.Verdict{
			Status:     verdict.StatusFailed,
			Severity:   verdict.SeverityNone,
			DetectedAt: time.Now(),
		}
		w.persistVerdict(ctx, task, v)
		return
	}
	baseScriptSrcs := make(map[string]bool, len(baseScriptSrcList))
	for _, src := range baseScriptSrcList {
		baseScriptSrcs[src] = true
	}

	live := verdict.Live{NormalizedText: text, TagPaths: fp.TagPaths, ScriptSrcs: scriptSrcs, NormVersion: w.deps.NormVersion}
	base := verdict.Baseline{NormalizedText: baseText, TagPaths: baseTagPaths, ScriptSrcs: baseScriptSrcs, NormVersion: baseline.NormVersion}

	v := verdict.Compare(live, base, w.deps.VerdictPolicy, normalize.ContentHash, normalize.StructuralHashFromPaths, time.Now())
	w.persistVerdict(ctx, task, v)
}

func (w *Worker) persistVerdict(ctx context.Context, task frontier.Task, v verdict.Verdict) {
	d := store.DiffEvidence{
		SiteID:       w.deps.SiteID,
		URL:          task.URL,
		BaselineHash: v.BaselineHash,
		ObservedHash: v.ObservedHash,
		DiffSummary:  diffSummaryJSON(v),
		Severity:     string(v.Severity),
		Status:       string(v.Status),
		DetectedAt:   v.DetectedAt,
	}
	if err := w.deps.Store.InsertDiffEvidence(ctx, d); err != nil {
		w.deps.Logger.Error("persist verdict failed", applog.String("url", task.URL), applog.Error(err))
		w.reportFatal(err)
	}
}

// diffSummary is the shape persisted into diff_evidence.diff_summary.
type diffSummary struct {
	StructuralDrift float64  `json:"structural_drift"`
	ContentDrift    float64  `json:"content_drift"`
	Confidence      float64  `json:"confidence"`
	Indicators      []string `json:"indicators"`
}

func diffSummaryJSON(v verdict.Verdict) []byte {
	b, err := json.Marshal(diffSummary{
		StructuralDrift: v.StructuralDrift,
		ContentDrift:    v.ContentDrift,
		Confidence:      v.Confidence,
		Indicators:      v.Indicators,
	})
	if err != nil {
		return []byte(`{}`)
	}
	return b
}
