package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/defacewatch/core/internal/applog"
	"github.com/defacewatch/core/internal/blockrules"
	"github.com/defacewatch/core/internal/config"
	"github.com/defacewatch/core/internal/fetch"
	"github.com/defacewatch/core/internal/frontier"
	"github.com/defacewatch/core/internal/normalize"
	"github.com/defacewatch/core/internal/render"
	"github.com/defacewatch/core/internal/store"
	"github.com/defacewatch/core/internal/verdict"
)

func TestNeedsJSRendering_RootMarker(t *testing.T) {
	body := []byte(`<html><body><div id="root"></div></body></html>`)
	if !needsJSRendering(body) {
		t.Error("needsJSRendering() = false, want true for div#root marker")
	}
}

func TestNeedsJSRendering_PlainHTML(t *testing.T) {
	body := []byte(`<html><body><p>hello there, this is a normal page with plenty of text</p></body></html>`)
	if needsJSRendering(body) {
		t.Error("needsJSRendering() = true, want false for plain text-heavy page")
	}
}

func TestNeedsJSRendering_ScriptHeavyFallsBackTrue(t *testing.T) {
	script := "<script>" + string(make([]byte, 2000)) + "</script>"
	body := []byte("<html><body>hi" + script + "</body></html>")
	if !needsJSRendering(body) {
		t.Error("needsJSRendering() = false, want true for script-byte-dominant page")
	}
}

type fakeFetcher struct {
	result *fetch.FetchResult
	err    error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*fetch.FetchResult, error) {
	return f.result, f.err
}

type panicFetcher struct{}

func (panicFetcher) Fetch(ctx context.Context, url string) (*fetch.FetchResult, error) {
	panic("boom")
}

type fakeStore struct {
	mu            sync.Mutex
	pages         []store.CrawlPage
	baselines     []store.Baseline
	evidence      []store.DiffEvidence
	getBase       *store.Baseline
	getBaseErr    error
	insertPageErr error
}

func (s *fakeStore) EnabledSites(ctx context.Context, siteID, customerID int64) ([]store.Site, error) {
	return nil, nil
}
func (s *fakeStore) CreateJob(ctx context.Context, job store.CrawlJob) error   { return nil }
func (s *fakeStore) CompleteJob(ctx context.Context, jobID uuid.UUID, n int) error { return nil }
func (s *fakeStore) FailJob(ctx context.Context, jobID uuid.UUID, msg string) error { return nil }

func (s *fakeStore) InsertCrawlPage(ctx context.Context, page store.CrawlPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, page)
	if s.insertPageErr != nil {
		return s.insertPageErr
	}
	return nil
}

func (s *fakeStore) UpsertBaseline(ctx context.Context, b store.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines = append(s.baselines, b)
	return nil
}

func (s *fakeStore) GetBaseline(ctx context.Context, siteID int64, url, normVersion string) (*store.Baseline, error) {
	if s.getBaseErr != nil {
		return nil, s.getBaseErr
	}
	return s.getBase, nil
}

func (s *fakeStore) InsertDiffEvidence(ctx context.Context, d store.DiffEvidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence = append(s.evidence, d)
	return nil
}

func (s *fakeStore) Close() {}

func newTestFrontier(t *testing.T) *frontier.Frontier {
	t.Helper()
	return frontier.New("x.test", blockrules.New(), frontier.DefaultQueueCapacity)
}

func baseDeps(t *testing.T, mode config.Mode, fr *frontier.Frontier, fetcher fetch.Fetcher, st store.Store, snap *store.SnapshotWriter) Deps {
	t.Helper()
	return Deps{
		Frontier:      fr,
		Fetcher:       fetcher,
		Store:         st,
		Snapshot:      snap,
		Logger:        applog.NewNop(),
		Mode:          mode,
		CrawlDelay:    time.Millisecond,
		NormVersion:   "v1.2",
		SiteID:        1,
		CustomerID:    1,
		CustSlug:      "cust",
		SiteFolderID:  1,
		JobID:         uuid.New(),
		RenderPolicy:  render.DefaultPolicy(),
		VerdictPolicy: verdict.DefaultPolicy(),
		sleep:         func(time.Duration) {},
	}
}

func TestProcessTask_CrawlModePersistsPage(t *testing.T) {
	fr := newTestFrontier(t)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><p>hello</p><a href="/b">b</a></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{}
	deps := baseDeps(t, config.ModeCrawl, fr, fetcher, st, nil)
	w := New(1, deps)

	task := frontier.Task{URL: "https://x.test/a", Depth: 0}
	w.processTask(context.Background(), task)

	if len(st.pages) != 1 {
		t.Fatalf("pages persisted = %d, want 1", len(st.pages))
	}
	if st.pages[0].URL != task.URL {
		t.Errorf("persisted page URL = %q, want %q", st.pages[0].URL, task.URL)
	}
}

func TestProcessTask_EnqueuesDiscoveredLinks(t *testing.T) {
	fr := newTestFrontier(t)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><a href="https://x.test/b">b</a></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{}
	deps := baseDeps(t, config.ModeCrawl, fr, fetcher, st, nil)
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if fr.PendingCount() != 1 {
		t.Errorf("PendingCount() = %d, want 1 (the discovered /b link)", fr.PendingCount())
	}
}

func TestProcessTaskSafely_RecoversPanicAndMarksDone(t *testing.T) {
	fr := newTestFrontier(t)
	deps := baseDeps(t, config.ModeCrawl, fr, panicFetcher{}, &fakeStore{}, nil)
	w := New(1, deps)

	fr.Enqueue("https://x.test/a", "", 0)
	task, ok := fr.Dequeue()
	if !ok {
		t.Fatal("Dequeue() ok = false")
	}

	w.processTaskSafely(context.Background(), task)

	fr.Close()
	if _, ok := fr.Dequeue(); ok {
		t.Error("expected frontier drained after panic-recovered task")
	}
}

func TestPersistBaseline_WritesSnapshotAndUpsertsHash(t *testing.T) {
	fr := newTestFrontier(t)
	snap, err := store.NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><p>hello</p><script src="https://x.test/a.js"></script></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{}
	deps := baseDeps(t, config.ModeBaseline, fr, fetcher, st, snap)
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if len(st.baselines) != 1 {
		t.Fatalf("baselines upserted = %d, want 1", len(st.baselines))
	}
	b := st.baselines[0]
	if b.SnapshotPath == "" {
		t.Error("SnapshotPath is empty, want a written snapshot path")
	}
	if b.HTMLHash == "" || b.StructuralHash == "" {
		t.Error("expected non-empty hashes on the persisted baseline")
	}

	text, tags, scripts, err := snap.Read(b.SnapshotPath)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if text == "" {
		t.Error("read back empty snapshot text")
	}
	if len(tags) == 0 {
		t.Error("read back no tag paths")
	}
	if len(scripts) != 1 || scripts[0] != "https://x.test/a.js" {
		t.Errorf("read back scripts = %v, want [https://x.test/a.js]", scripts)
	}
}

func TestCompareAndPersist_NoBaselineProducesFailedVerdict(t *testing.T) {
	fr := newTestFrontier(t)
	snap, err := store.NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><p>hello</p></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{getBaseErr: store.ErrNoBaseline}
	deps := baseDeps(t, config.ModeCompare, fr, fetcher, st, snap)
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if len(st.evidence) != 1 {
		t.Fatalf("evidence persisted = %d, want 1", len(st.evidence))
	}
	if st.evidence[0].Status != string(verdict.StatusFailed) {
		t.Errorf("Status = %q, want %q", st.evidence[0].Status, verdict.StatusFailed)
	}
}

func TestCompareAndPersist_CleanOnMatchingBaseline(t *testing.T) {
	fr := newTestFrontier(t)
	snap, err := store.NewSnapshotWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewSnapshotWriter() error = %v", err)
	}
	body := []byte(`<html><body><p>hello world</p></body></html>`)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           body,
		Classification: fetch.ClassOK,
	}}

	text, fp, err := normalize.SemanticNormalize(body)
	if err != nil {
		t.Fatalf("SemanticNormalize() error = %v", err)
	}
	snapshotPath, err := snap.Write(1, 1, "cust", text, fp.TagPaths, nil)
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	st := &fakeStore{getBase: &store.Baseline{
		SiteID:       1,
		URL:          "https://x.test/a",
		NormVersion:  "v1.2",
		SnapshotPath: snapshotPath,
	}}
	deps := baseDeps(t, config.ModeCompare, fr, fetcher, st, snap)
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if len(st.evidence) != 1 {
		t.Fatalf("evidence persisted = %d, want 1", len(st.evidence))
	}
	if st.evidence[0].Status != string(verdict.StatusClean) {
		t.Errorf("Status = %q, want %q", st.evidence[0].Status, verdict.StatusClean)
	}
}

var errBoom = errors.New("boom")

func TestProcessTask_FetchFailureStillPersistsInCrawlMode(t *testing.T) {
	fr := newTestFrontier(t)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{URL: "https://x.test/a", Classification: fetch.ClassNetworkError}, err: errBoom}
	st := &fakeStore{}
	deps := baseDeps(t, config.ModeCrawl, fr, fetcher, st, nil)
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if len(st.pages) != 1 {
		t.Fatalf("pages persisted on fetch failure = %d, want 1", len(st.pages))
	}
}

func TestPersistCrawlPage_DBUnavailableReportsFatal(t *testing.T) {
	fr := newTestFrontier(t)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><p>hello</p></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{insertPageErr: store.ErrDBUnavailable}
	deps := baseDeps(t, config.ModeCrawl, fr, fetcher, st, nil)

	var reported error
	deps.OnFatalStoreError = func(err error) { reported = err }
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if reported == nil {
		t.Fatal("OnFatalStoreError was not called for a store.ErrDBUnavailable write failure")
	}
	if !errors.Is(reported, store.ErrDBUnavailable) {
		t.Errorf("reported error = %v, want one wrapping store.ErrDBUnavailable", reported)
	}
}

func TestPersistCrawlPage_OrdinaryErrorDoesNotReportFatal(t *testing.T) {
	fr := newTestFrontier(t)
	fetcher := &fakeFetcher{result: &fetch.FetchResult{
		URL:            "https://x.test/a",
		StatusCode:     200,
		ContentType:    "text/html",
		Body:           []byte(`<html><body><p>hello</p></body></html>`),
		Classification: fetch.ClassOK,
	}}
	st := &fakeStore{insertPageErr: errBoom}
	deps := baseDeps(t, config.ModeCrawl, fr, fetcher, st, nil)

	called := false
	deps.OnFatalStoreError = func(err error) { called = true }
	w := New(1, deps)

	w.processTask(context.Background(), frontier.Task{URL: "https://x.test/a"})

	if called {
		t.Error("OnFatalStoreError was called for a non-DB_UNAVAILABLE error, want no-op")
	}
}
