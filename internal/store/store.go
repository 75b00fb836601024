// Package store defines the persistence contract (sites, crawl jobs, pages,
// baselines, verdicts) and a pgx-backed Postgres implementation, per the
// relational store described as an external collaborator to the core.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Site is read-only to the core; rows are created/edited externally.
type Site struct {
	SiteID     int64
	CustomerID int64
	URL        string
	Enabled    bool
}

// JobStatus is a CrawlJob's terminal or in-flight state.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// CrawlJob tracks one site crawl from start to drain.
type CrawlJob struct {
	JobID        uuid.UUID
	SiteID       int64
	CustomerID   int64
	StartURL     string
	Status       JobStatus
	PagesCrawled int
	StartedAt    time.Time
	CompletedAt  *time.Time
	ErrorMsg     string
}

// CrawlPage is appended per fetch attempt in CRAWL mode.
type CrawlPage struct {
	JobID           uuid.UUID
	SiteID          int64
	URL             string
	ParentURL       string
	StatusCode      int
	ContentType     string
	ContentLength   int64
	ResponseTimeMs  int64
	FetchedAt       time.Time
}

// Baseline is a PageVersion row: the DB-resident half of a baseline snapshot,
// whose normalized text body lives on disk at SnapshotPath.
type Baseline struct {
	ID              int64
	SiteID          int64
	URL             string
	HTMLHash        string
	StructuralHash  string
	NormVersion     string
	SnapshotPath    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DiffEvidence is the persisted form of a verdict.Verdict.
type DiffEvidence struct {
	ID           int64
	SiteID       int64
	URL          string
	BaselineHash string
	ObservedHash string
	DiffSummary  []byte // JSON
	Severity     string
	Status       string
	DetectedAt   time.Time
	ClosedAt     *time.Time
}

// ErrNoBaseline is returned by GetBaseline when a URL has never been
// baselined for the requested norm_version.
var ErrNoBaseline = errNoBaseline{}

type errNoBaseline struct{}

func (errNoBaseline) Error() string { return "store: no baseline for url" }

// ErrDBUnavailable wraps any Store method's error when the failure is a
// connection-level fault (acquiring a pooled connection, or a query
// returning a driver-level connection error) rather than a well-formed
// error response from Postgres itself. Per the error taxonomy this is
// fatal to the site job; callers check errors.Is(err, ErrDBUnavailable).
var ErrDBUnavailable = errors.New("store: database unavailable")

// Store is the persistence contract the worker, site job runner, and
// scheduler depend on. Implemented by *PGStore; fakeable in tests.
type Store interface {
	EnabledSites(ctx context.Context, siteID, customerID int64) ([]Site, error)

	CreateJob(ctx context.Context, job CrawlJob) error
	CompleteJob(ctx context.Context, jobID uuid.UUID, pagesCrawled int) error
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error

	InsertCrawlPage(ctx context.Context, page CrawlPage) error

	UpsertBaseline(ctx context.Context, b Baseline) error
	GetBaseline(ctx context.Context, siteID int64, url, normVersion string) (*Baseline, error)

	InsertDiffEvidence(ctx context.Context, d DiffEvidence) error

	Close()
}
