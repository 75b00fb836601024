package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// DefaultPoolSize caps DB_POOL_SIZE at the configuration contract's max.
	DefaultPoolSize = 32
	// DefaultAcquireTimeout is DB_SEMAPHORE's default.
	DefaultAcquireTimeout = 10 * time.Second
)

// Config configures a PGStore.
type Config struct {
	DSN             string
	PoolSize        int32
	AcquireTimeout  time.Duration
}

// PGStore is the pgx-backed Store implementation. Every call acquires a
// connection from a bounded pool with a configurable acquire timeout, and
// releases it before returning, per the "DB calls block on a connection
// semaphore" resource model.
type PGStore struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPGStore connects to cfg.DSN and verifies connectivity with a ping.
func NewPGStore(ctx context.Context, cfg Config) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: parsing DSN: %w", err)
	}

	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if poolSize > DefaultPoolSize {
		poolSize = DefaultPoolSize
	}
	poolCfg.MaxConns = poolSize

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	acquireTimeout := cfg.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}

	return &PGStore{pool: pool, acquireTimeout: acquireTimeout}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

// withConn derives a context from ctx that expires after s.acquireTimeout (or
// at ctx's own deadline, if sooner). It bounds the whole statement run under
// it, connection acquisition included.
func (s *PGStore) withConn(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.acquireTimeout)
}

// classifyErr wraps a query/exec error with its operation name, marking it
// ErrDBUnavailable unless Postgres itself returned a well-formed error
// response (a *pgconn.PgError, e.g. a constraint violation) — acquisition
// timeouts, closed pools, and network faults all fail that type assertion
// and are treated as the connection-level fault §7 calls DB_UNAVAILABLE.
func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	return fmt.Errorf("store: %s: %w: %v", op, ErrDBUnavailable, err)
}

func (s *PGStore) EnabledSites(ctx context.Context, siteID, customerID int64) ([]Site, error) {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	query := `SELECT site_id, customer_id, url, enabled FROM sites WHERE enabled = true`
	args := []any{}
	if siteID > 0 {
		query += fmt.Sprintf(" AND site_id = $%d", len(args)+1)
		args = append(args, siteID)
	}
	if customerID > 0 {
		query += fmt.Sprintf(" AND customer_id = $%d", len(args)+1)
		args = append(args, customerID)
	}

	rows, err := s.pool.Query(acquireCtx, query, args...)
	if err != nil {
		return nil, classifyErr("query sites", err)
	}
	defer rows.Close()

	var sites []Site
	for rows.Next() {
		var site Site
		if err := rows.Scan(&site.SiteID, &site.CustomerID, &site.URL, &site.Enabled); err != nil {
			return nil, classifyErr("scan site", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

func (s *PGStore) CreateJob(ctx context.Context, job CrawlJob) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	_, err := s.pool.Exec(acquireCtx, `
		INSERT INTO crawl_jobs (job_id, site_id, customer_id, start_url, status, pages_crawled, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.JobID, job.SiteID, job.CustomerID, job.StartURL, JobRunning, 0, job.StartedAt)
	if err != nil {
		return classifyErr("insert crawl_job", err)
	}
	return nil
}

func (s *PGStore) CompleteJob(ctx context.Context, jobID uuid.UUID, pagesCrawled int) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	_, err := s.pool.Exec(acquireCtx, `
		UPDATE crawl_jobs SET status = $1, pages_crawled = $2, completed_at = $3 WHERE job_id = $4
	`, JobCompleted, pagesCrawled, time.Now(), jobID)
	if err != nil {
		return classifyErr("complete job", err)
	}
	return nil
}

func (s *PGStore) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	_, err := s.pool.Exec(acquireCtx, `
		UPDATE crawl_jobs SET status = $1, error_msg = $2, completed_at = $3 WHERE job_id = $4
	`, JobFailed, errMsg, time.Now(), jobID)
	if err != nil {
		return classifyErr("fail job", err)
	}
	return nil
}

func (s *PGStore) InsertCrawlPage(ctx context.Context, page CrawlPage) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	_, err := s.pool.Exec(acquireCtx, `
		INSERT INTO crawl_pages (job_id, site_id, url, parent_url, status_code, content_type, content_length, response_time_ms, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id, url) DO NOTHING
	`, page.JobID, page.SiteID, page.URL, page.ParentURL, page.StatusCode, page.ContentType, page.ContentLength, page.ResponseTimeMs, page.FetchedAt)
	if err != nil {
		return classifyErr("insert crawl_page", err)
	}
	return nil
}

// UpsertBaseline inserts a baseline row. Per the data model, a PageVersion is
// immutable once written and re-baselining writes a NEW record rather than
// overwriting; the unique constraint on (site_id, url, norm_version) means a
// second baseline attempt at the same version is a silent no-op, not an
// error, resolving the baseline-write-semantics open question in favor of
// ON CONFLICT DO NOTHING over an upsert-with-overwrite.
func (s *PGStore) UpsertBaseline(ctx context.Context, b Baseline) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	now := time.Now()
	_, err := s.pool.Exec(acquireCtx, `
		INSERT INTO baselines (site_id, url, html_hash, structural_hash, norm_version, snapshot_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (site_id, url, norm_version) DO NOTHING
	`, b.SiteID, b.URL, b.HTMLHash, b.StructuralHash, b.NormVersion, b.SnapshotPath, now)
	if err != nil {
		return classifyErr("upsert baseline", err)
	}
	return nil
}

func (s *PGStore) GetBaseline(ctx context.Context, siteID int64, url, normVersion string) (*Baseline, error) {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	var b Baseline
	err := s.pool.QueryRow(acquireCtx, `
		SELECT id, site_id, url, html_hash, structural_hash, norm_version, snapshot_path, created_at, updated_at
		FROM baselines
		WHERE site_id = $1 AND url = $2 AND norm_version = $3
		ORDER BY created_at DESC
		LIMIT 1
	`, siteID, url, normVersion).Scan(
		&b.ID, &b.SiteID, &b.URL, &b.HTMLHash, &b.StructuralHash, &b.NormVersion, &b.SnapshotPath, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoBaseline
	}
	if err != nil {
		return nil, classifyErr("get baseline", err)
	}
	return &b, nil
}

func (s *PGStore) InsertDiffEvidence(ctx context.Context, d DiffEvidence) error {
	acquireCtx, cancel := s.withConn(ctx)
	defer cancel()

	_, err := s.pool.Exec(acquireCtx, `
		INSERT INTO diff_evidence (site_id, url, baseline_hash, observed_hash, diff_summary, severity, status, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, d.SiteID, d.URL, d.BaselineHash, d.ObservedHash, d.DiffSummary, d.Severity, d.Status, d.DetectedAt)
	if err != nil {
		return classifyErr("insert diff_evidence", err)
	}
	return nil
}
