// Package frontier implements the per-site URL queue: deduplication,
// in-flight tracking, and block-rule filtering, all guarded by a single
// mutex per the concurrency model.
package frontier

import (
	"errors"
	"sync"

	"github.com/defacewatch/core/internal/blockrules"
	"github.com/defacewatch/core/internal/canon"
)

// ErrQueueFull is returned by Enqueue when the bounded queue is at capacity.
var ErrQueueFull = errors.New("frontier: queue full")

// DefaultQueueCapacity is the default bound on the pending queue.
const DefaultQueueCapacity = 10000

// Task is one unit of crawl work.
type Task struct {
	URL       string
	ParentURL string
	Depth     int
}

// BlockCounts holds the running per-class count of URLs the block classifier
// rejected at Enqueue, for the end-of-job BLOCKED URL REPORT.
type BlockCounts struct {
	mu     sync.Mutex
	counts map[blockrules.Class]int
}

func newBlockCounts() *BlockCounts {
	return &BlockCounts{counts: make(map[blockrules.Class]int)}
}

func (b *BlockCounts) record(class blockrules.Class) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts[class]++
}

// Snapshot returns a copy of the current per-class block counts.
func (b *BlockCounts) Snapshot() map[blockrules.Class]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[blockrules.Class]int, len(b.counts))
	for k, v := range b.counts {
		out[k] = v
	}
	return out
}

// Frontier is a per-site thread-safe URL queue with dedup and in-flight
// tracking. The zero value is not usable; construct with New.
type Frontier struct {
	mu sync.Mutex

	seedHost   string
	classifier *blockrules.Classifier
	capacity   int

	queue      []Task
	queued     map[string]bool
	visited    map[string]bool
	inProgress map[string]bool
	processed  int

	closed bool
	cond   *sync.Cond

	Blocked *BlockCounts
}

// New constructs a Frontier scoped to seedHost (the registrable domain that
// bounds in-scope enqueues), with the given queue capacity (0 uses the
// default).
func New(seedHost string, classifier *blockrules.Classifier, capacity int) *Frontier {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	f := &Frontier{
		seedHost:   seedHost,
		classifier: classifier,
		capacity:   capacity,
		queued:     make(map[string]bool),
		visited:    make(map[string]bool),
		inProgress: make(map[string]bool),
		Blocked:    newBlockCounts(),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Enqueue canonicalizes urlRaw against the Frontier's seed scope, applies
// dedup and the block classifier, and appends to the queue if accepted.
// Returns false (with no error) for dedup/block/out-of-scope rejections,
// since those are expected, silently-counted outcomes, not failures.
func (f *Frontier) Enqueue(urlRaw, parent string, depth int) (bool, error) {
	canonical, err := canon.CanonicalizeInScope(urlRaw, f.seedHost)
	if err != nil {
		return false, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false, nil
	}
	if f.visited[canonical] || f.inProgress[canonical] || f.queued[canonical] {
		return false, nil
	}

	if class := f.classifier.Classify(canonical); class != blockrules.ClassNone {
		f.visited[canonical] = true
		f.Blocked.record(class)
		return false, nil
	}

	if len(f.queue) >= f.capacity {
		return false, ErrQueueFull
	}

	f.queue = append(f.queue, Task{URL: canonical, ParentURL: parent, Depth: depth})
	f.queued[canonical] = true
	f.cond.Signal()
	return true, nil
}

// Dequeue blocks until a task is available or the Frontier is closed. The
// second return value is false only when the Frontier is closed and drained
// (the terminal sentinel).
func (f *Frontier) Dequeue() (Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for len(f.queue) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.queue) == 0 {
		return Task{}, false
	}

	task := f.queue[0]
	f.queue = f.queue[1:]
	delete(f.queued, task.URL)
	f.inProgress[task.URL] = true
	return task, true
}

// MarkDone moves url from in_progress to visited and counts it as processed
// (the crawl job's pages_crawled, which counts attempted fetches, not the
// blocked URLs the classifier skips before they are ever dequeued).
func (f *Frontier) MarkDone(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inProgress, url)
	f.visited[url] = true
	f.processed++
}

// ProcessedCount returns the number of tasks dequeued and marked done or
// failed, for CrawlJob.pages_crawled.
func (f *Frontier) ProcessedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed
}

// MarkFailed moves url from in_progress to visited (permanently failed URLs
// are not retried by the Frontier itself; retry policy is the Fetcher's).
func (f *Frontier) MarkFailed(url string) {
	f.MarkDone(url)
}

// MarkRetry removes url from in_progress and re-enqueues it at the head of
// the queue, bypassing the dedup check (the caller tracks bounded retry
// counts outside the Frontier).
func (f *Frontier) MarkRetry(task Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inProgress, task.URL)
	f.queue = append([]Task{task}, f.queue...)
	f.queued[task.URL] = true
	f.cond.Signal()
}

// PendingCount returns len(queue) + len(in_progress).
func (f *Frontier) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue) + len(f.inProgress)
}

// Close marks the Frontier closed and wakes any blocked Dequeue callers,
// which observe an empty queue and return the terminal sentinel.
func (f *Frontier) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}
