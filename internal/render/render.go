// Package render implements the bounded headless-render fallback: a pool of
// isolated Chrome tab contexts fronted by a cache, used when a fetched page
// looks like it needs client-side JavaScript to produce its real content.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"
)

// WaitUntil enumerates the trigger a render waits for before its stability
// pause begins.
type WaitUntil string

const (
	WaitLoad             WaitUntil = "load"
	WaitDOMContentLoaded WaitUntil = "domcontentloaded"
	WaitNetworkIdle      WaitUntil = "network_idle"
)

// Policy controls a single render call.
type Policy struct {
	WaitUntil       WaitUntil
	GotoTimeout     time.Duration
	StabilityWindow time.Duration
	HydrationWait   time.Duration
	ViewportW       int64
	ViewportH       int64
}

// DefaultPolicy returns the policy defaults named in the configuration
// contract.
func DefaultPolicy() Policy {
	return Policy{
		WaitUntil:       WaitNetworkIdle,
		GotoTimeout:     30 * time.Second,
		StabilityWindow: 5 * time.Second,
		HydrationWait:   8 * time.Second,
		ViewportW:       1366,
		ViewportH:       768,
	}
}

// Artifact is a completed render.
type Artifact struct {
	Body      []byte
	Warnings  []string
	ElapsedMs int64
}

var (
	ErrRenderTimeout  = errors.New("render: timeout")
	ErrRenderFailed   = errors.New("render: failed")
	ErrIneligibleType = errors.New("render: ineligible content type")
)

// Renderer renders a URL with a headless browser.
type Renderer interface {
	Render(ctx context.Context, url string, policy Policy) (*Artifact, error)
}

// Pool is a bounded pool of isolated browser tab contexts, all sharing one
// underlying Chrome instance (the allocator). Each Render call gets a fresh
// chromedp context with no cookies, localStorage, or session carried over
// from any other render.
type Pool struct {
	allocCtx    context.Context
	cancelAlloc context.CancelFunc
	sem         chan struct{}
}

// NewPool starts (lazily, on first use — chromedp allocators are lazy) a
// Chrome allocator bounded to capacity concurrent tab contexts.
func NewPool(capacity int, opts ...chromedp.ExecAllocatorOption) *Pool {
	if capacity <= 0 {
		capacity = 4
	}
	allocatorOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	return &Pool{
		allocCtx:    allocCtx,
		cancelAlloc: cancel,
		sem:         make(chan struct{}, capacity),
	}
}

// Close shuts down the underlying Chrome allocator.
func (p *Pool) Close() {
	p.cancelAlloc()
}

// Render acquires a pool slot (waiting up to policy.GotoTimeout), opens an
// isolated tab context, navigates, waits for the configured trigger plus the
// stability pause, and returns the settled DOM serialization.
func (p *Pool) Render(ctx context.Context, url string, policy Policy) (*Artifact, error) {
	acquireTimer := time.NewTimer(policy.GotoTimeout)
	defer acquireTimer.Stop()

	select {
	case p.sem <- struct{}{}:
	case <-acquireTimer.C:
		return nil, ErrRenderTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()

	tabCtx, cancelTab := chromedp.NewContext(p.allocCtx)
	defer cancelTab()

	budget := policy.GotoTimeout + policy.StabilityWindow + policy.HydrationWait
	runCtx, cancelRun := context.WithTimeout(tabCtx, budget)
	defer cancelRun()

	start := time.Now()
	var body string
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(policy.ViewportW, policy.ViewportH),
		chromedp.Navigate(url),
		waitTask(policy.WaitUntil),
		chromedp.Sleep(policy.StabilityWindow),
		chromedp.OuterHTML("html", &body, chromedp.ByQuery),
	}

	err := chromedp.Run(runCtx, tasks)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrRenderTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrRenderFailed, err)
	}

	return &Artifact{
		Body:      []byte(body),
		ElapsedMs: time.Since(start).Milliseconds(),
	}, nil
}

// waitTask returns the chromedp action that approximates the requested wait
// trigger. chromedp.Navigate already blocks until the page's load event, so
// "load" needs no extra action; "domcontentloaded" waits for the body to be
// ready rather than every subresource; "network_idle" has no first-class
// chromedp primitive, so it is approximated with an extra settle sleep on
// top of the caller's stability window.
func waitTask(w WaitUntil) chromedp.Action {
	switch w {
	case WaitDOMContentLoaded:
		return chromedp.WaitReady("body", chromedp.ByQuery)
	case WaitNetworkIdle:
		return chromedp.ActionFunc(func(ctx context.Context) error {
			return chromedp.Sleep(500 * time.Millisecond).Do(ctx)
		})
	default:
		return chromedp.ActionFunc(func(ctx context.Context) error { return nil })
	}
}
