// Package fetcher issues HTTP GET requests with bounded concurrency,
// retry/backoff and politeness throttling. It knows nothing about parsing
// or storage.
package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Config controls fetch behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	Concurrency   int
	Delay         time.Duration
	RespectRobots bool
}

// Result is a successful fetch.
type Result struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
	// Attempts is the number of tries it took, including the successful one.
	Attempts int
}

// Fetcher performs GET requests through a Colly collector. A semaphore
// bounds in-flight requests; queued callers block rather than spawning
// unbounded work.
type Fetcher struct {
	cfg    Config
	policy *RetryPolicy
	base   *colly.Collector
	sem    chan struct{}
	logger *zap.Logger

	mu          sync.Mutex
	nextAllowed time.Time
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:    cfg,
		policy: NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffMax),
		base:   c,
		sem:    make(chan struct{}, cfg.Concurrency),
		logger: logger,
	}
}

// Fetch retrieves url, retrying transient failures with exponential
// backoff. It returns a *FetchError once retries are exhausted or a
// permanent failure is observed.
func (f *Fetcher) Fetch(ctx context.Context, url string) (Result, error) {
	select {
	case f.sem <- struct{}{}:
	case <-ctx.Done():
		return Result{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	}
	defer func() { <-f.sem }()

	var lastErr *FetchError
	for attempt := 1; attempt <= f.policy.MaxAttempts(); attempt++ {
		if err := f.politenessWait(ctx); err != nil {
			return Result{}, err
		}

		res, status, err := f.doFetch(ctx, url)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("fetch %s: %w", url, ctx.Err())
		}

		lastErr = f.classify(url, status, attempt, err)
		if lastErr.Permanent {
			return Result{}, lastErr
		}
		if attempt == f.policy.MaxAttempts() {
			break
		}

		delay := f.policy.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt),
			zap.Int("status", status),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

// doFetch executes a single GET via a fresh collector clone, mirroring the
// one-shot collector pattern: every call gets its own callbacks so
// concurrent fetches never share response state.
func (f *Fetcher) doFetch(ctx context.Context, url string) (Result, int, error) {
	var (
		result   Result
		status   int
		fetchErr error
	)
	start := time.Now()
	collector := f.base.Clone()
	collector.AllowURLRevisit = true

	collector.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		result = Result{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return Result{}, 0, ctx.Err()
	case err := <-done:
		if fetchErr != nil {
			return Result{}, status, fetchErr
		}
		if err != nil {
			return Result{}, status, err
		}
		return result, status, nil
	}
}

func (f *Fetcher) classify(url string, status, attempt int, err error) *FetchError {
	// No HTTP status means a network-level failure (timeout, refused
	// connection, DNS), which is always worth retrying. With a status,
	// only 5xx and 429 qualify.
	permanent := status >= 400 && !retryableStatus(status)
	return &FetchError{
		URL:        url,
		StatusCode: status,
		Attempts:   attempt,
		Permanent:  permanent,
		Err:        err,
	}
}

// politenessWait spaces request starts cfg.Delay apart across all workers,
// independent of the concurrency ceiling.
func (f *Fetcher) politenessWait(ctx context.Context) error {
	if f.cfg.Delay <= 0 {
		return nil
	}
	f.mu.Lock()
	now := time.Now()
	wait := f.nextAllowed.Sub(now)
	if wait < 0 {
		wait = 0
	}
	f.nextAllowed = now.Add(wait + f.cfg.Delay)
	f.mu.Unlock()

	return sleepCtx(ctx, wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
