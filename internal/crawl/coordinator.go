// Package crawl orchestrates a full catalog traversal: paginate the
// listing, fetch details concurrently, run change detection, and commit
// decisions page by page under a distributed lease.
package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/clock"
	"github.com/bookwatch/bookwatch/internal/fetcher"
	"github.com/bookwatch/bookwatch/internal/lock"
	"github.com/bookwatch/bookwatch/internal/metrics"
	"github.com/bookwatch/bookwatch/internal/notify"
	"github.com/bookwatch/bookwatch/internal/parser"
	"github.com/bookwatch/bookwatch/internal/snapshot"
	"github.com/bookwatch/bookwatch/internal/store"
)

// State is the coordinator's current phase. It exists for observability;
// transitions are driven entirely by run().
type State string

// Coordinator states.
const (
	StateIdle          State = "idle"
	StateAcquiringLock State = "acquiring_lock"
	StatePaginating    State = "paginating"
	StateCommitting    State = "committing"
	StateFinalizing    State = "finalizing"
)

// Status is the terminal outcome of one run.
type Status string

// Run outcomes.
const (
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// maxConsecutiveStorageFailures aborts a run that keeps failing to
// persist; a broken database should stop the crawl, not burn through it.
const maxConsecutiveStorageFailures = 5

// Summary counts what one run did.
type Summary struct {
	RunID        string        `json:"run_id"`
	StartPage    int           `json:"start_page"`
	LastPage     int           `json:"last_page"`
	PagesCrawled int           `json:"pages_crawled"`
	PagesSkipped int           `json:"pages_skipped"`
	BooksSeen    int           `json:"books_seen"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Unchanged    int           `json:"unchanged"`
	Deleted      int           `json:"deleted"`
	Events       int           `json:"events"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Outcome is the only thing a run returns; errors never escape as bare
// values or panics.
type Outcome struct {
	Status  Status  `json:"status"`
	Reason  string  `json:"reason,omitempty"`
	Err     error   `json:"-"`
	Summary Summary `json:"summary"`
}

// Config controls one coordinator.
type Config struct {
	// BaseURL is the catalog root, e.g. https://books.toscrape.com/.
	BaseURL string
	// MaxPages caps traversal regardless of pagination links.
	// Zero means no ceiling.
	MaxPages int
	// DetailConcurrency bounds in-flight detail fetches per page.
	DetailConcurrency int
	// LeaseTTL is how long the crawl lock is held before it must be
	// renewed or expires.
	LeaseTTL time.Duration
	// LockName names the lease shared by all instances.
	LockName string
}

// Coordinator runs crawls. Safe for concurrent use; overlapping runs on
// the same lease serialize through it.
type Coordinator struct {
	cfg      Config
	fetcher  *fetcher.Fetcher
	detector *catalog.Detector
	gateway  store.Gateway
	lease    lock.Lease
	notifier notify.Publisher
	archiver *snapshot.Archiver
	clk      clock.Clock
	logger   *zap.Logger

	mu    sync.Mutex
	state State
}

// New wires a coordinator. Nil notifier and archiver disable those
// side channels.
func New(cfg Config, f *fetcher.Fetcher, gw store.Gateway, lease lock.Lease,
	notifier notify.Publisher, archiver *snapshot.Archiver, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = 5
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 6 * time.Hour
	}
	if cfg.LockName == "" {
		cfg.LockName = "catalog-crawl"
	}
	if notifier == nil {
		notifier = notify.NopPublisher{}
	}
	if archiver == nil {
		archiver = snapshot.NewArchiver(nil)
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Coordinator{
		cfg:      cfg,
		fetcher:  f,
		detector: catalog.NewDetector(),
		gateway:  gw,
		lease:    lease,
		notifier: notifier,
		archiver: archiver,
		clk:      clk,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the coordinator's current phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// RunFullCrawl traverses the whole catalog from page 1 and finishes with
// a deletion pass over books that were not seen.
func (c *Coordinator) RunFullCrawl(ctx context.Context) Outcome {
	return c.run(ctx, 1, 0, true)
}

// RunPageRange traverses pages start..end inclusive. Range runs never
// mark deletions: an unseen book is simply outside the range.
func (c *Coordinator) RunPageRange(ctx context.Context, start, end int) Outcome {
	if start < 1 {
		start = 1
	}
	return c.run(ctx, start, end, false)
}

func (c *Coordinator) run(ctx context.Context, startPage, endPage int, full bool) Outcome {
	started := c.clk.Now()
	runID := uuid.NewString()
	summary := Summary{RunID: runID, StartPage: startPage, StartedAt: started}
	log := c.logger.With(zap.String("run_id", runID))

	finish := func(o Outcome) Outcome {
		o.Summary.Duration = c.clk.Now().Sub(started)
		c.setState(StateIdle)
		metrics.ObserveRun(string(o.Status), o.Summary.Duration)
		return o
	}

	c.setState(StateAcquiringLock)
	if err := c.lease.Acquire(ctx, runID, c.cfg.LeaseTTL); err != nil {
		if errors.Is(err, lock.ErrAlreadyHeld) {
			metrics.ObserveLockAcquisition("held")
			log.Info("crawl skipped, lock held by another run")
			return finish(Outcome{Status: StatusSkipped, Reason: "crawl lock held by another run", Summary: summary})
		}
		metrics.ObserveLockAcquisition("error")
		return finish(Outcome{Status: StatusFailed, Err: fmt.Errorf("acquire crawl lock: %w", err), Summary: summary})
	}
	metrics.ObserveLockAcquisition("acquired")
	defer func() {
		// Release must survive a canceled run context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := c.lease.Release(releaseCtx, runID); err != nil {
			log.Warn("crawl lock release failed", zap.Error(err))
		}
	}()

	log.Info("crawl started",
		zap.Int("start_page", startPage),
		zap.Int("end_page", endPage),
		zap.Bool("full", full))

	acc := newAccumulator()
	if err := c.paginate(ctx, log, runID, startPage, endPage, acc, &summary); err != nil {
		return finish(Outcome{Status: StatusFailed, Err: err, Summary: summary})
	}

	if full {
		c.setState(StateFinalizing)
		if err := c.deletionPass(ctx, log, runID, acc, &summary); err != nil {
			return finish(Outcome{Status: StatusFailed, Err: err, Summary: summary})
		}
	}

	log.Info("crawl completed",
		zap.Int("pages_crawled", summary.PagesCrawled),
		zap.Int("books_seen", summary.BooksSeen),
		zap.Int("created", summary.Created),
		zap.Int("updated", summary.Updated),
		zap.Int("deleted", summary.Deleted),
		zap.Int("events", summary.Events))
	return finish(Outcome{Status: StatusCompleted, Summary: summary})
}

func (c *Coordinator) paginate(ctx context.Context, log *zap.Logger, runID string,
	startPage, endPage int, acc *accumulator, summary *Summary) error {
	for page := startPage; ; page++ {
		if endPage > 0 && page > endPage {
			return nil
		}
		if c.cfg.MaxPages > 0 && page-startPage >= c.cfg.MaxPages {
			log.Warn("page ceiling reached", zap.Int("page", page))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl canceled at page %d: %w", page, err)
		}

		c.setState(StatePaginating)
		summary.LastPage = page
		pageURL := c.listPageURL(page)

		res, err := c.fetcher.Fetch(ctx, pageURL)
		if err != nil {
			if fetcher.IsPermanent(err) && fetcher.StatusCode(err) == 404 {
				// Walked past the last catalog page.
				log.Debug("pagination ended on 404", zap.Int("page", page))
				summary.LastPage = page - 1
				return nil
			}
			metrics.ObserveFetch("list", "failure", 0, 0)
			metrics.ObservePageSkipped()
			summary.PagesSkipped++
			log.Warn("list page skipped", zap.Int("page", page), zap.Error(err))
			continue
		}
		metrics.ObserveFetch("list", "success", res.Attempts, res.Duration)

		list, err := parser.ParseListPage(res.Body, res.URL)
		if err != nil {
			metrics.ObservePageSkipped()
			summary.PagesSkipped++
			log.Warn("list page unparseable", zap.Int("page", page), zap.Error(err))
			continue
		}

		candidates := c.fetchDetails(ctx, log, runID, list.DetailURLs)

		c.setState(StateCommitting)
		if err := c.commitPage(ctx, log, runID, candidates, acc, summary); err != nil {
			return err
		}
		summary.PagesCrawled++

		if !list.HasNext {
			return nil
		}
	}
}

// fetchDetails retrieves and parses every detail page of one listing
// page. Individual failures drop the entity, never the page.
func (c *Coordinator) fetchDetails(ctx context.Context, log *zap.Logger, runID string, urls []string) []catalog.Book {
	results := make([]*catalog.Book, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.DetailConcurrency)

	for i, u := range urls {
		g.Go(func() error {
			res, err := c.fetcher.Fetch(gctx, u)
			if err != nil {
				metrics.ObserveFetch("detail", "failure", 0, 0)
				log.Warn("detail fetch failed", zap.String("url", u), zap.Error(err))
				return nil
			}
			metrics.ObserveFetch("detail", "success", res.Attempts, res.Duration)

			if c.archiver.Enabled() {
				if _, err := c.archiver.SavePage(gctx, runID, urlLabel(u), res.Body); err != nil {
					log.Warn("snapshot failed", zap.String("url", u), zap.Error(err))
				}
			}

			rec, err := parser.ParseDetailPage(res.Body, res.URL)
			if err != nil {
				log.Warn("detail page unparseable", zap.String("url", u), zap.Error(err))
				return nil
			}
			book := buildBook(rec)
			results[i] = &book
			return nil
		})
	}
	_ = g.Wait()

	books := make([]catalog.Book, 0, len(urls))
	for _, b := range results {
		if b != nil {
			books = append(books, *b)
		}
	}
	return books
}

// commitPage evaluates and persists one page's candidates. The lease is
// verified before any commit so a run that lost its lock stops writing.
func (c *Coordinator) commitPage(ctx context.Context, log *zap.Logger, runID string,
	candidates []catalog.Book, acc *accumulator, summary *Summary) error {
	if len(candidates) == 0 {
		return nil
	}

	held, err := c.lease.Held(ctx, runID)
	if err != nil {
		return fmt.Errorf("verify crawl lock: %w", err)
	}
	if !held {
		return fmt.Errorf("crawl lock lost before commit")
	}

	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("crawl canceled during commit: %w", err)
		}

		acc.markSeen(candidate.SourceURL)
		summary.BooksSeen++

		current, err := c.gateway.FindBySourceURL(ctx, candidate.SourceURL)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			if acc.storageFailure() >= maxConsecutiveStorageFailures {
				return fmt.Errorf("aborting after %d consecutive storage failures: %w",
					maxConsecutiveStorageFailures, err)
			}
			log.Warn("lookup failed, entity skipped", zap.String("source_url", candidate.SourceURL), zap.Error(err))
			continue
		}

		decision, err := c.detector.Evaluate(candidate, current)
		if err != nil {
			// Hash/diff disagreement is an internal bug; fail loudly.
			return fmt.Errorf("change detection for %s: %w", candidate.SourceURL, err)
		}
		metrics.ObserveDecision(string(decision.Kind))

		res, err := c.gateway.Apply(ctx, decision)
		if err != nil {
			if acc.storageFailure() >= maxConsecutiveStorageFailures {
				return fmt.Errorf("aborting after %d consecutive storage failures: %w",
					maxConsecutiveStorageFailures, err)
			}
			log.Warn("commit failed, entity skipped", zap.String("source_url", candidate.SourceURL), zap.Error(err))
			continue
		}
		acc.storageSuccess()
		c.tally(res, summary)
		c.publishEvents(ctx, log, decision, res)
	}
	return nil
}

// deletionPass soft-deletes active books the traversal never saw. Only
// full crawls reach here.
func (c *Coordinator) deletionPass(ctx context.Context, log *zap.Logger, runID string,
	acc *accumulator, summary *Summary) error {
	held, err := c.lease.Held(ctx, runID)
	if err != nil {
		return fmt.Errorf("verify crawl lock: %w", err)
	}
	if !held {
		return fmt.Errorf("crawl lock lost before deletion pass")
	}

	active, err := c.gateway.ActiveSourceURLs(ctx)
	if err != nil {
		return fmt.Errorf("list active books: %w", err)
	}

	for _, sourceURL := range active {
		if acc.seen(sourceURL) {
			continue
		}
		current, err := c.gateway.FindBySourceURL(ctx, sourceURL)
		if err != nil {
			log.Warn("deletion lookup failed", zap.String("source_url", sourceURL), zap.Error(err))
			continue
		}
		decision := c.detector.Deleted(*current)
		metrics.ObserveDecision(string(decision.Kind))

		res, err := c.gateway.Apply(ctx, decision)
		if err != nil {
			if acc.storageFailure() >= maxConsecutiveStorageFailures {
				return fmt.Errorf("aborting after %d consecutive storage failures: %w",
					maxConsecutiveStorageFailures, err)
			}
			log.Warn("deletion commit failed", zap.String("source_url", sourceURL), zap.Error(err))
			continue
		}
		acc.storageSuccess()
		c.tally(res, summary)
		c.publishEvents(ctx, log, decision, res)
	}
	return nil
}

func (c *Coordinator) tally(res store.ApplyResult, summary *Summary) {
	switch {
	case res.Created:
		summary.Created++
	case res.Deleted:
		summary.Deleted++
	case res.Updated:
		summary.Updated++
	default:
		summary.Unchanged++
	}
	summary.Events += res.EventsWritten
}

// publishEvents notifies downstream consumers about committed changes.
// Delivery is best-effort; a broker outage never fails the run.
func (c *Coordinator) publishEvents(ctx context.Context, log *zap.Logger, d catalog.Decision, res store.ApplyResult) {
	if res.EventsWritten == 0 {
		return
	}
	events := d.Events
	if len(events) == 0 {
		// Create and Deleted synthesize their single lifecycle event at
		// commit time; reconstruct it for the notification.
		ev := catalog.ChangeEvent{BookID: res.BookID, ChangedAt: c.clk.Now()}
		switch {
		case res.Created:
			ev.SourceURL = d.Candidate.SourceURL
			ev.ChangeType = catalog.ChangeTypeNew
			ev.Description = fmt.Sprintf("New book discovered: %s", d.Candidate.Name)
		case res.Deleted:
			ev.SourceURL = d.Current.SourceURL
			ev.ChangeType = catalog.ChangeTypeDeleted
			ev.Description = fmt.Sprintf("Book no longer listed: %s", d.Current.Name)
		default:
			return
		}
		events = []catalog.ChangeEvent{ev}
	}
	for _, ev := range events {
		ev.BookID = res.BookID
		if _, err := c.notifier.Publish(ctx, ev); err != nil {
			log.Warn("change notification failed", zap.String("book_id", ev.BookID), zap.Error(err))
			continue
		}
		metrics.ObserveChangeEvents(string(ev.ChangeType), 1)
	}
}

func (c *Coordinator) listPageURL(page int) string {
	base := strings.TrimSuffix(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/catalogue/page-%d.html", base, page)
}

// urlLabel derives a stable, filesystem-safe snapshot name from a URL.
func urlLabel(u string) string {
	sum := sha256.Sum256([]byte(u))
	return hex.EncodeToString(sum[:6])
}

// accumulator carries per-run state: the seen-set for the deletion pass
// and the consecutive storage failure counter.
type accumulator struct {
	mu          sync.Mutex
	seenURLs    map[string]struct{}
	consecutive int
}

func newAccumulator() *accumulator {
	return &accumulator{seenURLs: make(map[string]struct{})}
}

func (a *accumulator) markSeen(sourceURL string) {
	a.mu.Lock()
	a.seenURLs[sourceURL] = struct{}{}
	a.mu.Unlock()
}

func (a *accumulator) seen(sourceURL string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seenURLs[sourceURL]
	return ok
}

func (a *accumulator) storageFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.consecutive++
	return a.consecutive
}

func (a *accumulator) storageSuccess() {
	a.mu.Lock()
	a.consecutive = 0
	a.mu.Unlock()
}
