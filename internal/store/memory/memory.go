// Package memory provides an in-process Gateway implementation used by
// development mode and by tests that exercise the crawl loop end to end.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/clock"
	"github.com/bookwatch/bookwatch/internal/store"
)

// Gateway keeps books and change events in maps guarded by one mutex.
// Apply holds the lock for its whole body, which gives the same
// atomicity the SQL gateway gets from a transaction.
type Gateway struct {
	mu       sync.Mutex
	clk      clock.Clock
	books    map[string]*catalog.Book // keyed by ID
	bySource map[string]string        // source_url -> ID
	events   []catalog.ChangeEvent

	// FailApply forces the next N Apply calls to fail, for exercising
	// the coordinator's persistence-failure handling.
	FailApply int
}

// New creates an empty in-memory gateway.
func New(clk clock.Clock) *Gateway {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Gateway{
		clk:      clk,
		books:    make(map[string]*catalog.Book),
		bySource: make(map[string]string),
	}
}

var _ store.Gateway = (*Gateway)(nil)

// Apply commits one decision. Create on an existing source_url is
// downgraded to an update, mirroring the SQL upsert.
func (g *Gateway) Apply(_ context.Context, d catalog.Decision) (store.ApplyResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.FailApply > 0 {
		g.FailApply--
		return store.ApplyResult{}, fmt.Errorf("apply: storage unavailable")
	}

	now := g.clk.Now()
	switch d.Kind {
	case catalog.DecisionNoOp:
		res := store.ApplyResult{}
		if d.Current != nil {
			res.BookID = d.Current.ID
		}
		return res, nil

	case catalog.DecisionCreate:
		b := d.Candidate
		if id, ok := g.bySource[b.SourceURL]; ok {
			existing := g.books[id]
			b.ID = id
			b.FirstSeenAt = existing.FirstSeenAt
			b.UpdatedAt = now
			g.books[id] = &b
			return store.ApplyResult{BookID: id, Updated: true}, nil
		}
		b.ID = uuid.NewString()
		b.FirstSeenAt = now
		b.UpdatedAt = now
		g.books[b.ID] = &b
		g.bySource[b.SourceURL] = b.ID
		g.appendEvent(catalog.ChangeEvent{
			BookID:      b.ID,
			SourceURL:   b.SourceURL,
			ChangeType:  catalog.ChangeTypeNew,
			Description: fmt.Sprintf("New book discovered: %s", b.Name),
		})
		return store.ApplyResult{BookID: b.ID, Created: true, EventsWritten: 1}, nil

	case catalog.DecisionUpdate:
		if d.Current == nil {
			return store.ApplyResult{}, fmt.Errorf("apply update: decision has no current book")
		}
		existing, ok := g.books[d.Current.ID]
		if !ok {
			return store.ApplyResult{}, store.ErrNotFound
		}
		b := d.Candidate
		b.ID = existing.ID
		b.FirstSeenAt = existing.FirstSeenAt
		b.UpdatedAt = now
		b.Deleted = false
		b.DeletedAt = nil
		g.books[b.ID] = &b
		for _, ev := range d.Events {
			ev.BookID = b.ID
			ev.SourceURL = b.SourceURL
			g.appendEvent(ev)
		}
		return store.ApplyResult{BookID: b.ID, Updated: true, EventsWritten: len(d.Events)}, nil

	case catalog.DecisionDeleted:
		if d.Current == nil {
			return store.ApplyResult{}, fmt.Errorf("apply delete: decision has no current book")
		}
		existing, ok := g.books[d.Current.ID]
		if !ok || existing.Deleted {
			return store.ApplyResult{BookID: d.Current.ID}, nil
		}
		existing.Deleted = true
		t := now
		existing.DeletedAt = &t
		existing.UpdatedAt = now
		g.appendEvent(catalog.ChangeEvent{
			BookID:      existing.ID,
			SourceURL:   existing.SourceURL,
			ChangeType:  catalog.ChangeTypeDeleted,
			Description: fmt.Sprintf("Book no longer listed: %s", existing.Name),
		})
		return store.ApplyResult{BookID: existing.ID, Deleted: true, EventsWritten: 1}, nil

	default:
		return store.ApplyResult{}, fmt.Errorf("apply: unknown decision kind %q", d.Kind)
	}
}

func (g *Gateway) appendEvent(ev catalog.ChangeEvent) {
	ev.ID = uuid.NewString()
	ev.ChangedAt = g.clk.Now()
	g.events = append(g.events, ev)
}

// FindBySourceURL returns the book with the given external key, including
// soft-deleted rows.
func (g *Gateway) FindBySourceURL(_ context.Context, sourceURL string) (*catalog.Book, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.bySource[sourceURL]
	if !ok {
		return nil, store.ErrNotFound
	}
	b := *g.books[id]
	return &b, nil
}

// GetBook returns the book with the given surrogate key.
func (g *Gateway) GetBook(_ context.Context, id string) (*catalog.Book, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.books[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// ListBooks filters, sorts, and pages live books.
func (g *Gateway) ListBooks(_ context.Context, f store.BookFilter) ([]catalog.Book, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var matched []catalog.Book
	for _, b := range g.books {
		if b.Deleted {
			continue
		}
		if f.Category != "" && b.Category != f.Category {
			continue
		}
		if f.MinRating > 0 && b.Rating < f.MinRating {
			continue
		}
		if f.MinPrice > 0 && b.PriceInclTax < f.MinPrice {
			continue
		}
		if f.MaxPrice > 0 && b.PriceInclTax > f.MaxPrice {
			continue
		}
		if f.InStock != nil && b.InStock != *f.InStock {
			continue
		}
		matched = append(matched, *b)
	}

	if err := sortBooks(matched, f.Sort); err != nil {
		return nil, 0, err
	}
	total := len(matched)
	return pageSlice(matched, f.Page, f.PageSize), total, nil
}

func sortBooks(books []catalog.Book, spec string) error {
	if spec == "" {
		spec = "-updated_at"
	}
	desc := strings.HasPrefix(spec, "-")
	col := strings.TrimPrefix(spec, "-")

	var less func(a, b catalog.Book) bool
	switch col {
	case "name":
		less = func(a, b catalog.Book) bool { return a.Name < b.Name }
	case "category":
		less = func(a, b catalog.Book) bool { return a.Category < b.Category }
	case "rating":
		less = func(a, b catalog.Book) bool { return a.Rating < b.Rating }
	case "price_incl_tax":
		less = func(a, b catalog.Book) bool { return a.PriceInclTax < b.PriceInclTax }
	case "num_reviews":
		less = func(a, b catalog.Book) bool { return a.NumReviews < b.NumReviews }
	case "updated_at":
		less = func(a, b catalog.Book) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	default:
		return fmt.Errorf("unsupported sort field %q", col)
	}
	sort.SliceStable(books, func(i, j int) bool {
		if desc {
			return less(books[j], books[i])
		}
		return less(books[i], books[j])
	})
	return nil
}

// ListChangeEvents filters and pages the audit log, newest first.
func (g *Gateway) ListChangeEvents(_ context.Context, f store.ChangeFilter) ([]catalog.ChangeEvent, int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var matched []catalog.ChangeEvent
	for _, ev := range g.events {
		if f.BookID != "" && ev.BookID != f.BookID {
			continue
		}
		if f.ChangeType != "" && ev.ChangeType != f.ChangeType {
			continue
		}
		if f.Since != nil && ev.ChangedAt.Before(*f.Since) {
			continue
		}
		if f.Until != nil && !ev.ChangedAt.Before(*f.Until) {
			continue
		}
		matched = append(matched, ev)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[j].ChangedAt.Before(matched[i].ChangedAt)
	})
	total := len(matched)
	return pageSlice(matched, f.Page, f.PageSize), total, nil
}

// ChangeHistory returns every event for one book, newest first.
func (g *Gateway) ChangeHistory(ctx context.Context, bookID string) ([]catalog.ChangeEvent, error) {
	events, _, err := g.ListChangeEvents(ctx, store.ChangeFilter{BookID: bookID, PageSize: len(g.events) + 1})
	return events, err
}

// ActiveSourceURLs returns external keys of all live books.
func (g *Gateway) ActiveSourceURLs(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var urls []string
	for _, b := range g.books {
		if !b.Deleted {
			urls = append(urls, b.SourceURL)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

// Close is a no-op.
func (g *Gateway) Close() {}

func pageSlice[T any](items []T, page, pageSize int) []T {
	p, size := store.NormalizePage(page, pageSize)
	start := (p - 1) * size
	if start >= len(items) {
		return nil
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
