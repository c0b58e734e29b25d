// Package store defines the persistence gateway for books and their
// change-event audit trail. Every write is transactional: an entity
// mutation and its change events commit together or not at all.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bookwatch/bookwatch/internal/catalog"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ApplyResult summarizes what one Apply call persisted.
type ApplyResult struct {
	BookID        string
	Created       bool
	Updated       bool
	Deleted       bool
	EventsWritten int
}

// BookFilter narrows and pages ListBooks results.
type BookFilter struct {
	Category  string
	MinRating int
	MinPrice  float64
	MaxPrice  float64
	InStock   *bool
	// Sort is a field name, prefixed with "-" for descending. Allowed:
	// name, category, rating, price_incl_tax, num_reviews, updated_at.
	Sort     string
	Page     int
	PageSize int
}

// ChangeFilter narrows and pages ListChangeEvents results.
type ChangeFilter struct {
	BookID     string
	ChangeType catalog.ChangeType
	Since      *time.Time
	Until      *time.Time
	Page       int
	PageSize   int
}

// Gateway persists books and change events and serves the read side.
// Writes go through Apply exclusively; all other methods are read-only.
type Gateway interface {
	// Apply commits one detector decision atomically. Create decisions
	// hitting an existing source URL (a race with a concurrent writer)
	// are downgraded to an update of the row instead of duplicating it.
	// NoOp decisions return a zero ApplyResult without touching storage.
	Apply(ctx context.Context, d catalog.Decision) (ApplyResult, error)

	FindBySourceURL(ctx context.Context, sourceURL string) (*catalog.Book, error)
	GetBook(ctx context.Context, id string) (*catalog.Book, error)
	ListBooks(ctx context.Context, f BookFilter) ([]catalog.Book, int, error)
	ListChangeEvents(ctx context.Context, f ChangeFilter) ([]catalog.ChangeEvent, int, error)
	ChangeHistory(ctx context.Context, bookID string) ([]catalog.ChangeEvent, error)

	// ActiveSourceURLs returns the external keys of all live (not
	// soft-deleted) books, for the coordinator's deletion pass.
	ActiveSourceURLs(ctx context.Context) ([]string, error)

	Close()
}

// NormalizePage clamps paging inputs to sane bounds (default and max
// page size 50 and 200).
func NormalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	return page, pageSize
}
