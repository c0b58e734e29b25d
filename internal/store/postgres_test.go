package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/catalog"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newMockGateway(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clk := fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewPostgresWithPool(mock, clk, zap.NewNop()), mock
}

func sampleBook() catalog.Book {
	b := catalog.Book{
		SourceURL:    "https://books.toscrape.com/catalogue/a-light-in-the-attic_1000/index.html",
		Name:         "A Light in the Attic",
		Category:     "Poetry",
		PriceExclTax: 51.77,
		PriceInclTax: 51.77,
		Availability: "In stock (22 available)",
		InStock:      true,
		NumReviews:   0,
		Rating:       3,
	}
	b.ContentHash = catalog.ContentHash(b)
	return b
}

func TestApplyCreate_InsertsBookAndLifecycleEvent(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO books").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).
			AddRow("book-1", true))
	mock.ExpectExec("INSERT INTO change_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:      catalog.DecisionCreate,
		Candidate: sampleBook(),
	})
	require.NoError(t, err)
	assert.Equal(t, "book-1", res.BookID)
	assert.True(t, res.Created)
	assert.False(t, res.Updated)
	assert.Equal(t, 1, res.EventsWritten)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyCreate_RaceDowngradesToUpdate(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	// A concurrent writer inserted the same source_url first; the upsert
	// lands as an update and no lifecycle event is fabricated.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO books").
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).
			AddRow("book-1", false))
	mock.ExpectCommit()

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:      catalog.DecisionCreate,
		Candidate: sampleBook(),
	})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.True(t, res.Updated)
	assert.Zero(t, res.EventsWritten)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdate_WritesBookAndEventsInOneTx(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	current := sampleBook()
	current.ID = "book-1"
	candidate := sampleBook()
	candidate.PriceInclTax = 45.00
	candidate.Rating = 4
	candidate.ContentHash = catalog.ContentHash(candidate)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE books SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO change_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO change_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:      catalog.DecisionUpdate,
		Candidate: candidate,
		Current:   &current,
		Events: []catalog.ChangeEvent{
			{ChangeType: catalog.ChangeTypeUpdate, FieldChanged: "price_incl_tax", OldValue: 51.77, NewValue: 45.00},
			{ChangeType: catalog.ChangeTypeUpdate, FieldChanged: "rating", OldValue: 3, NewValue: 4},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.Equal(t, 2, res.EventsWritten)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyUpdate_EventFailureRollsBackBookWrite(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	current := sampleBook()
	current.ID = "book-1"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE books SET").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO change_events").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:      catalog.DecisionUpdate,
		Candidate: sampleBook(),
		Current:   &current,
		Events: []catalog.ChangeEvent{
			{ChangeType: catalog.ChangeTypeUpdate, FieldChanged: "rating", OldValue: 3, NewValue: 4},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert change event")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDelete_SoftDeletesAndRecordsEvent(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	current := sampleBook()
	current.ID = "book-1"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE books SET deleted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO change_events").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:    catalog.DecisionDeleted,
		Current: &current,
	})
	require.NoError(t, err)
	assert.True(t, res.Deleted)
	assert.Equal(t, 1, res.EventsWritten)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyDelete_AlreadyDeletedIsNoOp(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	current := sampleBook()
	current.ID = "book-1"

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE books SET deleted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectCommit()

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:    catalog.DecisionDeleted,
		Current: &current,
	})
	require.NoError(t, err)
	assert.False(t, res.Deleted)
	assert.Zero(t, res.EventsWritten)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyNoOp_TouchesNothing(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	current := sampleBook()
	current.ID = "book-1"

	res, err := gw.Apply(context.Background(), catalog.Decision{
		Kind:    catalog.DecisionNoOp,
		Current: &current,
	})
	require.NoError(t, err)
	assert.Equal(t, "book-1", res.BookID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBook_NotFound(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	mock.ExpectQuery("SELECT (.+) FROM books WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := gw.GetBook(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBooks_AppliesFiltersAndSort(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM books").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM books WHERE NOT deleted AND category").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "source_url", "name", "description", "category",
			"price_excl_tax", "price_incl_tax", "availability", "in_stock", "num_reviews",
			"rating", "image_url", "content_hash", "deleted", "deleted_at",
			"first_seen_at", "updated_at",
		}).AddRow(
			"book-1", "https://example.test/b1", "A Light in the Attic", "", "Poetry",
			51.77, 51.77, "In stock (22 available)", true, 0,
			3, "", "abc", false, (*time.Time)(nil),
			now, now,
		))

	books, total, err := gw.ListBooks(context.Background(), BookFilter{
		Category: "Poetry",
		Sort:     "-price_incl_tax",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, books, 1)
	assert.Equal(t, "A Light in the Attic", books[0].Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListBooks_RejectsUnknownSortField(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM books").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))

	_, _, err := gw.ListBooks(context.Background(), BookFilter{Sort: "id; DROP TABLE books"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sort field")
}

func TestChangeHistory_ScansEvents(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT (.+) FROM change_events WHERE book_id").
		WithArgs("book-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "book_id", "source_url", "change_type", "field_changed",
			"old_value", "new_value", "description", "changed_at",
		}).AddRow(
			"ev-1", "book-1", "https://example.test/b1", "update", ptr("price_incl_tax"),
			[]byte("51.77"), []byte("45"), "Price decreased by £6.77 (from £51.77 to £45.00)", now,
		).AddRow(
			"ev-0", "book-1", "https://example.test/b1", "new", (*string)(nil),
			[]byte(nil), []byte(nil), "New book discovered: A Light in the Attic", now.Add(-time.Hour),
		))

	events, err := gw.ChangeHistory(context.Background(), "book-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, catalog.ChangeTypeUpdate, events[0].ChangeType)
	assert.Equal(t, "price_incl_tax", events[0].FieldChanged)
	assert.Equal(t, 51.77, events[0].OldValue)
	assert.Equal(t, catalog.ChangeTypeNew, events[1].ChangeType)
	assert.Empty(t, events[1].FieldChanged)
	assert.Nil(t, events[1].OldValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveSourceURLs(t *testing.T) {
	t.Parallel()
	gw, mock := newMockGateway(t)

	mock.ExpectQuery("SELECT source_url FROM books WHERE NOT deleted").
		WillReturnRows(pgxmock.NewRows([]string{"source_url"}).
			AddRow("https://example.test/b1").
			AddRow("https://example.test/b2"))

	urls, err := gw.ActiveSourceURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.test/b1", "https://example.test/b2"}, urls)
}

func ptr[T any](v T) *T { return &v }
