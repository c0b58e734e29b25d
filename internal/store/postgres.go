package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/catalog"
	"github.com/bookwatch/bookwatch/internal/clock"
)

// DB is the subset of pgxpool.Pool the gateway uses. Declared as an
// interface so tests can substitute a pgxmock pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresConfig controls the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Postgres implements Gateway on top of pgx.
type Postgres struct {
	pool   DB
	clk    clock.Clock
	logger *zap.Logger
}

// NewPostgres connects a pool and returns the gateway.
func NewPostgres(ctx context.Context, cfg PostgresConfig, clk clock.Clock, logger *zap.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresWithPool(pool, clk, logger), nil
}

// NewPostgresWithPool constructs a gateway from an existing pool
// (primarily for testing).
func NewPostgresWithPool(pool DB, clk clock.Clock, logger *zap.Logger) *Postgres {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, clk: clk, logger: logger}
}

// Close releases the underlying pool.
func (s *Postgres) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const bookColumns = `id, source_url, name, description, category,
price_excl_tax, price_incl_tax, availability, in_stock, num_reviews,
rating, image_url, content_hash, deleted, deleted_at, first_seen_at, updated_at`

const upsertBookSQL = `
INSERT INTO books (
	id, source_url, name, description, category,
	price_excl_tax, price_incl_tax, availability, in_stock, num_reviews,
	rating, image_url, content_hash, deleted, first_seen_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,FALSE,$14,$14)
ON CONFLICT (source_url) DO UPDATE SET
	name = EXCLUDED.name,
	description = EXCLUDED.description,
	category = EXCLUDED.category,
	price_excl_tax = EXCLUDED.price_excl_tax,
	price_incl_tax = EXCLUDED.price_incl_tax,
	availability = EXCLUDED.availability,
	in_stock = EXCLUDED.in_stock,
	num_reviews = EXCLUDED.num_reviews,
	rating = EXCLUDED.rating,
	image_url = EXCLUDED.image_url,
	content_hash = EXCLUDED.content_hash,
	deleted = FALSE,
	deleted_at = NULL,
	updated_at = EXCLUDED.updated_at
RETURNING id, (xmax = 0) AS inserted`

const updateBookSQL = `
UPDATE books SET
	name = $2,
	description = $3,
	category = $4,
	price_excl_tax = $5,
	price_incl_tax = $6,
	availability = $7,
	in_stock = $8,
	num_reviews = $9,
	rating = $10,
	image_url = $11,
	content_hash = $12,
	deleted = FALSE,
	deleted_at = NULL,
	updated_at = $13
WHERE id = $1`

const softDeleteBookSQL = `
UPDATE books SET deleted = TRUE, deleted_at = $2, updated_at = $2
WHERE id = $1 AND NOT deleted`

const insertEventSQL = `
INSERT INTO change_events (
	id, book_id, source_url, change_type, field_changed,
	old_value, new_value, description, changed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

// Apply commits one decision atomically.
func (s *Postgres) Apply(ctx context.Context, d catalog.Decision) (ApplyResult, error) {
	switch d.Kind {
	case catalog.DecisionNoOp:
		return ApplyResult{BookID: currentID(d)}, nil
	case catalog.DecisionCreate:
		return s.applyCreate(ctx, d)
	case catalog.DecisionUpdate:
		return s.applyUpdate(ctx, d)
	case catalog.DecisionDeleted:
		return s.applyDelete(ctx, d)
	default:
		return ApplyResult{}, fmt.Errorf("apply: unknown decision kind %q", d.Kind)
	}
}

func currentID(d catalog.Decision) string {
	if d.Current != nil {
		return d.Current.ID
	}
	return ""
}

func (s *Postgres) applyCreate(ctx context.Context, d catalog.Decision) (ApplyResult, error) {
	now := s.clk.Now()
	b := d.Candidate
	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin create tx: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	var (
		bookID   string
		inserted bool
	)
	err = tx.QueryRow(ctx, upsertBookSQL,
		id, b.SourceURL, b.Name, b.Description, b.Category,
		b.PriceExclTax, b.PriceInclTax, b.Availability, b.InStock, b.NumReviews,
		b.Rating, b.ImageURL, b.ContentHash, now,
	).Scan(&bookID, &inserted)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("upsert book: %w", err)
	}

	result := ApplyResult{BookID: bookID, Created: inserted, Updated: !inserted}
	if inserted {
		ev := catalog.ChangeEvent{
			BookID:      bookID,
			SourceURL:   b.SourceURL,
			ChangeType:  catalog.ChangeTypeNew,
			Description: fmt.Sprintf("New book discovered: %s", b.Name),
		}
		if err := s.insertEvent(ctx, tx, ev, now); err != nil {
			return ApplyResult{}, err
		}
		result.EventsWritten = 1
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("commit create tx: %w", err)
	}
	return result, nil
}

func (s *Postgres) applyUpdate(ctx context.Context, d catalog.Decision) (ApplyResult, error) {
	if d.Current == nil || d.Current.ID == "" {
		return ApplyResult{}, fmt.Errorf("apply update: decision has no current book")
	}
	now := s.clk.Now()
	b := d.Candidate

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin update tx: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	if _, err := tx.Exec(ctx, updateBookSQL,
		d.Current.ID, b.Name, b.Description, b.Category,
		b.PriceExclTax, b.PriceInclTax, b.Availability, b.InStock, b.NumReviews,
		b.Rating, b.ImageURL, b.ContentHash, now,
	); err != nil {
		return ApplyResult{}, fmt.Errorf("update book: %w", err)
	}

	for _, ev := range d.Events {
		ev.BookID = d.Current.ID
		ev.SourceURL = d.Current.SourceURL
		if err := s.insertEvent(ctx, tx, ev, now); err != nil {
			return ApplyResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("commit update tx: %w", err)
	}
	return ApplyResult{BookID: d.Current.ID, Updated: true, EventsWritten: len(d.Events)}, nil
}

func (s *Postgres) applyDelete(ctx context.Context, d catalog.Decision) (ApplyResult, error) {
	if d.Current == nil || d.Current.ID == "" {
		return ApplyResult{}, fmt.Errorf("apply delete: decision has no current book")
	}
	now := s.clk.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("begin delete tx: %w", err)
	}
	defer rollback(ctx, tx, s.logger)

	tag, err := tx.Exec(ctx, softDeleteBookSQL, d.Current.ID, now)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("soft delete book: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already deleted by another writer; nothing to record.
		if err := tx.Commit(ctx); err != nil {
			return ApplyResult{}, fmt.Errorf("commit delete tx: %w", err)
		}
		return ApplyResult{BookID: d.Current.ID}, nil
	}

	ev := catalog.ChangeEvent{
		BookID:      d.Current.ID,
		SourceURL:   d.Current.SourceURL,
		ChangeType:  catalog.ChangeTypeDeleted,
		Description: fmt.Sprintf("Book no longer listed: %s", d.Current.Name),
	}
	if err := s.insertEvent(ctx, tx, ev, now); err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("commit delete tx: %w", err)
	}
	return ApplyResult{BookID: d.Current.ID, Deleted: true, EventsWritten: 1}, nil
}

func (s *Postgres) insertEvent(ctx context.Context, tx pgx.Tx, ev catalog.ChangeEvent, now time.Time) error {
	oldJSON, err := marshalScalar(ev.OldValue)
	if err != nil {
		return fmt.Errorf("marshal old value: %w", err)
	}
	newJSON, err := marshalScalar(ev.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	var field any
	if ev.FieldChanged != "" {
		field = ev.FieldChanged
	}
	if _, err := tx.Exec(ctx, insertEventSQL,
		uuid.NewString(), ev.BookID, ev.SourceURL, string(ev.ChangeType), field,
		oldJSON, newJSON, ev.Description, now,
	); err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

func marshalScalar(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func rollback(ctx context.Context, tx pgx.Tx, logger *zap.Logger) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		logger.Warn("tx rollback failed", zap.Error(err))
	}
}

// FindBySourceURL returns the book with the given external key, including
// soft-deleted rows so a reappearing URL revives its original entity.
func (s *Postgres) FindBySourceURL(ctx context.Context, sourceURL string) (*catalog.Book, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bookColumns+` FROM books WHERE source_url = $1`, sourceURL)
	return scanBook(row)
}

// GetBook returns the book with the given surrogate key.
func (s *Postgres) GetBook(ctx context.Context, id string) (*catalog.Book, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	return scanBook(row)
}

var bookSortColumns = map[string]string{
	"name":           "name",
	"category":       "category",
	"rating":         "rating",
	"price_incl_tax": "price_incl_tax",
	"num_reviews":    "num_reviews",
	"updated_at":     "updated_at",
}

// ListBooks returns a filtered, sorted page of live books plus the total
// count matching the filter.
func (s *Postgres) ListBooks(ctx context.Context, f BookFilter) ([]catalog.Book, int, error) {
	where := []string{"NOT deleted"}
	args := []any{}

	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.MinRating > 0 {
		add("rating >= $%d", f.MinRating)
	}
	if f.MinPrice > 0 {
		add("price_incl_tax >= $%d", f.MinPrice)
	}
	if f.MaxPrice > 0 {
		add("price_incl_tax <= $%d", f.MaxPrice)
	}
	if f.InStock != nil {
		add("in_stock = $%d", *f.InStock)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM books WHERE `+whereSQL, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count books: %w", err)
	}

	orderSQL, err := orderClause(f.Sort)
	if err != nil {
		return nil, 0, err
	}
	page, pageSize := NormalizePage(f.Page, f.PageSize)
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(`SELECT %s FROM books WHERE %s %s LIMIT $%d OFFSET $%d`,
		bookColumns, whereSQL, orderSQL, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []catalog.Book
	for rows.Next() {
		b, err := scanBookValues(rows)
		if err != nil {
			return nil, 0, err
		}
		books = append(books, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate books: %w", err)
	}
	return books, total, nil
}

func orderClause(sort string) (string, error) {
	if sort == "" {
		return "ORDER BY updated_at DESC", nil
	}
	dir := "ASC"
	col := sort
	if strings.HasPrefix(sort, "-") {
		dir = "DESC"
		col = sort[1:]
	}
	dbCol, ok := bookSortColumns[col]
	if !ok {
		return "", fmt.Errorf("unsupported sort field %q", col)
	}
	return fmt.Sprintf("ORDER BY %s %s", dbCol, dir), nil
}

const eventColumns = `id, book_id, source_url, change_type, field_changed,
old_value, new_value, description, changed_at`

// ListChangeEvents returns a filtered page of the audit log, newest first,
// plus the total count matching the filter.
func (s *Postgres) ListChangeEvents(ctx context.Context, f ChangeFilter) ([]catalog.ChangeEvent, int, error) {
	where := []string{"TRUE"}
	args := []any{}
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.BookID != "" {
		add("book_id = $%d", f.BookID)
	}
	if f.ChangeType != "" {
		add("change_type = $%d", string(f.ChangeType))
	}
	if f.Since != nil {
		add("changed_at >= $%d", *f.Since)
	}
	if f.Until != nil {
		add("changed_at < $%d", *f.Until)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM change_events WHERE `+whereSQL, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count change events: %w", err)
	}

	page, pageSize := NormalizePage(f.Page, f.PageSize)
	args = append(args, pageSize, (page-1)*pageSize)
	query := fmt.Sprintf(
		`SELECT %s FROM change_events WHERE %s ORDER BY changed_at DESC LIMIT $%d OFFSET $%d`,
		eventColumns, whereSQL, len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list change events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// ChangeHistory returns the complete audit trail for one book, newest first.
func (s *Postgres) ChangeHistory(ctx context.Context, bookID string) ([]catalog.ChangeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM change_events WHERE book_id = $1 ORDER BY changed_at DESC`,
		bookID)
	if err != nil {
		return nil, fmt.Errorf("change history: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ActiveSourceURLs returns external keys of all live books.
func (s *Postgres) ActiveSourceURLs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT source_url FROM books WHERE NOT deleted`)
	if err != nil {
		return nil, fmt.Errorf("active source urls: %w", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan source url: %w", err)
		}
		urls = append(urls, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source urls: %w", err)
	}
	return urls, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (*catalog.Book, error) {
	b, err := scanBookValues(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func scanBookValues(row scanner) (*catalog.Book, error) {
	var b catalog.Book
	err := row.Scan(
		&b.ID, &b.SourceURL, &b.Name, &b.Description, &b.Category,
		&b.PriceExclTax, &b.PriceInclTax, &b.Availability, &b.InStock, &b.NumReviews,
		&b.Rating, &b.ImageURL, &b.ContentHash, &b.Deleted, &b.DeletedAt,
		&b.FirstSeenAt, &b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan book: %w", err)
	}
	return &b, nil
}

func scanEvents(rows pgx.Rows) ([]catalog.ChangeEvent, error) {
	var events []catalog.ChangeEvent
	for rows.Next() {
		var (
			ev               catalog.ChangeEvent
			field            *string
			oldJSON, newJSON []byte
			changeType       string
		)
		if err := rows.Scan(
			&ev.ID, &ev.BookID, &ev.SourceURL, &changeType, &field,
			&oldJSON, &newJSON, &ev.Description, &ev.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("scan change event: %w", err)
		}
		ev.ChangeType = catalog.ChangeType(changeType)
		if field != nil {
			ev.FieldChanged = *field
		}
		if err := unmarshalScalar(oldJSON, &ev.OldValue); err != nil {
			return nil, err
		}
		if err := unmarshalScalar(newJSON, &ev.NewValue); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change events: %w", err)
	}
	return events, nil
}

func unmarshalScalar(data []byte, dst *any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal event value: %w", err)
	}
	return nil
}
