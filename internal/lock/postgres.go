package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/bookwatch/bookwatch/internal/clock"
)

// DB is the slice of pgxpool.Pool the lock uses; pgxmock satisfies it too.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres implements Lease as a single compare-and-swap row in the
// crawl_locks table, for deployments that have no Redis.
type Postgres struct {
	db     DB
	name   string
	clk    clock.Clock
	logger *zap.Logger
}

// NewPostgres creates a lease stored under the given name.
func NewPostgres(db DB, name string, clk clock.Clock, logger *zap.Logger) *Postgres {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, name: name, clk: clk, logger: logger}
}

var _ Lease = (*Postgres)(nil)

// The WHERE clause on the conflict update makes acquisition atomic: the
// row only changes hands when the incumbent lease expired or the caller
// already owns it. Zero rows affected means someone else holds it.
const acquireLockSQL = `
INSERT INTO crawl_locks (name, owner, expires_at) VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE crawl_locks.owner = EXCLUDED.owner OR crawl_locks.expires_at <= $4`

func (l *Postgres) Acquire(ctx context.Context, owner string, ttl time.Duration) error {
	now := l.clk.Now()
	tag, err := l.db.Exec(ctx, acquireLockSQL, l.name, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyHeld
	}
	l.logger.Debug("lock acquired", zap.String("name", l.name), zap.String("owner", owner))
	return nil
}

const renewLockSQL = `
UPDATE crawl_locks SET expires_at = $3
WHERE name = $1 AND owner = $2 AND expires_at > $4`

func (l *Postgres) Renew(ctx context.Context, owner string, ttl time.Duration) error {
	now := l.clk.Now()
	tag, err := l.db.Exec(ctx, renewLockSQL, l.name, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("renew lock %s: %w", l.name, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

const releaseLockSQL = `DELETE FROM crawl_locks WHERE name = $1 AND owner = $2`

func (l *Postgres) Release(ctx context.Context, owner string) error {
	tag, err := l.db.Exec(ctx, releaseLockSQL, l.name, owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	if tag.RowsAffected() == 0 {
		l.logger.Debug("release on stale lock", zap.String("name", l.name), zap.String("owner", owner))
	}
	return nil
}

const heldLockSQL = `
SELECT EXISTS (
	SELECT 1 FROM crawl_locks WHERE name = $1 AND owner = $2 AND expires_at > $3
)`

func (l *Postgres) Held(ctx context.Context, owner string) (bool, error) {
	var held bool
	if err := l.db.QueryRow(ctx, heldLockSQL, l.name, owner, l.clk.Now()).Scan(&held); err != nil {
		return false, fmt.Errorf("check lock %s: %w", l.name, err)
	}
	return held, nil
}
