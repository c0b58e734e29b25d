package lock

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stoppedClock struct{ t time.Time }

func (c stoppedClock) Now() time.Time { return c.t }

func newPostgresLease(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	clk := stoppedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewPostgres(mock, "crawl", clk, nil), mock
}

func TestPostgresLease_AcquireFree(t *testing.T) {
	t.Parallel()
	lease, mock := newPostgresLease(t)

	mock.ExpectExec("INSERT INTO crawl_locks").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, lease.Acquire(context.Background(), "run-a", time.Minute))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLease_AcquireHeldByOther(t *testing.T) {
	t.Parallel()
	lease, mock := newPostgresLease(t)

	// The conflict update's WHERE clause rejected the takeover.
	mock.ExpectExec("INSERT INTO crawl_locks").
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := lease.Acquire(context.Background(), "run-b", time.Minute)
	assert.ErrorIs(t, err, ErrAlreadyHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLease_RenewNotOwner(t *testing.T) {
	t.Parallel()
	lease, mock := newPostgresLease(t)

	mock.ExpectExec("UPDATE crawl_locks SET expires_at").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := lease.Renew(context.Background(), "run-b", time.Minute)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLease_ReleaseIdempotent(t *testing.T) {
	t.Parallel()
	lease, mock := newPostgresLease(t)

	mock.ExpectExec("DELETE FROM crawl_locks").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM crawl_locks").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	require.NoError(t, lease.Release(context.Background(), "run-a"))
	require.NoError(t, lease.Release(context.Background(), "run-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLease_Held(t *testing.T) {
	t.Parallel()
	lease, mock := newPostgresLease(t)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	held, err := lease.Held(context.Background(), "run-a")
	require.NoError(t, err)
	assert.True(t, held)
	assert.NoError(t, mock.ExpectationsWereMet())
}
