// Package lock provides the crawl lease: a named, expiring, single-holder
// lock with Redis, Postgres, and in-process backends. At most one crawl
// run holds the lease at a time; an expired lease is free for the taking,
// so a crashed holder never wedges the system.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyHeld is returned by Acquire when another owner holds an
	// unexpired lease.
	ErrAlreadyHeld = errors.New("lock already held")
	// ErrNotHeld is returned by Renew when the caller no longer owns the
	// lease (it expired or was taken over).
	ErrNotHeld = errors.New("lock not held")
)

// Lease is a named distributed lock with an expiry.
//
// Acquire is an atomic test-and-set: it succeeds only when the lease is
// free, expired, or already owned by the same owner. Release is
// idempotent; releasing a lease that expired or changed hands is not an
// error.
type Lease interface {
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	Renew(ctx context.Context, owner string, ttl time.Duration) error
	Release(ctx context.Context, owner string) error
	// Held reports whether the given owner currently holds an unexpired
	// lease. The coordinator checks this before committing results.
	Held(ctx context.Context, owner string) (bool, error)
}
