package coord

import (
	"context"
	"errors"
	"time"
)

// LeaseID identifies a store-issued lease. The representation is
// backend-specific (etcd uses the hex form of its int64 lease handle,
// redis a generated token); callers treat it as opaque.
type LeaseID string

// ErrUnavailable indicates the store could not be reached or the call
// timed out. Callers treat it as transient and retry on their next tick.
var ErrUnavailable = errors.New("coordination store unavailable")

// ErrLeaseExpired indicates the lease no longer exists on the store.
// Anything bound to it, including a held leader key, is already gone.
var ErrLeaseExpired = errors.New("lease expired or not found")

// Store is the coordination backend: a lease service plus an atomic
// create-if-absent primitive. Creation of a key is the mutual-exclusion
// mechanism; holders never delete the leader key directly, they revoke
// the lease it is bound to.
type Store interface {
	// Grant creates a lease with the given TTL.
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)

	// KeepAlive renews the lease once. A single round-trip bounded by
	// the caller's context; returns ErrLeaseExpired when the lease is
	// gone and ErrUnavailable on transport failure.
	KeepAlive(ctx context.Context, id LeaseID) error

	// Revoke releases the lease and everything bound to it. Best-effort:
	// the TTL is the backstop when this fails.
	Revoke(ctx context.Context, id LeaseID) error

	// TryAcquire atomically creates key with value bound to the lease,
	// only if the key does not exist. Returns acquired=false and the
	// current holder's value when someone else holds it. Never a
	// read-then-write race.
	TryAcquire(ctx context.Context, key, value string, id LeaseID) (acquired bool, holder string, err error)

	// Get reads a single key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Ping checks reachability of at least one endpoint.
	Ping(ctx context.Context) error

	// Close releases client resources.
	Close() error
}
