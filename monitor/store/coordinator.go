package store

import (
	"context"
	"time"
)

// Coordinator defines distributed coordination between monitor instances:
// a single poller leader holding a lease with a fencing epoch.
type Coordinator interface {
	// AcquireLease attempts to acquire a lease for a resource.
	// value should contain metadata (owner, epoch, timestamps).
	AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// RenewLease extends the TTL of a held lease if the value matches.
	RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)

	// ReleaseLease releases the lease if the value matches.
	ReleaseLease(ctx context.Context, key string, value string) error

	// LeaseHolder returns the current lease value, or empty if free.
	LeaseHolder(ctx context.Context, key string) (string, error)

	// IncrementEpoch increments the epoch counter for a resource and returns the new value.
	// This is used for generating fencing tokens.
	IncrementEpoch(ctx context.Context, key string) (int64, error)
}
