package storage

import (
	"context"
	"time"

	"autoscout-watcher/models"
)

// ListingStore is the durable keyed storage contract the pipeline needs.
// Any engine qualifies as long as upserts are last-write-wins per identity
// key.
type ListingStore interface {
	// Get returns the stored listing for the key, or (nil, nil) when absent.
	Get(ctx context.Context, identityKey string) (*models.Listing, error)

	// UpsertAll writes all listings inside a single transaction. A mid-write
	// failure rolls the batch back; already-committed earlier batches stand.
	UpsertAll(ctx context.Context, listings []*models.Listing) error

	// DeleteOlderThan removes listings not seen within the retention window
	// and returns how many were removed.
	DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Count returns the total number of stored listings.
	Count(ctx context.Context) (int64, error)

	// FetchAll returns every stored listing — used by the inventory summary.
	FetchAll(ctx context.Context) ([]*models.Listing, error)

	Close() error
}
