// Package sync reconciles the authoritative remote catalog into the local mirror.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
)

// Reconciler pulls the full remote product list and upserts it into the
// local store.
//
// A pass never deletes local records that are missing from the remote set,
// and it never reads the local store. Callers read the store themselves
// after a pass returns.
type Reconciler interface {
	// Reconcile runs one pass and waits for it.
	//
	// Returns an error matching ErrReconciliationAborted if the fetch or
	// any upsert fails. On a fetch failure the store is untouched. On an
	// upsert failure, records upserted earlier in the same pass remain
	// unless the reconciler was configured as atomic.
	//
	// Example:
	//   if err := r.Reconcile(ctx); err != nil {
	//       log.Printf("showing cached data: %v", err)
	//   }
	//   products, _ := store.GetAll()
	Reconcile(ctx context.Context) error

	// Pass is Reconcile but also reports what the pass did. The Result is
	// populated as far as the pass got, even when err is non-nil.
	Pass(ctx context.Context) (Result, error)
}

// Store is the part of the local store the reconciler writes to.
// *db.DB satisfies it.
type Store interface {
	UpsertContext(ctx context.Context, p *schema.Product) error
	UpsertAllContext(ctx context.Context, products []*schema.Product) error
}

// Fetcher retrieves the authoritative product list.
// *remote.Client and *remote.FileSource satisfy it.
type Fetcher interface {
	FetchAll(ctx context.Context) ([]*schema.RemoteProduct, error)
}

// Observer is notified after every pass that actually ran.
// Coalesced callers do not produce extra notifications.
type Observer interface {
	OnSyncComplete(res Result)
	OnSyncFailed(res Result, err error)
}

// Metrics records pass outcomes.
type Metrics interface {
	ObserveSync(duration time.Duration, fetched, upserted, skipped int, err error)
}

// Journal persists pass outcomes. *db.DB satisfies it.
type Journal interface {
	RecordSync(ctx context.Context, entry db.SyncEntry) error
	PruneSyncLog(ctx context.Context, keep int) error
}

// Result summarizes one pass.
type Result struct {
	Fetched  int // records returned by the server
	Upserted int // records written to the store
	Skipped  int // records that failed normalization
	Started  time.Time
	Duration time.Duration
	// Shared is true when the caller joined a pass already in flight.
	Shared bool
}

// Incomplete returns an error matching ErrRecordsSkipped when the pass left
// remote records unapplied, or nil. The mirror copies of skipped records
// keep whatever state they had before the pass.
func (r Result) Incomplete() error {
	if r.Skipped == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d of %d failed validation", ErrRecordsSkipped, r.Skipped, r.Fetched)
}
