// # Overview
//
// The local mirror is a cache of the server's product catalog. It is filled
// only by the reconciler and read by everything else:
//
//	Catalog server
//	     GET /api/products      → []*schema.RemoteProduct
//	                                      ↓
//	                                 Reconciler
//	                             (normalize, upsert)
//	                                      ↓
//	                                SQLite mirror
//	                            (read by the Read Path)
//
// A pass is a full pull. There are no deltas and no deletes: a record that
// disappears from the server (or is deactivated and therefore no longer
// listed) keeps its last mirrored state until the mirror is cleared.
//
// # Usage
//
//	database, err := db.Open(".posmirror/mirror.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//
//	client, err := remote.NewClient(baseURL, remote.WithBearerToken(token))
//	if err != nil {
//	    return err
//	}
//
//	r := sync.New(database, client, &sync.Config{
//	    Coalesce:    true,
//	    Journal:     database,
//	    JournalKeep: 500,
//	})
//
//	if err := r.Reconcile(ctx); err != nil {
//	    // The mirror still holds the previous pass.
//	    log.Printf("sync failed: %v", err)
//	}
//
// # Error Handling
//
//   - Fetch failures abort the pass before any write
//   - Records that fail normalization are logged and skipped; the pass
//     still succeeds and Result.Incomplete reports them
//   - The first upsert failure aborts the pass; earlier upserts stay unless
//     Config.Atomic is set
//
// Every abort matches ErrReconciliationAborted and the underlying cause.
//
// # Concurrency
//
// A Reconciler is safe for concurrent use. With Config.Coalesce, callers
// that arrive while a pass is in flight share its outcome; a caller arriving
// after it completes starts a new pass. Without it, overlapping passes run
// independently. That is still safe because every upsert is a whole-record
// replace keyed by id, so the last writer wins per record.
//
// Cancellation only matters until the fetch returns. Once the product list
// is in hand, the writes run to completion. A coalesced pass runs detached
// from its callers, bounded by Config.Timeout; a caller that gives up only
// stops waiting for it.
package sync
