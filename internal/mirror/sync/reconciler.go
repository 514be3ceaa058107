package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	"golang.org/x/sync/singleflight"
)

// ErrReconciliationAborted is returned when a pass stops early. It always
// wraps the underlying cause (remote.ErrFetchFailed,
// db.ErrStorageUnavailable or a context error).
var ErrReconciliationAborted = errors.New("reconciliation aborted")

// ErrRecordsSkipped reports a pass that completed but left some remote
// records unapplied because they failed validation. It is never returned by
// Pass; see Result.Incomplete.
var ErrRecordsSkipped = errors.New("remote records skipped")

// passKey is the only singleflight key; there is one catalog per store.
const passKey = "products"

// Config holds optional reconciler settings.
type Config struct {
	// Logger receives pass activity. Nil means stderr with a "[sync] " prefix.
	Logger *log.Logger

	// Coalesce makes callers that arrive while a pass is in flight wait for
	// and share that pass instead of starting their own.
	Coalesce bool

	// Atomic applies the whole pass in one transaction, so an upsert
	// failure leaves the store exactly as it was.
	Atomic bool

	// Timeout bounds a coalesced pass, which runs detached from any single
	// caller's context. Zero means no bound beyond the fetcher's own.
	Timeout time.Duration

	Observer Observer
	Metrics  Metrics
	Journal  Journal

	// JournalKeep is how many journal entries survive each pass. Zero keeps
	// them all.
	JournalKeep int
}

// DefaultConfig returns the settings used when New is given a nil Config.
func DefaultConfig() *Config {
	return &Config{Coalesce: true}
}

// reconciler implements the Reconciler interface.
type reconciler struct {
	store   Store
	fetcher Fetcher
	cfg     Config
	logger  *log.Logger
	group   singleflight.Group
	now     func() time.Time
}

// New creates a Reconciler writing to store from fetcher.
//
// The store must have its schema initialized. If cfg is nil,
// DefaultConfig is used.
//
// Example:
//
//	database, err := db.Open(".posmirror/mirror.db")
//	if err != nil {
//	    return err
//	}
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//	client, err := remote.NewClient("https://pos.example.com")
//	if err != nil {
//	    return err
//	}
//	r := sync.New(database, client, nil)
func New(store Store, fetcher Fetcher, cfg *Config) Reconciler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &reconciler{
		store:   store,
		fetcher: fetcher,
		cfg:     *cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Reconcile implements Reconciler.Reconcile.
func (r *reconciler) Reconcile(ctx context.Context) error {
	_, err := r.Pass(ctx)
	return err
}

// Pass implements Reconciler.Pass.
func (r *reconciler) Pass(ctx context.Context) (Result, error) {
	if !r.cfg.Coalesce {
		return r.run(ctx)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrReconciliationAborted, err)
	}

	// The shared pass outlives any single waiter.
	ch := r.group.DoChan(passKey, func() (any, error) {
		passCtx := context.WithoutCancel(ctx)
		if r.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			passCtx, cancel = context.WithTimeout(passCtx, r.cfg.Timeout)
			defer cancel()
		}
		res, err := r.run(passCtx)
		return res, err
	})

	select {
	case out := <-ch:
		res := out.Val.(Result)
		res.Shared = out.Shared
		return res, out.Err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrReconciliationAborted, ctx.Err())
	}
}

// run performs one uncoalesced pass.
func (r *reconciler) run(ctx context.Context) (Result, error) {
	res := Result{Started: r.now()}

	remoteProducts, err := r.fetcher.FetchAll(ctx)
	if err != nil {
		return r.finish(ctx, res, fmt.Errorf("%w: %w", ErrReconciliationAborted, err))
	}
	res.Fetched = len(remoteProducts)

	products := make([]*schema.Product, 0, len(remoteProducts))
	for i, rp := range remoteProducts {
		p, err := rp.Normalize()
		if err != nil {
			r.logger.Printf("WARNING: Skipping remote product #%d: %v", i, err)
			res.Skipped++
			continue
		}
		products = append(products, p)
	}

	// The fetch has returned; the writes run to completion even if the
	// caller goes away.
	writeCtx := context.WithoutCancel(ctx)

	if r.cfg.Atomic {
		if err := r.store.UpsertAllContext(writeCtx, products); err != nil {
			return r.finish(ctx, res, fmt.Errorf("%w: %w", ErrReconciliationAborted, err))
		}
		res.Upserted = len(products)
		return r.finish(ctx, res, nil)
	}

	for _, p := range products {
		if err := r.store.UpsertContext(writeCtx, p); err != nil {
			return r.finish(ctx, res, fmt.Errorf("%w: product %s: %w", ErrReconciliationAborted, p.ID, err))
		}
		res.Upserted++
	}
	return r.finish(ctx, res, nil)
}

// finish stamps the duration and reports the outcome everywhere it goes.
func (r *reconciler) finish(ctx context.Context, res Result, err error) (Result, error) {
	res.Duration = r.now().Sub(res.Started)

	if err != nil {
		r.logger.Printf("Sync failed after %v: fetched=%d upserted=%d skipped=%d: %v",
			res.Duration, res.Fetched, res.Upserted, res.Skipped, err)
	} else {
		r.logger.Printf("Sync complete in %v: fetched=%d upserted=%d skipped=%d",
			res.Duration, res.Fetched, res.Upserted, res.Skipped)
	}

	if r.cfg.Journal != nil {
		entry := db.SyncEntry{
			StartedAt:  res.Started,
			FinishedAt: res.Started.Add(res.Duration),
			Fetched:    res.Fetched,
			Upserted:   res.Upserted,
			Skipped:    res.Skipped,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		jctx := context.WithoutCancel(ctx)
		if jerr := r.cfg.Journal.RecordSync(jctx, entry); jerr != nil {
			r.logger.Printf("WARNING: Failed to record sync: %v", jerr)
		} else if r.cfg.JournalKeep > 0 {
			if jerr := r.cfg.Journal.PruneSyncLog(jctx, r.cfg.JournalKeep); jerr != nil {
				r.logger.Printf("WARNING: Failed to prune sync log: %v", jerr)
			}
		}
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ObserveSync(res.Duration, res.Fetched, res.Upserted, res.Skipped, err)
	}

	if r.cfg.Observer != nil {
		if err != nil {
			r.cfg.Observer.OnSyncFailed(res, err)
		} else {
			r.cfg.Observer.OnSyncComplete(res)
		}
	}

	return res, err
}
