package sync

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	"github.com/shopfront/posmirror/internal/remote"
	"github.com/shopfront/posmirror/internal/remote/remotetest"
	"github.com/shopspring/decimal"
)

var quiet = log.New(io.Discard, "", 0)

// setupTestDB creates a temporary mirror for testing.
func setupTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	return database
}

// setupServer starts an in-memory catalog and a client for it.
func setupServer(t *testing.T) (*remotetest.Server, *remote.Client) {
	t.Helper()

	srv := remotetest.New(t)
	client, err := remote.NewClient(srv.URL(), remote.WithLogger(quiet))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return srv, client
}

func boolPtr(b bool) *bool { return &b }

func remoteProduct(id string, stock int, active bool, updatedAt string) *schema.RemoteProduct {
	return &schema.RemoteProduct{
		ID:        id,
		SKU:       "SKU-" + id,
		Name:      "Product " + id,
		Price:     decimal.RequireFromString("9.99"),
		Cost:      decimal.RequireFromString("4.5"),
		Stock:     stock,
		IsActive:  boolPtr(active),
		UpdatedAt: updatedAt,
	}
}

func seedLocal(t *testing.T, database *db.DB, products ...*schema.Product) {
	t.Helper()
	for _, p := range products {
		if err := database.Upsert(p); err != nil {
			t.Fatalf("failed to seed %s: %v", p.ID, err)
		}
	}
}

func mustGet(t *testing.T, database *db.DB, id string) *schema.Product {
	t.Helper()
	p, err := database.GetByID(id)
	if err != nil {
		t.Fatalf("GetByID(%s) failed: %v", id, err)
	}
	return p
}

type fetchFunc func(ctx context.Context) ([]*schema.RemoteProduct, error)

func (f fetchFunc) FetchAll(ctx context.Context) ([]*schema.RemoteProduct, error) {
	return f(ctx)
}

// failingStore wraps a real store and fails upserts after the first n.
type failingStore struct {
	*db.DB
	n       int
	calls   int
	allCall int
}

func (s *failingStore) UpsertContext(ctx context.Context, p *schema.Product) error {
	s.calls++
	if s.calls > s.n {
		return errors.Join(db.ErrStorageUnavailable, errors.New("disk full"))
	}
	return s.DB.UpsertContext(ctx, p)
}

func (s *failingStore) UpsertAllContext(ctx context.Context, products []*schema.Product) error {
	s.allCall++
	return errors.Join(db.ErrStorageUnavailable, errors.New("disk full"))
}

type atomicCounter struct {
	mu gosync.Mutex
	n  int
}

func (c *atomicCounter) inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

func (c *atomicCounter) load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

type recordingObserver struct {
	mu        gosync.Mutex
	completed []Result
	failed    []error
}

func (o *recordingObserver) OnSyncComplete(res Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, res)
}

func (o *recordingObserver) OnSyncFailed(res Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed = append(o.failed, err)
}

type recordingMetrics struct {
	passes   int
	failures int
	upserted int
}

func (m *recordingMetrics) ObserveSync(_ time.Duration, _, upserted, _ int, err error) {
	m.passes++
	m.upserted += upserted
	if err != nil {
		m.failures++
	}
}

func TestReconcileInsertsIntoEmptyStore(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Put(remoteProduct("p1", 10, true, "2024-01-01T00:00:00Z"))

	r := New(database, client, &Config{Logger: quiet})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	all, err := database.GetAll()
	if err != nil {
		t.Fatalf("GetAll failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("Expected 1 product, got %d", len(all))
	}

	p := all[0]
	if p.ID != "p1" || p.SKU != "SKU-p1" || p.Stock != 10 || !p.IsActive {
		t.Errorf("Unexpected product: %+v", p)
	}
	if p.Price != 9.99 || p.Cost != 4.5 {
		t.Errorf("Expected price 9.99 cost 4.5, got %v %v", p.Price, p.Cost)
	}
	if p.UpdatedAt != 1704067200000 {
		t.Errorf("Expected updatedAt 1704067200000, got %d", p.UpdatedAt)
	}
}

func TestReconcileReplacesWholeRecord(t *testing.T) {
	database := setupTestDB(t)
	seedLocal(t, database, &schema.Product{
		ID: "p1", SKU: "SKU-p1", Name: "Product p1", Description: "old description",
		Price: 9.99, Cost: 4.5, Stock: 10, IsActive: true, UpdatedAt: 1704067200000,
	})

	srv, client := setupServer(t)
	srv.Put(remoteProduct("p1", 0, false, "2024-01-02T00:00:00Z"))

	r := New(database, client, &Config{Logger: quiet})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// Inactive products are not listed by the server, so the mirror keeps
	// the last state it saw.
	p := mustGet(t, database, "p1")
	if p.Stock != 10 {
		t.Errorf("Expected unlisted product to keep stock 10, got %d", p.Stock)
	}

	// A server that does list it (e.g. an export file) replaces it.
	fetcher := fetchFunc(func(context.Context) ([]*schema.RemoteProduct, error) {
		return []*schema.RemoteProduct{remoteProduct("p1", 0, false, "2024-01-02T00:00:00Z")}, nil
	})
	r = New(database, fetcher, &Config{Logger: quiet})
	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	p = mustGet(t, database, "p1")
	if p.Stock != 0 || p.IsActive {
		t.Errorf("Expected stock 0 and inactive, got stock=%d active=%v", p.Stock, p.IsActive)
	}
	if p.Description != "" {
		t.Errorf("Expected description to be replaced, got %q", p.Description)
	}
	if p.UpdatedAt != 1704153600000 {
		t.Errorf("Expected updatedAt 1704153600000, got %d", p.UpdatedAt)
	}
}

func TestReconcileFullPull(t *testing.T) {
	database := setupTestDB(t)
	seedLocal(t, database,
		&schema.Product{ID: "p1", Name: "Local only", Stock: 1, IsActive: true, UpdatedAt: 1},
		&schema.Product{ID: "p2", Name: "Old name", Stock: 2, IsActive: true, UpdatedAt: 1},
	)

	srv, client := setupServer(t)
	srv.Put(remoteProduct("p2", 20, true, "2024-01-01T00:00:00Z"))
	srv.Put(remoteProduct("p3", 30, true, "2024-01-01T00:00:00Z"))

	r := New(database, client, &Config{Logger: quiet})
	res, err := r.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if res.Fetched != 2 || res.Upserted != 2 || res.Skipped != 0 {
		t.Errorf("Unexpected result: %+v", res)
	}

	count, _ := database.Count()
	if count != 3 {
		t.Fatalf("Expected 3 products, got %d", count)
	}
	if p := mustGet(t, database, "p1"); p.Name != "Local only" {
		t.Errorf("Expected p1 untouched, got %+v", p)
	}
	if p := mustGet(t, database, "p2"); p.Name != "Product p2" || p.Stock != 20 {
		t.Errorf("Expected p2 replaced, got %+v", p)
	}
	if p := mustGet(t, database, "p3"); p.Stock != 30 {
		t.Errorf("Expected p3 inserted, got %+v", p)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(25)

	r := New(database, client, &Config{Logger: quiet})
	for i := 0; i < 3; i++ {
		if err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile #%d failed: %v", i, err)
		}
	}

	count, _ := database.Count()
	if count != 25 {
		t.Errorf("Expected 25 products, got %d", count)
	}
}

func TestReconcileFetchFailureLeavesStoreUnchanged(t *testing.T) {
	database := setupTestDB(t)
	seedLocal(t, database, &schema.Product{ID: "p1", Name: "Cached", Stock: 5, IsActive: true, UpdatedAt: 1})

	srv, client := setupServer(t)
	srv.Put(remoteProduct("p1", 99, true, "2024-01-01T00:00:00Z"))
	srv.Put(remoteProduct("p2", 1, true, "2024-01-01T00:00:00Z"))
	srv.FailFetch(true)

	obs := &recordingObserver{}
	metrics := &recordingMetrics{}
	r := New(database, client, &Config{Logger: quiet, Observer: obs, Metrics: metrics, Journal: database})

	err := r.Reconcile(context.Background())
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errors.Is(err, ErrReconciliationAborted) {
		t.Errorf("Expected ErrReconciliationAborted, got %v", err)
	}
	if !errors.Is(err, remote.ErrFetchFailed) {
		t.Errorf("Expected remote.ErrFetchFailed, got %v", err)
	}

	all, _ := database.GetAll()
	if len(all) != 1 || all[0].Name != "Cached" || all[0].Stock != 5 {
		t.Errorf("Expected store unchanged, got %+v", all)
	}

	if len(obs.failed) != 1 || len(obs.completed) != 0 {
		t.Errorf("Expected one failure notification, got %d failed %d completed", len(obs.failed), len(obs.completed))
	}
	if metrics.failures != 1 {
		t.Errorf("Expected 1 failure recorded, got %d", metrics.failures)
	}

	last, err := database.LastSync(context.Background())
	if err != nil || last == nil {
		t.Fatalf("LastSync failed: %v", err)
	}
	if last.Succeeded() {
		t.Error("Expected journal entry to record the failure")
	}
}

func TestReconcileStorageFailureKeepsEarlierUpserts(t *testing.T) {
	database := setupTestDB(t)
	store := &failingStore{DB: database, n: 1}

	fetcher := fetchFunc(func(context.Context) ([]*schema.RemoteProduct, error) {
		return []*schema.RemoteProduct{
			remoteProduct("p1", 1, true, "2024-01-01T00:00:00Z"),
			remoteProduct("p2", 2, true, "2024-01-01T00:00:00Z"),
			remoteProduct("p3", 3, true, "2024-01-01T00:00:00Z"),
		}, nil
	})

	r := New(store, fetcher, &Config{Logger: quiet})
	res, err := r.Pass(context.Background())
	if !errors.Is(err, ErrReconciliationAborted) {
		t.Fatalf("Expected ErrReconciliationAborted, got %v", err)
	}
	if !errors.Is(err, db.ErrStorageUnavailable) {
		t.Errorf("Expected db.ErrStorageUnavailable, got %v", err)
	}
	if res.Upserted != 1 {
		t.Errorf("Expected 1 upsert before failure, got %d", res.Upserted)
	}
	if store.calls != 2 {
		t.Errorf("Expected pass to stop at the failing upsert, got %d calls", store.calls)
	}

	count, _ := database.Count()
	if count != 1 {
		t.Errorf("Expected the first upsert to remain, got %d products", count)
	}
}

func TestReconcileAtomicAppliesNothingOnFailure(t *testing.T) {
	database := setupTestDB(t)
	store := &failingStore{DB: database, n: 100}

	fetcher := fetchFunc(func(context.Context) ([]*schema.RemoteProduct, error) {
		return []*schema.RemoteProduct{
			remoteProduct("p1", 1, true, "2024-01-01T00:00:00Z"),
			remoteProduct("p2", 2, true, "2024-01-01T00:00:00Z"),
		}, nil
	})

	r := New(store, fetcher, &Config{Logger: quiet, Atomic: true})
	res, err := r.Pass(context.Background())
	if !errors.Is(err, db.ErrStorageUnavailable) {
		t.Fatalf("Expected db.ErrStorageUnavailable, got %v", err)
	}
	if store.allCall != 1 || store.calls != 0 {
		t.Errorf("Expected one batch write and no single upserts, got %d/%d", store.allCall, store.calls)
	}
	if res.Upserted != 0 {
		t.Errorf("Expected 0 upserted, got %d", res.Upserted)
	}

	count, _ := database.Count()
	if count != 0 {
		t.Errorf("Expected empty store, got %d", count)
	}
}

func TestReconcileAtomicSuccess(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(10)

	r := New(database, client, &Config{Logger: quiet, Atomic: true})
	res, err := r.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if res.Upserted != 10 {
		t.Errorf("Expected 10 upserted, got %d", res.Upserted)
	}
}

func TestReconcileSkipsInvalidRecords(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Put(remoteProduct("p1", 1, true, "2024-01-01T00:00:00Z"))
	srv.Put(remoteProduct("bad-time", 1, true, "yesterday"))
	srv.Put(remoteProduct("", 1, true, "2024-01-01T00:00:00Z"))
	negative := remoteProduct("neg", -4, true, "2024-01-01T00:00:00Z")
	srv.Put(negative)
	srv.Put(remoteProduct("p2", 2, true, "2024-01-01T00:00:00.123Z"))

	r := New(database, client, &Config{Logger: quiet})
	res, err := r.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if res.Fetched != 5 || res.Skipped != 3 || res.Upserted != 2 {
		t.Errorf("Unexpected result: %+v", res)
	}
	if !errors.Is(res.Incomplete(), ErrRecordsSkipped) {
		t.Error("Expected the pass to report skipped records")
	}

	if p := mustGet(t, database, "p2"); p.UpdatedAt != 1704067200123 {
		t.Errorf("Expected millisecond precision, got %d", p.UpdatedAt)
	}
}

func TestReconcileCancelledBeforeFetch(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, coalesce := range []bool{true, false} {
		r := New(database, client, &Config{Logger: quiet, Coalesce: coalesce})
		err := r.Reconcile(ctx)
		if !errors.Is(err, ErrReconciliationAborted) {
			t.Errorf("coalesce=%v: expected ErrReconciliationAborted, got %v", coalesce, err)
		}
	}

	count, _ := database.Count()
	if count != 0 {
		t.Errorf("Expected no writes, got %d products", count)
	}
}

func TestReconcileWritesSurviveCancellationAfterFetch(t *testing.T) {
	database := setupTestDB(t)

	ctx, cancel := context.WithCancel(context.Background())
	fetcher := fetchFunc(func(context.Context) ([]*schema.RemoteProduct, error) {
		// The caller gives up just as the response arrives.
		cancel()
		return []*schema.RemoteProduct{
			remoteProduct("p1", 1, true, "2024-01-01T00:00:00Z"),
			remoteProduct("p2", 2, true, "2024-01-01T00:00:00Z"),
		}, nil
	})

	r := New(database, fetcher, &Config{Logger: quiet})
	if err := r.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	count, _ := database.Count()
	if count != 2 {
		t.Errorf("Expected 2 products, got %d", count)
	}
}

func TestReconcileCoalescesConcurrentCallers(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(5)
	srv.SetFetchDelay(200 * time.Millisecond)

	obs := &recordingObserver{}
	r := New(database, client, &Config{Logger: quiet, Coalesce: true, Observer: obs})

	const callers = 8
	var wg gosync.WaitGroup
	results := make([]Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Pass(context.Background())
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d failed: %v", i, err)
		}
	}
	if got := srv.Fetches(); got != 1 {
		t.Errorf("Expected 1 fetch for %d concurrent callers, got %d", callers, got)
	}
	if len(obs.completed) != 1 {
		t.Errorf("Expected 1 completion notification, got %d", len(obs.completed))
	}
	for i, res := range results {
		if res.Upserted != 5 {
			t.Errorf("caller %d: expected shared result with 5 upserts, got %+v", i, res)
		}
	}

	// A caller arriving after completion starts a fresh pass.
	srv.SetFetchDelay(0)
	res, err := r.Pass(context.Background())
	if err != nil {
		t.Fatalf("Pass failed: %v", err)
	}
	if res.Shared {
		t.Error("Expected a fresh pass, got a shared one")
	}
	if got := srv.Fetches(); got != 2 {
		t.Errorf("Expected 2 fetches, got %d", got)
	}
}

func TestReconcileSharedPassOutlivesCancelledCaller(t *testing.T) {
	database := setupTestDB(t)

	started := make(chan struct{})
	release := make(chan struct{})
	var fetches atomicCounter
	fetcher := fetchFunc(func(ctx context.Context) ([]*schema.RemoteProduct, error) {
		if fetches.inc() == 1 {
			close(started)
		}
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []*schema.RemoteProduct{
			remoteProduct("p1", 1, true, "2024-01-01T00:00:00Z"),
			remoteProduct("p2", 2, true, "2024-01-01T00:00:00Z"),
		}, nil
	})

	r := New(database, fetcher, &Config{Logger: quiet, Coalesce: true})

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Pass(first)
		firstErr <- err
	}()
	<-started

	type outcome struct {
		res Result
		err error
	}
	second := make(chan outcome, 1)
	go func() {
		res, err := r.Pass(context.Background())
		second <- outcome{res, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrReconciliationAborted) || !errors.Is(err, context.Canceled) {
			t.Errorf("Expected the cancelled caller to stop waiting, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Cancelled caller did not return")
	}

	close(release)
	select {
	case out := <-second:
		if out.err != nil {
			t.Fatalf("Expected the live caller's pass to succeed, got %v", out.err)
		}
		if !out.res.Shared || out.res.Upserted != 2 {
			t.Errorf("Unexpected shared result: %+v", out.res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Live caller did not return")
	}

	if got := fetches.load(); got != 1 {
		t.Errorf("Expected 1 fetch, got %d", got)
	}
	count, _ := database.Count()
	if count != 2 {
		t.Errorf("Expected 2 products, got %d", count)
	}
}

func TestReconcileSharedPassTimeout(t *testing.T) {
	database := setupTestDB(t)
	fetcher := fetchFunc(func(ctx context.Context) ([]*schema.RemoteProduct, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	r := New(database, fetcher, &Config{Logger: quiet, Coalesce: true, Timeout: 50 * time.Millisecond})
	err := r.Reconcile(context.Background())
	if !errors.Is(err, ErrReconciliationAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected a timed out pass, got %v", err)
	}
}

func TestReconcilePrunesJournal(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(2)

	r := New(database, client, &Config{Logger: quiet, Journal: database, JournalKeep: 3})
	for i := 0; i < 6; i++ {
		if err := r.Reconcile(context.Background()); err != nil {
			t.Fatalf("pass %d failed: %v", i, err)
		}
	}

	var rows int
	if err := database.RawDB().QueryRow(`SELECT COUNT(*) FROM sync_log`).Scan(&rows); err != nil {
		t.Fatalf("failed to count sync log: %v", err)
	}
	if rows != 3 {
		t.Errorf("Expected sync log capped at 3 entries, got %d", rows)
	}

	last, err := database.LastSuccessfulSync(context.Background())
	if err != nil || last == nil {
		t.Fatalf("LastSuccessfulSync failed: %v", err)
	}
}

func TestResultIncomplete(t *testing.T) {
	if err := (Result{Fetched: 3}).Incomplete(); err != nil {
		t.Errorf("Expected nil for a full pass, got %v", err)
	}
	err := Result{Fetched: 3, Skipped: 1}.Incomplete()
	if !errors.Is(err, ErrRecordsSkipped) {
		t.Errorf("Expected ErrRecordsSkipped, got %v", err)
	}
}

func TestReconcileWithoutCoalescingRunsEveryPass(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(5)
	srv.SetFetchDelay(50 * time.Millisecond)

	r := New(database, client, &Config{Logger: quiet, Coalesce: false})

	const callers = 4
	var wg gosync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Reconcile(context.Background()); err != nil {
				t.Errorf("Reconcile failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := srv.Fetches(); got != callers {
		t.Errorf("Expected %d fetches, got %d", callers, got)
	}
	count, _ := database.Count()
	if count != 5 {
		t.Errorf("Expected 5 products, got %d", count)
	}
}

func TestReconcileReportsSuccess(t *testing.T) {
	database := setupTestDB(t)
	srv, client := setupServer(t)
	srv.Seed(4)

	obs := &recordingObserver{}
	metrics := &recordingMetrics{}
	r := New(database, client, &Config{Logger: quiet, Observer: obs, Metrics: metrics, Journal: database})

	if err := r.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if len(obs.completed) != 1 || obs.completed[0].Upserted != 4 {
		t.Errorf("Unexpected completions: %+v", obs.completed)
	}
	if metrics.passes != 1 || metrics.upserted != 4 {
		t.Errorf("Unexpected metrics: %+v", metrics)
	}

	last, err := database.LastSuccessfulSync(context.Background())
	if err != nil || last == nil {
		t.Fatalf("LastSuccessfulSync failed: %v", err)
	}
	if last.Fetched != 4 || last.Upserted != 4 {
		t.Errorf("Unexpected journal entry: %+v", last)
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(setupTestDB(t), fetchFunc(nil), nil).(*reconciler)
	if !r.cfg.Coalesce {
		t.Error("Expected coalescing on by default")
	}
	if r.cfg.Atomic {
		t.Error("Expected atomic off by default")
	}
	if r.logger == nil {
		t.Error("Expected default logger")
	}
}
