package catalog

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
	"github.com/shopfront/posmirror/internal/remote"
	"github.com/shopfront/posmirror/internal/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	db      *db.DB
	server  *remotetest.Server
	client  *remote.Client
	service *Service
	hook    *recordingHook
}

type recordingHook struct {
	events []MutationEvent
}

func (h *recordingHook) OnMutation(ev MutationEvent) {
	h.events = append(h.events, ev)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	database, err := db.Open(filepath.Join(t.TempDir(), "mirror.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	require.NoError(t, database.InitSchema())

	srv := remotetest.New(t)
	client, err := remote.NewClient(srv.URL(), remote.WithLogger(quiet))
	require.NoError(t, err)

	reconciler := mirrorsync.New(database, client, &mirrorsync.Config{Logger: quiet, Coalesce: true})
	hook := &recordingHook{}
	service := NewService(database, reconciler, client, quiet, WithMutationHook(hook))

	return &fixture{db: database, server: srv, client: client, service: service, hook: hook}
}

func validInput() schema.ProductInput {
	in := schema.NewProductInput()
	in.SKU = "TEA-001"
	in.Name = "Green Tea"
	in.Price = 4.2
	in.Cost = 2.1
	in.Stock = 12
	return in
}

func TestLoad(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(3)

	products, err := f.service.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 3)
}

func TestLoadEmptyCatalog(t *testing.T) {
	f := newFixture(t)

	products, err := f.service.Load(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, products)
	assert.Empty(t, products)
}

func TestLoadDegradesGracefully(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(2)

	_, err := f.service.Load(context.Background())
	require.NoError(t, err)

	f.server.Seed(5)
	f.server.FailFetch(true)

	snap, err := f.service.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.ErrorIs(t, snap.SyncErr, remote.ErrFetchFailed)
	assert.Len(t, snap.Products, 2, "expected the previously mirrored records")

	products, err := f.service.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestLoadFlagsSkippedRecords(t *testing.T) {
	f := newFixture(t)
	seeded := f.server.Seed(2)

	snap, err := f.service.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.False(t, snap.Partial)

	// The server now reports an oversold product the mirror cannot hold.
	oversold := *seeded[1]
	oversold.Stock = -1
	oversold.UpdatedAt = "2030-01-01T00:00:00Z"
	f.server.Put(&oversold)

	snap, err = f.service.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.True(t, snap.Partial)
	assert.ErrorIs(t, snap.SyncErr, mirrorsync.ErrRecordsSkipped)
	assert.Equal(t, 1, snap.Sync.Skipped)

	local, err := f.db.GetByID(oversold.ID)
	require.NoError(t, err)
	assert.Equal(t, seeded[1].Stock, local.Stock, "expected the previous copy to be kept")
}

func TestLoadReportsStorageFailure(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(1)
	require.NoError(t, f.db.Close())

	_, err := f.service.Load(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, db.ErrStorageUnavailable)
}

func TestCreateThenRefresh(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(2)

	res, err := f.service.Create(context.Background(), validInput())
	require.NoError(t, err)
	require.NotNil(t, res.Product)
	require.NotNil(t, res.Snapshot)

	assert.NotEmpty(t, res.Product.ID)
	assert.Equal(t, "TEA-001", res.Product.SKU)
	assert.Len(t, res.Snapshot.Products, 3)
	assert.False(t, res.Snapshot.Stale)

	local, err := f.db.GetByID(res.Product.ID)
	require.NoError(t, err)
	assert.Equal(t, "Green Tea", local.Name)

	require.Len(t, f.hook.events, 1)
	assert.Equal(t, remote.OpCreate, f.hook.events[0].Op)
	assert.NoError(t, f.hook.events[0].Err)
}

func TestUpdateThenRefresh(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(1)

	in := validInput()
	in.SKU = "SKU-0000"
	in.Stock = 0

	res, err := f.service.Update(context.Background(), "p0000", in)
	require.NoError(t, err)
	assert.Equal(t, "Green Tea", res.Product.Name)
	assert.Equal(t, 0, res.Product.Stock)

	local, err := f.db.GetByID("p0000")
	require.NoError(t, err)
	assert.Equal(t, "Green Tea", local.Name)
}

func TestDeleteKeepsMirroredRecord(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(2)

	_, err := f.service.Load(context.Background())
	require.NoError(t, err)

	res, err := f.service.Delete(context.Background(), "p0001")
	require.NoError(t, err)

	remoteCopy, ok := f.server.Product("p0001")
	require.True(t, ok)
	assert.False(t, remoteCopy.Active())

	// Passes never delete, and the server no longer lists p0001.
	require.NotNil(t, res.Product)
	assert.True(t, res.Product.IsActive)
	assert.Len(t, res.Snapshot.Products, 2)
}

func TestValidationBeforeSend(t *testing.T) {
	f := newFixture(t)

	in := validInput()
	in.Name = "   "
	in.Price = -1

	_, err := f.service.Create(context.Background(), in)
	require.Error(t, err)

	var verr *schema.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "name")
	assert.Contains(t, verr.Fields, "price")

	_, err = f.service.Update(context.Background(), "p0000", in)
	assert.True(t, errors.As(err, &verr))

	assert.Empty(t, f.server.Active())
	assert.Equal(t, 0, f.server.Fetches())
	assert.Empty(t, f.hook.events)
}

func TestFailedMutationNotReflected(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(1)

	_, err := f.service.Load(context.Background())
	require.NoError(t, err)
	before, err := f.db.GetAll()
	require.NoError(t, err)
	fetches := f.server.Fetches()

	f.server.FailMutations(true)

	_, err = f.service.Create(context.Background(), validInput())
	assert.ErrorIs(t, err, remote.ErrMutationFailed)

	in := validInput()
	_, err = f.service.Update(context.Background(), "p0000", in)
	assert.ErrorIs(t, err, remote.ErrMutationFailed)

	_, err = f.service.Delete(context.Background(), "p0000")
	assert.ErrorIs(t, err, remote.ErrMutationFailed)

	after, err := f.db.GetAll()
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, fetches, f.server.Fetches(), "failed mutations must not trigger a pass")

	require.Len(t, f.hook.events, 3)
	for _, ev := range f.hook.events {
		assert.Error(t, ev.Err)
	}
}

func TestReadOnlyService(t *testing.T) {
	f := newFixture(t)
	reconciler := mirrorsync.New(f.db, f.client, &mirrorsync.Config{Logger: quiet})
	s := NewService(f.db, reconciler, nil, quiet)

	_, err := s.Create(context.Background(), validInput())
	assert.ErrorIs(t, err, remote.ErrMutationFailed)

	_, err = s.Delete(context.Background(), "p1")
	assert.ErrorIs(t, err, remote.ErrMutationFailed)
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(4)

	_, err := f.service.Load(context.Background())
	require.NoError(t, err)

	require.NoError(t, f.service.Clear(context.Background()))

	cached, err := f.service.Cached(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cached)

	products, err := f.service.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, products, 4)
}

func TestProductLookup(t *testing.T) {
	f := newFixture(t)
	f.server.Seed(1)

	_, err := f.service.Load(context.Background())
	require.NoError(t, err)

	p, err := f.service.Product(context.Background(), "p0000")
	require.NoError(t, err)
	assert.Equal(t, "SKU-0000", p.SKU)

	_, err = f.service.Product(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
