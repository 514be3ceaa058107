// Package catalog is the read and write path used by every presentation
// surface: reads come from the local mirror after a reconciliation pass,
// writes go straight to the server and are followed by a reload.
package catalog

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/shopfront/posmirror/internal/metrics"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
	"github.com/shopfront/posmirror/internal/remote"
)

// Store is the part of the local mirror the service reads and clears.
type Store interface {
	GetAllContext(ctx context.Context) ([]*schema.Product, error)
	GetByIDContext(ctx context.Context, id string) (*schema.Product, error)
	ClearContext(ctx context.Context) error
}

// Mutator sends writes to the server. *remote.Client satisfies it.
type Mutator interface {
	Create(ctx context.Context, in schema.ProductInput) (*schema.RemoteProduct, error)
	Update(ctx context.Context, id string, in schema.ProductInput) (*schema.RemoteProduct, error)
	Deactivate(ctx context.Context, id string) error
}

// MutationEvent describes a write that was sent to the server.
type MutationEvent struct {
	Op  remote.Op
	ID  string
	SKU string
	Err error
}

// MutationHook is told about every write sent to the server, successful or not.
type MutationHook interface {
	OnMutation(ev MutationEvent)
}

// Snapshot is the mirror contents after a load.
type Snapshot struct {
	Products []*schema.Product
	// Stale is true when the pass before the read failed or skipped
	// records, so Products may lag behind the server.
	Stale bool
	// Partial is true when the pass completed but skipped invalid remote
	// records. SyncErr then matches mirrorsync.ErrRecordsSkipped.
	Partial bool
	SyncErr error
	Sync    mirrorsync.Result
}

// MutationResult is returned by a successful write.
type MutationResult struct {
	// Product is the mirrored record after the reload, or the server's
	// record if the reload could not pick it up.
	Product  *schema.Product
	Snapshot *Snapshot
}

// Option configures optional service behavior.
type Option func(*Service)

// WithMutationHook registers a hook for mutation events.
func WithMutationHook(h MutationHook) Option {
	return func(s *Service) {
		if h != nil {
			s.hooks = append(s.hooks, h)
		}
	}
}

// WithMetrics records mutations and mirror size.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service coordinates the local mirror, the reconciler and the server.
type Service struct {
	store      Store
	reconciler mirrorsync.Reconciler
	mutator    Mutator
	logger     *log.Logger
	metrics    *metrics.Metrics
	hooks      []MutationHook
}

// NewService wires a Service. mutator may be nil for read-only use, in
// which case every write fails. If logger is nil, a default logger writing
// to stderr is used.
func NewService(store Store, reconciler mirrorsync.Reconciler, mutator Mutator, logger *log.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = log.New(os.Stderr, "[catalog] ", log.LstdFlags)
	}
	s := &Service{
		store:      store,
		reconciler: reconciler,
		mutator:    mutator,
		logger:     logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load runs a reconciliation pass, waits for it, and returns the full
// mirror contents whatever the pass outcome was.
//
// A failed pass is logged and swallowed. Only a failure to read the mirror
// is returned.
func (s *Service) Load(ctx context.Context) ([]*schema.Product, error) {
	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Products, nil
}

// LoadSnapshot is Load but also reports whether the data may be stale.
func (s *Service) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	res, syncErr := s.reconciler.Pass(ctx)
	partial := false
	if syncErr != nil {
		s.logger.Printf("WARNING: Sync failed, showing cached data: %v", syncErr)
	} else if syncErr = res.Incomplete(); syncErr != nil {
		partial = true
		s.logger.Printf("WARNING: Sync incomplete, some products may be out of date: %v", syncErr)
	}

	products, err := s.store.GetAllContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local mirror: %w", err)
	}
	s.metrics.SetMirrorSize(len(products))

	return &Snapshot{
		Products: products,
		Stale:    syncErr != nil,
		Partial:  partial,
		SyncErr:  syncErr,
		Sync:     res,
	}, nil
}

// Cached returns the mirror contents without contacting the server.
func (s *Service) Cached(ctx context.Context) ([]*schema.Product, error) {
	products, err := s.store.GetAllContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local mirror: %w", err)
	}
	return products, nil
}

// Product returns one mirrored record without contacting the server.
func (s *Service) Product(ctx context.Context, id string) (*schema.Product, error) {
	return s.store.GetByIDContext(ctx, id)
}

// Create validates in, sends it to the server and reloads.
//
// Invalid input is a *schema.ValidationError and nothing is sent. A server
// failure is returned as-is and the mirror is not touched.
func (s *Service) Create(ctx context.Context, in schema.ProductInput) (*MutationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if s.mutator == nil {
		return nil, s.readOnly(remote.OpCreate, "")
	}

	created, err := s.mutator.Create(ctx, in)
	if err != nil {
		s.notify(MutationEvent{Op: remote.OpCreate, SKU: in.SKU, Err: err})
		return nil, err
	}
	s.notify(MutationEvent{Op: remote.OpCreate, ID: created.ID, SKU: created.SKU})

	return s.reload(ctx, remote.OpCreate, created.ID, created)
}

// Update validates in, sends it to the server and reloads.
func (s *Service) Update(ctx context.Context, id string, in schema.ProductInput) (*MutationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if s.mutator == nil {
		return nil, s.readOnly(remote.OpUpdate, id)
	}

	updated, err := s.mutator.Update(ctx, id, in)
	if err != nil {
		s.notify(MutationEvent{Op: remote.OpUpdate, ID: id, SKU: in.SKU, Err: err})
		return nil, err
	}
	s.notify(MutationEvent{Op: remote.OpUpdate, ID: id, SKU: updated.SKU})

	return s.reload(ctx, remote.OpUpdate, id, updated)
}

// Delete deactivates a product on the server and reloads.
//
// The server stops listing the product, but the mirror keeps its last
// state: passes never delete. The returned Product is that mirrored record.
func (s *Service) Delete(ctx context.Context, id string) (*MutationResult, error) {
	if s.mutator == nil {
		return nil, s.readOnly(remote.OpDelete, id)
	}

	if err := s.mutator.Deactivate(ctx, id); err != nil {
		s.notify(MutationEvent{Op: remote.OpDelete, ID: id, Err: err})
		return nil, err
	}
	s.notify(MutationEvent{Op: remote.OpDelete, ID: id})

	return s.reload(ctx, remote.OpDelete, id, nil)
}

// Clear empties the mirror. The next load repopulates it from the server.
func (s *Service) Clear(ctx context.Context) error {
	if err := s.store.ClearContext(ctx); err != nil {
		return fmt.Errorf("failed to clear local mirror: %w", err)
	}
	s.metrics.SetMirrorSize(0)
	s.logger.Printf("Cleared local mirror")
	return nil
}

// reload refreshes the mirror after a successful write. The write already
// happened, so a reload failure still returns the server's view of the record.
func (s *Service) reload(ctx context.Context, op remote.Op, id string, fromServer *schema.RemoteProduct) (*MutationResult, error) {
	result := &MutationResult{}
	if fromServer != nil {
		if p, err := fromServer.Normalize(); err == nil {
			result.Product = p
		}
	}

	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		return result, fmt.Errorf("%s succeeded but reload failed: %w", op, err)
	}
	result.Snapshot = snap

	for _, p := range snap.Products {
		if p.ID == id {
			result.Product = p
			break
		}
	}
	return result, nil
}

func (s *Service) notify(ev MutationEvent) {
	s.metrics.ObserveMutation(string(ev.Op), ev.Err)
	if ev.Err != nil {
		s.logger.Printf("WARNING: Failed to %s product %s: %v", ev.Op, ev.ID, ev.Err)
	}
	for _, h := range s.hooks {
		h.OnMutation(ev)
	}
}

func (s *Service) readOnly(op remote.Op, id string) error {
	return &remote.MutationError{Op: op, ID: id, Message: "no server configured"}
}
