package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shopfront/posmirror/internal/catalog"
	"github.com/shopfront/posmirror/internal/metrics"
	"github.com/shopfront/posmirror/internal/mirror/db"
	"github.com/shopfront/posmirror/internal/mirror/schema"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
	"github.com/shopfront/posmirror/internal/remote"
)

// app is the wired stack behind every command. It is opened at command
// start and closed when the command returns.
type app struct {
	db         *db.DB
	client     *remote.Client // nil when no server is configured
	reconciler mirrorsync.Reconciler
	service    *catalog.Service
	metrics    *metrics.Metrics
}

type appOptions struct {
	// fetcher replaces the server as the reconciliation source.
	fetcher  mirrorsync.Fetcher
	observer mirrorsync.Observer
	hooks    []catalog.MutationHook
	registry prometheus.Registerer
}

// offlineFetcher stands in for the server when none is configured, so
// reads fall back to the mirror with a stale warning.
type offlineFetcher struct{}

func (offlineFetcher) FetchAll(ctx context.Context) ([]*schema.RemoteProduct, error) {
	return nil, fmt.Errorf("%w: no server configured (set remote.base_url or --server)", remote.ErrFetchFailed)
}

func openApp(opts appOptions) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create mirror directory: %w", err)
	}

	database, err := db.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize mirror: %w", err)
	}

	a := &app{
		db:      database,
		metrics: metrics.New(opts.registry),
	}

	if cfg.HasRemote() {
		clientOpts := []remote.Option{
			remote.WithLogger(logs.Logger("remote")),
			remote.WithTimeout(cfg.Remote.Timeout),
		}
		if cfg.Remote.Token != "" {
			clientOpts = append(clientOpts, remote.WithBearerToken(cfg.Remote.Token))
		}
		a.client, err = remote.NewClient(cfg.Remote.BaseURL, clientOpts...)
		if err != nil {
			database.Close()
			return nil, err
		}
	}

	var fetcher mirrorsync.Fetcher = offlineFetcher{}
	switch {
	case opts.fetcher != nil:
		fetcher = opts.fetcher
	case a.client != nil:
		fetcher = a.client
	}

	a.reconciler = mirrorsync.New(database, fetcher, &mirrorsync.Config{
		Logger:      logs.Logger("sync"),
		Coalesce:    cfg.Sync.Coalesce,
		Atomic:      cfg.Sync.Atomic,
		Timeout:     cfg.Remote.Timeout,
		Observer:    opts.observer,
		Metrics:     a.metrics,
		Journal:     database,
		JournalKeep: cfg.Sync.LogKeep,
	})

	serviceOpts := []catalog.Option{catalog.WithMetrics(a.metrics)}
	for _, h := range opts.hooks {
		serviceOpts = append(serviceOpts, catalog.WithMutationHook(h))
	}

	// A nil *remote.Client must not become a non-nil Mutator.
	var mutator catalog.Mutator
	if a.client != nil {
		mutator = a.client
	}
	a.service = catalog.NewService(database, a.reconciler, mutator, logs.Logger("catalog"), serviceOpts...)

	return a, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
