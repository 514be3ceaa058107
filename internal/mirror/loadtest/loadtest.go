// Package loadtest drives many concurrent reads through the catalog service
// against one local mirror and an in-memory catalog server.
//
// Every simulated register runs the full read path: a reconciliation pass
// that upserts the whole remote catalog, then a read of the mirror. Because
// upserts are whole-record replacements keyed by id, the mirror must end with
// exactly the seeded records no matter how the passes interleave.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopfront/posmirror/internal/catalog"
	"github.com/shopfront/posmirror/internal/mirror/db"
	mirrorsync "github.com/shopfront/posmirror/internal/mirror/sync"
	"github.com/shopfront/posmirror/internal/remote"
	"github.com/shopfront/posmirror/internal/remote/remotetest"
)

// Harness is a seeded catalog server, a local mirror and the service joining them.
type Harness struct {
	DB       *db.DB
	Server   *remotetest.Server
	Service  *catalog.Service
	Products int
	Coalesce bool

	ownsServer bool
}

// LatencyStats captures per-load latencies from a run.
type LatencyStats struct {
	Min        time.Duration
	Max        time.Duration
	Mean       time.Duration
	P50        time.Duration // Median
	P95        time.Duration
	P99        time.Duration
	TotalLoads int
	Errors     int
	Durations  []time.Duration
}

// Options controls how a harness is built.
type Options struct {
	// Products is the number of records seeded on the server.
	Products int

	// Coalesce shares in-flight passes between registers. With it off every
	// load runs its own pass, which is the harder case for the store.
	Coalesce bool

	// Server is an existing catalog server to seed. Nil starts a new one.
	// Records already on it count towards the expected mirror size.
	Server *remotetest.Server

	// Logger receives pass and service logs. Nil discards them.
	Logger *log.Logger
}

// CreateHarness opens a mirror at dbPath and seeds a catalog server with
// opts.Products records.
func CreateHarness(dbPath string, opts Options) (*Harness, error) {
	if opts.Products < 0 {
		return nil, fmt.Errorf("products must be >= 0, got %d", opts.Products)
	}

	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Registers share one pool; give it room for every concurrent pass.
	database.RawDB().SetMaxOpenConns(64)
	database.RawDB().SetMaxIdleConns(16)
	database.RawDB().SetConnMaxLifetime(5 * time.Minute)

	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	server := opts.Server
	ownsServer := server == nil
	if ownsServer {
		server = remotetest.New(nil)
	}
	server.Seed(opts.Products)

	client, err := remote.NewClient(server.URL(), remote.WithLogger(logger))
	if err != nil {
		database.Close()
		if ownsServer {
			server.Close()
		}
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	reconciler := mirrorsync.New(database, client, &mirrorsync.Config{
		Logger:   logger,
		Coalesce: opts.Coalesce,
	})

	return &Harness{
		DB:         database,
		Server:     server,
		Service:    catalog.NewService(database, reconciler, client, logger),
		Products:   len(server.Active()),
		Coalesce:   opts.Coalesce,
		ownsServer: ownsServer,
	}, nil
}

// Close closes the mirror and, if the harness started it, the server.
func (h *Harness) Close() error {
	if h.ownsServer {
		h.Server.Close()
	}
	return h.DB.Close()
}

// RunConcurrentLoads starts numRegisters goroutines, each calling the read
// path loadsPerRegister times, and returns latency statistics.
//
// A load counts as an error when it fails or when it returns a mirror that
// does not hold every seeded product.
func (h *Harness) RunConcurrentLoads(ctx context.Context, numRegisters, loadsPerRegister int) (*LatencyStats, error) {
	if numRegisters <= 0 || loadsPerRegister <= 0 {
		return nil, fmt.Errorf("registers and loads must be positive (got %d, %d)", numRegisters, loadsPerRegister)
	}

	var wg sync.WaitGroup
	resultsChan := make(chan time.Duration, numRegisters*loadsPerRegister)
	errorsChan := make(chan error, numRegisters*loadsPerRegister)

	for i := 0; i < numRegisters; i++ {
		wg.Add(1)
		go func(register int) {
			defer wg.Done()

			for j := 0; j < loadsPerRegister; j++ {
				start := time.Now()
				products, err := h.Service.Load(ctx)
				elapsed := time.Since(start)

				if err != nil {
					errorsChan <- fmt.Errorf("register %d load %d: %w", register, j, err)
					continue
				}
				if len(products) < h.Products {
					errorsChan <- fmt.Errorf("register %d load %d: got %d products, want at least %d",
						register, j, len(products), h.Products)
					continue
				}
				resultsChan <- elapsed
			}
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	durations := make([]time.Duration, 0, numRegisters*loadsPerRegister)
	for d := range resultsChan {
		durations = append(durations, d)
	}

	var firstErr error
	errorCount := 0
	for err := range errorsChan {
		if firstErr == nil {
			firstErr = err
		}
		errorCount++
	}

	stats := computeLatencyStats(durations)
	stats.Errors = errorCount

	if errorCount > 0 && len(durations) == 0 {
		return stats, fmt.Errorf("all %d loads failed: %w", errorCount, firstErr)
	}
	return stats, nil
}

// VerifyMirror checks that the mirror holds exactly the records the server
// lists, each with the server's sku.
func (h *Harness) VerifyMirror(ctx context.Context) error {
	count, err := h.DB.CountContext(ctx)
	if err != nil {
		return err
	}
	if count != h.Products {
		return fmt.Errorf("mirror has %d products, want %d", count, h.Products)
	}

	for _, want := range h.Server.Active() {
		got, err := h.DB.GetByIDContext(ctx, want.ID)
		if err != nil {
			return fmt.Errorf("product %s: %w", want.ID, err)
		}
		if got.SKU != want.SKU {
			return fmt.Errorf("product %s: sku %q, want %q", want.ID, got.SKU, want.SKU)
		}
	}
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalLoads: len(durations),
		Durations:  sorted,
	}
}

// PrintStats writes latency statistics to w.
func (s *LatencyStats) PrintStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Loads:   %d\n", s.TotalLoads)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
