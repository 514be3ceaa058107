// Package daemon keeps the local mirror fresh in the background.
//
// The daemon:
// 1. Runs a reconciliation pass on start
// 2. Runs another every refresh interval
// 3. Runs one on demand after Trigger, debounced
// 4. Handles graceful shutdown
//
// Failed passes are logged and retried on the next tick; a register that is
// offline keeps serving its last mirror.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Refresher runs one reconciliation pass. sync.Reconciler satisfies it.
type Refresher interface {
	Reconcile(ctx context.Context) error
}

// Config holds configuration for the daemon.
type Config struct {
	// RefreshInterval is how often to pull the catalog
	RefreshInterval time.Duration

	// DebounceInterval is how long Trigger waits for more triggers
	// before running a pass. This batches bursts of mutations together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RefreshInterval:  30 * time.Second,
		DebounceInterval: 250 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Stats reports daemon activity.
type Stats struct {
	Passes    int64
	Failures  int64
	LastPass  time.Time
	LastError string
	Interval  time.Duration
}

// Daemon runs reconciliation passes on a schedule and on demand.
type Daemon struct {
	refresher Refresher
	config    *Config

	pendingAt time.Time // zero when no trigger is queued
	pendingMu sync.Mutex

	intervalCh chan time.Duration
	interval   atomic.Int64

	passes    atomic.Int64
	failures  atomic.Int64
	lastMu    sync.Mutex
	lastPass  time.Time
	lastError string

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a new Daemon instance with the default configuration.
//
// Use Start() to begin refreshing.
func New(refresher Refresher) (*Daemon, error) {
	return NewWithConfig(refresher, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(refresher Refresher, config *Config) (*Daemon, error) {
	if refresher == nil {
		return nil, errors.New("refresher cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.RefreshInterval <= 0 {
		return nil, fmt.Errorf("refresh interval must be positive, got %v", config.RefreshInterval)
	}
	if config.DebounceInterval <= 0 {
		return nil, fmt.Errorf("debounce interval must be positive, got %v", config.DebounceInterval)
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		refresher:  refresher,
		config:     config,
		intervalCh: make(chan time.Duration, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	d.interval.Store(int64(config.RefreshInterval))
	return d, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Perform an initial pass
// 2. Refresh every RefreshInterval
// 3. Process triggers with debouncing
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (interval %v)", d.Interval())

	d.wg.Add(2)

	// Initial pass; failure is not fatal. It ends early on either ctx or Stop.
	initCtx, cancel := context.WithCancel(d.ctx)
	stopInit := context.AfterFunc(ctx, cancel)
	d.runPass(initCtx, "initial")
	stopInit()
	cancel()

	go d.refreshLoop()
	go d.processTriggers()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It waits for a pass in progress.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()
		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// Trigger asks for a pass soon. Triggers arriving within the debounce
// interval of each other collapse into one pass.
func (d *Daemon) Trigger() {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	d.pendingAt = time.Now()
}

// SetInterval changes the refresh interval of a running daemon.
// Non-positive values are ignored.
func (d *Daemon) SetInterval(interval time.Duration) {
	if interval <= 0 {
		return
	}
	d.interval.Store(int64(interval))

	// Replace any interval not yet picked up.
	select {
	case <-d.intervalCh:
	default:
	}
	select {
	case d.intervalCh <- interval:
	default:
	}
}

// Interval returns the current refresh interval.
func (d *Daemon) Interval() time.Duration {
	return time.Duration(d.interval.Load())
}

// Stats returns a snapshot of daemon activity.
func (d *Daemon) Stats() Stats {
	d.lastMu.Lock()
	defer d.lastMu.Unlock()

	return Stats{
		Passes:    d.passes.Load(),
		Failures:  d.failures.Load(),
		LastPass:  d.lastPass,
		LastError: d.lastError,
		Interval:  d.Interval(),
	}
}

// refreshLoop runs a pass every refresh interval.
func (d *Daemon) refreshLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case interval := <-d.intervalCh:
			d.config.Logger.Printf("Refresh interval changed to %v", interval)
			ticker.Reset(interval)

		case <-ticker.C:
			d.runPass(d.ctx, "scheduled")
		}
	}
}

// processTriggers runs a pass once a trigger has been quiet long enough.
func (d *Daemon) processTriggers() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			if d.takePending() {
				d.runPass(d.ctx, "triggered")
			}
		}
	}
}

// takePending clears and reports a trigger that has settled.
func (d *Daemon) takePending() bool {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()

	if d.pendingAt.IsZero() || time.Since(d.pendingAt) < d.config.DebounceInterval {
		return false
	}
	d.pendingAt = time.Time{}
	return true
}

// runPass performs one pass and records the outcome.
func (d *Daemon) runPass(ctx context.Context, reason string) {
	err := d.refresher.Reconcile(ctx)

	d.passes.Add(1)
	d.lastMu.Lock()
	d.lastPass = time.Now()
	if err != nil {
		d.lastError = err.Error()
	} else {
		d.lastError = ""
	}
	d.lastMu.Unlock()

	if err != nil {
		d.failures.Add(1)
		d.config.Logger.Printf("Warning: %s refresh failed: %v", reason, err)
	}
}
