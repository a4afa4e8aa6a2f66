// Package sweep is the always-on PENDING-saga sweeper: it periodically
// scans the coordinator's pending queue for sagas that have sat in
// PENDING past a deadline and drives them to a terminal state (confirmed if
// every leg is already recorded, otherwise compensated), covering the
// case where a downstream confirmation or failure event never arrives.
// Grounded on internal/worker/expiry_worker.go's ticker-loop
// Start/Stop/WaitGroup shape.
package sweep

import (
	"context"
	"sync"
	"time"

	"github.com/prohmpiriya/travel-saga-orchestrator/internal/domain"
	"github.com/prohmpiriya/travel-saga-orchestrator/pkg/logger"
)

// PendingScanner is the subset of the coordinator's contract the sweeper uses.
type PendingScanner interface {
	ScanPendingOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Sweepable is the subset of the orchestrator's contract the sweeper uses.
// SweepStale re-reads the durable record and only acts on a still-PENDING
// saga, so calling it redundantly (or racing the orchestrator's own
// aggregation) is safe.
type Sweepable interface {
	SweepStale(ctx context.Context, requestID string) (*domain.SagaRecord, error)
}

// Config configures a Sweeper.
type Config struct {
	Scanner  PendingScanner
	Orch     Sweepable
	Interval time.Duration
	Deadline time.Duration
}

// DefaultConfig returns the sweeper's default scan cadence and staleness
// deadline.
func DefaultConfig() *Config {
	return &Config{
		Interval: 30 * time.Second,
		Deadline: 10 * time.Minute,
	}
}

// Sweeper drives stale PENDING sagas to a terminal state.
type Sweeper struct {
	scanner  PendingScanner
	orch     Sweepable
	interval time.Duration
	deadline time.Duration
	log      *logger.Logger

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	lastScanTime    time.Time
	lastSweptCount  int
	totalSwept      int64
}

// NewSweeper wires a Sweeper from its collaborators.
func NewSweeper(cfg *Config) *Sweeper {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Deadline == 0 {
		cfg.Deadline = 10 * time.Minute
	}
	return &Sweeper{
		scanner:  cfg.Scanner,
		orch:     cfg.Orch,
		interval: cfg.Interval,
		deadline: cfg.Deadline,
		log:      logger.Get(),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the scan loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting pending saga sweeper", "interval", s.interval, "deadline", s.deadline)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop halts the scan loop and waits for the in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("pending saga sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.lastScanTime = time.Now()
	cutoff := s.lastScanTime.Add(-s.deadline)

	ids, err := s.scanner.ScanPendingOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("sweeper failed to scan pending queue", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	s.log.Info("sweeper found stale pending sagas", "count", len(ids))
	s.lastSweptCount = 0
	for _, requestID := range ids {
		if _, err := s.orch.SweepStale(ctx, requestID); err != nil {
			s.log.Warn("sweeper failed to drive saga to terminal state", "requestId", requestID, "error", err)
			continue
		}
		s.lastSweptCount++
		s.totalSwept++
	}
}

// Stats reports sweeper bookkeeping for health/metrics endpoints.
type Stats struct {
	IsRunning      bool      `json:"isRunning"`
	LastScanTime   time.Time `json:"lastScanTime"`
	LastSweptCount int       `json:"lastSweptCount"`
	TotalSwept     int64     `json:"totalSwept"`
}

// GetStats returns a snapshot of the sweeper's bookkeeping.
func (s *Sweeper) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		IsRunning:      s.running,
		LastScanTime:   s.lastScanTime,
		LastSweptCount: s.lastSweptCount,
		TotalSwept:     s.totalSwept,
	}
}
