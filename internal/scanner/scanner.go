// Package scanner 超时恢复扫描: periodically picks up sagas whose driver
// died mid-flight and hands them back to the engine.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/payrail/orchestrator/internal/metrics"
	"github.com/payrail/orchestrator/internal/repository"
	"github.com/payrail/orchestrator/pkg/health"
	"github.com/payrail/orchestrator/pkg/logger"
	"github.com/payrail/orchestrator/pkg/redisx"
)

// Advancer resumes a saga from its persisted state. Implemented by the
// execution engine; re-delivery is safe because the engine no-ops on
// terminal sagas and version-check losses.
type Advancer interface {
	Advance(ctx context.Context, sagaID string) error
}

// Config controls the sweep cadence and selection window.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// Grace is how long a non-terminal saga may sit without a transition
	// before the sweep picks it up. Keep it above the largest step timeout
	// plus backoff so the scanner never races a live driver.
	Grace time.Duration
	// BatchSize caps how many sagas one sweep recovers.
	BatchSize int
	// SweepTimeout bounds one whole sweep.
	SweepTimeout time.Duration
	// LockTTL is the leader lock's lease. A sweep that runs past half the
	// lease renews it, so the lock cannot expire under a live sweep. Zero
	// disables renewal.
	LockTTL time.Duration
}

// Scanner runs the recovery sweep on a cron schedule. When a lock is
// configured only the instance holding it sweeps, so a multi-replica
// deployment recovers each saga once; losing the lock is harmless since
// every replica's engine tolerates duplicate deliveries.
type Scanner struct {
	cfg     Config
	store   repository.Store
	engine  Advancer
	lock    *redisx.Lock // nil = single instance, always sweep
	metrics *metrics.Metrics
	monitor *health.LoopMonitor
	log     *logger.Logger
	cron    *cron.Cron
}

func New(cfg Config, store repository.Store, engine Advancer, lock *redisx.Lock,
	m *metrics.Metrics, monitor *health.LoopMonitor, log *logger.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = cfg.Interval
	}
	return &Scanner{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		lock:    lock,
		metrics: m,
		monitor: monitor,
		log:     log,
		cron:    cron.New(),
	}
}

// Start schedules the sweep and returns immediately.
func (s *Scanner) Start() error {
	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, s.runSweep); err != nil {
		return fmt.Errorf("schedule recovery sweep: %w", err)
	}
	s.cron.Start()
	s.monitor.Tick()
	s.log.Infof("recovery scanner started", map[string]interface{}{
		"interval": s.cfg.Interval.String(),
		"grace":    s.cfg.Grace.String(),
	})
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish or the
// context to expire.
func (s *Scanner) Stop(ctx context.Context) {
	done := s.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Scanner) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweepTimeout)
	defer cancel()
	s.monitor.Tick()

	if s.lock != nil {
		leader, err := s.lock.Acquire(ctx)
		if err != nil {
			s.monitor.SetError(err)
			s.metrics.ScannerErrors.Inc()
			s.log.WithError(err).Error("recovery sweep: lock acquire failed")
			return
		}
		if !leader {
			return
		}
		defer func() {
			if err := s.lock.Release(context.Background()); err != nil {
				s.log.WithError(err).Warn("recovery sweep: lock release failed")
			}
		}()
	}

	if err := s.Sweep(ctx); err != nil {
		s.monitor.SetError(err)
		s.metrics.ScannerErrors.Inc()
		s.log.WithError(err).Error("recovery sweep failed")
	}
}

// Sweep selects stalled sagas and re-drives each once. Per-saga failures
// are counted and logged but do not stop the batch.
func (s *Scanner) Sweep(ctx context.Context) error {
	now := time.Now().UnixMilli()
	ids, err := s.store.StalledSagaIDs(ctx, now-s.cfg.Grace.Milliseconds(), now, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select stalled sagas: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	s.log.Infof("recovery sweep picked up stalled sagas", map[string]interface{}{
		"count": len(ids),
	})

	lease := time.Now()
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.extendLease(ctx, &lease); err != nil {
			return err
		}
		if err := s.engine.Advance(logger.ContextWithSagaID(ctx, id), id); err != nil {
			s.metrics.ScannerErrors.Inc()
			s.log.WithError(err).Errorf("recovery advance failed", map[string]interface{}{
				"sagaId": id,
			})
			continue
		}
		s.metrics.ScannerRecoveries.Inc()
	}
	return nil
}

// extendLease renews the leader lock once half its lease has elapsed. Losing
// the lock mid-sweep aborts the batch; another replica owns recovery now and
// the engine tolerates whatever overlap already happened.
func (s *Scanner) extendLease(ctx context.Context, lease *time.Time) error {
	if s.lock == nil || s.cfg.LockTTL <= 0 || time.Since(*lease) < s.cfg.LockTTL/2 {
		return nil
	}
	ok, err := s.lock.Extend(ctx, s.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("extend leader lock: %w", err)
	}
	if !ok {
		return errors.New("leader lock lost mid-sweep")
	}
	*lease = time.Now()
	return nil
}
