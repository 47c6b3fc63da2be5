package pagerank

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler recomputes PageRank in the background: once immediately on
// Start, then every Interval, and additionally whenever Trigger is called.
//
// A failed or panicking run is logged and the loop keeps going. Triggers
// that arrive while a run is in progress coalesce into a single follow-up run.
//
// Example:
//
//	s := pagerank.NewScheduler(engine, time.Hour, logger)
//	s.Start(ctx)
//	defer s.Stop()
type Scheduler struct {
	engine   *Engine
	run      func(context.Context) error
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	trigger chan struct{}
	runs    int
}

// DefaultInterval replaces a non-positive interval passed to NewScheduler.
const DefaultInterval = time.Hour

// NewScheduler creates a Scheduler for engine. A nil logger discards output.
// An interval <= 0 falls back to DefaultInterval with a warning.
func NewScheduler(engine *Engine, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		logger.Warn("non-positive pagerank interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", DefaultInterval),
		)
		interval = DefaultInterval
	}
	s := &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
	s.run = func(ctx context.Context) error {
		_, err := engine.Calculate(ctx)
		return err
	}
	return s
}

// Start launches the background loop. It returns immediately. Calling Start
// on a running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
	s.logger.Info("pagerank scheduler started", zap.Duration("interval", s.interval))
}

// Trigger requests a run without waiting for the next tick. It never blocks.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Stop cancels the loop and waits for an in-flight run to finish. It is safe
// to call more than once and before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Runs returns how many runs the loop has attempted.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pagerank scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	if err := s.safeCalculate(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("scheduled pagerank run failed", zap.Error(err))
	}
}

func (s *Scheduler) safeCalculate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if s.engine != nil {
				s.engine.observe(OutcomePanic, 0, 0)
			}
			err = fmt.Errorf("pagerank panic: %v", r)
		}
	}()
	return s.run(ctx)
}
