/*
scheduler.go - Reconciliation outbox retry scheduler

PURPOSE:
  Periodically re-runs open reconciliation failures (claims whose ledger
  effect could not be applied when they were written). The same work is
  available on demand via POST /api/admin/reconciliation-failures/retry;
  the scheduler only saves an operator from having to call it.

DESIGN:
  - Runs a background goroutine with a fixed interval
  - Each pass calls ClaimService.RetryFailedReconciliations
  - Disabled when the interval is zero

USAGE:
  scheduler := NewRetryScheduler(services.Claims, time.Minute, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - benefits/claims.go: RetryFailedReconciliations
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/benefits-engine/benefits"
)

// RetryScheduler retries the reconciliation outbox on a ticker.
type RetryScheduler struct {
	Claims   *benefits.ClaimService
	Interval time.Duration
	Logger   *slog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewRetryScheduler(claims *benefits.ClaimService, interval time.Duration, logger *slog.Logger) *RetryScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{Claims: claims, Interval: interval, Logger: logger}
}

// Start begins the scheduler. It is a no-op when Interval <= 0 or when
// already running.
func (rs *RetryScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.Interval <= 0 {
		rs.Logger.Info("reconciliation retry scheduler disabled")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)
	go rs.run(rs.ticker, rs.stop)

	rs.Logger.Info("reconciliation retry scheduler started", "interval", rs.Interval)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (rs *RetryScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker == nil {
		return
	}
	rs.ticker.Stop()
	close(rs.stop)
	rs.wg.Wait()
	rs.ticker = nil
	rs.Logger.Info("reconciliation retry scheduler stopped")
}

func (rs *RetryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer rs.wg.Done()
	for {
		select {
		case <-ticker.C:
			rs.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one retry pass.
func (rs *RetryScheduler) RunNow(ctx context.Context) benefits.RetryReport {
	report, err := rs.Claims.RetryFailedReconciliations(ctx, "scheduler")
	if err != nil {
		rs.Logger.Error("reconciliation retry pass failed", "error", err)
		return report
	}
	if report.Attempted > 0 {
		rs.Logger.Info("reconciliation retry pass",
			"attempted", report.Attempted,
			"resolved", report.Resolved,
			"failed", report.Failed)
	}
	return report
}
