package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"streamloop/internal/recovery"
)

type sweeper interface {
	Run(ctx context.Context) (recovery.SweepResult, error)
}

type sweepNotifier interface {
	SessionsUpdated(ctx context.Context)
	RecoveryCompleted(ctx context.Context, result any)
}

type sweepTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) sweepTicker

// startReconcileWorker runs periodic reconciliation sweeps until the returned
// stop function is called or the context is cancelled.
func startReconcileWorker(ctx context.Context, logger *slog.Logger, reconciler sweeper, notifier sweepNotifier, interval time.Duration) func() {
	return startReconcileWorkerWithTicker(ctx, logger, reconciler, notifier, interval, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func startReconcileWorkerWithTicker(
	ctx context.Context,
	logger *slog.Logger,
	reconciler sweeper,
	notifier sweepNotifier,
	interval time.Duration,
	newTicker tickerFactory,
) func() {
	if reconciler == nil || interval <= 0 {
		return func() {}
	}
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				result, err := reconciler.Run(workerCtx)
				if err != nil {
					if logger != nil {
						logger.Error("periodic reconciliation failed", "error", err)
					}
					continue
				}
				if notifier != nil && result.Recovered+result.MovedToInactive+result.OrphansRemoved > 0 {
					notifier.SessionsUpdated(workerCtx)
					notifier.RecoveryCompleted(workerCtx, result)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
