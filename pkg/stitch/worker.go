package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/stitch/pkg/contracts"
	"github.com/Mindburn-Labs/stitch/pkg/observability"
	"github.com/Mindburn-Labs/stitch/pkg/util/resiliency"
)

// WorkerConfig tunes the resolve loop. Zero values get sensible defaults.
type WorkerConfig struct {
	// BatchLimit caps how many PENDING events one cycle pulls.
	BatchLimit int

	// KeyWindow bounds correlation-key validity; see Resolver.KeyWindow.
	KeyWindow time.Duration

	// MaxAttempts bounds retries of one cycle on transient failures. Each
	// retry re-derives the plan from current store state.
	MaxAttempts int

	// RetryBaseDelay is the first backoff step between attempts.
	RetryBaseDelay time.Duration

	// BatchesPerSecond rate-limits cycles against the store. Zero means
	// unlimited.
	BatchesPerSecond float64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchLimit <= 0 {
		c.BatchLimit = 5000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	return c
}

// Worker runs the resolve → plan → apply loop against one store. Any number
// of workers may run concurrently against the same store; coordination
// happens purely through conditional key claims and idempotent writes.
type Worker struct {
	cfg      WorkerConfig
	resolver *Resolver
	planner  *Planner
	applier  *Applier
	retrier  *resiliency.Retrier
	limiter  *rate.Limiter
	log      *slog.Logger
	metrics  *observability.Metrics
}

func NewWorker(store Storage, cfg WorkerConfig, log *slog.Logger, metrics *observability.Metrics) *Worker {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}

	resolver := NewResolver(store)
	resolver.KeyWindow = cfg.KeyWindow

	applier := NewApplier(store, log)
	applier.KeyWindow = cfg.KeyWindow

	retrier := resiliency.NewRetrier("stitch-store", cfg.MaxAttempts, cfg.RetryBaseDelay)
	retrier.Retryable = IsTransient

	var limiter *rate.Limiter
	if cfg.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.BatchesPerSecond), 1)
	}

	return &Worker{
		cfg:      cfg,
		resolver: resolver,
		planner:  NewPlanner(),
		applier:  applier,
		retrier:  retrier,
		limiter:  limiter,
		log:      log.With("component", "worker"),
		metrics:  metrics,
	}
}

// Cycle resolves and commits one batch, returning how many events it
// resolved. Zero with a nil error means no PENDING events remain.
func (w *Worker) Cycle(ctx context.Context) (int, error) {
	start := time.Now()

	components, err := w.resolver.ResolveBatch(ctx, w.cfg.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(components) == 0 {
		return 0, nil
	}

	plan := w.planner.Plan(components)
	if err := w.applier.Apply(ctx, plan); err != nil {
		return 0, err
	}

	elapsed := time.Since(start)
	w.metrics.AddBatch(ctx, elapsed)
	w.metrics.AddResolved(ctx, len(plan.Resolved))
	w.metrics.AddJourneys(ctx, len(plan.NewJourneys), countLosers(plan.Merges))
	w.log.Debug("batch committed",
		"events", len(plan.Resolved),
		"components", len(components),
		"new_journeys", len(plan.NewJourneys),
		"merges", len(plan.Merges),
		"elapsed", elapsed,
	)
	return len(plan.Resolved), nil
}

// Drain repeatedly cycles until the store has no PENDING events left,
// retrying transient failures with fresh plans. Returns the total number of
// events resolved.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if w.limiter != nil {
			if err := w.limiter.Wait(ctx); err != nil {
				return total, err
			}
		}

		var n int
		err := w.retrier.Do(ctx, func(ctx context.Context) error {
			var cycleErr error
			n, cycleErr = w.Cycle(ctx)
			return cycleErr
		})
		if err != nil {
			return total, fmt.Errorf("resolve cycle: %w", err)
		}
		if n == 0 {
			return total, nil
		}
		total += n
	}
}

// Run drains on every tick until the context is canceled. A failed drain is
// logged and retried on the next tick; the affected events stay PENDING, so
// nothing is lost, only delayed.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := w.Drain(ctx)
		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err
		case err != nil:
			w.log.Error("drain failed, will retry next tick", "error", err, "resolved", n)
		case n > 0:
			w.log.Info("drained pending events", "resolved", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func countLosers(merges []contracts.Merge) int {
	n := 0
	for _, m := range merges {
		n += len(m.LoserIDs)
	}
	return n
}
