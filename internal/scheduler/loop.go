package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/gosched/internal/dispatch"
	"github.com/me/gosched/internal/generation"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	PollInterval     time.Duration // dispatch cadence
	GenerateInterval time.Duration // task generation cadence; PollInterval when zero
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 2 * time.Second, GenerateInterval: 5 * time.Second}
}

// Leadership hands out the fence of the current lease.
type Leadership interface {
	Fence() (*model.Fence, bool)
}

// Loop implements the Scheduler interface with two polling loops, one
// generating tasks and instances and one dispatching, that only do work
// while this process holds the lease.
type Loop struct {
	leader     Leadership
	generator  *generation.Generator
	dispatcher *dispatch.Dispatcher
	config     Config
	logger     *slog.Logger
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewLoop creates a new scheduler loop.
func NewLoop(leader Leadership, gen *generation.Generator, disp *dispatch.Dispatcher, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		leader:     leader,
		generator:  gen,
		dispatcher: disp,
		config:     cfg,
		logger:     logger.With("component", "scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the generation and dispatch loops. Blocks until ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	genInterval := l.config.GenerateInterval
	if genInterval <= 0 {
		genInterval = l.config.PollInterval
	}
	l.logger.Info("scheduler started", "poll_interval", l.config.PollInterval, "generate_interval", genInterval)
	defer close(l.doneCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.every(gctx, "generate", genInterval, l.generate) })
	g.Go(func() error { return l.every(gctx, "dispatch", l.config.PollInterval, l.dispatch) })
	err := g.Wait()
	if ctx.Err() != nil {
		l.logger.Info("scheduler stopping (context cancelled)")
		return ctx.Err()
	}
	l.logger.Info("scheduler stopping (stop called)")
	return err
}

func (l *Loop) every(ctx context.Context, name string, interval time.Duration, phase func(context.Context, *model.Fence) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stopCh:
			return nil
		case <-ticker.C:
			if err := l.run(ctx, phase); err != nil {
				l.logger.Error("tick error", "loop", name, "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the scheduler and waits for running phases to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// Tick runs generation and dispatch once. Followers return immediately.
// Losing the lease mid-tick abandons the remaining phases.
func (l *Loop) Tick(ctx context.Context) error {
	return l.run(ctx, func(ctx context.Context, fence *model.Fence) error {
		if err := l.generate(ctx, fence); err != nil {
			return err
		}
		return l.dispatch(ctx, fence)
	})
}

func (l *Loop) run(ctx context.Context, phase func(context.Context, *model.Fence) error) error {
	fence, ok := l.leader.Fence()
	if !ok {
		return nil
	}

	err := phase(ctx, fence)
	if errors.Is(err, store.ErrFenced) {
		l.logger.Warn("lease lost during tick, stopping leader work", "token", fence.Token)
		return nil
	}
	return err
}

func (l *Loop) generate(ctx context.Context, fence *model.Fence) error {
	// Phase 1: Turn due schedule fire times into tasks.
	rep, err := l.generator.GenerateTasks(ctx, fence)
	if err != nil {
		return fmt.Errorf("phase 1 (generate tasks): %w", err)
	}
	if rep.Generated > 0 || rep.Expired > 0 || rep.Completed > 0 {
		l.logger.Info("tasks generated", "generated", rep.Generated,
			"expired", rep.Expired, "completed", rep.Completed)
	}

	// Phase 2: Create first instances of tasks whose time has come.
	n, err := l.generator.GenerateInstances(ctx, fence)
	if err != nil {
		return fmt.Errorf("phase 2 (generate instances): %w", err)
	}
	if n > 0 {
		l.logger.Debug("instances created", "count", n)
	}
	return nil
}

func (l *Loop) dispatch(ctx context.Context, fence *model.Fence) error {
	// Phase 3: Requeue dispatches that were never acknowledged.
	if _, err := l.dispatcher.RequeueStale(ctx, fence); err != nil {
		return fmt.Errorf("phase 3 (requeue stale): %w", err)
	}

	// Phase 4: Requeue work of agents that are gone, including those lost
	// under a previous leader.
	if _, err := l.dispatcher.RequeueOrphaned(ctx, fence); err != nil {
		return fmt.Errorf("phase 4 (requeue orphaned): %w", err)
	}

	// Phase 5: Dispatch pending instances.
	drep, err := l.dispatcher.DispatchPending(ctx, fence)
	if err != nil {
		return fmt.Errorf("phase 5 (dispatch): %w", err)
	}
	if drep.Considered > 0 {
		l.logger.Debug("dispatch cycle", "considered", drep.Considered, "dispatched", drep.Dispatched,
			"no_agent", drep.NoAgent, "send_failed", drep.SendFailed)
	}
	return nil
}
