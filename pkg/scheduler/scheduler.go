// Package scheduler periodically freezes a new epoch snapshot from whatever
// rewards have been completed since the last one.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/metrics"
)

// Ledger is the slice of the ledger service the scheduler drives.
type Ledger interface {
	LatestEpoch(ctx context.Context) (uint64, bool, error)
	BuildEpochSnapshot(ctx context.Context, epoch uint64) (*ledger.EpochSnapshot, error)
}

// Notifier receives snapshot build outcomes. Implementations must tolerate
// being called from the scheduler goroutine.
type Notifier interface {
	SnapshotBuilt(ctx context.Context, meta *ledger.EpochSnapshot)
	SnapshotFailed(ctx context.Context, epoch uint64, err error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Ledger   Ledger
	Interval time.Duration
	Notifier Notifier // optional
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be greater than 0")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Scheduler builds epoch N+1 on every tick, where N is the highest frozen
// epoch. A tick with nothing to distribute is a quiet skip, not an error.
type Scheduler struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scheduler{log: cfg.Logger, cfg: cfg}, nil
}

// Start launches the build loop. It returns immediately; the loop stops when
// ctx is cancelled. The first build waits a full interval so that restarts
// do not stack snapshots.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		s.log.Info("scheduler: starting build loop", "interval", s.cfg.Interval)

		ticker := s.cfg.Clock.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler: build loop stopped")
				return
			case <-ticker.Chan():
				s.safeRunOnce(ctx)
			}
		}
	}()
}

func (s *Scheduler) safeRunOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduler: build panicked", "panic", r)
			metrics.SchedulerRunsTotal.WithLabelValues("panic").Inc()
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce performs a single build attempt. Exported so the admin CLI can
// trigger the identical code path on demand.
func (s *Scheduler) RunOnce(ctx context.Context) {
	latest, ok, err := s.cfg.Ledger.LatestEpoch(ctx)
	if err != nil {
		s.log.Error("scheduler: failed to determine latest epoch", "error", err)
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		return
	}
	next := uint64(1)
	if ok {
		next = latest + 1
	}

	meta, err := s.cfg.Ledger.BuildEpochSnapshot(ctx, next)
	switch {
	case err == nil:
		s.log.Info("scheduler: epoch snapshot built",
			"epoch", meta.Epoch, "leaves", meta.LeavesCount, "root", meta.Root.String())
		metrics.SchedulerRunsTotal.WithLabelValues("built").Inc()
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.SnapshotBuilt(ctx, meta)
		}
	case errors.Is(err, ledger.ErrNoClaimableRewards):
		s.log.Debug("scheduler: nothing to distribute", "epoch", next)
		metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
	case errors.Is(err, ledger.ErrEpochExists):
		// Another builder froze this epoch between our read and our build.
		s.log.Debug("scheduler: epoch already frozen", "epoch", next)
		metrics.SchedulerRunsTotal.WithLabelValues("skipped").Inc()
	case errors.Is(err, context.Canceled):
	default:
		s.log.Error("scheduler: snapshot build failed", "epoch", next, "error", err)
		metrics.SchedulerRunsTotal.WithLabelValues("error").Inc()
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.SnapshotFailed(ctx, next, err)
		}
	}
}
