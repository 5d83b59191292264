package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/logger"
	"github.com/malbeclabs/tally/pkg/scheduler"
	"github.com/stretchr/testify/require"
)

type fakeLedger struct {
	mu       sync.Mutex
	latest   uint64
	hasEpoch bool
	buildErr error
	built    chan uint64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{built: make(chan uint64, 16)}
}

func (f *fakeLedger) LatestEpoch(ctx context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, f.hasEpoch, nil
}

func (f *fakeLedger) BuildEpochSnapshot(ctx context.Context, epoch uint64) (*ledger.EpochSnapshot, error) {
	f.mu.Lock()
	err := f.buildErr
	if err == nil {
		f.latest = epoch
		f.hasEpoch = true
	}
	f.mu.Unlock()
	f.built <- epoch
	if err != nil {
		return nil, err
	}
	return &ledger.EpochSnapshot{Epoch: epoch, LeavesCount: 1}, nil
}

func (f *fakeLedger) setBuildErr(err error) {
	f.mu.Lock()
	f.buildErr = err
	f.mu.Unlock()
}

type recordingNotifier struct {
	mu      sync.Mutex
	builds  []uint64
	failure []uint64
}

func (n *recordingNotifier) SnapshotBuilt(ctx context.Context, meta *ledger.EpochSnapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.builds = append(n.builds, meta.Epoch)
}

func (n *recordingNotifier) SnapshotFailed(ctx context.Context, epoch uint64, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failure = append(n.failure, epoch)
}

func waitBuilt(t *testing.T, ch <-chan uint64) uint64 {
	t.Helper()
	select {
	case epoch := <-ch:
		return epoch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for build attempt")
		return 0
	}
}

func TestTally_Scheduler_New(t *testing.T) {
	t.Parallel()

	t.Run("requires ledger and positive interval", func(t *testing.T) {
		t.Parallel()
		_, err := scheduler.New(scheduler.Config{Logger: logger.NewTest(), Interval: time.Minute})
		require.Error(t, err)
		_, err = scheduler.New(scheduler.Config{Logger: logger.NewTest(), Ledger: newFakeLedger()})
		require.Error(t, err)
	})
}

func TestTally_Scheduler_RunOnce(t *testing.T) {
	t.Parallel()

	t.Run("builds epoch one when no epoch exists", func(t *testing.T) {
		t.Parallel()
		fake := newFakeLedger()
		notifier := &recordingNotifier{}
		sched, err := scheduler.New(scheduler.Config{
			Logger:   logger.NewTest(),
			Clock:    clockwork.NewFakeClock(),
			Ledger:   fake,
			Interval: time.Minute,
			Notifier: notifier,
		})
		require.NoError(t, err)

		sched.RunOnce(context.Background())
		require.Equal(t, uint64(1), waitBuilt(t, fake.built))
		require.Equal(t, []uint64{1}, notifier.builds)
	})

	t.Run("advances past the latest frozen epoch", func(t *testing.T) {
		t.Parallel()
		fake := newFakeLedger()
		fake.latest, fake.hasEpoch = 7, true
		sched, err := scheduler.New(scheduler.Config{
			Logger:   logger.NewTest(),
			Ledger:   fake,
			Interval: time.Minute,
		})
		require.NoError(t, err)

		sched.RunOnce(context.Background())
		require.Equal(t, uint64(8), waitBuilt(t, fake.built))
	})

	t.Run("nothing to distribute is quiet", func(t *testing.T) {
		t.Parallel()
		fake := newFakeLedger()
		fake.setBuildErr(ledger.ErrNoClaimableRewards)
		notifier := &recordingNotifier{}
		sched, err := scheduler.New(scheduler.Config{
			Logger:   logger.NewTest(),
			Ledger:   fake,
			Interval: time.Minute,
			Notifier: notifier,
		})
		require.NoError(t, err)

		sched.RunOnce(context.Background())
		waitBuilt(t, fake.built)
		require.Empty(t, notifier.builds)
		require.Empty(t, notifier.failure)
	})

	t.Run("unexpected build failures notify", func(t *testing.T) {
		t.Parallel()
		fake := newFakeLedger()
		fake.setBuildErr(errors.New("disk on fire"))
		notifier := &recordingNotifier{}
		sched, err := scheduler.New(scheduler.Config{
			Logger:   logger.NewTest(),
			Ledger:   fake,
			Interval: time.Minute,
			Notifier: notifier,
		})
		require.NoError(t, err)

		sched.RunOnce(context.Background())
		waitBuilt(t, fake.built)
		require.Equal(t, []uint64{1}, notifier.failure)
	})
}

func TestTally_Scheduler_Loop(t *testing.T) {
	t.Parallel()

	t.Run("builds on every tick and stops on cancel", func(t *testing.T) {
		t.Parallel()
		fake := newFakeLedger()
		clock := clockwork.NewFakeClock()
		sched, err := scheduler.New(scheduler.Config{
			Logger:   logger.NewTest(),
			Clock:    clock,
			Ledger:   fake,
			Interval: time.Hour,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		sched.Start(ctx)

		// Wait for the loop to register its ticker before advancing.
		require.NoError(t, clock.BlockUntilContext(ctx, 1))

		clock.Advance(time.Hour)
		require.Equal(t, uint64(1), waitBuilt(t, fake.built))

		clock.Advance(time.Hour)
		require.Equal(t, uint64(2), waitBuilt(t, fake.built))

		cancel()
		select {
		case epoch := <-fake.built:
			t.Fatalf("unexpected build of epoch %d after cancel", epoch)
		case <-time.After(100 * time.Millisecond):
		}
	})
}
