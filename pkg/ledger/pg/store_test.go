package pg_test

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/ledger/pg"
	"github.com/malbeclabs/tally/pkg/logger"
	"github.com/malbeclabs/tally/pkg/merkle"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// newTestStore starts a Postgres container, migrates it, and returns a store
// bound to it. Skips when no container runtime is available.
func newTestStore(t *testing.T) (*pg.Store, *pgxpool.Pool) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("tally_test"),
		tcpostgres.WithUsername("tally"),
		tcpostgres.WithPassword("tally"),
		tcpostgres.BasicWaitStrategies(),
		tcpostgres.WithSQLDriver("pgx"),
	)
	if err != nil {
		t.Skipf("skipping: failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(connStr))

	pool, err := pg.Connect(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := pg.New(pg.Config{Logger: logger.NewTest(), Pool: pool})
	require.NoError(t, err)
	return store, pool
}

func truncateAll(t *testing.T, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `
		TRUNCATE task_contract, wallets, user_tasks, payments,
		         epoch_meta, epoch_wallet_index, epoch_layers, epoch_layer_offsets`)
	require.NoError(t, err)
}

func strptr(s string) *string { return &s }

func TestTally_LedgerPG_Store(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	store, pool := newTestStore(t)
	ctx := context.Background()

	t.Run("task contract replace preserves order", func(t *testing.T) {
		truncateAll(t, pool)
		defs := []ledger.TaskDefinition{
			{TaskID: "b_task", RewardAmount: 20, Active: true},
			{TaskID: "a_task", RewardAmount: 50, Active: true, PayFor: strptr("sub")},
			{TaskID: "old", RewardAmount: 5, Active: false},
		}
		require.NoError(t, store.ReplaceTaskContract(ctx, defs))

		got, err := store.TaskContract(ctx)
		require.NoError(t, err)
		require.Equal(t, defs, got)

		// Replacing swaps the whole catalog.
		require.NoError(t, store.ReplaceTaskContract(ctx, defs[:1]))
		got, err = store.TaskContract(ctx)
		require.NoError(t, err)
		require.Equal(t, defs[:1], got)
	})

	t.Run("user tasks lifecycle", func(t *testing.T) {
		truncateAll(t, pool)
		w := solana.NewWallet().PublicKey().String()

		_, ok, err := store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.False(t, ok)

		recs := []ledger.UserTaskRecord{
			{Wallet: w, TaskID: "register_device", Status: ledger.StatusNotStarted, RewardAmount: 50},
			{Wallet: w, TaskID: "invite_friend", Status: ledger.StatusNotStarted, RewardAmount: 20},
		}
		require.NoError(t, store.InitUserTasks(ctx, w, recs))

		got, ok, err := store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, recs, got)

		completedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		recs[0].Status = ledger.StatusCompleted
		recs[0].CompletedAt = &completedAt
		recs[0].Evidence = strptr("device-1")
		require.NoError(t, store.UpdateUserTask(ctx, recs[0]))

		got, _, err = store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusCompleted, got[0].Status)
		require.Equal(t, completedAt, *got[0].CompletedAt)
		require.Equal(t, "device-1", *got[0].Evidence)

		byWallet, err := store.CompletedRecords(ctx)
		require.NoError(t, err)
		require.Len(t, byWallet[w], 1)
		require.Equal(t, "register_device", byWallet[w][0].TaskID)
	})

	t.Run("empty init still marks the wallet as seen", func(t *testing.T) {
		truncateAll(t, pool)
		w := solana.NewWallet().PublicKey().String()
		require.NoError(t, store.InitUserTasks(ctx, w, nil))

		recs, ok, err := store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.True(t, ok)
		require.Empty(t, recs)
	})

	t.Run("payments keep append order", func(t *testing.T) {
		truncateAll(t, pool)
		w := solana.NewWallet().PublicKey().String()
		ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

		first := ledger.PaymentRecord{ID: uuid.New(), Wallet: w, AmountPaid: 500, TxRef: "tx-1", Timestamp: ts}
		second := ledger.PaymentRecord{ID: uuid.New(), Wallet: w, AmountPaid: 600, TxRef: "tx-2", Timestamp: ts.Add(time.Minute), Purpose: strptr("sub")}
		require.NoError(t, store.AppendPayment(ctx, first))
		require.NoError(t, store.AppendPayment(ctx, second))

		got, err := store.Payments(ctx, w)
		require.NoError(t, err)
		require.Equal(t, []ledger.PaymentRecord{first, second}, got)
	})

	t.Run("commit snapshot is atomic and idempotence-guarded", func(t *testing.T) {
		truncateAll(t, pool)
		w := solana.NewWallet().PublicKey().String()
		completedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, store.InitUserTasks(ctx, w, []ledger.UserTaskRecord{
			{Wallet: w, TaskID: "register_device", Status: ledger.StatusCompleted, CompletedAt: &completedAt, RewardAmount: 50},
		}))

		leaf := merkle.LeafHash(1, 0, solana.MustPublicKeyFromBase58(w), 50)
		tree, err := merkle.Build([]merkle.Hash{leaf})
		require.NoError(t, err)

		snap := &ledger.Snapshot{
			Meta: ledger.EpochSnapshot{
				Epoch:       1,
				Root:        tree.Root(),
				LeavesCount: 1,
				CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			},
			Entries: []ledger.ClaimEntry{{Epoch: 1, Index: 0, Wallet: w, Amount: 50}},
			Nodes:   tree.Nodes,
			Offsets: tree.Offsets,
		}
		require.NoError(t, store.CommitSnapshot(ctx, snap))

		meta, ok, err := store.EpochMeta(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, snap.Meta, meta)

		entry, ok, err := store.WalletEntry(ctx, 1, w)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, ledger.WalletEntry{Index: 0, Amount: 50}, entry)

		epoch, ok, err := store.LatestWalletEpoch(ctx, w)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1), epoch)

		offsets, err := store.LayerOffsets(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, tree.Offsets, offsets)

		nodes, err := store.ReadNodes(ctx, 1, []uint64{0})
		require.NoError(t, err)
		require.Equal(t, []merkle.Hash{leaf}, nodes)

		// Contributing record was moved to reward_prepared with the epoch.
		recs, _, err := store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusRewardPrepared, recs[0].Status)
		require.Equal(t, uint64(1), *recs[0].PreparedEpoch)

		err = store.CommitSnapshot(ctx, snap)
		require.ErrorIs(t, err, ledger.ErrEpochExists)
	})

	t.Run("transition and delete epoch", func(t *testing.T) {
		truncateAll(t, pool)
		w := solana.NewWallet().PublicKey().String()
		epoch := uint64(3)
		prepared := int64(epoch)
		_, err := pool.Exec(ctx, `INSERT INTO wallets (wallet) VALUES ($1)`, w)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `
			INSERT INTO user_tasks (wallet, task_id, status, reward_amount, prepared_epoch)
			VALUES ($1, 'register_device', $2, 50, $3)`,
			w, ledger.StatusRewardPrepared.String(), prepared)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `
			INSERT INTO epoch_meta (epoch, root, leaves_count, created_at)
			VALUES ($1, $2, 1, now())`, prepared, make([]byte, 32))
		require.NoError(t, err)

		n, err := store.TransitionEpochTasks(ctx, w, epoch, ledger.StatusRewardPrepared, ledger.StatusTicketIssued)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		// Nothing left in the from-status.
		n, err = store.TransitionEpochTasks(ctx, w, epoch, ledger.StatusRewardPrepared, ledger.StatusTicketIssued)
		require.NoError(t, err)
		require.Zero(t, n)

		require.NoError(t, store.DeleteEpoch(ctx, epoch))

		_, ok, err := store.EpochMeta(ctx, epoch)
		require.NoError(t, err)
		require.False(t, ok)

		recs, _, err := store.UserTasks(ctx, w)
		require.NoError(t, err)
		require.Equal(t, ledger.StatusCompleted, recs[0].Status)
		require.Nil(t, recs[0].PreparedEpoch)
	})
}

// Full service flow against the Postgres store, mirroring the in-memory
// suite's happy path.
func TestTally_LedgerPG_ServiceFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	store, _ := newTestStore(t)
	ctx := context.Background()

	svc, err := ledger.New(ledger.Config{
		Logger: logger.NewTest(),
		Clock:  clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Store:  store,
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetTaskContract(ctx, []ledger.TaskDefinition{
		{TaskID: "register_device", RewardAmount: 50, Active: true},
		{TaskID: "subscribe", RewardAmount: 100, Active: true, PayFor: strptr("ai_subscription")},
	}))

	w := solana.NewWallet().PublicKey().String()
	require.NoError(t, svc.CompleteTask(ctx, w, "register_device", nil, time.Unix(100, 0)))
	require.NoError(t, svc.RecordPayment(ctx, w, 1000, "tx-sub", time.Unix(110, 0), strptr("ai_subscription")))

	meta, err := svc.BuildEpochSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, uint32(1), meta.LeavesCount)

	ticket, err := svc.GetClaimTicket(ctx, w)
	require.NoError(t, err)
	require.Equal(t, uint64(150), ticket.Amount)
	require.Empty(t, ticket.Proof)
	require.Equal(t, meta.Root, ticket.Root)

	again, err := svc.GetClaimTicket(ctx, w)
	require.NoError(t, err)
	require.Equal(t, ticket, again)

	require.NoError(t, svc.MarkClaimResult(ctx, w, 1, ledger.ClaimSuccess, strptr("sig-1")))

	state, err := svc.GetOrInitUserTasks(ctx, w)
	require.NoError(t, err)
	require.Zero(t, state.TotalUnclaimed)
	for _, rec := range state.Tasks {
		require.Equal(t, ledger.StatusClaimed, rec.Status)
	}
}
