package pg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/tally/pkg/ledger"
	"github.com/malbeclabs/tally/pkg/merkle"
)

const pgUniqueViolation = "23505"

// Config configures the Postgres store.
type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("pool is required")
	}
	return nil
}

// Store implements ledger.Store on a pgx connection pool.
type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// New creates a Postgres-backed ledger store.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, pool: cfg.Pool}, nil
}

func (s *Store) ReplaceTaskContract(ctx context.Context, defs []ledger.TaskDefinition) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM task_contract`); err != nil {
			return fmt.Errorf("failed to clear task contract: %w", err)
		}
		for i, def := range defs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO task_contract (position, task_id, reward_amount, active, pay_for)
				VALUES ($1, $2, $3, $4, $5)`,
				i, def.TaskID, int64(def.RewardAmount), def.Active, def.PayFor,
			); err != nil {
				return fmt.Errorf("failed to insert task %s: %w", def.TaskID, err)
			}
		}
		return nil
	})
}

func (s *Store) TaskContract(ctx context.Context) ([]ledger.TaskDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, reward_amount, active, pay_for
		FROM task_contract
		ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query task contract: %w", err)
	}
	defer rows.Close()

	var defs []ledger.TaskDefinition
	for rows.Next() {
		var def ledger.TaskDefinition
		var reward int64
		if err := rows.Scan(&def.TaskID, &reward, &def.Active, &def.PayFor); err != nil {
			return nil, fmt.Errorf("failed to scan task definition: %w", err)
		}
		def.RewardAmount = uint64(reward)
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *Store) UserTasks(ctx context.Context, wallet string) ([]ledger.UserTaskRecord, bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM wallets WHERE wallet = $1)`, wallet,
	).Scan(&exists)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check wallet existence: %w", err)
	}
	if !exists {
		return nil, false, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT wallet, task_id, status, completed_at, reward_amount, evidence, prepared_epoch
		FROM user_tasks
		WHERE wallet = $1
		ORDER BY seq`, wallet)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query user tasks: %w", err)
	}
	defer rows.Close()

	recs, err := scanUserTasks(rows)
	if err != nil {
		return nil, false, err
	}
	return recs, true, nil
}

func (s *Store) InitUserTasks(ctx context.Context, wallet string, recs []ledger.UserTaskRecord) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO wallets (wallet) VALUES ($1) ON CONFLICT DO NOTHING`, wallet,
		); err != nil {
			return fmt.Errorf("failed to register wallet: %w", err)
		}
		for _, rec := range recs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_tasks (wallet, task_id, status, completed_at, reward_amount, evidence, prepared_epoch)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				rec.Wallet, rec.TaskID, rec.Status.String(), rec.CompletedAt,
				int64(rec.RewardAmount), rec.Evidence, epochPtr(rec.PreparedEpoch),
			); err != nil {
				return fmt.Errorf("failed to insert user task %s: %w", rec.TaskID, err)
			}
		}
		return nil
	})
}

func (s *Store) UpdateUserTask(ctx context.Context, rec ledger.UserTaskRecord) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_tasks
		SET status = $3, completed_at = $4, reward_amount = $5, evidence = $6, prepared_epoch = $7
		WHERE wallet = $1 AND task_id = $2`,
		rec.Wallet, rec.TaskID, rec.Status.String(), rec.CompletedAt,
		int64(rec.RewardAmount), rec.Evidence, epochPtr(rec.PreparedEpoch))
	if err != nil {
		return fmt.Errorf("failed to update user task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user task %s/%s not found", rec.Wallet, rec.TaskID)
	}
	return nil
}

func (s *Store) CompletedRecords(ctx context.Context) (map[string][]ledger.UserTaskRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT wallet, task_id, status, completed_at, reward_amount, evidence, prepared_epoch
		FROM user_tasks
		WHERE status = $1
		ORDER BY wallet, seq`, ledger.StatusCompleted.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query completed records: %w", err)
	}
	defer rows.Close()

	recs, err := scanUserTasks(rows)
	if err != nil {
		return nil, err
	}
	byWallet := make(map[string][]ledger.UserTaskRecord)
	for _, rec := range recs {
		byWallet[rec.Wallet] = append(byWallet[rec.Wallet], rec)
	}
	return byWallet, nil
}

func (s *Store) TransitionEpochTasks(ctx context.Context, wallet string, epoch uint64, from, to ledger.Status) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE user_tasks
		SET status = $4
		WHERE wallet = $1 AND prepared_epoch = $2 AND status = $3`,
		wallet, int64(epoch), from.String(), to.String())
	if err != nil {
		return 0, fmt.Errorf("failed to transition tasks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AppendPayment(ctx context.Context, rec ledger.PaymentRecord) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO payments (id, wallet, amount_paid, tx_ref, ts, purpose)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.Wallet, int64(rec.AmountPaid), rec.TxRef, rec.Timestamp, rec.Purpose,
	); err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) Payments(ctx context.Context, wallet string) ([]ledger.PaymentRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet, amount_paid, tx_ref, ts, purpose
		FROM payments
		WHERE wallet = $1
		ORDER BY seq`, wallet)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var recs []ledger.PaymentRecord
	for rows.Next() {
		var rec ledger.PaymentRecord
		var amount int64
		if err := rows.Scan(&rec.ID, &rec.Wallet, &amount, &rec.TxRef, &rec.Timestamp, &rec.Purpose); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		rec.AmountPaid = uint64(amount)
		rec.Timestamp = rec.Timestamp.UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) EpochMeta(ctx context.Context, epoch uint64) (ledger.EpochSnapshot, bool, error) {
	var meta ledger.EpochSnapshot
	var root []byte
	var leaves int32
	err := s.pool.QueryRow(ctx, `
		SELECT epoch, root, leaves_count, created_at
		FROM epoch_meta
		WHERE epoch = $1`, int64(epoch),
	).Scan(&meta.Epoch, &root, &leaves, &meta.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.EpochSnapshot{}, false, nil
	}
	if err != nil {
		return ledger.EpochSnapshot{}, false, fmt.Errorf("failed to query epoch metadata: %w", err)
	}
	if len(root) != len(meta.Root) {
		return ledger.EpochSnapshot{}, false, fmt.Errorf("epoch %d: stored root is %d bytes", epoch, len(root))
	}
	copy(meta.Root[:], root)
	meta.LeavesCount = uint32(leaves)
	meta.CreatedAt = meta.CreatedAt.UTC()
	return meta, true, nil
}

func (s *Store) ListEpochs(ctx context.Context) ([]ledger.EpochSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT epoch, root, leaves_count, created_at
		FROM epoch_meta
		ORDER BY epoch`)
	if err != nil {
		return nil, fmt.Errorf("failed to query epochs: %w", err)
	}
	defer rows.Close()

	var metas []ledger.EpochSnapshot
	for rows.Next() {
		var meta ledger.EpochSnapshot
		var root []byte
		var leaves int32
		if err := rows.Scan(&meta.Epoch, &root, &leaves, &meta.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan epoch metadata: %w", err)
		}
		if len(root) != len(meta.Root) {
			return nil, fmt.Errorf("epoch %d: stored root is %d bytes", meta.Epoch, len(root))
		}
		copy(meta.Root[:], root)
		meta.LeavesCount = uint32(leaves)
		meta.CreatedAt = meta.CreatedAt.UTC()
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

func (s *Store) CommitSnapshot(ctx context.Context, snap *ledger.Snapshot) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Bulk-load the node arena first; the metadata insert is the commit
		// point, and its primary key rejects a concurrent double build.
		nodeRows := make([][]any, len(snap.Nodes))
		for i, node := range snap.Nodes {
			n := node
			nodeRows[i] = []any{int64(snap.Meta.Epoch), int64(i), n[:]}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"epoch_layers"},
			[]string{"epoch", "pos", "node"},
			pgx.CopyFromRows(nodeRows),
		); err != nil {
			return fmt.Errorf("failed to copy tree nodes: %w", err)
		}

		for layer, off := range snap.Offsets {
			if _, err := tx.Exec(ctx, `
				INSERT INTO epoch_layer_offsets (epoch, layer, start_pos, len)
				VALUES ($1, $2, $3, $4)`,
				int64(snap.Meta.Epoch), layer, int64(off.Start), int32(off.Len),
			); err != nil {
				return fmt.Errorf("failed to insert layer offset: %w", err)
			}
		}

		for _, entry := range snap.Entries {
			if _, err := tx.Exec(ctx, `
				INSERT INTO epoch_wallet_index (epoch, wallet, idx, amount)
				VALUES ($1, $2, $3, $4)`,
				int64(entry.Epoch), entry.Wallet, int32(entry.Index), int64(entry.Amount),
			); err != nil {
				return fmt.Errorf("failed to insert wallet entry: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				UPDATE user_tasks
				SET status = $3, prepared_epoch = $4
				WHERE wallet = $1 AND status = $2`,
				entry.Wallet, ledger.StatusCompleted.String(),
				ledger.StatusRewardPrepared.String(), int64(entry.Epoch),
			); err != nil {
				return fmt.Errorf("failed to mark rewards prepared: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO epoch_meta (epoch, root, leaves_count, created_at)
			VALUES ($1, $2, $3, $4)`,
			int64(snap.Meta.Epoch), snap.Meta.Root[:], int32(snap.Meta.LeavesCount), snap.Meta.CreatedAt,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return fmt.Errorf("epoch %d: %w", snap.Meta.Epoch, ledger.ErrEpochExists)
			}
			return fmt.Errorf("failed to insert epoch metadata: %w", err)
		}
		return nil
	})
}

func (s *Store) WalletEntry(ctx context.Context, epoch uint64, wallet string) (ledger.WalletEntry, bool, error) {
	var idx int32
	var amount int64
	err := s.pool.QueryRow(ctx, `
		SELECT idx, amount
		FROM epoch_wallet_index
		WHERE epoch = $1 AND wallet = $2`, int64(epoch), wallet,
	).Scan(&idx, &amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.WalletEntry{}, false, nil
	}
	if err != nil {
		return ledger.WalletEntry{}, false, fmt.Errorf("failed to query wallet entry: %w", err)
	}
	return ledger.WalletEntry{Index: uint32(idx), Amount: uint64(amount)}, true, nil
}

func (s *Store) LatestWalletEpoch(ctx context.Context, wallet string) (uint64, bool, error) {
	var epoch int64
	err := s.pool.QueryRow(ctx, `
		SELECT epoch
		FROM epoch_wallet_index
		WHERE wallet = $1
		ORDER BY epoch DESC
		LIMIT 1`, wallet,
	).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to query wallet epochs: %w", err)
	}
	return uint64(epoch), true, nil
}

func (s *Store) LayerOffsets(ctx context.Context, epoch uint64) ([]merkle.LayerOffset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT start_pos, len
		FROM epoch_layer_offsets
		WHERE epoch = $1
		ORDER BY layer`, int64(epoch))
	if err != nil {
		return nil, fmt.Errorf("failed to query layer offsets: %w", err)
	}
	defer rows.Close()

	var offsets []merkle.LayerOffset
	for rows.Next() {
		var start int64
		var length int32
		if err := rows.Scan(&start, &length); err != nil {
			return nil, fmt.Errorf("failed to scan layer offset: %w", err)
		}
		offsets = append(offsets, merkle.LayerOffset{Start: uint64(start), Len: uint32(length)})
	}
	return offsets, rows.Err()
}

func (s *Store) ReadNodes(ctx context.Context, epoch uint64, positions []uint64) ([]merkle.Hash, error) {
	if len(positions) == 0 {
		return nil, nil
	}
	want := make([]int64, len(positions))
	for i, pos := range positions {
		want[i] = int64(pos)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT pos, node
		FROM epoch_layers
		WHERE epoch = $1 AND pos = ANY($2)`, int64(epoch), want)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree nodes: %w", err)
	}
	defer rows.Close()

	byPos := make(map[uint64]merkle.Hash, len(positions))
	for rows.Next() {
		var pos int64
		var raw []byte
		if err := rows.Scan(&pos, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan tree node: %w", err)
		}
		var h merkle.Hash
		if len(raw) != len(h) {
			return nil, fmt.Errorf("epoch %d pos %d: stored node is %d bytes", epoch, pos, len(raw))
		}
		copy(h[:], raw)
		byPos[uint64(pos)] = h
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Proof verification folds the siblings bottom-up, so the result must
	// follow the requested order, not the scan order.
	nodes := make([]merkle.Hash, len(positions))
	for i, pos := range positions {
		h, ok := byPos[pos]
		if !ok {
			return nil, fmt.Errorf("epoch %d: tree node at position %d missing", epoch, pos)
		}
		nodes[i] = h
	}
	return nodes, nil
}

func (s *Store) DeleteEpoch(ctx context.Context, epoch uint64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE user_tasks
			SET status = $3, prepared_epoch = NULL
			WHERE prepared_epoch = $1 AND status = ANY($2)`,
			int64(epoch),
			[]string{ledger.StatusRewardPrepared.String(), ledger.StatusTicketIssued.String()},
			ledger.StatusCompleted.String(),
		); err != nil {
			return fmt.Errorf("failed to revert prepared records: %w", err)
		}
		for _, table := range []string{"epoch_meta", "epoch_wallet_index", "epoch_layers", "epoch_layer_offsets"} {
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE epoch = $1`, table), int64(epoch)); err != nil {
				return fmt.Errorf("failed to delete from %s: %w", table, err)
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type userTaskRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanUserTasks(rows userTaskRows) ([]ledger.UserTaskRecord, error) {
	var recs []ledger.UserTaskRecord
	for rows.Next() {
		var rec ledger.UserTaskRecord
		var status string
		var reward int64
		var prepared *int64
		if err := rows.Scan(&rec.Wallet, &rec.TaskID, &status, &rec.CompletedAt, &reward, &rec.Evidence, &prepared); err != nil {
			return nil, fmt.Errorf("failed to scan user task: %w", err)
		}
		parsed, err := ledger.ParseStatus(status)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored status: %w", err)
		}
		rec.Status = parsed
		rec.RewardAmount = uint64(reward)
		if prepared != nil {
			e := uint64(*prepared)
			rec.PreparedEpoch = &e
		}
		if rec.CompletedAt != nil {
			utc := rec.CompletedAt.UTC()
			rec.CompletedAt = &utc
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func epochPtr(epoch *uint64) *int64 {
	if epoch == nil {
		return nil
	}
	e := int64(*epoch)
	return &e
}
