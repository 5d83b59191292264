package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tally/pkg/merkle"
	"github.com/malbeclabs/tally/pkg/metrics"
	"github.com/malbeclabs/tally/pkg/wallet"
)

// Config configures the ledger service.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  Store
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Service owns all public ledger operations. Operations that read and then
// write a wallet's records are serialized per wallet; snapshot construction
// takes an exclusive build lock so it observes a quiescent completed set and
// two builders cannot race on the same epoch.
type Service struct {
	log   *slog.Logger
	cfg   Config
	store Store

	buildMu sync.RWMutex
	wallets keyedMutex
}

// New creates a ledger service.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		log:   cfg.Logger,
		cfg:   cfg,
		store: cfg.Store,
	}, nil
}

// keyedMutex serializes operations touching the same wallet.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*walletLock
}

type walletLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*walletLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &walletLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// SetTaskContract atomically replaces the task catalog. A duplicate task id
// anywhere in the list fails the whole call.
func (s *Service) SetTaskContract(ctx context.Context, defs []TaskDefinition) error {
	seen := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		if def.TaskID == "" {
			return fmt.Errorf("%w: empty task id", ErrUnknownTask)
		}
		if _, ok := seen[def.TaskID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, def.TaskID)
		}
		seen[def.TaskID] = struct{}{}
	}

	if err := s.store.ReplaceTaskContract(ctx, defs); err != nil {
		return fmt.Errorf("failed to replace task contract: %w", err)
	}
	s.log.Info("ledger: task contract replaced", "tasks", len(defs))
	return nil
}

// TaskContract returns all task definitions, active and inactive, in the
// order they were last set.
func (s *Service) TaskContract(ctx context.Context) ([]TaskDefinition, error) {
	return s.store.TaskContract(ctx)
}

// GetOrInitUserTasks returns the wallet's task records, creating one
// NotStarted record per currently-active catalog entry on first contact.
// Catalog changes after that are never re-applied to an existing set.
func (s *Service) GetOrInitUserTasks(ctx context.Context, walletAddr string) (*UserTaskState, error) {
	if err := wallet.Validate(walletAddr); err != nil {
		return nil, err
	}

	s.buildMu.RLock()
	defer s.buildMu.RUnlock()
	unlock := s.wallets.lock(walletAddr)
	defer unlock()

	recs, ok, err := s.store.UserTasks(ctx, walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to load user tasks: %w", err)
	}
	if !ok {
		defs, err := s.store.TaskContract(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load task contract: %w", err)
		}
		recs = nil
		for _, def := range defs {
			if !def.Active {
				continue
			}
			recs = append(recs, UserTaskRecord{
				Wallet:       walletAddr,
				TaskID:       def.TaskID,
				Status:       StatusNotStarted,
				RewardAmount: def.RewardAmount,
			})
		}
		if err := s.store.InitUserTasks(ctx, walletAddr, recs); err != nil {
			return nil, fmt.Errorf("failed to init user tasks: %w", err)
		}
		s.log.Debug("ledger: initialized user tasks", "wallet", walletAddr, "tasks", len(recs))
	}

	return &UserTaskState{
		Wallet:         walletAddr,
		Tasks:          recs,
		TotalUnclaimed: totalUnclaimed(recs),
	}, nil
}

func totalUnclaimed(recs []UserTaskRecord) uint64 {
	var total uint64
	for _, rec := range recs {
		if rec.Status == StatusRewardPrepared || rec.Status == StatusTicketIssued {
			total += rec.RewardAmount
		}
	}
	return total
}

// CompleteTask marks a task completed for a wallet, snapshotting the
// catalog's current reward amount into the record. Completing a record that
// is already at Completed or later returns ErrAlreadyCompleted.
func (s *Service) CompleteTask(ctx context.Context, walletAddr, taskID string, evidence *string, ts time.Time) error {
	if err := wallet.Validate(walletAddr); err != nil {
		return err
	}

	s.buildMu.RLock()
	defer s.buildMu.RUnlock()
	unlock := s.wallets.lock(walletAddr)
	defer unlock()

	return s.completeLocked(ctx, walletAddr, taskID, evidence, ts)
}

func (s *Service) completeLocked(ctx context.Context, walletAddr, taskID string, evidence *string, ts time.Time) error {
	def, err := s.activeTask(ctx, taskID)
	if err != nil {
		return err
	}

	recs, ok, err := s.store.UserTasks(ctx, walletAddr)
	if err != nil {
		return fmt.Errorf("failed to load user tasks: %w", err)
	}
	if !ok {
		if err := s.initUserTasksLocked(ctx, walletAddr); err != nil {
			return err
		}
		recs, _, err = s.store.UserTasks(ctx, walletAddr)
		if err != nil {
			return fmt.Errorf("failed to load user tasks: %w", err)
		}
	}

	var rec *UserTaskRecord
	for i := range recs {
		if recs[i].TaskID == taskID {
			rec = &recs[i]
			break
		}
	}
	if rec == nil {
		// The wallet's record set predates this task. There is no
		// retroactive backfill.
		return fmt.Errorf("%w: %s not provisioned for wallet", ErrUnknownTask, taskID)
	}

	if rec.Status >= StatusCompleted {
		return fmt.Errorf("%w: %s", ErrAlreadyCompleted, taskID)
	}
	if !rec.Status.CanTransitionTo(StatusCompleted) {
		return fmt.Errorf("illegal transition %s -> %s for task %s", rec.Status, StatusCompleted, taskID)
	}

	completedAt := ts.UTC()
	rec.Status = StatusCompleted
	rec.CompletedAt = &completedAt
	rec.RewardAmount = def.RewardAmount
	rec.Evidence = evidence

	if err := s.store.UpdateUserTask(ctx, *rec); err != nil {
		return fmt.Errorf("failed to update user task: %w", err)
	}
	s.log.Info("ledger: task completed", "wallet", walletAddr, "task", taskID, "reward", def.RewardAmount)
	metrics.TasksCompletedTotal.WithLabelValues(taskID).Inc()
	return nil
}

func (s *Service) initUserTasksLocked(ctx context.Context, walletAddr string) error {
	defs, err := s.store.TaskContract(ctx)
	if err != nil {
		return fmt.Errorf("failed to load task contract: %w", err)
	}
	var recs []UserTaskRecord
	for _, def := range defs {
		if !def.Active {
			continue
		}
		recs = append(recs, UserTaskRecord{
			Wallet:       walletAddr,
			TaskID:       def.TaskID,
			Status:       StatusNotStarted,
			RewardAmount: def.RewardAmount,
		})
	}
	if err := s.store.InitUserTasks(ctx, walletAddr, recs); err != nil {
		return fmt.Errorf("failed to init user tasks: %w", err)
	}
	return nil
}

func (s *Service) activeTask(ctx context.Context, taskID string) (*TaskDefinition, error) {
	defs, err := s.store.TaskContract(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load task contract: %w", err)
	}
	for i := range defs {
		if defs[i].TaskID == taskID && defs[i].Active {
			return &defs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
}

// RecordPayment appends a payment to the fact log unconditionally, then
// auto-completes the catalog task whose PayFor matches the payment purpose,
// if any. A payment whose gated task is already completed is still recorded;
// the completion side effect is simply skipped.
func (s *Service) RecordPayment(ctx context.Context, walletAddr string, amountPaid uint64, txRef string, ts time.Time, purpose *string) error {
	if err := wallet.Validate(walletAddr); err != nil {
		return err
	}

	s.buildMu.RLock()
	defer s.buildMu.RUnlock()
	unlock := s.wallets.lock(walletAddr)
	defer unlock()

	rec := PaymentRecord{
		ID:         uuid.New(),
		Wallet:     walletAddr,
		AmountPaid: amountPaid,
		TxRef:      txRef,
		Timestamp:  ts.UTC(),
		Purpose:    purpose,
	}
	if err := s.store.AppendPayment(ctx, rec); err != nil {
		return fmt.Errorf("failed to append payment: %w", err)
	}
	s.log.Info("ledger: payment recorded", "wallet", walletAddr, "amount", amountPaid, "tx_ref", txRef)
	metrics.PaymentsRecordedTotal.Inc()

	if purpose == nil {
		return nil
	}
	gated, err := s.gatingTask(ctx, *purpose)
	if err != nil {
		return err
	}
	if gated == "" {
		return nil
	}

	if err := s.completeLocked(ctx, walletAddr, gated, nil, ts); err != nil {
		// The payment itself is a fact and stays recorded either way; a
		// completion skip (already completed, or the wallet's record set
		// predates the gated task) is not a payment failure.
		if errors.Is(err, ErrAlreadyCompleted) || errors.Is(err, ErrUnknownTask) {
			s.log.Debug("ledger: payment-gated completion skipped", "wallet", walletAddr, "task", gated, "reason", err)
			return nil
		}
		return fmt.Errorf("failed to complete payment-gated task %s: %w", gated, err)
	}
	return nil
}

func (s *Service) gatingTask(ctx context.Context, purpose string) (string, error) {
	defs, err := s.store.TaskContract(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load task contract: %w", err)
	}
	for _, def := range defs {
		if def.Active && def.PayFor != nil && *def.PayFor == purpose {
			return def.TaskID, nil
		}
	}
	return "", nil
}

// Payments returns the wallet's payment log in append order.
func (s *Service) Payments(ctx context.Context, walletAddr string) ([]PaymentRecord, error) {
	if err := wallet.Validate(walletAddr); err != nil {
		return nil, err
	}
	return s.store.Payments(ctx, walletAddr)
}

// BuildEpochSnapshot freezes the current completed-but-unrewarded reward set
// into an immutable per-epoch distribution tree.
//
// Entries aggregate each wallet's completed reward amounts and are sorted by
// wallet address bytes ascending; both steps are load-bearing for
// reproducibility, since the same completed set must always produce the same
// root. Every contributing record moves to RewardPrepared with
// prepared_epoch stamped.
func (s *Service) BuildEpochSnapshot(ctx context.Context, epoch uint64) (*EpochSnapshot, error) {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if _, ok, err := s.store.EpochMeta(ctx, epoch); err != nil {
		return nil, fmt.Errorf("failed to check epoch metadata: %w", err)
	} else if ok {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrEpochExists)
	}

	completed, err := s.store.CompletedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan completed records: %w", err)
	}

	entries := make([]ClaimEntry, 0, len(completed))
	keys := make(map[string]solana.PublicKey, len(completed))
	for walletAddr, recs := range completed {
		pk, err := wallet.Decode(walletAddr)
		if err != nil {
			return nil, fmt.Errorf("stored wallet %s failed to decode: %w", walletAddr, err)
		}
		var amount uint64
		for _, rec := range recs {
			amount += rec.RewardAmount
		}
		if amount == 0 {
			continue
		}
		keys[walletAddr] = pk
		entries = append(entries, ClaimEntry{Epoch: epoch, Wallet: walletAddr, Amount: amount})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrNoClaimableRewards)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Wallet < entries[j].Wallet })
	leaves := make([]merkle.Hash, len(entries))
	for i := range entries {
		entries[i].Index = uint32(i)
		leaves[i] = merkle.LeafHash(epoch, entries[i].Index, keys[entries[i].Wallet], entries[i].Amount)
	}

	tree, err := merkle.Build(leaves)
	if err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}

	meta := EpochSnapshot{
		Epoch:       epoch,
		Root:        tree.Root(),
		LeavesCount: tree.LeavesCount(),
		CreatedAt:   s.cfg.Clock.Now().UTC(),
	}
	snap := &Snapshot{
		Meta:    meta,
		Entries: entries,
		Nodes:   tree.Nodes,
		Offsets: tree.Offsets,
	}
	if err := s.store.CommitSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.log.Info("ledger: epoch snapshot built",
		"epoch", epoch,
		"leaves", meta.LeavesCount,
		"root", meta.Root.String())
	metrics.SnapshotsBuiltTotal.Inc()
	metrics.SnapshotLeaves.Observe(float64(meta.LeavesCount))
	return &meta, nil
}

// GetClaimTicket derives the wallet's claim ticket for its most recent
// frozen epoch. If a ticket is already outstanding the identical ticket is
// re-derived and returned, which keeps legitimate client retries idempotent
// without minting anything new. The proof is reconstructed on demand from
// the stored layers in O(log N) reads.
func (s *Service) GetClaimTicket(ctx context.Context, walletAddr string) (*ClaimTicket, error) {
	pk, err := wallet.Decode(walletAddr)
	if err != nil {
		return nil, err
	}

	s.buildMu.RLock()
	defer s.buildMu.RUnlock()
	unlock := s.wallets.lock(walletAddr)
	defer unlock()

	epoch, ok, err := s.store.LatestWalletEpoch(ctx, walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to look up wallet epochs: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", walletAddr, ErrNoClaimableEntry)
	}

	recs, _, err := s.store.UserTasks(ctx, walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to load user tasks: %w", err)
	}
	var hasPrepared, hasIssued bool
	for _, rec := range recs {
		if rec.PreparedEpoch == nil || *rec.PreparedEpoch != epoch {
			continue
		}
		switch rec.Status {
		case StatusRewardPrepared:
			hasPrepared = true
		case StatusTicketIssued:
			hasIssued = true
		}
	}
	if !hasPrepared && !hasIssued {
		// Everything in the latest epoch has already been claimed.
		return nil, fmt.Errorf("wallet %s: %w", walletAddr, ErrNoClaimableEntry)
	}

	ticket, err := s.deriveTicket(ctx, epoch, walletAddr, pk)
	if err != nil {
		return nil, err
	}

	if hasPrepared {
		if _, err := s.store.TransitionEpochTasks(ctx, walletAddr, epoch, StatusRewardPrepared, StatusTicketIssued); err != nil {
			return nil, fmt.Errorf("failed to mark ticket issued: %w", err)
		}
		s.log.Info("ledger: claim ticket issued", "wallet", walletAddr, "epoch", epoch, "amount", ticket.Amount)
		metrics.TicketsIssuedTotal.WithLabelValues("issued").Inc()
	} else {
		s.log.Debug("ledger: claim ticket re-derived", "wallet", walletAddr, "epoch", epoch)
		metrics.TicketsIssuedTotal.WithLabelValues("rederived").Inc()
	}
	return ticket, nil
}

func (s *Service) deriveTicket(ctx context.Context, epoch uint64, walletAddr string, pk solana.PublicKey) (*ClaimTicket, error) {
	entry, ok, err := s.store.WalletEntry(ctx, epoch, walletAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet entry: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("wallet %s epoch %d: %w", walletAddr, epoch, ErrNoClaimableEntry)
	}

	meta, ok, err := s.store.EpochMeta(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch metadata: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}

	offsets, err := s.store.LayerOffsets(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load layer offsets: %w", err)
	}
	positions, err := merkle.ProofPositions(offsets, entry.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to compute proof positions: %w", err)
	}
	proof, err := s.store.ReadNodes(ctx, epoch, positions)
	if err != nil {
		return nil, fmt.Errorf("failed to read proof nodes: %w", err)
	}

	// Internal consistency assertion: the proof must recompute the frozen
	// root. A mismatch means corrupted layer storage and is never served.
	leaf := merkle.LeafHash(epoch, entry.Index, pk, entry.Amount)
	if !merkle.VerifyProof(leaf, proof, meta.Root) {
		s.log.Error("ledger: stored root mismatch during proof generation",
			"wallet", walletAddr, "epoch", epoch, "index", entry.Index)
		return nil, fmt.Errorf("epoch %d index %d: %w", epoch, entry.Index, ErrRootMismatch)
	}

	return &ClaimTicket{
		Epoch:  epoch,
		Index:  entry.Index,
		Wallet: walletAddr,
		Amount: entry.Amount,
		Proof:  proof,
		Root:   meta.Root,
	}, nil
}

// MarkClaimResult finalizes or rolls back a wallet's claim for an epoch
// based on the externally observed settlement outcome. Success is terminal;
// Failure takes the one legal backward edge so a fresh ticket can be issued
// against the same frozen epoch. The external verifier, not this status
// field, is the anti-double-spend boundary.
func (s *Service) MarkClaimResult(ctx context.Context, walletAddr string, epoch uint64, result ClaimResult, txRef *string) error {
	if err := wallet.Validate(walletAddr); err != nil {
		return err
	}

	s.buildMu.RLock()
	defer s.buildMu.RUnlock()
	unlock := s.wallets.lock(walletAddr)
	defer unlock()

	to := StatusClaimed
	if result == ClaimFailure {
		to = StatusRewardPrepared
	}
	if !StatusTicketIssued.CanTransitionTo(to) {
		return fmt.Errorf("illegal transition %s -> %s", StatusTicketIssued, to)
	}

	n, err := s.store.TransitionEpochTasks(ctx, walletAddr, epoch, StatusTicketIssued, to)
	if err != nil {
		return fmt.Errorf("failed to transition records: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("wallet %s epoch %d: %w", walletAddr, epoch, ErrNotPending)
	}

	ref := ""
	if txRef != nil {
		ref = *txRef
	}
	s.log.Info("ledger: claim reconciled",
		"wallet", walletAddr, "epoch", epoch, "result", result.String(), "tx_ref", ref, "records", n)
	metrics.ClaimsReconciledTotal.WithLabelValues(result.String()).Inc()
	return nil
}

// EpochMeta returns the frozen metadata for an epoch.
func (s *Service) EpochMeta(ctx context.Context, epoch uint64) (*EpochSnapshot, error) {
	meta, ok, err := s.store.EpochMeta(ctx, epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch metadata: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}
	return &meta, nil
}

// ListEpochs returns all frozen epoch metadata in epoch order.
func (s *Service) ListEpochs(ctx context.Context) ([]EpochSnapshot, error) {
	return s.store.ListEpochs(ctx)
}

// LatestEpoch returns the highest frozen epoch, or 0 and false when none
// exist. The scheduler uses it to pick the next epoch id.
func (s *Service) LatestEpoch(ctx context.Context) (uint64, bool, error) {
	epochs, err := s.store.ListEpochs(ctx)
	if err != nil {
		return 0, false, err
	}
	if len(epochs) == 0 {
		return 0, false, nil
	}
	return epochs[len(epochs)-1].Epoch, true, nil
}

// ResetEpoch deletes a frozen epoch and reverts its prepared and issued
// records to Completed. This is the separately-audited administrative path,
// reachable only from the admin CLI; it is the single exception to epoch
// immutability.
func (s *Service) ResetEpoch(ctx context.Context, epoch uint64) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	meta, ok, err := s.store.EpochMeta(ctx, epoch)
	if err != nil {
		return fmt.Errorf("failed to load epoch metadata: %w", err)
	}
	if !ok {
		return fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}

	if err := s.store.DeleteEpoch(ctx, epoch); err != nil {
		return fmt.Errorf("failed to delete epoch: %w", err)
	}
	s.log.Warn("ledger: AUDIT epoch snapshot reset",
		"epoch", epoch,
		"root", meta.Root.String(),
		"leaves", meta.LeavesCount,
		"created_at", meta.CreatedAt)
	return nil
}
