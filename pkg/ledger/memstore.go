package ledger

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/malbeclabs/tally/pkg/merkle"
)

// MemStore is an in-memory Store used by tests and local development. All
// methods are safe for concurrent use; multi-step writes happen under one
// lock, matching the atomicity the Postgres store gets from transactions.
type MemStore struct {
	mu          sync.Mutex
	contract    []TaskDefinition
	users       map[string][]UserTaskRecord
	payments    []PaymentRecord
	epochs      map[uint64]EpochSnapshot
	epochOrder  []uint64
	walletIndex map[uint64]map[string]WalletEntry
	nodes       map[uint64][]merkle.Hash
	offsets     map[uint64][]merkle.LayerOffset
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string][]UserTaskRecord),
		epochs:      make(map[uint64]EpochSnapshot),
		walletIndex: make(map[uint64]map[string]WalletEntry),
		nodes:       make(map[uint64][]merkle.Hash),
		offsets:     make(map[uint64][]merkle.LayerOffset),
	}
}

func (m *MemStore) ReplaceTaskContract(ctx context.Context, defs []TaskDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contract = slices.Clone(defs)
	return nil
}

func (m *MemStore) TaskContract(ctx context.Context) ([]TaskDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.contract), nil
}

func (m *MemStore) UserTasks(ctx context.Context, wallet string) ([]UserTaskRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs, ok := m.users[wallet]
	return slices.Clone(recs), ok, nil
}

func (m *MemStore) InitUserTasks(ctx context.Context, wallet string, recs []UserTaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[wallet]; ok {
		return fmt.Errorf("user tasks already initialized for %s", wallet)
	}
	m.users[wallet] = slices.Clone(recs)
	return nil
}

func (m *MemStore) UpdateUserTask(ctx context.Context, rec UserTaskRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.users[rec.Wallet]
	for i := range recs {
		if recs[i].TaskID == rec.TaskID {
			recs[i] = rec
			return nil
		}
	}
	return fmt.Errorf("no record for wallet %s task %s", rec.Wallet, rec.TaskID)
}

func (m *MemStore) CompletedRecords(ctx context.Context) (map[string][]UserTaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]UserTaskRecord)
	for wallet, recs := range m.users {
		for _, rec := range recs {
			if rec.Status == StatusCompleted {
				out[wallet] = append(out[wallet], rec)
			}
		}
	}
	return out, nil
}

func (m *MemStore) TransitionEpochTasks(ctx context.Context, wallet string, epoch uint64, from, to Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(wallet, epoch, from, to), nil
}

func (m *MemStore) transitionLocked(wallet string, epoch uint64, from, to Status) int {
	recs := m.users[wallet]
	n := 0
	for i := range recs {
		if recs[i].Status == from && recs[i].PreparedEpoch != nil && *recs[i].PreparedEpoch == epoch {
			recs[i].Status = to
			n++
		}
	}
	return n
}

func (m *MemStore) AppendPayment(ctx context.Context, rec PaymentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, rec)
	return nil
}

func (m *MemStore) Payments(ctx context.Context, wallet string) ([]PaymentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PaymentRecord
	for _, p := range m.payments {
		if p.Wallet == wallet {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemStore) EpochMeta(ctx context.Context, epoch uint64) (EpochSnapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.epochs[epoch]
	return meta, ok, nil
}

func (m *MemStore) ListEpochs(ctx context.Context) ([]EpochSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EpochSnapshot, 0, len(m.epochOrder))
	for _, epoch := range m.epochOrder {
		out = append(out, m.epochs[epoch])
	}
	return out, nil
}

func (m *MemStore) CommitSnapshot(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	epoch := snap.Meta.Epoch
	if _, ok := m.epochs[epoch]; ok {
		return fmt.Errorf("epoch %d: %w", epoch, ErrEpochExists)
	}

	m.nodes[epoch] = slices.Clone(snap.Nodes)
	m.offsets[epoch] = slices.Clone(snap.Offsets)

	index := make(map[string]WalletEntry, len(snap.Entries))
	for _, entry := range snap.Entries {
		index[entry.Wallet] = WalletEntry{Index: entry.Index, Amount: entry.Amount}
	}
	m.walletIndex[epoch] = index

	for _, entry := range snap.Entries {
		recs := m.users[entry.Wallet]
		for i := range recs {
			if recs[i].Status == StatusCompleted {
				recs[i].Status = StatusRewardPrepared
				e := epoch
				recs[i].PreparedEpoch = &e
			}
		}
	}

	// Commit point.
	m.epochs[epoch] = snap.Meta
	m.epochOrder = append(m.epochOrder, epoch)
	slices.Sort(m.epochOrder)
	return nil
}

func (m *MemStore) WalletEntry(ctx context.Context, epoch uint64, wallet string) (WalletEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.walletIndex[epoch][wallet]
	return entry, ok, nil
}

func (m *MemStore) LatestWalletEpoch(ctx context.Context, wallet string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.epochOrder) - 1; i >= 0; i-- {
		epoch := m.epochOrder[i]
		if _, ok := m.walletIndex[epoch][wallet]; ok {
			return epoch, true, nil
		}
	}
	return 0, false, nil
}

func (m *MemStore) LayerOffsets(ctx context.Context, epoch uint64) ([]merkle.LayerOffset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offsets, ok := m.offsets[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}
	return slices.Clone(offsets), nil
}

func (m *MemStore) ReadNodes(ctx context.Context, epoch uint64, positions []uint64) ([]merkle.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes, ok := m.nodes[epoch]
	if !ok {
		return nil, fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}
	out := make([]merkle.Hash, len(positions))
	for i, pos := range positions {
		if pos >= uint64(len(nodes)) {
			return nil, fmt.Errorf("epoch %d: node position %d out of range", epoch, pos)
		}
		out[i] = nodes[pos]
	}
	return out, nil
}

func (m *MemStore) DeleteEpoch(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.epochs[epoch]; !ok {
		return fmt.Errorf("epoch %d: %w", epoch, ErrEpochNotFound)
	}

	for wallet := range m.walletIndex[epoch] {
		recs := m.users[wallet]
		for i := range recs {
			if recs[i].PreparedEpoch != nil && *recs[i].PreparedEpoch == epoch &&
				(recs[i].Status == StatusRewardPrepared || recs[i].Status == StatusTicketIssued) {
				recs[i].Status = StatusCompleted
				recs[i].PreparedEpoch = nil
			}
		}
	}

	delete(m.epochs, epoch)
	delete(m.walletIndex, epoch)
	delete(m.nodes, epoch)
	delete(m.offsets, epoch)
	m.epochOrder = slices.DeleteFunc(m.epochOrder, func(e uint64) bool { return e == epoch })
	return nil
}
