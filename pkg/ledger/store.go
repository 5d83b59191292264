package ledger

import (
	"context"

	"github.com/malbeclabs/tally/pkg/merkle"
)

// Store is the persistent substrate beneath the ledger service. Two
// implementations exist: the in-memory store in this package and the
// Postgres store in pkg/ledger/pg.
//
// Multi-step writes (CommitSnapshot, TransitionEpochTasks, DeleteEpoch) are
// atomic: either every write lands or none do.
type Store interface {
	// ReplaceTaskContract atomically replaces the task catalog, preserving
	// the given order for reads.
	ReplaceTaskContract(ctx context.Context, defs []TaskDefinition) error
	// TaskContract returns all definitions, active and inactive, in the
	// order they were last set.
	TaskContract(ctx context.Context) ([]TaskDefinition, error)

	// UserTasks returns the wallet's records and whether a record set
	// exists at all.
	UserTasks(ctx context.Context, wallet string) ([]UserTaskRecord, bool, error)
	// InitUserTasks creates the wallet's record set. It is only called once
	// per wallet.
	InitUserTasks(ctx context.Context, wallet string, recs []UserTaskRecord) error
	// UpdateUserTask overwrites the record identified by (wallet, task_id).
	UpdateUserTask(ctx context.Context, rec UserTaskRecord) error
	// CompletedRecords returns every record with status Completed, grouped
	// by wallet.
	CompletedRecords(ctx context.Context) (map[string][]UserTaskRecord, error)
	// TransitionEpochTasks moves all of the wallet's records with the given
	// prepared epoch from one status to another, returning how many moved.
	TransitionEpochTasks(ctx context.Context, wallet string, epoch uint64, from, to Status) (int, error)

	// AppendPayment appends to the payment log.
	AppendPayment(ctx context.Context, rec PaymentRecord) error
	// Payments returns the wallet's payment log in append order.
	Payments(ctx context.Context, wallet string) ([]PaymentRecord, error)

	// EpochMeta returns the epoch's snapshot metadata and whether it exists.
	EpochMeta(ctx context.Context, epoch uint64) (EpochSnapshot, bool, error)
	// ListEpochs returns all snapshot metadata in epoch order.
	ListEpochs(ctx context.Context) ([]EpochSnapshot, error)
	// CommitSnapshot persists a built snapshot: tree nodes, layer offsets,
	// the wallet index, the epoch metadata, and the Completed to
	// RewardPrepared transitions of every contributing record, as one
	// atomic write. The metadata write is the commit point. Returns
	// ErrEpochExists if the epoch is already frozen.
	CommitSnapshot(ctx context.Context, snap *Snapshot) error
	// WalletEntry returns the wallet's (index, amount) within an epoch.
	WalletEntry(ctx context.Context, epoch uint64, wallet string) (WalletEntry, bool, error)
	// LatestWalletEpoch returns the most recent epoch containing the wallet.
	LatestWalletEpoch(ctx context.Context, wallet string) (uint64, bool, error)
	// LayerOffsets returns the epoch's layer offset table, layer 0 first.
	LayerOffsets(ctx context.Context, epoch uint64) ([]merkle.LayerOffset, error)
	// ReadNodes reads tree nodes at the given flat-arena positions.
	ReadNodes(ctx context.Context, epoch uint64, positions []uint64) ([]merkle.Hash, error)
	// DeleteEpoch removes a frozen epoch and reverts its RewardPrepared and
	// TicketIssued records to Completed. Administrative reset path only.
	DeleteEpoch(ctx context.Context, epoch uint64) error
}

// Snapshot is the unit CommitSnapshot persists: the frozen metadata, the
// index-ordered claim entries, and the full tree in flat-arena form.
type Snapshot struct {
	Meta    EpochSnapshot
	Entries []ClaimEntry
	Nodes   []merkle.Hash
	Offsets []merkle.LayerOffset
}
