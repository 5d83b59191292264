package ledger

import "errors"

// Typed errors returned by ledger operations. Callers dispatch with
// errors.Is; nothing is retried internally.
var (
	// ErrUnknownTask is returned when a task id is not in the active catalog.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask rejects a catalog replacement containing the same
	// task id twice. The whole call fails; no partial update happens.
	ErrDuplicateTask = errors.New("duplicate task id")

	// ErrAlreadyCompleted is returned when completing a task whose record is
	// already at Completed or later. Re-completion is a hard error, not a
	// silent no-op.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrEpochExists rejects building a snapshot for an epoch that already
	// has metadata. Frozen epochs are immutable.
	ErrEpochExists = errors.New("epoch snapshot already exists")

	// ErrEpochNotFound is returned when an epoch has no snapshot metadata.
	ErrEpochNotFound = errors.New("epoch not found")

	// ErrNoClaimableRewards is returned by snapshot construction when no
	// wallet has completed-but-unrewarded tasks. Schedulers treat this as a
	// skip, not a failure.
	ErrNoClaimableRewards = errors.New("no claimable rewards")

	// ErrNoClaimableEntry is returned when a wallet has no pending entry in
	// any frozen epoch.
	ErrNoClaimableEntry = errors.New("no claimable entry for wallet")

	// ErrNotPending is returned by reconciliation when the wallet has no
	// ticket outstanding for the given epoch.
	ErrNotPending = errors.New("no pending ticket for epoch")

	// ErrRootMismatch signals an internal inconsistency between the stored
	// epoch root and the root recomputed from the stored layers during proof
	// generation. It must never occur; a ticket is never returned when the
	// check fails.
	ErrRootMismatch = errors.New("stored root does not match recomputed root")
)
