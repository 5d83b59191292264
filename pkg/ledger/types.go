// Package ledger implements the task reward ledger: the task catalog, the
// per-wallet task state machine, the payment log, epoch snapshot
// construction, and claim ticket issuance/reconciliation.
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/tally/pkg/merkle"
)

// Status is a user task's position in the reward lifecycle. Movement is
// forward-only with a single permitted backward edge, TicketIssued back to
// RewardPrepared, taken when an on-chain claim is reconciled as failed.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
	StatusRewardPrepared
	StatusTicketIssued
	StatusClaimed
)

var statusNames = map[Status]string{
	StatusNotStarted:     "not_started",
	StatusInProgress:     "in_progress",
	StatusCompleted:      "completed",
	StatusRewardPrepared: "reward_prepared",
	StatusTicketIssued:   "ticket_issued",
	StatusClaimed:        "claimed",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s Status) CanTransitionTo(next Status) bool {
	if next > s {
		return true
	}
	return s == StatusTicketIssued && next == StatusRewardPrepared
}

func (s Status) MarshalJSON() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown status %d", int(s))
	}
	return json.Marshal(name)
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseStatus(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus parses the wire/storage form of a Status.
func ParseStatus(name string) (Status, error) {
	for status, n := range statusNames {
		if n == name {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// TaskDefinition is one entry in the admin-defined task catalog. Definitions
// are never deleted, only deactivated. PayFor links the task to a payment
// purpose so that matching payments auto-complete it.
type TaskDefinition struct {
	TaskID       string  `json:"task_id"`
	RewardAmount uint64  `json:"reward_amount"`
	Active       bool    `json:"is_active"`
	PayFor       *string `json:"pay_for,omitempty"`
}

// UserTaskRecord tracks one wallet's progress through one task type.
// RewardAmount is snapshotted from the catalog at completion time and is
// immutable afterwards; re-pricing the catalog never changes it.
type UserTaskRecord struct {
	Wallet        string     `json:"wallet"`
	TaskID        string     `json:"task_id"`
	Status        Status     `json:"status"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RewardAmount  uint64     `json:"reward_amount"`
	Evidence      *string    `json:"evidence,omitempty"`
	PreparedEpoch *uint64    `json:"prepared_epoch,omitempty"`
}

// UserTaskState is the full task set for a wallet. TotalUnclaimed sums the
// reward amounts of records frozen into an epoch but not yet claimed.
type UserTaskState struct {
	Wallet         string           `json:"wallet"`
	Tasks          []UserTaskRecord `json:"tasks"`
	TotalUnclaimed uint64           `json:"total_unclaimed"`
}

// PaymentRecord is one entry in the append-only payment log. Entries are
// never mutated or deleted; (wallet, timestamp, tx_ref) is the natural key.
type PaymentRecord struct {
	ID         uuid.UUID `json:"id"`
	Wallet     string    `json:"wallet"`
	AmountPaid uint64    `json:"amount_paid"`
	TxRef      string    `json:"tx_ref"`
	Timestamp  time.Time `json:"timestamp"`
	Purpose    *string   `json:"purpose,omitempty"`
}

// ClaimEntry aggregates one wallet's newly completed rewards for an epoch.
// It exists only during snapshot construction; Index is its dense position
// in the wallet-sorted entry list.
type ClaimEntry struct {
	Epoch  uint64 `json:"epoch"`
	Index  uint32 `json:"index"`
	Wallet string `json:"wallet"`
	Amount uint64 `json:"amount"`
}

// EpochSnapshot is the immutable metadata of a frozen epoch. Once written,
// the root, leaf set, and layer contents never change.
type EpochSnapshot struct {
	Epoch       uint64      `json:"epoch"`
	Root        merkle.Hash `json:"root"`
	LeavesCount uint32      `json:"leaves_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ClaimTicket is the bundle a claimant presents to the on-chain verifier.
type ClaimTicket struct {
	Epoch  uint64        `json:"epoch"`
	Index  uint32        `json:"index"`
	Wallet string        `json:"wallet"`
	Amount uint64        `json:"amount"`
	Proof  []merkle.Hash `json:"proof"`
	Root   merkle.Hash   `json:"root"`
}

// WalletEntry is a wallet's (index, amount) position within a frozen epoch.
type WalletEntry struct {
	Index  uint32 `json:"index"`
	Amount uint64 `json:"amount"`
}

// ClaimResult is an externally observed settlement outcome.
type ClaimResult int

const (
	ClaimSuccess ClaimResult = iota
	ClaimFailure
)

func (r ClaimResult) String() string {
	switch r {
	case ClaimSuccess:
		return "success"
	case ClaimFailure:
		return "failure"
	default:
		return fmt.Sprintf("claim_result(%d)", int(r))
	}
}

// ParseClaimResult parses the wire form of a ClaimResult.
func ParseClaimResult(s string) (ClaimResult, error) {
	switch s {
	case "success":
		return ClaimSuccess, nil
	case "failure", "failed":
		return ClaimFailure, nil
	default:
		return 0, fmt.Errorf("unknown claim result %q", s)
	}
}
