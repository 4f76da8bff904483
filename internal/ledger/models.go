package ledger

import (
	"time"

	"chama-platform/internal/wallet"
)

// Entry is an immutable, append-only audit record of one balance-affecting
// outcome.
//
// Invariants:
// - Entries are never updated or deleted.
// - For any account, summing the leg deltas of every entry referencing it
//   reproduces its current balance exactly (see Replay).
// - Failures and reversals write entries too; the full balance history is
//   reconstructable from the ledger alone.
type Entry struct {
	ID      string `json:"id" db:"id"`
	ChamaID string `json:"chama_id" db:"chama_id"`

	// ActorID is the member (or platform actor) that caused the mutation.
	ActorID string `json:"actor_id" db:"actor_id"`

	Action Action `json:"action" db:"action"`

	// AmountMinor is the gross amount of the operation, always positive.
	// Signed per-account movement lives in Details.Legs.
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	// TargetMemberID is set for operations aimed at another member
	// (peer sends, lock/unlock).
	TargetMemberID string `json:"target_member_id,omitempty" db:"target_member_id"`

	// Details is stored as JSONB.
	Details Details `json:"details" db:"details"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Action string

const (
	ActionTopUpMGRWallet     Action = "topup_mgr_wallet"
	ActionWithdrawMGRWallet  Action = "withdraw_mgr_wallet"
	ActionSendFunds          Action = "send_funds"
	ActionLockWithdrawal     Action = "lock_withdrawal"
	ActionUnlockWithdrawal   Action = "unlock_withdrawal"
	ActionSettlementCredit   Action = "settlement_credit"
	ActionSettlementReversal Action = "settlement_reversal"
	ActionPlatformFee        Action = "platform_fee"
)

// Details captures method, reference and the exact balance movement of the
// entry.
type Details struct {
	Method    string `json:"method,omitempty"`
	Reference string `json:"reference,omitempty"`

	// Outcome is the terminal status of the operation this entry records.
	Outcome string `json:"outcome"`

	// Note is a short human-readable description (provider failure reasons,
	// admin lock reasons).
	Note string `json:"note,omitempty"`

	Legs []LegDetail `json:"legs,omitempty"`
}

// LegDetail is the before/after record of one account movement.
type LegDetail struct {
	ChamaID     string `json:"chama_id"`
	OwnerID     string `json:"owner_id"`
	Kind        string `json:"kind"`
	DeltaMinor  int64  `json:"delta_minor"`
	BeforeMinor int64  `json:"before_minor"`
	AfterMinor  int64  `json:"after_minor"`
}

// LegsFromApplied converts Balance Store results into ledger leg details.
func LegsFromApplied(applied []wallet.AppliedLeg) []LegDetail {
	out := make([]LegDetail, len(applied))
	for i, a := range applied {
		out[i] = LegDetail{
			ChamaID:     a.Account.ChamaID,
			OwnerID:     a.Account.OwnerID,
			Kind:        string(a.Account.Kind),
			DeltaMinor:  a.AfterMinor - a.BeforeMinor,
			BeforeMinor: a.BeforeMinor,
			AfterMinor:  a.AfterMinor,
		}
	}
	return out
}

// Replay folds entries into the balance of one account. Entries must be the
// complete history of that account since inception.
func Replay(entries []Entry, ref wallet.AccountRef) int64 {
	var bal int64
	for _, e := range entries {
		for _, l := range e.Details.Legs {
			if l.ChamaID == ref.ChamaID && l.OwnerID == ref.OwnerID && l.Kind == string(ref.Kind) {
				bal += l.DeltaMinor
			}
		}
	}
	return bal
}
