package wallet

import "time"

// Kind identifies which balance an account leg targets. Closed set; new kinds
// require a migration, never a stray string.
type Kind string

const (
	// KindSavings is the member's contribution pool, the source for top-ups.
	KindSavings Kind = "savings"
	// KindDisbursement is the member's spendable ("MGR") balance.
	KindDisbursement Kind = "disbursement"
	// KindPool is the chama's aggregate contribution balance.
	KindPool Kind = "pool"
	// KindCentral is the single platform-level wallet credited by internal withdrawals.
	KindCentral Kind = "central"
)

// AccountRef names one balance. It is the addressing unit for Apply legs.
type AccountRef struct {
	ChamaID string `json:"chama_id"`
	OwnerID string `json:"owner_id"`
	Kind    Kind   `json:"kind"`
}

// platformChamaID scopes accounts that belong to the platform rather than to
// any chama.
const platformChamaID = "platform"

func SavingsAccount(chamaID, memberID string) AccountRef {
	return AccountRef{ChamaID: chamaID, OwnerID: memberID, Kind: KindSavings}
}

func DisbursementAccount(chamaID, memberID string) AccountRef {
	return AccountRef{ChamaID: chamaID, OwnerID: memberID, Kind: KindDisbursement}
}

func PoolAccount(chamaID string) AccountRef {
	return AccountRef{ChamaID: chamaID, OwnerID: chamaID, Kind: KindPool}
}

func CentralAccount() AccountRef {
	return AccountRef{ChamaID: platformChamaID, OwnerID: platformChamaID, Kind: KindCentral}
}

// Wallet is one member's wallet set within a chama.
//
// Invariants:
// - SavingsMinor >= 0 and DisbursementMinor >= 0 at all times.
// - Balances change only through Store.Apply; the lock flag only through
//   Store.SetWithdrawalLock.
// - Created with zero balances when the member joins; never deleted while
//   membership is active.
type Wallet struct {
	ChamaID  string `json:"chama_id" db:"chama_id"`
	MemberID string `json:"member_id" db:"member_id"`

	SavingsMinor      int64 `json:"savings_minor" db:"savings_minor"`
	DisbursementMinor int64 `json:"disbursement_minor" db:"disbursement_minor"`

	// WithdrawalLocked gates withdrawals and out-of-platform sends.
	WithdrawalLocked bool `json:"withdrawal_locked" db:"withdrawal_locked"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Leg is one signed balance adjustment. Legs passed to a single Apply call
// commit together or not at all.
type Leg struct {
	Account    AccountRef
	DeltaMinor int64
}

// AppliedLeg reports the before/after balances of a committed leg. The pair is
// what ledger entries record.
type AppliedLeg struct {
	Account     AccountRef
	BeforeMinor int64
	AfterMinor  int64
}
