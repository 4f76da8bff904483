package transfer

import (
	"time"

	"chama-platform/internal/payout"
)

// Method is how money leaves (or moves within) the platform. Closed set;
// handlers must reject anything else before the engine runs.
type Method string

const (
	MethodInternal    Method = "internal"
	MethodMpesa       Method = "mpesa"
	MethodAirtelMoney Method = "airtel_money"
	MethodBank        Method = "bank"
)

func ValidMethod(m Method) bool {
	switch m {
	case MethodInternal, MethodMpesa, MethodAirtelMoney, MethodBank:
		return true
	default:
		return false
	}
}

// External reports whether the method settles through an outside rail.
func (m Method) External() bool {
	return m == MethodMpesa || m == MethodAirtelMoney || m == MethodBank
}

// Rail maps an external method onto the payout dispatcher's rail.
func (m Method) Rail() (payout.Rail, bool) {
	switch m {
	case MethodMpesa:
		return payout.RailMpesa, true
	case MethodAirtelMoney:
		return payout.RailAirtelMoney, true
	case MethodBank:
		return payout.RailBank, true
	default:
		return "", false
	}
}

// Status is a transaction's position in the state machine:
// pending -> processing -> completed | failed | reversed, plus duplicate for
// replayed settlement deliveries.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDuplicate  Status = "duplicate"
	StatusReversed   Status = "reversed"
)

// Purpose classifies what a transaction is economically for; the Settlement
// Reconciler branches on it.
type Purpose string

const (
	PurposeWalletTopUp   Purpose = "wallet_topup"
	PurposeWithdrawal    Purpose = "withdrawal"
	PurposePeerSend      Purpose = "peer_send"
	PurposeChamaPurchase Purpose = "chama_purchase"
)

// Transaction is one money-movement request tracked through the state
// machine. External operations keep a row here so asynchronous settlement
// callbacks can be matched back by reference.
type Transaction struct {
	ID        string `json:"id" db:"id"`
	Reference string `json:"reference" db:"reference"`

	ChamaID  string `json:"chama_id" db:"chama_id"`
	MemberID string `json:"member_id" db:"member_id"`

	Purpose Purpose `json:"purpose" db:"purpose"`
	Method  Method  `json:"method" db:"method"`

	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Destination string `json:"destination,omitempty" db:"destination"`

	Status Status `json:"status" db:"status"`

	// FailureReason carries the provider's human-readable reason verbatim.
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	// ProviderRef is the external rail's identifier once dispatched.
	ProviderRef string `json:"provider_ref,omitempty" db:"provider_ref"`

	// ExpectedMinor is set for purchase-class transactions: the amount the
	// settlement must match within tolerance before any entitlement is
	// granted.
	ExpectedMinor int64 `json:"expected_minor,omitempty" db:"expected_minor"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
