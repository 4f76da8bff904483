package wallet

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("wallet not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// InsufficientFundsError carries the attempted amount and what was available.
// errors.Is(err, ErrInsufficientFunds) matches it.
type InsufficientFundsError struct {
	Account        AccountRef
	RequestedMinor int64
	AvailableMinor int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s/%s: requested %d, available %d",
		e.Account.OwnerID, e.Account.Kind, e.RequestedMinor, e.AvailableMinor)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Store is the Balance Store contract.
//
// Apply is the only balance mutation primitive. All legs of a call are one
// atomic unit: either every leg commits or none does, and no other caller can
// observe a partial application. A leg that would drive any balance negative
// fails the whole call with *InsufficientFundsError and mutates nothing.
//
// Adjustments on the same account are serialized (row locks in Postgres, a
// mutex in the memory store) so concurrent debits cannot both pass a
// sufficiency check against a stale balance.
type Store interface {
	// CreateWallet provisions a zero-balance wallet set for a member joining a
	// chama. Creating an existing wallet is an error.
	CreateWallet(ctx context.Context, chamaID, memberID string) (Wallet, error)

	GetWallet(ctx context.Context, chamaID, memberID string) (Wallet, error)

	// Balance reads one account. Pool and central accounts that have never
	// been touched read as zero.
	Balance(ctx context.Context, ref AccountRef) (int64, error)

	// Apply commits the legs atomically and returns before/after balances in
	// leg order.
	Apply(ctx context.Context, legs ...Leg) ([]AppliedLeg, error)

	// SetWithdrawalLock flips the administrative withdrawal gate.
	SetWithdrawalLock(ctx context.Context, chamaID, memberID string, locked bool) (Wallet, error)
}

func validateLegs(legs []Leg) error {
	if len(legs) == 0 {
		return fmt.Errorf("%w: no legs", ErrInvalidArgument)
	}
	for _, l := range legs {
		if l.DeltaMinor == 0 {
			return fmt.Errorf("%w: zero-amount leg on %s/%s", ErrInvalidArgument, l.Account.OwnerID, l.Account.Kind)
		}
		if l.Account.ChamaID == "" || l.Account.OwnerID == "" {
			return fmt.Errorf("%w: leg missing account identifiers", ErrInvalidArgument)
		}
		switch l.Account.Kind {
		case KindSavings, KindDisbursement, KindPool, KindCentral:
		default:
			return fmt.Errorf("%w: unknown account kind %q", ErrInvalidArgument, l.Account.Kind)
		}
	}
	return nil
}

// memberAccount reports whether the account must be backed by an existing
// member wallet. Pool and central accounts are provisioned lazily.
func memberAccount(k Kind) bool {
	return k == KindSavings || k == KindDisbursement
}
