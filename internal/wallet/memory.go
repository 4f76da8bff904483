package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and local tooling.
// One mutex serializes every money operation, which trivially satisfies the
// per-account serialization contract.
type MemoryStore struct {
	mu       sync.Mutex
	wallets  map[string]*Wallet
	balances map[AccountRef]int64
	clock    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		balances: make(map[AccountRef]int64),
		clock:    time.Now,
	}
}

func walletKey(chamaID, memberID string) string {
	return chamaID + "/" + memberID
}

func (s *MemoryStore) CreateWallet(ctx context.Context, chamaID, memberID string) (Wallet, error) {
	if chamaID == "" || memberID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := walletKey(chamaID, memberID)
	if _, ok := s.wallets[key]; ok {
		return Wallet{}, fmt.Errorf("%w: wallet already exists for %s", ErrInvalidArgument, key)
	}
	now := s.clock().UTC()
	w := &Wallet{ChamaID: chamaID, MemberID: memberID, CreatedAt: now, UpdatedAt: now}
	s.wallets[key] = w
	s.balances[SavingsAccount(chamaID, memberID)] = 0
	s.balances[DisbursementAccount(chamaID, memberID)] = 0
	return *w, nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, chamaID, memberID string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(chamaID, memberID)]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	out := *w
	out.SavingsMinor = s.balances[SavingsAccount(chamaID, memberID)]
	out.DisbursementMinor = s.balances[DisbursementAccount(chamaID, memberID)]
	return out, nil
}

func (s *MemoryStore) Balance(ctx context.Context, ref AccountRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if memberAccount(ref.Kind) {
		if _, ok := s.wallets[walletKey(ref.ChamaID, ref.OwnerID)]; !ok {
			return 0, ErrNotFound
		}
	}
	return s.balances[ref], nil
}

func (s *MemoryStore) Apply(ctx context.Context, legs ...Leg) ([]AppliedLeg, error) {
	if err := validateLegs(legs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Stage every leg before touching the map so a late failure leaves no
	// partial application.
	staged := make(map[AccountRef]int64, len(legs))
	applied := make([]AppliedLeg, 0, len(legs))
	for _, l := range legs {
		if memberAccount(l.Account.Kind) {
			if _, ok := s.wallets[walletKey(l.Account.ChamaID, l.Account.OwnerID)]; !ok {
				return nil, ErrNotFound
			}
		}
		before, ok := staged[l.Account]
		if !ok {
			before = s.balances[l.Account]
		}
		after := before + l.DeltaMinor
		if after < 0 {
			return nil, &InsufficientFundsError{
				Account:        l.Account,
				RequestedMinor: -l.DeltaMinor,
				AvailableMinor: before,
			}
		}
		staged[l.Account] = after
		applied = append(applied, AppliedLeg{Account: l.Account, BeforeMinor: before, AfterMinor: after})
	}

	now := s.clock().UTC()
	for ref, bal := range staged {
		s.balances[ref] = bal
		if memberAccount(ref.Kind) {
			s.wallets[walletKey(ref.ChamaID, ref.OwnerID)].UpdatedAt = now
		}
	}
	return applied, nil
}

func (s *MemoryStore) SetWithdrawalLock(ctx context.Context, chamaID, memberID string, locked bool) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(chamaID, memberID)]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	w.WithdrawalLocked = locked
	w.UpdatedAt = s.clock().UTC()

	out := *w
	out.SavingsMinor = s.balances[SavingsAccount(chamaID, memberID)]
	out.DisbursementMinor = s.balances[DisbursementAccount(chamaID, memberID)]
	return out, nil
}
