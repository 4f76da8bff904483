package wallet

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"chama-platform/pkg/utils"
)

// PostgresStore implements Store on Postgres.
//
// Assumed schema:
//   member_wallets  (chama_id, member_id, withdrawal_locked, created_at, updated_at,
//                    PRIMARY KEY (chama_id, member_id))
//   wallet_accounts (chama_id, owner_id, kind, balance_minor, updated_at,
//                    PRIMARY KEY (chama_id, owner_id, kind),
//                    CHECK (balance_minor >= 0))
//
// Apply locks account rows with SELECT ... FOR UPDATE in a deterministic order
// so concurrent multi-leg calls cannot deadlock, and the check-then-mutate
// sequence per account is serialized by the row lock.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) CreateWallet(ctx context.Context, chamaID, memberID string) (Wallet, error) {
	if chamaID == "" || memberID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	now := s.clock().UTC()
	var out Wallet
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const insertWallet = `
INSERT INTO member_wallets (chama_id, member_id, withdrawal_locked, created_at, updated_at)
VALUES ($1,$2,false,$3,$3)
RETURNING chama_id, member_id, withdrawal_locked, created_at, updated_at
`
		if err := tx.QueryRowContext(ctx, insertWallet, chamaID, memberID, now).Scan(
			&out.ChamaID,
			&out.MemberID,
			&out.WithdrawalLocked,
			&out.CreatedAt,
			&out.UpdatedAt,
		); err != nil {
			return err
		}

		const insertAccounts = `
INSERT INTO wallet_accounts (chama_id, owner_id, kind, balance_minor, updated_at)
VALUES ($1,$2,$3,0,$4), ($1,$2,$5,0,$4)
`
		_, err := tx.ExecContext(ctx, insertAccounts, chamaID, memberID, KindSavings, now, KindDisbursement)
		return err
	})
	return out, err
}

func (s *PostgresStore) GetWallet(ctx context.Context, chamaID, memberID string) (Wallet, error) {
	const q = `
SELECT w.chama_id, w.member_id, w.withdrawal_locked, w.created_at, w.updated_at,
       s.balance_minor, d.balance_minor
FROM member_wallets w
JOIN wallet_accounts s ON s.chama_id = w.chama_id AND s.owner_id = w.member_id AND s.kind = $3
JOIN wallet_accounts d ON d.chama_id = w.chama_id AND d.owner_id = w.member_id AND d.kind = $4
WHERE w.chama_id = $1 AND w.member_id = $2
`
	var w Wallet
	err := s.db.QueryRowContext(ctx, q, chamaID, memberID, KindSavings, KindDisbursement).Scan(
		&w.ChamaID,
		&w.MemberID,
		&w.WithdrawalLocked,
		&w.CreatedAt,
		&w.UpdatedAt,
		&w.SavingsMinor,
		&w.DisbursementMinor,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func (s *PostgresStore) Balance(ctx context.Context, ref AccountRef) (int64, error) {
	const q = `
SELECT balance_minor
FROM wallet_accounts
WHERE chama_id = $1 AND owner_id = $2 AND kind = $3
`
	var bal int64
	err := s.db.QueryRowContext(ctx, q, ref.ChamaID, ref.OwnerID, ref.Kind).Scan(&bal)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if memberAccount(ref.Kind) {
				return 0, ErrNotFound
			}
			// Untouched pool/central accounts read as zero.
			return 0, nil
		}
		return 0, err
	}
	return bal, nil
}

func (s *PostgresStore) Apply(ctx context.Context, legs ...Leg) ([]AppliedLeg, error) {
	if err := validateLegs(legs); err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	applied := make([]AppliedLeg, len(legs))

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Lock each distinct account once, in sorted order.
		refs := distinctSortedRefs(legs)
		balances := make(map[AccountRef]int64, len(refs))
		for _, ref := range refs {
			bal, err := lockAccount(ctx, tx, ref, now)
			if err != nil {
				return err
			}
			balances[ref] = bal
		}

		for i, l := range legs {
			before := balances[l.Account]
			after := before + l.DeltaMinor
			if after < 0 {
				return &InsufficientFundsError{
					Account:        l.Account,
					RequestedMinor: -l.DeltaMinor,
					AvailableMinor: before,
				}
			}
			balances[l.Account] = after
			applied[i] = AppliedLeg{Account: l.Account, BeforeMinor: before, AfterMinor: after}
		}

		const update = `
UPDATE wallet_accounts
SET balance_minor = $4, updated_at = $5
WHERE chama_id = $1 AND owner_id = $2 AND kind = $3
`
		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx, update, ref.ChamaID, ref.OwnerID, ref.Kind, balances[ref], now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

func (s *PostgresStore) SetWithdrawalLock(ctx context.Context, chamaID, memberID string, locked bool) (Wallet, error) {
	const q = `
UPDATE member_wallets
SET withdrawal_locked = $3, updated_at = $4
WHERE chama_id = $1 AND member_id = $2
RETURNING chama_id, member_id, withdrawal_locked, created_at, updated_at
`
	var w Wallet
	err := s.db.QueryRowContext(ctx, q, chamaID, memberID, locked, s.clock().UTC()).Scan(
		&w.ChamaID,
		&w.MemberID,
		&w.WithdrawalLocked,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

// lockAccount takes the row lock that serializes money operations on one
// account, provisioning pool/central rows on first touch.
func lockAccount(ctx context.Context, tx *sql.Tx, ref AccountRef, now time.Time) (int64, error) {
	const q = `
SELECT balance_minor
FROM wallet_accounts
WHERE chama_id = $1 AND owner_id = $2 AND kind = $3
FOR UPDATE
`
	var bal int64
	err := tx.QueryRowContext(ctx, q, ref.ChamaID, ref.OwnerID, ref.Kind).Scan(&bal)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if memberAccount(ref.Kind) {
		return 0, ErrNotFound
	}

	const insert = `
INSERT INTO wallet_accounts (chama_id, owner_id, kind, balance_minor, updated_at)
VALUES ($1,$2,$3,0,$4)
ON CONFLICT (chama_id, owner_id, kind) DO NOTHING
`
	if _, err := tx.ExecContext(ctx, insert, ref.ChamaID, ref.OwnerID, ref.Kind, now); err != nil {
		return 0, err
	}
	// Re-acquire under lock; a concurrent insert may have won the conflict.
	if err := tx.QueryRowContext(ctx, q, ref.ChamaID, ref.OwnerID, ref.Kind).Scan(&bal); err != nil {
		return 0, err
	}
	return bal, nil
}

func distinctSortedRefs(legs []Leg) []AccountRef {
	seen := make(map[AccountRef]struct{}, len(legs))
	refs := make([]AccountRef, 0, len(legs))
	for _, l := range legs {
		if _, ok := seen[l.Account]; ok {
			continue
		}
		seen[l.Account] = struct{}{}
		refs = append(refs, l.Account)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.ChamaID != b.ChamaID {
			return a.ChamaID < b.ChamaID
		}
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		return a.Kind < b.Kind
	})
	return refs
}
