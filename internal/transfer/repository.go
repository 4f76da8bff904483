package transfer

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"chama-platform/pkg/utils"
)

var ErrTransactionNotFound = errors.New("transaction not found")

// TransactionRepository persists the transfer state machine's records.
// Status is the only mutable field; everything else is written once.
type TransactionRepository interface {
	Create(ctx context.Context, t Transaction) error
	FindByReference(ctx context.Context, reference string) (Transaction, error)
	UpdateStatus(ctx context.Context, reference string, status Status, failureReason, providerRef string) error
}

// MemoryTransactionRepo backs tests.
type MemoryTransactionRepo struct {
	mu    sync.Mutex
	byRef map[string]Transaction
}

func NewMemoryTransactionRepo() *MemoryTransactionRepo {
	return &MemoryTransactionRepo{byRef: make(map[string]Transaction)}
}

func (r *MemoryTransactionRepo) Create(ctx context.Context, t Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byRef[t.Reference]; ok {
		return errors.New("duplicate reference")
	}
	r.byRef[t.Reference] = t
	return nil
}

func (r *MemoryTransactionRepo) FindByReference(ctx context.Context, reference string) (Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byRef[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return t, nil
}

func (r *MemoryTransactionRepo) UpdateStatus(ctx context.Context, reference string, status Status, failureReason, providerRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byRef[reference]
	if !ok {
		return ErrTransactionNotFound
	}
	t.Status = status
	if failureReason != "" {
		t.FailureReason = failureReason
	}
	if providerRef != "" {
		t.ProviderRef = providerRef
	}
	t.UpdatedAt = time.Now().UTC()
	r.byRef[reference] = t
	return nil
}

// PostgresTransactionRepo persists transactions.
//
// Assumed schema:
//   transactions (id, reference UNIQUE, chama_id, member_id, purpose, method,
//                 amount_minor, destination, status, failure_reason,
//                 provider_ref, expected_minor, created_at, updated_at)
type PostgresTransactionRepo struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresTransactionRepo(db *sql.DB) *PostgresTransactionRepo {
	return &PostgresTransactionRepo{db: db, clock: time.Now}
}

func (r *PostgresTransactionRepo) Create(ctx context.Context, t Transaction) error {
	const q = `
INSERT INTO transactions (
  id, reference, chama_id, member_id, purpose, method, amount_minor,
  destination, status, failure_reason, provider_ref, expected_minor,
  created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	return utils.WithTx(ctx, r.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			t.ID,
			t.Reference,
			t.ChamaID,
			t.MemberID,
			t.Purpose,
			t.Method,
			t.AmountMinor,
			t.Destination,
			t.Status,
			t.FailureReason,
			t.ProviderRef,
			t.ExpectedMinor,
			t.CreatedAt,
			t.UpdatedAt,
		)
		return err
	})
}

func (r *PostgresTransactionRepo) FindByReference(ctx context.Context, reference string) (Transaction, error) {
	const q = `
SELECT id, reference, chama_id, member_id, purpose, method, amount_minor,
       destination, status, failure_reason, provider_ref, expected_minor,
       created_at, updated_at
FROM transactions
WHERE reference = $1
`
	var t Transaction
	err := r.db.QueryRowContext(ctx, q, reference).Scan(
		&t.ID,
		&t.Reference,
		&t.ChamaID,
		&t.MemberID,
		&t.Purpose,
		&t.Method,
		&t.AmountMinor,
		&t.Destination,
		&t.Status,
		&t.FailureReason,
		&t.ProviderRef,
		&t.ExpectedMinor,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func (r *PostgresTransactionRepo) UpdateStatus(ctx context.Context, reference string, status Status, failureReason, providerRef string) error {
	const q = `
UPDATE transactions
SET status = $2,
    failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
    provider_ref   = CASE WHEN $4 = '' THEN provider_ref   ELSE $4 END,
    updated_at = $5
WHERE reference = $1
`
	res, err := r.db.ExecContext(ctx, q, reference, status, failureReason, providerRef, r.clock().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTransactionNotFound
	}
	return nil
}
