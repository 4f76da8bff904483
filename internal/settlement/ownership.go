package settlement

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OwnershipRepository grants chama ownership after a verified purchase.
//
// Grant must be at-most-once per chama: the first call returns true, every
// later call (including a redelivered settlement for the same purchase)
// returns false without changing the owner.
type OwnershipRepository interface {
	Grant(ctx context.Context, chamaID, memberID, reference string) (bool, error)
}

type ownershipGrant struct {
	memberID  string
	reference string
	grantedAt time.Time
}

// MemoryOwnershipRepository is the in-memory OwnershipRepository used by tests.
type MemoryOwnershipRepository struct {
	mu     sync.Mutex
	grants map[string]ownershipGrant
}

func NewMemoryOwnershipRepository() *MemoryOwnershipRepository {
	return &MemoryOwnershipRepository{grants: make(map[string]ownershipGrant)}
}

func (r *MemoryOwnershipRepository) Grant(ctx context.Context, chamaID, memberID, reference string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.grants[chamaID]; exists {
		return false, nil
	}
	r.grants[chamaID] = ownershipGrant{memberID: memberID, reference: reference, grantedAt: time.Now().UTC()}
	return true, nil
}

// Owner returns the granted owner for a chama, for tests.
func (r *MemoryOwnershipRepository) Owner(chamaID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.grants[chamaID]
	return g.memberID, ok
}

// PostgresOwnershipRepository enforces at-most-once through the primary key.
//
// Assumed schema:
//   chama_ownership (id, chama_id PRIMARY KEY, owner_member_id, reference, granted_at)
type PostgresOwnershipRepository struct {
	db *sql.DB
}

func NewPostgresOwnershipRepository(db *sql.DB) *PostgresOwnershipRepository {
	return &PostgresOwnershipRepository{db: db}
}

func (r *PostgresOwnershipRepository) Grant(ctx context.Context, chamaID, memberID, reference string) (bool, error) {
	const q = `
INSERT INTO chama_ownership (id, chama_id, owner_member_id, reference, granted_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (chama_id) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q, uuid.NewString(), chamaID, memberID, reference, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
