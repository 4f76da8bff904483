package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresRepo persists entries in an INSERT-only table.
//
// Assumed schema:
//   ledger_entries (id, chama_id, actor_id, action, amount_minor,
//                   target_member_id, details JSONB, created_at)
// Recommended: a trigger rejecting UPDATE/DELETE, and time partitioning for
// retention.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO ledger_entries (id, chama_id, actor_id, action, amount_minor, target_member_id, details, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`
	_, err = r.db.ExecContext(ctx, q,
		e.ID,
		e.ChamaID,
		e.ActorID,
		e.Action,
		e.AmountMinor,
		e.TargetMemberID,
		details,
		e.CreatedAt,
	)
	return err
}

func (r *PostgresRepo) ListByChama(ctx context.Context, chamaID string) ([]Entry, error) {
	const q = `
SELECT id, chama_id, actor_id, action, amount_minor, target_member_id, details, created_at
FROM ledger_entries
WHERE chama_id = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, chamaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var details []byte
		if err := rows.Scan(
			&e.ID,
			&e.ChamaID,
			&e.ActorID,
			&e.Action,
			&e.AmountMinor,
			&e.TargetMemberID,
			&details,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
