package settlement

import (
	"context"
	"database/sql"
)

// PostgresEventRepository stores settlement records in two tables.
//
// Assumed schema:
//   settlement_events (id, external_reference UNIQUE, event_type,
//                      amount_minor, channel, status, note,
//                      raw_payload JSONB, created_at)
//   settlement_deliveries (id, external_reference, status, created_at)
//
// settlement_events carries the unique constraint that arbitrates concurrent
// deliveries; settlement_deliveries deliberately has none, so every losing
// delivery is preserved as its own duplicate row.
type PostgresEventRepository struct {
	db *sql.DB
}

func NewPostgresEventRepository(db *sql.DB) *PostgresEventRepository {
	return &PostgresEventRepository{db: db}
}

func (r *PostgresEventRepository) Insert(ctx context.Context, e Event) (bool, error) {
	const q = `
INSERT INTO settlement_events (id, external_reference, event_type, amount_minor, channel, status, note, raw_payload, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (external_reference) DO NOTHING
`
	res, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.ExternalReference,
		e.EventType,
		e.AmountMinor,
		e.Channel,
		e.Status,
		e.Note,
		e.RawPayload,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *PostgresEventRepository) SetStatus(ctx context.Context, externalReference string, status Status, note string) error {
	const q = `
UPDATE settlement_events
SET status = $2,
    note = CASE WHEN $3 = '' THEN note ELSE $3 END
WHERE external_reference = $1
`
	_, err := r.db.ExecContext(ctx, q, externalReference, status, note)
	return err
}

func (r *PostgresEventRepository) RecordDuplicate(ctx context.Context, d Delivery) error {
	const q = `
INSERT INTO settlement_deliveries (id, external_reference, status, created_at)
VALUES ($1,$2,$3,$4)
`
	_, err := r.db.ExecContext(ctx, q, d.ID, d.ExternalReference, d.Status, d.CreatedAt)
	return err
}

func (r *PostgresEventRepository) Duplicates(ctx context.Context, externalReference string) ([]Delivery, error) {
	const q = `
SELECT id, external_reference, status, created_at
FROM settlement_deliveries
WHERE external_reference = $1
ORDER BY created_at, id
`
	rows, err := r.db.QueryContext(ctx, q, externalReference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.ExternalReference, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
