package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRepo stores records in admission_records. The table has no UPDATE
// or DELETE grants in production; see internal/storage/schema.sql.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, rec AdmissionRecord) error {
	const q = `
INSERT INTO admission_records (id, identity_id, token_id, station_id, outcome, failure_reason, receipt_id, unverified, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		nullString(rec.IdentityRef),
		rec.TokenID,
		rec.StationID,
		string(rec.Outcome),
		nullString(string(rec.FailureReason)),
		rec.ReceiptID,
		rec.Unverified,
		rec.CreatedAt,
	)
	return err
}

const selectRecord = `
SELECT id, identity_id, token_id, station_id, outcome, failure_reason, receipt_id, unverified, created_at
FROM admission_records
`

func (r *PostgresRepo) List(ctx context.Context, limit int) ([]AdmissionRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectRecord+`ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (r *PostgresRepo) Between(ctx context.Context, from, to time.Time) ([]AdmissionRecord, error) {
	rows, err := r.db.QueryContext(ctx, selectRecord+`WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]AdmissionRecord, error) {
	defer rows.Close()
	out := make([]AdmissionRecord, 0)
	for rows.Next() {
		var (
			rec      AdmissionRecord
			identity sql.NullString
			reason   sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&identity,
			&rec.TokenID,
			&rec.StationID,
			&rec.Outcome,
			&reason,
			&rec.ReceiptID,
			&rec.Unverified,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.IdentityRef = identity.String
		rec.FailureReason = FailureReason(reason.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
