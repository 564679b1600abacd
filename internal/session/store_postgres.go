package session

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"workstation-guard/internal/detector"
	"workstation-guard/pkg/utils"
)

// PostgresStore keeps sessions, activities and alerts in Postgres. See
// internal/storage/schema.sql for the tables.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) CreateSession(ctx context.Context, s Session) error {
	const q = `
INSERT INTO sessions (id, identity_id, token_id, station_id, started_at, end_reason, state, admission_receipt)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`
	_, err := p.db.ExecContext(ctx, q,
		s.ID, s.IdentityRef, s.TokenID, s.StationID, s.StartedAt,
		string(s.EndReason), string(s.State), s.AdmissionReceipt,
	)
	return err
}

// CloseSession only touches an active row, so a repeated close is a no-op.
func (p *PostgresStore) CloseSession(ctx context.Context, id string, endedAt time.Time, reason EndReason) error {
	return utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var state string
		err := tx.QueryRowContext(ctx, `SELECT state FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if State(state) == StateClosed {
			return nil
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET state = $2, ended_at = $3, end_reason = $4 WHERE id = $1`,
			id, string(StateClosed), endedAt, string(reason),
		)
		return err
	})
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (Session, error) {
	const q = `
SELECT id, identity_id, token_id, station_id, started_at, ended_at, end_reason, state, admission_receipt
FROM sessions
WHERE id = $1
`
	var (
		s     Session
		ended sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, q, id).Scan(
		&s.ID, &s.IdentityRef, &s.TokenID, &s.StationID, &s.StartedAt,
		&ended, &s.EndReason, &s.State, &s.AdmissionReceipt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if ended.Valid {
		t := ended.Time
		s.EndedAt = &t
	}
	return s, nil
}

func (p *PostgresStore) AppendActivity(ctx context.Context, a Activity) error {
	const q = `
INSERT INTO activities (id, session_id, seq, activity_type, description, is_suspicious, origin, receipt_id, unverified, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := p.db.ExecContext(ctx, q,
		a.ID, a.SessionID, a.Seq, a.ActivityType, a.Description,
		a.IsSuspicious, string(a.Origin), a.ReceiptID, a.Unverified, a.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		// A flushed retry of a write that did land.
		return nil
	}
	return err
}

func (p *PostgresStore) AppendAlert(ctx context.Context, a Alert) error {
	const q = `
INSERT INTO alerts (id, session_id, activity_seq, kind, severity, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	_, err := p.db.ExecContext(ctx, q,
		a.ID, a.SessionID, a.ActivitySeq, string(a.Kind), a.Severity.String(), a.Message, a.CreatedAt,
	)
	if utils.IsUniqueViolation(err) {
		return nil
	}
	return err
}

func (p *PostgresStore) ListActivities(ctx context.Context, sessionID string) ([]Activity, error) {
	const q = `
SELECT id, session_id, seq, activity_type, description, is_suspicious, origin, receipt_id, unverified, created_at
FROM activities
WHERE session_id = $1
ORDER BY seq ASC
`
	rows, err := p.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Activity, 0)
	for rows.Next() {
		var a Activity
		if err := rows.Scan(
			&a.ID, &a.SessionID, &a.Seq, &a.ActivityType, &a.Description,
			&a.IsSuspicious, &a.Origin, &a.ReceiptID, &a.Unverified, &a.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

const selectAlert = `
SELECT id, session_id, activity_seq, kind, severity, message, created_at
FROM alerts
`

func (p *PostgresStore) ListAlerts(ctx context.Context, sessionID string) ([]Alert, error) {
	rows, err := p.db.QueryContext(ctx, selectAlert+`WHERE session_id = $1 ORDER BY activity_seq ASC, created_at ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

func (p *PostgresStore) AlertsBetween(ctx context.Context, from, to time.Time) ([]Alert, error) {
	rows, err := p.db.QueryContext(ctx, selectAlert+`WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at ASC`, from, to)
	if err != nil {
		return nil, err
	}
	return collectAlerts(rows)
}

func collectAlerts(rows *sql.Rows) ([]Alert, error) {
	defer rows.Close()
	out := make([]Alert, 0)
	for rows.Next() {
		var (
			a        Alert
			severity string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ActivitySeq, &a.Kind, &severity, &a.Message, &a.CreatedAt); err != nil {
			return nil, err
		}
		sev, err := detector.ParseSeverity(severity)
		if err != nil {
			return nil, err
		}
		a.Severity = sev
		out = append(out, a)
	}
	return out, rows.Err()
}
