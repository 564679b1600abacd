package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "workstation-guard/internal/db"
)

// SQLiteLedger stores the chain in the ledger_entries table. All appends go
// through the single-writer worker, so reading the head and inserting the
// next entry happen in one serialized transaction.
type SQLiteLedger struct {
	conn   *sql.DB
	writer *dbpkg.Worker
	opts   Options
}

func NewSQLite(conn *sql.DB, writer *dbpkg.Worker, opts Options) *SQLiteLedger {
	return &SQLiteLedger{conn: conn, writer: writer, opts: opts.withDefaults()}
}

func (s *SQLiteLedger) Append(ctx context.Context, kind string, payload any) (Receipt, error) {
	b, err := encodePayload(kind, payload)
	if err != nil {
		return Receipt{}, err
	}

	var sealed Entry
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var prev *Entry
		head, err := scanEntry(tx.QueryRowContext(ctx, selectEntry+` ORDER BY seq DESC LIMIT 1`))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read head: %w", err)
		default:
			prev = &head
		}

		sealed = seal(prev, s.opts.NewID(), kind, b, s.opts.Clock())
		_, err = tx.ExecContext(ctx, `
INSERT INTO ledger_entries (seq, receipt_id, kind, payload, prev_hash, hash, created_at_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sealed.Seq, sealed.ReceiptID, sealed.Kind, []byte(sealed.Payload),
			sealed.PrevHash, sealed.Hash, sealed.CreatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("sqlite ledger append: %w", err)
	}
	return sealed.receipt(), nil
}

func (s *SQLiteLedger) Verify(ctx context.Context, receiptID string) (bool, error) {
	return verify(ctx, s, receiptID)
}

func (s *SQLiteLedger) Get(ctx context.Context, receiptID string) (Entry, error) {
	e, err := scanEntry(s.conn.QueryRowContext(ctx, selectEntry+` WHERE receipt_id = ?`, receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteLedger) bySeq(ctx context.Context, seq int64) (Entry, error) {
	e, err := scanEntry(s.conn.QueryRowContext(ctx, selectEntry+` WHERE seq = ?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

func (s *SQLiteLedger) Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	rows, err := s.conn.QueryContext(ctx, selectEntry+` WHERE seq > ? ORDER BY seq ASC LIMIT ?`, afterSeq, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteLedger) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

const selectEntry = `SELECT seq, receipt_id, kind, payload, prev_hash, hash, created_at_ns FROM ledger_entries`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e       Entry
		payload []byte
		created int64
	)
	if err := r.Scan(&e.Seq, &e.ReceiptID, &e.Kind, &payload, &e.PrevHash, &e.Hash, &created); err != nil {
		return Entry{}, err
	}
	e.Payload = payload
	e.CreatedAt = time.Unix(0, created).UTC()
	return e, nil
}
