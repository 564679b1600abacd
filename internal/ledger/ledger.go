// Package ledger is the evidentiary log: an append-only, hash-chained
// sequence of records. Each append returns an opaque receipt that can later
// be looked up and verified against the chain.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("ledger: receipt not found")
	// ErrRecorderUnavailable means no backend accepted the append.
	ErrRecorderUnavailable = errors.New("ledger: recorder unavailable")
	ErrInvalidRecord       = errors.New("ledger: invalid record")
)

// Ledger is the contract every backend implements. There is no way to
// update or remove an entry.
type Ledger interface {
	Append(ctx context.Context, kind string, payload any) (Receipt, error)
	// Verify reports whether the receipt's entry is intact and linked to
	// its predecessor. A missing receipt is ErrNotFound.
	Verify(ctx context.Context, receiptID string) (bool, error)
	Get(ctx context.Context, receiptID string) (Entry, error)
	// Scan returns up to limit entries with Seq > afterSeq in Seq order.
	Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error)
	Ping(ctx context.Context) error
}

// Options are shared by all backends.
type Options struct {
	Clock func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

const maxScan = 1000

func encodePayload(kind string, payload any) ([]byte, error) {
	if strings.TrimSpace(kind) == "" {
		return nil, fmt.Errorf("%w: kind is required", ErrInvalidRecord)
	}
	var (
		b   []byte
		err error
	)
	switch p := payload.(type) {
	case json.RawMessage:
		b = p
	case []byte:
		b = p
	default:
		b, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %v", ErrInvalidRecord, err)
		}
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	return canonicalJSON(b), nil
}

// canonicalJSON compacts and HTML-escapes b, which is what encoding/json
// emits when re-marshaling a RawMessage. Hashing this form keeps file and
// database backends byte-identical after a round trip.
func canonicalJSON(b []byte) []byte {
	var compact bytes.Buffer
	if err := json.Compact(&compact, b); err != nil {
		return b
	}
	var out bytes.Buffer
	json.HTMLEscape(&out, compact.Bytes())
	return out.Bytes()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > maxScan {
		return maxScan
	}
	return limit
}

// lookup is the read side Verify needs.
type lookup interface {
	Get(ctx context.Context, receiptID string) (Entry, error)
	bySeq(ctx context.Context, seq int64) (Entry, error)
}

func verify(ctx context.Context, l lookup, receiptID string) (bool, error) {
	e, err := l.Get(ctx, receiptID)
	if err != nil {
		return false, err
	}
	if e.Seq == 1 {
		return intact(e, nil), nil
	}
	prev, err := l.bySeq(ctx, e.Seq-1)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return intact(e, &prev), nil
}

// AuditReport summarizes a full walk of a chain.
type AuditReport struct {
	Entries   int64  `json:"entries"`
	Intact    bool   `json:"intact"`
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	HeadHash  string `json:"head_hash,omitempty"`
}

// Audit walks the whole chain from the first entry and stops at the first
// broken link.
func Audit(ctx context.Context, l Ledger) (AuditReport, error) {
	rep := AuditReport{Intact: true}
	var prev *Entry
	var after int64
	for {
		batch, err := l.Scan(ctx, after, maxScan)
		if err != nil {
			return AuditReport{}, err
		}
		if len(batch) == 0 {
			return rep, nil
		}
		for i := range batch {
			e := batch[i]
			if !intact(e, prev) {
				rep.Intact = false
				rep.BrokenSeq = e.Seq
				return rep, nil
			}
			rep.Entries++
			rep.HeadHash = e.Hash
			prev = &e
			after = e.Seq
		}
	}
}
