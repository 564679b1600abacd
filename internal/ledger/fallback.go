package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Fallback writes to Primary and, when that fails, to Secondary. Receipts
// and entries that come from Secondary are marked Unverified: they are
// readable by audit tooling but are not part of the primary chain.
type Fallback struct {
	Primary   Ledger
	Secondary Ledger
	Log       *slog.Logger
	// OnFallback, if set, is called once per append that went to Secondary.
	OnFallback func(kind string)
}

func (f *Fallback) log() *slog.Logger {
	if f.Log != nil {
		return f.Log
	}
	return slog.Default()
}

func (f *Fallback) Append(ctx context.Context, kind string, payload any) (Receipt, error) {
	r, err := f.Primary.Append(ctx, kind, payload)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, ErrInvalidRecord) {
		return Receipt{}, err
	}

	f.log().Warn("primary ledger append failed; writing to fallback", "kind", kind, "err", err)
	r, ferr := f.Secondary.Append(context.WithoutCancel(ctx), kind, payload)
	if ferr != nil {
		return Receipt{}, fmt.Errorf("%w: primary: %v; fallback: %v", ErrRecorderUnavailable, err, ferr)
	}
	if f.OnFallback != nil {
		f.OnFallback(kind)
	}
	r.Unverified = true
	return r, nil
}

// Verify checks the primary chain. A receipt that only exists in the
// fallback is reported as not verified, with no error.
func (f *Fallback) Verify(ctx context.Context, receiptID string) (bool, error) {
	ok, err := f.Primary.Verify(ctx, receiptID)
	if !errors.Is(err, ErrNotFound) {
		return ok, err
	}
	if _, serr := f.Secondary.Get(ctx, receiptID); serr == nil {
		return false, nil
	}
	return false, err
}

func (f *Fallback) Get(ctx context.Context, receiptID string) (Entry, error) {
	e, err := f.Primary.Get(ctx, receiptID)
	if !errors.Is(err, ErrNotFound) {
		return e, err
	}
	e, serr := f.Secondary.Get(ctx, receiptID)
	if serr != nil {
		return Entry{}, err
	}
	e.Unverified = true
	return e, nil
}

// Scan reads the primary chain.
func (f *Fallback) Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	return f.Primary.Scan(ctx, afterSeq, limit)
}

// ScanUnverified reads the fallback chain.
func (f *Fallback) ScanUnverified(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	es, err := f.Secondary.Scan(ctx, afterSeq, limit)
	for i := range es {
		es[i].Unverified = true
	}
	return es, err
}

func (f *Fallback) Ping(ctx context.Context) error {
	return f.Primary.Ping(ctx)
}
