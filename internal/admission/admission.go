// Package admission decides whether a (token, secret, station) triple may
// open a session, and leaves exactly one audit record and one ledger receipt
// behind for every attempt.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"workstation-guard/internal/audit"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/metrics"

	"github.com/google/uuid"
)

var (
	ErrUnknownToken    = errors.New("admission: unknown token")
	ErrBadSecret       = errors.New("admission: bad secret")
	ErrInvalidArgument = errors.New("admission: token_id and station_id required")
)

// Caller-facing messages. Inactive and absent tokens share one message.
const (
	MessageSuccess      = "authentication successful"
	MessageUnknownToken = "token not registered"
	MessageBadSecret    = "invalid credentials"
)

// LedgerKind is the ledger entry kind for admission decisions.
const LedgerKind = "admission"

type Options struct {
	Identities *identity.Service
	Ledger     ledger.Ledger
	Audit      *audit.Service
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
}

type Authority struct {
	identities *identity.Service
	ledger     ledger.Ledger
	audit      *audit.Service
	metrics    *metrics.Metrics
	log        *slog.Logger
	clock      func() time.Time

	mu      sync.Mutex
	pending []audit.AdmissionRecord
}

func New(opts Options) (*Authority, error) {
	if opts.Identities == nil || opts.Ledger == nil || opts.Audit == nil {
		return nil, errors.New("admission: identities, ledger and audit are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Authority{
		identities: opts.Identities,
		ledger:     opts.Ledger,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		log:        opts.Logger.With("component", "admission"),
		clock:      opts.Clock,
	}, nil
}

// Result is the decision returned to the caller. Identity and Grant are set
// only on success.
type Result struct {
	Success bool                `json:"success"`
	Reason  audit.FailureReason `json:"reason,omitempty"`
	Message string              `json:"message"`

	Identity   *identity.View `json:"user,omitempty"`
	ReceiptID  string         `json:"receipt_id"`
	Unverified bool           `json:"unverified,omitempty"`

	Grant *Grant `json:"-"`
}

// Err maps a failed result to its sentinel.
func (r Result) Err() error {
	switch r.Reason {
	case audit.ReasonUnknownToken:
		return ErrUnknownToken
	case audit.ReasonBadSecret:
		return ErrBadSecret
	}
	return nil
}

// Grant is proof of a successful admission. Only this package can mint one,
// so a session cannot be opened without passing Admit.
type Grant struct {
	identityID uuid.UUID
	view       identity.View
	stationID  string
	receiptID  string
	admittedAt time.Time
}

func (g *Grant) IdentityID() uuid.UUID { return g.identityID }
func (g *Grant) TokenID() string { return g.view.TokenID }
func (g *Grant) StationID() string { return g.stationID }
func (g *Grant) View() identity.View { return g.view }
func (g *Grant) IsAdmin() bool { return g.view.IsAdmin }
func (g *Grant) ReceiptID() string { return g.receiptID }
func (g *Grant) AdmittedAt() time.Time { return g.admittedAt }

// Admit validates the triple. Failed credentials are a normal Result with
// Success=false, not an error; an error means the request itself was
// malformed.
func (a *Authority) Admit(ctx context.Context, tokenID, secret, stationID string) (Result, error) {
	tokenID = identity.NormalizeTokenID(tokenID)
	stationID = strings.TrimSpace(stationID)
	if tokenID == "" || stationID == "" {
		return Result{}, ErrInvalidArgument
	}
	a.flushPending(ctx)

	now := a.clock().UTC()
	rec := audit.AdmissionRecord{TokenID: tokenID, StationID: stationID, CreatedAt: now}

	ident, reason := a.decide(ctx, tokenID, secret)
	res := Result{}
	switch reason {
	case "":
		rec.Outcome = audit.OutcomeSuccess
		rec.IdentityRef = ident.ID.String()
		res.Success = true
		res.Message = MessageSuccess
	case audit.ReasonUnknownToken:
		rec.Outcome = audit.OutcomeFailure
		rec.FailureReason = reason
		res.Reason = reason
		res.Message = MessageUnknownToken
	default:
		rec.Outcome = audit.OutcomeFailure
		rec.FailureReason = reason
		rec.IdentityRef = ident.ID.String()
		res.Reason = reason
		res.Message = MessageBadSecret
	}

	rec.ReceiptID, rec.Unverified = a.appendLedger(ctx, rec)
	res.ReceiptID, res.Unverified = rec.ReceiptID, rec.Unverified
	a.appendAudit(ctx, rec)
	a.metrics.Admission(string(rec.Outcome), string(rec.FailureReason))

	if res.Success {
		v := ident.View()
		res.Identity = &v
		res.Grant = &Grant{
			identityID: ident.ID,
			view:       v,
			stationID:  stationID,
			receiptID:  rec.ReceiptID,
			admittedAt: now,
		}
	}
	a.log.Info("admission decided",
		"token_id", tokenID,
		"station_id", stationID,
		"outcome", rec.Outcome,
		"reason", rec.FailureReason,
		"receipt_id", rec.ReceiptID,
		"unverified", rec.Unverified,
	)
	return res, nil
}

// decide returns the identity (when one was found) and the failure reason,
// empty on success. A directory error fails closed as unknown_token.
func (a *Authority) decide(ctx context.Context, tokenID, secret string) (identity.Identity, audit.FailureReason) {
	ident, err := a.identities.Lookup(ctx, tokenID)
	if err != nil {
		if !errors.Is(err, identity.ErrNotFound) {
			a.log.Error("identity lookup failed", "token_id", tokenID, "err", err)
		}
		a.identities.BurnCheck(secret)
		return identity.Identity{}, audit.ReasonUnknownToken
	}
	if !ident.IsActive {
		a.identities.BurnCheck(secret)
		return identity.Identity{}, audit.ReasonUnknownToken
	}
	if !a.identities.CheckSecret(ident, secret) {
		return ident, audit.ReasonBadSecret
	}
	return ident, ""
}

type ledgerPayload struct {
	TokenID       string `json:"token_id"`
	StationID     string `json:"station_id"`
	IdentityRef   string `json:"identity_ref,omitempty"`
	Outcome       string `json:"outcome"`
	FailureReason string `json:"failure_reason,omitempty"`
	At            string `json:"at"`
}

// appendLedger always yields a receipt id. When no ledger backend accepts
// the append, a local id is minted and marked unverified.
func (a *Authority) appendLedger(ctx context.Context, rec audit.AdmissionRecord) (string, bool) {
	r, err := a.ledger.Append(ctx, LedgerKind, ledgerPayload{
		TokenID:       rec.TokenID,
		StationID:     rec.StationID,
		IdentityRef:   rec.IdentityRef,
		Outcome:       string(rec.Outcome),
		FailureReason: string(rec.FailureReason),
		At:            rec.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		id := "local-" + uuid.NewString()
		a.log.Error("admission ledger append failed; using local receipt", "receipt_id", id, "err", err)
		return id, true
	}
	return r.ID, r.Unverified
}

func (a *Authority) appendAudit(ctx context.Context, rec audit.AdmissionRecord) {
	if _, err := a.audit.Append(ctx, rec); err != nil {
		a.log.Warn("admission record write failed; buffering", "receipt_id", rec.ReceiptID, "err", err)
		a.mu.Lock()
		a.pending = append(a.pending, rec)
		a.mu.Unlock()
	}
}

// flushPending retries buffered records in order and keeps those that still
// fail.
func (a *Authority) flushPending(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var keep []audit.AdmissionRecord
	for i, rec := range batch {
		if _, err := a.audit.Append(ctx, rec); err != nil {
			keep = append(keep, batch[i:]...)
			break
		}
	}
	if len(keep) > 0 {
		a.mu.Lock()
		a.pending = append(keep, a.pending...)
		a.mu.Unlock()
	}
}

// Pending is the number of records waiting for the store.
func (a *Authority) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Flush retries buffered records now.
func (a *Authority) Flush(ctx context.Context) error {
	a.flushPending(ctx)
	if n := a.Pending(); n > 0 {
		return fmt.Errorf("admission: %d records still pending", n)
	}
	return nil
}
