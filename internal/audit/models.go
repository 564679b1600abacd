package audit

import "time"

// AdmissionRecord is the immutable trail of one admission attempt.
//
// Invariants:
// - One record per attempt, successful or not, including unknown tokens.
// - ReceiptID is always set; Unverified marks receipts from the fallback ledger.
// - FailureReason is set iff Outcome is failure.
// - Records are never updated or deleted.
type AdmissionRecord struct {
	ID string `json:"id" db:"id"`

	// IdentityRef is empty when the token is not enrolled.
	IdentityRef string `json:"identity_ref,omitempty" db:"identity_id"`
	TokenID     string `json:"token_id" db:"token_id"`
	StationID   string `json:"station_id" db:"station_id"`

	Outcome       Outcome       `json:"outcome" db:"outcome"`
	FailureReason FailureReason `json:"failure_reason,omitempty" db:"failure_reason"`

	ReceiptID  string `json:"receipt_id" db:"receipt_id"`
	Unverified bool   `json:"unverified,omitempty" db:"unverified"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

type FailureReason string

const (
	ReasonUnknownToken FailureReason = "unknown_token"
	ReasonBadSecret    FailureReason = "bad_secret"
)

func (r FailureReason) valid() bool {
	return r == ReasonUnknownToken || r == ReasonBadSecret
}
