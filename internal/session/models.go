package session

import (
	"errors"
	"fmt"
	"time"

	"workstation-guard/internal/detector"

	"github.com/google/uuid"
)

type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)

type EndReason string

const (
	ReasonNone         EndReason = "none"
	ReasonManual       EndReason = "manual"
	ReasonTimeout      EndReason = "timeout"
	ReasonPresenceLost EndReason = "presence_lost"
)

func (r EndReason) valid() bool {
	return r == ReasonManual || r == ReasonTimeout || r == ReasonPresenceLost
}

// Origin tells intake activity apart from what the authority writes itself.
type Origin string

const (
	OriginIntake    Origin = "intake"
	OriginAlert     Origin = "alert"
	OriginLifecycle Origin = "lifecycle"
)

// Lifecycle activity types.
const (
	TypeSessionOpened = "session_opened"
	TypeSessionClosed = "session_closed"
	alertTypePrefix   = "security_alert_"
)

type Session struct {
	ID          string     `json:"session_id"`
	IdentityRef uuid.UUID  `json:"identity_ref"`
	TokenID     string     `json:"token_id"`
	StationID   string     `json:"station_id"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   EndReason  `json:"end_reason"`
	State       State      `json:"state"`

	// AdmissionReceipt is the ledger receipt of the admission that opened it.
	AdmissionReceipt string `json:"admission_receipt"`
}

// Activity is one entry of a session's append-only stream. IsSuspicious is
// fixed at intake.
type Activity struct {
	ID           uuid.UUID `json:"id"`
	SessionID    string    `json:"session_id"`
	Seq          int       `json:"seq"`
	ActivityType string    `json:"activity_type"`
	Description  string    `json:"description"`
	IsSuspicious bool      `json:"is_suspicious"`
	Origin       Origin    `json:"origin"`
	ReceiptID    string    `json:"receipt_id"`
	Unverified   bool      `json:"unverified,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Alert struct {
	ID          uuid.UUID         `json:"id"`
	SessionID   string            `json:"session_id"`
	ActivitySeq int               `json:"activity_seq"`
	Kind        detector.Kind     `json:"kind"`
	Severity    detector.Severity `json:"severity"`
	Message     string            `json:"message"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Summary is computed once, at close. Counts cover intake activity only.
type Summary struct {
	SessionID       string        `json:"session_id"`
	Reason          EndReason     `json:"reason"`
	StartedAt       time.Time     `json:"started_at"`
	EndedAt         time.Time     `json:"ended_at"`
	Duration        time.Duration `json:"-"`
	DurationSeconds float64       `json:"duration_seconds"`
	ActivityCount   int           `json:"activity_count"`
	SuspiciousCount int           `json:"suspicious_count"`
}

// ActivityResult is returned by RecordActivity.
type ActivityResult struct {
	ReceiptID  string           `json:"receipt_id"`
	Unverified bool             `json:"unverified,omitempty"`
	Suspicious bool             `json:"is_suspicious"`
	Alerts     []detector.Alert `json:"alerts,omitempty"`
}

var (
	ErrConflict         = errors.New("session: active session exists for identity and station")
	ErrNotActive        = errors.New("session: not active")
	ErrNotPresent       = errors.New("session: token not present at station")
	ErrNotFound         = errors.New("session: not found")
	ErrInvalidArgument  = errors.New("session: invalid argument")
	ErrStoreUnavailable = errors.New("session: store unavailable")
)

// ConflictError carries the session that blocks a new open.
type ConflictError struct {
	StationID       string
	ActiveSessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%v (station %s)", ErrConflict, e.StationID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type NotActiveError struct {
	SessionID string
	State     State
}

func (e *NotActiveError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%v: unknown session", ErrNotActive)
	}
	return fmt.Sprintf("%v: session is %s", ErrNotActive, e.State)
}

func (e *NotActiveError) Unwrap() error { return ErrNotActive }
