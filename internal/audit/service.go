package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for admission records.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, rec AdmissionRecord) error
	// List returns up to limit records, newest first.
	List(ctx context.Context, limit int) ([]AdmissionRecord, error)
	// Between returns records with from <= CreatedAt < to, oldest first.
	Between(ctx context.Context, from, to time.Time) ([]AdmissionRecord, error)
}

// Service writes and reads the admission trail.
//
// Admission records are internal. Only admin endpoints expose them.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid admission record")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Append stamps rec with an id and creation time when missing and stores it.
func (s *Service) Append(ctx context.Context, rec AdmissionRecord) (AdmissionRecord, error) {
	if s.repo == nil {
		return AdmissionRecord{}, errors.New("audit: repository not configured")
	}
	if err := validate(rec); err != nil {
		return AdmissionRecord{}, err
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	if err := s.repo.Append(ctx, rec); err != nil {
		return AdmissionRecord{}, err
	}
	return rec, nil
}

func validate(rec AdmissionRecord) error {
	if strings.TrimSpace(rec.TokenID) == "" || strings.TrimSpace(rec.ReceiptID) == "" {
		return ErrInvalidEvent
	}
	switch rec.Outcome {
	case OutcomeSuccess:
		if rec.FailureReason != "" || rec.IdentityRef == "" {
			return ErrInvalidEvent
		}
	case OutcomeFailure:
		if !rec.FailureReason.valid() {
			return ErrInvalidEvent
		}
	default:
		return ErrInvalidEvent
	}
	return nil
}

// Recent returns the newest records. limit is clamped to [1, 500] and
// defaults to 50.
func (s *Service) Recent(ctx context.Context, limit int) ([]AdmissionRecord, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	return s.repo.List(ctx, limit)
}

func (s *Service) Between(ctx context.Context, from, to time.Time) ([]AdmissionRecord, error) {
	if s.repo == nil {
		return nil, errors.New("audit: repository not configured")
	}
	if from.IsZero() || to.IsZero() || !to.After(from) {
		return nil, ErrInvalidEvent
	}
	return s.repo.Between(ctx, from, to)
}
