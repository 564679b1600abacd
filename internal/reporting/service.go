// Package reporting builds admin summaries from the admission audit trail
// and the session alert records.
package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"workstation-guard/internal/audit"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/session"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// RepeatFailureThreshold is the failure count at which a token is listed in
// AdmissionSummary.RepeatFailures.
const RepeatFailureThreshold = 3

// Repository abstracts data access for reporting. Both sources are
// append-only; implementations must filter to [from, to).
type Repository interface {
	ListAdmissions(ctx context.Context, from, to time.Time) ([]audit.AdmissionRecord, error)
	ListAlerts(ctx context.Context, from, to time.Time) ([]session.Alert, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) AdmissionSummary(ctx context.Context, r TimeRange) (AdmissionSummary, error) {
	if !r.valid() {
		return AdmissionSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return AdmissionSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListAdmissions(ctx, r.From, r.To)
	if err != nil {
		return AdmissionSummary{}, err
	}

	out := AdmissionSummary{Range: r, ByStation: map[string]int{}, RepeatFailures: []TokenFailures{}}
	tokens := map[string]struct{}{}
	failures := map[string]int{}
	for _, rec := range rows {
		out.Total++
		tokens[rec.TokenID] = struct{}{}
		if rec.StationID != "" {
			out.ByStation[rec.StationID]++
		}
		if rec.Unverified {
			out.Unverified++
		}
		switch rec.Outcome {
		case audit.OutcomeSuccess:
			out.Succeeded++
		case audit.OutcomeFailure:
			out.Failed++
			failures[rec.TokenID]++
			switch rec.FailureReason {
			case audit.ReasonUnknownToken:
				out.UnknownToken++
			case audit.ReasonBadSecret:
				out.BadSecret++
			}
		}
	}
	out.DistinctTokens = len(tokens)

	for tok, n := range failures {
		if n >= RepeatFailureThreshold {
			out.RepeatFailures = append(out.RepeatFailures, TokenFailures{TokenID: tok, Failures: n})
		}
	}
	sort.Slice(out.RepeatFailures, func(i, j int) bool {
		a, b := out.RepeatFailures[i], out.RepeatFailures[j]
		if a.Failures != b.Failures {
			return a.Failures > b.Failures
		}
		return a.TokenID < b.TokenID
	})
	return out, nil
}

func (s *Service) AlertSummary(ctx context.Context, r TimeRange) (AlertSummary, error) {
	if !r.valid() {
		return AlertSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return AlertSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListAlerts(ctx, r.From, r.To)
	if err != nil {
		return AlertSummary{}, err
	}

	out := AlertSummary{Range: r, BySeverity: map[string]int{}, ByKind: map[string]int{}}
	sessions := map[string]struct{}{}
	var highest detector.Severity
	for _, a := range rows {
		out.Total++
		out.BySeverity[a.Severity.String()]++
		out.ByKind[string(a.Kind)]++
		sessions[a.SessionID] = struct{}{}
		if a.Severity > highest {
			highest = a.Severity
		}
	}
	out.Sessions = len(sessions)
	if highest > 0 {
		out.Highest = highest.String()
	}
	return out, nil
}
