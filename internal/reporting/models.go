package reporting

import "time"

// Common filtering inputs. Ranges are half-open: [From, To).

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// AdmissionSummary aggregates admission attempts over a range.
type AdmissionSummary struct {
	Range TimeRange `json:"range"`

	Total        int `json:"total"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	UnknownToken int `json:"unknown_token"`
	BadSecret    int `json:"bad_secret"`
	// Unverified counts attempts whose ledger receipt is not chain-backed.
	Unverified int `json:"unverified"`

	DistinctTokens int            `json:"distinct_tokens"`
	ByStation      map[string]int `json:"by_station"`
	// RepeatFailures lists tokens with at least RepeatFailureThreshold failures.
	RepeatFailures []TokenFailures `json:"repeat_failures"`
}

type TokenFailures struct {
	TokenID  string `json:"token_id"`
	Failures int    `json:"failures"`
}

// AlertSummary aggregates detector alerts over a range.
type AlertSummary struct {
	Range TimeRange `json:"range"`

	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByKind     map[string]int `json:"by_kind"`
	Sessions   int            `json:"sessions"`
	Highest    string         `json:"highest,omitempty"`
}
