package detector

import (
	"fmt"
	"strings"
)

// Kind identifies the rule that produced an alert.
type Kind string

const (
	KindKeyword          Kind = "keyword"
	KindHighRiskCategory Kind = "high_risk_category"
	KindOffHours         Kind = "off_hours"
	KindBurstExport      Kind = "burst_export"
	KindHighVolume       Kind = "high_volume"
)

// Severity is ordered: SeverityLow < SeverityMedium < SeverityHigh < SeverityCritical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityLow || s > SeverityCritical {
		return nil, fmt.Errorf("detector: invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity is the inverse of Severity.String.
func ParseSeverity(v string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return 0, fmt.Errorf("detector: unknown severity %q", v)
	}
}

// Event is the part of an activity the rules look at.
type Event struct {
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
}

// Alert is one rule hit. Severity is fixed by the rule and never changes.
type Alert struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Result is the outcome of one classification.
type Result struct {
	Suspicious bool    `json:"suspicious"`
	Alerts     []Alert `json:"alerts,omitempty"`
}

// Highest returns the most severe alert level in r, or 0 when r has none.
func (r Result) Highest() Severity {
	var top Severity
	for _, a := range r.Alerts {
		if a.Severity > top {
			top = a.Severity
		}
	}
	return top
}
