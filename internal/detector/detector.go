package detector

import (
	"fmt"
	"strings"
	"time"
)

// Detector classifies activity events. It holds no per-session state; the
// caller passes the recent window on every call, so a Detector is safe for
// concurrent use.
type Detector struct {
	rules    Rules
	keywords []string
	burst    []string
	highRisk map[string]struct{}
}

// New validates r and builds a Detector from it.
func New(r Rules) (*Detector, error) {
	if err := r.validate(); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	d := &Detector{
		rules:    r,
		keywords: normalizeTerms(r.Keywords),
		burst:    normalizeTerms(r.BurstKeywords),
		highRisk: make(map[string]struct{}, len(r.HighRisk)),
	}
	for _, c := range normalizeTerms(r.HighRisk) {
		d.highRisk[c] = struct{}{}
	}
	return d, nil
}

// Rules returns the rules d was built from.
func (d *Detector) Rules() Rules { return d.rules }

// Classify runs every rule against ev. window holds the events that came
// before ev, oldest first; only the tail the rules need is read. now is
// used only for the off-hours rule, in now's location.
//
// All rules run on every call and their alerts are concatenated in a fixed
// order: keyword, high-risk category, off-hours, burst, volume.
func (d *Detector) Classify(ev Event, window []Event, now time.Time) Result {
	var alerts []Alert

	desc := strings.ToLower(ev.Description)
	for _, kw := range d.keywords {
		if strings.Contains(desc, kw) {
			alerts = append(alerts, Alert{
				Kind:     KindKeyword,
				Severity: SeverityHigh,
				Message:  fmt.Sprintf("suspicious keyword %q in activity: %s", kw, ev.Description),
			})
		}
	}

	highRisk := d.IsHighRisk(ev.ActivityType)
	if highRisk {
		alerts = append(alerts, Alert{
			Kind:     KindHighRiskCategory,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("high-risk activity executed: %s - %s", ev.ActivityType, ev.Description),
		})
	}

	if highRisk && d.offHours(now) {
		alerts = append(alerts, Alert{
			Kind:     KindOffHours,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("high-risk activity outside working hours: %s", ev.ActivityType),
		})
	}

	if n := d.countExports(tail(window, d.rules.BurstWindow)); n >= d.rules.BurstThreshold {
		alerts = append(alerts, Alert{
			Kind:     KindBurstExport,
			Severity: SeverityCritical,
			Message:  fmt.Sprintf("multiple export operations detected: %d in the last %d records", n, d.rules.BurstWindow),
		})
	}

	if n := countType(tail(window, d.rules.VolumeWindow), ev.ActivityType); n >= d.rules.VolumeThreshold {
		alerts = append(alerts, Alert{
			Kind:     KindHighVolume,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("high volume of similar activities: %s", ev.ActivityType),
		})
	}

	return Result{Suspicious: len(alerts) > 0, Alerts: alerts}
}

// IsHighRisk reports whether activityType is in the high-risk set.
func (d *Detector) IsHighRisk(activityType string) bool {
	_, ok := d.highRisk[strings.ToLower(strings.TrimSpace(activityType))]
	return ok
}

func (d *Detector) offHours(now time.Time) bool {
	h := now.Hour()
	return h < d.rules.WorkStartHour || h > d.rules.WorkEndHour
}

func (d *Detector) countExports(events []Event) int {
	n := 0
	for _, e := range events {
		desc := strings.ToLower(e.Description)
		for _, kw := range d.burst {
			if strings.Contains(desc, kw) {
				n++
				break
			}
		}
	}
	return n
}

func countType(events []Event, activityType string) int {
	n := 0
	for _, e := range events {
		if e.ActivityType == activityType {
			n++
		}
	}
	return n
}

func tail(events []Event, n int) []Event {
	if len(events) <= n {
		return events
	}
	return events[len(events)-n:]
}
