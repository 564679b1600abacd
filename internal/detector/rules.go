package detector

import (
	"errors"
	"fmt"
	"strings"
)

// Rules is the data the detector runs on. Every list is matched
// case-insensitively.
type Rules struct {
	// Keywords are substring-matched against the description. Each entry
	// that appears produces its own alert.
	Keywords []string
	// HighRisk is the closed set of activity types treated as high risk.
	HighRisk []string
	// BurstKeywords is the export subset used by the burst rule.
	BurstKeywords []string

	// Working hours are inclusive: an hour h is off-hours when
	// h < WorkStartHour or h > WorkEndHour.
	WorkStartHour int
	WorkEndHour   int

	BurstWindow     int
	BurstThreshold  int
	VolumeWindow    int
	VolumeThreshold int
}

// DefaultRules returns the built-in English vocabulary.
func DefaultRules() Rules {
	return Rules{
		Keywords: []string{
			"export", "download", "copy", "transfer", "share",
			"send", "extract", "backup", "upload", "usb",
			"device", "external", "email", "attachment", "bulk",
			"batch", "mass", "volume", "confidential", "secret",
			"classified", "restricted", "sensitive",
		},
		HighRisk: []string{
			"data-export", "bulk-export", "bulk-download", "backup-copy",
			"file-transfer", "document-share", "email-send", "external-backup",
			"data-extraction", "cloud-upload", "external-access", "remote-connection",
			"file-download",
		},
		BurstKeywords: []string{"export", "download", "extract"},

		WorkStartHour: 8,
		WorkEndHour:   18,

		BurstWindow:     10,
		BurstThreshold:  3,
		VolumeWindow:    20,
		VolumeThreshold: 5,
	}
}

// WindowSize is the number of prior events Classify can use.
func (r Rules) WindowSize() int {
	return max(r.BurstWindow, r.VolumeWindow)
}

func (r Rules) validate() error {
	var errs []error
	if len(r.Keywords) == 0 {
		errs = append(errs, errors.New("keywords must not be empty"))
	}
	if len(r.HighRisk) == 0 {
		errs = append(errs, errors.New("high-risk categories must not be empty"))
	}
	if len(r.BurstKeywords) == 0 {
		errs = append(errs, errors.New("burst keywords must not be empty"))
	}
	if r.WorkStartHour < 0 || r.WorkEndHour > 23 || r.WorkStartHour > r.WorkEndHour {
		errs = append(errs, fmt.Errorf("working hours %d-%d out of range", r.WorkStartHour, r.WorkEndHour))
	}
	if r.BurstWindow <= 0 || r.BurstThreshold <= 0 || r.VolumeWindow <= 0 || r.VolumeThreshold <= 0 {
		errs = append(errs, errors.New("windows and thresholds must be positive"))
	}
	return errors.Join(errs...)
}

// normalizeTerms lower-cases, trims and de-duplicates terms, keeping order.
// A duplicated keyword would otherwise double its alerts.
func normalizeTerms(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
