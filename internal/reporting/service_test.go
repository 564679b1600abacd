package reporting

import (
	"context"
	"errors"
	"testing"
	"time"

	"workstation-guard/internal/audit"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/session"
)

func dayRange(now time.Time) TimeRange {
	return TimeRange{From: now.Add(-time.Hour), To: now.Add(time.Hour)}
}

func TestReporting_AdmissionSummary(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	fail := func(tok string, reason audit.FailureReason) audit.AdmissionRecord {
		return audit.AdmissionRecord{TokenID: tok, StationID: "ST-1", Outcome: audit.OutcomeFailure, FailureReason: reason, ReceiptID: "r", CreatedAt: now}
	}
	repo.Admissions = []audit.AdmissionRecord{
		{TokenID: "A", IdentityRef: "id-a", StationID: "ST-1", Outcome: audit.OutcomeSuccess, ReceiptID: "r", CreatedAt: now},
		{TokenID: "A", IdentityRef: "id-a", StationID: "ST-2", Outcome: audit.OutcomeSuccess, ReceiptID: "local-1", Unverified: true, CreatedAt: now},
		fail("B", audit.ReasonBadSecret),
		fail("B", audit.ReasonBadSecret),
		fail("B", audit.ReasonBadSecret),
		fail("ZZZ", audit.ReasonUnknownToken),
		// outside the range
		fail("B", audit.ReasonBadSecret),
	}
	repo.Admissions[len(repo.Admissions)-1].CreatedAt = now.Add(2 * time.Hour)

	out, err := NewService(repo).AdmissionSummary(context.Background(), dayRange(now))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Total != 6 || out.Succeeded != 2 || out.Failed != 4 {
		t.Fatalf("unexpected totals: %+v", out)
	}
	if out.BadSecret != 3 || out.UnknownToken != 1 || out.Unverified != 1 {
		t.Fatalf("unexpected breakdown: %+v", out)
	}
	if out.DistinctTokens != 3 || out.ByStation["ST-1"] != 5 || out.ByStation["ST-2"] != 1 {
		t.Fatalf("unexpected distribution: %+v", out)
	}
	if len(out.RepeatFailures) != 1 || out.RepeatFailures[0] != (TokenFailures{TokenID: "B", Failures: 3}) {
		t.Fatalf("unexpected repeat failures: %+v", out.RepeatFailures)
	}
}

func TestReporting_AlertSummary(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0).UTC()
	repo.Alerts = []session.Alert{
		{SessionID: "s1", Kind: detector.KindKeyword, Severity: detector.SeverityHigh, CreatedAt: now},
		{SessionID: "s1", Kind: detector.KindHighRiskCategory, Severity: detector.SeverityCritical, CreatedAt: now},
		{SessionID: "s2", Kind: detector.KindHighVolume, Severity: detector.SeverityMedium, CreatedAt: now},
	}

	out, err := NewService(repo).AlertSummary(context.Background(), dayRange(now))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Total != 3 || out.Sessions != 2 || out.Highest != detector.SeverityCritical.String() {
		t.Fatalf("unexpected summary: %+v", out)
	}
	if out.BySeverity[detector.SeverityHigh.String()] != 1 || out.ByKind[string(detector.KindHighVolume)] != 1 {
		t.Fatalf("unexpected breakdown: %+v", out)
	}
}

func TestReporting_EmptyRange(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	out, err := NewService(NewMemoryRepo()).AlertSummary(context.Background(), dayRange(now))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if out.Total != 0 || out.Highest != "" {
		t.Fatalf("expected empty summary, got %+v", out)
	}
}

func TestReporting_InvalidRange(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	now := time.Unix(1700000000, 0).UTC()
	for _, r := range []TimeRange{
		{},
		{From: now, To: now},
		{From: now, To: now.Add(-time.Minute)},
	} {
		if _, err := svc.AdmissionSummary(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("range %+v: expected ErrInvalidRequest, got %v", r, err)
		}
		if _, err := svc.AlertSummary(context.Background(), r); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("range %+v: expected ErrInvalidRequest, got %v", r, err)
		}
	}
}

func TestSources_ReadsLiveStores(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	auditSvc := audit.NewService(audit.NewMemoryRepo())
	if _, err := auditSvc.Append(ctx, audit.AdmissionRecord{
		TokenID: "A", StationID: "ST-1", Outcome: audit.OutcomeFailure, FailureReason: audit.ReasonUnknownToken, ReceiptID: "r",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	store := session.NewMemoryStore()
	if err := store.AppendAlert(ctx, session.Alert{SessionID: "s", Kind: detector.KindOffHours, Severity: detector.SeverityHigh, CreatedAt: now}); err != nil {
		t.Fatalf("append alert: %v", err)
	}

	svc := NewService(Sources{Audit: auditSvc, Sessions: store})
	adm, err := svc.AdmissionSummary(ctx, dayRange(now))
	if err != nil || adm.UnknownToken != 1 {
		t.Fatalf("admissions: %+v err=%v", adm, err)
	}
	al, err := svc.AlertSummary(ctx, dayRange(now))
	if err != nil || al.ByKind[string(detector.KindOffHours)] != 1 {
		t.Fatalf("alerts: %+v err=%v", al, err)
	}
}
