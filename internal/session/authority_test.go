package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"workstation-guard/internal/admission"
	"workstation-guard/internal/audit"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/identity"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/presence"
	"workstation-guard/pkg/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type env struct {
	auth   *Authority
	admit  *admission.Authority
	store  *flakyStore
	ledger ledger.Ledger
	clock  *testClock
}

// grant admits a seeded identity at station.
func (e env) grant(t *testing.T, tokenID, station string) *admission.Grant {
	t.Helper()
	res, err := e.admit.Admit(context.Background(), tokenID, "0000", station)
	if err != nil || !res.Success {
		t.Fatalf("admit %s: res=%+v err=%v", tokenID, res, err)
	}
	return res.Grant
}

func (e env) open(t *testing.T, tokenID, station string) Session {
	t.Helper()
	s, err := e.auth.Open(context.Background(), e.grant(t, tokenID, station))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func newEnv(t *testing.T, mutate func(*Options)) env {
	t.Helper()
	ids, err := identity.NewService(identity.NewMemoryStore(), identity.Hasher{Params: identity.HashParams{
		MemoryKiB: 64, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}})
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if err := identity.SeedDev(context.Background(), ids, logger.Discard()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	l := ledger.NewMemory(ledger.Options{})
	adm, err := admission.New(admission.Options{
		Identities: ids,
		Ledger:     l,
		Audit:      audit.NewService(audit.NewMemoryRepo()),
		Logger:     logger.Discard(),
	})
	if err != nil {
		t.Fatalf("admission: %v", err)
	}
	det, err := detector.New(detector.DefaultRules())
	if err != nil {
		t.Fatalf("detector: %v", err)
	}

	clock := &testClock{now: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)}
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	opts := Options{
		Store:        store,
		Ledger:       l,
		Classifier:   det,
		Logger:       logger.Discard(),
		Clock:        clock.Now,
		Location:     time.UTC,
		PollInterval: 10 * time.Millisecond,
		PollTimeout:  5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	a, err := New(opts)
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return env{auth: a, admit: adm, store: store, ledger: opts.Ledger, clock: clock}
}

// flakyStore fails stream and close writes while down is set.
type flakyStore struct {
	*MemoryStore
	down atomic.Bool
}

var errStoreOffline = errors.New("store offline")

func (f *flakyStore) AppendActivity(ctx context.Context, a Activity) error {
	if f.down.Load() {
		return errStoreOffline
	}
	return f.MemoryStore.AppendActivity(ctx, a)
}

func (f *flakyStore) AppendAlert(ctx context.Context, a Alert) error {
	if f.down.Load() {
		return errStoreOffline
	}
	return f.MemoryStore.AppendAlert(ctx, a)
}

func (f *flakyStore) CloseSession(ctx context.Context, id string, endedAt time.Time, reason EndReason) error {
	if f.down.Load() {
		return errStoreOffline
	}
	return f.MemoryStore.CloseSession(ctx, id, endedAt, reason)
}

func activityTypes(t *testing.T, e env, id string) []string {
	t.Helper()
	acts, err := e.auth.Activities(context.Background(), id)
	if err != nil {
		t.Fatalf("activities: %v", err)
	}
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.ActivityType
	}
	return out
}

func countType(types []string, want string) int {
	n := 0
	for _, t := range types {
		if t == want {
			n++
		}
	}
	return n
}

func waitClosed(t *testing.T, e env, id string) Session {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !e.auth.IsActive(id) {
			s, err := e.auth.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session %s did not close", id)
	return Session{}
}

// ---------------------------------------------------------------------------
// Open
// ---------------------------------------------------------------------------

func TestOpen_OneActivePerIdentityAndStation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	first := e.open(t, "A0F9001E", "STATION-1")
	if first.State != StateActive || len(first.ID) != 32 {
		t.Fatalf("unexpected session %+v", first)
	}

	_, err := e.auth.Open(ctx, e.grant(t, "A0F9001E", "STATION-1"))
	var conflict *ConflictError
	if !errors.As(err, &conflict) || !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.ActiveSessionID != first.ID {
		t.Fatalf("conflict must name the active session")
	}

	// Same identity elsewhere, and other identities here, are fine.
	e.open(t, "A0F9001E", "STATION-2")
	e.open(t, "04F6G7H8I9J0", "STATION-1")

	if _, err := e.auth.Close(ctx, first.ID, ReasonManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	again := e.open(t, "A0F9001E", "STATION-1")
	if again.ID == first.ID {
		t.Fatalf("session ids must be unique")
	}
}

func TestOpen_RequiresGrant(t *testing.T) {
	e := newEnv(t, nil)
	if _, err := e.auth.Open(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestOpen_ConcurrentOpensYieldOneSession(t *testing.T) {
	e := newEnv(t, nil)
	g := e.grant(t, "A0F9001E", "STATION-1")

	var ok, conflicts atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.auth.Open(context.Background(), g)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || conflicts.Load() != 19 {
		t.Fatalf("expected 1 open and 19 conflicts, got %d/%d", ok.Load(), conflicts.Load())
	}
}

type stubSlots struct {
	ok  bool
	err error
}

func (s stubSlots) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return s.ok, s.err
}
func (stubSlots) Release(context.Context, string, string) error { return nil }

func TestOpen_SlotGuard(t *testing.T) {
	held := newEnv(t, func(o *Options) { o.SlotGuard = stubSlots{ok: false} })
	_, err := held.auth.Open(context.Background(), held.grant(t, "A0F9001E", "STATION-1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("a slot held elsewhere is a conflict, got %v", err)
	}
	if held.auth.ActiveCount() != 0 {
		t.Fatalf("failed open must not stay reserved")
	}

	down := newEnv(t, func(o *Options) { o.SlotGuard = stubSlots{err: errors.New("redis down")} })
	down.open(t, "A0F9001E", "STATION-1")
	_, err = down.auth.Open(context.Background(), down.grant(t, "A0F9001E", "STATION-1"))
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("local uniqueness must hold without the guard, got %v", err)
	}
}

func TestOpen_StreamStartsWithOpenedEvent(t *testing.T) {
	e := newEnv(t, nil)
	s := e.open(t, "A0F9001E", "STATION-1")
	types := activityTypes(t, e, s.ID)
	if len(types) != 1 || types[0] != TypeSessionOpened {
		t.Fatalf("expected only session_opened, got %v", types)
	}
}

// ---------------------------------------------------------------------------
// RecordActivity
// ---------------------------------------------------------------------------

func TestRecordActivity_BulkExportToUSBIsSuspicious(t *testing.T) {
	e := newEnv(t, nil)
	s := e.open(t, "A0F9001E", "STATION-1")

	res, err := e.auth.RecordActivity(context.Background(), s.ID, "bulk-export", "exporting confidential files to USB")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !res.Suspicious || res.ReceiptID == "" || res.Unverified {
		t.Fatalf("unexpected result %+v", res)
	}
	var critical, keywords int
	for _, a := range res.Alerts {
		switch a.Kind {
		case detector.KindHighRiskCategory:
			if a.Severity == detector.SeverityCritical {
				critical++
			}
		case detector.KindKeyword:
			keywords++
		}
	}
	if critical != 1 || keywords < 2 {
		t.Fatalf("expected 1 critical category alert and >=2 keyword alerts, got %+v", res.Alerts)
	}
	if ok, err := e.ledger.Verify(context.Background(), res.ReceiptID); err != nil || !ok {
		t.Fatalf("receipt must verify: ok=%v err=%v", ok, err)
	}

	acts, _ := e.auth.Activities(context.Background(), s.ID)
	var intake, relogged int
	for _, a := range acts {
		switch a.Origin {
		case OriginIntake:
			intake++
			if !a.IsSuspicious {
				t.Fatalf("intake must be marked suspicious")
			}
		case OriginAlert:
			relogged++
			if !strings.HasPrefix(a.ActivityType, "security_alert_") || !strings.HasPrefix(a.Description, "[") {
				t.Fatalf("unexpected alert event %+v", a)
			}
		}
	}
	if intake != 1 || relogged != len(res.Alerts) {
		t.Fatalf("expected 1 intake and %d alert events, got %d/%d", len(res.Alerts), intake, relogged)
	}

	alerts, _ := e.auth.Alerts(context.Background(), s.ID)
	if len(alerts) != len(res.Alerts) {
		t.Fatalf("expected %d stored alerts, got %d", len(res.Alerts), len(alerts))
	}
}

func TestRecordActivity_OffHoursOnlyForHighRisk(t *testing.T) {
	for _, tc := range []struct {
		hour    int
		offHour bool
	}{
		{hour: 2, offHour: true},
		{hour: 14, offHour: false},
	} {
		e := newEnv(t, nil)
		e.clock.mu.Lock()
		e.clock.now = time.Date(2026, 5, 4, tc.hour, 0, 0, 0, time.UTC)
		e.clock.mu.Unlock()

		s := e.open(t, "A0F9001E", "STATION-1")
		res, err := e.auth.RecordActivity(context.Background(), s.ID, "remote-connection", "ssh session")
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		var off, cat bool
		for _, a := range res.Alerts {
			off = off || a.Kind == detector.KindOffHours
			cat = cat || a.Kind == detector.KindHighRiskCategory
		}
		if !cat || off != tc.offHour {
			t.Fatalf("hour %d: category=%v off_hours=%v", tc.hour, cat, off)
		}
	}
}

func TestRecordActivity_AlertEventsAreNotReclassified(t *testing.T) {
	e := newEnv(t, nil)
	s := e.open(t, "A0F9001E", "STATION-1")
	// The two alert events carry "export" in their descriptions. If they were
	// in the window the burst rule would fire on the second call.
	if _, err := e.auth.RecordActivity(context.Background(), s.ID, "data-export", "export report"); err != nil {
		t.Fatalf("record: %v", err)
	}
	res, err := e.auth.RecordActivity(context.Background(), s.ID, "file-read", "reading notes")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if res.Suspicious {
		t.Fatalf("window must only hold intake events, got %+v", res.Alerts)
	}
}

func TestRecordActivity_BurstAcrossIntake(t *testing.T) {
	e := newEnv(t, nil)
	s := e.open(t, "A0F9001E", "STATION-1")
	for _, d := range []string{"export a", "download b", "extract c"} {
		if _, err := e.auth.RecordActivity(context.Background(), s.ID, "file-read", d); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	res, _ := e.auth.RecordActivity(context.Background(), s.ID, "file-read", "idle")
	var burst bool
	for _, a := range res.Alerts {
		burst = burst || a.Kind == detector.KindBurstExport
	}
	if !burst {
		t.Fatalf("expected burst_export from three prior export-like events, got %+v", res.Alerts)
	}
}

type panicClassifier struct{}

func (panicClassifier) Classify(detector.Event, []detector.Event, time.Time) detector.Result {
	panic("rules blew up")
}

func TestRecordActivity_ClassifierFailureIsNotSuspicious(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Classifier = panicClassifier{} })
	s := e.open(t, "A0F9001E", "STATION-1")

	res, err := e.auth.RecordActivity(context.Background(), s.ID, "bulk-export", "export everything")
	if err != nil {
		t.Fatalf("classifier failure must not fail intake: %v", err)
	}
	if res.Suspicious || len(res.Alerts) != 0 || res.ReceiptID == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := activityTypes(t, e, s.ID); countType(got, "bulk-export") != 1 {
		t.Fatalf("activity must still be recorded, got %v", got)
	}
}

func TestRecordActivity_StoreOutageIsBuffered(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")

	e.store.down.Store(true)
	res, err := e.auth.RecordActivity(ctx, s.ID, "bulk-export", "copy confidential data")
	if err != nil {
		t.Fatalf("store outage must not fail intake: %v", err)
	}
	if !res.Suspicious {
		t.Fatalf("classification must survive the outage")
	}
	if got := activityTypes(t, e, s.ID); len(got) != 1 {
		t.Fatalf("expected writes to be buffered, store has %v", got)
	}

	e.store.down.Store(false)
	if _, err := e.auth.RecordActivity(ctx, s.ID, "file-read", "notes"); err != nil {
		t.Fatalf("record: %v", err)
	}
	acts, _ := e.auth.Activities(ctx, s.ID)
	for i := range acts {
		if acts[i].Seq != i+1 {
			t.Fatalf("flushed stream out of order at %d: %+v", i, acts[i])
		}
	}
	if acts[1].ActivityType != "bulk-export" || !acts[1].IsSuspicious {
		t.Fatalf("buffered activity lost its classification: %+v", acts[1])
	}
}

type downLedger struct{ *ledger.MemoryLedger }

func (downLedger) Append(context.Context, string, any) (ledger.Receipt, error) {
	return ledger.Receipt{}, ledger.ErrRecorderUnavailable
}

func TestRecordActivity_LedgerDownMarksUnverified(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Ledger = downLedger{ledger.NewMemory(ledger.Options{})} })
	s := e.open(t, "A0F9001E", "STATION-1")
	res, err := e.auth.RecordActivity(context.Background(), s.ID, "file-read", "notes")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !res.Unverified || res.ReceiptID == "" {
		t.Fatalf("expected unverified local receipt, got %+v", res)
	}
}

func TestRecordActivity_UnknownSession(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.auth.RecordActivity(context.Background(), "nope", "file-read", "x")
	var na *NotActiveError
	if !errors.As(err, &na) || !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected NotActiveError, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Close
// ---------------------------------------------------------------------------

func TestClose_Idempotent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")
	_, _ = e.auth.RecordActivity(ctx, s.ID, "bulk-export", "export")
	_, _ = e.auth.RecordActivity(ctx, s.ID, "file-read", "notes")

	e.clock.Advance(90 * time.Minute)
	first, err := e.auth.Close(ctx, s.ID, ReasonManual)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := e.auth.Close(ctx, s.ID, ReasonTimeout)
	if err != nil {
		t.Fatalf("second close: %v", err)
	}
	if first != second {
		t.Fatalf("summaries differ: %+v vs %+v", first, second)
	}
	if first.Duration != 90*time.Minute || first.ActivityCount != 2 || first.SuspiciousCount != 1 || first.Reason != ReasonManual {
		t.Fatalf("unexpected summary %+v", first)
	}

	types := activityTypes(t, e, s.ID)
	if countType(types, TypeSessionClosed) != 1 || types[len(types)-1] != TypeSessionClosed {
		t.Fatalf("expected exactly one trailing session_closed, got %v", types)
	}
	got, _ := e.auth.Get(ctx, s.ID)
	if got.State != StateClosed || got.EndReason != ReasonManual || got.EndedAt == nil {
		t.Fatalf("unexpected closed session %+v", got)
	}
}

func TestClose_RejectsFurtherActivity(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")
	if _, err := e.auth.Close(ctx, s.ID, ReasonManual); err != nil {
		t.Fatalf("close: %v", err)
	}
	before := activityTypes(t, e, s.ID)

	_, err := e.auth.RecordActivity(ctx, s.ID, "file-read", "late")
	var na *NotActiveError
	if !errors.As(err, &na) || na.State != StateClosed {
		t.Fatalf("expected NotActiveError for closed session, got %v", err)
	}
	if after := activityTypes(t, e, s.ID); len(after) != len(before) {
		t.Fatalf("rejected activity must append nothing")
	}
}

func TestClose_InvalidReasonAndUnknown(t *testing.T) {
	e := newEnv(t, nil)
	s := e.open(t, "A0F9001E", "STATION-1")
	if _, err := e.auth.Close(context.Background(), s.ID, ReasonNone); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := e.auth.Close(context.Background(), "nope", ReasonManual); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestClose_RacingActivityNeverFollowsClose(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				if _, err := e.auth.RecordActivity(ctx, s.ID, "file-read", "notes"); err != nil {
					if !errors.Is(err, ErrNotActive) {
						t.Errorf("unexpected err: %v", err)
					}
					return
				}
			}
		}()
	}
	time.Sleep(2 * time.Millisecond)
	sum, err := e.auth.Close(ctx, s.ID, ReasonManual)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	types := activityTypes(t, e, s.ID)
	if types[len(types)-1] != TypeSessionClosed {
		t.Fatalf("session_closed must be the last event")
	}
	if countType(types, "file-read") != sum.ActivityCount {
		t.Fatalf("summary counted %d but stream holds %d", sum.ActivityCount, countType(types, "file-read"))
	}
}

func TestClose_MaxDuration(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.MaxDuration = 30 * time.Millisecond })
	s := e.open(t, "A0F9001E", "STATION-1")
	got := waitClosed(t, e, s.ID)
	if got.EndReason != ReasonTimeout {
		t.Fatalf("expected timeout, got %s", got.EndReason)
	}
	if _, err := e.auth.RecordActivity(context.Background(), s.ID, "file-read", "x"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive after timeout, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Presence
// ---------------------------------------------------------------------------

type switchReader struct {
	mu    sync.Mutex
	token string
	err   error
}

func (r *switchReader) set(token string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token, r.err = token, err
}

func (r *switchReader) GetUID(context.Context) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, r.token != "", r.err
}

func (r *switchReader) WaitForToken(ctx context.Context, _ time.Duration) (string, bool, error) {
	return r.GetUID(ctx)
}

func (r *switchReader) IsStillPresent(_ context.Context, tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err == nil && r.token == tokenID, r.err
}

func TestPresence_RequiredAtOpen(t *testing.T) {
	reader := &switchReader{token: "OTHER"}
	e := newEnv(t, func(o *Options) { o.Locator = presence.Fixed{"STATION-1": reader} })
	_, err := e.auth.Open(context.Background(), e.grant(t, "A0F9001E", "STATION-1"))
	if !errors.Is(err, ErrNotPresent) {
		t.Fatalf("expected ErrNotPresent, got %v", err)
	}
	// Stations without a reader are not supervised.
	e.open(t, "A0F9001E", "STATION-2")
}

func TestPresence_LossClosesSession(t *testing.T) {
	for name, lose := range map[string]func(r *switchReader){
		"removed":   func(r *switchReader) { r.set("", nil) },
		"swapped":   func(r *switchReader) { r.set("04F6G7H8I9J0", nil) },
		"reader io": func(r *switchReader) { r.set("A0F9001E", errors.New("i/o timeout")) },
	} {
		t.Run(name, func(t *testing.T) {
			reader := &switchReader{token: "A0F9001E"}
			e := newEnv(t, func(o *Options) { o.Locator = presence.Fixed{"STATION-1": reader} })
			s := e.open(t, "A0F9001E", "STATION-1")

			time.Sleep(30 * time.Millisecond)
			if !e.auth.IsActive(s.ID) {
				t.Fatalf("session must stay open while the token is present")
			}

			lose(reader)
			got := waitClosed(t, e, s.ID)
			if got.EndReason != ReasonPresenceLost {
				t.Fatalf("expected presence_lost, got %s", got.EndReason)
			}
			types := activityTypes(t, e, s.ID)
			if countType(types, TypeSessionClosed) != 1 || types[len(types)-1] != TypeSessionClosed {
				t.Fatalf("expected one trailing session_closed, got %v", types)
			}

			sum, err := e.auth.Close(context.Background(), s.ID, ReasonManual)
			if err != nil || sum.Reason != ReasonPresenceLost {
				t.Fatalf("manual close after loss must return the cached summary: %+v err=%v", sum, err)
			}
		})
	}
}

func TestPresence_BoardMatchesAdmittedTokenCase(t *testing.T) {
	board := presence.NewStationBoard(time.Minute, nil)
	if err := board.Heartbeat("STATION-1", "a0f9001e"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	e := newEnv(t, func(o *Options) { o.Locator = board })
	s, err := e.auth.Open(context.Background(), e.grant(t, "a0f9001e", "STATION-1"))
	if err != nil {
		t.Fatalf("open with lowercase reader report: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if !e.auth.IsActive(s.ID) {
		t.Fatalf("session must stay open while the token is on the reader")
	}
}

// ---------------------------------------------------------------------------
// Shutdown and eviction
// ---------------------------------------------------------------------------

func TestShutdown_ClosesEverything(t *testing.T) {
	e := newEnv(t, nil)
	a := e.open(t, "A0F9001E", "STATION-1")
	b := e.open(t, "04F6G7H8I9J0", "STATION-2")

	if err := e.auth.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		s, _ := e.auth.Get(context.Background(), id)
		if s.State != StateClosed || s.EndReason != ReasonManual {
			t.Fatalf("expected manual close, got %+v", s)
		}
	}
	if e.auth.ActiveCount() != 0 {
		t.Fatalf("expected no active sessions")
	}
}

func TestEvict_FallsBackToStore(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.Retention = time.Hour })
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")
	_, _ = e.auth.RecordActivity(ctx, s.ID, "bulk-export", "export")
	want, _ := e.auth.Close(ctx, s.ID, ReasonManual)

	e.clock.Advance(2 * time.Hour)
	e.auth.evict(ctx)
	if e.auth.lookup(s.ID) != nil {
		t.Fatalf("expected session evicted from memory")
	}

	got, err := e.auth.Close(ctx, s.ID, ReasonManual)
	if err != nil {
		t.Fatalf("close after evict: %v", err)
	}
	if got.ActivityCount != want.ActivityCount || got.SuspiciousCount != want.SuspiciousCount || got.Reason != want.Reason {
		t.Fatalf("store summary %+v differs from %+v", got, want)
	}
	sess, err := e.auth.Get(ctx, s.ID)
	if err != nil || sess.State != StateClosed {
		t.Fatalf("expected closed session from store, got %+v err=%v", sess, err)
	}
}

// closeDuringOutage opens a session, records a suspicious activity and closes
// it while the store is down.
func closeDuringOutage(t *testing.T, e env) Session {
	t.Helper()
	ctx := context.Background()
	s := e.open(t, "A0F9001E", "STATION-1")
	e.store.down.Store(true)
	if _, err := e.auth.RecordActivity(ctx, s.ID, "bulk-export", "copy confidential data"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := e.auth.Close(ctx, s.ID, ReasonManual); err != nil {
		t.Fatalf("close during outage: %v", err)
	}
	if stored, _ := e.store.MemoryStore.GetSession(ctx, s.ID); stored.State != StateActive {
		t.Fatalf("close row must still be buffered, store has %+v", stored)
	}
	return s
}

func assertPersistedClose(t *testing.T, e env, id string) {
	t.Helper()
	ctx := context.Background()
	stored, err := e.store.MemoryStore.GetSession(ctx, id)
	if err != nil || stored.State != StateClosed || stored.EndedAt == nil || stored.EndReason != ReasonManual {
		t.Fatalf("expected closed session in store, got %+v err=%v", stored, err)
	}
	acts, _ := e.store.MemoryStore.ListActivities(ctx, id)
	types := make([]string, len(acts))
	for i, a := range acts {
		types[i] = a.ActivityType
	}
	if countType(types, "bulk-export") != 1 || countType(types, TypeSessionClosed) != 1 {
		t.Fatalf("buffered stream not persisted: %v", types)
	}
	if alerts, _ := e.store.MemoryStore.ListAlerts(ctx, id); len(alerts) == 0 {
		t.Fatalf("buffered alerts not persisted")
	}
}

func TestEvict_RetriesWritesBufferedAcrossClose(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	s := closeDuringOutage(t, e)

	e.clock.Advance(48 * time.Hour)
	e.auth.evict(ctx)
	if e.auth.lookup(s.ID) == nil {
		t.Fatalf("session with unsaved writes must stay in memory")
	}

	e.store.down.Store(false)
	e.auth.evict(ctx)
	assertPersistedClose(t, e, s.ID)
	if e.auth.lookup(s.ID) != nil {
		t.Fatalf("expected session evicted once its writes are stored")
	}
}

func TestShutdown_FlushesClosedSessions(t *testing.T) {
	e := newEnv(t, nil)
	s := closeDuringOutage(t, e)

	e.store.down.Store(false)
	if err := e.auth.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	assertPersistedClose(t, e, s.ID)
}

func TestShutdown_ReportsUnsavedWrites(t *testing.T) {
	e := newEnv(t, nil)
	closeDuringOutage(t, e)

	err := e.auth.Shutdown(context.Background())
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
