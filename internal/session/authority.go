// Package session owns the live-session state machine: open after a
// successful admission, supervise token presence, classify every activity
// and close exactly once.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"workstation-guard/internal/admission"
	"workstation-guard/internal/detector"
	"workstation-guard/internal/ledger"
	"workstation-guard/internal/metrics"
	"workstation-guard/internal/presence"
	"workstation-guard/pkg/utils"

	"github.com/google/uuid"
)

// Classifier is the detector contract the authority consumes.
type Classifier interface {
	Classify(ev detector.Event, window []detector.Event, now time.Time) detector.Result
}

// LedgerKind is the ledger entry kind for session activity.
const LedgerKind = "activity"

type Options struct {
	Store      Store
	Ledger     ledger.Ledger
	Classifier Classifier
	// Locator resolves station readers. Defaults to presence.NullLocator.
	Locator   presence.Locator
	SlotGuard SlotGuard
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Clock     func() time.Time
	// Location is the wall clock the off-hours rule reads. Defaults to Local.
	Location *time.Location

	MaxDuration  time.Duration // default 8h
	PollInterval time.Duration // default 1s
	PollTimeout  time.Duration // default PollInterval
	// WindowSize is how many prior intake events the classifier sees.
	WindowSize int // default 20
	// Retention is how long a closed session stays in memory. Default 24h.
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.Locator == nil {
		o.Locator = presence.NullLocator{}
	}
	if o.SlotGuard == nil {
		o.SlotGuard = LocalOnly{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 8 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.PollTimeout <= 0 || o.PollTimeout > o.PollInterval {
		o.PollTimeout = o.PollInterval
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 20
	}
	if o.Retention <= 0 {
		o.Retention = 24 * time.Hour
	}
	return o
}

type Authority struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*live
	// active maps slotKey(identity, station) to the active session id.
	active map[string]string

	janitor *utils.Periodic
}

func New(opts Options) (*Authority, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Classifier == nil {
		return nil, errors.New("session: store, ledger and classifier are required")
	}
	opts = opts.withDefaults()
	a := &Authority{
		opts:     opts,
		log:      opts.Logger.With("component", "session"),
		sessions: map[string]*live{},
		active:   map[string]string{},
	}
	a.janitor = utils.NewPeriodic("session-janitor", opts.Retention/4, a.evict, a.log)
	return a, nil
}

// Start runs background housekeeping until Shutdown.
func (a *Authority) Start(ctx context.Context) {
	a.janitor.Start(ctx)
}

// live is the in-memory half of an open or recently closed session. mu
// serializes every transition of this one session.
type live struct {
	key string

	mu              sync.Mutex
	sess            Session
	seq             int
	window          []detector.Event
	activityCount   int
	suspiciousCount int
	pending         []func(context.Context) error
	summary         *Summary

	supervisor  *presence.Supervisor
	stop        chan struct{}
	watcherDone chan struct{}
}

func slotKey(identityID uuid.UUID, stationID string) string {
	return identityID.String() + "|" + stationID
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Open starts a session for an admitted identity. It fails with a
// *ConflictError when the identity already has an active session at the
// station, and with ErrNotPresent when the station's reader cannot see the
// token.
func (a *Authority) Open(ctx context.Context, g *admission.Grant) (Session, error) {
	if g == nil {
		return Session{}, fmt.Errorf("%w: admission grant required", ErrInvalidArgument)
	}
	reader, supervised := a.opts.Locator.Locate(g.StationID())
	if supervised {
		if err := a.checkPresent(ctx, reader, g.TokenID()); err != nil {
			return Session{}, err
		}
	}

	id, err := newSessionID()
	if err != nil {
		return Session{}, err
	}
	now := a.opts.Clock().UTC()
	l := &live{
		key: slotKey(g.IdentityID(), g.StationID()),
		sess: Session{
			ID:               id,
			IdentityRef:      g.IdentityID(),
			TokenID:          g.TokenID(),
			StationID:        g.StationID(),
			StartedAt:        now,
			EndReason:        ReasonNone,
			State:            StateActive,
			AdmissionReceipt: g.ReceiptID(),
		},
		stop:        make(chan struct{}),
		watcherDone: make(chan struct{}),
	}

	// l.mu is held until the opening event is written so a concurrent
	// Shutdown cannot close the session ahead of it.
	l.mu.Lock()
	if err := a.reserve(l); err != nil {
		l.mu.Unlock()
		return Session{}, err
	}

	ok, err := a.opts.SlotGuard.Acquire(ctx, l.key, id, a.opts.MaxDuration+time.Minute)
	switch {
	case err != nil:
		a.log.Warn("slot guard unavailable; local uniqueness only", "station_id", g.StationID(), "err", err)
	case !ok:
		a.abandonLocked(l)
		l.mu.Unlock()
		return Session{}, &ConflictError{StationID: g.StationID()}
	}

	if err := a.opts.Store.CreateSession(ctx, l.sess); err != nil {
		a.abandonLocked(l)
		l.mu.Unlock()
		a.releaseSlot(l)
		return Session{}, fmt.Errorf("%w: create session: %v", ledger.ErrRecorderUnavailable, err)
	}

	a.appendLocked(ctx, l, Activity{
		ActivityType: TypeSessionOpened,
		Description:  fmt.Sprintf("session opened by %s at %s", g.View().AccountName, g.StationID()),
		Origin:       OriginLifecycle,
	})
	if supervised {
		l.supervisor = presence.NewSupervisor(reader, g.TokenID(), presence.SupervisorConfig{
			Interval: a.opts.PollInterval,
			Timeout:  a.opts.PollTimeout,
		}, a.log.With("session_id", id, "station_id", g.StationID()))
		l.supervisor.Start(context.Background())
	}
	sess := l.sess
	l.mu.Unlock()

	go a.watch(l)
	a.opts.Metrics.SessionOpened()
	a.log.Info("session opened", "session_id", id, "token_id", g.TokenID(), "station_id", g.StationID(), "supervised", supervised)
	return sess, nil
}

func (a *Authority) checkPresent(ctx context.Context, r presence.Reader, tokenID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opts.PollTimeout)
	defer cancel()
	ok, err := r.IsStillPresent(ctx, tokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotPresent, err)
	}
	if !ok {
		return ErrNotPresent
	}
	return nil
}

func (a *Authority) reserve(l *live) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.active[l.key]; ok {
		return &ConflictError{StationID: l.sess.StationID, ActiveSessionID: existing}
	}
	a.active[l.key] = l.sess.ID
	a.sessions[l.sess.ID] = l
	return nil
}

func (a *Authority) unreserve(l *live) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[l.key] == l.sess.ID {
		delete(a.active, l.key)
	}
	delete(a.sessions, l.sess.ID)
}

// abandonLocked rolls back a reservation whose open failed. Anyone who
// looked the session up in the meantime sees it closed.
func (a *Authority) abandonLocked(l *live) {
	a.unreserve(l)
	l.sess.State = StateClosed
	l.summary = &Summary{SessionID: l.sess.ID, Reason: ReasonNone}
	close(l.stop)
	close(l.watcherDone)
}

func (a *Authority) releaseSlot(l *live) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.opts.SlotGuard.Release(ctx, l.key, l.sess.ID); err != nil {
		a.log.Warn("slot release failed", "session_id", l.sess.ID, "err", err)
	}
}

// watch closes the session on presence loss or the duration cutoff.
func (a *Authority) watch(l *live) {
	defer close(l.watcherDone)

	timer := time.NewTimer(a.opts.MaxDuration)
	defer timer.Stop()

	var lost <-chan struct{}
	if l.supervisor != nil {
		lost = l.supervisor.Lost()
	}

	var reason EndReason
	select {
	case <-l.stop:
		return
	case <-lost:
		reason = ReasonPresenceLost
	case <-timer.C:
		reason = ReasonTimeout
	}
	if _, err := a.close(context.Background(), l, reason, true); err != nil {
		a.log.Error("automatic close failed", "session_id", l.sess.ID, "reason", reason, "err", err)
	}
}

func (a *Authority) lookup(id string) *live {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[id]
}

// RecordActivity classifies and appends one activity. It fails with a
// *NotActiveError for unknown or closed sessions and then appends nothing.
// Store and ledger outages never fail the call: writes are buffered and the
// receipt is marked unverified.
func (a *Authority) RecordActivity(ctx context.Context, sessionID, activityType, description string) (ActivityResult, error) {
	activityType = strings.TrimSpace(activityType)
	if activityType == "" {
		return ActivityResult{}, fmt.Errorf("%w: activity_type required", ErrInvalidArgument)
	}
	l := a.lookup(sessionID)
	if l == nil {
		return ActivityResult{}, &NotActiveError{SessionID: sessionID}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sess.State != StateActive {
		return ActivityResult{}, &NotActiveError{SessionID: sessionID, State: l.sess.State}
	}
	a.flushLocked(ctx, l)

	ev := detector.Event{ActivityType: activityType, Description: description}
	res := a.classify(l, ev)

	intake := a.appendLocked(ctx, l, Activity{
		ActivityType: activityType,
		Description:  description,
		IsSuspicious: res.Suspicious,
		Origin:       OriginIntake,
	})

	l.window = append(l.window, ev)
	if over := len(l.window) - a.opts.WindowSize; over > 0 {
		l.window = append(l.window[:0], l.window[over:]...)
	}
	l.activityCount++
	if res.Suspicious {
		l.suspiciousCount++
	}
	a.opts.Metrics.Activity(res.Suspicious)

	for _, al := range res.Alerts {
		a.raiseLocked(ctx, l, intake.Seq, al)
	}
	if res.Suspicious {
		a.log.Warn("suspicious activity",
			"session_id", sessionID,
			"activity_type", activityType,
			"alerts", len(res.Alerts),
			"highest", res.Highest().String(),
		)
	}

	return ActivityResult{
		ReceiptID:  intake.ReceiptID,
		Unverified: intake.Unverified,
		Suspicious: res.Suspicious,
		Alerts:     res.Alerts,
	}, nil
}

// classify never fails the intake: a panicking classifier counts as not
// suspicious.
func (a *Authority) classify(l *live, ev detector.Event) (res detector.Result) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Warn("classifier failed; activity recorded as not suspicious",
				"session_id", l.sess.ID, "activity_type", ev.ActivityType, "panic", fmt.Sprint(p))
			res = detector.Result{}
		}
	}()
	window := append([]detector.Event(nil), l.window...)
	return a.opts.Classifier.Classify(ev, window, a.opts.Clock().In(a.opts.Location))
}

// raiseLocked stores one alert and re-logs it into the activity stream.
// The re-logged event is not classified.
func (a *Authority) raiseLocked(ctx context.Context, l *live, seq int, al detector.Alert) {
	alert := Alert{
		ID:          uuid.New(),
		SessionID:   l.sess.ID,
		ActivitySeq: seq,
		Kind:        al.Kind,
		Severity:    al.Severity,
		Message:     al.Message,
		CreatedAt:   a.opts.Clock().UTC(),
	}
	a.persistLocked(ctx, l, func(ctx context.Context) error { return a.opts.Store.AppendAlert(ctx, alert) })
	a.appendLocked(ctx, l, Activity{
		ActivityType: alertTypePrefix + al.Severity.String(),
		Description:  fmt.Sprintf("[%s] %s", al.Kind, al.Message),
		IsSuspicious: true,
		Origin:       OriginAlert,
	})
	a.opts.Metrics.Alert(string(al.Kind), al.Severity.String())
}

type activityPayload struct {
	SessionID    string `json:"session_id"`
	Seq          int    `json:"seq"`
	ActivityType string `json:"activity_type"`
	Description  string `json:"description"`
	IsSuspicious bool   `json:"is_suspicious"`
	Origin       Origin `json:"origin"`
}

// appendLocked stamps act, writes it to the ledger and then to the store.
func (a *Authority) appendLocked(ctx context.Context, l *live, act Activity) Activity {
	l.seq++
	act.ID = uuid.New()
	act.SessionID = l.sess.ID
	act.Seq = l.seq
	act.CreatedAt = a.opts.Clock().UTC()

	r, err := a.opts.Ledger.Append(ctx, LedgerKind, activityPayload{
		SessionID:    act.SessionID,
		Seq:          act.Seq,
		ActivityType: act.ActivityType,
		Description:  act.Description,
		IsSuspicious: act.IsSuspicious,
		Origin:       act.Origin,
	})
	if err != nil {
		r = ledger.Receipt{ID: "local-" + uuid.NewString(), Unverified: true}
		a.log.Error("activity ledger append failed; using local receipt",
			"session_id", l.sess.ID, "seq", act.Seq, "receipt_id", r.ID, "err", err)
	}
	act.ReceiptID, act.Unverified = r.ID, r.Unverified

	a.persistLocked(ctx, l, func(ctx context.Context) error { return a.opts.Store.AppendActivity(ctx, act) })
	return act
}

// persistLocked runs write now, or queues it behind earlier failed writes so
// the stored order matches the stream order.
func (a *Authority) persistLocked(ctx context.Context, l *live, write func(context.Context) error) {
	if len(l.pending) == 0 {
		err := write(ctx)
		if err == nil {
			return
		}
		a.log.Warn("session store write failed; buffering", "session_id", l.sess.ID, "err", err)
	}
	l.pending = append(l.pending, write)
}

func (a *Authority) flushLocked(ctx context.Context, l *live) {
	for len(l.pending) > 0 {
		if err := l.pending[0](ctx); err != nil {
			a.log.Warn("session store still unavailable", "session_id", l.sess.ID, "pending", len(l.pending), "err", err)
			return
		}
		l.pending = l.pending[1:]
	}
}

// Close ends a session. Closing an already closed session returns the same
// summary and writes nothing.
func (a *Authority) Close(ctx context.Context, sessionID string, reason EndReason) (Summary, error) {
	if !reason.valid() {
		return Summary{}, fmt.Errorf("%w: close reason %q", ErrInvalidArgument, reason)
	}
	l := a.lookup(sessionID)
	if l == nil {
		return a.summaryFromStore(ctx, sessionID)
	}
	return a.close(ctx, l, reason, false)
}

func (a *Authority) close(ctx context.Context, l *live, reason EndReason, fromWatcher bool) (Summary, error) {
	ctx = context.WithoutCancel(ctx)

	l.mu.Lock()
	if l.summary != nil {
		s := *l.summary
		l.mu.Unlock()
		return s, nil
	}

	now := a.opts.Clock().UTC()
	l.sess.State = StateClosed
	l.sess.EndedAt = &now
	l.sess.EndReason = reason

	a.appendLocked(ctx, l, Activity{
		ActivityType: TypeSessionClosed,
		Description:  fmt.Sprintf("session closed: %s", reason),
		Origin:       OriginLifecycle,
	})
	id := l.sess.ID
	a.persistLocked(ctx, l, func(ctx context.Context) error {
		return a.opts.Store.CloseSession(ctx, id, now, reason)
	})
	a.flushLocked(ctx, l)

	sum := Summary{
		SessionID:       id,
		Reason:          reason,
		StartedAt:       l.sess.StartedAt,
		EndedAt:         now,
		Duration:        now.Sub(l.sess.StartedAt),
		ActivityCount:   l.activityCount,
		SuspiciousCount: l.suspiciousCount,
	}
	sum.DurationSeconds = sum.Duration.Seconds()
	l.summary = &sum
	close(l.stop)
	sup := l.supervisor
	pending := len(l.pending)
	l.mu.Unlock()

	if sup != nil {
		sup.Stop()
	}
	if !fromWatcher {
		<-l.watcherDone
	}

	a.mu.Lock()
	if a.active[l.key] == id {
		delete(a.active, l.key)
	}
	a.mu.Unlock()
	a.releaseSlot(l)

	a.opts.Metrics.SessionClosed(string(reason))
	a.log.Info("session closed",
		"session_id", id,
		"reason", reason,
		"duration", sum.Duration.String(),
		"activities", sum.ActivityCount,
		"suspicious", sum.SuspiciousCount,
		"pending_writes", pending,
	)
	return sum, nil
}

// summaryFromStore answers Close for sessions evicted from memory.
func (a *Authority) summaryFromStore(ctx context.Context, sessionID string) (Summary, error) {
	s, err := a.opts.Store.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Summary{}, &NotActiveError{SessionID: sessionID}
	}
	if err != nil {
		return Summary{}, err
	}
	if s.State != StateClosed || s.EndedAt == nil {
		// Active in the store but not here: owned by another process.
		return Summary{}, &NotActiveError{SessionID: sessionID, State: s.State}
	}
	acts, err := a.opts.Store.ListActivities(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{
		SessionID: s.ID,
		Reason:    s.EndReason,
		StartedAt: s.StartedAt,
		EndedAt:   *s.EndedAt,
		Duration:  s.EndedAt.Sub(s.StartedAt),
	}
	sum.DurationSeconds = sum.Duration.Seconds()
	for _, act := range acts {
		if act.Origin != OriginIntake {
			continue
		}
		sum.ActivityCount++
		if act.IsSuspicious {
			sum.SuspiciousCount++
		}
	}
	return sum, nil
}

// Get returns the current view of a session.
func (a *Authority) Get(ctx context.Context, sessionID string) (Session, error) {
	if l := a.lookup(sessionID); l != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.sess, nil
	}
	return a.opts.Store.GetSession(ctx, sessionID)
}

// IsActive reports whether this authority holds sessionID as active.
func (a *Authority) IsActive(sessionID string) bool {
	l := a.lookup(sessionID)
	if l == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.State == StateActive
}

// Activities lists a session's stream in order.
func (a *Authority) Activities(ctx context.Context, sessionID string) ([]Activity, error) {
	if _, err := a.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return a.opts.Store.ListActivities(ctx, sessionID)
}

func (a *Authority) Alerts(ctx context.Context, sessionID string) ([]Alert, error) {
	if _, err := a.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	return a.opts.Store.ListAlerts(ctx, sessionID)
}

// ActiveCount is the number of sessions currently active here.
func (a *Authority) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

// evict retries buffered writes of closed sessions, then drops closed
// sessions older than Retention from memory. A session is only dropped once
// its rows are all in the store.
func (a *Authority) evict(ctx context.Context) {
	cutoff := a.opts.Clock().UTC().Add(-a.opts.Retention)

	a.mu.Lock()
	candidates := make([]*live, 0, len(a.sessions))
	for _, l := range a.sessions {
		candidates = append(candidates, l)
	}
	a.mu.Unlock()

	var expired []string
	for _, l := range candidates {
		l.mu.Lock()
		if l.summary != nil && len(l.pending) > 0 {
			a.flushLocked(ctx, l)
		}
		if l.summary != nil && len(l.pending) == 0 && l.summary.EndedAt.Before(cutoff) {
			expired = append(expired, l.sess.ID)
		}
		l.mu.Unlock()
	}
	if len(expired) == 0 {
		return
	}

	a.mu.Lock()
	for _, id := range expired {
		delete(a.sessions, id)
	}
	a.mu.Unlock()
	a.log.Debug("evicted closed sessions", "count", len(expired))
}

// Shutdown closes every active session with reason manual, stops
// housekeeping and makes a last attempt at writes still buffered. Writes that
// cannot be stored are reported in the returned error.
func (a *Authority) Shutdown(ctx context.Context) error {
	a.janitor.Stop()

	a.mu.Lock()
	open := make([]*live, 0, len(a.active))
	for _, id := range a.active {
		open = append(open, a.sessions[id])
	}
	a.mu.Unlock()

	var errs []error
	for _, l := range open {
		if _, err := a.close(ctx, l, ReasonManual, false); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	all := make([]*live, 0, len(a.sessions))
	for _, l := range a.sessions {
		all = append(all, l)
	}
	a.mu.Unlock()

	for _, l := range all {
		l.mu.Lock()
		a.flushLocked(ctx, l)
		if n := len(l.pending); n > 0 {
			a.log.Error("session writes lost at shutdown", "session_id", l.sess.ID, "pending", n)
			errs = append(errs, fmt.Errorf("%w: session %s has %d unsaved writes", ErrStoreUnavailable, l.sess.ID, n))
		}
		l.mu.Unlock()
	}
	return errors.Join(errs...)
}
