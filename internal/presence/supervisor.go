package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Loss causes reported by Supervisor.Cause.
const (
	CauseAbsent      = "absent"
	CauseReaderError = "reader_error"
)

var errProbeTimeout = errors.New("presence: reader did not answer in time")

type SupervisorConfig struct {
	// Interval between polls. Defaults to 1s.
	Interval time.Duration
	// Timeout bounds a single reader call. Defaults to Interval.
	Timeout time.Duration
}

func (c SupervisorConfig) withDefaults() SupervisorConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.Timeout <= 0 || c.Timeout > c.Interval {
		c.Timeout = c.Interval
	}
	return c
}

// Supervisor polls one reader for one token. The first time the token is
// missing, replaced, or the reader fails twice in a row within a tick, Lost
// is closed and the loop exits. It is never restarted.
type Supervisor struct {
	reader  Reader
	tokenID string
	cfg     SupervisorConfig
	log     *slog.Logger

	lost     chan struct{}
	lostOnce sync.Once
	cause    string

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSupervisor(r Reader, tokenID string, cfg SupervisorConfig, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		reader:  r,
		tokenID: tokenID,
		cfg:     cfg.withDefaults(),
		log:     log,
		lost:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Lost is closed exactly once, when presence is lost.
func (s *Supervisor) Lost() <-chan struct{} { return s.lost }

// Cause is set before Lost is closed.
func (s *Supervisor) Cause() string {
	select {
	case <-s.lost:
		return s.cause
	default:
		return ""
	}
}

func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop cancels the loop and waits for it. Safe to call more than once and
// before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.started = true
		close(s.done)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	<-s.done
}

func (s *Supervisor) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cause, lost := s.tick(ctx); lost {
				s.markLost(cause)
				return
			}
		}
	}
}

// tick reports whether presence is lost. A reader error is retried once
// within the same tick; a second error counts as loss.
func (s *Supervisor) tick(ctx context.Context) (string, bool) {
	present, err := s.probe(ctx)
	if err != nil && ctx.Err() == nil {
		s.log.Warn("presence probe failed, retrying", "token_id", s.tokenID, "err", err)
		present, err = s.probe(ctx)
	}
	switch {
	case ctx.Err() != nil:
		return "", false
	case err != nil:
		s.log.Warn("presence probe failed twice", "token_id", s.tokenID, "err", err)
		return CauseReaderError, true
	case !present:
		return CauseAbsent, true
	}
	return "", false
}

// probe runs one reader call bounded by the per-tick timeout, even if the
// reader ignores its context.
func (s *Supervisor) probe(ctx context.Context) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	type answer struct {
		ok  bool
		err error
	}
	ch := make(chan answer, 1)
	go func() {
		ok, err := s.reader.IsStillPresent(ctx, s.tokenID)
		ch <- answer{ok, err}
	}()

	select {
	case a := <-ch:
		return a.ok, a.err
	case <-ctx.Done():
		return false, errProbeTimeout
	}
}

func (s *Supervisor) markLost(cause string) {
	s.lostOnce.Do(func() {
		s.cause = cause
		s.log.Info("token presence lost", "token_id", s.tokenID, "cause", cause)
		close(s.lost)
	})
}
