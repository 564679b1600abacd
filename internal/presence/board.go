package presence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"workstation-guard/internal/identity"
)

var ErrInvalidHeartbeat = errors.New("presence: station_id required")

// StationBoard holds the latest token reported by each station's reader
// agent. A report older than staleAfter counts as no token.
type StationBoard struct {
	staleAfter time.Duration
	clock      func() time.Time

	mu       sync.Mutex
	stations map[string]sighting
	// changed is closed and replaced on every heartbeat.
	changed chan struct{}
}

type sighting struct {
	tokenID string
	seenAt  time.Time
}

// Sighting is the exported view of a station's last report.
type Sighting struct {
	StationID string    `json:"station_id"`
	TokenID   string    `json:"token_id,omitempty"`
	SeenAt    time.Time `json:"seen_at"`
	Stale     bool      `json:"stale"`
}

func NewStationBoard(staleAfter time.Duration, clock func() time.Time) *StationBoard {
	if clock == nil {
		clock = time.Now
	}
	return &StationBoard{
		staleAfter: staleAfter,
		clock:      clock,
		stations:   map[string]sighting{},
		changed:    make(chan struct{}),
	}
}

// Heartbeat records what the station's reader currently sees, with the token
// id normalized the way admission normalizes it. An empty tokenID means the
// reader is up and sees nothing.
func (b *StationBoard) Heartbeat(stationID, tokenID string) error {
	stationID = strings.TrimSpace(stationID)
	if stationID == "" {
		return ErrInvalidHeartbeat
	}
	b.mu.Lock()
	b.stations[stationID] = sighting{tokenID: identity.NormalizeTokenID(tokenID), seenAt: b.clock()}
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
	return nil
}

// Locate always succeeds: a station that never reported reads as empty.
func (b *StationBoard) Locate(stationID string) (Reader, bool) {
	return stationReader{board: b, stationID: stationID}, true
}

// Current returns the token the station sees now, if any.
func (b *StationBoard) Current(stationID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked(stationID)
}

func (b *StationBoard) currentLocked(stationID string) (string, bool) {
	s, ok := b.stations[stationID]
	if !ok || s.tokenID == "" || b.isStale(s) {
		return "", false
	}
	return s.tokenID, true
}

func (b *StationBoard) isStale(s sighting) bool {
	return b.staleAfter > 0 && b.clock().Sub(s.seenAt) > b.staleAfter
}

func (b *StationBoard) Snapshot() []Sighting {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Sighting, 0, len(b.stations))
	for id, s := range b.stations {
		out = append(out, Sighting{StationID: id, TokenID: s.tokenID, SeenAt: s.seenAt, Stale: b.isStale(s)})
	}
	return out
}

// Prune drops stations whose last report is stale and returns how many were
// removed.
func (b *StationBoard) Prune(context.Context) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for id, s := range b.stations {
		if b.isStale(s) {
			delete(b.stations, id)
			n++
		}
	}
	return n
}

func (b *StationBoard) wait(ctx context.Context, stationID string, timeout time.Duration) (string, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		tok, ok := b.currentLocked(stationID)
		changed := b.changed
		b.mu.Unlock()
		if ok {
			return tok, true, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-deadline.C:
			return "", false, nil
		case <-changed:
		}
	}
}

type stationReader struct {
	board     *StationBoard
	stationID string
}

func (r stationReader) GetUID(context.Context) (string, bool, error) {
	tok, ok := r.board.Current(r.stationID)
	return tok, ok, nil
}

func (r stationReader) WaitForToken(ctx context.Context, timeout time.Duration) (string, bool, error) {
	return r.board.wait(ctx, r.stationID, timeout)
}

func (r stationReader) IsStillPresent(_ context.Context, tokenID string) (bool, error) {
	tok, ok := r.board.Current(r.stationID)
	return ok && tok == identity.NormalizeTokenID(tokenID), nil
}
