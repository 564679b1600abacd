// Package presence answers one question for the session authority: is the
// token bound at session open still on the reader?
package presence

import (
	"context"
	"time"
)

// Reader is the token reader attached to a station. Every method must
// return within its context deadline; a reader that cannot see a token
// returns ("", false, nil).
type Reader interface {
	// GetUID is a single poll of the reader.
	GetUID(ctx context.Context) (string, bool, error)
	// WaitForToken blocks until a token is seen or timeout elapses.
	WaitForToken(ctx context.Context, timeout time.Duration) (string, bool, error)
	IsStillPresent(ctx context.Context, tokenID string) (bool, error)
}

// NullReader never sees a token.
type NullReader struct{}

func (NullReader) GetUID(context.Context) (string, bool, error) { return "", false, nil }

func (NullReader) WaitForToken(ctx context.Context, timeout time.Duration) (string, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return "", false, ctx.Err()
	case <-t.C:
		return "", false, nil
	}
}

func (NullReader) IsStillPresent(context.Context, string) (bool, error) { return false, nil }

// Locator resolves the reader for a station. ok is false when the station has
// no attached reader, in which case sessions at that station are not
// supervised and end only by logout or the duration cutoff.
type Locator interface {
	Locate(stationID string) (r Reader, ok bool)
}

// NullLocator reports that no station has a reader.
type NullLocator struct{}

func (NullLocator) Locate(string) (Reader, bool) { return NullReader{}, false }

// Fixed maps station ids to readers.
type Fixed map[string]Reader

func (f Fixed) Locate(stationID string) (Reader, bool) {
	r, ok := f[stationID]
	if !ok {
		return NullReader{}, false
	}
	return r, true
}
