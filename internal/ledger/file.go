package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileLedger is a JSON-lines chain on the local disk. It has no external
// dependencies, which makes it the fallback when the primary store fails.
// Entries are also held in memory for lookups.
type FileLedger struct {
	opts Options

	mu sync.RWMutex
	f  *os.File
	// size is the end of the last complete line.
	size    int64
	write   func([]byte) (int, error)
	entries []Entry
	byID    map[string]int
}

// OpenFile opens or creates the chain at path. A torn final line left by a
// crash mid-write is truncated away; any other malformed line is an error.
func OpenFile(path string, opts Options) (*FileLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir ledger dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}

	l := &FileLedger{opts: opts.withDefaults(), f: f, write: f.Write, byID: map[string]int{}}
	if err := l.load(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func (l *FileLedger) load() error {
	r := bufio.NewReader(l.f)
	var good int64
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) > 0 {
				// Torn write: the last line never got its newline.
				if terr := l.f.Truncate(good); terr != nil {
					return fmt.Errorf("truncate torn ledger line: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read ledger file: %w", err)
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("ledger file corrupt at offset %d: %w", good, err)
		}
		l.byID[e.ReceiptID] = len(l.entries)
		l.entries = append(l.entries, e)
		good += int64(len(line))
	}
	l.size = good
	if _, err := l.f.Seek(good, io.SeekStart); err != nil {
		return fmt.Errorf("seek ledger file: %w", err)
	}
	return nil
}

// writeLine appends one line and syncs it. On failure the file is cut back
// to the last complete line so a short write never merges with the next one.
func (l *FileLedger) writeLine(line []byte) error {
	_, err := l.write(line)
	if err != nil {
		err = fmt.Errorf("write ledger line: %w", err)
	} else if serr := l.f.Sync(); serr != nil {
		err = fmt.Errorf("sync ledger file: %w", serr)
	}
	if err == nil {
		l.size += int64(len(line))
		return nil
	}
	if terr := l.f.Truncate(l.size); terr != nil {
		return errors.Join(err, fmt.Errorf("truncate ledger file: %w", terr))
	}
	if _, serr := l.f.Seek(l.size, io.SeekStart); serr != nil {
		return errors.Join(err, fmt.Errorf("seek ledger file: %w", serr))
	}
	return err
}

func (l *FileLedger) Append(ctx context.Context, kind string, payload any) (Receipt, error) {
	b, err := encodePayload(kind, payload)
	if err != nil {
		return Receipt{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return Receipt{}, errors.New("file ledger closed")
	}

	var prev *Entry
	if n := len(l.entries); n > 0 {
		prev = &l.entries[n-1]
	}
	e := seal(prev, l.opts.NewID(), kind, b, l.opts.Clock())

	line, err := json.Marshal(e)
	if err != nil {
		return Receipt{}, fmt.Errorf("encode ledger line: %w", err)
	}
	line = append(line, '\n')
	if err := l.writeLine(line); err != nil {
		return Receipt{}, err
	}

	l.byID[e.ReceiptID] = len(l.entries)
	l.entries = append(l.entries, e)
	return e.receipt(), nil
}

func (l *FileLedger) Verify(ctx context.Context, receiptID string) (bool, error) {
	return verify(ctx, l, receiptID)
}

func (l *FileLedger) Get(ctx context.Context, receiptID string) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byID[receiptID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return l.entries[i], nil
}

func (l *FileLedger) bySeq(ctx context.Context, seq int64) (Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 1 || seq > int64(len(l.entries)) {
		return Entry{}, ErrNotFound
	}
	return l.entries[seq-1], nil
}

func (l *FileLedger) Scan(ctx context.Context, afterSeq int64, limit int) ([]Entry, error) {
	limit = clampLimit(limit)
	l.mu.RLock()
	defer l.mu.RUnlock()
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(l.entries)) {
		return nil, nil
	}
	rest := l.entries[afterSeq:]
	if len(rest) > limit {
		rest = rest[:limit]
	}
	out := make([]Entry, len(rest))
	copy(out, rest)
	return out, nil
}

func (l *FileLedger) Ping(context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.f == nil {
		return errors.New("file ledger closed")
	}
	return nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
