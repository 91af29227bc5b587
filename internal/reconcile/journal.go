package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"signalbot/internal/workitem"
)

const lockRetry = 20 * time.Millisecond

// Journal is an append-only JSON Lines file of delivery failures.
//
// Consumers on the same host may share one journal; writes and reads take an
// advisory lock on <path>.lock so lines never interleave.
type Journal struct {
	path string
	lock *flock.Flock

	mu sync.Mutex
	// latest maps item id to its newest journaled RecordedAt for the first
	// offset bytes of the file.
	latest map[string]time.Time
	offset int64
}

func OpenJournal(path string) (*Journal, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("reconcile: journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &Journal{path: path, lock: flock.New(path + ".lock")}, nil
}

func (j *Journal) Path() string { return j.path }

// Append writes rec as one line and fsyncs before returning.
func (j *Journal) Append(ctx context.Context, rec workitem.DeliveryFailure) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	ok, err := j.lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("journal lock: %w", err)
	}
	if !ok {
		return errors.New("journal lock: not acquired")
	}
	defer func() { _ = j.lock.Unlock() }()

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	// A crash can leave a torn last line; start a fresh one so this record
	// stays readable.
	torn, err := endsMidLine(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if torn {
		line = append([]byte{'\n'}, line...)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadAll returns every well-formed record in file order. Malformed lines
// (for example a torn final write) are skipped.
func (j *Journal) ReadAll(ctx context.Context) ([]workitem.DeliveryFailure, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	ok, err := j.lock.TryRLockContext(ctx, lockRetry)
	if err != nil {
		return nil, fmt.Errorf("journal lock: %w", err)
	}
	if !ok {
		return nil, errors.New("journal lock: not acquired")
	}
	defer func() { _ = j.lock.Unlock() }()

	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []workitem.DeliveryFailure
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec workitem.DeliveryFailure
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.ItemID == "" {
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

func endsMidLine(f *os.File) (bool, error) {
	fi, err := f.Stat()
	if err != nil {
		return false, err
	}
	if fi.Size() == 0 {
		return false, nil
	}
	var last [1]byte
	if _, err := f.ReadAt(last[:], fi.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Latest returns the newest RecordedAt journaled for itemID. Only bytes
// appended since the previous call are parsed; a file that shrank is
// re-read from the start.
func (j *Journal) Latest(ctx context.Context, itemID string) (time.Time, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.refreshLocked(ctx); err != nil {
		return time.Time{}, false, err
	}
	at, ok := j.latest[itemID]
	return at, ok, nil
}

func (j *Journal) refreshLocked(ctx context.Context) error {
	fi, err := os.Stat(j.path)
	if errors.Is(err, os.ErrNotExist) {
		j.latest, j.offset = nil, 0
		return nil
	}
	if err != nil {
		return err
	}
	if j.latest == nil || fi.Size() < j.offset {
		j.latest, j.offset = map[string]time.Time{}, 0
	}
	if fi.Size() == j.offset {
		return nil
	}

	ok, err := j.lock.TryRLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("journal lock: %w", err)
	}
	if !ok {
		return errors.New("journal lock: not acquired")
	}
	defer func() { _ = j.lock.Unlock() }()

	f, err := os.Open(j.path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(j.offset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			// An unterminated tail is picked up once it is completed.
			return nil
		}
		if err != nil {
			return err
		}
		j.offset += int64(len(line))
		var rec workitem.DeliveryFailure
		if json.Unmarshal(line, &rec) != nil || rec.ItemID == "" {
			continue
		}
		if cur, seen := j.latest[rec.ItemID]; !seen || rec.RecordedAt.After(cur) {
			j.latest[rec.ItemID] = rec.RecordedAt
		}
	}
}
