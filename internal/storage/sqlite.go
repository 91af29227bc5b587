package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const itemColumns = `id, kind, category, status, payload, created_at, expires_at, claimed_at, claimed_by,
	sent_at, last_transport_message_id, sent_channels, send_attempts, last_error, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/sqlite.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("sqlite migrate: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(r rowScanner) (workitem.Item, error) {
	var (
		it                                    workitem.Item
		kind, category, status, payload, sent string
		created, updated                      int64
		expires, claimed, sentAt              *int64
		claimedBy, lastErr                    sql.NullString
	)
	if err := r.Scan(&it.ID, &kind, &category, &status, &payload, &created, &expires, &claimed, &claimedBy,
		&sentAt, &it.LastTransportMessageID, &sent, &it.SendAttempts, &lastErr, &updated); err != nil {
		return workitem.Item{}, err
	}
	it.Kind = workitem.Kind(kind)
	it.Category = workitem.Category(category)
	it.Status = workitem.Status(status)
	it.CreatedAt = fromMS(&created)
	it.ExpiresAt = fromMS(expires)
	it.ClaimedAt = fromMS(claimed)
	it.ClaimedBy = claimedBy.String
	it.SentAt = fromMS(sentAt)
	it.SentChannels = decodeChannels(sent)
	it.LastError = lastErr.String
	it.UpdatedAt = fromMS(&updated)
	if err := decodePayload(&it, []byte(payload)); err != nil {
		return workitem.Item{}, err
	}
	return it, nil
}

func (s *sqliteStore) Insert(ctx context.Context, it workitem.Item) (workitem.Item, error) {
	if strings.TrimSpace(it.ID) == "" {
		it.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.Status == "" {
		it.Status = workitem.StatusPending
	}
	it.UpdatedAt = now
	payload, err := encodePayload(it)
	if err != nil {
		return workitem.Item{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO work_items(id, kind, category, status, payload, created_at, expires_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		it.ID, string(it.Kind), string(it.Category), string(it.Status), string(payload),
		it.CreatedAt.UnixMilli(), msOrNil(it.ExpiresAt), now.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return workitem.Item{}, ErrConflict
		}
		return workitem.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return it, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (workitem.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workitem.Item{}, ErrNotFound
	}
	return it, err
}

func (s *sqliteStore) queryItems(ctx context.Context, q string, args ...any) ([]workitem.Item, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.Item, 0, 8)
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListCandidates(ctx context.Context, kind workitem.Kind, now time.Time, limit int) ([]workitem.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE kind = ? AND status = 'pending' AND (expires_at IS NULL OR expires_at > ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(kind), now.UnixMilli(), normalizeLimit(limit, 20),
	)
}

func (s *sqliteStore) Claim(ctx context.Context, id, workerID string, now time.Time) (*workitem.Item, error) {
	ms := now.UnixMilli()
	row := s.db.QueryRowContext(ctx,
		`UPDATE work_items
		 SET status = 'sending', claimed_at = ?, claimed_by = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending' AND (expires_at IS NULL OR expires_at > ?)
		 RETURNING `+itemColumns,
		ms, nullStr(workerID), ms, id, ms,
	)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	return &it, nil
}

func (s *sqliteStore) Transition(ctx context.Context, id string, from, to workitem.Status, u Update) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	inc := 0
	if u.IncAttempts {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items
		 SET status = ?, updated_at = ?, last_error = COALESCE(?, last_error), send_attempts = send_attempts + ?
		 WHERE id = ? AND status = ?`,
		string(to), at.UnixMilli(), nullStr(u.Error), inc, id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id string, d Delivery) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	ms := d.SentAt.UnixMilli()
	var current string
	err = tx.QueryRowContext(ctx,
		`UPDATE work_items
		 SET status = ?, sent_at = ?, last_transport_message_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'sending'
		 RETURNING sent_channels`,
		string(d.Status), ms, d.MessageID, ms, id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark delivered %s: %w", id, err)
	}
	channels := appendChannel(decodeChannels(current), d.Channel)
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET sent_channels = ? WHERE id = ?`, encodeChannels(channels), id); err != nil {
		return false, fmt.Errorf("append channel %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) ListByStatus(ctx context.Context, st workitem.Status, limit int) ([]workitem.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(st), normalizeLimit(limit, 100),
	)
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[workitem.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[workitem.Status]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[workitem.Status(st)] = n
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastPublished(ctx context.Context, cat workitem.Category) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT last_published FROM cadence_ledger WHERE category = ?`, string(cat)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

func (s *sqliteStore) SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cadence_ledger(category, last_published) VALUES(?,?)
		 ON CONFLICT(category) DO UPDATE SET last_published = MAX(last_published, excluded.last_published)`,
		string(cat), at.UnixMilli(),
	)
	return err
}

// ReservePublish is a compare-and-set on the value read first; a concurrent
// writer makes the UPDATE or INSERT match no row.
func (s *sqliteStore) ReservePublish(ctx context.Context, cat workitem.Category, at time.Time, window time.Duration) (time.Time, bool, error) {
	prev, had, err := s.LastPublished(ctx, cat)
	if err != nil {
		return time.Time{}, false, err
	}
	if had && at.Sub(prev) < window {
		return prev, false, nil
	}
	var res sql.Result
	if had {
		res, err = s.db.ExecContext(ctx,
			`UPDATE cadence_ledger SET last_published = ? WHERE category = ? AND last_published = ?`,
			at.UnixMilli(), string(cat), prev.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx,
			`INSERT INTO cadence_ledger(category, last_published) VALUES(?,?) ON CONFLICT(category) DO NOTHING`,
			string(cat), at.UnixMilli())
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reserve %s: %w", cat, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, false, err
	}
	return prev, n == 1, nil
}

func (s *sqliteStore) ReleasePublish(ctx context.Context, cat workitem.Category, at, prev time.Time) error {
	var err error
	if prev.IsZero() {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM cadence_ledger WHERE category = ? AND last_published = ?`, string(cat), at.UnixMilli())
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE cadence_ledger SET last_published = ? WHERE category = ? AND last_published = ?`,
			prev.UnixMilli(), string(cat), at.UnixMilli())
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", cat, err)
	}
	return nil
}

func (s *sqliteStore) ListLedger(ctx context.Context) ([]workitem.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT category, last_published FROM cadence_ledger ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.LedgerEntry, 0, 4)
	for rows.Next() {
		var cat string
		var ms int64
		if err := rows.Scan(&cat, &ms); err != nil {
			return nil, err
		}
		out = append(out, workitem.LedgerEntry{Category: workitem.Category(cat), LastPublished: time.UnixMilli(ms).UTC()})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendFailure(ctx context.Context, rec workitem.DeliveryFailure) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_failures(item_id, kind, category, destination, transport_message_id, reason, error, item_snapshot, worker_id, recorded_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ItemID, string(rec.Kind), string(rec.Category), nullStr(rec.Destination), rec.TransportMessageID,
		string(rec.Reason), rec.Error, nullStr(rec.ItemSnapshot), nullStr(rec.WorkerID), rec.RecordedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListFailures(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error) {
	var sinceMS int64
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, kind, category, destination, transport_message_id, reason, error, item_snapshot, worker_id, recorded_at
		 FROM delivery_failures WHERE recorded_at >= ? ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		sinceMS, normalizeLimit(limit, 100),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.DeliveryFailure, 0, 8)
	for rows.Next() {
		var (
			rec                    workitem.DeliveryFailure
			kind, cat, reason      string
			dest, snapshot, worker sql.NullString
			recorded               int64
		)
		if err := rows.Scan(&rec.ItemID, &kind, &cat, &dest, &rec.TransportMessageID, &reason, &rec.Error, &snapshot, &worker, &recorded); err != nil {
			return nil, err
		}
		rec.Kind = workitem.Kind(kind)
		rec.Category = workitem.Category(cat)
		rec.Reason = workitem.FailureReason(reason)
		rec.Destination = dest.String
		rec.ItemSnapshot = snapshot.String
		rec.WorkerID = worker.String
		rec.RecordedAt = time.UnixMilli(recorded).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasFailure(ctx context.Context, itemID string, since time.Time) (bool, error) {
	var sinceMS int64
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM delivery_failures WHERE item_id = ? AND recorded_at >= ? LIMIT 1`, itemID, sinceMS).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
