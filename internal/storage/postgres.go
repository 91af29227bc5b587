package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"signalbot/internal/workitem"
	logx "signalbot/pkg/logx"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var pgItemColumns = []string{
	"id", "kind", "category", "status", "payload", "created_at", "expires_at", "claimed_at", "claimed_by",
	"sent_at", "last_transport_message_id", "sent_channels", "send_attempts", "last_error", "updated_at",
}

type postgresStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	st := &postgresStore{pool: pool, log: log}
	if err := st.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations/postgres.sql")
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, string(b)); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

func (s *postgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func tsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scanPGItem(r pgx.Row) (workitem.Item, error) {
	var (
		it                       workitem.Item
		kind, category, status   string
		payload                  []byte
		created, updated         time.Time
		expires, claimed, sentAt *time.Time
		claimedBy, lastErr       *string
		msgID                    int64
	)
	if err := r.Scan(&it.ID, &kind, &category, &status, &payload, &created, &expires, &claimed, &claimedBy,
		&sentAt, &msgID, &it.SentChannels, &it.SendAttempts, &lastErr, &updated); err != nil {
		return workitem.Item{}, err
	}
	it.Kind = workitem.Kind(kind)
	it.Category = workitem.Category(category)
	it.Status = workitem.Status(status)
	it.CreatedAt = created.UTC()
	it.ExpiresAt = derefTime(expires)
	it.ClaimedAt = derefTime(claimed)
	it.ClaimedBy = derefStr(claimedBy)
	it.SentAt = derefTime(sentAt)
	it.LastTransportMessageID = int(msgID)
	it.LastError = derefStr(lastErr)
	it.UpdatedAt = updated.UTC()
	if len(it.SentChannels) == 0 {
		it.SentChannels = nil
	}
	if err := decodePayload(&it, payload); err != nil {
		return workitem.Item{}, err
	}
	return it, nil
}

func (s *postgresStore) Insert(ctx context.Context, it workitem.Item) (workitem.Item, error) {
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
	_, err = s.pool.Exec(ctx, `
		INSERT INTO work_items (id, kind, category, status, payload, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, it.ID, string(it.Kind), string(it.Category), string(it.Status), string(payload),
		it.CreatedAt.UTC(), tsOrNil(it.ExpiresAt), now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return workitem.Item{}, ErrConflict
		}
		return workitem.Item{}, fmt.Errorf("insert item: %w", err)
	}
	return it, nil
}

func (s *postgresStore) Get(ctx context.Context, id string) (workitem.Item, error) {
	q, args, err := psql.Select(pgItemColumns...).From("work_items").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return workitem.Item{}, err
	}
	it, err := scanPGItem(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return workitem.Item{}, ErrNotFound
	}
	return it, err
}

func (s *postgresStore) queryItems(ctx context.Context, b sq.SelectBuilder) ([]workitem.Item, error) {
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.Item, 0, 8)
	for rows.Next() {
		it, err := scanPGItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *postgresStore) ListCandidates(ctx context.Context, kind workitem.Kind, now time.Time, limit int) ([]workitem.Item, error) {
	return s.queryItems(ctx, psql.Select(pgItemColumns...).From("work_items").
		Where(sq.Eq{"kind": string(kind), "status": string(workitem.StatusPending)}).
		Where(sq.Or{sq.Eq{"expires_at": nil}, sq.Gt{"expires_at": now.UTC()}}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(normalizeLimit(limit, 20))))
}

func (s *postgresStore) Claim(ctx context.Context, id, workerID string, now time.Time) (*workitem.Item, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE work_items
		SET status = 'sending', claimed_at = $1, claimed_by = $2, updated_at = $1
		WHERE id = $3 AND status = 'pending' AND (expires_at IS NULL OR expires_at > $1)
		RETURNING `+strings.Join(pgItemColumns, ", "),
		now.UTC(), nullStr(workerID), id)
	it, err := scanPGItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	return &it, nil
}

func (s *postgresStore) Transition(ctx context.Context, id string, from, to workitem.Status, u Update) (bool, error) {
	at := u.At
	if at.IsZero() {
		at = time.Now()
	}
	inc := 0
	if u.IncAttempts {
		inc = 1
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $1, updated_at = $2, last_error = COALESCE($3, last_error), send_attempts = send_attempts + $4
		WHERE id = $5 AND status = $6
	`, string(to), at.UTC(), nullStr(u.Error), inc, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition %s %s->%s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) MarkDelivered(ctx context.Context, id string, d Delivery) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items
		SET status = $1, sent_at = $2, last_transport_message_id = $3, updated_at = $2,
		    sent_channels = CASE
		        WHEN $4::text = '' OR $4::text = ANY(sent_channels) THEN sent_channels
		        ELSE array_append(sent_channels, $4::text)
		    END
		WHERE id = $5 AND status = 'sending'
	`, string(d.Status), d.SentAt.UTC(), int64(d.MessageID), d.Channel, id)
	if err != nil {
		return false, fmt.Errorf("mark delivered %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ListByStatus(ctx context.Context, st workitem.Status, limit int) ([]workitem.Item, error) {
	return s.queryItems(ctx, psql.Select(pgItemColumns...).From("work_items").
		Where(sq.Eq{"status": string(st)}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(normalizeLimit(limit, 100))))
}

func (s *postgresStore) CountByStatus(ctx context.Context) (map[workitem.Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[workitem.Status]int{}
	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[workitem.Status(st)] = int(n)
	}
	return out, rows.Err()
}

func (s *postgresStore) LastPublished(ctx context.Context, cat workitem.Category) (time.Time, bool, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_published FROM cadence_ledger WHERE category = $1`, string(cat)).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}

func (s *postgresStore) SetPublished(ctx context.Context, cat workitem.Category, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cadence_ledger (category, last_published) VALUES ($1, $2)
		ON CONFLICT (category) DO UPDATE
		SET last_published = GREATEST(cadence_ledger.last_published, EXCLUDED.last_published)
	`, string(cat), at.UTC())
	return err
}

func (s *postgresStore) ReservePublish(ctx context.Context, cat workitem.Category, at time.Time, window time.Duration) (time.Time, bool, error) {
	prev, had, err := s.LastPublished(ctx, cat)
	if err != nil {
		return time.Time{}, false, err
	}
	if had && at.Sub(prev) < window {
		return prev, false, nil
	}
	var tag pgconn.CommandTag
	if had {
		tag, err = s.pool.Exec(ctx,
			`UPDATE cadence_ledger SET last_published = $1 WHERE category = $2 AND last_published = $3`,
			at.UTC(), string(cat), prev)
	} else {
		tag, err = s.pool.Exec(ctx,
			`INSERT INTO cadence_ledger (category, last_published) VALUES ($1, $2) ON CONFLICT (category) DO NOTHING`,
			string(cat), at.UTC())
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reserve %s: %w", cat, err)
	}
	return prev, tag.RowsAffected() == 1, nil
}

func (s *postgresStore) ReleasePublish(ctx context.Context, cat workitem.Category, at, prev time.Time) error {
	var err error
	if prev.IsZero() {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM cadence_ledger WHERE category = $1 AND last_published = $2`, string(cat), at.UTC())
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE cadence_ledger SET last_published = $1 WHERE category = $2 AND last_published = $3`,
			prev.UTC(), string(cat), at.UTC())
	}
	if err != nil {
		return fmt.Errorf("release %s: %w", cat, err)
	}
	return nil
}

func (s *postgresStore) ListLedger(ctx context.Context) ([]workitem.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT category, last_published FROM cadence_ledger ORDER BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.LedgerEntry, 0, 4)
	for rows.Next() {
		var cat string
		var t time.Time
		if err := rows.Scan(&cat, &t); err != nil {
			return nil, err
		}
		out = append(out, workitem.LedgerEntry{Category: workitem.Category(cat), LastPublished: t.UTC()})
	}
	return out, rows.Err()
}

func (s *postgresStore) AppendFailure(ctx context.Context, rec workitem.DeliveryFailure) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_failures
		    (item_id, kind, category, destination, transport_message_id, reason, error, item_snapshot, worker_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rec.ItemID, string(rec.Kind), string(rec.Category), nullStr(rec.Destination), int64(rec.TransportMessageID),
		string(rec.Reason), rec.Error, nullStr(rec.ItemSnapshot), nullStr(rec.WorkerID), rec.RecordedAt.UTC())
	return err
}

func (s *postgresStore) ListFailures(ctx context.Context, since time.Time, limit int) ([]workitem.DeliveryFailure, error) {
	b := psql.Select("item_id", "kind", "category", "destination", "transport_message_id", "reason",
		"error", "item_snapshot", "worker_id", "recorded_at").
		From("delivery_failures").
		OrderBy("recorded_at DESC", "id DESC").
		Limit(uint64(normalizeLimit(limit, 100)))
	if !since.IsZero() {
		b = b.Where(sq.GtOrEq{"recorded_at": since.UTC()})
	}
	q, args, err := b.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]workitem.DeliveryFailure, 0, 8)
	for rows.Next() {
		var (
			rec                    workitem.DeliveryFailure
			kind, cat, reason      string
			dest, snapshot, worker *string
			msgID                  int64
			recorded               time.Time
		)
		if err := rows.Scan(&rec.ItemID, &kind, &cat, &dest, &msgID, &reason, &rec.Error, &snapshot, &worker, &recorded); err != nil {
			return nil, err
		}
		rec.Kind = workitem.Kind(kind)
		rec.Category = workitem.Category(cat)
		rec.Reason = workitem.FailureReason(reason)
		rec.Destination = derefStr(dest)
		rec.TransportMessageID = int(msgID)
		rec.ItemSnapshot = derefStr(snapshot)
		rec.WorkerID = derefStr(worker)
		rec.RecordedAt = recorded.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *postgresStore) HasFailure(ctx context.Context, itemID string, since time.Time) (bool, error) {
	inner := psql.Select("1").From("delivery_failures").Where(sq.Eq{"item_id": itemID})
	if !since.IsZero() {
		inner = inner.Where(sq.GtOrEq{"recorded_at": since.UTC()})
	}
	q, args, err := inner.ToSql()
	if err != nil {
		return false, err
	}
	var exists bool
	err = s.pool.QueryRow(ctx, `SELECT EXISTS (`+q+`)`, args...).Scan(&exists)
	return exists, err
}
