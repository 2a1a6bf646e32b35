package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/queue/internal/platform/apperr"
	"github.com/clinicflow/queue/internal/platform/db"
)

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound(what)
	}
	return err
}

// =========== Queue Repository ===========

type queueRepoPG struct{ pool *pgxpool.Pool }

func NewQueueRepoPG(pool *pgxpool.Pool) QueueRepository { return &queueRepoPG{pool: pool} }

func (r *queueRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const queueCols = `id, day, specialist_id, queue_tag, active, opened_at, opened_by,
	online_start_time, online_end_time, max_online_entries, is_clinic_wide, last_number,
	created_at, updated_at`

func scanQueue(row pgx.Row) (*DailyQueue, error) {
	var q DailyQueue
	err := row.Scan(&q.ID, &q.Day, &q.SpecialistID, &q.QueueTag, &q.Active, &q.OpenedAt, &q.OpenedBy,
		&q.OnlineStartTime, &q.OnlineEndTime, &q.MaxOnlineEntries, &q.IsClinicWide, &q.LastNumber,
		&q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "queue")
	}
	return &q, nil
}

func (r *queueRepoPG) GetOrCreate(ctx context.Context, q *DailyQueue) (*DailyQueue, error) {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	return scanQueue(r.conn(ctx).QueryRow(ctx, `
		INSERT INTO daily_queue (id, day, specialist_id, queue_tag, active,
			online_start_time, online_end_time, max_online_entries, is_clinic_wide)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (day, specialist_id, queue_tag) DO UPDATE SET day = EXCLUDED.day
		RETURNING `+queueCols,
		q.ID, q.Day, q.SpecialistID, q.QueueTag, q.Active,
		q.OnlineStartTime, q.OnlineEndTime, q.MaxOnlineEntries, q.IsClinicWide))
}

func (r *queueRepoPG) Find(ctx context.Context, key Key) (*DailyQueue, error) {
	return scanQueue(r.conn(ctx).QueryRow(ctx,
		`SELECT `+queueCols+` FROM daily_queue WHERE day = $1 AND specialist_id = $2 AND queue_tag = $3`,
		key.Day, key.SpecialistID, key.QueueTag))
}

func (r *queueRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*DailyQueue, error) {
	return scanQueue(r.conn(ctx).QueryRow(ctx, `SELECT `+queueCols+` FROM daily_queue WHERE id = $1`, id))
}

func (r *queueRepoPG) Lock(ctx context.Context, id uuid.UUID) (*DailyQueue, error) {
	return scanQueue(r.conn(ctx).QueryRow(ctx, `SELECT `+queueCols+` FROM daily_queue WHERE id = $1 FOR UPDATE`, id))
}

func (r *queueRepoPG) SetLastNumber(ctx context.Context, id uuid.UUID, n int) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE daily_queue SET last_number = GREATEST(last_number, $2), updated_at = NOW() WHERE id = $1`, id, n)
	return err
}

func (r *queueRepoPG) MarkOpened(ctx context.Context, id uuid.UUID, at time.Time, by string) (*DailyQueue, error) {
	return scanQueue(r.conn(ctx).QueryRow(ctx, `
		UPDATE daily_queue
		SET opened_at = COALESCE(opened_at, $2), opened_by = COALESCE(opened_by, $3), updated_at = NOW()
		WHERE id = $1
		RETURNING `+queueCols, id, at, by))
}

func (r *queueRepoPG) ListByDay(ctx context.Context, day time.Time, limit, offset int) ([]*DailyQueue, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM daily_queue WHERE day = $1`, day).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+queueCols+` FROM daily_queue WHERE day = $1
		ORDER BY specialist_id, queue_tag LIMIT $2 OFFSET $3`, day, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*DailyQueue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, q)
	}
	return items, total, rows.Err()
}

func (r *queueRepoPG) DeleteBefore(ctx context.Context, day time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM daily_queue WHERE day < $1`, day)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =========== Entry Repository ===========

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewEntryRepoPG(pool *pgxpool.Pool) EntryRepository { return &entryRepoPG{pool: pool} }

func (r *entryRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const entryCols = `id, queue_id, number, patient_id, patient_name, phone, telegram_id,
	visit_id, service_id, amount, source, status, priority, queue_time, created_at,
	called_at, finished_at, incomplete_reason, cancelled_via, transferred_to_id, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.QueueID, &e.Number, &e.PatientID, &e.PatientName, &e.Phone, &e.TelegramID,
		&e.VisitID, &e.ServiceID, &e.Amount, &e.Source, &e.Status, &e.Priority, &e.QueueTime, &e.CreatedAt,
		&e.CalledAt, &e.FinishedAt, &e.IncompleteReason, &e.CancelledVia, &e.TransferredToID, &e.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "queue_entry")
	}
	return &e, nil
}

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO online_queue_entry (id, queue_id, number, patient_id, patient_name, phone, telegram_id,
			visit_id, service_id, amount, source, status, priority, queue_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		RETURNING created_at, updated_at`,
		e.ID, e.QueueID, e.Number, e.PatientID, e.PatientName, e.Phone, e.TelegramID,
		e.VisitID, e.ServiceID, e.Amount, e.Source, e.Status, e.Priority, e.QueueTime,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM online_queue_entry WHERE id = $1`, id))
}

func (r *entryRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM online_queue_entry WHERE id = $1 FOR UPDATE`, id))
}

func (r *entryRepoPG) Update(ctx context.Context, e *Entry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE online_queue_entry SET status=$2, called_at=$3, finished_at=$4, incomplete_reason=$5,
			cancelled_via=$6, transferred_to_id=$7, updated_at=NOW()
		WHERE id = $1`,
		e.ID, e.Status, e.CalledAt, e.FinishedAt, e.IncompleteReason, e.CancelledVia, e.TransferredToID)
	return err
}

func (r *entryRepoPG) MaxNumber(ctx context.Context, queueID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT COALESCE(MAX(number), 0) FROM online_queue_entry WHERE queue_id = $1`, queueID).Scan(&n)
	return n, err
}

func (r *entryRepoPG) findOne(ctx context.Context, sql string, args ...interface{}) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (r *entryRepoPG) FindActiveByPhone(ctx context.Context, queueID uuid.UUID, phone string) (*Entry, error) {
	return r.findOne(ctx, `SELECT `+entryCols+` FROM online_queue_entry
		WHERE queue_id = $1 AND phone = $2 AND status IN ('waiting','called')
		ORDER BY number LIMIT 1`, queueID, phone)
}

func (r *entryRepoPG) FindActiveByVisit(ctx context.Context, queueID, visitID uuid.UUID) (*Entry, error) {
	return r.findOne(ctx, `SELECT `+entryCols+` FROM online_queue_entry
		WHERE queue_id = $1 AND visit_id = $2 AND status IN ('waiting','called')
		ORDER BY number LIMIT 1`, queueID, visitID)
}

// CountActive counts waiting and called entries; an empty source counts all.
func (r *entryRepoPG) CountActive(ctx context.Context, queueID uuid.UUID, source Source) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM online_queue_entry
		WHERE queue_id = $1 AND status IN ('waiting','called') AND ($2 = '' OR source = $2)`,
		queueID, string(source)).Scan(&n)
	return n, err
}

func (r *entryRepoPG) ListByQueue(ctx context.Context, queueID uuid.UUID, statuses []EntryStatus, limit, offset int) ([]*Entry, int, error) {
	filter := make([]string, len(statuses))
	for i, s := range statuses {
		filter[i] = string(s)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM online_queue_entry
		WHERE queue_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))`,
		queueID, filter).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM online_queue_entry
		WHERE queue_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2))
		ORDER BY priority DESC, number ASC LIMIT $3 OFFSET $4`, queueID, filter, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *entryRepoPG) ListActiveByVisit(ctx context.Context, visitID uuid.UUID) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+entryCols+` FROM online_queue_entry
		WHERE visit_id = $1 AND status IN ('waiting','called') ORDER BY created_at`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// =========== Token Repository ===========

type tokenRepoPG struct{ pool *pgxpool.Pool }

func NewTokenRepoPG(pool *pgxpool.Pool) TokenRepository { return &tokenRepoPG{pool: pool} }

func (r *tokenRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const tokenCols = `token, specialist_id, queue_tag, day, expires_at, active, generated_by, created_at, revoked_at`

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	err := row.Scan(&t.Token, &t.SpecialistID, &t.QueueTag, &t.Day, &t.ExpiresAt, &t.Active,
		&t.GeneratedBy, &t.CreatedAt, &t.RevokedAt)
	if err != nil {
		return nil, notFound(err, "token")
	}
	return &t, nil
}

func (r *tokenRepoPG) Create(ctx context.Context, t *Token) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_token (token, specialist_id, queue_tag, day, expires_at, active, generated_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		t.Token, t.SpecialistID, t.QueueTag, t.Day, t.ExpiresAt, t.Active, t.GeneratedBy,
	).Scan(&t.CreatedAt)
}

func (r *tokenRepoPG) Get(ctx context.Context, token string) (*Token, error) {
	return scanToken(r.conn(ctx).QueryRow(ctx, `SELECT `+tokenCols+` FROM queue_token WHERE token = $1`, token))
}

func (r *tokenRepoPG) Revoke(ctx context.Context, token string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE queue_token SET active = FALSE, revoked_at = COALESCE(revoked_at, $2) WHERE token = $1`, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("token")
	}
	return nil
}

func (r *tokenRepoPG) ListActive(ctx context.Context, specialistID *uuid.UUID, now time.Time, limit, offset int) ([]*Token, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM queue_token
		WHERE active AND expires_at > $1 AND ($2::uuid IS NULL OR specialist_id = $2)`,
		now, specialistID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+tokenCols+` FROM queue_token
		WHERE active AND expires_at > $1 AND ($2::uuid IS NULL OR specialist_id = $2)
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, now, specialistID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, t)
	}
	return items, total, rows.Err()
}

// DeleteExpired removes tokens past expiry along with their join sessions.
func (r *tokenRepoPG) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM queue_token WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =========== Join Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const sessionCols = `session_token, qr_token, status, patient_name, phone, telegram_id,
	queue_entry_id, expires_at, created_at, completed_at`

func scanSession(row pgx.Row) (*JoinSession, error) {
	var s JoinSession
	err := row.Scan(&s.SessionToken, &s.QRToken, &s.Status, &s.PatientName, &s.Phone, &s.TelegramID,
		&s.QueueEntryID, &s.ExpiresAt, &s.CreatedAt, &s.CompletedAt)
	if err != nil {
		return nil, notFound(err, "join_session")
	}
	return &s, nil
}

func (r *sessionRepoPG) Create(ctx context.Context, s *JoinSession) error {
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO queue_join_session (session_token, qr_token, status, expires_at)
		VALUES ($1,$2,$3,$4)
		RETURNING created_at`,
		s.SessionToken, s.QRToken, s.Status, s.ExpiresAt,
	).Scan(&s.CreatedAt)
}

func (r *sessionRepoPG) Get(ctx context.Context, token string) (*JoinSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM queue_join_session WHERE session_token = $1`, token))
}

func (r *sessionRepoPG) GetForUpdate(ctx context.Context, token string) (*JoinSession, error) {
	return scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM queue_join_session WHERE session_token = $1 FOR UPDATE`, token))
}

func (r *sessionRepoPG) Update(ctx context.Context, s *JoinSession) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE queue_join_session SET status=$2, patient_name=$3, phone=$4, telegram_id=$5,
			queue_entry_id=$6, completed_at=$7
		WHERE session_token = $1`,
		s.SessionToken, s.Status, s.PatientName, s.Phone, s.TelegramID, s.QueueEntryID, s.CompletedAt)
	return err
}

func (r *sessionRepoPG) ExpirePending(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE queue_join_session SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// =========== Specialist Directory ===========

type specialistRepoPG struct{ pool *pgxpool.Pool }

func NewSpecialistDirectoryPG(pool *pgxpool.Pool) SpecialistDirectory {
	return &specialistRepoPG{pool: pool}
}

func (r *specialistRepoPG) SpecialistName(ctx context.Context, id uuid.UUID) (string, error) {
	var name string
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT full_name FROM specialist WHERE id = $1 AND active`, id).Scan(&name)
	if err != nil {
		return "", notFound(err, "specialist")
	}
	return name, nil
}
