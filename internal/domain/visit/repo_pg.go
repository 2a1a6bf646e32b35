package visit

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

// pendingSpellings are the stored values that normalize to
// pending_confirmation. Rows written by older clients keep them.
var pendingSpellings = []string{"pending_confirmation", "pending", "awaiting_confirmation"}

// =========== Visit Repository ===========

type visitRepoPG struct{ pool *pgxpool.Pool }

func NewVisitRepoPG(pool *pgxpool.Pool) Repository { return &visitRepoPG{pool: pool} }

func (r *visitRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const visitCols = `id, patient_id, doctor_id, patient_name, phone, telegram_id, visit_date, status,
	discount_mode, confirmation_token, confirmation_channel, confirmation_expires_at,
	confirmed_at, confirmed_by, cancel_reason, created_at, updated_at`

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	var status string
	err := row.Scan(&v.ID, &v.PatientID, &v.DoctorID, &v.PatientName, &v.Phone, &v.TelegramID, &v.VisitDate, &status,
		&v.DiscountMode, &v.ConfirmationTokenHash, &v.ConfirmationChannel, &v.ConfirmationExpiresAt,
		&v.ConfirmedAt, &v.ConfirmedBy, &v.CancelReason, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("visit")
		}
		return nil, err
	}
	if v.Status, err = NormalizeStatus(status); err != nil {
		return nil, err
	}
	return &v, nil
}

func (r *visitRepoPG) Create(ctx context.Context, v *Visit, lines []ServiceLine) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (id, patient_id, doctor_id, patient_name, phone, telegram_id, visit_date, status,
			discount_mode, confirmation_token, confirmation_channel, confirmation_expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		v.ID, v.PatientID, v.DoctorID, v.PatientName, v.Phone, v.TelegramID, v.VisitDate, string(v.Status),
		v.DiscountMode, v.ConfirmationTokenHash, v.ConfirmationChannel, v.ConfirmationExpiresAt,
	).Scan(&v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return err
	}

	for i := range lines {
		l := &lines[i]
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		l.VisitID = v.ID
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO visit_service (id, visit_id, position, service_id, specialist_id, queue_tag, amount)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			l.ID, l.VisitID, i, l.ServiceID, l.SpecialistID, l.QueueTag, l.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (r *visitRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1`, id))
}

func (r *visitRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE id = $1 FOR UPDATE`, id))
}

func (r *visitRepoPG) GetByTokenHash(ctx context.Context, hash string) (*Visit, error) {
	return scanVisit(r.conn(ctx).QueryRow(ctx, `SELECT `+visitCols+` FROM visit WHERE confirmation_token = $1`, hash))
}

func (r *visitRepoPG) Update(ctx context.Context, v *Visit) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET status=$2, confirmation_token=$3, confirmation_channel=$4, confirmation_expires_at=$5,
			confirmed_at=$6, confirmed_by=$7, cancel_reason=$8, updated_at=NOW()
		WHERE id = $1`,
		v.ID, string(v.Status), v.ConfirmationTokenHash, v.ConfirmationChannel, v.ConfirmationExpiresAt,
		v.ConfirmedAt, v.ConfirmedBy, v.CancelReason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("visit")
	}
	return nil
}

func (r *visitRepoPG) Lines(ctx context.Context, visitID uuid.UUID) ([]ServiceLine, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, service_id, specialist_id, queue_tag, amount
		FROM visit_service WHERE visit_id = $1 ORDER BY position`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []ServiceLine
	for rows.Next() {
		var l ServiceLine
		if err := rows.Scan(&l.ID, &l.VisitID, &l.ServiceID, &l.SpecialistID, &l.QueueTag, &l.Amount); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *visitRepoPG) ListConfirmedForDay(ctx context.Context, day time.Time) ([]*Visit, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visit
		WHERE visit_date = $1 AND status = 'confirmed'
		ORDER BY confirmed_at ASC NULLS LAST, created_at ASC`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *visitRepoPG) ExpirePendingTokens(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE visit SET status = 'expired', confirmation_token = NULL, confirmation_expires_at = NULL, updated_at = NOW()
		WHERE status = ANY($1) AND confirmation_expires_at IS NOT NULL AND confirmation_expires_at <= $2`,
		pendingSpellings, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *visitRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM visit
		WHERE ($1::date IS NULL OR visit_date = $1) AND ($2::text IS NULL OR status = $2)`,
		f.Day, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+visitCols+` FROM visit
		WHERE ($1::date IS NULL OR visit_date = $1) AND ($2::text IS NULL OR status = $2)
		ORDER BY visit_date DESC, created_at DESC LIMIT $3 OFFSET $4`, f.Day, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

// =========== Clinical Record Checker ===========

type clinicalRecordPG struct{ pool *pgxpool.Pool }

func NewClinicalRecordCheckerPG(pool *pgxpool.Pool) ClinicalRecordChecker {
	return &clinicalRecordPG{pool: pool}
}

func (r *clinicalRecordPG) HasFinalRecord(ctx context.Context, visitID uuid.UUID) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM clinical_record WHERE visit_id = $1 AND status <> 'draft')`, visitID).Scan(&ok)
	return ok, err
}
