package confirmation

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicflow/queue/internal/platform/db"
)

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository { return &eventRepoPG{pool: pool} }

func (r *eventRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const eventCols = `id, event_type, visit_id, token_hash, channel, ip, user_agent, actor, success, reason, created_at`

func scanEvent(row pgx.Row) (*SecurityEvent, error) {
	var e SecurityEvent
	err := row.Scan(&e.ID, &e.EventType, &e.VisitID, &e.TokenHash, &e.Channel, &e.IP, &e.UserAgent,
		&e.Actor, &e.Success, &e.Reason, &e.CreatedAt)
	return &e, err
}

func (r *eventRepoPG) Append(ctx context.Context, e *SecurityEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO confirmation_security_event (id, event_type, visit_id, token_hash, channel, ip,
			user_agent, actor, success, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at`,
		e.ID, e.EventType, e.VisitID, e.TokenHash, e.Channel, e.IP, e.UserAgent, e.Actor, e.Success, e.Reason,
	).Scan(&e.CreatedAt)
}

func (r *eventRepoPG) List(ctx context.Context, visitID *uuid.UUID, limit, offset int) ([]*SecurityEvent, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM confirmation_security_event
		WHERE ($1::uuid IS NULL OR visit_id = $1)`, visitID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+eventCols+` FROM confirmation_security_event
		WHERE ($1::uuid IS NULL OR visit_id = $1)
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, visitID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*SecurityEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}
