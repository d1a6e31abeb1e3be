package messagelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labbridge/internal/platform/db"
)

type entryRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &entryRepoPG{pool: pool}
}

func (r *entryRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const entryCols = `id, integration_id, direction, format, message_type, control_id, status,
	raw_payload, parsed_payload, response, transport_meta, patient_id, order_id,
	started_at, completed_at, duration_ms, attempts, error_code, error_message, created_at, expires_at`

func (r *entryRepoPG) scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var parsed []byte
	err := row.Scan(&e.ID, &e.IntegrationID, &e.Direction, &e.Format, &e.MessageType, &e.ControlID, &e.Status,
		&e.RawPayload, &parsed, &e.Response, &e.Meta, &e.PatientID, &e.OrderID,
		&e.StartedAt, &e.CompletedAt, &e.DurationMS, &e.Attempts, &e.ErrorCode, &e.ErrorMessage, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ParsedPayload = parsed
	return &e, nil
}

func (r *entryRepoPG) Create(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_message_log (id, integration_id, direction, format, message_type, control_id, status,
			raw_payload, parsed_payload, response, transport_meta, patient_id, order_id,
			started_at, completed_at, duration_ms, attempts, error_code, error_message, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		e.ID, e.IntegrationID, e.Direction, e.Format, e.MessageType, e.ControlID, e.Status,
		e.RawPayload, jsonOrNil(e.ParsedPayload), e.Response, e.Meta, e.PatientID, e.OrderID,
		e.StartedAt, e.CompletedAt, e.DurationMS, e.Attempts, e.ErrorCode, e.ErrorMessage, e.CreatedAt, e.ExpiresAt)
	return err
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM lab_message_log WHERE id = $1`, id))
}

func (r *entryRepoPG) Update(ctx context.Context, e *Entry) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_message_log SET message_type=$2, control_id=$3, status=$4,
			parsed_payload=$5, response=$6, patient_id=$7, order_id=$8,
			started_at=$9, completed_at=$10, duration_ms=$11, attempts=$12,
			error_code=$13, error_message=$14
		WHERE id = $1`,
		e.ID, e.MessageType, e.ControlID, e.Status,
		jsonOrNil(e.ParsedPayload), e.Response, e.PatientID, e.OrderID,
		e.StartedAt, e.CompletedAt, e.DurationMS, e.Attempts,
		e.ErrorCode, e.ErrorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *entryRepoPG) Reopen(ctx context.Context, e *Entry, from Status) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_message_log SET message_type=$2, control_id=$3, status=$4,
			parsed_payload=$5, response=$6, patient_id=$7, order_id=$8,
			started_at=$9, completed_at=$10, duration_ms=$11, attempts=$12,
			error_code=$13, error_message=$14
		WHERE id = $1 AND status = $15`,
		e.ID, e.MessageType, e.ControlID, e.Status,
		jsonOrNil(e.ParsedPayload), e.Response, e.PatientID, e.OrderID,
		e.StartedAt, e.CompletedAt, e.DurationMS, e.Attempts,
		e.ErrorCode, e.ErrorMessage, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *entryRepoPG) FindByControlID(ctx context.Context, integrationID uuid.UUID, d Direction, controlID string) (*Entry, error) {
	return r.scanEntry(r.conn(ctx).QueryRow(ctx, `
		SELECT `+entryCols+` FROM lab_message_log
		WHERE integration_id = $1 AND direction = $2 AND control_id = $3
		ORDER BY created_at DESC LIMIT 1`, integrationID, d, controlID))
}

func (r *entryRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if f.IntegrationID != uuid.Nil {
		where += fmt.Sprintf(` AND integration_id = $%d`, idx)
		args = append(args, f.IntegrationID)
		idx++
	}
	if f.Direction != "" {
		where += fmt.Sprintf(` AND direction = $%d`, idx)
		args = append(args, f.Direction)
		idx++
	}
	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.ControlID != "" {
		where += fmt.Sprintf(` AND control_id = $%d`, idx)
		args = append(args, f.ControlID)
		idx++
	}
	if !f.Since.IsZero() {
		where += fmt.Sprintf(` AND created_at >= $%d`, idx)
		args = append(args, f.Since)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_message_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + entryCols + ` FROM lab_message_log` + where +
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *entryRepoPG) RecentErrors(ctx context.Context, integrationID uuid.UUID, n int) ([]*Entry, error) {
	return r.query(ctx, `
		SELECT `+entryCols+` FROM lab_message_log
		WHERE integration_id = $1 AND status IN ('error', 'rejected')
		ORDER BY created_at DESC LIMIT $2`, integrationID, n)
}

func (r *entryRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *entryRepoPG) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_message_log WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *entryRepoPG) DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_message_log WHERE integration_id = $1`, integrationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// jsonOrNil stores an empty snapshot as SQL NULL.
func jsonOrNil(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
