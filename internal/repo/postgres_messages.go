package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `
	id, sender, receiver, receiver_name, body,
	media_type, media_url, media_file_name, message_type,
	scheduled_at, status, version, retry_count,
	delivered_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var status string
	var mediaType, mediaURL, mediaName sql.NullString
	var deliveredAt sql.NullTime

	if err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Receiver,
		&m.ReceiverName,
		&m.Body,
		&mediaType,
		&mediaURL,
		&mediaName,
		&m.MessageType,
		&m.ScheduledAt,
		&status,
		&m.Version,
		&m.RetryCount,
		&deliveredAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, ErrNotFound
		}
		return model.Message{}, err
	}

	m.Status = model.Status(status)
	if mediaURL.Valid && mediaURL.String != "" {
		m.Media = &model.Media{
			Type:     mediaType.String,
			URL:      mediaURL.String,
			FileName: mediaName.String,
		}
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	return m, nil
}

func mediaArgs(media *model.Media) (any, any, any) {
	if media == nil || media.URL == "" {
		return nil, nil, nil
	}
	return media.Type, media.URL, media.FileName
}

func (r *PostgresMessageRepo) Create(ctx context.Context, m model.Message) (model.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	mt, mu, mf := mediaArgs(m.Media)

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			id, sender, receiver, receiver_name, body,
			media_type, media_url, media_file_name, message_type,
			scheduled_at, status, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', 0)
		RETURNING`+messageColumns,
		m.ID, m.Sender, m.Receiver, m.ReceiverName, m.Body,
		mt, mu, mf, m.MessageType, m.ScheduledAt.UTC(),
	)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id string) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (r *PostgresMessageRepo) Update(ctx context.Context, id string, edit model.MessageEdit) (model.Message, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT`+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return model.Message{}, err
	}
	if !editable(cur.Status) {
		return model.Message{}, fmt.Errorf("%w: status %s", ErrNotEditable, cur.Status)
	}

	next := ApplyEdit(cur, edit)
	mt, mu, mf := mediaArgs(next.Media)

	updated, err := scanMessage(tx.QueryRowContext(ctx, `
		UPDATE messages
		SET receiver = $2,
		    receiver_name = $3,
		    body = $4,
		    media_type = $5,
		    media_url = $6,
		    media_file_name = $7,
		    scheduled_at = $8,
		    status = 'pending',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1
		RETURNING`+messageColumns,
		id, next.Receiver, next.ReceiverName, next.Body, mt, mu, mf, next.ScheduledAt.UTC(),
	))
	if err != nil {
		return model.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, err
	}
	return updated, nil
}

func (r *PostgresMessageRepo) Cancel(ctx context.Context, id string) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'deleted',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'failed')
		RETURNING`+messageColumns, id)
	m, err := scanMessage(row)
	if !errors.Is(err, ErrNotFound) {
		return m, err
	}

	existing, err := r.Get(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	if existing.Status == model.Deleted {
		return existing, nil
	}
	return model.Message{}, fmt.Errorf("%w: status %s", ErrNotEditable, existing.Status)
}

func (r *PostgresMessageRepo) Claim(ctx context.Context, id string, version int64) (model.Message, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'sent',
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $2 AND status = 'pending'
		RETURNING`+messageColumns, id, version)
	m, err := scanMessage(row)
	if errors.Is(err, ErrNotFound) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	return m, true, nil
}

func (r *PostgresMessageRepo) MarkOutcome(ctx context.Context, id string, version int64, status model.Status, reason string) (bool, error) {
	if status != model.Success && status != model.Failed {
		return false, fmt.Errorf("invalid outcome status %q", status)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = $3::text,
		    version = version + 1,
		    retry_count = retry_count + CASE WHEN $3::text = 'failed' THEN 1 ELSE 0 END,
		    last_error = NULLIF($4::text, ''),
		    delivered_at = CASE WHEN $3::text = 'success' THEN now() ELSE delivered_at END,
		    updated_at = now()
		WHERE id = $1 AND version = $2 AND status = 'sent'
	`, id, version, string(status), reason)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *PostgresMessageRepo) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'success',
		    version = version + 1,
		    delivered_at = COALESCE(delivered_at, now()),
		    updated_at = now()
		WHERE id = $1 AND status = 'sent'
	`, id)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *PostgresMessageRepo) FailStuck(ctx context.Context, sentBefore time.Time, reason string) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'failed',
		    version = version + 1,
		    retry_count = retry_count + 1,
		    last_error = NULLIF($2::text, ''),
		    updated_at = now()
		WHERE status = 'sent' AND updated_at < $1
		RETURNING`+messageColumns, sentBefore.UTC(), reason)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) ListBySender(ctx context.Context, sender string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT`+messageColumns+`
		FROM messages
		WHERE sender = $1 AND status <> 'deleted'
		ORDER BY scheduled_at DESC
		LIMIT $2 OFFSET $3
	`, sender, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *PostgresMessageRepo) HasGroupWelcome(ctx context.Context, sender, receiver, groupID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE sender = $1 AND receiver = $2
			  AND status <> 'deleted'
			  AND strpos(body, $3) > 0
		)
	`, sender, receiver, model.GroupMarker(groupID)).Scan(&exists)
	return exists, err
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func editable(s model.Status) bool {
	return s == model.Pending || s == model.Failed
}

// ApplyEdit returns m with the non-nil fields of edit applied.
func ApplyEdit(m model.Message, edit model.MessageEdit) model.Message {
	if edit.Receiver != nil {
		m.Receiver = *edit.Receiver
	}
	if edit.ReceiverName != nil {
		m.ReceiverName = *edit.ReceiverName
	}
	if edit.Body != nil {
		m.Body = *edit.Body
	}
	if edit.ScheduledAt != nil {
		m.ScheduledAt = *edit.ScheduledAt
	}
	if edit.ClearMedia {
		m.Media = nil
	}
	if edit.Media != nil {
		media := *edit.Media
		m.Media = &media
	}
	return m
}
