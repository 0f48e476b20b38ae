package repo

import (
	"context"
	"database/sql"
	"errors"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

type PostgresInstanceRepo struct {
	db *sql.DB
}

func NewPostgresInstanceRepo(db *sql.DB) *PostgresInstanceRepo {
	return &PostgresInstanceRepo{db: db}
}

func (r *PostgresInstanceRepo) GetInstance(ctx context.Context, id string) (model.Instance, error) {
	var inst model.Instance
	var status string
	var initiatedAt sql.NullTime
	var mobile sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, status, initiated_at, mobile_number, updated_at
		FROM instances
		WHERE id = $1
	`, id).Scan(&inst.ID, &status, &initiatedAt, &mobile, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instance{}, ErrNotFound
	}
	if err != nil {
		return model.Instance{}, err
	}

	inst.Status = model.ConnectionStatus(status)
	inst.MobileNumber = mobile.String
	if initiatedAt.Valid {
		t := initiatedAt.Time
		inst.InitiatedAt = &t
	}
	return inst, nil
}

func (r *PostgresInstanceRepo) SetStatus(ctx context.Context, id string, status model.ConnectionStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instances (id, status, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    updated_at = now()
	`, id, string(status)); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET status = $2,
		    updated_at = now()
		WHERE instance_id = $1
	`, id, string(status)); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *PostgresInstanceRepo) MarkInitiated(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO instances (id, status, initiated_at, updated_at)
		VALUES ($1, 'OFFLINE', now(), now())
		ON CONFLICT (id) DO UPDATE
		SET initiated_at = now(),
		    updated_at = now()
	`, id)
	return err
}

func (r *PostgresInstanceRepo) BindIdentity(ctx context.Context, id, mobile string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO instances (id, status, mobile_number, updated_at)
		VALUES ($1, 'ONLINE', $2, now())
		ON CONFLICT (id) DO UPDATE
		SET status = 'ONLINE',
		    mobile_number = EXCLUDED.mobile_number,
		    initiated_at = NULL,
		    updated_at = now()
	`, id, mobile)
	return err
}

func (r *PostgresInstanceRepo) UpsertUser(ctx context.Context, mobile, instanceID, otp string) (bool, error) {
	var created bool
	// xmax is zero only for freshly inserted rows.
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (mobile_number, instance_id, status, otp, is_new_user, updated_at)
		VALUES ($1, $2, 'ONLINE', NULLIF($3::text, ''), true, now())
		ON CONFLICT (mobile_number) DO UPDATE
		SET instance_id = EXCLUDED.instance_id,
		    status = 'ONLINE',
		    otp = COALESCE(users.otp, EXCLUDED.otp),
		    updated_at = now()
		RETURNING (xmax = 0)
	`, mobile, instanceID, otp).Scan(&created)
	return created, err
}

func (r *PostgresInstanceRepo) FindUserByMobile(ctx context.Context, mobile string) (model.User, error) {
	var u model.User
	var status string
	var instanceID, otp sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT mobile_number, instance_id, status, otp, is_new_user, created_at
		FROM users
		WHERE mobile_number = $1
	`, mobile).Scan(&u.MobileNumber, &instanceID, &status, &otp, &u.IsNewUser, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}

	u.InstanceID = instanceID.String
	u.OTP = otp.String
	u.Status = model.ConnectionStatus(status)
	return u, nil
}

type PostgresGroupRepo struct {
	db *sql.DB
}

func NewPostgresGroupRepo(db *sql.DB) *PostgresGroupRepo {
	return &PostgresGroupRepo{db: db}
}

func (r *PostgresGroupRepo) FindGreeting(ctx context.Context, instanceID, groupID string) (model.GroupGreeting, error) {
	g := model.GroupGreeting{InstanceID: instanceID, GroupID: groupID}
	err := r.db.QueryRowContext(ctx, `
		SELECT message, delay_minutes
		FROM groups
		WHERE instance_id = $1 AND group_id = $2
	`, instanceID, groupID).Scan(&g.Message, &g.DelayMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return model.GroupGreeting{}, ErrNotFound
	}
	if err != nil {
		return model.GroupGreeting{}, err
	}
	return g, nil
}
