package keystore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardian/pkg/models"
)

type keystoreDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres persists device keys in the device_keys table. Rotation
// commit is a single guarded UPDATE so two concurrent ack
// verifications cannot both promote the next secret.
type Postgres struct {
	DB keystoreDB
}

func (p *Postgres) Get(ctx context.Context, deviceID string) (models.DeviceKey, error) {
	var key models.DeviceKey
	row := p.DB.QueryRow(ctx, `
		SELECT device_id, current_secret, COALESCE(next_secret, ''::bytea), rotation_pending, updated_at
		FROM device_keys WHERE device_id=$1
	`, deviceID)
	if err := row.Scan(&key.DeviceID, &key.CurrentSecret, &key.NextSecret, &key.RotationPending, &key.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DeviceKey{}, ErrNotFound
		}
		return models.DeviceKey{}, err
	}
	if len(key.NextSecret) == 0 {
		key.NextSecret = nil
	}
	return key, nil
}

func (p *Postgres) Put(ctx context.Context, key models.DeviceKey) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO device_keys (device_id, current_secret, next_secret, rotation_pending, updated_at)
		VALUES ($1,$2,NULLIF($3,''::bytea),$4,$5)
		ON CONFLICT (device_id) DO UPDATE SET
			current_secret=EXCLUDED.current_secret,
			next_secret=EXCLUDED.next_secret,
			rotation_pending=EXCLUDED.rotation_pending,
			updated_at=EXCLUDED.updated_at
	`, key.DeviceID, key.CurrentSecret, key.NextSecret, key.RotationPending, time.Now().UTC())
	return err
}

func (p *Postgres) BeginRotation(ctx context.Context, deviceID string, next []byte) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE device_keys
		SET next_secret=$2, rotation_pending=TRUE, updated_at=$3
		WHERE device_id=$1 AND rotation_pending=FALSE
	`, deviceID, next, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, deviceID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrRotationPending
	}
	return nil
}

func (p *Postgres) AbortRotation(ctx context.Context, deviceID string) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE device_keys
		SET next_secret=NULL, rotation_pending=FALSE, updated_at=$2
		WHERE device_id=$1 AND rotation_pending=TRUE
	`, deviceID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, deviceID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNoRotationActive
	}
	return nil
}

func (p *Postgres) CommitRotation(ctx context.Context, deviceID string) error {
	tag, err := p.DB.Exec(ctx, `
		UPDATE device_keys
		SET current_secret=next_secret, next_secret=NULL, rotation_pending=FALSE, updated_at=$2
		WHERE device_id=$1 AND rotation_pending=TRUE AND next_secret IS NOT NULL
	`, deviceID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.Get(ctx, deviceID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNoRotationActive
	}
	return nil
}
