package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"guardian/pkg/custody"
	"guardian/pkg/envelope"
	"guardian/pkg/keystore"
	"guardian/pkg/models"
)

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Postgres is the durable queue. Every operation runs in one
// transaction with its custody event, so a ledger write that cannot
// commit rolls back the state change it documents.
type Postgres struct {
	DB txBeginner
}

func (q *Postgres) Enqueue(ctx context.Context, req EnqueueRequest) ([]models.Command, error) {
	if len(req.Specs) == 0 {
		return nil, ErrEmptyBatch
	}
	ttl := clampTTL(req.TTL)
	tx, err := q.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	now := time.Now().UTC()

	classes := make([]string, 0, len(req.Specs))
	seen := map[string]struct{}{}
	for _, spec := range req.Specs {
		class := conflictClass(spec.Type)
		if class == "" {
			continue
		}
		if _, dup := seen[class]; dup {
			continue
		}
		seen[class] = struct{}{}
		classes = append(classes, class)
	}
	if len(classes) > 0 {
		rows, err := tx.Query(ctx, `
			UPDATE commands SET status=$3
			WHERE device_id=$1 AND conflict_class = ANY($2) AND status IN ($4,$5)
			RETURNING command_id, family_id, COALESCE(incident_id,''), command_type
		`, req.DeviceID, classes, models.CommandExpired, models.CommandQueued, models.CommandSent)
		if err != nil {
			return nil, fmt.Errorf("supersede conflicting commands: %w", err)
		}
		type superseded struct{ id, family, incident, cmdType string }
		var losers []superseded
		for rows.Next() {
			var s superseded
			if err := rows.Scan(&s.id, &s.family, &s.incident, &s.cmdType); err != nil {
				rows.Close()
				return nil, err
			}
			losers = append(losers, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		for _, s := range losers {
			if _, err := custody.Append(ctx, tx, custody.Event{
				FamilyID:   s.family,
				IncidentID: s.incident,
				DeviceID:   req.DeviceID,
				Actor:      req.Actor,
				EventKey:   custody.KeyCommandSuperseded,
				EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q,"command_type":%q}`, s.id, s.cmdType)),
			}); err != nil {
				return nil, err
			}
		}
	}

	batch := make([]models.Command, 0, len(req.Specs))
	ids := make([]string, 0, len(req.Specs))
	for _, spec := range req.Specs {
		cmd := models.Command{
			CommandID:  uuid.NewString(),
			FamilyID:   req.FamilyID,
			DeviceID:   req.DeviceID,
			IncidentID: req.IncidentID,
			Type:       spec.Type,
			Payload:    spec.Payload,
			Nonce:      uuid.NewString(),
			IssuedAt:   now,
			ExpiresAt:  now.Add(ttl),
			Version:    models.EnvelopeVersion,
			Status:     models.CommandQueued,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO commands
			(command_id, family_id, device_id, incident_id, command_type, payload, nonce, issued_at, expires_at, version, status, conflict_class)
			VALUES ($1,$2,$3,NULLIF($4,''),$5,$6,$7,$8,$9,$10,$11,NULLIF($12,''))
		`, cmd.CommandID, cmd.FamilyID, cmd.DeviceID, cmd.IncidentID, cmd.Type, cmd.Payload, cmd.Nonce,
			cmd.IssuedAt, cmd.ExpiresAt, cmd.Version, cmd.Status, conflictClass(cmd.Type)); err != nil {
			return nil, fmt.Errorf("insert command: %w", err)
		}
		batch = append(batch, cmd)
		ids = append(ids, cmd.CommandID)
	}

	body, _ := json.Marshal(map[string]interface{}{"command_ids": ids, "ttl_sec": int(ttl.Seconds())})
	if _, err := custody.Append(ctx, tx, custody.Event{
		FamilyID:   req.FamilyID,
		IncidentID: req.IncidentID,
		DeviceID:   req.DeviceID,
		Actor:      req.Actor,
		EventKey:   custody.KeyCommandEnqueued,
		EventJSON:  body,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return batch, nil
}

func (q *Postgres) Poll(ctx context.Context, deviceID string) ([]models.Command, error) {
	tx, err := q.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Claim and flip in one statement; SKIP LOCKED keeps two
	// concurrent polls from claiming the same rows.
	rows, err := tx.Query(ctx, `
		UPDATE commands SET status=$2
		WHERE command_id IN (
			SELECT command_id FROM commands
			WHERE device_id=$1 AND status=$3 AND expires_at > now()
			ORDER BY issued_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING command_id, family_id, device_id, COALESCE(incident_id,''), command_type, payload, nonce, issued_at, expires_at, version, status
	`, deviceID, models.CommandSent, models.CommandQueued, BatchSize)
	if err != nil {
		return nil, fmt.Errorf("claim commands: %w", err)
	}
	var claimed []models.Command
	for rows.Next() {
		var cmd models.Command
		if err := rows.Scan(&cmd.CommandID, &cmd.FamilyID, &cmd.DeviceID, &cmd.IncidentID, &cmd.Type,
			&cmd.Payload, &cmd.Nonce, &cmd.IssuedAt, &cmd.ExpiresAt, &cmd.Version, &cmd.Status); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, cmd)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, cmd := range claimed {
		if _, err := custody.Append(ctx, tx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "device",
			EventKey:   custody.KeyCommandDelivered,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID)),
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (q *Postgres) Ack(ctx context.Context, ack models.Ack, sigHex string) (models.Command, error) {
	terminal, err := terminalStatusFor(ack.Status)
	if err != nil {
		return models.Command{}, err
	}
	tx, err := q.DB.Begin(ctx)
	if err != nil {
		return models.Command{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cmd models.Command
	row := tx.QueryRow(ctx, `
		SELECT command_id, family_id, device_id, COALESCE(incident_id,''), command_type, payload, nonce, issued_at, expires_at, version, status
		FROM commands WHERE command_id=$1
		FOR UPDATE
	`, ack.CommandID)
	if err := row.Scan(&cmd.CommandID, &cmd.FamilyID, &cmd.DeviceID, &cmd.IncidentID, &cmd.Type,
		&cmd.Payload, &cmd.Nonce, &cmd.IssuedAt, &cmd.ExpiresAt, &cmd.Version, &cmd.Status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Command{}, ErrNotFound
		}
		return models.Command{}, err
	}
	if cmd.DeviceID != ack.DeviceID {
		return models.Command{}, ErrDeviceScope
	}

	keys := &keystore.Postgres{DB: tx}
	key, err := keys.Get(ctx, cmd.DeviceID)
	if err != nil {
		return models.Command{}, fmt.Errorf("load device key: %w", err)
	}
	verdict, err := envelope.VerifyAck(ack, sigHex, key, cmd.Type)
	if err != nil {
		return models.Command{}, err
	}
	if cmd.Status != models.CommandSent {
		return models.Command{}, ErrConflict
	}
	next, err := Transition(cmd.Status, terminal)
	if err != nil {
		return models.Command{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE commands SET status=$2 WHERE command_id=$1`, cmd.CommandID, next); err != nil {
		return models.Command{}, err
	}
	cmd.Status = next

	eventKey := custody.KeyCommandAcked
	if next == models.CommandFailed {
		eventKey = custody.KeyCommandFailed
	}
	body, _ := json.Marshal(map[string]interface{}{
		"command_id":  cmd.CommandID,
		"executed_at": ack.ExecutedAtISO,
		"result":      json.RawMessage(orNull(ack.Result)),
	})
	if _, err := custody.Append(ctx, tx, custody.Event{
		FamilyID:   cmd.FamilyID,
		IncidentID: cmd.IncidentID,
		DeviceID:   cmd.DeviceID,
		Actor:      "device",
		EventKey:   eventKey,
		EventJSON:  body,
	}); err != nil {
		return models.Command{}, err
	}

	if verdict.Rotated {
		if err := keys.CommitRotation(ctx, cmd.DeviceID); err != nil {
			return models.Command{}, fmt.Errorf("commit rotation: %w", err)
		}
		if _, err := custody.Append(ctx, tx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "system",
			EventKey:   custody.KeyRotationSuccess,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID)),
		}); err != nil {
			return models.Command{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Command{}, err
	}
	return cmd, nil
}

func (q *Postgres) Sweep(ctx context.Context, now time.Time) (int, error) {
	tx, err := q.DB.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		UPDATE commands SET status=$1
		WHERE status IN ($2,$3) AND expires_at <= $4
		RETURNING command_id, family_id, COALESCE(incident_id,''), device_id, command_type
	`, models.CommandExpired, models.CommandQueued, models.CommandSent, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired commands: %w", err)
	}
	type expiredCmd struct{ id, family, incident, device, cmdType string }
	var expired []expiredCmd
	for rows.Next() {
		var e expiredCmd
		if err := rows.Scan(&e.id, &e.family, &e.incident, &e.device, &e.cmdType); err != nil {
			rows.Close()
			return 0, err
		}
		expired = append(expired, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	keys := &keystore.Postgres{DB: tx}
	for _, e := range expired {
		if _, err := custody.Append(ctx, tx, custody.Event{
			FamilyID:   e.family,
			IncidentID: e.incident,
			DeviceID:   e.device,
			Actor:      "system",
			EventKey:   custody.KeyCommandExpired,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, e.id)),
		}); err != nil {
			return 0, err
		}
		if e.cmdType != models.CmdRotateKey {
			continue
		}
		// An expired rotation never got acked, so the staged secret
		// must be released or every later BeginRotation conflicts.
		if err := keys.AbortRotation(ctx, e.device); err != nil {
			if errors.Is(err, keystore.ErrNoRotationActive) || errors.Is(err, keystore.ErrNotFound) {
				continue
			}
			return 0, fmt.Errorf("abort rotation for %s: %w", e.device, err)
		}
		if _, err := custody.Append(ctx, tx, custody.Event{
			FamilyID:   e.family,
			IncidentID: e.incident,
			DeviceID:   e.device,
			Actor:      "system",
			EventKey:   custody.KeyRotationAborted,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q,"reason":"command expired"}`, e.id)),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(expired), nil
}
