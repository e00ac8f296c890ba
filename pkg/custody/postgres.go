package custody

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the slice of pgx the ledger uses. Both *pgxpool.Pool and
// pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Ledger is the interface consumed by services that append and read
// chains without caring where they live.
type Ledger interface {
	Append(ctx context.Context, e Event) (Event, error)
	Chain(ctx context.Context, scope Scope) ([]Event, error)
}

// Tx binds the ledger to a transaction the caller owns, so a ledger
// write commits or rolls back with the state change it documents.
type Tx struct {
	DB DBTX
}

func (t Tx) Append(ctx context.Context, e Event) (Event, error) {
	return Append(ctx, t.DB, e)
}

func (t Tx) Chain(ctx context.Context, scope Scope) ([]Event, error) {
	return Chain(ctx, t.DB, scope)
}

// Postgres binds the package-level Append/Chain to a connection pool
// for callers that do not manage their own transaction. Append opens
// a short transaction per event because the advisory lock is
// transaction scoped.
type Postgres struct {
	DB interface {
		DBTX
		Begin(ctx context.Context) (pgx.Tx, error)
	}
}

func (p *Postgres) Append(ctx context.Context, e Event) (Event, error) {
	tx, err := p.DB.Begin(ctx)
	if err != nil {
		return Event{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	out, err := Append(ctx, tx, e)
	if err != nil {
		return Event{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Event{}, err
	}
	return out, nil
}

func (p *Postgres) Chain(ctx context.Context, scope Scope) ([]Event, error) {
	return Chain(ctx, p.DB, scope)
}

// Append writes one chained event. Callers pass their open pgx.Tx as
// db so the ledger write commits or rolls back with the state change
// it documents. Appends within a scope are serialized by an advisory
// transaction lock, which closes the read-head/append fork race.
func Append(ctx context.Context, db DBTX, e Event) (Event, error) {
	if e.FamilyID == "" {
		return Event{}, errors.New("custody event requires family_id")
	}
	if e.EventKey == "" {
		return Event{}, errors.New("custody event requires event_key")
	}
	scope := e.Scope()
	if _, err := db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, scope.String()); err != nil {
		return Event{}, fmt.Errorf("lock custody scope: %w", err)
	}

	prev := GenesisHash
	row := db.QueryRow(ctx, `
		SELECT hash FROM custody_events
		WHERE family_id=$1 AND COALESCE(incident_id,'')=$2
		ORDER BY seq DESC LIMIT 1
	`, e.FamilyID, e.IncidentID)
	switch err := row.Scan(&prev); {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		prev = GenesisHash
	default:
		return Event{}, fmt.Errorf("read custody head: %w", err)
	}

	e.EventID = uuid.NewString()
	e.PrevHash = prev
	if e.EventAtISO == "" {
		e.EventAtISO = NowISO()
	}
	if len(e.EventJSON) == 0 {
		e.EventJSON = json.RawMessage(`null`)
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash

	// event_json is stored as TEXT, exactly the bytes that were
	// hashed. A JSON column type would re-render numeric tokens and
	// make legitimate chains fail verification.
	row = db.QueryRow(ctx, `
		INSERT INTO custody_events
		(event_id, family_id, incident_id, device_id, actor, event_key, event_at, event_json, prev_hash, hash)
		VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6,$7,$8,$9,$10)
		RETURNING seq
	`, e.EventID, e.FamilyID, e.IncidentID, e.DeviceID, e.Actor, e.EventKey, e.EventAtISO, string(e.EventJSON), e.PrevHash, e.Hash)
	if err := row.Scan(&e.Seq); err != nil {
		return Event{}, fmt.Errorf("append custody event: %w", err)
	}
	return e, nil
}

// Chain returns a scope's events in append order.
func Chain(ctx context.Context, db DBTX, scope Scope) ([]Event, error) {
	rows, err := db.Query(ctx, `
		SELECT event_id, seq, family_id, COALESCE(incident_id,''), COALESCE(device_id,''), actor, event_key, event_at, event_json, prev_hash, hash
		FROM custody_events
		WHERE family_id=$1 AND COALESCE(incident_id,'')=$2
		ORDER BY seq ASC
	`, scope.FamilyID, scope.IncidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		var e Event
		var body string
		if err := rows.Scan(&e.EventID, &e.Seq, &e.FamilyID, &e.IncidentID, &e.DeviceID, &e.Actor, &e.EventKey, &e.EventAtISO, &body, &e.PrevHash, &e.Hash); err != nil {
			return nil, err
		}
		e.EventJSON = json.RawMessage(body)
		events = append(events, e)
	}
	return events, rows.Err()
}
