package incident

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardian/pkg/models"
)

var ErrNotFound = errors.New("incident not found")

type incidentDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	DB incidentDB
}

func (s *PostgresStore) Insert(ctx context.Context, inc models.Incident) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO incidents (incident_id, family_id, device_id, incident_type, severity, dedup_key, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, inc.IncidentID, inc.FamilyID, inc.DeviceID, inc.IncidentType, inc.Severity, inc.DedupKey, inc.Status, inc.CreatedAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT incident_id, family_id, device_id, incident_type, severity, COALESCE(dedup_key,''), status, created_at
		FROM incidents WHERE incident_id=$1
	`, incidentID)
	var inc models.Incident
	err := row.Scan(&inc.IncidentID, &inc.FamilyID, &inc.DeviceID, &inc.IncidentType, &inc.Severity, &inc.DedupKey, &inc.Status, &inc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Incident{}, ErrNotFound
	}
	if err != nil {
		return models.Incident{}, err
	}
	return inc, nil
}

func (s *PostgresStore) List(ctx context.Context, familyID string, limit int) ([]models.Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.DB.Query(ctx, `
		SELECT incident_id, family_id, device_id, incident_type, severity, COALESCE(dedup_key,''), status, created_at
		FROM incidents WHERE family_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, familyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Incident
	for rows.Next() {
		var inc models.Incident
		if err := rows.Scan(&inc.IncidentID, &inc.FamilyID, &inc.DeviceID, &inc.IncidentType, &inc.Severity, &inc.DedupKey, &inc.Status, &inc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, inc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetStatus(ctx context.Context, incidentID, status string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE incidents SET status=$2 WHERE incident_id=$1`, incidentID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddEvidence(ctx context.Context, ev models.Evidence) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO evidence (evidence_id, incident_id, family_id, device_id, kind, content_hash, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ev.EvidenceID, ev.IncidentID, ev.FamilyID, ev.DeviceID, ev.Kind, ev.ContentHash, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvidence(ctx context.Context, incidentID string) ([]models.Evidence, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT evidence_id, incident_id, family_id, device_id, kind, content_hash, created_at
		FROM evidence WHERE incident_id=$1
		ORDER BY created_at ASC
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Evidence
	for rows.Next() {
		var ev models.Evidence
		if err := rows.Scan(&ev.EvidenceID, &ev.IncidentID, &ev.FamilyID, &ev.DeviceID, &ev.Kind, &ev.ContentHash, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
