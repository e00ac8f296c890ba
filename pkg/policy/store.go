package policy

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guardian/pkg/models"
)

type protocolDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore reads and writes the protocols table. Decision-time
// callers only use ListProtocols.
type PostgresStore struct {
	DB protocolDB
}

func (s *PostgresStore) ListProtocols(ctx context.Context, familyID, incidentType string) ([]models.Protocol, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, family_id, incident_type, min_severity, enabled, published, ordered_actions, updated_at
		FROM protocols
		WHERE family_id=$1 AND UPPER(incident_type)=UPPER($2)
	`, familyID, strings.TrimSpace(incidentType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProtocols(rows)
}

// ListFamily returns every protocol configured for a family.
func (s *PostgresStore) ListFamily(ctx context.Context, familyID string) ([]models.Protocol, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, family_id, incident_type, min_severity, enabled, published, ordered_actions, updated_at
		FROM protocols
		WHERE family_id=$1
		ORDER BY updated_at DESC
	`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProtocols(rows)
}

func (s *PostgresStore) Upsert(ctx context.Context, p models.Protocol) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO protocols (id, family_id, incident_type, min_severity, enabled, published, ordered_actions, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			incident_type=EXCLUDED.incident_type,
			min_severity=EXCLUDED.min_severity,
			enabled=EXCLUDED.enabled,
			published=EXCLUDED.published,
			ordered_actions=EXCLUDED.ordered_actions,
			updated_at=EXCLUDED.updated_at
	`, p.ID, p.FamilyID, p.IncidentType, p.MinSeverity, p.Enabled, p.Published, p.Actions, p.UpdatedAt)
	return err
}

func scanProtocols(rows pgx.Rows) ([]models.Protocol, error) {
	var out []models.Protocol
	for rows.Next() {
		var p models.Protocol
		if err := rows.Scan(&p.ID, &p.FamilyID, &p.IncidentType, &p.MinSeverity, &p.Enabled, &p.Published, &p.Actions, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MemoryStore serves protocols from process memory for tests and dev.
type MemoryStore struct {
	mu        sync.RWMutex
	protocols []models.Protocol
}

func NewMemoryStore(protocols ...models.Protocol) *MemoryStore {
	return &MemoryStore{protocols: protocols}
}

func (s *MemoryStore) Add(p models.Protocol) {
	_ = s.Upsert(context.Background(), p)
}

func (s *MemoryStore) Upsert(ctx context.Context, p models.Protocol) error {
	_ = ctx
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.protocols {
		if s.protocols[i].ID == p.ID {
			s.protocols[i] = p
			return nil
		}
	}
	s.protocols = append(s.protocols, p)
	return nil
}

func (s *MemoryStore) ListProtocols(ctx context.Context, familyID, incidentType string) ([]models.Protocol, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Protocol
	for _, p := range s.protocols {
		if p.FamilyID == familyID && strings.EqualFold(p.IncidentType, incidentType) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListFamily(ctx context.Context, familyID string) ([]models.Protocol, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Protocol
	for _, p := range s.protocols {
		if p.FamilyID == familyID {
			out = append(out, p)
		}
	}
	return out, nil
}
