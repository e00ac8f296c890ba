package incident

import (
	"context"
	"sort"
	"sync"

	"guardian/pkg/models"
)

// MemoryStore backs tests and single-instance dev runs.
type MemoryStore struct {
	mu        sync.Mutex
	incidents map[string]models.Incident
	evidence  map[string][]models.Evidence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents: map[string]models.Incident{},
		evidence:  map[string][]models.Evidence{},
	}
}

func (s *MemoryStore) Insert(ctx context.Context, inc models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.IncidentID] = inc
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, incidentID string) (models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return models.Incident{}, ErrNotFound
	}
	return inc, nil
}

func (s *MemoryStore) List(ctx context.Context, familyID string, limit int) ([]models.Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Incident
	for _, inc := range s.incidents {
		if inc.FamilyID == familyID {
			out = append(out, inc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SetStatus(ctx context.Context, incidentID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return ErrNotFound
	}
	inc.Status = status
	s.incidents[incidentID] = inc
	return nil
}

func (s *MemoryStore) AddEvidence(ctx context.Context, ev models.Evidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evidence[ev.IncidentID] = append(s.evidence[ev.IncidentID], ev)
	return nil
}

func (s *MemoryStore) ListEvidence(ctx context.Context, incidentID string) ([]models.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Evidence{}, s.evidence[incidentID]...), nil
}
