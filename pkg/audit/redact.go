// Package audit prepares incident material for handoff outside the
// custody boundary, to school officials, law enforcement or support
// tooling. Identifiers are replaced by salted hashes so an export can
// still be correlated against the ledger without exposing the family's
// or the child's identity.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"guardian/pkg/custody"
	"guardian/pkg/models"
)

// Redactor hashes identifying fields with a deployment-wide salt. The
// same salt always yields the same hashes, so two exports of the same
// incident remain correlatable.
type Redactor struct {
	salt []byte
}

func NewRedactor(salt []byte) *Redactor {
	return &Redactor{salt: salt}
}

// ExportBundle is the redacted form of an incident handed to an
// external party. Chain hashes are kept verbatim; recipients verify
// integrity by comparing hashes, not by recomputing them.
type ExportBundle struct {
	Incident   map[string]interface{}   `json:"incident"`
	Evidence   []map[string]interface{} `json:"evidence"`
	Chain      []map[string]interface{} `json:"custody_chain"`
	ExportedAt string                   `json:"exported_at"`
}

func (r *Redactor) Bundle(inc models.Incident, evidence []models.Evidence, chain []custody.Event) ExportBundle {
	out := ExportBundle{
		Incident:   r.Incident(inc),
		Evidence:   make([]map[string]interface{}, 0, len(evidence)),
		Chain:      make([]map[string]interface{}, 0, len(chain)),
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, ev := range evidence {
		out.Evidence = append(out.Evidence, r.Evidence(ev))
	}
	for _, e := range chain {
		out.Chain = append(out.Chain, r.CustodyEvent(e))
	}
	return out
}

func (r *Redactor) Incident(inc models.Incident) map[string]interface{} {
	return map[string]interface{}{
		"incident_id":    inc.IncidentID,
		"family_id_hash": r.hashString(inc.FamilyID),
		"device_id_hash": r.hashString(inc.DeviceID),
		"incident_type":  inc.IncidentType,
		"severity":       inc.Severity,
		"status":         inc.Status,
		"created_at":     inc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (r *Redactor) Evidence(ev models.Evidence) map[string]interface{} {
	return map[string]interface{}{
		"evidence_id":    ev.EvidenceID,
		"incident_id":    ev.IncidentID,
		"family_id_hash": r.hashString(ev.FamilyID),
		"device_id_hash": r.hashString(ev.DeviceID),
		"kind":           ev.Kind,
		"content_hash":   ev.ContentHash,
		"created_at":     ev.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// CustodyEvent keeps the chain linkage fields verbatim and hashes
// everything that identifies people or devices. The event body is
// reduced to its canonical hash.
func (r *Redactor) CustodyEvent(e custody.Event) map[string]interface{} {
	return map[string]interface{}{
		"event_id":        e.EventID,
		"seq":             e.Seq,
		"family_id_hash":  r.hashString(e.FamilyID),
		"device_id_hash":  r.hashString(e.DeviceID),
		"actor_hash":      r.hashString(e.Actor),
		"event_key":       e.EventKey,
		"event_at":        e.EventAtISO,
		"event_json_hash": r.hashJSON(e.EventJSON),
		"prev_hash":       e.PrevHash,
		"hash":            e.Hash,
	}
}

func (r *Redactor) hashJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	canon, err := models.CanonicalJSON(raw)
	if err != nil {
		return r.hashBytes(raw)
	}
	return r.hashBytes(canon)
}

func (r *Redactor) hashString(v string) string {
	if v == "" {
		return ""
	}
	return r.hashBytes([]byte(v))
}

func (r *Redactor) hashBytes(b []byte) string {
	h := sha256.New()
	if len(r.salt) > 0 {
		_, _ = h.Write(r.salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
