package audit

import (
	"encoding/json"
	"testing"
	"time"

	"guardian/pkg/custody"
	"guardian/pkg/models"
)

func sampleIncident() models.Incident {
	return models.Incident{
		IncidentID:   "inc-1",
		FamilyID:     "fam-1",
		DeviceID:     "dev-1",
		IncidentType: "STRANGER_DANGER",
		Severity:     "HIGH",
		Status:       "OPEN",
		CreatedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestIncidentRedactionIsDeterministic(t *testing.T) {
	r := NewRedactor([]byte("salt-a"))
	a := r.Incident(sampleIncident())
	b := r.Incident(sampleIncident())
	if a["family_id_hash"] != b["family_id_hash"] {
		t.Fatalf("same salt produced different family hashes: %v vs %v", a["family_id_hash"], b["family_id_hash"])
	}
	if a["family_id_hash"] == "fam-1" {
		t.Fatal("family_id leaked unredacted")
	}
	if a["incident_id"] != "inc-1" {
		t.Fatalf("incident_id must survive redaction, got %v", a["incident_id"])
	}
}

func TestDifferentSaltsProduceDifferentHashes(t *testing.T) {
	a := NewRedactor([]byte("salt-a")).Incident(sampleIncident())
	b := NewRedactor([]byte("salt-b")).Incident(sampleIncident())
	if a["device_id_hash"] == b["device_id_hash"] {
		t.Fatal("different salts must not correlate")
	}
}

func TestCustodyEventKeepsChainFields(t *testing.T) {
	e := custody.Event{
		EventID:    "evt-1",
		Seq:        3,
		FamilyID:   "fam-1",
		IncidentID: "inc-1",
		DeviceID:   "dev-1",
		Actor:      "admin:alice",
		EventKey:   "COMMAND_ENQUEUED",
		EventAtISO: "2026-03-01T12:00:00Z",
		EventJSON:  json.RawMessage(`{"b":2,"a":1}`),
		PrevHash:   "prevhash",
		Hash:       "thishash",
	}
	out := NewRedactor([]byte("salt")).CustodyEvent(e)
	if out["prev_hash"] != "prevhash" || out["hash"] != "thishash" {
		t.Fatalf("chain hashes must be verbatim, got %v / %v", out["prev_hash"], out["hash"])
	}
	if out["event_at"] != e.EventAtISO {
		t.Fatalf("event_at changed: %v", out["event_at"])
	}
	if out["actor_hash"] == "admin:alice" {
		t.Fatal("actor leaked unredacted")
	}
	// Key order must not affect the body hash.
	e2 := e
	e2.EventJSON = json.RawMessage(`{"a":1,"b":2}`)
	out2 := NewRedactor([]byte("salt")).CustodyEvent(e2)
	if out["event_json_hash"] != out2["event_json_hash"] {
		t.Fatalf("canonicalization failed: %v vs %v", out["event_json_hash"], out2["event_json_hash"])
	}
}

func TestBundleRedactsEverything(t *testing.T) {
	r := NewRedactor([]byte("salt"))
	ev := models.Evidence{
		EvidenceID:  "evd-1",
		IncidentID:  "inc-1",
		FamilyID:    "fam-1",
		DeviceID:    "dev-1",
		Kind:        "screenshot",
		ContentHash: "abc123",
		CreatedAt:   time.Now().UTC(),
	}
	b := r.Bundle(sampleIncident(), []models.Evidence{ev}, []custody.Event{{
		EventID: "evt-1", Seq: 1, FamilyID: "fam-1", Actor: "system",
		EventKey: "INCIDENT_CREATED", EventAtISO: "2026-03-01T12:00:00Z",
		PrevHash: custody.GenesisHash, Hash: "h1",
	}})
	if len(b.Evidence) != 1 || len(b.Chain) != 1 {
		t.Fatalf("bundle sizes wrong: %d evidence, %d chain", len(b.Evidence), len(b.Chain))
	}
	if b.Evidence[0]["content_hash"] != "abc123" {
		t.Fatalf("content_hash must survive, got %v", b.Evidence[0]["content_hash"])
	}
	if b.Evidence[0]["family_id_hash"] == "fam-1" {
		t.Fatal("evidence family_id leaked")
	}
	raw, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("bundle must marshal: %v", err)
	}
	if !json.Valid(raw) {
		t.Fatal("bundle marshaled to invalid JSON")
	}
}

func TestEmptyFieldsStayEmpty(t *testing.T) {
	out := NewRedactor([]byte("salt")).CustodyEvent(custody.Event{FamilyID: "fam-1"})
	if out["device_id_hash"] != "" {
		t.Fatalf("empty device_id must redact to empty, got %v", out["device_id_hash"])
	}
	if out["event_json_hash"] != "" {
		t.Fatalf("empty body must hash to empty, got %v", out["event_json_hash"])
	}
}
