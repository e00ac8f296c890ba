package custody

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guardian/pkg/models"
)

// GenesisHash is the prev_hash sentinel for the first event in a scope.
const GenesisHash = "GENESIS"

// Event keys recorded by the subsystem.
const (
	KeyIncidentCreated      = "INCIDENT_CREATED"
	KeyEvidenceCreated      = "EVIDENCE_CREATED"
	KeyEvidenceViewed       = "EVIDENCE_VIEWED"
	KeyEvidenceExported     = "EVIDENCE_EXPORTED"
	KeyEvidenceDeleted      = "EVIDENCE_DELETED"
	KeyPolicyDecided        = "POLICY_DECIDED"
	KeyAutoDefenseTriggered = "AUTO_DEFENSE_TRIGGERED"
	KeyCommandEnqueued      = "COMMAND_ENQUEUED"
	KeyCommandDelivered     = "COMMAND_DELIVERED"
	KeyCommandAcked         = "COMMAND_ACKED"
	KeyCommandFailed        = "COMMAND_FAILED"
	KeyCommandExpired       = "COMMAND_EXPIRED"
	KeyCommandSuperseded    = "COMMAND_SUPERSEDED"
	KeyRotationStarted      = "KEY_ROTATION_STARTED"
	KeyRotationSuccess      = "KEY_ROTATION_SUCCESS"
	KeyRotationAborted      = "KEY_ROTATION_ABORTED"
	KeyPushSignalSent       = "PUSH_SIGNAL_SENT"
	KeyPushSignalFailed     = "PUSH_SIGNAL_FAILED"
	KeyDeviceHeartbeat      = "DEVICE_HEARTBEAT"
)

// ErrIntegrity marks a hash-chain mismatch. It is evidence of
// tampering and is never auto-repaired.
var ErrIntegrity = errors.New("custody chain integrity violation")

// Scope partitions the ledger: one chain per family, or per incident
// within a family when IncidentID is set.
type Scope struct {
	FamilyID   string
	IncidentID string
}

func (s Scope) String() string {
	return s.FamilyID + ":" + s.IncidentID
}

// Event is one append-only ledger row. Hash covers the canonical
// payload including PrevHash, chaining each event to its predecessor.
type Event struct {
	EventID    string          `json:"event_id"`
	Seq        int64           `json:"seq"`
	FamilyID   string          `json:"family_id"`
	IncidentID string          `json:"incident_id,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	Actor      string          `json:"actor"`
	EventKey   string          `json:"event_key"`
	EventAtISO string          `json:"event_at"`
	EventJSON  json.RawMessage `json:"event_json"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

func (e Event) Scope() Scope {
	return Scope{FamilyID: e.FamilyID, IncidentID: e.IncidentID}
}

type hashPayload struct {
	FamilyID   string          `json:"family_id"`
	IncidentID string          `json:"incident_id"`
	DeviceID   string          `json:"device_id"`
	Actor      string          `json:"actor"`
	EventKey   string          `json:"event_key"`
	EventAt    string          `json:"event_at"`
	EventJSON  json.RawMessage `json:"event_json"`
	PrevHash   string          `json:"prev_hash"`
}

// ComputeHash returns the chain hash for an event whose PrevHash is
// already set. Recomputable from stored fields alone.
func ComputeHash(e Event) (string, error) {
	body := e.EventJSON
	if len(body) == 0 {
		body = json.RawMessage(`null`)
	}
	canon, err := models.Canonicalize(hashPayload{
		FamilyID:   e.FamilyID,
		IncidentID: e.IncidentID,
		DeviceID:   e.DeviceID,
		Actor:      e.Actor,
		EventKey:   e.EventKey,
		EventAt:    e.EventAtISO,
		EventJSON:  body,
		PrevHash:   e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("canonicalize custody payload: %w", err)
	}
	return models.HashHex(canon), nil
}

// VerifyChain replays an ordered scope chain, recomputing every hash
// and checking prev_hash linkage. It returns the index of the first
// bad event, or -1 when the chain is intact. A single mismatch
// invalidates that event and everything after it.
func VerifyChain(events []Event) (bool, int) {
	prev := GenesisHash
	for i, e := range events {
		if e.PrevHash != prev {
			return false, i
		}
		computed, err := ComputeHash(e)
		if err != nil || computed != e.Hash {
			return false, i
		}
		prev = e.Hash
	}
	return true, -1
}

// NowISO is the timestamp format hashed into events. The ISO string is
// the value of record; it survives storage round-trips byte-identical.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
