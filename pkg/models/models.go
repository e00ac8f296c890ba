package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Command statuses. Transitions are enforced by the queue FSM,
// not by writers mutating these directly.
const (
	CommandQueued  = "QUEUED"
	CommandSent    = "SENT"
	CommandAcked   = "ACKED"
	CommandFailed  = "FAILED"
	CommandExpired = "EXPIRED"
)

// Command types deliverable to a device agent.
const (
	CmdAppKill            = "APP_KILL"
	CmdAppBlock           = "APP_BLOCK"
	CmdNetQuarantine      = "NET_QUARANTINE"
	CmdMicBlock           = "MIC_BLOCK"
	CmdCameraBlock        = "CAMERA_BLOCK"
	CmdLockscreenBlackout = "LOCKSCREEN_BLACKOUT"
	CmdScreenshotCapture  = "SCREENSHOT_CAPTURE"
	CmdWalkieTalkieEnable = "WALKIE_TALKIE_ENABLE"
	CmdLiveCameraRequest  = "LIVE_CAMERA_REQUEST"
	CmdRotateKey          = "ROTATE_KEY"
)

const EnvelopeVersion = 1

// Command is a single privileged instruction for a device agent.
type Command struct {
	CommandID  string          `json:"command_id"`
	FamilyID   string          `json:"family_id"`
	DeviceID   string          `json:"device_id"`
	IncidentID string          `json:"incident_id,omitempty"`
	Type       string          `json:"command_type"`
	Payload    json.RawMessage `json:"payload"`
	Nonce      string          `json:"nonce"`
	IssuedAt   time.Time       `json:"-"`
	ExpiresAt  time.Time       `json:"-"`
	Version    int             `json:"version"`
	Status     string          `json:"-"`
}

// Envelope is the wire form of a command handed to the device along
// with a detached signature over its canonical bytes.
type Envelope struct {
	CommandID    string          `json:"command_id"`
	DeviceID     string          `json:"device_id"`
	IncidentID   string          `json:"incident_id,omitempty"`
	CommandType  string          `json:"command_type"`
	Payload      json.RawMessage `json:"payload"`
	Nonce        string          `json:"nonce"`
	IssuedAtISO  string          `json:"issued_at_iso"`
	ExpiresAtISO string          `json:"expires_at_iso"`
	Version      int             `json:"version"`
}

func (c Command) Envelope() Envelope {
	return Envelope{
		CommandID:    c.CommandID,
		DeviceID:     c.DeviceID,
		IncidentID:   c.IncidentID,
		CommandType:  c.Type,
		Payload:      c.Payload,
		Nonce:        c.Nonce,
		IssuedAtISO:  c.IssuedAt.UTC().Format(time.RFC3339),
		ExpiresAtISO: c.ExpiresAt.UTC().Format(time.RFC3339),
		Version:      c.Version,
	}
}

// Ack statuses reported by the device.
const (
	AckAcked  = "ACKED"
	AckFailed = "FAILED"
)

// Ack is the device's signed execution report for one command.
// It is consumed to transition the command, not stored as a queue entity.
type Ack struct {
	CommandID     string          `json:"command_id"`
	DeviceID      string          `json:"device_id"`
	Status        string          `json:"status"`
	ExecutedAtISO string          `json:"executed_at_iso"`
	Result        json.RawMessage `json:"result,omitempty"`
	Nonce         string          `json:"nonce"`
	Version       int             `json:"version"`
}

// DeviceKey holds a device's shared signing secret. NextSecret is
// non-empty only while a rotation is pending.
type DeviceKey struct {
	DeviceID        string
	CurrentSecret   []byte
	NextSecret      []byte
	RotationPending bool
	UpdatedAt       time.Time
}

// Protocol is a severity-gated playbook mapping a threat category to
// an ordered set of response actions. Read-only at decision time.
type Protocol struct {
	ID           string    `json:"id"`
	FamilyID     string    `json:"family_id"`
	IncidentType string    `json:"incident_type"`
	MinSeverity  string    `json:"min_severity"`
	Enabled      bool      `json:"enabled"`
	Published    bool      `json:"published"`
	Actions      []string  `json:"ordered_actions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ThreatEvent is emitted by the external content classifier.
type ThreatEvent struct {
	FamilyID     string          `json:"family_id"`
	DeviceID     string          `json:"device_id"`
	IncidentType string          `json:"incident_type"`
	Severity     string          `json:"severity"`
	Confidence   float64         `json:"confidence"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type Incident struct {
	IncidentID   string    `json:"incident_id"`
	FamilyID     string    `json:"family_id"`
	DeviceID     string    `json:"device_id"`
	IncidentType string    `json:"incident_type"`
	Severity     string    `json:"severity"`
	DedupKey     string    `json:"-"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// Evidence references captured material by content hash only; the
// blob itself lives in an external store.
type Evidence struct {
	EvidenceID  string    `json:"evidence_id"`
	IncidentID  string    `json:"incident_id"`
	FamilyID    string    `json:"family_id"`
	DeviceID    string    `json:"device_id"`
	Kind        string    `json:"kind"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// Severity levels under a fixed total order.
const (
	SeverityLow      = "LOW"
	SeverityMedium   = "MEDIUM"
	SeverityHigh     = "HIGH"
	SeverityCritical = "CRITICAL"
)

var severityRank = map[string]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// SeverityRank returns the position of a severity in the total order
// LOW < MEDIUM < HIGH < CRITICAL, or -1 for unknown values.
func SeverityRank(s string) int {
	r, ok := severityRank[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return -1
	}
	return r
}

func ValidSeverity(s string) bool {
	return SeverityRank(s) >= 0
}
