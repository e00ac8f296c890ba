package cmdqueue

import (
	"context"
	"errors"
	"strings"
	"time"

	"guardian/pkg/models"
	"guardian/pkg/policy"
)

// TTL bounds and delivery batch size. Enqueue clamps requested TTLs
// into [MinTTL, MaxTTL] so commands can neither live forever nor
// expire before the device has a chance to poll.
const (
	MinTTL    = 10 * time.Second
	MaxTTL    = 600 * time.Second
	BatchSize = 5
)

var (
	ErrNotFound     = errors.New("command not found")
	ErrConflict     = errors.New("command not in SENT state")
	ErrDeviceScope  = errors.New("ack device does not own command")
	ErrEmptyBatch   = errors.New("no commands to enqueue")
	ErrBadAckStatus = errors.New("ack status must be ACKED or FAILED")
)

// EnqueueRequest is one batch of commands for a single device.
type EnqueueRequest struct {
	FamilyID   string
	DeviceID   string
	IncidentID string
	Actor      string
	Specs      []policy.CommandSpec
	TTL        time.Duration
}

// Queue is the durable command work-queue. All state changes write
// their custody event in the same unit of work.
type Queue interface {
	Enqueue(ctx context.Context, req EnqueueRequest) ([]models.Command, error)
	// Poll atomically claims up to BatchSize queued, unexpired
	// commands for the device, oldest first, flipping them to SENT.
	Poll(ctx context.Context, deviceID string) ([]models.Command, error)
	// Ack verifies the signed ack (including the rotation fallback)
	// and moves the command to its terminal state. Acking a command
	// that is not SENT is a conflict, never a silent no-op.
	Ack(ctx context.Context, ack models.Ack, sigHex string) (models.Command, error)
	// Sweep expires overdue QUEUED and SENT commands. Maintenance
	// path; safe to run concurrently with polls and acks.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// conflictClass groups command types that contend for the same device
// capability. Enqueueing a command supersedes in-flight commands of
// the same class for that device, so two contradictory instructions
// are never in flight together.
func conflictClass(commandType string) string {
	switch strings.ToUpper(commandType) {
	case models.CmdAppKill, models.CmdAppBlock:
		return "app"
	case models.CmdNetQuarantine:
		return "network"
	case models.CmdMicBlock, models.CmdWalkieTalkieEnable:
		return "audio"
	case models.CmdCameraBlock, models.CmdLiveCameraRequest:
		return "camera"
	case models.CmdLockscreenBlackout:
		return "screen"
	case models.CmdRotateKey:
		return "key"
	default:
		return ""
	}
}
