package policy

import (
	"encoding/json"
	"strings"

	"guardian/pkg/models"
)

// Protocol action kinds. The set is closed: MapAction is the single
// mapping from action to command payload, and unknown kinds are
// reported to the caller instead of silently executing.
const (
	ActionAppKill            = "APP_KILL"
	ActionAppBlock           = "APP_BLOCK"
	ActionNetQuarantine      = "NET_QUARANTINE"
	ActionMicBlock           = "MIC_BLOCK"
	ActionCameraBlock        = "CAMERA_BLOCK"
	ActionLockscreenBlackout = "LOCKSCREEN_BLACKOUT"
	ActionScreenshotCapture  = "SCREENSHOT_CAPTURE"
	ActionWalkieTalkieEnable = "WALKIE_TALKIE_ENABLE"
	ActionLiveCameraRequest  = "LIVE_CAMERA_REQUEST"
)

// MapAction converts a protocol action into a command spec. The bool
// result is false for unknown action kinds.
func MapAction(action string) (CommandSpec, bool) {
	switch strings.ToUpper(strings.TrimSpace(action)) {
	case ActionAppKill:
		return CommandSpec{Type: models.CmdAppKill, Payload: json.RawMessage(`{"scope":"foreground"}`)}, true
	case ActionAppBlock:
		return CommandSpec{Type: models.CmdAppBlock, Payload: json.RawMessage(`{"scope":"offending_app"}`)}, true
	case ActionNetQuarantine:
		return CommandSpec{Type: models.CmdNetQuarantine, Payload: json.RawMessage(`{"mode":"allow_guardian_only"}`)}, true
	case ActionMicBlock:
		return CommandSpec{Type: models.CmdMicBlock, Payload: json.RawMessage(`{"enabled":true}`)}, true
	case ActionCameraBlock:
		return CommandSpec{Type: models.CmdCameraBlock, Payload: json.RawMessage(`{"enabled":true}`)}, true
	case ActionLockscreenBlackout:
		return CommandSpec{Type: models.CmdLockscreenBlackout, Payload: json.RawMessage(`{"message":"Device locked by guardian"}`)}, true
	case ActionScreenshotCapture:
		return CommandSpec{Type: models.CmdScreenshotCapture, Payload: json.RawMessage(`{"upload":"content_hash_only"}`)}, true
	case ActionWalkieTalkieEnable:
		return CommandSpec{Type: models.CmdWalkieTalkieEnable, Payload: json.RawMessage(`{"channel":"family"}`)}, true
	case ActionLiveCameraRequest:
		return CommandSpec{Type: models.CmdLiveCameraRequest, Payload: json.RawMessage(`{"consent_prompt":true}`)}, true
	default:
		return CommandSpec{}, false
	}
}
