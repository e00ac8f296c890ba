package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"guardian/pkg/models"
)

var ErrBadSignature = errors.New("envelope signature mismatch")

// Sign computes a hex-encoded HMAC-SHA-256 over the canonical form of v
// using the device's shared secret.
func Sign(v interface{}, secret []byte) (string, error) {
	canon, err := models.Canonicalize(v)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the expected signature and compares in constant
// time. A malformed hex signature fails closed.
func Verify(v interface{}, sigHex string, secret []byte) bool {
	want, err := Sign(v, secret)
	if err != nil {
		return false
	}
	wantBytes, err := hex.DecodeString(want)
	if err != nil {
		return false
	}
	gotBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return hmac.Equal(wantBytes, gotBytes)
}

// AckVerdict reports which secret verified an ack. Rotated means the
// next secret verified a ROTATE_KEY ack and the caller must commit the
// rotation atomically with the command's terminal-state write.
type AckVerdict struct {
	Rotated bool
}

// VerifyAck validates a signed ack against the device key. Verification
// tries the current secret first; for a ROTATE_KEY command with a
// pending rotation it falls back to the next secret, so an ack signed
// under the adopted key is never lost to a dropped rotation response.
func VerifyAck(ack models.Ack, sigHex string, key models.DeviceKey, commandType string) (AckVerdict, error) {
	if Verify(ack, sigHex, key.CurrentSecret) {
		return AckVerdict{}, nil
	}
	if commandType == models.CmdRotateKey && key.RotationPending && len(key.NextSecret) > 0 {
		if Verify(ack, sigHex, key.NextSecret) {
			return AckVerdict{Rotated: true}, nil
		}
	}
	return AckVerdict{}, ErrBadSignature
}
