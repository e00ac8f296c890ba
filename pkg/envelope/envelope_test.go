package envelope

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"guardian/pkg/models"
)

func testEnvelope() models.Envelope {
	return models.Envelope{
		CommandID:    "cmd-1",
		DeviceID:     "dev-1",
		CommandType:  models.CmdNetQuarantine,
		Payload:      json.RawMessage(`{"reason":"PREDATOR"}`),
		Nonce:        "nonce-1",
		IssuedAtISO:  "2026-08-30T10:00:00Z",
		ExpiresAtISO: "2026-08-30T10:05:00Z",
		Version:      models.EnvelopeVersion,
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	secret := []byte("super-secret-key")
	env := testEnvelope()
	sig, err := Sign(env, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(env, sig, secret) {
		t.Fatal("signature should verify with the signing secret")
	}
	if Verify(env, sig, []byte("other-secret")) {
		t.Fatal("signature must not verify under a different secret")
	}
}

func TestVerifyFailsOnAnyFieldFlip(t *testing.T) {
	secret := []byte("super-secret-key")
	base := testEnvelope()
	sig, err := Sign(base, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	mutations := []func(*models.Envelope){
		func(e *models.Envelope) { e.CommandID = "cmd-2" },
		func(e *models.Envelope) { e.DeviceID = "dev-2" },
		func(e *models.Envelope) { e.CommandType = models.CmdAppKill },
		func(e *models.Envelope) { e.Payload = json.RawMessage(`{"reason":"predator"}`) },
		func(e *models.Envelope) { e.Nonce = "nonce-2" },
		func(e *models.Envelope) { e.ExpiresAtISO = "2026-08-30T10:06:00Z" },
		func(e *models.Envelope) { e.Version = 2 },
	}
	for i, mutate := range mutations {
		env := base
		mutate(&env)
		if Verify(env, sig, secret) {
			t.Fatalf("mutation %d should invalidate signature", i)
		}
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	secret := []byte("k")
	env := testEnvelope()
	if Verify(env, "not-hex", secret) {
		t.Fatal("non-hex signature must fail")
	}
	sig, _ := Sign(env, secret)
	if Verify(env, sig[:len(sig)-2], secret) {
		t.Fatal("truncated signature must fail")
	}
	flipped := flipHexNibble(sig)
	if Verify(env, flipped, secret) {
		t.Fatal("single-nibble flip must fail")
	}
}

func flipHexNibble(sig string) string {
	if strings.HasPrefix(sig, "0") {
		return "1" + sig[1:]
	}
	return "0" + sig[1:]
}

func TestSignIsConstructionOrderIndependent(t *testing.T) {
	secret := []byte("k")
	env := testEnvelope()
	sig1, err := Sign(env, secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	raw, _ := json.Marshal(env)
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	sig2, err := Sign(generic, secret)
	if err != nil {
		t.Fatalf("sign generic: %v", err)
	}
	if sig1 != sig2 {
		t.Fatal("signature must not depend on construction order")
	}
}

func TestVerifyAckCurrentSecret(t *testing.T) {
	key := models.DeviceKey{DeviceID: "dev-1", CurrentSecret: []byte("current")}
	ack := models.Ack{CommandID: "cmd-1", DeviceID: "dev-1", Status: models.AckAcked, Nonce: "n", Version: 1}
	sig, _ := Sign(ack, key.CurrentSecret)
	verdict, err := VerifyAck(ack, sig, key, models.CmdAppBlock)
	if err != nil {
		t.Fatalf("verify ack: %v", err)
	}
	if verdict.Rotated {
		t.Fatal("current-secret verification must not report rotation")
	}
}

func TestVerifyAckRotationFallback(t *testing.T) {
	key := models.DeviceKey{
		DeviceID:        "dev-1",
		CurrentSecret:   []byte("old"),
		NextSecret:      []byte("new"),
		RotationPending: true,
	}
	ack := models.Ack{CommandID: "cmd-r", DeviceID: "dev-1", Status: models.AckAcked, Nonce: "n", Version: 1}
	sig, _ := Sign(ack, key.NextSecret)

	verdict, err := VerifyAck(ack, sig, key, models.CmdRotateKey)
	if err != nil {
		t.Fatalf("rotation fallback should verify: %v", err)
	}
	if !verdict.Rotated {
		t.Fatal("fallback verification must report rotation")
	}

	// The fallback only applies to ROTATE_KEY commands.
	if _, err := VerifyAck(ack, sig, key, models.CmdAppBlock); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("non-rotation command must not use next secret, got %v", err)
	}

	// And only while a rotation is pending.
	key.RotationPending = false
	if _, err := VerifyAck(ack, sig, key, models.CmdRotateKey); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("no pending rotation means no fallback, got %v", err)
	}
}
