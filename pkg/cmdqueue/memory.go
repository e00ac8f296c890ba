package cmdqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"guardian/pkg/custody"
	"guardian/pkg/envelope"
	"guardian/pkg/keystore"
	"guardian/pkg/models"
	"guardian/pkg/policy"
)

// Memory is the in-process queue used by tests and single-instance
// dev runs. It enforces the same FSM and custody side effects as the
// Postgres queue.
type Memory struct {
	Keys   keystore.Store
	Ledger *custody.MemoryLedger

	mu       sync.Mutex
	commands map[string]*models.Command
	order    []string
	now      func() time.Time
}

func NewMemory(keys keystore.Store, ledger *custody.MemoryLedger) *Memory {
	return &Memory{
		Keys:     keys,
		Ledger:   ledger,
		commands: map[string]*models.Command{},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (q *Memory) Enqueue(ctx context.Context, req EnqueueRequest) ([]models.Command, error) {
	if len(req.Specs) == 0 {
		return nil, ErrEmptyBatch
	}
	ttl := clampTTL(req.TTL)
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()

	superseded := q.supersedeLocked(req.DeviceID, req.Specs, now)
	for _, cmd := range superseded {
		if _, err := q.Ledger.Append(ctx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      req.Actor,
			EventKey:   custody.KeyCommandSuperseded,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q,"command_type":%q}`, cmd.CommandID, cmd.Type)),
		}); err != nil {
			return nil, err
		}
	}

	batch := make([]models.Command, 0, len(req.Specs))
	ids := make([]string, 0, len(req.Specs))
	for _, spec := range req.Specs {
		cmd := models.Command{
			CommandID:  uuid.NewString(),
			FamilyID:   req.FamilyID,
			DeviceID:   req.DeviceID,
			IncidentID: req.IncidentID,
			Type:       spec.Type,
			Payload:    spec.Payload,
			Nonce:      uuid.NewString(),
			IssuedAt:   now,
			ExpiresAt:  now.Add(ttl),
			Version:    models.EnvelopeVersion,
			Status:     models.CommandQueued,
		}
		q.commands[cmd.CommandID] = &cmd
		q.order = append(q.order, cmd.CommandID)
		batch = append(batch, cmd)
		ids = append(ids, cmd.CommandID)
	}

	eventBody, _ := json.Marshal(map[string]interface{}{"command_ids": ids, "ttl_sec": int(ttl.Seconds())})
	if _, err := q.Ledger.Append(ctx, custody.Event{
		FamilyID:   req.FamilyID,
		IncidentID: req.IncidentID,
		DeviceID:   req.DeviceID,
		Actor:      req.Actor,
		EventKey:   custody.KeyCommandEnqueued,
		EventJSON:  eventBody,
	}); err != nil {
		return nil, err
	}
	return batch, nil
}

// supersedeLocked expires in-flight commands whose conflict class
// collides with the incoming batch and returns them.
func (q *Memory) supersedeLocked(deviceID string, specs []policy.CommandSpec, now time.Time) []models.Command {
	_ = now
	incoming := map[string]struct{}{}
	for _, spec := range specs {
		if class := conflictClass(spec.Type); class != "" {
			incoming[class] = struct{}{}
		}
	}
	if len(incoming) == 0 {
		return nil
	}
	var out []models.Command
	for _, id := range q.order {
		cmd := q.commands[id]
		if cmd.DeviceID != deviceID || IsTerminal(cmd.Status) {
			continue
		}
		class := conflictClass(cmd.Type)
		if class == "" {
			continue
		}
		if _, hit := incoming[class]; !hit {
			continue
		}
		if next, err := Transition(cmd.Status, models.CommandExpired); err == nil {
			cmd.Status = next
			out = append(out, *cmd)
		}
	}
	return out
}

func (q *Memory) Poll(ctx context.Context, deviceID string) ([]models.Command, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	claimed := make([]models.Command, 0, BatchSize)
	for _, id := range q.order {
		if len(claimed) == BatchSize {
			break
		}
		cmd := q.commands[id]
		if cmd.DeviceID != deviceID || cmd.Status != models.CommandQueued {
			continue
		}
		if !cmd.ExpiresAt.After(now) {
			continue
		}
		cmd.Status = models.CommandSent
		claimed = append(claimed, *cmd)
	}
	for _, cmd := range claimed {
		if _, err := q.Ledger.Append(ctx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "device",
			EventKey:   custody.KeyCommandDelivered,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID)),
		}); err != nil {
			return nil, err
		}
	}
	return claimed, nil
}

func (q *Memory) Ack(ctx context.Context, ack models.Ack, sigHex string) (models.Command, error) {
	terminal, err := terminalStatusFor(ack.Status)
	if err != nil {
		return models.Command{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[ack.CommandID]
	if !ok {
		return models.Command{}, ErrNotFound
	}
	if cmd.DeviceID != ack.DeviceID {
		return models.Command{}, ErrDeviceScope
	}
	key, err := q.Keys.Get(ctx, cmd.DeviceID)
	if err != nil {
		return models.Command{}, fmt.Errorf("load device key: %w", err)
	}
	verdict, err := envelope.VerifyAck(ack, sigHex, key, cmd.Type)
	if err != nil {
		return models.Command{}, err
	}
	if cmd.Status != models.CommandSent {
		return models.Command{}, ErrConflict
	}
	next, err := Transition(cmd.Status, terminal)
	if err != nil {
		return models.Command{}, err
	}
	cmd.Status = next

	eventKey := custody.KeyCommandAcked
	if terminal == models.CommandFailed {
		eventKey = custody.KeyCommandFailed
	}
	body, _ := json.Marshal(map[string]interface{}{
		"command_id":  cmd.CommandID,
		"executed_at": ack.ExecutedAtISO,
		"result":      json.RawMessage(orNull(ack.Result)),
	})
	if _, err := q.Ledger.Append(ctx, custody.Event{
		FamilyID:   cmd.FamilyID,
		IncidentID: cmd.IncidentID,
		DeviceID:   cmd.DeviceID,
		Actor:      "device",
		EventKey:   eventKey,
		EventJSON:  body,
	}); err != nil {
		return models.Command{}, err
	}

	if verdict.Rotated {
		if err := q.Keys.CommitRotation(ctx, cmd.DeviceID); err != nil {
			return models.Command{}, fmt.Errorf("commit rotation: %w", err)
		}
		if _, err := q.Ledger.Append(ctx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "system",
			EventKey:   custody.KeyRotationSuccess,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID)),
		}); err != nil {
			return models.Command{}, err
		}
	}
	return *cmd, nil
}

func (q *Memory) Sweep(ctx context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	expired := 0
	for _, id := range q.order {
		cmd := q.commands[id]
		if IsTerminal(cmd.Status) || cmd.ExpiresAt.After(now) {
			continue
		}
		next, err := Transition(cmd.Status, models.CommandExpired)
		if err != nil {
			continue
		}
		cmd.Status = next
		expired++
		if _, err := q.Ledger.Append(ctx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "system",
			EventKey:   custody.KeyCommandExpired,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q}`, cmd.CommandID)),
		}); err != nil {
			return expired, err
		}
		if cmd.Type != models.CmdRotateKey {
			continue
		}
		// An expired rotation never got acked, so the staged secret
		// must be released or every later BeginRotation conflicts.
		if err := q.Keys.AbortRotation(ctx, cmd.DeviceID); err != nil {
			if errors.Is(err, keystore.ErrNoRotationActive) || errors.Is(err, keystore.ErrNotFound) {
				continue
			}
			return expired, fmt.Errorf("abort rotation for %s: %w", cmd.DeviceID, err)
		}
		if _, err := q.Ledger.Append(ctx, custody.Event{
			FamilyID:   cmd.FamilyID,
			IncidentID: cmd.IncidentID,
			DeviceID:   cmd.DeviceID,
			Actor:      "system",
			EventKey:   custody.KeyRotationAborted,
			EventJSON:  json.RawMessage(fmt.Sprintf(`{"command_id":%q,"reason":"command expired"}`, cmd.CommandID)),
		}); err != nil {
			return expired, err
		}
	}
	return expired, nil
}

// Get returns a command snapshot; tests and handlers use it.
func (q *Memory) Get(commandID string) (models.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd, ok := q.commands[commandID]
	if !ok {
		return models.Command{}, false
	}
	return *cmd, true
}

// SetNow overrides the clock for tests.
func (q *Memory) SetNow(now func() time.Time) { q.now = now }

func terminalStatusFor(ackStatus string) (string, error) {
	switch ackStatus {
	case models.AckAcked:
		return models.CommandAcked, nil
	case models.AckFailed:
		return models.CommandFailed, nil
	default:
		return "", ErrBadAckStatus
	}
}

func orNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`null`)
	}
	return raw
}
