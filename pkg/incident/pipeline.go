package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"guardian/pkg/cmdqueue"
	"guardian/pkg/custody"
	"guardian/pkg/metrics"
	"guardian/pkg/models"
	"guardian/pkg/policy"
	"guardian/pkg/store"
)

const (
	StatusOpen         = "OPEN"
	StatusAcknowledged = "ACKNOWLEDGED"
	StatusResolved     = "RESOLVED"
)

// DefaultDedupWindow bounds how long repeated detections of the same
// threat collapse into one incident.
const DefaultDedupWindow = 15 * time.Minute

// Store persists incidents and their evidence references.
type Store interface {
	Insert(ctx context.Context, inc models.Incident) error
	Get(ctx context.Context, incidentID string) (models.Incident, error)
	List(ctx context.Context, familyID string, limit int) ([]models.Incident, error)
	SetStatus(ctx context.Context, incidentID, status string) error
	AddEvidence(ctx context.Context, ev models.Evidence) error
	ListEvidence(ctx context.Context, incidentID string) ([]models.Evidence, error)
}

// EvidenceInput references captured material by hash; blobs never
// pass through this subsystem.
type EvidenceInput struct {
	Kind        string `json:"kind"`
	ContentHash string `json:"content_hash"`
}

// Report is one normalized threat detection, whether it arrived over
// the device report endpoint or the threat bus.
type Report struct {
	FamilyID     string
	DeviceID     string
	IncidentType string
	Severity     string
	Actor        string
	Confidence   float64
	Evidence     []EvidenceInput
}

// Outcome describes what one ingested report produced.
type Outcome struct {
	Incident models.Incident
	Deduped  bool
	Decision policy.Decision
	Commands []models.Command
}

// Pipeline turns threat reports into incidents, custody events and
// enqueued defense commands. One Ingest call performs the whole
// response so every consumer of threat signals behaves identically.
type Pipeline struct {
	Tx          Atomic
	Store       Store
	Ledger      custody.Ledger
	Queue       cmdqueue.Queue
	Engine      *policy.Engine
	Dedup       store.Cache
	DedupWindow time.Duration
	CommandTTL  time.Duration
	Metrics     *metrics.Registry
	// Notify nudges the incident's device to poll. Best effort;
	// losing the hint only delays pickup until the next scheduled
	// poll.
	Notify func(inc models.Incident)

	now func() time.Time
}

func NewPipeline(unit Atomic, st Store, ledger custody.Ledger, queue cmdqueue.Queue, engine *policy.Engine, dedup store.Cache) *Pipeline {
	return &Pipeline{
		Tx:          unit,
		Store:       st,
		Ledger:      ledger,
		Queue:       queue,
		Engine:      engine,
		Dedup:       dedup,
		DedupWindow: DefaultDedupWindow,
		CommandTTL:  5 * time.Minute,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (p *Pipeline) SetNow(now func() time.Time) { p.now = now }

// Ingest processes one threat report end to end: dedup, incident
// creation, evidence attachment, policy decision and command fanout.
func (p *Pipeline) Ingest(ctx context.Context, rep Report) (Outcome, error) {
	rep.FamilyID = strings.TrimSpace(rep.FamilyID)
	rep.DeviceID = strings.TrimSpace(rep.DeviceID)
	rep.IncidentType = strings.TrimSpace(rep.IncidentType)
	if rep.FamilyID == "" || rep.DeviceID == "" || rep.IncidentType == "" {
		return Outcome{}, fmt.Errorf("report requires family_id, device_id and incident_type")
	}
	if !models.ValidSeverity(rep.Severity) {
		return Outcome{}, fmt.Errorf("%w: %q", policy.ErrUnknownSeverity, rep.Severity)
	}
	if rep.Actor == "" {
		rep.Actor = "device:" + rep.DeviceID
	}
	now := p.now()

	dedupKey := p.dedupKey(rep, now)
	incidentID := uuid.NewString()
	fresh, err := p.Dedup.SetNX(ctx, dedupKey, incidentID, p.dedupWindow())
	if err != nil {
		// Dedup storage trouble must not drop a threat; fall
		// through and raise a possibly duplicate incident.
		fresh = true
	}
	if !fresh {
		return p.attachToExisting(ctx, rep, dedupKey)
	}

	inc := models.Incident{
		IncidentID:   incidentID,
		FamilyID:     rep.FamilyID,
		DeviceID:     rep.DeviceID,
		IncidentType: rep.IncidentType,
		Severity:     strings.ToUpper(strings.TrimSpace(rep.Severity)),
		DedupKey:     dedupKey,
		Status:       StatusOpen,
		CreatedAt:    now,
	}
	decision, err := p.Engine.Decide(ctx, inc.FamilyID, inc.IncidentType, inc.Severity)
	if err != nil {
		return Outcome{}, fmt.Errorf("policy decision: %w", err)
	}

	// The incident row, its evidence and the custody events that
	// document them land in one unit: a failed ledger write must not
	// leave an incident with no chain behind it.
	var recorded []string
	createdBody, _ := json.Marshal(map[string]interface{}{
		"incident_type": inc.IncidentType,
		"severity":      inc.Severity,
		"confidence":    rep.Confidence,
	})
	decidedBody, _ := json.Marshal(map[string]interface{}{
		"matched":         decision.Matched,
		"protocol_id":     decision.ProtocolID,
		"command_count":   len(decision.Commands),
		"dropped_actions": decision.Dropped,
	})
	err = p.Tx.InTx(ctx, func(st Store, ledger custody.Ledger) error {
		recorded = recorded[:0]
		if err := st.Insert(ctx, inc); err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		if err := appendChainEvent(ctx, ledger, inc, rep.Actor, custody.KeyIncidentCreated, createdBody); err != nil {
			return err
		}
		recorded = append(recorded, custody.KeyIncidentCreated)
		attached, err := attachEvidence(ctx, st, ledger, inc, rep, p.now)
		if err != nil {
			return err
		}
		for i := 0; i < attached; i++ {
			recorded = append(recorded, custody.KeyEvidenceCreated)
		}
		if err := appendChainEvent(ctx, ledger, inc, "policy-engine", custody.KeyPolicyDecided, decidedBody); err != nil {
			return err
		}
		recorded = append(recorded, custody.KeyPolicyDecided)
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if p.Metrics != nil {
		for _, key := range recorded {
			p.Metrics.IncCustodyEvent(key)
		}
		if decision.Matched {
			p.Metrics.IncProtocolSeverity(decision.ProtocolID, inc.Severity)
		}
	}

	out := Outcome{Incident: inc, Decision: decision}
	if !decision.Matched || len(decision.Commands) == 0 {
		return out, nil
	}

	cmds, err := p.Queue.Enqueue(ctx, cmdqueue.EnqueueRequest{
		FamilyID:   inc.FamilyID,
		DeviceID:   inc.DeviceID,
		IncidentID: inc.IncidentID,
		Actor:      "policy-engine",
		Specs:      decision.Commands,
		TTL:        p.CommandTTL,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("enqueue defense commands: %w", err)
	}
	out.Commands = cmds
	if p.Metrics != nil {
		for range cmds {
			p.Metrics.IncCommandStatus(models.CommandQueued)
		}
	}
	triggeredBody, _ := json.Marshal(map[string]interface{}{
		"protocol_id":   decision.ProtocolID,
		"command_count": len(cmds),
	})
	if err := appendChainEvent(ctx, p.Ledger, inc, "policy-engine", custody.KeyAutoDefenseTriggered, triggeredBody); err != nil {
		return Outcome{}, err
	}
	if p.Metrics != nil {
		p.Metrics.IncCustodyEvent(custody.KeyAutoDefenseTriggered)
	}
	if p.Notify != nil {
		p.Notify(inc)
	}
	return out, nil
}

// attachToExisting folds a duplicate detection into the incident that
// owns the dedup slot. No new policy run: the defense is already in
// flight.
func (p *Pipeline) attachToExisting(ctx context.Context, rep Report, dedupKey string) (Outcome, error) {
	existingID, err := p.Dedup.Get(ctx, dedupKey)
	if err != nil || existingID == "" {
		return Outcome{Deduped: true}, nil
	}
	inc, err := p.Store.Get(ctx, existingID)
	if err != nil {
		return Outcome{Deduped: true}, nil
	}
	var attached int
	err = p.Tx.InTx(ctx, func(st Store, ledger custody.Ledger) error {
		attached, err = attachEvidence(ctx, st, ledger, inc, rep, p.now)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}
	if p.Metrics != nil {
		for i := 0; i < attached; i++ {
			p.Metrics.IncCustodyEvent(custody.KeyEvidenceCreated)
		}
	}
	return Outcome{Incident: inc, Deduped: true}, nil
}

func attachEvidence(ctx context.Context, st Store, ledger custody.Ledger, inc models.Incident, rep Report, now func() time.Time) (int, error) {
	attached := 0
	for _, in := range rep.Evidence {
		if strings.TrimSpace(in.ContentHash) == "" {
			continue
		}
		ev := models.Evidence{
			EvidenceID:  uuid.NewString(),
			IncidentID:  inc.IncidentID,
			FamilyID:    inc.FamilyID,
			DeviceID:    inc.DeviceID,
			Kind:        strings.TrimSpace(in.Kind),
			ContentHash: strings.TrimSpace(in.ContentHash),
			CreatedAt:   now(),
		}
		if err := st.AddEvidence(ctx, ev); err != nil {
			return attached, fmt.Errorf("add evidence: %w", err)
		}
		body, _ := json.Marshal(map[string]string{
			"evidence_id":  ev.EvidenceID,
			"kind":         ev.Kind,
			"content_hash": ev.ContentHash,
		})
		if err := appendChainEvent(ctx, ledger, inc, rep.Actor, custody.KeyEvidenceCreated, body); err != nil {
			return attached, err
		}
		attached++
	}
	return attached, nil
}

func appendChainEvent(ctx context.Context, ledger custody.Ledger, inc models.Incident, actor, key string, body json.RawMessage) error {
	_, err := ledger.Append(ctx, custody.Event{
		FamilyID:   inc.FamilyID,
		IncidentID: inc.IncidentID,
		DeviceID:   inc.DeviceID,
		Actor:      actor,
		EventKey:   key,
		EventJSON:  body,
	})
	if err != nil {
		return fmt.Errorf("custody append %s: %w", key, err)
	}
	return nil
}

func (p *Pipeline) dedupWindow() time.Duration {
	if p.DedupWindow <= 0 {
		return DefaultDedupWindow
	}
	return p.DedupWindow
}

// dedupKey buckets repeated detections of the same threat on the same
// device into fixed windows.
func (p *Pipeline) dedupKey(rep Report, now time.Time) string {
	window := p.dedupWindow()
	bucket := now.Truncate(window).Unix()
	return fmt.Sprintf("incident:%s:%s:%s:%d",
		strings.ToLower(rep.FamilyID),
		strings.ToLower(rep.DeviceID),
		strings.ToLower(rep.IncidentType),
		bucket,
	)
}
