package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"guardian/pkg/models"
)

var ErrUnknownSeverity = errors.New("unknown severity")

// TieBreak selects between equally specific protocols.
type TieBreak string

const (
	// TieBreakHighestSeverity picks the protocol with the highest
	// min_severity among eligible ones, newest-updated winning ties.
	TieBreakHighestSeverity TieBreak = "highest_severity"
	// TieBreakFirstMatch picks the most recently updated eligible
	// protocol regardless of its floor.
	TieBreakFirstMatch TieBreak = "first_match"
)

type Config struct {
	TieBreak TieBreak
}

// CommandSpec is a command type/payload pair produced from a protocol
// action. IDs, nonces and TTLs are assigned at enqueue time.
type CommandSpec struct {
	Type    string
	Payload json.RawMessage
}

// Decision is the outcome of evaluating a threat against the family's
// protocols. Matched=false with no commands means the threat fell
// below the configured floor; that is an explicit decision the caller
// records, not a failure.
type Decision struct {
	ProtocolID string
	Matched    bool
	Commands   []CommandSpec
	Dropped    []string
}

// Store reads the family's protocol table. Read-only at decision time.
type Store interface {
	ListProtocols(ctx context.Context, familyID, incidentType string) ([]models.Protocol, error)
}

type Engine struct {
	Protocols Store
	Config    Config
}

func NewEngine(store Store, cfg Config) *Engine {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakHighestSeverity
	}
	return &Engine{Protocols: store, Config: cfg}
}

// Decide maps a detected threat to an ordered command list via the
// family's enabled, published protocols.
func (e *Engine) Decide(ctx context.Context, familyID, incidentType, severity string) (Decision, error) {
	sevRank := models.SeverityRank(severity)
	if sevRank < 0 {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownSeverity, severity)
	}
	protocols, err := e.Protocols.ListProtocols(ctx, familyID, incidentType)
	if err != nil {
		return Decision{}, fmt.Errorf("list protocols: %w", err)
	}

	var chosen *models.Protocol
	for i := range protocols {
		p := &protocols[i]
		if !p.Enabled || !p.Published {
			continue
		}
		if !strings.EqualFold(p.IncidentType, incidentType) {
			continue
		}
		floor := models.SeverityRank(p.MinSeverity)
		if floor < 0 || floor > sevRank {
			continue
		}
		if chosen == nil {
			chosen = p
			continue
		}
		switch e.Config.TieBreak {
		case TieBreakFirstMatch:
			if p.UpdatedAt.After(chosen.UpdatedAt) {
				chosen = p
			}
		default:
			chosenFloor := models.SeverityRank(chosen.MinSeverity)
			if floor > chosenFloor || (floor == chosenFloor && p.UpdatedAt.After(chosen.UpdatedAt)) {
				chosen = p
			}
		}
	}
	if chosen == nil {
		return Decision{}, nil
	}

	decision := Decision{ProtocolID: chosen.ID, Matched: true}
	for _, action := range chosen.Actions {
		spec, ok := MapAction(action)
		if !ok {
			decision.Dropped = append(decision.Dropped, action)
			continue
		}
		decision.Commands = append(decision.Commands, spec)
	}
	return decision, nil
}
