package custody

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MemoryLedger keeps per-scope chains in process. Used by tests and
// the in-memory queue; the same append/verify semantics as Postgres.
type MemoryLedger struct {
	mu     sync.Mutex
	chains map[Scope][]Event
	nextSq int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{chains: map[Scope][]Event{}}
}

func (m *MemoryLedger) Append(ctx context.Context, e Event) (Event, error) {
	_ = ctx
	if e.FamilyID == "" {
		return Event{}, errors.New("custody event requires family_id")
	}
	if e.EventKey == "" {
		return Event{}, errors.New("custody event requires event_key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := e.Scope()
	chain := m.chains[scope]
	prev := GenesisHash
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	m.nextSq++
	e.EventID = uuid.NewString()
	e.Seq = m.nextSq
	e.PrevHash = prev
	if e.EventAtISO == "" {
		e.EventAtISO = NowISO()
	}
	if len(e.EventJSON) == 0 {
		e.EventJSON = json.RawMessage(`null`)
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return Event{}, err
	}
	e.Hash = hash
	m.chains[scope] = append(chain, e)
	return e, nil
}

// Snapshot captures the ledger state and returns a restore function,
// so in-memory transactions can roll appends back.
func (m *MemoryLedger) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	chains := make(map[Scope][]Event, len(m.chains))
	for scope, chain := range m.chains {
		chains[scope] = append([]Event(nil), chain...)
	}
	seq := m.nextSq
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.chains = chains
		m.nextSq = seq
	}
}

func (m *MemoryLedger) Chain(ctx context.Context, scope Scope) ([]Event, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.chains[scope]
	out := make([]Event, len(chain))
	copy(out, chain)
	return out, nil
}
