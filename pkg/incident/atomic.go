package incident

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"

	"guardian/pkg/custody"
	"guardian/pkg/models"
)

// Atomic runs fn with a store and ledger bound to one unit of work.
// The incident row, its evidence and the custody events documenting
// them either all land or none do.
type Atomic interface {
	InTx(ctx context.Context, fn func(st Store, ledger custody.Ledger) error) error
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresUnit opens one transaction and hands fn a store and ledger
// riding on it.
type PostgresUnit struct {
	DB txBeginner
}

func (u *PostgresUnit) InTx(ctx context.Context, fn func(st Store, ledger custody.Ledger) error) error {
	tx, err := u.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := fn(&PostgresStore{DB: tx}, custody.Tx{DB: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type snapshotter interface {
	Snapshot() func()
}

// MemoryUnit gives the in-memory store and ledger the same
// all-or-nothing behavior by snapshotting before fn and restoring on
// failure. The mutex serializes units so a concurrent write cannot be
// swallowed by a restore.
type MemoryUnit struct {
	mu     sync.Mutex
	Store  *MemoryStore
	Ledger custody.Ledger
}

func NewMemoryUnit(st *MemoryStore, ledger custody.Ledger) *MemoryUnit {
	return &MemoryUnit{Store: st, Ledger: ledger}
}

func (u *MemoryUnit) InTx(ctx context.Context, fn func(st Store, ledger custody.Ledger) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	restoreStore := u.Store.snapshot()
	var restoreLedger func()
	if s, ok := u.Ledger.(snapshotter); ok {
		restoreLedger = s.Snapshot()
	}
	if err := fn(u.Store, u.Ledger); err != nil {
		restoreStore()
		if restoreLedger != nil {
			restoreLedger()
		}
		return err
	}
	return nil
}

// snapshot copies the store's state and returns a closure that puts
// it back.
func (s *MemoryStore) snapshot() func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	incidents := make(map[string]models.Incident, len(s.incidents))
	for k, v := range s.incidents {
		incidents[k] = v
	}
	evidence := make(map[string][]models.Evidence, len(s.evidence))
	for k, v := range s.evidence {
		evidence[k] = append([]models.Evidence(nil), v...)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.incidents = incidents
		s.evidence = evidence
	}
}
