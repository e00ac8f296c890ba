package deviceauth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type tokenDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads device_tokens and records device liveness.
type PostgresStore struct {
	DB tokenDB
}

func (s *PostgresStore) GetByHash(ctx context.Context, tokenHash string) (Token, error) {
	var tok Token
	var expires *time.Time
	row := s.DB.QueryRow(ctx, `
		SELECT token_id, family_id, device_id, token_hash, revoked, expires_at
		FROM device_tokens WHERE token_hash=$1
	`, tokenHash)
	if err := row.Scan(&tok.TokenID, &tok.FamilyID, &tok.DeviceID, &tok.TokenHash, &tok.Revoked, &expires); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Token{}, ErrInvalidToken
		}
		return Token{}, err
	}
	if expires != nil {
		tok.ExpiresAt = *expires
	}
	return tok, nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_, err := s.DB.Exec(ctx, `UPDATE devices SET last_seen_at=$2 WHERE device_id=$1`, deviceID, at)
	return err
}

// MemoryStore holds tokens in process for tests and dev.
type MemoryStore struct {
	mu       sync.Mutex
	byHash   map[string]Token
	lastSeen map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: map[string]Token{}, lastSeen: map[string]time.Time{}}
}

func (s *MemoryStore) Add(tok Token) {
	s.mu.Lock()
	s.byHash[tok.TokenHash] = tok
	s.mu.Unlock()
}

func (s *MemoryStore) GetByHash(ctx context.Context, tokenHash string) (Token, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.byHash[tokenHash]
	if !ok {
		return Token{}, ErrInvalidToken
	}
	return tok, nil
}

func (s *MemoryStore) TouchLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	s.lastSeen[deviceID] = at
	s.mu.Unlock()
	return nil
}

// LastSeen reports the recorded liveness timestamp for tests.
func (s *MemoryStore) LastSeen(deviceID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastSeen[deviceID]
	return at, ok
}
