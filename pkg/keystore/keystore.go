package keystore

import (
	"context"
	"errors"
	"sync"
	"time"

	"guardian/pkg/models"
)

var (
	ErrNotFound         = errors.New("device key not found")
	ErrRotationPending  = errors.New("rotation already pending")
	ErrNoRotationActive = errors.New("no rotation pending")
)

// Store holds each device's current and next shared secret. NextSecret
// exists only between BeginRotation and CommitRotation.
type Store interface {
	Get(ctx context.Context, deviceID string) (models.DeviceKey, error)
	Put(ctx context.Context, key models.DeviceKey) error
	// BeginRotation stages next as the device's upcoming secret.
	// A second begin before commit is a conflict, not an overwrite.
	BeginRotation(ctx context.Context, deviceID string, next []byte) error
	// CommitRotation atomically promotes next to current and clears
	// the pending flag.
	CommitRotation(ctx context.Context, deviceID string) error
	// AbortRotation discards the staged secret so a fresh rotation
	// can begin. The current secret is untouched.
	AbortRotation(ctx context.Context, deviceID string) error
}

// Memory is a mutex-guarded store for tests and single-process runs.
type Memory struct {
	mu   sync.Mutex
	keys map[string]models.DeviceKey
}

func NewMemory() *Memory {
	return &Memory{keys: map[string]models.DeviceKey{}}
}

func (m *Memory) Get(ctx context.Context, deviceID string) (models.DeviceKey, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[deviceID]
	if !ok {
		return models.DeviceKey{}, ErrNotFound
	}
	return cloneKey(key), nil
}

func (m *Memory) Put(ctx context.Context, key models.DeviceKey) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key.UpdatedAt = time.Now().UTC()
	m.keys[key.DeviceID] = cloneKey(key)
	return nil
}

func (m *Memory) BeginRotation(ctx context.Context, deviceID string, next []byte) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[deviceID]
	if !ok {
		return ErrNotFound
	}
	if key.RotationPending {
		return ErrRotationPending
	}
	key.NextSecret = append([]byte(nil), next...)
	key.RotationPending = true
	key.UpdatedAt = time.Now().UTC()
	m.keys[deviceID] = key
	return nil
}

func (m *Memory) CommitRotation(ctx context.Context, deviceID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[deviceID]
	if !ok {
		return ErrNotFound
	}
	if !key.RotationPending || len(key.NextSecret) == 0 {
		return ErrNoRotationActive
	}
	key.CurrentSecret = key.NextSecret
	key.NextSecret = nil
	key.RotationPending = false
	key.UpdatedAt = time.Now().UTC()
	m.keys[deviceID] = key
	return nil
}

func (m *Memory) AbortRotation(ctx context.Context, deviceID string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[deviceID]
	if !ok {
		return ErrNotFound
	}
	if !key.RotationPending {
		return ErrNoRotationActive
	}
	key.NextSecret = nil
	key.RotationPending = false
	key.UpdatedAt = time.Now().UTC()
	m.keys[deviceID] = key
	return nil
}

func cloneKey(key models.DeviceKey) models.DeviceKey {
	key.CurrentSecret = append([]byte(nil), key.CurrentSecret...)
	key.NextSecret = append([]byte(nil), key.NextSecret...)
	if len(key.NextSecret) == 0 {
		key.NextSecret = nil
	}
	return key
}
