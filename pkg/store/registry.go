package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"timer-link/pkg/model"
)

// HashSecret hashes a pairing secret for storage.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(b), nil
}

// CheckSecret compares secret against a stored hash.
func CheckSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// ValidatePairing checks the ids of a new pairing.
func ValidatePairing(primaryID, companionID, secret string) error {
	if primaryID == "" || companionID == "" || secret == "" {
		return fmt.Errorf("primaryId, companionId and secret are required")
	}
	if primaryID == companionID {
		return fmt.Errorf("primary and companion must differ")
	}
	return nil
}

// MemoryRegistry is an in-memory PairingRegistry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	nextID   uint
	pairings map[uint]model.Pairing
	byDevice map[string]uint
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		pairings: make(map[uint]model.Pairing),
		byDevice: make(map[string]uint),
	}
}

func (m *MemoryRegistry) CreatePairing(_ context.Context, primaryID, companionID, secret string) (model.Pairing, error) {
	if err := ValidatePairing(primaryID, companionID, secret); err != nil {
		return model.Pairing{}, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return model.Pairing{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range []string{primaryID, companionID} {
		if _, ok := m.byDevice[id]; ok {
			return model.Pairing{}, fmt.Errorf("device %s: %w", id, ErrExists)
		}
	}
	m.nextID++
	p := model.Pairing{
		ID:          m.nextID,
		PrimaryID:   primaryID,
		CompanionID: companionID,
		SecretHash:  hash,
		CreatedAt:   time.Now(),
	}
	m.pairings[p.ID] = p
	m.byDevice[primaryID] = p.ID
	m.byDevice[companionID] = p.ID
	return p, nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, deviceID string) (model.Pairing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDevice[deviceID]
	if !ok {
		return model.Pairing{}, ErrNotFound
	}
	return m.pairings[id], nil
}

func (m *MemoryRegistry) Authenticate(ctx context.Context, deviceID, secret string) (model.Pairing, error) {
	p, err := m.Lookup(ctx, deviceID)
	if err != nil {
		return model.Pairing{}, ErrBadCredentials
	}
	if !CheckSecret(p.SecretHash, secret) {
		return model.Pairing{}, ErrBadCredentials
	}
	return p, nil
}

func (m *MemoryRegistry) MarkInstalled(_ context.Context, companionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byDevice[companionID]
	if !ok {
		return ErrNotFound
	}
	p := m.pairings[id]
	if p.CompanionID != companionID {
		return ErrNotFound
	}
	p.CompanionInstalled = true
	m.pairings[id] = p
	return nil
}

func (m *MemoryRegistry) ListPairings(_ context.Context) ([]model.Pairing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Pairing, 0, len(m.pairings))
	for _, p := range m.pairings {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
