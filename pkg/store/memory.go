package store

import (
	"context"
	"sync"
)

// MemoryMailbox is an in-memory Mailbox, intended for dev/demo and tests.
type MemoryMailbox struct {
	mu       sync.Mutex
	queues   map[string][][]byte
	contexts map[string][]byte
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		queues:   make(map[string][][]byte),
		contexts: make(map[string][]byte),
	}
}

func (m *MemoryMailbox) EnqueueTransfer(_ context.Context, deviceID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[deviceID] = append(m.queues[deviceID], clone(payload))
	return nil
}

func (m *MemoryMailbox) DrainTransfers(_ context.Context, deviceID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.queues[deviceID]
	delete(m.queues, deviceID)
	return out, nil
}

func (m *MemoryMailbox) SetContext(_ context.Context, deviceID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[deviceID] = clone(payload)
	return nil
}

func (m *MemoryMailbox) TakeContext(_ context.Context, deviceID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.contexts[deviceID]
	delete(m.contexts, deviceID)
	return b, ok, nil
}

func (m *MemoryMailbox) Close() error { return nil }

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
