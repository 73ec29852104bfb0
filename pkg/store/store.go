// Package store persists what the relay must keep while a device is away:
// the per-device durable mailbox and the pairing registry.
package store

import (
	"context"
	"errors"

	"timer-link/pkg/model"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExists         = errors.New("already exists")
	ErrBadCredentials = errors.New("bad credentials")
)

// Mailbox holds durable items for devices that are not connected. Transfers
// are FIFO; the context slot keeps only the latest value.
type Mailbox interface {
	EnqueueTransfer(ctx context.Context, deviceID string, payload []byte) error
	// DrainTransfers removes and returns every queued item in order.
	DrainTransfers(ctx context.Context, deviceID string) ([][]byte, error)
	SetContext(ctx context.Context, deviceID string, payload []byte) error
	// TakeContext removes and returns the context slot.
	TakeContext(ctx context.Context, deviceID string) ([]byte, bool, error)
	Close() error
}

// PairingRegistry stores pairings and verifies device secrets.
type PairingRegistry interface {
	CreatePairing(ctx context.Context, primaryID, companionID, secret string) (model.Pairing, error)
	// Lookup finds the pairing deviceID belongs to.
	Lookup(ctx context.Context, deviceID string) (model.Pairing, error)
	Authenticate(ctx context.Context, deviceID, secret string) (model.Pairing, error)
	MarkInstalled(ctx context.Context, companionID string) error
	ListPairings(ctx context.Context) ([]model.Pairing, error)
}

// NewMemory is a helper to construct the in-memory mailbox without importing it directly.
func NewMemory() Mailbox {
	return NewMemoryMailbox()
}
