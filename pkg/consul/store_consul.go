//go:build consul

package consul

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

const mailboxPrefix = "timer-link/mailbox/"

// Mailbox keeps the relay mailbox in Consul KV so several relay replicas
// can share it. Queue keys sort by a zero-padded sequence.
type Mailbox struct {
	cli *consulapi.Client
	seq atomic.Uint64
}

func NewMailbox(addr string) (*Mailbox, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &Mailbox{cli: cli}, nil
}

func queuePrefix(deviceID string) string { return mailboxPrefix + deviceID + "/queue/" }
func contextKey(deviceID string) string  { return mailboxPrefix + deviceID + "/context" }

func (m *Mailbox) EnqueueTransfer(ctx context.Context, deviceID string, payload []byte) error {
	key := fmt.Sprintf("%s%020d-%06d", queuePrefix(deviceID), time.Now().UnixNano(), m.seq.Add(1)%1_000_000)
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := m.cli.KV().Put(&consulapi.KVPair{Key: key, Value: payload}, opts); err != nil {
		return fmt.Errorf("consul enqueue: %w", err)
	}
	return nil
}

func (m *Mailbox) DrainTransfers(ctx context.Context, deviceID string) ([][]byte, error) {
	qopts := (&consulapi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := m.cli.KV().List(queuePrefix(deviceID), qopts)
	if err != nil {
		return nil, fmt.Errorf("consul list: %w", err)
	}
	var out [][]byte
	wopts := (&consulapi.WriteOptions{}).WithContext(ctx)
	for _, p := range pairs {
		if !strings.HasPrefix(p.Key, queuePrefix(deviceID)) {
			continue
		}
		// delete only the revision we read; a concurrent drain loses the race
		ok, _, err := m.cli.KV().DeleteCAS(p, wopts)
		if err != nil {
			return out, fmt.Errorf("consul delete %s: %w", p.Key, err)
		}
		if ok {
			out = append(out, p.Value)
		}
	}
	return out, nil
}

func (m *Mailbox) SetContext(ctx context.Context, deviceID string, payload []byte) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	if _, err := m.cli.KV().Put(&consulapi.KVPair{Key: contextKey(deviceID), Value: payload}, opts); err != nil {
		return fmt.Errorf("consul set context: %w", err)
	}
	return nil
}

func (m *Mailbox) TakeContext(ctx context.Context, deviceID string) ([]byte, bool, error) {
	qopts := (&consulapi.QueryOptions{}).WithContext(ctx)
	kv, _, err := m.cli.KV().Get(contextKey(deviceID), qopts)
	if err != nil {
		return nil, false, fmt.Errorf("consul get context: %w", err)
	}
	if kv == nil {
		return nil, false, nil
	}
	ok, _, err := m.cli.KV().DeleteCAS(kv, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("consul delete context: %w", err)
	}
	if !ok {
		// replaced since we read it; the newer value stays for the next take
		return nil, false, nil
	}
	return kv.Value, true, nil
}

func (m *Mailbox) Close() error { return nil }
