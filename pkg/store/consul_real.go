//go:build consul

package store

import (
	"timer-link/pkg/consul"
)

// NewConsulMailbox creates a Consul-backed mailbox (requires build tag consul).
func NewConsulMailbox(addr string) (Mailbox, error) {
	m, err := consul.NewMailbox(addr)
	if err != nil {
		return nil, err
	}
	return m, nil
}
