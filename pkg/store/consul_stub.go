//go:build !consul

package store

import (
	"github.com/hashicorp/go-hclog"
)

// NewConsulMailbox returns a memory mailbox when the consul build tag is not enabled.
func NewConsulMailbox(addr string) (Mailbox, error) {
	hclog.Default().Warn("consul mailbox requested but consul build tag not enabled; using memory mailbox", "addr", addr)
	return NewMemoryMailbox(), nil
}
