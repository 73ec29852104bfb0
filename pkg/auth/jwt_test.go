package auth

import (
	"errors"
	"testing"
	"time"

	"timer-link/pkg/model"
)

func TestGenerateAndParse(t *testing.T) {
	s := NewSigner("test-secret")
	p := model.Pairing{ID: 7, PrimaryID: "phone", CompanionID: "watch"}

	tok, err := s.Generate(p, "watch", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	c, err := s.Parse(tok)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.DeviceID != "watch" || c.PeerID != "phone" || c.Role != model.RoleCompanion || c.PairingID != 7 {
		t.Fatalf("unexpected claims %+v", c)
	}
}

func TestParseRejects(t *testing.T) {
	s := NewSigner("test-secret")
	p := model.Pairing{PrimaryID: "phone", CompanionID: "watch"}

	if _, err := s.Generate(p, "stranger", time.Minute); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid for unknown device, got %v", err)
	}
	expired, _ := s.Generate(p, "phone", -time.Minute)
	if _, err := s.Parse(expired); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected expired token to be rejected, got %v", err)
	}
	other, _ := NewSigner("other").Generate(p, "phone", time.Minute)
	if _, err := s.Parse(other); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected foreign signature to be rejected, got %v", err)
	}
}
