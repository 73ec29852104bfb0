// Package auth issues and verifies the device tokens used to open a link
// connection on the relay.
package auth

import (
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"timer-link/pkg/model"
)

var ErrInvalid = errors.New("invalid token")

// Claims identify a device and its counterpart within a pairing.
type Claims struct {
	DeviceID  string     `json:"did"`
	PeerID    string     `json:"pid"`
	PairingID uint       `json:"pair"`
	Role      model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HS256 device tokens.
type Signer struct {
	secret []byte
}

// NewSigner uses secret, falling back to JWT_SECRET.
func NewSigner(secret string) *Signer {
	if secret == "" {
		secret = os.Getenv("JWT_SECRET")
	}
	if secret == "" {
		secret = "change-me-secret"
	}
	return &Signer{secret: []byte(secret)}
}

// Generate issues a token for deviceID within p.
func (s *Signer) Generate(p model.Pairing, deviceID string, ttl time.Duration) (string, error) {
	role, peerID, ok := p.RoleOf(deviceID)
	if !ok {
		return "", ErrInvalid
	}
	now := time.Now()
	claims := Claims{
		DeviceID:  deviceID,
		PeerID:    peerID,
		PairingID: p.ID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) Parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok && claims.DeviceID != "" {
		return claims, nil
	}
	return nil, ErrInvalid
}
