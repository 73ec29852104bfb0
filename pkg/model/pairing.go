package model

import "time"

// Pairing binds a primary device to its companion.
type Pairing struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	PrimaryID          string    `gorm:"uniqueIndex;size:64" json:"primaryId"`
	CompanionID        string    `gorm:"uniqueIndex;size:64" json:"companionId"`
	SecretHash         string    `json:"-"`
	CompanionInstalled bool      `json:"companionInstalled"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Role of a device within a pairing.
type Role string

const (
	RolePrimary   Role = "primary"
	RoleCompanion Role = "companion"
)

// RoleOf returns the role deviceID plays in p and the counterpart's id.
func (p Pairing) RoleOf(deviceID string) (Role, string, bool) {
	switch deviceID {
	case p.PrimaryID:
		return RolePrimary, p.CompanionID, true
	case p.CompanionID:
		return RoleCompanion, p.PrimaryID, true
	}
	return "", "", false
}
