package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"timer-link/pkg/model"
	"timer-link/pkg/store"
)

// Registry is a gorm-backed store.PairingRegistry.
type Registry struct {
	DB *gorm.DB
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{DB: db}
}

func (r *Registry) CreatePairing(ctx context.Context, primaryID, companionID, secret string) (model.Pairing, error) {
	if err := store.ValidatePairing(primaryID, companionID, secret); err != nil {
		return model.Pairing{}, err
	}
	hash, err := store.HashSecret(secret)
	if err != nil {
		return model.Pairing{}, err
	}
	p := model.Pairing{PrimaryID: primaryID, CompanionID: companionID, SecretHash: hash}
	err = r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Pairing{}).
			Where("primary_id IN ? OR companion_id IN ?", []string{primaryID, companionID}, []string{primaryID, companionID}).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return store.ErrExists
		}
		return tx.Create(&p).Error
	})
	if err != nil {
		return model.Pairing{}, fmt.Errorf("create pairing: %w", err)
	}
	return p, nil
}

func (r *Registry) Lookup(ctx context.Context, deviceID string) (model.Pairing, error) {
	var p model.Pairing
	err := r.DB.WithContext(ctx).Where("primary_id = ? OR companion_id = ?", deviceID, deviceID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Pairing{}, store.ErrNotFound
	}
	if err != nil {
		return model.Pairing{}, fmt.Errorf("lookup pairing: %w", err)
	}
	return p, nil
}

func (r *Registry) Authenticate(ctx context.Context, deviceID, secret string) (model.Pairing, error) {
	p, err := r.Lookup(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Pairing{}, store.ErrBadCredentials
	}
	if err != nil {
		return model.Pairing{}, err
	}
	if !store.CheckSecret(p.SecretHash, secret) {
		return model.Pairing{}, store.ErrBadCredentials
	}
	return p, nil
}

func (r *Registry) MarkInstalled(ctx context.Context, companionID string) error {
	res := r.DB.WithContext(ctx).Model(&model.Pairing{}).
		Where("companion_id = ?", companionID).
		Update("companion_installed", true)
	if res.Error != nil {
		return fmt.Errorf("mark installed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports zero rows when the flag was already set
		if _, err := r.Lookup(ctx, companionID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) ListPairings(ctx context.Context) ([]model.Pairing, error) {
	var out []model.Pairing
	if err := r.DB.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list pairings: %w", err)
	}
	return out, nil
}
