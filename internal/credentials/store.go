package credentials

import (
	"context"
	"fmt"

	"github.com/promptroute/promptroute/internal/database"
	"gorm.io/gorm"
)

// Store owns credential persistence and secret encryption. All reads of a
// secret go through the Sealer; a ciphertext that fails authentication makes
// the credential unusable instead of crashing the request.
type Store struct {
	sealer *Sealer
}

func NewStore(sealer *Sealer) *Store {
	return &Store{sealer: sealer}
}

// Create inserts a credential with its secret sealed. Enforces the
// one-default-per-(workspace, provider) invariant inside a transaction.
func (s *Store) Create(ctx context.Context, cred *database.Credential, secret string) error {
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	cred.EncryptedSecret = sealed

	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cred.IsDefault {
			var count int64
			q := tx.Model(&database.Credential{}).
				Where("provider_id = ? AND is_default = ?", cred.ProviderID, true)
			if cred.WorkspaceID != nil {
				q = q.Where("workspace_id = ?", *cred.WorkspaceID)
			} else {
				q = q.Where("workspace_id IS NULL")
			}
			q.Count(&count)
			if count > 0 {
				return ErrDuplicateDefault
			}
		}
		return tx.Create(cred).Error
	})
}

// Rotate re-encrypts a credential with a new secret.
func (s *Store) Rotate(ctx context.Context, id uint, newSecret string) error {
	sealed, err := s.sealer.Seal(newSecret)
	if err != nil {
		return fmt.Errorf("seal secret: %w", err)
	}
	result := database.DB.WithContext(ctx).Model(&database.Credential{}).
		Where("id = ?", id).
		Update("encrypted_secret", sealed)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Delete removes a credential, refusing to delete the last active one for
// its (workspace, provider).
func (s *Store) Delete(ctx context.Context, id uint) error {
	return database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cred database.Credential
		if err := tx.First(&cred, id).Error; err != nil {
			return err
		}

		if cred.Active {
			var others int64
			q := tx.Model(&database.Credential{}).
				Where("provider_id = ? AND active = ? AND id != ?", cred.ProviderID, true, cred.ID)
			if cred.WorkspaceID != nil {
				q = q.Where("workspace_id = ?", *cred.WorkspaceID)
			} else {
				q = q.Where("workspace_id IS NULL")
			}
			q.Count(&others)
			if others == 0 {
				return ErrLastCredential
			}
		}

		return tx.Delete(&cred).Error
	})
}

// Secret decrypts a credential's stored secret. ok=false means the
// ciphertext was tampered with or sealed under a different key.
func (s *Store) Secret(cred *database.Credential) (string, bool) {
	return s.sealer.Open(cred.EncryptedSecret)
}
