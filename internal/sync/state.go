package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// EntityStore keeps the engine's last-known copy of each entity together with
// the last version both sides agreed on. Conflict detection works entirely
// off this table; the host application's own schema stays out of scope.
type EntityStore struct {
	db *gorm.DB
}

// NewEntityStore creates an entity store over the given database
func NewEntityStore(db *gorm.DB) *EntityStore {
	return &EntityStore{db: db}
}

// PayloadHash returns the canonical content hash of a payload
func PayloadHash(payload []byte) string {
	canonical, err := canonicalize(payload)
	if err != nil {
		canonical = payload
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Get returns the record for an entity, or nil when the engine has never
// seen it.
func (s *EntityStore) Get(entityType, entityID string) (*models.EntityRecord, error) {
	var rec models.EntityRecord
	err := s.db.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpsertLocal records a domain write: the local copy moves forward without
// touching the synced watermark, so a later sync can still see what changed.
func (s *EntityStore) UpsertLocal(entityType, entityID string, payload []byte, version int64, ts time.Time, source string) error {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.EntityRecord
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&rec).Error
		if err == gorm.ErrRecordNotFound {
			rec = models.EntityRecord{
				EntityType: entityType,
				EntityID:   entityID,
				Payload:    payload,
				Version:    version,
				ModifiedAt: ts,
				ModifiedBy: source,
			}
			return tx.Create(&rec).Error
		}
		if err != nil {
			return err
		}

		rec.Payload = payload
		rec.Version = version
		rec.ModifiedAt = ts
		rec.ModifiedBy = source
		rec.Deleted = false
		return tx.Save(&rec).Error
	})
}

// ApplyRemote applies one inbound record in a single-record transaction.
// The apply is idempotent by (entityID, version): replaying the same record
// leaves identical state. The synced watermark advances with the apply.
func (s *EntityStore) ApplyRemote(entityType, entityID string, op Operation, payload []byte, version int64, ts time.Time, source string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec models.EntityRecord
		err := tx.Where("entity_type = ? AND entity_id = ?", entityType, entityID).First(&rec).Error
		if err != nil && err != gorm.ErrRecordNotFound {
			return err
		}
		found := err == nil

		if found && rec.Version > version {
			// Already ahead of this record: replay of an older delivery.
			return nil
		}
		if found && rec.Version == version && PayloadsEqual(rec.Payload, payload) {
			return nil
		}

		if !found {
			rec = models.EntityRecord{EntityType: entityType, EntityID: entityID}
		}
		rec.Payload = payload
		rec.Version = version
		rec.ModifiedAt = ts
		rec.ModifiedBy = source
		rec.Deleted = op == OpDelete
		rec.SyncedHash = PayloadHash(payload)
		rec.SyncedVersion = version
		now := time.Now().UTC()
		rec.SyncedAt = &now

		if !found {
			return tx.Create(&rec).Error
		}
		return tx.Save(&rec).Error
	})
}

// MarkSynced advances the synced watermark after a successful push, so the
// current local state becomes the new common base version.
func (s *EntityStore) MarkSynced(entityType, entityID string, version int64, payload []byte) error {
	now := time.Now().UTC()
	res := s.db.Model(&models.EntityRecord{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Updates(map[string]interface{}{
			"synced_hash":    PayloadHash(payload),
			"synced_version": version,
			"synced_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("entity %s:%s not found", entityType, entityID)
	}
	return nil
}
