package sync

import (
	"fmt"
	"log"
	"time"

	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// LeaseManager enforces "at most one batch cycle per store" through an
// explicit lease row with an owner and an expiry, instead of an in-memory
// flag. A crashed holder cannot starve sync: once the lease expires any
// caller may reclaim it, and reclaiming reopens the dead cycle's work.
type LeaseManager struct {
	db    *gorm.DB
	queue *ChangeQueue
	owner string
	ttl   time.Duration
}

// NewLeaseManager creates a lease manager identified by owner
func NewLeaseManager(db *gorm.DB, queue *ChangeQueue, owner string, ttl time.Duration) *LeaseManager {
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return &LeaseManager{db: db, queue: queue, owner: owner, ttl: ttl}
}

// Acquire claims the sync slot for a store. It returns false when another
// live owner holds the lease. An expired lease is taken over after
// recovering the previous holder's abandoned batches and queue items.
func (lm *LeaseManager) Acquire(storeID string) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(lm.ttl)
	var reclaimed bool

	err := lm.db.Transaction(func(tx *gorm.DB) error {
		var lease models.SyncLease
		err := tx.Where("store_id = ?", storeID).First(&lease).Error

		if err == gorm.ErrRecordNotFound {
			lease = models.SyncLease{
				StoreID:    storeID,
				Owner:      lm.owner,
				AcquiredAt: now,
				ExpiresAt:  expires,
			}
			return tx.Create(&lease).Error
		}
		if err != nil {
			return err
		}

		if lease.Owner == lm.owner {
			lease.AcquiredAt = now
			lease.ExpiresAt = expires
			return tx.Save(&lease).Error
		}

		if !lease.Expired(now) {
			return errLeaseHeld
		}

		reclaimed = true
		lease.Owner = lm.owner
		lease.AcquiredAt = now
		lease.ExpiresAt = expires
		return tx.Save(&lease).Error
	})

	if err == errLeaseHeld {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lease acquire for %s failed: %w", storeID, err)
	}

	if reclaimed {
		if err := lm.recover(storeID); err != nil {
			log.Printf("⚠️ Lease recovery for %s failed: %v", storeID, err)
		}
	}
	return true, nil
}

var errLeaseHeld = fmt.Errorf("lease held by another owner")

// Release gives the slot back. Only the current owner's lease is removed.
func (lm *LeaseManager) Release(storeID string) error {
	return lm.db.Where("store_id = ? AND owner = ?", storeID, lm.owner).
		Delete(&models.SyncLease{}).Error
}

// recover reopens work abandoned by the previous lease holder: running
// batches become Failed with a lease-expired marker and their claimed queue
// items return to Pending.
func (lm *LeaseManager) recover(storeID string) error {
	msg := string(ErrLeaseExpired)
	err := lm.db.Model(&models.SyncBatch{}).
		Where("store_id = ? AND status = ?", storeID, models.BatchStatusRunning).
		Updates(map[string]interface{}{
			"status":        models.BatchStatusFailed,
			"error_message": msg,
			"completed_at":  time.Now().UTC(),
		}).Error
	if err != nil {
		return err
	}

	requeued, err := lm.queue.RequeueInProgress(storeID)
	if err != nil {
		return err
	}
	if requeued > 0 {
		log.Printf("♻️ Reclaimed lease for %s: requeued %d in-progress items", storeID, requeued)
	}
	return nil
}
