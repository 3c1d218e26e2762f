package sync

import (
	"fmt"
	"log"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/openretail/storesync/internal/models"
	"gorm.io/gorm"
)

// ChangeQueue is the durable per-store outbox. Domain writes append through
// Enqueue; the batch processor is the only consumer. Coalescing happens under
// a per-entity lock scoped to (store, entityType, entityID), never a global
// lock.
type ChangeQueue struct {
	db          *gorm.DB
	auditWindow time.Duration

	mu       gosync.Mutex
	keyLocks map[string]*gosync.Mutex
}

// NewChangeQueue creates a change queue over the given database
func NewChangeQueue(db *gorm.DB, auditWindow time.Duration) *ChangeQueue {
	if auditWindow <= 0 {
		auditWindow = 7 * 24 * time.Hour
	}
	return &ChangeQueue{
		db:          db,
		auditWindow: auditWindow,
		keyLocks:    make(map[string]*gosync.Mutex),
	}
}

func (q *ChangeQueue) lockKey(key string) *gosync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.keyLocks[key]
	if !ok {
		l = &gosync.Mutex{}
		q.keyLocks[key] = l
	}
	return l
}

// Enqueue appends a mutation to the outbox and returns the queue item id.
// A still-pending item for the same entity is coalesced: the newest payload
// wins, the earliest enqueue time is kept for FIFO fairness, and the higher
// of the two priorities sticks. The row is committed before Enqueue returns.
func (q *ChangeQueue) Enqueue(storeID, entityType, entityID string, op Operation, prio Priority, payload []byte, version int64) (string, error) {
	key := storeID + "|" + entityType + "|" + entityID
	l := q.lockKey(key)
	l.Lock()
	defer l.Unlock()

	var itemID string
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var existing models.ChangeQueueItem
		err := tx.Where("store_id = ? AND entity_type = ? AND entity_id = ? AND status = ?",
			storeID, entityType, entityID, QueueStatusPending).
			First(&existing).Error

		if err == nil {
			existing.Operation = string(coalesceOp(Operation(existing.Operation), op))
			existing.Payload = payload
			existing.Version = version
			if int(prio) > existing.Priority {
				existing.Priority = int(prio)
			}
			itemID = existing.ItemID
			return tx.Save(&existing).Error
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		item := models.ChangeQueueItem{
			ItemID:     uuid.New().String(),
			StoreID:    storeID,
			EntityType: entityType,
			EntityID:   entityID,
			Operation:  string(op),
			Priority:   int(prio),
			Status:     QueueStatusPending,
			Payload:    payload,
			Version:    version,
			EnqueuedAt: time.Now().UTC(),
		}
		itemID = item.ItemID
		return tx.Create(&item).Error
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s:%s failed: %w", entityType, entityID, err)
	}
	return itemID, nil
}

// coalesceOp folds a new operation into a pending one. A delete supersedes
// everything; an update after an unsent create is still a create remotely.
func coalesceOp(existing, incoming Operation) Operation {
	if incoming == OpDelete {
		return OpDelete
	}
	if existing == OpCreate {
		return OpCreate
	}
	return incoming
}

// Dequeue claims up to max pending items for one store and entity type,
// ordered by priority (Critical first) then enqueue time. Claimed items move
// to in_progress inside the same transaction.
func (q *ChangeQueue) Dequeue(storeID, entityType string, max int) ([]models.ChangeQueueItem, error) {
	if max <= 0 {
		max = 100
	}

	var items []models.ChangeQueueItem
	err := q.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		err := tx.Where("store_id = ? AND entity_type = ? AND status = ?", storeID, entityType, QueueStatusPending).
			Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
			Order("priority DESC").
			Order("enqueued_at ASC").
			Limit(max).
			Find(&items).Error
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		ids := make([]string, len(items))
		for i := range items {
			ids[i] = items[i].ItemID
			items[i].Status = QueueStatusInProgress
		}
		return tx.Model(&models.ChangeQueueItem{}).
			Where("item_id IN ?", ids).
			Update("status", QueueStatusInProgress).Error
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue for %s/%s failed: %w", storeID, entityType, err)
	}
	return items, nil
}

// MarkCompleted finishes successfully transmitted items
func (q *ChangeQueue) MarkCompleted(itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	return q.db.Model(&models.ChangeQueueItem{}).
		Where("item_id IN ?", itemIDs).
		Updates(map[string]interface{}{
			"status":       QueueStatusCompleted,
			"completed_at": now,
			"last_error":   nil,
		}).Error
}

// HoldForReview parks any pending outbound item for an entity that just went
// to manual review, so the disputed version is not pushed meanwhile.
func (q *ChangeQueue) HoldForReview(storeID, entityType, entityID string) error {
	return q.db.Model(&models.ChangeQueueItem{}).
		Where("store_id = ? AND entity_type = ? AND entity_id = ? AND status = ?",
			storeID, entityType, entityID, QueueStatusPending).
		Update("status", QueueStatusConflict).Error
}

// ReleaseFromReview returns held items for an entity to pending once its
// conflict is resolved. Resends are safe: applies are idempotent by version.
func (q *ChangeQueue) ReleaseFromReview(entityType, entityID string) error {
	return q.db.Model(&models.ChangeQueueItem{}).
		Where("entity_type = ? AND entity_id = ? AND status = ?",
			entityType, entityID, QueueStatusConflict).
		Updates(map[string]interface{}{
			"status":        QueueStatusPending,
			"next_retry_at": nil,
		}).Error
}

// MarkFailed records a failure on an item. Validation failures and exhausted
// retry budgets are terminal; transient failures schedule the next attempt
// using the backoff curve. RetryCount never exceeds maxAttempts.
func (q *ChangeQueue) MarkFailed(item *models.ChangeQueueItem, cause error, maxAttempts int, backoff Backoff) error {
	item.RetryCount++
	msg := cause.Error()
	item.LastError = &msg

	terminal := IsValidation(cause) || item.RetryCount >= maxAttempts
	if terminal {
		item.Status = QueueStatusFailed
		item.NextRetryAt = nil
	} else {
		item.Status = QueueStatusPending
		next := time.Now().UTC().Add(backoff.Delay(item.RetryCount))
		item.NextRetryAt = &next
	}

	return q.db.Model(&models.ChangeQueueItem{}).
		Where("item_id = ?", item.ItemID).
		Updates(map[string]interface{}{
			"status":        item.Status,
			"retry_count":   item.RetryCount,
			"last_error":    msg,
			"next_retry_at": item.NextRetryAt,
		}).Error
}

// RetryItem is the operator-facing retry action: a terminally failed item
// goes back to pending with a fresh retry budget.
func (q *ChangeQueue) RetryItem(itemID string) error {
	res := q.db.Model(&models.ChangeQueueItem{}).
		Where("item_id = ? AND status IN ?", itemID, []string{QueueStatusFailed, QueueStatusCancelled}).
		Updates(map[string]interface{}{
			"status":        QueueStatusPending,
			"retry_count":   0,
			"next_retry_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue item %s not found or not retryable", itemID)
	}
	return nil
}

// RequeueInProgress returns claimed items to pending, used when a crashed
// batch's lease is reclaimed.
func (q *ChangeQueue) RequeueInProgress(storeID string) (int64, error) {
	res := q.db.Model(&models.ChangeQueueItem{}).
		Where("store_id = ? AND status = ?", storeID, QueueStatusInProgress).
		Update("status", QueueStatusPending)
	return res.RowsAffected, res.Error
}

// QueueSummary is the queue-depth view consumed by the health aggregator
type QueueSummary struct {
	Pending            int64         `json:"pending"`
	InProgress         int64         `json:"inProgress"`
	Failed             int64         `json:"failed"`
	OldestPendingAge   time.Duration `json:"oldestPendingAge"`
	OldestCriticalAge  time.Duration `json:"oldestCriticalAge"`
	HasErrors          bool          `json:"hasErrors"`
	RetriedPending     int64         `json:"retriedPending"`
	CompletedLastHour  int64         `json:"completedLastHour"`
	FailedRateLastHour float64       `json:"failedRateLastHour"`
}

// Summary computes the current queue-depth statistics for one store
func (q *ChangeQueue) Summary(storeID string) (*QueueSummary, error) {
	s := &QueueSummary{}
	now := time.Now().UTC()

	counts := []struct {
		status string
		dest   *int64
	}{
		{QueueStatusPending, &s.Pending},
		{QueueStatusInProgress, &s.InProgress},
		{QueueStatusFailed, &s.Failed},
	}
	for _, c := range counts {
		err := q.db.Model(&models.ChangeQueueItem{}).
			Where("store_id = ? AND status = ?", storeID, c.status).
			Count(c.dest).Error
		if err != nil {
			return nil, err
		}
	}

	var oldest models.ChangeQueueItem
	err := q.db.Where("store_id = ? AND status = ?", storeID, QueueStatusPending).
		Order("enqueued_at ASC").First(&oldest).Error
	if err == nil {
		s.OldestPendingAge = now.Sub(oldest.EnqueuedAt)
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	var oldestCritical models.ChangeQueueItem
	err = q.db.Where("store_id = ? AND status = ? AND priority = ?",
		storeID, QueueStatusPending, int(PriorityCritical)).
		Order("enqueued_at ASC").First(&oldestCritical).Error
	if err == nil {
		s.OldestCriticalAge = now.Sub(oldestCritical.EnqueuedAt)
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	err = q.db.Model(&models.ChangeQueueItem{}).
		Where("store_id = ? AND status = ? AND retry_count > 0", storeID, QueueStatusPending).
		Count(&s.RetriedPending).Error
	if err != nil {
		return nil, err
	}

	hourAgo := now.Add(-time.Hour)
	var completed, failedRecent int64
	q.db.Model(&models.ChangeQueueItem{}).
		Where("store_id = ? AND status = ? AND completed_at >= ?", storeID, QueueStatusCompleted, hourAgo).
		Count(&completed)
	q.db.Model(&models.ChangeQueueItem{}).
		Where("store_id = ? AND status = ? AND updated_at >= ?", storeID, QueueStatusFailed, hourAgo).
		Count(&failedRecent)
	s.CompletedLastHour = completed
	if completed+failedRecent > 0 {
		s.FailedRateLastHour = float64(failedRecent) / float64(completed+failedRecent)
	}

	s.HasErrors = s.Failed > 0 || s.RetriedPending > 0
	return s, nil
}

// Purge removes completed and cancelled items older than the audit window.
// Pending and in-progress items are never touched.
func (q *ChangeQueue) Purge() (int64, error) {
	cutoff := time.Now().UTC().Add(-q.auditWindow)
	res := q.db.Where("status IN ? AND completed_at IS NOT NULL AND completed_at < ?",
		[]string{QueueStatusCompleted, QueueStatusCancelled}, cutoff).
		Delete(&models.ChangeQueueItem{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("🧹 Purged %d queue items older than %s", res.RowsAffected, q.auditWindow)
	}
	return res.RowsAffected, nil
}
